package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
	out         io.Writer
}

// NewRootCommand creates the root command writing results to out and
// progress to logger.
func NewRootCommand(out io.Writer, logger *logrus.Logger) *Command {
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = logrus.New()
	}

	root := &Command{
		Name:        "hirebridge-cli",
		Description: "hirebridge - upstream HR platform integration tooling",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("hirebridge-cli", flag.ContinueOnError),
		out:         out,
	}

	root.Subcommands["resync"] = newResyncCommand(out, logger)
	root.Subcommands["public-key"] = newPublicKeyCommand(out, logger)
	root.Subcommands["tenants"] = newTenantsCommand(out)
	root.Subcommands["migrate"] = newMigrateCommand(out, logger)
	root.Subcommands["join"] = newJoinCommand(out, logger)

	return root
}

// Execute runs the command with the process arguments
func (c *Command) Execute() error {
	return c.ExecuteArgs(os.Args[1:])
}

// ExecuteArgs dispatches args to a subcommand
func (c *Command) ExecuteArgs(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	switch strings.ToLower(args[0]) {
	case "-h", "--help", "help":
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Fprintf(c.out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(c.out, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

func tenantsFileDefault() string {
	if path := os.Getenv("HIREBRIDGE_TENANTS_FILE"); path != "" {
		return path
	}
	return "tenants.yaml"
}
