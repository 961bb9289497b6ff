package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hirebridge/pkg/upstream"
)

func newPublicKeyCommand(out io.Writer, logger *logrus.Logger) *Command {
	cmd := &Command{
		Name:        "public-key",
		Description: "Fetch the public key of an upstream platform",
		Flags:       flag.NewFlagSet("public-key", flag.ContinueOnError),
		out:         out,
	}

	cmd.Flags.String("domain", "", "Upstream domain URL")
	cmd.Flags.Duration("timeout", upstream.DefaultTimeout, "Request timeout")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		domain := cmd.Flags.Lookup("domain").Value.String()
		timeout := cmd.Flags.Lookup("timeout").Value.(flag.Getter).Get().(time.Duration)
		if domain == "" {
			return fmt.Errorf("--domain is required")
		}

		logger.WithField("domain", domain).Debug("Fetching public key")
		key, err := upstream.NewClient(upstream.WithTimeout(timeout)).FetchPublicKey(context.Background(), domain)
		if err != nil {
			return fmt.Errorf("failed to fetch public key: %w", err)
		}
		fmt.Fprintln(cmd.out, key)
		return nil
	}
	return cmd
}
