// Command hirebridge-cli runs one-off operations against the tenant registry:
// manual resyncs, public key lookups and schema migrations.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hirebridge/pkg/cli"
)

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("HIREBRIDGE_DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := cli.NewRootCommand(os.Stdout, logger).Execute(); err != nil {
		logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
