package main

import (
	"context"
	"log"
	"os"

	cli "github.com/urfave/cli/v3"
)

// serviceVersion might be overridden at buildtime.
var serviceVersion = "dev"

func main() {
	cmd := &cli.Command{
		Name:                  "execution",
		Version:               serviceVersion,
		EnableShellCompletion: true,
		Usage:                 "Submit, inspect and stop workflow executions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Usage:   "Configuration file",
				Value:   "config/config.yaml",
				Sources: cli.EnvVars("CFG_FILE"),
			},
		},
		Commands: []*cli.Command{
			submitCommand(),
			statusCommand(),
			stopCommand(),
			deployCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
