// Package main provides the meddump CLI.
//
// Usage:
//
//	meddump dump [--config file] [--addr host:port | --ws url | --simulate] [--count n] [--format text|msgpack]
//	meddump impedance [--config file] [--addr host:port | --ws url | --simulate]
//	meddump simulate --listen addr [--channels n] [--period d]
//	meddump version
//
// Exit codes:
//   - 0: stopped by the user or after --count samples
//   - 1: session fault or invalid arguments
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:           "meddump",
		Usage:          "Dump physiological sample streams from acquisition devices",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			dumpCommand(),
			impedanceCommand(),
			simulateCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit and prints any other error.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintf(c.App.Writer, "meddump %s (commit: %s)\n", version, commit)
			return err
		},
	}
}
