package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/arloliu/go-medlink/config"
	"github.com/arloliu/go-medlink/logger"
)

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Aliases: []string{"v"},
	Usage:   "Log session diagnostics at debug level",
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// setupLogger installs the default logger. Logs go to stderr so stdout carries only samples.
func setupLogger(c *cli.Context, cfg config.Log) logger.Logger {
	level := logger.WarnLevel
	if lv, ok := logger.ParseLevel(cfg.Level); ok && cfg.Level != "" {
		level = lv
	}
	if c.Bool(verboseFlag.Name) {
		level = logger.DebugLevel
	}

	var l logger.Logger
	if cfg.Backend == "zap" {
		l = logger.NewZap(os.Stderr, level)
	} else {
		l = logger.NewSlogWriter(os.Stderr, level, false)
	}
	logger.SetLogger(l)

	return l
}
