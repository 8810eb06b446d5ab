package main

import (
	"fmt"
	"net"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/arloliu/go-medlink/config"
	"github.com/arloliu/go-medlink/simulator"
)

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "Run a simulated device serving its frame stream over TCP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Value: "127.0.0.1:4000", Usage: "TCP listen address"},
			&cli.IntFlag{Name: "channels", Value: simulator.DefaultChannels, Usage: "Number of channels"},
			&cli.DurationFlag{Name: "period", Value: simulator.DefaultPeriod, Usage: "Sample period"},
			&cli.IntFlag{Name: "batch", Value: simulator.DefaultBatchSize, Usage: "Samples per frame"},
			&cli.DurationFlag{Name: "heartbeat", Value: simulator.DefaultHeartbeatInterval, Usage: "Heartbeat interval (0 disables)"},
			&cli.IntFlag{Name: "corrupt-every", Usage: "Corrupt every n-th samples frame"},
			&cli.IntFlag{Name: "skip-every", Usage: "Skip a sequence number before every n-th samples frame"},
			&cli.IntFlag{Name: "duplicate-every", Usage: "Send every n-th samples frame twice"},
			verboseFlag,
		},
		Action: simulateAction,
	}
}

func simulateAction(c *cli.Context) error {
	l := setupLogger(c, config.Log{Level: "info"})

	dev, err := simulator.New(
		simulator.WithChannels(c.Int("channels")),
		simulator.WithPeriod(c.Duration("period")),
		simulator.WithBatchSize(c.Int("batch")),
		simulator.WithHeartbeatInterval(c.Duration("heartbeat")),
		simulator.WithCorruptEvery(c.Int("corrupt-every")),
		simulator.WithSkipEvery(c.Int("skip-every")),
		simulator.WithDuplicateEvery(c.Int("duplicate-every")),
		simulator.WithLogger(l),
	)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer dev.Close()

	ln, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("listen: %v", err), 1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	err = dev.Serve(ctx, ln)
	l.Info("simulator stopped", "streams", dev.Streams(), "uptime", time.Since(start).Round(time.Second))

	return err
}
