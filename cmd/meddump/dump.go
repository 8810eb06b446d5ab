package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/arloliu/go-medlink/config"
	"github.com/arloliu/go-medlink/metrics"
	"github.com/arloliu/go-medlink/session"
)

func dumpCommand() *cli.Command {
	return &cli.Command{
		Name:  "dump",
		Usage: "Print the sample stream of a device",
		Flags: append(sourceFlags(),
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "Stop after n samples (0 = until interrupted)"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: formatText, Usage: "Output format: text, msgpack"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address"},
		),
		Action: dumpAction,
	}
}

// sourceFlags selects the device a command connects to.
func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file"},
		&cli.StringFlag{Name: "addr", Usage: "TCP address of the device (host:port)"},
		&cli.StringFlag{Name: "ws", Usage: "WebSocket URL of a device gateway"},
		&cli.BoolFlag{Name: "simulate", Usage: "Read from an in-process simulated device"},
		verboseFlag,
	}
}

func loadDumpConfig(c *cli.Context) (*config.File, error) {
	f := &config.File{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		f = loaded
	}

	selected := 0
	if addr := c.String("addr"); addr != "" {
		f.Source.Type, f.Source.Addr = config.SourceTCP, addr
		selected++
	}
	if url := c.String("ws"); url != "" {
		f.Source.Type, f.Source.URL = config.SourceWebSocket, url
		selected++
	}
	if c.Bool("simulate") {
		f.Source.Type = config.SourceSimulator
		selected++
	}
	if selected > 1 {
		return nil, errors.New("--addr, --ws and --simulate are mutually exclusive")
	}
	if addr := c.String("metrics-addr"); addr != "" {
		f.Metrics.Addr = addr
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return f, nil
}

func dumpAction(c *cli.Context) error {
	if c.Int("count") < 0 {
		return cli.Exit("--count must not be negative", 1)
	}

	f, err := loadDumpConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	out, err := newSampleWriter(c.String("format"), c.App.Writer)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	l := setupLogger(c, f.Log)

	opts, err := f.SessionOptions()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	dialer, closer, err := f.Dialer()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer closer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := session.Start(ctx, dialer, append(opts, session.WithLogger(l))...)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() { _ = sess.Stop() }()

	if f.Metrics.Addr != "" {
		stop := serveMetrics(f.Metrics, sess)
		defer stop()
	}

	fault := dump(ctx, sess, out, c.Int("count"))
	if err := out.Flush(); err != nil {
		return cli.Exit(fmt.Sprintf("write output: %v", err), 1)
	}
	if fault != nil {
		return cli.Exit(fault.Error(), 1)
	}

	return nil
}

// dump writes samples until ctx is done, count samples were written or the session ends. It
// returns the session fault or a write error.
func dump(ctx context.Context, sess *session.Session, out sampleWriter, count int) error {
	written := 0
	headerDone := false

	for smp, err := range sess.Samples(ctx) {
		if err != nil {
			return err
		}

		if !headerDone {
			if err := out.WriteHeader(sess.Channels()); err != nil {
				return err
			}
			headerDone = true
		}
		if err := out.WriteSample(smp); err != nil {
			return err
		}

		written++
		if count > 0 && written >= count {
			return nil
		}
	}

	return nil
}

func serveMetrics(cfg config.Metrics, sess *session.Session) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.ForSession(cfg.Namespace, sess))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
