package main

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/urfave/cli/v2"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/session"
)

func impedanceCommand() *cli.Command {
	return &cli.Command{
		Name:   "impedance",
		Usage:  "Switch a device to impedance mode and print one measurement per channel",
		Flags:  sourceFlags(),
		Action: impedanceAction,
	}
}

func impedanceAction(c *cli.Context) error {
	f, err := loadDumpConfig(c)
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

	if err := measureImpedance(ctx, sess, c.App.Writer); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return nil
}

// measureImpedance switches the device to impedance mode, prints the first report and switches
// the device back to sampling.
func measureImpedance(ctx context.Context, sess *session.Session, out io.Writer) error {
	notes, unsubscribe := sess.Subscribe(64)
	defer unsubscribe()

	if err := sess.WaitState(ctx, session.Streaming); err != nil {
		return err
	}
	if err := sess.SetMode(ctx, event.StatusImpedance); err != nil {
		return fmt.Errorf("set impedance mode: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case note, ok := <-notes:
			if !ok {
				if err := sess.Err(); err != nil {
					return err
				}

				return session.ErrSessionClosed
			}
			report, ok := note.Payload.(event.ImpedanceReport)
			if !ok {
				continue
			}

			labels := sess.Config().Layout().Labels(len(report.Values))
			for i, v := range report.Values {
				if _, err := fmt.Fprintf(out, "%s\t%s\n", labels[i], formatOhms(v)); err != nil {
					return err
				}
			}

			if err := sess.SetMode(ctx, event.StatusSampling); err != nil {
				sess.GetLogger().Warn("restore sampling mode failed", "error", err)
			}

			return nil
		}
	}
}

func formatOhms(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}

	return fmt.Sprintf("%.0f", v)
}
