// Package simulator emulates an acquisition device. It emits the framed byte stream a real
// amplifier would send: a status frame when a stream starts, then samples batches paced by the
// sample period and periodic heartbeats. Checksum errors, sequence gaps and duplicated frames can
// be injected to exercise the host side.
//
// The device obeys set-mode command frames from the host: it announces the new mode with a status
// frame, streams samples while sampling or testing, impedance frames while measuring impedance,
// and only heartbeats while idle.
//
// A Device can feed an io.Writer directly (Run), accept TCP connections (Serve), serve WebSocket
// clients (WebSocketHandler), or act as an in-process source.Dialer backed by pipes (Dialer).
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/frame"
	"github.com/arloliu/go-medlink/internal/util"
	"github.com/arloliu/go-medlink/logger"
	"github.com/arloliu/go-medlink/source"
	"github.com/arloliu/go-medlink/source/wssource"
)

// commandQueueSize is the number of received command chunks buffered per stream.
const commandQueueSize = 16

// ErrDeviceClosed is returned when dialing or serving a closed device.
var ErrDeviceClosed = errors.New("simulator: device closed")

// Device is a simulated acquisition device. It is safe for concurrent use; every stream gets its
// own sequence counter and waveform.
type Device struct {
	cfg    *Config
	clk    clock.Clock
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pipes   map[*source.Pipe]struct{}
	streams atomic.Uint64
}

// New creates a simulated device.
func New(opts ...Option) (*Device, error) {
	cfg := &Config{
		channels:          DefaultChannels,
		period:            DefaultPeriod,
		batchSize:         DefaultBatchSize,
		heartbeatInterval: DefaultHeartbeatInterval,
		status:            event.StatusSampling,
		layout:            event.DefaultLayout(),
		impedanceChannels: -1,
		clk:               clock.New(),
		logger:            logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if _, err := event.SamplesPayload(cfg.layout, 0, cfg.period, cfg.channels,
		make([]float64, cfg.channels*cfg.batchSize)); err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}
	if cfg.impedanceChannels > cfg.channels {
		return nil, fmt.Errorf("simulator: impedance channels %d exceed %d channels", cfg.impedanceChannels, cfg.channels)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Device{
		cfg:    cfg,
		clk:    cfg.clk,
		logger: cfg.logger.With("component", "simulator"),
		ctx:    ctx,
		cancel: cancel,
		pipes:  make(map[*source.Pipe]struct{}),
	}, nil
}

// Config returns the device configuration.
func (d *Device) Config() *Config { return d.cfg }

// Streams returns the number of streams started so far.
func (d *Device) Streams() uint64 { return d.streams.Load() }

// Run writes the device byte stream to w until ctx is done, the device is closed, or a write
// fails. It returns nil when stopped by ctx or Close.
func (d *Device) Run(ctx context.Context, w io.Writer) error {
	return d.Stream(ctx, w, nil)
}

// Stream is Run with a command input: in carries the raw bytes the host sends, which are decoded
// into command frames. A nil in never delivers commands.
func (d *Device) Stream(ctx context.Context, w io.Writer, in <-chan []byte) error {
	id := d.streams.Add(1)
	l := d.logger.With("stream", id)
	l.Debug("stream started")
	defer l.Debug("stream stopped")

	gen := newGenerator(d.cfg)
	dec, err := frame.NewDecoder(frame.DefaultMaxFrameSize)
	if err != nil {
		return err
	}

	b, err := gen.status()
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("simulator: write status: %w", err)
	}

	batchTicker := d.clk.Ticker(d.cfg.period * time.Duration(d.cfg.batchSize))
	defer batchTicker.Stop()

	var heartbeatC <-chan time.Time
	if d.cfg.heartbeatInterval > 0 {
		hb := d.clk.Ticker(d.cfg.heartbeatInterval)
		defer hb.Stop()
		heartbeatC = hb.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-d.ctx.Done():
			return nil

		case chunk := <-in:
			frames, errs := dec.Feed(source.RawChunk{Data: chunk, ArrivedAt: d.clk.Now()})
			for _, fe := range errs {
				l.Debug("bad command bytes", "kind", fe.Kind, "error", fe.Err)
			}
			for _, f := range frames {
				mode, err := event.ParseCommand(f)
				if err != nil {
					l.Debug("ignore frame from host", "seq", f.Seq, "error", err)
					continue
				}

				l.Info("mode changed", "seq", f.Seq, "mode", mode)
				b, err := gen.setMode(mode)
				if err != nil {
					return err
				}
				if _, err := w.Write(b); err != nil {
					return fmt.Errorf("simulator: write status: %w", err)
				}
			}

		case <-batchTicker.C:
			frames, err := gen.tick()
			if err != nil {
				return err
			}
			for _, b := range frames {
				if _, err := w.Write(b); err != nil {
					return fmt.Errorf("simulator: write frame: %w", err)
				}
			}

		case <-heartbeatC:
			b, err := gen.heartbeat()
			if err != nil {
				return err
			}
			if _, err := w.Write(b); err != nil {
				return fmt.Errorf("simulator: write heartbeat: %w", err)
			}
		}
	}
}

// Serve accepts connections on ln and streams to each of them until ctx is done or the device is
// closed. The listener is closed on return.
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	d.logger.Info("serving", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("simulator: accept: %w", err)
		}

		d.logger.Info("client connected", "remote", conn.RemoteAddr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()

			if err := d.Stream(ctx, conn, readCommands(ctx, conn)); err != nil {
				d.logger.Info("client disconnected", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// WebSocketHandler returns an http.Handler streaming the device output to WebSocket clients.
func (d *Device) WebSocketHandler() http.Handler {
	return wssource.Handler(d.Stream)
}

// Dialer returns an in-process dialer. Each dial starts a new stream into a fresh pipe.
func (d *Device) Dialer() source.Dialer {
	return source.DialFunc(d.dial)
}

func (d *Device) dial(_ context.Context) (source.ByteSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		return nil, ErrDeviceClosed
	}

	p := source.NewPipe(d.clk)
	d.pipes[p] = struct{}{}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(p)

		if err := d.Stream(d.ctx, p, p.Sent()); err != nil {
			d.logger.Debug("pipe stream ended", "error", err)
			return
		}
		// closed device: the host sees the peer going away
		p.Disconnect()
	}()

	return p, nil
}

// readCommands pumps bytes read from r into a channel until r fails or ctx is done.
func readCommands(ctx context.Context, r io.Reader) <-chan []byte {
	in := make(chan []byte, commandQueueSize)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case in <- util.CloneSlice(buf[:n], 0):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return in
}

func (d *Device) release(p *source.Pipe) {
	d.mu.Lock()
	delete(d.pipes, p)
	d.mu.Unlock()
}

// Disconnect drops every active pipe stream as if the cable was pulled, and returns how many
// streams were dropped. The device keeps accepting new dials.
func (d *Device) Disconnect() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	for p := range d.pipes {
		p.Disconnect()
	}

	return len(d.pipes)
}

// Close stops all streams and waits for the pipe streams to finish.
func (d *Device) Close() error {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()

	return nil
}
