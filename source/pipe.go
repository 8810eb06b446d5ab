package source

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arloliu/go-medlink/internal/util"
)

// sentQueueSize is the number of Send calls a pipe buffers before Send blocks.
const sentQueueSize = 16

// Pipe is an in-memory Duplex. Bytes written with Write become readable by Read; bytes passed to
// Send arrive on Sent.
//
// It backs the simulator's in-process dialer and the session tests. Timeouts and arrival
// times are taken from the pipe's clock.
type Pipe struct {
	mu      sync.Mutex
	clk     clock.Clock
	pending []byte
	err     error // sticky error reported once pending bytes are consumed
	closed  bool
	notify  chan struct{}
	sent    chan []byte
	done    chan struct{}
}

var _ Duplex = (*Pipe)(nil)

// NewPipe creates an empty pipe. A nil clk uses the wall clock.
func NewPipe(clk clock.Clock) *Pipe {
	if clk == nil {
		clk = clock.New()
	}

	return &Pipe{
		clk:    clk,
		notify: make(chan struct{}),
		sent:   make(chan []byte, sentQueueSize),
		done:   make(chan struct{}),
	}
}

// Write appends p to the readable bytes. It implements io.Writer.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}
	if p.err != nil {
		return 0, p.err
	}
	p.pending = append(p.pending, b...)
	p.signal()

	return len(b), nil
}

// Disconnect makes Read return ErrDisconnected once the already written bytes are consumed.
func (p *Pipe) Disconnect() {
	p.Fail(ErrDisconnected)
}

// Fail makes Read return err once the already written bytes are consumed.
func (p *Pipe) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err == nil {
		p.err = err
	}
	p.signal()
}

// Close closes the pipe. Pending bytes are discarded.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		p.pending = nil
		p.signal()
		close(p.done)
	}

	return nil
}

// Closed reports whether Close was called.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

// Send implements Duplex. It fails with the pipe's sticky error after Disconnect or Fail.
func (p *Pipe) Send(ctx context.Context, b []byte) error {
	p.mu.Lock()
	closed, err := p.closed, p.err
	p.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case err != nil:
		return err
	}

	select {
	case p.sent <- util.CloneSlice(b, 0):
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns the bytes passed to Send, one slice per call. The channel is never closed; Done
// reports when the pipe is closed.
func (p *Pipe) Sent() <-chan []byte { return p.sent }

// Done returns a channel closed by Close.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Read implements ByteSource.
func (p *Pipe) Read(ctx context.Context, maxBytes int, timeout time.Duration) (RawChunk, error) {
	if maxBytes <= 0 {
		maxBytes = 1
	}

	var timer *clock.Timer
	if timeout > 0 {
		timer = p.clk.Timer(timeout)
		defer timer.Stop()
	}

	for {
		p.mu.Lock()
		switch {
		case p.closed:
			p.mu.Unlock()
			return RawChunk{}, ErrClosed
		case len(p.pending) > 0:
			n := min(maxBytes, len(p.pending))
			chunk := RawChunk{Data: util.CloneSlice(p.pending[:n], 0), ArrivedAt: p.clk.Now()}
			p.pending = p.pending[n:]
			p.mu.Unlock()

			return chunk, nil
		case p.err != nil:
			err := p.err
			p.mu.Unlock()
			return RawChunk{}, err
		}
		notify := p.notify
		p.mu.Unlock()

		var timeoutCh <-chan time.Time
		if timer != nil {
			timeoutCh = timer.C
		}

		select {
		case <-ctx.Done():
			return RawChunk{}, ctx.Err()
		case <-timeoutCh:
			return RawChunk{}, ErrTimeout
		case <-notify:
		}
	}
}

// signal wakes up readers waiting on the current notify channel. Callers hold p.mu.
func (p *Pipe) signal() {
	close(p.notify)
	p.notify = make(chan struct{})
}
