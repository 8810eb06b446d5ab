// Package netsource provides a ByteSource over a stream-oriented net.Conn, such as a TCP link to
// an amplifier or a serial-over-IP bridge.
package netsource

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arloliu/go-medlink/source"
)

const (
	// DefaultDialTimeout bounds a single TCP dial.
	DefaultDialTimeout = 3 * time.Second
	// DefaultWriteTimeout bounds a Send whose context has no earlier deadline.
	DefaultWriteTimeout = 5 * time.Second
)

// Source reads raw bytes from a net.Conn and sends host commands over the same connection.
type Source struct {
	conn      net.Conn
	clk       clock.Clock
	buf       []byte
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ source.Duplex = (*Source)(nil)

// New wraps an established connection. A nil clk uses the wall clock for arrival times.
func New(conn net.Conn, clk clock.Clock) *Source {
	if clk == nil {
		clk = clock.New()
	}

	return &Source{conn: conn, clk: clk}
}

// Dial connects to the TCP address and returns a Source.
func Dial(ctx context.Context, addr string, dialTimeout time.Duration) (*Source, error) {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &source.IOError{Op: "dial " + addr, Err: err}
	}

	return New(conn, nil), nil
}

// Dialer returns a source.Dialer connecting to addr on each attempt.
func Dialer(addr string, dialTimeout time.Duration) source.Dialer {
	return source.DialFunc(func(ctx context.Context) (source.ByteSource, error) {
		return Dial(ctx, addr, dialTimeout)
	})
}

// Read implements source.ByteSource.
//
// The read deadline is the earlier of now+timeout and the context deadline. Cancelling ctx
// interrupts a blocked read by moving the deadline into the past.
func (s *Source) Read(ctx context.Context, maxBytes int, timeout time.Duration) (source.RawChunk, error) {
	if err := ctx.Err(); err != nil {
		return source.RawChunk{}, err
	}
	if maxBytes <= 0 {
		maxBytes = 1
	}
	if cap(s.buf) < maxBytes {
		s.buf = make([]byte, maxBytes)
	}
	buf := s.buf[:maxBytes]

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return source.RawChunk{}, s.mapErr(ctx, "read", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	n, err := s.conn.Read(buf)
	stop()

	if n > 0 {
		data := make([]byte, n)
		copy(data, buf[:n])

		return source.RawChunk{Data: data, ArrivedAt: s.clk.Now()}, nil
	}
	if err == nil {
		return source.RawChunk{}, source.ErrTimeout
	}

	return source.RawChunk{}, s.mapErr(ctx, "read", err)
}

// Send implements source.Duplex.
func (s *Source) Send(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(DefaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return s.mapErr(ctx, "write", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	_, err := s.conn.Write(p)
	stop()

	if err != nil {
		return s.mapErr(ctx, "write", err)
	}

	return nil
}

// Close closes the connection.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}

// RemoteAddr returns the peer address.
func (s *Source) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Source) mapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var netErr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return source.ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return source.ErrTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return source.ErrDisconnected
	case errors.Is(err, net.ErrClosed):
		return source.ErrClosed
	default:
		return &source.IOError{Op: op, Err: err}
	}
}
