// Package wssource provides a ByteSource over a WebSocket connection, as exposed by BLE and USB
// gateway bridges that forward the device byte stream in binary messages.
//
// Message boundaries carry no meaning: binary messages are concatenated into one byte stream and
// text messages are ignored. Host commands go out as one binary message per Send.
package wssource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/arloliu/go-medlink/source"
)

const (
	// maxMessageSize bounds a single gateway message.
	maxMessageSize = 1 << 20
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 5 * time.Second
	// recvQueueSize is the number of messages buffered between the read pump and Read.
	recvQueueSize = 64
)

// Source reads raw bytes from a WebSocket connection.
//
// A read pump goroutine drains the connection into a queue because gorilla/websocket connections
// become unusable after a read deadline expires.
type Source struct {
	conn      *websocket.Conn
	clk       clock.Clock
	msgs      chan []byte
	done      chan struct{}
	pending   []byte
	writeMu   sync.Mutex
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

var _ source.Duplex = (*Source)(nil)

// New wraps an established WebSocket connection and starts its read pump.
func New(conn *websocket.Conn, clk clock.Clock) *Source {
	if clk == nil {
		clk = clock.New()
	}
	s := &Source{
		conn: conn,
		clk:  clk,
		msgs: make(chan []byte, recvQueueSize),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	go s.readPump()

	return s
}

// Dial connects to a WebSocket URL (ws:// or wss://) and returns a Source.
func Dial(ctx context.Context, url string, header http.Header) (*Source, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &source.IOError{Op: "dial " + url, Err: err}
	}

	return New(conn, nil), nil
}

// Dialer returns a source.Dialer connecting to url on each attempt.
func Dialer(url string, header http.Header) source.Dialer {
	return source.DialFunc(func(ctx context.Context) (source.ByteSource, error) {
		return Dial(ctx, url, header)
	})
}

// Read implements source.ByteSource.
func (s *Source) Read(ctx context.Context, maxBytes int, timeout time.Duration) (source.RawChunk, error) {
	if maxBytes <= 0 {
		maxBytes = 1
	}

	if len(s.pending) == 0 {
		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timer := s.clk.Timer(timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case <-ctx.Done():
			return source.RawChunk{}, ctx.Err()
		case <-timeoutCh:
			return source.RawChunk{}, source.ErrTimeout
		case msg, ok := <-s.msgs:
			if !ok {
				return source.RawChunk{}, s.readErr()
			}
			s.pending = msg
		}
	}

	n := min(maxBytes, len(s.pending))
	chunk := source.RawChunk{Data: s.pending[:n:n], ArrivedAt: s.clk.Now()}
	s.pending = s.pending[n:]

	return chunk, nil
}

// Send implements source.Duplex.
func (s *Source) Send(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return source.ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return source.ErrDisconnected
		}

		return &source.IOError{Op: "write", Err: err}
	}

	return nil
}

// Close sends a close frame and closes the connection.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})

	return err
}

func (s *Source) readPump() {
	defer close(s.msgs)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		select {
		case s.msgs <- data:
		case <-s.done:
			s.setErr(source.ErrClosed)
			return
		}
	}
}

func (s *Source) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	select {
	case <-s.done:
		s.err = source.ErrClosed
		return
	default:
	}

	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.err = source.ErrDisconnected
	case errors.Is(err, source.ErrClosed):
		s.err = err
	default:
		s.err = &source.IOError{Op: "read", Err: err}
	}
}

func (s *Source) readErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	if s.err == nil {
		return source.ErrDisconnected
	}

	return s.err
}

// Writer forwards each Write as one binary WebSocket message. It lets a simulated device stream
// its byte output through a WebSocket gateway.
type Writer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ io.Writer = (*Writer)(nil)

// NewWriter wraps conn for writing.
func NewWriter(conn *websocket.Conn) *Writer {
	return &Writer{conn: conn}
}

// Write sends p as a single binary message.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// StreamFunc produces the device byte stream into w until ctx is done. in delivers the binary
// messages received from the client; it is never closed, ctx is cancelled when the client goes away.
type StreamFunc func(ctx context.Context, w io.Writer, in <-chan []byte) error

// Handler returns an http.Handler upgrading each request to a WebSocket and running stream on it.
func Handler(stream StreamFunc) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		in := make(chan []byte, recvQueueSize)
		go func() {
			defer cancel()
			for {
				msgType, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if msgType != websocket.BinaryMessage || len(data) == 0 {
					continue
				}

				select {
				case in <- data:
				case <-ctx.Done():
					return
				}
			}
		}()

		_ = stream(ctx, NewWriter(conn), in)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
	})
}
