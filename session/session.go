// Package session runs an acquisition session against one device.
//
// A session dials a byte source, decodes frames, interprets them into events and buffers sample
// batches for consumers. It tracks link health through the states Connecting, Streaming, Degraded,
// Reconnecting and Closed, reconnects with exponential backoff after transport faults and reports
// everything that is not a sample (gaps, drops, frame errors, device faults, state changes) as
// out-of-band notifications.
//
// Example:
//
//	cfg, err := session.NewConfig(netsource.Dialer("10.0.0.5:7000", time.Second),
//	    session.WithHeartbeatInterval(time.Second),
//	    session.WithOverflowPolicy(stream.BlockProducer),
//	)
//	...
//	sess, err := session.New(ctx, cfg)
//	...
//	if err := sess.Open(); err != nil { ... }
//	defer sess.Stop()
//
//	for sample, err := range sess.Samples(ctx) {
//	    if err != nil {
//	        // the session closed involuntarily
//	    }
//	    ...
//	}
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/frame"
	"github.com/arloliu/go-medlink/internal/task"
	"github.com/arloliu/go-medlink/logger"
	"github.com/arloliu/go-medlink/source"
	"github.com/arloliu/go-medlink/stream"
)

// samplesChunk is the number of samples Samples drains per buffer visit.
const samplesChunk = 256

// Status is a snapshot of a session.
type Status struct {
	ID           string
	State        State
	RetryCount   int
	LastFault    error
	DeviceStatus event.DeviceStatus
	Buffered     int
}

// Session is an acquisition session over one device.
//
// The read loop is the single owner of the decoder, the interpreter and the producer side of the
// buffer. Consumers call Drain or Samples concurrently with it.
type Session struct {
	id      string
	cfg     *Config
	logger  logger.Logger
	clk     clock.Clock
	metrics Metrics

	stateMgr *stateMgr
	taskMgr  *task.Manager
	ctx      context.Context
	notifier *notifier
	interp   *event.Interpreter

	opened    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	mu           sync.Mutex // protects the fields below
	src          source.ByteSource
	dec          *frame.Decoder
	buf          *stream.Buffer
	bufSwapped   chan struct{} // closed and replaced when buf is replaced
	termErr      error
	lastFault    error
	retryCount   int
	deviceStatus event.DeviceStatus
	impedance    []float64
	channels     int

	cmdSeq atomic.Uint32

	// read loop only
	faults *faultWindow

	cleanStreak   atomic.Int64
	lastHeartbeat atomic.Int64 // unix nanos on clk
}

// New creates a session in the Connecting state. Nothing is dialed until Open.
//
// The session stops when ctx is done.
func New(ctx context.Context, cfg *Config) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: config is nil")
	}

	interp, err := event.NewInterpreter(cfg.layout)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := &Session{
		id:         id,
		cfg:        cfg,
		logger:     cfg.logger.With("session", id),
		clk:        cfg.clk,
		interp:     interp,
		done:       make(chan struct{}),
		bufSwapped: make(chan struct{}),
		faults:     newFaultWindow(cfg.degradedWindow),
	}
	s.notifier = newNotifier(&s.metrics)
	s.taskMgr = task.NewManager(ctx, s.logger, cfg.clk)
	s.ctx = s.taskMgr.Context()
	s.stateMgr = newStateMgr(s, s.logger, s.onStateChange)
	s.stateMgr.AddHandler(cfg.stateHandlers...)

	if s.buf, err = s.newBuffer(nil); err != nil {
		return nil, err
	}
	if s.dec, err = frame.NewDecoder(cfg.maxFrameSize); err != nil {
		return nil, err
	}

	return s, nil
}

// Start creates a session from dialer and opts and opens it.
func Start(ctx context.Context, dialer source.Dialer, opts ...Option) (*Session, error) {
	cfg, err := NewConfig(dialer, opts...)
	if err != nil {
		return nil, err
	}

	s, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := s.Open(); err != nil {
		return nil, err
	}

	return s, nil
}

// ID returns the session identifier used in logs and metrics.
func (s *Session) ID() string { return s.id }

// Config returns the session configuration.
func (s *Session) Config() *Config { return s.cfg }

// Metrics returns the session metrics.
func (s *Session) Metrics() *Metrics { return &s.metrics }

// GetLogger returns the session logger.
func (s *Session) GetLogger() logger.Logger { return s.logger }

// Open starts the session: the source is dialed and the read loop begins.
//
// A session can be opened once; subsequent calls return ErrSessionUsed.
func (s *Session) Open() error {
	if s.State() == Closed {
		return ErrSessionClosed
	}
	if !s.opened.CompareAndSwap(false, true) {
		return ErrSessionUsed
	}

	s.logger.Info("session opening", "connect_timeout", s.cfg.connectTimeout)

	if s.cfg.heartbeatInterval > 0 {
		if err := s.taskMgr.StartInterval("heartbeatWatchdog", s.checkHeartbeat, s.cfg.heartbeatInterval); err != nil {
			return err
		}
	}

	return s.taskMgr.Start("readLoop", s.loopIteration, func() { s.shutdown(nil) })
}

// Stop closes the session from any state and waits for its goroutines to finish. Buffered samples
// are discarded. Stop is idempotent.
//
// Stop must not be called from a StateHandler.
func (s *Session) Stop() error {
	s.shutdown(nil)
	s.taskMgr.Wait()

	return s.closeErr
}

// State returns the current state.
func (s *Session) State() State { return s.stateMgr.State() }

// WaitState waits until the session reaches state, ctx is done or the session closes.
func (s *Session) WaitState(ctx context.Context, state State) error {
	return s.stateMgr.WaitState(ctx, state)
}

// Done returns a channel closed once the session is Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal fault of an involuntarily closed session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.termErr
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		ID:           s.id,
		State:        s.State(),
		RetryCount:   s.retryCount,
		LastFault:    s.lastFault,
		DeviceStatus: s.deviceStatus,
		Buffered:     s.buf.Samples(),
	}
}

// DeviceStatus returns the device status of the last status frame, StatusIdle before the first one.
func (s *Session) DeviceStatus() event.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deviceStatus
}

// Impedance returns the electrode impedance per channel in ohms from the last impedance report,
// NaN for channels that can't measure it. It returns nil before the first report.
func (s *Session) Impedance() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.impedance)
}

// SetMode asks the device to switch its operating mode. It returns once the command is written;
// the device confirms with a status frame, reported through DeviceStatus and NoticeStatus.
//
// The connected byte source must implement source.Duplex, otherwise ErrCommandUnsupported is
// returned. A transport failure is returned as *TransportFault; the read loop reconnects on its
// own.
func (s *Session) SetMode(ctx context.Context, mode event.DeviceStatus) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}
	if s.State() == Closed {
		return ErrSessionClosed
	}

	src := s.source()
	if src == nil {
		return ErrNotConnected
	}
	duplex, ok := src.(source.Duplex)
	if !ok {
		return ErrCommandUnsupported
	}

	wire, err := frame.EncodeLimit(frame.Frame{
		Type:    frame.TypeCommand,
		Seq:     s.cmdSeq.Add(1),
		Payload: event.CommandPayload(mode),
	}, s.cfg.maxFrameSize)
	if err != nil {
		return err
	}

	if err := duplex.Send(ctx, wire); err != nil {
		s.logger.Warn("send mode command failed", "mode", mode, "error", err)
		if source.IsTransportFault(err) {
			return &TransportFault{Err: err}
		}

		return err
	}

	s.metrics.incCommandsSent()
	s.logger.Info("mode command sent", "mode", mode)

	return nil
}

// Channels returns the channel labels of the last accepted sample batch.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg.layout.Labels(s.channels)
}

// Subscribe registers a notification subscriber with a channel of the given size.
//
// Notifications never block the read loop: when the channel is full the notification is dropped
// and counted in Metrics.NotificationsDropped. The channel is closed by the returned cancel
// function or when the session closes.
func (s *Session) Subscribe(size int) (<-chan Notification, func()) {
	return s.notifier.subscribe(size)
}

// Drain removes and returns up to maxSamples buffered samples in order, all of them when
// maxSamples <= 0. It never blocks.
func (s *Session) Drain(maxSamples int) []event.Sample {
	samples := s.buffer().Drain(maxSamples)
	s.metrics.addSamplesDrained(len(samples))

	return samples
}

// Samples returns a blocking sequence of samples.
//
// The sequence ends when ctx is done or the session closes. When the session closed involuntarily
// the last element carries the *SessionFault.
func (s *Session) Samples(ctx context.Context) iter.Seq2[event.Sample, error] {
	return func(yield func(event.Sample, error) bool) {
		for {
			buf, swapped := s.bufferAndSignal()

			if samples := buf.Drain(samplesChunk); len(samples) > 0 {
				s.metrics.addSamplesDrained(len(samples))
				for _, smp := range samples {
					if !yield(smp, nil) {
						return
					}
				}

				continue
			}

			var ready <-chan struct{}
			if !buf.Closed() {
				ready = buf.Ready()
			}

			select {
			case <-ctx.Done():
				return
			case <-s.done:
				if err := s.Err(); err != nil {
					yield(event.Sample{}, err)
				}

				return
			case <-ready:
			case <-swapped:
			}
		}
	}
}

func (s *Session) buffer() *stream.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf
}

func (s *Session) bufferAndSignal() (*stream.Buffer, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf, s.bufSwapped
}

func (s *Session) decoder() *frame.Decoder {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dec
}

func (s *Session) source() source.ByteSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.src
}

func (s *Session) newBuffer(seed *uint32) (*stream.Buffer, error) {
	opts := []stream.Option{
		stream.WithCapacity(s.cfg.bufferCapacity),
		stream.WithOverflowPolicy(s.cfg.overflowPolicy),
		stream.WithBlockTimeout(s.cfg.blockTimeout),
		stream.WithClock(s.clk),
	}
	if seed != nil {
		opts = append(opts, stream.WithLastAccepted(*seed))
	}

	return stream.New(opts...)
}

// install makes src the current source with a fresh decoder. It returns false when the session
// closed in the meantime.
func (s *Session) install(src source.ByteSource) (bool, error) {
	dec, err := frame.NewDecoder(s.cfg.maxFrameSize)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Closed {
		return false, nil
	}
	s.src = src
	s.dec = dec

	return true, nil
}

// uninstall closes src and clears it if it is still the current source.
func (s *Session) uninstall(src source.ByteSource) {
	s.mu.Lock()
	if s.src == src {
		s.src = nil
	}
	s.mu.Unlock()

	if err := src.Close(); err != nil {
		s.logger.Debug("close source failed", "error", err)
	}
}

// teardown closes the current source and replaces the buffer. Buffered samples are reported
// dropped.
func (s *Session) teardown() error {
	old := s.buffer()

	var seed *uint32
	if s.cfg.sequencePolicy == SequenceContinue {
		if last, ok := old.LastAccepted(); ok {
			seed = &last
		}
	}

	buf, err := s.newBuffer(seed)
	if err != nil {
		return err
	}

	s.mu.Lock()
	src := s.src
	s.src = nil
	s.buf = buf
	close(s.bufSwapped)
	s.bufSwapped = make(chan struct{})
	s.mu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			s.logger.Debug("close source failed", "error", err)
		}
	}

	report := old.Close()
	if report.Batches > 0 {
		report.Reason = stream.DropReconnect
		s.metrics.addDropped(report.Batches, report.Samples)
		s.publish(NoticeDrop, report)
	}

	return nil
}

// fail closes the session with a terminal fault.
func (s *Session) fail(cause error, state State, attempts int) {
	s.mu.Lock()
	last := s.lastFault
	s.mu.Unlock()

	fault := &SessionFault{Cause: cause, LastFault: last, State: state, Attempts: attempts}
	s.logger.Error("session failed", "state", state, "attempt", attempts, "error", fault)
	s.shutdown(fault)
}

// shutdown moves the session to Closed and releases every resource. fault is nil for a requested
// stop.
func (s *Session) shutdown(fault error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.termErr = fault
		s.mu.Unlock()

		s.stateMgr.to(Closed, fault)
		s.taskMgr.Stop()

		s.mu.Lock()
		src, buf := s.src, s.buf
		s.src = nil
		s.mu.Unlock()

		if src != nil {
			s.closeErr = src.Close()
		}

		report := buf.Close()
		if report.Batches > 0 {
			s.metrics.addDropped(report.Batches, report.Samples)
			s.publish(NoticeDrop, report)
		}
		if fault != nil {
			s.publish(NoticeSessionFault, fault)
		}

		s.notifier.close()
		close(s.done)
		s.logger.Info("session closed")
	})
}

func (s *Session) setLastFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFault = err
}

func (s *Session) setRetryCount(n int) {
	s.mu.Lock()
	s.retryCount = n
	s.mu.Unlock()

	s.metrics.setConnRetryGauge(n)
}

func (s *Session) publish(kind NotificationKind, payload any) {
	s.notifier.publish(Notification{At: s.clk.Now(), Kind: kind, Payload: payload})
}

func (s *Session) onStateChange(_ *Session, prev State, cur State, cause error) {
	if cause != nil {
		s.logger.Info("session state changed", "prev_state", prev, "state", cur, "error", cause)
	} else {
		s.logger.Info("session state changed", "prev_state", prev, "state", cur)
	}
	s.publish(NoticeStateChange, StateChange{From: prev, To: cur, Cause: cause})
}
