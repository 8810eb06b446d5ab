package session

import (
	"context"
	"errors"
	"time"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/source"
	"github.com/arloliu/go-medlink/stream"
)

// ErrNoFrame is the last fault of a connect attempt that produced no valid frame in time.
var ErrNoFrame = errors.New("session: no valid frame received")

// loopIteration is one iteration of the read loop task.
func (s *Session) loopIteration() bool {
	switch s.State() {
	case Connecting:
		return s.connect()
	case Streaming, Degraded:
		return s.readOnce()
	default:
		return false
	}
}

// connect dials until the first valid frame arrives or the connect timeout expires.
func (s *Session) connect() bool {
	ctx, cancel := s.phaseContext(s.cfg.connectTimeout)
	defer cancel()

	delay := s.cfg.backoff.Initial
	for attempt := 1; ; attempt++ {
		err := s.attempt(ctx)
		if err == nil {
			return true
		}
		if s.ctx.Err() != nil {
			return false
		}

		s.setLastFault(err)
		if ctx.Err() != nil {
			s.fail(ErrConnectTimeout, Connecting, attempt)
			return false
		}

		s.logger.Debug("connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if !s.sleep(ctx, delay) {
			if s.ctx.Err() != nil {
				return false
			}
			s.fail(ErrConnectTimeout, Connecting, attempt)

			return false
		}
		delay = s.cfg.backoff.Next(delay)
	}
}

// reconnect tears the pipeline down and redials with backoff until a valid frame arrives or the
// reconnect budget runs out.
func (s *Session) reconnect(cause error) bool {
	if !s.stateMgr.toFrom([]State{Streaming, Degraded}, Reconnecting, cause) {
		s.metrics.incCoalescedFaults()
		return s.State() != Closed
	}

	s.logger.Warn("transport fault, reconnecting", "error", cause)
	s.setLastFault(cause)
	if err := s.teardown(); err != nil {
		s.setLastFault(err)
		s.fail(ErrRetryExhausted, Reconnecting, 0)

		return false
	}

	start := s.clk.Now()
	delay := s.cfg.backoff.Initial
	for attempt := 1; ; attempt++ {
		if !s.sleep(s.ctx, delay) {
			return false
		}

		s.setRetryCount(attempt)
		ctx, cancel := s.phaseContext(s.cfg.connectTimeout)
		err := s.attempt(ctx)
		cancel()

		if err == nil {
			s.metrics.incReconnects()
			s.setRetryCount(0)
			s.logger.Info("session reconnected", "attempt", attempt)

			return true
		}
		if s.ctx.Err() != nil {
			return false
		}

		s.setLastFault(err)
		if s.budgetExhausted(attempt, start) {
			s.fail(ErrRetryExhausted, Reconnecting, attempt)
			return false
		}

		s.logger.Debug("reconnect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		delay = s.cfg.backoff.Next(delay)
	}
}

func (s *Session) budgetExhausted(attempts int, start time.Time) bool {
	if s.cfg.reconnectBudget == BudgetDuration {
		return s.clk.Since(start) >= s.cfg.maxReconnectDuration
	}

	return attempts >= s.cfg.maxReconnectAttempts
}

// attempt dials once and reads until the first valid frame moves the session to Streaming.
func (s *Session) attempt(ctx context.Context) error {
	src, err := s.cfg.dialer.Dial(ctx)
	if err != nil {
		return &TransportFault{Err: err}
	}

	ok, err := s.install(src)
	if !ok {
		_ = src.Close()
		if err != nil {
			return err
		}

		return ErrSessionClosed
	}

	for {
		chunk, err := src.Read(ctx, s.cfg.readSize, s.cfg.readTimeout)
		if err != nil {
			if ctx.Err() != nil {
				s.uninstall(src)
				return ErrNoFrame
			}
			if errors.Is(err, source.ErrTimeout) {
				continue
			}
			s.uninstall(src)

			return &TransportFault{Err: err}
		}

		s.process(chunk)
		if s.State().IsActive() {
			return nil
		}
	}
}

// readOnce performs one read while Streaming or Degraded.
func (s *Session) readOnce() bool {
	src := s.source()
	if src == nil {
		return false
	}

	chunk, err := src.Read(s.ctx, s.cfg.readSize, s.cfg.readTimeout)
	if err != nil {
		switch {
		case s.ctx.Err() != nil:
			return false
		case errors.Is(err, source.ErrTimeout):
			return true
		default:
			return s.reconnect(&TransportFault{Err: err})
		}
	}

	s.process(chunk)

	return s.ctx.Err() == nil
}

// process decodes a chunk and dispatches its frames.
func (s *Session) process(chunk source.RawChunk) {
	s.metrics.addBytesRead(chunk.Len())

	frames, frameErrs := s.decoder().Feed(chunk)
	for _, fe := range frameErrs {
		s.metrics.incFrameErrors()
		s.logger.Debug("frame error", "kind", fe.Kind, "offset", fe.Offset, "error", fe.Err)
		s.publish(NoticeFrameError, fe)
		s.recordFault()
	}

	if len(frames) > 0 {
		s.toStreaming()
	}

	buf := s.buffer()
	for _, f := range frames {
		if s.ctx.Err() != nil {
			return
		}
		s.metrics.incFramesDecoded()
		if s.handle(buf, s.interp.Interpret(f)) {
			s.cleanFrame()
		}
	}
}

// handle dispatches one event and reports whether it counts as a clean frame.
func (s *Session) handle(buf *stream.Buffer, ev event.Event) bool {
	switch e := ev.(type) {
	case event.FaultNotice:
		s.metrics.incFaultNotices()
		s.logger.Debug("fault notice", "code", e.Code, "frame_type", e.FrameType, "seq", e.Seq, "detail", e.Detail)
		s.publish(NoticeFault, e)
		s.recordFault()

		return false

	case event.Heartbeat:
		s.lastHeartbeat.Store(s.clk.Now().UnixNano())

	case event.StatusChange:
		s.mu.Lock()
		s.deviceStatus = e.Status
		s.mu.Unlock()
		s.publish(NoticeStatus, e)

	case event.ImpedanceReport:
		s.mu.Lock()
		s.impedance = e.Values
		s.mu.Unlock()
		s.publish(NoticeImpedance, e)

	case event.SampleBatch:
		return s.accept(buf, e)
	}

	return true
}

func (s *Session) accept(buf *stream.Buffer, batch event.SampleBatch) bool {
	res, err := buf.Accept(s.ctx, batch)
	for _, n := range res.Notices {
		s.publishNotice(n)
	}

	switch res.Status {
	case stream.Accepted:
		s.metrics.addAccepted(len(batch.Samples))
		s.mu.Lock()
		s.channels = batch.Channels
		s.mu.Unlock()
	case stream.Duplicate, stream.Stale:
		s.metrics.incBatchesRejected()
	}

	if errors.Is(err, stream.ErrBlockTimeout) {
		s.degrade(err)
		return false
	}

	return err == nil
}

func (s *Session) publishNotice(n stream.Notice) {
	switch v := n.(type) {
	case stream.GapReport:
		s.metrics.incGaps()
		s.logger.Debug("sequence gap", "expected", v.Expected, "size", v.Size)
		s.publish(NoticeGap, v)
	case stream.DropReport:
		s.metrics.addDropped(v.Batches, v.Samples)
		s.publish(NoticeDrop, v)
	case stream.SequenceAnomaly:
		s.publish(NoticeSequenceAnomaly, v)
	case stream.TimestampRegression:
		s.publish(NoticeTimestampRegression, v)
	}
}

func (s *Session) toStreaming() {
	if st := s.State(); st != Connecting && st != Reconnecting {
		return
	}

	s.lastHeartbeat.Store(s.clk.Now().UnixNano())
	if s.stateMgr.toFrom([]State{Connecting, Reconnecting}, Streaming, nil) {
		s.faults.reset()
		s.cleanStreak.Store(0)
	}
}

// recordFault adds a frame error or fault notice to the fault window.
func (s *Session) recordFault() {
	s.cleanStreak.Store(0)

	if s.faults.add(s.clk.Now()) >= s.cfg.degradedThreshold {
		s.degrade(ErrFaultThreshold)
	}
}

// cleanFrame counts a clean frame towards recovery of a degraded session.
func (s *Session) cleanFrame() {
	streak := s.cleanStreak.Add(1)
	if s.State() != Degraded || streak < int64(s.cfg.recoveryThreshold) || s.heartbeatOverdue() {
		return
	}

	if s.stateMgr.toFrom([]State{Degraded}, Streaming, nil) {
		s.faults.reset()
		s.cleanStreak.Store(0)
	}
}

func (s *Session) degrade(cause error) {
	s.cleanStreak.Store(0)

	switch s.State() {
	case Reconnecting:
		s.metrics.incCoalescedFaults()
	case Streaming:
		if s.stateMgr.toFrom([]State{Streaming}, Degraded, cause) {
			s.metrics.incDegradations()
			s.logger.Warn("session degraded", "error", cause)
		}
	}
}

// checkHeartbeat is the heartbeat watchdog task.
func (s *Session) checkHeartbeat() bool {
	if s.State() == Streaming && s.heartbeatOverdue() {
		s.degrade(ErrHeartbeatMissed)
	}

	return s.State() != Closed
}

func (s *Session) heartbeatOverdue() bool {
	if s.cfg.heartbeatInterval <= 0 {
		return false
	}
	last := time.Unix(0, s.lastHeartbeat.Load())

	return s.clk.Since(last) > s.cfg.heartbeatInterval*time.Duration(s.cfg.missedHeartbeats)
}

// phaseContext derives a context from the session context that is cancelled after d on the
// session clock.
func (s *Session) phaseContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(s.ctx)
	timer := s.clk.AfterFunc(d, cancel)

	return ctx, func() {
		timer.Stop()
		cancel()
	}
}

// sleep waits d on the session clock. It returns false when ctx is done first.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.clk.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
