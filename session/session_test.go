package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/frame"
	"github.com/arloliu/go-medlink/logger"
	"github.com/arloliu/go-medlink/source"
	"github.com/arloliu/go-medlink/stream"
)

func TestSession_ConnectAndStream(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock)
	require.Equal(Connecting, s.State())
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	write(t, p, samplesFrame(t, 1, 1, 2, 3), samplesFrame(t, 2, 4))
	waitState(t, s, Streaming)

	require.Equal([]float64{1, 2, 3, 4}, drainValues(t, s, 4))
	require.Equal([]string{"ch1"}, s.Channels())

	m := s.Metrics()
	require.EqualValues(2, m.FramesDecoded.Load())
	require.EqualValues(2, m.BatchesAccepted.Load())
	require.EqualValues(4, m.SamplesAccepted.Load())
	require.EqualValues(4, m.SamplesDrained.Load())

	require.NoError(s.Stop())
	require.Equal(Closed, s.State())
	require.NoError(s.Err())
	require.True(p.Closed())

	select {
	case <-s.Done():
	default:
		require.Fail("done channel not closed")
	}
}

func TestSession_OpenTwice(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSession(t, newTestDialer(mock), mock)

	require.NoError(t, s.Open())
	require.ErrorIs(t, s.Open(), ErrSessionUsed)
}

func TestSession_OpenAfterStop(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSession(t, newTestDialer(mock), mock)

	require.NoError(t, s.Stop())
	require.Equal(t, Closed, s.State())
	require.ErrorIs(t, s.Open(), ErrSessionClosed)
}

func TestSession_ConnectTimeout(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock, WithConnectTimeout(time.Second))
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	advanceUntil(t, mock, 100*time.Millisecond, func() bool { return s.State() == Closed })

	err := s.Err()
	require.ErrorIs(err, ErrConnectTimeout)
	require.ErrorIs(err, ErrNoFrame)

	var fault *SessionFault
	require.ErrorAs(err, &fault)
	require.Equal(Connecting, fault.State)
	require.True(p.Closed())
}

func TestSession_ConnectTimeout_DialFailures(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	d.failNext(1 << 20)
	s := newTestSession(t, d, mock,
		WithConnectTimeout(time.Second),
		WithReconnectBackoff(100*time.Millisecond, 200*time.Millisecond, 2),
	)
	require.NoError(s.Open())

	advanceUntil(t, mock, 50*time.Millisecond, func() bool { return s.State() == Closed })

	err := s.Err()
	require.ErrorIs(err, ErrConnectTimeout)
	require.ErrorIs(err, errDial)

	var tf *TransportFault
	require.ErrorAs(err, &tf)
	require.Zero(d.dials())
}

func TestSession_ConnectRetriesDial(t *testing.T) {
	mock := clock.NewMock()
	d := newTestDialer(mock)
	d.failNext(2)
	s := newTestSession(t, d, mock, WithReconnectBackoff(100*time.Millisecond, time.Second, 2))
	require.NoError(t, s.Open())

	advanceUntil(t, mock, 50*time.Millisecond, func() bool { return d.dials() == 1 })
	write(t, d.pipe(t, 0), heartbeatFrame(t, 1))
	waitState(t, s, Streaming)
	require.ErrorIs(t, s.Status().LastFault, errDial)
}

func TestSession_StopFromConnecting(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock)
	require.NoError(s.Open())
	p := d.pipe(t, 0)

	require.NoError(s.Stop())
	require.Equal(Closed, s.State())
	require.NoError(s.Err())
	require.True(p.Closed())

	// idempotent
	require.NoError(s.Stop())

	for _, err := range s.Samples(context.Background()) {
		require.NoError(err)
	}
}

func TestSession_StopDiscardsBuffered(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock)
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	write(t, p, samplesFrame(t, 1, 1, 2))
	require.Eventually(func() bool { return s.Status().Buffered == 2 }, waitFor, time.Millisecond)

	require.NoError(s.Stop())
	require.Empty(s.Drain(0))
	require.EqualValues(2, s.Metrics().DroppedSamples.Load())

	// no frames are interpreted after stop
	_, _ = p.Write(samplesFrame(t, 2, 3))
	require.EqualValues(1, s.Metrics().BatchesAccepted.Load())
}

func TestSession_ParentContextCancel(t *testing.T) {
	mock := clock.NewMock()
	d := newTestDialer(mock)
	cfg, err := NewConfig(d, WithClock(mock), WithLogger(logger.NewMockLogger().AllowAll()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Open())
	d.pipe(t, 0)

	cancel()
	require.Eventually(t, func() bool { return s.State() == Closed }, waitFor, time.Millisecond)
	require.NoError(t, s.Err())
	require.NoError(t, s.Stop())
}

func TestSession_Reconnect(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock, WithReconnectBackoff(100*time.Millisecond, time.Second, 2))
	notes, cancel := s.Subscribe(64)
	defer cancel()
	require.NoError(s.Open())

	p0 := d.pipe(t, 0)
	write(t, p0, samplesFrame(t, 1, 1, 2))
	waitState(t, s, Streaming)
	require.Eventually(func() bool { return s.Status().Buffered == 2 }, waitFor, time.Millisecond)

	p0.Disconnect()
	waitState(t, s, Reconnecting)

	drops := collect(t, notes, NoticeDrop, 1)
	drop, ok := drops[0].Payload.(stream.DropReport)
	require.True(ok)
	require.Equal(stream.DropReconnect, drop.Reason)
	require.Equal(2, drop.Samples)
	require.True(p0.Closed())

	advanceUntil(t, mock, 20*time.Millisecond, func() bool { return d.dials() == 2 })
	p1 := d.pipe(t, 1)
	write(t, p1, samplesFrame(t, 1, 5))
	waitState(t, s, Streaming)

	require.Equal([]float64{5}, drainValues(t, s, 1))
	require.EqualValues(1, s.Metrics().Reconnects.Load())
	require.EqualValues(0, s.Metrics().ConnRetryGauge.Load())
	require.Zero(s.Status().RetryCount)
	require.ErrorIs(s.Status().LastFault, source.ErrDisconnected)
}

func TestSession_SequencePolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   SequencePolicy
		accepted uint64
		rejected uint64
	}{
		{name: "reset", policy: SequenceReset, accepted: 4, rejected: 0},
		{name: "continue", policy: SequenceContinue, accepted: 3, rejected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			mock := clock.NewMock()
			d := newTestDialer(mock)
			s := newTestSession(t, d, mock,
				WithSequencePolicy(tt.policy),
				WithReconnectBackoff(100*time.Millisecond, time.Second, 2),
			)
			require.NoError(s.Open())

			p0 := d.pipe(t, 0)
			write(t, p0, samplesFrame(t, 1, 1), samplesFrame(t, 2, 2))
			require.Eventually(func() bool { return s.Metrics().BatchesAccepted.Load() == 2 }, waitFor, time.Millisecond)

			p0.Disconnect()
			waitState(t, s, Reconnecting)
			advanceUntil(t, mock, 20*time.Millisecond, func() bool { return d.dials() == 2 })

			write(t, d.pipe(t, 1), samplesFrame(t, 2, 2), samplesFrame(t, 3, 3))
			m := s.Metrics()
			require.Eventually(func() bool {
				return m.BatchesAccepted.Load()+m.BatchesRejected.Load() == 4
			}, waitFor, time.Millisecond)
			require.Equal(tt.accepted, m.BatchesAccepted.Load())
			require.Equal(tt.rejected, m.BatchesRejected.Load())
		})
	}
}

func TestSession_RetryExhausted(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock,
		WithReconnectBackoff(100*time.Millisecond, time.Second, 2),
		WithMaxReconnectAttempts(3),
	)
	notes, cancel := s.Subscribe(64)
	defer cancel()
	require.NoError(s.Open())

	p0 := d.pipe(t, 0)
	write(t, p0, heartbeatFrame(t, 1))
	waitState(t, s, Streaming)

	d.failNext(1 << 20)
	p0.Disconnect()
	waitState(t, s, Reconnecting)
	advanceUntil(t, mock, 50*time.Millisecond, func() bool { return s.State() == Closed })

	err := s.Err()
	require.ErrorIs(err, ErrRetryExhausted)
	require.ErrorIs(err, errDial)

	var fault *SessionFault
	require.ErrorAs(err, &fault)
	require.Equal(Reconnecting, fault.State)
	require.Equal(3, fault.Attempts)

	faults := collect(t, notes, NoticeSessionFault, 1)
	require.Same(fault, faults[0].Payload)

	var last error
	for _, err := range s.Samples(context.Background()) {
		last = err
	}
	require.ErrorIs(last, ErrRetryExhausted)
}

func TestSession_RetryBudgetDuration(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock,
		WithReconnectBackoff(100*time.Millisecond, time.Second, 2),
		WithMaxReconnectAttempts(1),
		WithMaxReconnectDuration(time.Second),
		WithReconnectBudget(BudgetDuration),
	)
	require.NoError(s.Open())

	p0 := d.pipe(t, 0)
	write(t, p0, heartbeatFrame(t, 1))
	waitState(t, s, Streaming)

	d.failNext(1 << 20)
	p0.Disconnect()
	waitState(t, s, Reconnecting)
	advanceUntil(t, mock, 50*time.Millisecond, func() bool { return s.State() == Closed })

	var fault *SessionFault
	require.ErrorAs(s.Err(), &fault)
	require.ErrorIs(fault, ErrRetryExhausted)
	require.Greater(fault.Attempts, 1)
}

func TestSession_StopWhileReconnecting(t *testing.T) {
	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock, WithReconnectBackoff(time.Second, time.Second, 1))
	require.NoError(t, s.Open())

	p0 := d.pipe(t, 0)
	write(t, p0, heartbeatFrame(t, 1))
	waitState(t, s, Streaming)

	p0.Disconnect()
	waitState(t, s, Reconnecting)

	require.NoError(t, s.Stop())
	require.Equal(t, Closed, s.State())
	require.NoError(t, s.Err())
	require.Equal(t, 1, d.dials())
}

func TestSession_DegradedByFaults(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	l := logger.NewMockLogger().AllowAll()
	s := newTestSession(t, d, mock,
		WithLogger(l),
		WithDegradedThreshold(3),
		WithRecoveryThreshold(2),
	)
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	write(t, p, heartbeatFrame(t, 1))
	waitState(t, s, Streaming)

	write(t, p, corruptFrame(t, 2), faultFrame(t, 3, 7), corruptFrame(t, 4))
	waitState(t, s, Degraded)

	m := s.Metrics()
	require.EqualValues(2, m.FrameErrors.Load())
	require.EqualValues(1, m.FaultNotices.Load())
	require.EqualValues(1, m.Degradations.Load())

	// a single clean frame is not enough
	write(t, p, heartbeatFrame(t, 5))
	require.Eventually(func() bool { return m.FramesDecoded.Load() == 3 }, waitFor, time.Millisecond)
	require.Equal(Degraded, s.State())

	write(t, p, heartbeatFrame(t, 6))
	waitState(t, s, Streaming)

	require.NoError(s.Stop())
	require.Contains(l.Messages("Warn"), "session degraded")
}

func TestSession_FaultWindowExpires(t *testing.T) {
	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock,
		WithDegradedThreshold(2),
		WithDegradedWindow(time.Second),
	)
	require.NoError(t, s.Open())

	p := d.pipe(t, 0)
	write(t, p, heartbeatFrame(t, 1), corruptFrame(t, 2))
	require.Eventually(t, func() bool { return s.Metrics().FrameErrors.Load() == 1 }, waitFor, time.Millisecond)

	mock.Add(2 * time.Second)
	write(t, p, corruptFrame(t, 3))
	require.Eventually(t, func() bool { return s.Metrics().FrameErrors.Load() == 2 }, waitFor, time.Millisecond)
	require.Equal(t, Streaming, s.State())
}

func TestSession_HeartbeatWatchdog(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock,
		WithHeartbeatInterval(time.Second),
		WithMissedHeartbeats(2),
		WithRecoveryThreshold(1),
	)
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	write(t, p, heartbeatFrame(t, 1))
	waitState(t, s, Streaming)

	advanceUntil(t, mock, 500*time.Millisecond, func() bool { return s.State() == Degraded })
	require.EqualValues(1, s.Metrics().Degradations.Load())

	write(t, p, heartbeatFrame(t, 2))
	waitState(t, s, Streaming)
}

func TestSession_BlockProducerTimeoutDegrades(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock,
		WithBufferCapacity(1),
		WithOverflowPolicy(stream.BlockProducer),
		WithBlockTimeout(time.Second),
	)
	notes, cancel := s.Subscribe(64)
	defer cancel()
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	write(t, p, samplesFrame(t, 1, 1), samplesFrame(t, 2, 2))
	waitState(t, s, Streaming)

	advanceUntil(t, mock, 200*time.Millisecond, func() bool { return s.State() == Degraded })

	drops := collect(t, notes, NoticeDrop, 1)
	drop, ok := drops[0].Payload.(stream.DropReport)
	require.True(ok)
	require.Equal(stream.DropBlockTimeout, drop.Reason)
	require.EqualValues(2, drop.FirstSeq)

	require.Equal([]float64{1}, drainValues(t, s, 1))
}

func TestSession_DropOldest(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock, WithBufferCapacity(2))
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	write(t, p, samplesFrame(t, 1, 1), samplesFrame(t, 2, 2), samplesFrame(t, 3, 3))
	require.Eventually(func() bool { return s.Metrics().BatchesAccepted.Load() == 3 }, waitFor, time.Millisecond)

	require.Equal([]float64{2, 3}, s.valuesNow())
	require.EqualValues(1, s.Metrics().DroppedBatches.Load())
	require.Equal(Streaming, s.State())
}

func TestSession_Notifications(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock)
	notes, cancel := s.Subscribe(64)
	defer cancel()
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	write(t, p,
		statusFrame(t, 1, event.StatusSampling),
		samplesFrame(t, 2, 1),
		samplesFrame(t, 4, 2),
		samplesFrame(t, 4, 2),
		faultFrame(t, 5, 42),
		corruptFrame(t, 6),
	)

	got := collectKinds(t, notes, NoticeStatus, NoticeGap, NoticeSequenceAnomaly, NoticeFault, NoticeFrameError)

	require.Equal(event.StatusSampling, got[NoticeStatus][0].Payload.(event.StatusChange).Status)
	require.Equal(stream.GapReport{Expected: 3, Size: 1}, got[NoticeGap][0].Payload)
	require.True(got[NoticeSequenceAnomaly][0].Payload.(stream.SequenceAnomaly).Duplicate)

	notice := got[NoticeFault][0].Payload.(event.FaultNotice)
	require.Equal(event.FaultDevice, notice.Code)
	require.EqualValues(42, notice.DeviceCode)

	fe := got[NoticeFrameError][0].Payload.(*frame.FrameError)
	require.Equal(frame.KindChecksum, fe.Kind)
	require.ErrorIs(fe, frame.ErrChecksum)

	require.Equal(event.StatusSampling, s.DeviceStatus())
	require.EqualValues(1, s.Metrics().Gaps.Load())

	require.NoError(s.Stop())

	var last StateChange
	for note := range notes {
		if change, ok := note.Payload.(StateChange); ok {
			last = change
		}
	}
	require.Equal(Closed, last.To)
}

func TestSession_SlowSubscriber(t *testing.T) {
	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock)
	_, cancel := s.Subscribe(0)
	defer cancel()
	require.NoError(t, s.Open())

	write(t, d.pipe(t, 0), heartbeatFrame(t, 1))
	waitState(t, s, Streaming)
	require.Positive(t, s.Metrics().NotificationsDropped.Load())
}

func TestSession_SamplesIterator(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock)
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	frames := make([][]byte, 0, 4)
	for seq := uint32(1); seq <= 4; seq++ {
		frames = append(frames, samplesFrame(t, seq, float64(seq)))
	}
	go func() {
		for _, f := range frames {
			_, _ = p.Write(f)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	var got []float64
	for smp, err := range s.Samples(ctx) {
		require.NoError(err)
		got = append(got, smp.Value)
		if len(got) == 4 {
			break
		}
	}
	require.Equal([]float64{1, 2, 3, 4}, got)
}

func TestSession_SamplesEndsOnStop(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSession(t, newTestDialer(mock), mock)
	require.NoError(t, s.Open())

	var wg sync.WaitGroup
	wg.Add(1)
	var errs []error
	go func() {
		defer wg.Done()
		for _, err := range s.Samples(context.Background()) {
			if err != nil {
				errs = append(errs, err)
			}
		}
	}()

	require.NoError(t, s.Stop())
	wg.Wait()
	assert.Empty(t, errs)
}

func TestSession_StateHandler(t *testing.T) {
	var mu sync.Mutex
	var got []StateChange
	handler := func(_ *Session, prev State, cur State, cause error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, StateChange{From: prev, To: cur, Cause: cause})
	}

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock, WithStateHandler(handler))
	require.NoError(t, s.Open())

	write(t, d.pipe(t, 0), heartbeatFrame(t, 1))
	waitState(t, s, Streaming)
	require.NoError(t, s.Stop())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []StateChange{
		{From: Connecting, To: Streaming},
		{From: Streaming, To: Closed},
	}, got)
}

func TestStart(t *testing.T) {
	mock := clock.NewMock()
	d := newTestDialer(mock)
	s, err := Start(context.Background(), d, WithClock(mock), WithLogger(logger.NewMockLogger().AllowAll()))
	require.NoError(t, err)
	defer func() { _ = s.Stop() }()

	write(t, d.pipe(t, 0), heartbeatFrame(t, 1))
	waitState(t, s, Streaming)
	require.NotEmpty(t, s.ID())
	require.Equal(t, s.ID(), s.Status().ID)

	_, err = Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilDialer)
}

// valuesNow drains whatever is buffered right now.
func (s *Session) valuesNow() []float64 {
	var out []float64
	for _, smp := range s.Drain(0) {
		out = append(out, smp.Value)
	}

	return out
}
