package session

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/frame"
	"github.com/arloliu/go-medlink/source"
)

// readCommand decodes the next command frame the session sent through p.
func readCommand(t *testing.T, p *source.Pipe) frame.Frame {
	t.Helper()

	var b []byte
	select {
	case b = <-p.Sent():
	case <-time.After(waitFor):
		require.FailNow(t, "no command sent")
	}

	dec, err := frame.NewDecoder(frame.DefaultMaxFrameSize)
	require.NoError(t, err)
	frames, errs := dec.Feed(source.RawChunk{Data: b})
	require.Empty(t, errs)
	require.Len(t, frames, 1)

	return frames[0]
}

func TestSession_SetMode(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock)
	notes, cancel := s.Subscribe(64)
	defer cancel()
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	write(t, p, statusFrame(t, 1, event.StatusSampling))
	waitState(t, s, Streaming)
	require.Nil(s.Impedance())

	require.NoError(s.SetMode(context.Background(), event.StatusImpedance))
	cmd := readCommand(t, p)
	require.Equal(frame.TypeCommand, cmd.Type)
	require.EqualValues(1, cmd.Seq)
	mode, err := event.ParseCommand(cmd)
	require.NoError(err)
	require.Equal(event.StatusImpedance, mode)
	require.EqualValues(1, s.Metrics().CommandsSent.Load())

	write(t, p,
		statusFrame(t, 2, event.StatusImpedance),
		impedanceFrame(t, 3, 4800, math.NaN()),
	)
	got := collectKinds(t, notes, NoticeStatus, NoticeImpedance)
	report := got[NoticeImpedance][0].Payload.(event.ImpedanceReport)
	require.EqualValues(3, report.Seq)

	require.Eventually(func() bool { return s.DeviceStatus() == event.StatusImpedance }, waitFor, time.Millisecond)
	imp := s.Impedance()
	require.Len(imp, 2)
	require.InDelta(4800, imp[0], 1e-3)
	require.True(math.IsNaN(imp[1]))

	imp[0] = 0
	require.InDelta(4800, s.Impedance()[0], 1e-3)

	require.NoError(s.SetMode(context.Background(), event.StatusSampling))
	require.EqualValues(2, readCommand(t, p).Seq)

	require.ErrorIs(s.SetMode(context.Background(), event.DeviceStatus(9)), ErrInvalidMode)

	require.NoError(s.Stop())
	require.ErrorIs(s.SetMode(context.Background(), event.StatusIdle), ErrSessionClosed)
}

func TestSession_SetModeNotConnected(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSession(t, newTestDialer(mock), mock)

	require.ErrorIs(t, s.SetMode(context.Background(), event.StatusTest), ErrNotConnected)
}

func TestSession_SetModeUnsupported(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	pipes := make(chan *source.Pipe, 1)
	// a read-only source hides the pipe's Send method
	dialer := source.DialFunc(func(context.Context) (source.ByteSource, error) {
		p := source.NewPipe(mock)
		pipes <- p

		return struct{ source.ByteSource }{p}, nil
	})
	s := newTestSession(t, dialer, mock)
	require.NoError(s.Open())

	write(t, <-pipes, statusFrame(t, 1, event.StatusSampling))
	waitState(t, s, Streaming)

	require.ErrorIs(s.SetMode(context.Background(), event.StatusIdle), ErrCommandUnsupported)
	require.Zero(s.Metrics().CommandsSent.Load())
}

func TestSession_SetModeTransportFault(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	d := newTestDialer(mock)
	s := newTestSession(t, d, mock, WithMaxReconnectAttempts(1))
	require.NoError(s.Open())

	p := d.pipe(t, 0)
	write(t, p, statusFrame(t, 1, event.StatusSampling))
	waitState(t, s, Streaming)

	p.Fail(source.ErrDisconnected)
	err := s.SetMode(context.Background(), event.StatusIdle)
	// the read loop may already have dropped or closed the source
	if !errors.Is(err, ErrNotConnected) {
		var fault *TransportFault
		require.ErrorAs(err, &fault)
		require.True(source.IsTransportFault(fault.Err))
	}
}
