package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/session"
	"github.com/arloliu/go-medlink/simulator"
	"github.com/arloliu/go-medlink/source"
	"github.com/arloliu/go-medlink/stream"
)

const fullConfig = `
log:
  level: debug
  backend: zap
source:
  type: tcp
  addr: ${MEDLINK_TEST_ADDR}
  dial_timeout: 2s
layout:
  format: int16
  byte_order: little
  strict: true
  channel_specs:
    - label: Fp1
      scale: 0.5
    - label: Fp2
      scale: 0.5
      offset: -1
session:
  max_frame_size: 8192
  buffer_capacity: 32
  overflow_policy: block-producer
  block_timeout: 200ms
  connect_timeout: 2s
  read_timeout: 50ms
  heartbeat_interval: 1s
  missed_heartbeats: 4
  degraded_threshold: 3
  degraded_window: 5s
  recovery_threshold: 10
  sequence_policy: continue
  reconnect:
    initial: 10ms
    max: 1s
    multiplier: 1.5
    budget: duration
    max_duration: 30s
metrics:
  addr: ":9100"
  namespace: eeg
`

func newConfig(t *testing.T, f *File) *session.Config {
	t.Helper()

	opts, err := f.SessionOptions()
	require.NoError(t, err)

	dialer, closer, err := f.Dialer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = closer.Close() })

	cfg, err := session.NewConfig(dialer, opts...)
	require.NoError(t, err)

	return cfg
}

func TestLoad(t *testing.T) {
	require := require.New(t)
	t.Setenv("MEDLINK_TEST_ADDR", "10.0.0.7:4000")

	path := filepath.Join(t.TempDir(), "medlink.yaml")
	require.NoError(os.WriteFile(path, []byte(fullConfig), 0o600))

	f, err := Load(path)
	require.NoError(err)

	require.Equal("debug", f.Log.Level)
	require.Equal("zap", f.Log.Backend)
	require.Equal(SourceTCP, f.Source.Type)
	require.Equal("10.0.0.7:4000", f.Source.Addr)
	require.Equal(2*time.Second, f.Source.DialTimeout.Std())
	require.Equal(":9100", f.Metrics.Addr)
	require.Equal("eeg", f.Metrics.Namespace)

	layout, err := f.Layout.Resolve()
	require.NoError(err)
	require.Equal(event.FormatInt16, layout.Format)
	require.Equal(event.LittleEndian, layout.Order)
	require.True(layout.StrictChannels)
	require.Equal([]string{"Fp1", "Fp2"}, layout.Labels(2))

	cfg := newConfig(t, f)
	require.Equal(8192, cfg.MaxFrameSize())
	require.Equal(32, cfg.BufferCapacity())
	require.Equal(stream.BlockProducer, cfg.OverflowPolicy())
	require.Equal(200*time.Millisecond, cfg.BlockTimeout())
	require.Equal(2*time.Second, cfg.ConnectTimeout())
	require.Equal(50*time.Millisecond, cfg.ReadTimeout())
	require.Equal(time.Second, cfg.HeartbeatInterval())
	require.Equal(4, cfg.MissedHeartbeats())
	require.Equal(3, cfg.DegradedThreshold())
	require.Equal(5*time.Second, cfg.DegradedWindow())
	require.Equal(10, cfg.RecoveryThreshold())
	require.Equal(session.SequenceContinue, cfg.SequencePolicy())
	require.Equal(session.BudgetDuration, cfg.ReconnectBudget())
	require.Equal(30*time.Second, cfg.MaxReconnectDuration())
	require.Equal(session.Backoff{Initial: 10 * time.Millisecond, Max: time.Second, Multiplier: 1.5}, cfg.Backoff())
	require.Equal(layout, cfg.Layout())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParse_Defaults(t *testing.T) {
	require := require.New(t)

	f, err := Parse([]byte(""))
	require.NoError(err)

	cfg := newConfig(t, f)
	require.Equal(session.DefaultConnectTimeout, cfg.ConnectTimeout())
	require.Equal(stream.DefaultCapacity, cfg.BufferCapacity())
	require.Equal(stream.DropOldest, cfg.OverflowPolicy())
	require.Equal(session.SequenceReset, cfg.SequencePolicy())
	require.Equal(event.DefaultLayout(), cfg.Layout())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "sesion:\n  buffer_capacity: 4\n"},
		{"bad duration", "session:\n  block_timeout: soon\n"},
		{"unknown source", "source:\n  type: serial\n"},
		{"tcp without addr", "source:\n  type: tcp\n"},
		{"websocket without url", "source:\n  type: websocket\n"},
		{"unknown backend", "log:\n  backend: logrus\n"},
		{"unknown preset", "layout:\n  preset: cyton\n"},
		{"preset without channels", "layout:\n  preset: ads1299\n"},
		{"unknown format", "layout:\n  format: int12\n"},
		{"unknown byte order", "layout:\n  byte_order: middle\n"},
		{"strict without channels", "layout:\n  strict: true\n"},
		{"unknown policy", "session:\n  overflow_policy: drop-newest\n"},
		{"unknown sequence policy", "session:\n  sequence_policy: skip\n"},
		{"unknown budget", "session:\n  reconnect:\n    budget: forever\n"},
		{"capacity out of range", "session:\n  buffer_capacity: -1\n"},
		{"multiplier out of range", "session:\n  reconnect:\n    multiplier: 0.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestDuration_Marshal(t *testing.T) {
	v, err := Duration(1500 * time.Millisecond).MarshalYAML()
	require.NoError(t, err)
	require.Equal(t, "1.5s", v)
}

func TestDialer_Simulator(t *testing.T) {
	require := require.New(t)

	f, err := Parse([]byte(`
source:
  type: simulator
  simulator:
    period: 1ms
    batch_size: 2
layout:
  preset: ads1299
  channels: 4
`))
	require.NoError(err)

	simOpts, err := f.SimulatorOptions()
	require.NoError(err)
	require.NotEmpty(simOpts)

	dialer, closer, err := f.Dialer()
	require.NoError(err)
	defer closer.Close()

	src, err := dialer.Dial(context.Background())
	require.NoError(err)
	defer src.Close()

	chunk, err := src.Read(context.Background(), 4096, 5*time.Second)
	require.NoError(err)
	require.NotEmpty(chunk.Data)
}

func TestSimulatorOptions_Mode(t *testing.T) {
	require := require.New(t)

	f, err := Parse([]byte(`
source:
  simulator:
    channels: 3
    mode: impedance
    impedance_channels: 1
`))
	require.NoError(err)

	opts, err := f.SimulatorOptions()
	require.NoError(err)
	dev, err := simulator.New(opts...)
	require.NoError(err)
	defer dev.Close()
	require.Equal(event.StatusImpedance, dev.Config().Status())
	require.Equal(1, dev.Config().ImpedanceChannels())

	f.Source.Simulator.Mode = "surgery"
	_, err = f.SimulatorOptions()
	require.ErrorIs(err, ErrInvalidConfig)
}

func TestDialer_Network(t *testing.T) {
	require := require.New(t)

	f, err := Parse([]byte("source:\n  type: websocket\n  url: ws://127.0.0.1:1/stream\n  header:\n    Authorization: Bearer x\n"))
	require.NoError(err)

	dialer, closer, err := f.Dialer()
	require.NoError(err)
	require.NotNil(dialer)
	require.NoError(closer.Close())

	f, err = Parse([]byte("source:\n  type: tcp\n  addr: 127.0.0.1:1\n  dial_timeout: 100ms\n"))
	require.NoError(err)

	dialer, _, err = f.Dialer()
	require.NoError(err)

	_, err = dialer.Dial(context.Background())
	require.Error(err)
	require.True(source.IsTransportFault(err))
}
