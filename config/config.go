// Package config loads a YAML acquisition configuration and maps it to session options, a sample
// layout and a byte source dialer.
//
// Environment variables in the file are expanded before parsing, so secrets and addresses can be
// injected as ${VAR}. Durations are written as Go duration strings ("250ms", "5s").
//
//	source:
//	  type: tcp
//	  addr: ${AMP_ADDR}
//	layout:
//	  preset: ads1299
//	  channels: 8
//	session:
//	  buffer_capacity: 512
//	  overflow_policy: block-producer
//	  reconnect:
//	    initial: 100ms
//	    max: 30s
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/session"
	"github.com/arloliu/go-medlink/simulator"
	"github.com/arloliu/go-medlink/source"
	"github.com/arloliu/go-medlink/source/netsource"
	"github.com/arloliu/go-medlink/source/wssource"
	"github.com/arloliu/go-medlink/stream"
)

// Source types.
const (
	SourceTCP       = "tcp"
	SourceWebSocket = "websocket"
	SourceSimulator = "simulator"
)

// DefaultDialTimeout bounds a single TCP dial.
const DefaultDialTimeout = 3 * time.Second

// ErrInvalidConfig is returned for a configuration file that cannot be mapped to a session.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("config: line %d: %w", node.Line, err)
	}
	*d = Duration(v)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// File is the root of a configuration file.
type File struct {
	Log     Log     `yaml:"log"`
	Source  Source  `yaml:"source"`
	Layout  Layout  `yaml:"layout"`
	Session Session `yaml:"session"`
	Metrics Metrics `yaml:"metrics"`
}

// Log configures the logger backend.
type Log struct {
	Level   string `yaml:"level"`
	Backend string `yaml:"backend"` // slog or zap
}

// Source selects and configures the byte source.
type Source struct {
	Type        string            `yaml:"type"`
	Addr        string            `yaml:"addr"`
	URL         string            `yaml:"url"`
	Header      map[string]string `yaml:"header"`
	DialTimeout Duration          `yaml:"dial_timeout"`
	Simulator   Simulator         `yaml:"simulator"`
}

// Simulator configures the in-process simulated device.
//
// Mode is the device status announced when a stream starts (idle, sampling, impedance or test).
// ImpedanceChannels limits impedance measurement to the first n channels; unset means all.
type Simulator struct {
	Channels          int      `yaml:"channels"`
	Period            Duration `yaml:"period"`
	BatchSize         int      `yaml:"batch_size"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	CorruptEvery      int      `yaml:"corrupt_every"`
	SkipEvery         int      `yaml:"skip_every"`
	DuplicateEvery    int      `yaml:"duplicate_every"`
	Mode              string   `yaml:"mode"`
	ImpedanceChannels *int     `yaml:"impedance_channels"`
}

// Layout describes the samples payload.
type Layout struct {
	// Preset "ads1299" selects the 24-bit ADS1299 layout with Channels channels.
	Preset       string          `yaml:"preset"`
	Channels     int             `yaml:"channels"`
	Format       string          `yaml:"format"`
	ByteOrder    string          `yaml:"byte_order"`
	Strict       bool            `yaml:"strict"`
	ChannelSpecs []ChannelLayout `yaml:"channel_specs"`
}

// ChannelLayout configures one channel.
type ChannelLayout struct {
	Label  string  `yaml:"label"`
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
}

// Session holds the session tuning. Zero values keep the session defaults.
type Session struct {
	MaxFrameSize      int       `yaml:"max_frame_size"`
	BufferCapacity    int       `yaml:"buffer_capacity"`
	OverflowPolicy    string    `yaml:"overflow_policy"`
	BlockTimeout      Duration  `yaml:"block_timeout"`
	ConnectTimeout    Duration  `yaml:"connect_timeout"`
	ReadTimeout       Duration  `yaml:"read_timeout"`
	ReadSize          int       `yaml:"read_size"`
	HeartbeatInterval Duration  `yaml:"heartbeat_interval"`
	MissedHeartbeats  int       `yaml:"missed_heartbeats"`
	DegradedThreshold int       `yaml:"degraded_threshold"`
	DegradedWindow    Duration  `yaml:"degraded_window"`
	RecoveryThreshold int       `yaml:"recovery_threshold"`
	SequencePolicy    string    `yaml:"sequence_policy"`
	Reconnect         Reconnect `yaml:"reconnect"`
}

// Reconnect configures the reconnect backoff and budget.
type Reconnect struct {
	Initial     Duration `yaml:"initial"`
	Max         Duration `yaml:"max"`
	Multiplier  float64  `yaml:"multiplier"`
	Budget      string   `yaml:"budget"`
	MaxAttempts int      `yaml:"max_attempts"`
	MaxDuration Duration `yaml:"max_duration"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return Parse(data)
}

// Parse parses a configuration document, expanding environment variables first.
func Parse(data []byte) (*File, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

// Validate checks the parts of the file that are not validated by the session options.
func (f *File) Validate() error {
	switch f.Source.Type {
	case "", SourceSimulator:
	case SourceTCP:
		if f.Source.Addr == "" {
			return fmt.Errorf("%w: tcp source requires addr", ErrInvalidConfig)
		}
	case SourceWebSocket:
		if f.Source.URL == "" {
			return fmt.Errorf("%w: websocket source requires url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown source type %q", ErrInvalidConfig, f.Source.Type)
	}

	switch f.Log.Backend {
	case "", "slog", "zap":
	default:
		return fmt.Errorf("%w: unknown log backend %q", ErrInvalidConfig, f.Log.Backend)
	}

	if _, err := f.Layout.Resolve(); err != nil {
		return err
	}
	if _, err := f.SessionOptions(); err != nil {
		return err
	}

	return nil
}

// Resolve builds the event layout.
func (l Layout) Resolve() (event.Layout, error) {
	if strings.EqualFold(l.Preset, "ads1299") {
		if l.Channels <= 0 {
			return event.Layout{}, fmt.Errorf("%w: ads1299 preset requires channels", ErrInvalidConfig)
		}

		return event.ADS1299Layout(l.Channels), nil
	}
	if l.Preset != "" {
		return event.Layout{}, fmt.Errorf("%w: unknown layout preset %q", ErrInvalidConfig, l.Preset)
	}

	format, err := event.ParseSampleFormat(l.Format)
	if err != nil {
		return event.Layout{}, fmt.Errorf("config: %w", err)
	}

	out := event.Layout{Format: format, StrictChannels: l.Strict}
	switch strings.ToLower(l.ByteOrder) {
	case "", "big":
		out.Order = event.BigEndian
	case "little":
		out.Order = event.LittleEndian
	default:
		return event.Layout{}, fmt.Errorf("%w: unknown byte order %q", ErrInvalidConfig, l.ByteOrder)
	}

	for _, ch := range l.ChannelSpecs {
		out.Channels = append(out.Channels, event.ChannelLayout{Label: ch.Label, Scale: ch.Scale, Offset: ch.Offset})
	}

	if err := out.Validate(); err != nil {
		return event.Layout{}, fmt.Errorf("config: %w", err)
	}

	return out, nil
}

// SessionOptions maps the session and layout sections to session options.
func (f *File) SessionOptions() ([]session.Option, error) {
	s := f.Session

	layout, err := f.Layout.Resolve()
	if err != nil {
		return nil, err
	}
	opts := []session.Option{session.WithLayout(layout)}

	policy, err := stream.ParseOverflowPolicy(s.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	opts = append(opts, session.WithOverflowPolicy(policy))

	seq, err := session.ParseSequencePolicy(s.SequencePolicy)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	opts = append(opts, session.WithSequencePolicy(seq))

	budget, err := session.ParseReconnectBudget(s.Reconnect.Budget)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	opts = append(opts, session.WithReconnectBudget(budget))

	ints := []struct {
		v   int
		opt func(int) session.Option
	}{
		{s.MaxFrameSize, session.WithMaxFrameSize},
		{s.BufferCapacity, session.WithBufferCapacity},
		{s.ReadSize, session.WithReadSize},
		{s.MissedHeartbeats, session.WithMissedHeartbeats},
		{s.DegradedThreshold, session.WithDegradedThreshold},
		{s.RecoveryThreshold, session.WithRecoveryThreshold},
		{s.Reconnect.MaxAttempts, session.WithMaxReconnectAttempts},
	}
	for _, o := range ints {
		if o.v != 0 {
			opts = append(opts, o.opt(o.v))
		}
	}

	durations := []struct {
		v   Duration
		opt func(time.Duration) session.Option
	}{
		{s.BlockTimeout, session.WithBlockTimeout},
		{s.ConnectTimeout, session.WithConnectTimeout},
		{s.ReadTimeout, session.WithReadTimeout},
		{s.HeartbeatInterval, session.WithHeartbeatInterval},
		{s.DegradedWindow, session.WithDegradedWindow},
		{s.Reconnect.MaxDuration, session.WithMaxReconnectDuration},
	}
	for _, o := range durations {
		if o.v != 0 {
			opts = append(opts, o.opt(o.v.Std()))
		}
	}

	if r := s.Reconnect; r.Initial != 0 || r.Max != 0 || r.Multiplier != 0 {
		initial, maxDelay, mult := session.DefaultBackoffInitial, session.DefaultBackoffMax, session.DefaultBackoffMultiplier
		if r.Initial != 0 {
			initial = r.Initial.Std()
		}
		if r.Max != 0 {
			maxDelay = r.Max.Std()
		}
		if r.Multiplier != 0 {
			mult = r.Multiplier
		}
		opts = append(opts, session.WithReconnectBackoff(initial, maxDelay, mult))
	}

	// validate eagerly so a bad file fails at load time
	if _, err := session.NewConfig(source.DialFunc(nopDial), opts...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return opts, nil
}

// SimulatorOptions maps the simulator section to simulator options.
func (f *File) SimulatorOptions() ([]simulator.Option, error) {
	s := f.Source.Simulator

	layout, err := f.Layout.Resolve()
	if err != nil {
		return nil, err
	}
	opts := []simulator.Option{
		simulator.WithLayout(layout),
		simulator.WithCorruptEvery(s.CorruptEvery),
		simulator.WithSkipEvery(s.SkipEvery),
		simulator.WithDuplicateEvery(s.DuplicateEvery),
	}

	switch {
	case s.Channels != 0:
		opts = append(opts, simulator.WithChannels(s.Channels))
	case f.Layout.Channels != 0:
		opts = append(opts, simulator.WithChannels(f.Layout.Channels))
	}
	if s.Period != 0 {
		opts = append(opts, simulator.WithPeriod(s.Period.Std()))
	}
	if s.BatchSize != 0 {
		opts = append(opts, simulator.WithBatchSize(s.BatchSize))
	}
	if s.HeartbeatInterval != 0 {
		opts = append(opts, simulator.WithHeartbeatInterval(s.HeartbeatInterval.Std()))
	}
	if s.Mode != "" {
		mode, ok := event.ParseDeviceStatus(s.Mode)
		if !ok {
			return nil, fmt.Errorf("%w: unknown simulator mode %q", ErrInvalidConfig, s.Mode)
		}
		opts = append(opts, simulator.WithStatus(mode))
	}
	if s.ImpedanceChannels != nil {
		opts = append(opts, simulator.WithImpedanceChannels(*s.ImpedanceChannels))
	}

	return opts, nil
}

// Dialer returns a dialer for the configured source. The returned closer releases resources owned
// by the dialer, such as the simulated device, and must be called once the session is stopped.
func (f *File) Dialer() (source.Dialer, io.Closer, error) {
	switch f.Source.Type {
	case SourceTCP:
		timeout := f.Source.DialTimeout.Std()
		if timeout == 0 {
			timeout = DefaultDialTimeout
		}

		return netsource.Dialer(f.Source.Addr, timeout), nopCloser{}, nil

	case SourceWebSocket:
		header := make(http.Header, len(f.Source.Header))
		for k, v := range f.Source.Header {
			header.Set(k, v)
		}

		return wssource.Dialer(f.Source.URL, header), nopCloser{}, nil

	case "", SourceSimulator:
		opts, err := f.SimulatorOptions()
		if err != nil {
			return nil, nil, err
		}
		dev, err := simulator.New(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("config: %w", err)
		}

		return dev.Dialer(), dev, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown source type %q", ErrInvalidConfig, f.Source.Type)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func nopDial(context.Context) (source.ByteSource, error) {
	return nil, errors.New("config: validation dialer")
}
