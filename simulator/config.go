package simulator

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/logger"
)

// Default simulator values.
const (
	DefaultChannels          = 8
	DefaultPeriod            = 4 * time.Millisecond // 250 Hz
	DefaultBatchSize         = 10
	DefaultHeartbeatInterval = time.Second
)

// Range limits of the simulator options.
const (
	MaxChannels  = 255
	MinPeriod    = 10 * time.Microsecond
	MaxPeriod    = time.Second
	MaxBatchSize = 1024
)

// Config holds the simulator configuration.
type Config struct {
	channels          int
	period            time.Duration
	batchSize         int
	heartbeatInterval time.Duration
	status            event.DeviceStatus
	layout            event.Layout
	impedanceChannels int // -1 means every channel

	corruptEvery   int
	skipEvery      int
	duplicateEvery int

	clk    clock.Clock
	logger logger.Logger
}

// Channels returns the number of channels per sample.
func (cfg *Config) Channels() int { return cfg.channels }

// Period returns the sample period.
func (cfg *Config) Period() time.Duration { return cfg.period }

// BatchSize returns the number of samples per samples frame.
func (cfg *Config) BatchSize() int { return cfg.batchSize }

// HeartbeatInterval returns the heartbeat interval, zero when heartbeats are disabled.
func (cfg *Config) HeartbeatInterval() time.Duration { return cfg.heartbeatInterval }

// Layout returns the sample layout of the emitted frames.
func (cfg *Config) Layout() event.Layout { return cfg.layout }

// Status returns the device status announced when a stream starts.
func (cfg *Config) Status() event.DeviceStatus { return cfg.status }

// ImpedanceChannels returns the number of leading channels that measure impedance.
func (cfg *Config) ImpedanceChannels() int {
	if cfg.impedanceChannels < 0 {
		return cfg.channels
	}

	return cfg.impedanceChannels
}

// Option is a functional option for configuring a simulated device.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithChannels sets the number of channels.
func WithChannels(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxChannels {
			return fmt.Errorf("simulator: channels %d out of range [1, %d]", n, MaxChannels)
		}
		cfg.channels = n

		return nil
	})
}

// WithPeriod sets the sample period.
func WithPeriod(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinPeriod || d > MaxPeriod {
			return fmt.Errorf("simulator: period %v out of range [%v, %v]", d, MinPeriod, MaxPeriod)
		}
		cfg.period = d

		return nil
	})
}

// WithBatchSize sets the number of samples per samples frame.
func WithBatchSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxBatchSize {
			return fmt.Errorf("simulator: batch size %d out of range [1, %d]", n, MaxBatchSize)
		}
		cfg.batchSize = n

		return nil
	})
}

// WithHeartbeatInterval sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("simulator: negative heartbeat interval %v", d)
		}
		cfg.heartbeatInterval = d

		return nil
	})
}

// WithStatus sets the device status announced when a stream starts.
func WithStatus(s event.DeviceStatus) Option {
	return optFunc(func(cfg *Config) error {
		if !s.Valid() {
			return fmt.Errorf("simulator: invalid device status %d", s)
		}
		cfg.status = s

		return nil
	})
}

// WithLayout sets the sample layout of the emitted frames.
func WithLayout(l event.Layout) Option {
	return optFunc(func(cfg *Config) error {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("simulator: %w", err)
		}
		cfg.layout = l

		return nil
	})
}

// WithImpedanceChannels limits impedance measurement to the first n channels; the others report
// NaN. By default every channel measures impedance.
func WithImpedanceChannels(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxChannels {
			return fmt.Errorf("simulator: impedance channels %d out of range [0, %d]", n, MaxChannels)
		}
		cfg.impedanceChannels = n

		return nil
	})
}

// WithCorruptEvery corrupts the checksum of every n-th samples frame. Zero disables it.
func WithCorruptEvery(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 {
			return fmt.Errorf("simulator: negative corrupt interval %d", n)
		}
		cfg.corruptEvery = n

		return nil
	})
}

// WithSkipEvery skips one sequence number before every n-th samples frame. Zero disables it.
func WithSkipEvery(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 {
			return fmt.Errorf("simulator: negative skip interval %d", n)
		}
		cfg.skipEvery = n

		return nil
	})
}

// WithDuplicateEvery sends every n-th samples frame twice. Zero disables it.
func WithDuplicateEvery(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 {
			return fmt.Errorf("simulator: negative duplicate interval %d", n)
		}
		cfg.duplicateEvery = n

		return nil
	})
}

// WithClock sets the clock pacing the emitted frames.
func WithClock(clk clock.Clock) Option {
	return optFunc(func(cfg *Config) error {
		if clk == nil {
			return errors.New("simulator: clock must not be nil")
		}
		cfg.clk = clk

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("simulator: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
