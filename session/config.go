package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/frame"
	"github.com/arloliu/go-medlink/logger"
	"github.com/arloliu/go-medlink/source"
	"github.com/arloliu/go-medlink/stream"
)

// Default session values.
const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultReadTimeout       = 250 * time.Millisecond
	DefaultReadSize          = 4096
	DefaultMissedHeartbeats  = 3
	DefaultDegradedThreshold = 5
	DefaultDegradedWindow    = 10 * time.Second
	DefaultRecoveryThreshold = 20

	DefaultBackoffInitial    = 100 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0

	DefaultMaxReconnectAttempts = 10
	DefaultMaxReconnectDuration = 2 * time.Minute
)

// Range limits of the session options.
const (
	MinConnectTimeout = 10 * time.Millisecond
	MaxConnectTimeout = 10 * time.Minute

	MinReadTimeout = time.Millisecond
	MaxReadTimeout = 10 * time.Second

	MinReadSize = 16
	MaxReadSize = 1 << 20

	MaxHeartbeatInterval = time.Minute
	MaxMissedHeartbeats  = 100

	MaxDegradedThreshold = 10000
	MinDegradedWindow    = 10 * time.Millisecond
	MaxDegradedWindow    = time.Hour
	MaxRecoveryThreshold = 100000

	MinBackoff           = time.Millisecond
	MaxBackoff           = 10 * time.Minute
	MinBackoffMultiplier = 1.0
	MaxBackoffMultiplier = 10.0

	MaxReconnectAttempts = 10000
	MaxReconnectDuration = 24 * time.Hour
)

// ReconnectBudget selects which bound ends a reconnect cycle.
type ReconnectBudget uint8

const (
	// BudgetAttempts gives up after MaxReconnectAttempts failed attempts.
	BudgetAttempts ReconnectBudget = iota
	// BudgetDuration gives up once MaxReconnectDuration has elapsed since the transport fault.
	BudgetDuration
)

// String returns string representation of the reconnect budget.
func (b ReconnectBudget) String() string {
	switch b {
	case BudgetAttempts:
		return "attempts"
	case BudgetDuration:
		return "duration"
	default:
		return "unknown"
	}
}

// ParseReconnectBudget parses "attempts" or "duration".
func ParseReconnectBudget(s string) (ReconnectBudget, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "attempts":
		return BudgetAttempts, nil
	case "duration":
		return BudgetDuration, nil
	default:
		return 0, fmt.Errorf("session: unknown reconnect budget %q", s)
	}
}

// SequencePolicy decides what happens to the sequence cursor across a reconnect.
type SequencePolicy uint8

const (
	// SequenceReset starts a fresh cursor, for devices that restart their counter on reconnect.
	SequenceReset SequencePolicy = iota
	// SequenceContinue carries the last accepted sequence number into the new buffer.
	SequenceContinue
)

// String returns string representation of the sequence policy.
func (p SequencePolicy) String() string {
	switch p {
	case SequenceReset:
		return "reset"
	case SequenceContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// ParseSequencePolicy parses "reset" or "continue".
func ParseSequencePolicy(s string) (SequencePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reset":
		return SequenceReset, nil
	case "continue":
		return SequenceContinue, nil
	default:
		return 0, fmt.Errorf("session: unknown sequence policy %q", s)
	}
}

// Backoff describes exponential reconnect delays.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Next returns the delay following d.
func (b Backoff) Next(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * b.Multiplier)
	if next > b.Max || next <= 0 {
		return b.Max
	}

	return next
}

// Config holds the configuration of an acquisition session.
type Config struct {
	dialer source.Dialer

	maxFrameSize int
	layout       event.Layout

	bufferCapacity int
	overflowPolicy stream.OverflowPolicy
	blockTimeout   time.Duration

	connectTimeout time.Duration
	readTimeout    time.Duration
	readSize       int

	heartbeatInterval time.Duration // 0 disables the watchdog
	missedHeartbeats  int

	degradedThreshold int
	degradedWindow    time.Duration
	recoveryThreshold int

	backoff              Backoff
	maxReconnectAttempts int
	maxReconnectDuration time.Duration
	reconnectBudget      ReconnectBudget
	sequencePolicy       SequencePolicy

	clk           clock.Clock
	logger        logger.Logger
	stateHandlers []StateHandler
}

// NewConfig creates a session configuration.
//
// dialer creates a byte source for every connect attempt; opts are applied in order.
func NewConfig(dialer source.Dialer, opts ...Option) (*Config, error) {
	if dialer == nil {
		return nil, ErrNilDialer
	}

	cfg := &Config{
		dialer:               dialer,
		maxFrameSize:         frame.DefaultMaxFrameSize,
		layout:               event.DefaultLayout(),
		bufferCapacity:       stream.DefaultCapacity,
		overflowPolicy:       stream.DropOldest,
		blockTimeout:         stream.DefaultBlockTimeout,
		connectTimeout:       DefaultConnectTimeout,
		readTimeout:          DefaultReadTimeout,
		readSize:             DefaultReadSize,
		missedHeartbeats:     DefaultMissedHeartbeats,
		degradedThreshold:    DefaultDegradedThreshold,
		degradedWindow:       DefaultDegradedWindow,
		recoveryThreshold:    DefaultRecoveryThreshold,
		backoff:              Backoff{Initial: DefaultBackoffInitial, Max: DefaultBackoffMax, Multiplier: DefaultBackoffMultiplier},
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		maxReconnectDuration: DefaultMaxReconnectDuration,
		reconnectBudget:      BudgetAttempts,
		sequencePolicy:       SequenceReset,
		clk:                  clock.New(),
		logger:               logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// Dialer returns the configured dialer.
func (cfg *Config) Dialer() source.Dialer { return cfg.dialer }

// MaxFrameSize returns the decoder's maximum frame size.
func (cfg *Config) MaxFrameSize() int { return cfg.maxFrameSize }

// Layout returns the sample layout used by the interpreter.
func (cfg *Config) Layout() event.Layout { return cfg.layout }

// BufferCapacity returns the stream buffer capacity in batches.
func (cfg *Config) BufferCapacity() int { return cfg.bufferCapacity }

// OverflowPolicy returns the stream buffer overflow policy.
func (cfg *Config) OverflowPolicy() stream.OverflowPolicy { return cfg.overflowPolicy }

// BlockTimeout returns the BlockProducer wait limit.
func (cfg *Config) BlockTimeout() time.Duration { return cfg.blockTimeout }

// ConnectTimeout returns how long a connect attempt may take to produce its first valid frame.
func (cfg *Config) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// ReadTimeout returns the per-read timeout passed to the byte source.
func (cfg *Config) ReadTimeout() time.Duration { return cfg.readTimeout }

// ReadSize returns the maximum number of bytes per read.
func (cfg *Config) ReadSize() int { return cfg.readSize }

// HeartbeatInterval returns the expected heartbeat interval; zero disables the watchdog.
func (cfg *Config) HeartbeatInterval() time.Duration { return cfg.heartbeatInterval }

// MissedHeartbeats returns how many intervals may pass without a heartbeat before degrading.
func (cfg *Config) MissedHeartbeats() int { return cfg.missedHeartbeats }

// DegradedThreshold returns the number of faults within DegradedWindow that degrades a session.
func (cfg *Config) DegradedThreshold() int { return cfg.degradedThreshold }

// DegradedWindow returns the sliding window of the fault count.
func (cfg *Config) DegradedWindow() time.Duration { return cfg.degradedWindow }

// RecoveryThreshold returns the number of consecutive clean frames that recovers a degraded session.
func (cfg *Config) RecoveryThreshold() int { return cfg.recoveryThreshold }

// Backoff returns the reconnect backoff.
func (cfg *Config) Backoff() Backoff { return cfg.backoff }

// MaxReconnectAttempts returns the attempt bound of a reconnect cycle.
func (cfg *Config) MaxReconnectAttempts() int { return cfg.maxReconnectAttempts }

// MaxReconnectDuration returns the duration bound of a reconnect cycle.
func (cfg *Config) MaxReconnectDuration() time.Duration { return cfg.maxReconnectDuration }

// ReconnectBudget returns which bound ends a reconnect cycle.
func (cfg *Config) ReconnectBudget() ReconnectBudget { return cfg.reconnectBudget }

// SequencePolicy returns the sequence policy across reconnects.
func (cfg *Config) SequencePolicy() SequencePolicy { return cfg.sequencePolicy }

// Clock returns the clock driving every session timer.
func (cfg *Config) Clock() clock.Clock { return cfg.clk }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring a session Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithMaxFrameSize sets the maximum encoded frame size accepted by the decoder.
func WithMaxFrameSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < frame.MinMaxFrameSize || n > frame.MaxMaxFrameSize {
			return fmt.Errorf("session: max frame size %d out of range [%d, %d]", n, frame.MinMaxFrameSize, frame.MaxMaxFrameSize)
		}
		cfg.maxFrameSize = n

		return nil
	})
}

// WithBufferCapacity sets the stream buffer capacity in batches.
func WithBufferCapacity(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < stream.MinCapacity || n > stream.MaxCapacity {
			return fmt.Errorf("session: buffer capacity %d out of range [%d, %d]", n, stream.MinCapacity, stream.MaxCapacity)
		}
		cfg.bufferCapacity = n

		return nil
	})
}

// WithOverflowPolicy sets the stream buffer overflow policy.
func WithOverflowPolicy(p stream.OverflowPolicy) Option {
	return optFunc(func(cfg *Config) error {
		if p != stream.DropOldest && p != stream.BlockProducer {
			return fmt.Errorf("session: invalid overflow policy %d", p)
		}
		cfg.overflowPolicy = p

		return nil
	})
}

// WithBlockTimeout sets how long a BlockProducer wait may last.
func WithBlockTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < stream.MinBlockTimeout || d > stream.MaxBlockTimeout {
			return fmt.Errorf("session: block timeout %v out of range [%v, %v]", d, stream.MinBlockTimeout, stream.MaxBlockTimeout)
		}
		cfg.blockTimeout = d

		return nil
	})
}

// WithConnectTimeout sets how long a connect attempt may take to produce its first valid frame.
func WithConnectTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinConnectTimeout || d > MaxConnectTimeout {
			return fmt.Errorf("session: connect timeout %v out of range [%v, %v]", d, MinConnectTimeout, MaxConnectTimeout)
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithReadTimeout sets the per-read timeout passed to the byte source.
func WithReadTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinReadTimeout || d > MaxReadTimeout {
			return fmt.Errorf("session: read timeout %v out of range [%v, %v]", d, MinReadTimeout, MaxReadTimeout)
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithReadSize sets the maximum number of bytes requested per read.
func WithReadSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinReadSize || n > MaxReadSize {
			return fmt.Errorf("session: read size %d out of range [%d, %d]", n, MinReadSize, MaxReadSize)
		}
		cfg.readSize = n

		return nil
	})
}

// WithHeartbeatInterval sets the expected device heartbeat interval. Zero disables the watchdog.
func WithHeartbeatInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 || d > MaxHeartbeatInterval {
			return fmt.Errorf("session: heartbeat interval %v out of range [0, %v]", d, MaxHeartbeatInterval)
		}
		cfg.heartbeatInterval = d

		return nil
	})
}

// WithMissedHeartbeats sets how many heartbeat intervals may pass silently before degrading.
func WithMissedHeartbeats(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxMissedHeartbeats {
			return fmt.Errorf("session: missed heartbeats %d out of range [1, %d]", n, MaxMissedHeartbeats)
		}
		cfg.missedHeartbeats = n

		return nil
	})
}

// WithDegradedThreshold sets the number of faults within the degraded window that degrades a session.
func WithDegradedThreshold(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxDegradedThreshold {
			return fmt.Errorf("session: degraded threshold %d out of range [1, %d]", n, MaxDegradedThreshold)
		}
		cfg.degradedThreshold = n

		return nil
	})
}

// WithDegradedWindow sets the sliding window over which faults are counted.
func WithDegradedWindow(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinDegradedWindow || d > MaxDegradedWindow {
			return fmt.Errorf("session: degraded window %v out of range [%v, %v]", d, MinDegradedWindow, MaxDegradedWindow)
		}
		cfg.degradedWindow = d

		return nil
	})
}

// WithRecoveryThreshold sets the number of consecutive clean frames that recovers a degraded session.
func WithRecoveryThreshold(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxRecoveryThreshold {
			return fmt.Errorf("session: recovery threshold %d out of range [1, %d]", n, MaxRecoveryThreshold)
		}
		cfg.recoveryThreshold = n

		return nil
	})
}

// WithReconnectBackoff sets the exponential reconnect backoff.
func WithReconnectBackoff(initial, maxDelay time.Duration, multiplier float64) Option {
	return optFunc(func(cfg *Config) error {
		if initial < MinBackoff || initial > MaxBackoff {
			return fmt.Errorf("session: initial backoff %v out of range [%v, %v]", initial, MinBackoff, MaxBackoff)
		}
		if maxDelay < initial || maxDelay > MaxBackoff {
			return fmt.Errorf("session: max backoff %v out of range [%v, %v]", maxDelay, initial, MaxBackoff)
		}
		if multiplier < MinBackoffMultiplier || multiplier > MaxBackoffMultiplier {
			return fmt.Errorf("session: backoff multiplier %v out of range [%v, %v]", multiplier, MinBackoffMultiplier, MaxBackoffMultiplier)
		}
		cfg.backoff = Backoff{Initial: initial, Max: maxDelay, Multiplier: multiplier}

		return nil
	})
}

// WithMaxReconnectAttempts sets the attempt bound of a reconnect cycle.
func WithMaxReconnectAttempts(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxReconnectAttempts {
			return fmt.Errorf("session: max reconnect attempts %d out of range [1, %d]", n, MaxReconnectAttempts)
		}
		cfg.maxReconnectAttempts = n

		return nil
	})
}

// WithMaxReconnectDuration sets the duration bound of a reconnect cycle.
func WithMaxReconnectDuration(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinConnectTimeout || d > MaxReconnectDuration {
			return fmt.Errorf("session: max reconnect duration %v out of range [%v, %v]", d, MinConnectTimeout, MaxReconnectDuration)
		}
		cfg.maxReconnectDuration = d

		return nil
	})
}

// WithReconnectBudget selects which bound ends a reconnect cycle.
func WithReconnectBudget(b ReconnectBudget) Option {
	return optFunc(func(cfg *Config) error {
		if b != BudgetAttempts && b != BudgetDuration {
			return fmt.Errorf("session: invalid reconnect budget %d", b)
		}
		cfg.reconnectBudget = b

		return nil
	})
}

// WithSequencePolicy sets the sequence policy across reconnects.
func WithSequencePolicy(p SequencePolicy) Option {
	return optFunc(func(cfg *Config) error {
		if p != SequenceReset && p != SequenceContinue {
			return fmt.Errorf("session: invalid sequence policy %d", p)
		}
		cfg.sequencePolicy = p

		return nil
	})
}

// WithLayout sets the sample layout used by the interpreter.
func WithLayout(l event.Layout) Option {
	return optFunc(func(cfg *Config) error {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		cfg.layout = l

		return nil
	})
}

// WithClock sets the clock driving every session timer. Tests pass a *clock.Mock.
func WithClock(clk clock.Clock) Option {
	return optFunc(func(cfg *Config) error {
		if clk == nil {
			return errors.New("session: clock must not be nil")
		}
		cfg.clk = clk

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("session: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithStateHandler adds handlers invoked on every state change.
func WithStateHandler(handlers ...StateHandler) Option {
	return optFunc(func(cfg *Config) error {
		cfg.stateHandlers = append(cfg.stateHandlers, handlers...)
		return nil
	})
}
