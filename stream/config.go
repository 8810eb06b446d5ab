package stream

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// OverflowPolicy decides what Accept does when the buffer is full.
type OverflowPolicy uint8

const (
	// DropOldest evicts the oldest unread batch. The read loop never waits on consumers.
	DropOldest OverflowPolicy = iota
	// BlockProducer suspends Accept until space frees up, bounded by the block timeout.
	BlockProducer
)

// String returns string representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case BlockProducer:
		return "block-producer"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy converts the textual form produced by String back into a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "drop-oldest", "":
		return DropOldest, nil
	case "block-producer":
		return BlockProducer, nil
	}

	return 0, fmt.Errorf("stream: unknown overflow policy %q", s)
}

const (
	// DefaultCapacity is the default number of buffered batches.
	DefaultCapacity = 256
	// DefaultBlockTimeout is the default BlockProducer wait bound.
	DefaultBlockTimeout = time.Second

	MinCapacity = 1
	MaxCapacity = 1 << 20

	MinBlockTimeout = time.Millisecond
	MaxBlockTimeout = time.Minute
)

// Config holds the buffer configuration.
type Config struct {
	capacity     int
	policy       OverflowPolicy
	blockTimeout time.Duration
	clk          clock.Clock
	seeded       bool
	lastAccepted uint32
}

// NewConfig creates a buffer configuration from options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		capacity:     DefaultCapacity,
		policy:       DropOldest,
		blockTimeout: DefaultBlockTimeout,
		clk:          clock.New(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Capacity returns the maximum number of buffered batches.
func (cfg *Config) Capacity() int { return cfg.capacity }

// Policy returns the overflow policy.
func (cfg *Config) Policy() OverflowPolicy { return cfg.policy }

// BlockTimeout returns the BlockProducer wait bound.
func (cfg *Config) BlockTimeout() time.Duration { return cfg.blockTimeout }

// Option is a functional option for configuring a Buffer.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithCapacity sets the number of batches the buffer holds.
func WithCapacity(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinCapacity || n > MaxCapacity {
			return fmt.Errorf("stream: capacity %d out of range [%d, %d]", n, MinCapacity, MaxCapacity)
		}
		cfg.capacity = n

		return nil
	})
}

// WithOverflowPolicy sets the overflow policy. DropOldest is the default.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return optFunc(func(cfg *Config) error {
		if p != DropOldest && p != BlockProducer {
			return fmt.Errorf("stream: unknown overflow policy %d", p)
		}
		cfg.policy = p

		return nil
	})
}

// WithBlockTimeout sets how long a BlockProducer Accept waits for space.
func WithBlockTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinBlockTimeout || d > MaxBlockTimeout {
			return fmt.Errorf("stream: block timeout %v out of range [%v, %v]", d, MinBlockTimeout, MaxBlockTimeout)
		}
		cfg.blockTimeout = d

		return nil
	})
}

// WithClock sets the clock driving the block timeout.
func WithClock(clk clock.Clock) Option {
	return optFunc(func(cfg *Config) error {
		if clk == nil {
			return errors.New("stream: clock must not be nil")
		}
		cfg.clk = clk

		return nil
	})
}

// WithLastAccepted seeds the sequence cursor, so the next expected batch is seq+1. Sessions use it
// to carry the cursor across a reconnect.
func WithLastAccepted(seq uint32) Option {
	return optFunc(func(cfg *Config) error {
		cfg.seeded = true
		cfg.lastAccepted = seq

		return nil
	})
}

// Stats contains atomic counters of a Buffer.
// The counters can be used as the value of a prometheus CounterFunc.
type Stats struct {
	// Accepted indicates the number of batches appended.
	Accepted atomic.Uint64
	// Rejected indicates the number of duplicate or stale batches.
	Rejected atomic.Uint64
	// Gaps indicates the number of gap reports.
	Gaps atomic.Uint64
	// MissingSeqs indicates the total number of missing sequence numbers.
	MissingSeqs atomic.Uint64
	// DroppedBatches indicates the number of batches discarded by overflow, timeout or close.
	DroppedBatches atomic.Uint64
	// Drained indicates the number of samples handed to consumers.
	Drained atomic.Uint64
	// Regressions indicates the number of timestamp regressions.
	Regressions atomic.Uint64
}
