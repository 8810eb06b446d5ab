// Package stream implements the bounded, ordered buffer between interpreted sample batches and
// the consumer-facing sample stream.
//
// The buffer validates sequence numbers, reports gaps and duplicates, checks per-channel
// timestamp continuity and applies an overflow policy when consumers fall behind.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arloliu/go-medlink/event"
	"github.com/arloliu/go-medlink/internal/queue"
)

var (
	// ErrClosed is returned by Accept after the buffer was closed.
	ErrClosed = errors.New("stream: buffer closed")
	// ErrBlockTimeout is returned by Accept when a BlockProducer wait exceeded the block timeout.
	ErrBlockTimeout = errors.New("stream: block producer timeout")
)

// AcceptStatus is the outcome of Accept.
type AcceptStatus uint8

const (
	// Accepted means the batch was appended to the buffer.
	Accepted AcceptStatus = iota + 1
	// Duplicate means the batch repeats the last accepted sequence number and was not buffered.
	Duplicate
	// Stale means the batch is older than the last accepted sequence number and was not buffered.
	Stale
	// Dropped means the batch timed out waiting for space and was discarded.
	Dropped
	// PassThrough means the event is not a sample batch and is left to the session.
	PassThrough
)

// String returns string representation of the accept status.
func (s AcceptStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Dropped:
		return "dropped"
	case PassThrough:
		return "pass-through"
	default:
		return "unknown"
	}
}

// Result is the outcome of Accept together with the notices it produced.
type Result struct {
	Status  AcceptStatus
	Notices []Notice
}

type pending struct {
	batch  event.SampleBatch
	offset int // samples already drained from batch
}

// Buffer is an ordered, bounded queue of sample batches.
//
// Accept is called by the read loop, Drain by consumers; both are safe for concurrent use. No lock
// is held while a BlockProducer wait is suspended.
type Buffer struct {
	cfg *Config

	mu       sync.Mutex
	queue    queue.Queue[pending]
	samples  int // undrained samples
	hasLast  bool
	last     uint32
	lastTS   map[uint16]time.Duration
	closed   bool
	spaceCh  chan struct{} // closed and replaced when space frees up
	readyCh  chan struct{} // closed and replaced when data arrives
	closedCh chan struct{}

	stats Stats
}

// New creates a buffer.
func New(opts ...Option) (*Buffer, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	b := &Buffer{
		cfg:      cfg,
		queue:    queue.NewRingQueue[pending](cfg.capacity),
		lastTS:   make(map[uint16]time.Duration),
		spaceCh:  make(chan struct{}),
		readyCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	if cfg.seeded {
		b.hasLast = true
		b.last = cfg.lastAccepted
	}

	return b, nil
}

// Config returns the buffer configuration.
func (b *Buffer) Config() *Config { return b.cfg }

// Accept offers an event to the buffer.
//
// Non-batch events return PassThrough. A batch continuing the sequence is appended; a batch
// skipping ahead is appended with a GapReport; a repeated or older batch is rejected with a
// SequenceAnomaly. When the buffer is full, DropOldest evicts the oldest batch and BlockProducer
// waits for space until the block timeout, ctx or Close.
func (b *Buffer) Accept(ctx context.Context, ev event.Event) (Result, error) {
	batch, ok := ev.(event.SampleBatch)
	if !ok {
		return Result{Status: PassThrough}, nil
	}

	var timer *clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Result{}, ErrClosed
		}

		status, gap := b.checkSeq(batch.Seq)
		if status != Accepted {
			anomaly := SequenceAnomaly{Seq: batch.Seq, LastAccepted: b.last, Duplicate: status == Duplicate}
			b.mu.Unlock()
			b.stats.Rejected.Add(1)

			return Result{Status: status, Notices: []Notice{anomaly}}, nil
		}

		var notices []Notice
		if gap.Size > 0 {
			notices = append(notices, gap)
		}

		if b.queue.Length() >= b.cfg.capacity {
			if b.cfg.policy == DropOldest {
				notices = append(notices, b.evictOldest())
			} else {
				spaceCh := b.spaceCh
				b.mu.Unlock()

				if timer == nil {
					timer = b.cfg.clk.Timer(b.cfg.blockTimeout)
				}

				select {
				case <-spaceCh:
					continue
				case <-b.closedCh:
					return Result{}, ErrClosed
				case <-ctx.Done():
					return Result{}, ctx.Err()
				case <-timer.C:
					return b.timeoutDrop(batch, notices)
				}
			}
		}

		b.commitSeq(batch.Seq, gap)
		notices = append(notices, b.checkTimestamps(batch)...)
		b.queue.Enqueue(pending{batch: batch})
		b.samples += len(batch.Samples)
		b.signalReady()
		b.mu.Unlock()

		b.stats.Accepted.Add(1)

		return Result{Status: Accepted, Notices: notices}, nil
	}
}

// Drain removes and returns up to maxSamples samples in order, or all buffered samples when
// maxSamples <= 0. It never blocks. A batch is split when only part of it fits.
func (b *Buffer) Drain(maxSamples int) []event.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := b.samples
	if maxSamples > 0 && maxSamples < want {
		want = maxSamples
	}
	if want == 0 {
		return nil
	}

	out := make([]event.Sample, 0, want)
	freed := false
	for len(out) < want {
		head := b.queue.PeekPtr()
		if head == nil {
			break
		}
		rest := head.batch.Samples[head.offset:]
		n := min(want-len(out), len(rest))
		out = append(out, rest[:n]...)
		head.offset += n

		if head.offset == len(head.batch.Samples) {
			b.queue.Dequeue()
			freed = true
		}
	}
	b.samples -= len(out)
	b.stats.Drained.Add(uint64(len(out)))

	if freed {
		b.signalSpace()
	}

	return out
}

// Ready returns a channel that is closed once samples are available or the buffer is closed.
// Callers fetch a new channel after each wake-up.
func (b *Buffer) Ready() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.samples > 0 || b.closed {
		return closedChan
	}

	return b.readyCh
}

// Close discards all buffered batches, wakes blocked producers and returns what was discarded.
// Subsequent calls return an empty report.
func (b *Buffer) Close() DropReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return DropReport{Reason: DropClosed}
	}
	b.closed = true

	report := DropReport{Reason: DropClosed}
	for {
		p, ok := b.queue.Dequeue()
		if !ok {
			break
		}
		report.add(p)
	}
	b.samples = 0
	b.stats.DroppedBatches.Add(uint64(report.Batches)) //nolint:gosec // non-negative count

	close(b.closedCh)
	close(b.readyCh)

	return report
}

// Closed reports whether Close was called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// LastAccepted returns the last accepted sequence number; ok is false before the first batch
// unless the buffer was seeded with WithLastAccepted.
func (b *Buffer) LastAccepted() (seq uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.last, b.hasLast
}

// Len returns the number of buffered batches.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.queue.Length()
}

// Samples returns the number of buffered, undrained samples.
func (b *Buffer) Samples() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.samples
}

// Stats returns the buffer counters.
func (b *Buffer) Stats() *Stats { return &b.stats }

// checkSeq classifies seq against the last accepted sequence number. Numbers only move forward;
// a counter that wraps reads as stale until the buffer is replaced.
func (b *Buffer) checkSeq(seq uint32) (AcceptStatus, GapReport) {
	if !b.hasLast {
		return Accepted, GapReport{}
	}

	switch {
	case seq == b.last:
		return Duplicate, GapReport{}
	case seq < b.last:
		return Stale, GapReport{}
	case seq == b.last+1:
		return Accepted, GapReport{}
	default:
		return Accepted, GapReport{Expected: b.last + 1, Size: seq - b.last - 1}
	}
}

func (b *Buffer) commitSeq(seq uint32, gap GapReport) {
	b.hasLast = true
	b.last = seq
	if gap.Size > 0 {
		b.stats.Gaps.Add(1)
		b.stats.MissingSeqs.Add(uint64(gap.Size))
	}
}

func (b *Buffer) checkTimestamps(batch event.SampleBatch) []Notice {
	var notices []Notice
	seen := make(map[uint16]bool, batch.Channels)
	for _, s := range batch.Samples {
		if !seen[s.Channel] {
			seen[s.Channel] = true
			if prev, ok := b.lastTS[s.Channel]; ok && s.Timestamp < prev {
				notices = append(notices, TimestampRegression{Seq: batch.Seq, Channel: s.Channel, Previous: prev, Current: s.Timestamp})
				b.stats.Regressions.Add(1)
			}
		}
		b.lastTS[s.Channel] = s.Timestamp
	}

	return notices
}

// evictOldest drops the head batch. Callers hold b.mu.
func (b *Buffer) evictOldest() DropReport {
	report := DropReport{Reason: DropOverflow}
	if p, ok := b.queue.Dequeue(); ok {
		report.add(p)
		b.samples -= len(p.batch.Samples) - p.offset
	}
	b.stats.DroppedBatches.Add(1)

	return report
}

// timeoutDrop discards a batch whose BlockProducer wait expired. Its sequence number is consumed
// so that a later retransmission is reported as a duplicate rather than silently re-ordered.
func (b *Buffer) timeoutDrop(batch event.SampleBatch, notices []Notice) (Result, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Result{}, ErrClosed
	}
	status, gap := b.checkSeq(batch.Seq)
	if status == Accepted {
		b.commitSeq(batch.Seq, gap)
	}
	b.mu.Unlock()

	b.stats.DroppedBatches.Add(1)
	drop := DropReport{
		Reason:   DropBlockTimeout,
		Batches:  1,
		Samples:  len(batch.Samples),
		FirstSeq: batch.Seq,
		LastSeq:  batch.Seq,
	}

	return Result{Status: Dropped, Notices: append(notices, drop)},
		fmt.Errorf("%w: waited %v for space", ErrBlockTimeout, b.cfg.blockTimeout)
}

func (b *Buffer) signalReady() {
	close(b.readyCh)
	b.readyCh = make(chan struct{})
}

func (b *Buffer) signalSpace() {
	close(b.spaceCh)
	b.spaceCh = make(chan struct{})
}

func (r *DropReport) add(p pending) {
	if r.Batches == 0 {
		r.FirstSeq = p.batch.Seq
	}
	r.LastSeq = p.batch.Seq
	r.Batches++
	r.Samples += len(p.batch.Samples) - p.offset
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}()
