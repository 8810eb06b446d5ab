package stream

import (
	"fmt"
	"time"
)

// Notice is an out-of-band report produced while accepting batches. The set of implementations
// is closed to this package.
type Notice interface {
	fmt.Stringer
	notice()
}

// GapReport records missing sequence numbers. Missing samples are never fabricated.
type GapReport struct {
	// Expected is the first missing sequence number.
	Expected uint32
	// Size is the number of missing sequence numbers.
	Size uint32
}

// DropReason explains why buffered batches were discarded.
type DropReason uint8

const (
	// DropOverflow means the DropOldest policy evicted the oldest unread batch.
	DropOverflow DropReason = iota + 1
	// DropBlockTimeout means a BlockProducer wait timed out and the incoming batch was discarded.
	DropBlockTimeout
	// DropReconnect means the buffer was torn down for a reconnect.
	DropReconnect
	// DropClosed means the buffer was closed by a stop request.
	DropClosed
)

// String returns string representation of the drop reason.
func (r DropReason) String() string {
	switch r {
	case DropOverflow:
		return "overflow"
	case DropBlockTimeout:
		return "block-timeout"
	case DropReconnect:
		return "reconnect"
	case DropClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DropReport records discarded, never delivered data.
type DropReport struct {
	Reason   DropReason
	Batches  int
	Samples  int
	FirstSeq uint32
	LastSeq  uint32
}

// SequenceAnomaly records a rejected batch whose sequence number was already seen or is older
// than the last accepted one.
type SequenceAnomaly struct {
	Seq          uint32
	LastAccepted uint32
	Duplicate    bool
}

// TimestampRegression records a channel whose first timestamp in a batch precedes the last
// accepted timestamp for that channel. The batch is still accepted.
type TimestampRegression struct {
	Seq      uint32
	Channel  uint16
	Previous time.Duration
	Current  time.Duration
}

func (GapReport) notice()           {}
func (DropReport) notice()          {}
func (SequenceAnomaly) notice()     {}
func (TimestampRegression) notice() {}

func (n GapReport) String() string {
	return fmt.Sprintf("gap: %d missing from seq %d", n.Size, n.Expected)
}

func (n DropReport) String() string {
	return fmt.Sprintf("drop(%s): %d batches, %d samples, seq %d-%d", n.Reason, n.Batches, n.Samples, n.FirstSeq, n.LastSeq)
}

func (n SequenceAnomaly) String() string {
	kind := "stale"
	if n.Duplicate {
		kind = "duplicate"
	}

	return fmt.Sprintf("%s seq %d, last accepted %d", kind, n.Seq, n.LastAccepted)
}

func (n TimestampRegression) String() string {
	return fmt.Sprintf("timestamp regression on channel %d at seq %d: %v < %v", n.Channel, n.Seq, n.Current, n.Previous)
}
