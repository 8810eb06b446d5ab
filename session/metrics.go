package session

import (
	"sync/atomic"
)

// Metrics contains atomic metrics for an acquisition session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// BytesRead indicates the number of bytes read from byte sources.
	BytesRead atomic.Uint64
	// FramesDecoded indicates the number of frames that passed integrity checks.
	FramesDecoded atomic.Uint64
	// FrameErrors indicates the number of framing errors.
	FrameErrors atomic.Uint64
	// FaultNotices indicates the number of fault notices, interpreter or device generated.
	FaultNotices atomic.Uint64
	// BatchesAccepted indicates the number of sample batches buffered.
	BatchesAccepted atomic.Uint64
	// BatchesRejected indicates the number of duplicate or stale sample batches.
	BatchesRejected atomic.Uint64
	// SamplesAccepted indicates the number of samples buffered.
	SamplesAccepted atomic.Uint64
	// SamplesDrained indicates the number of samples delivered to consumers.
	SamplesDrained atomic.Uint64
	// Gaps indicates the number of sequence gaps.
	Gaps atomic.Uint64
	// DroppedBatches indicates the number of buffered batches discarded.
	DroppedBatches atomic.Uint64
	// DroppedSamples indicates the number of buffered samples discarded.
	DroppedSamples atomic.Uint64
	// Degradations indicates the number of transitions into the degraded state.
	Degradations atomic.Uint64
	// Reconnects indicates the number of successful reconnects.
	Reconnects atomic.Uint64
	// CoalescedFaults indicates the number of fault reports absorbed by a reconnect in progress.
	CoalescedFaults atomic.Uint64
	// NotificationsDropped indicates the number of notifications not delivered to slow subscribers.
	NotificationsDropped atomic.Uint64
	// CommandsSent indicates the number of mode commands written to the device.
	CommandsSent atomic.Uint64

	// ConnRetryGauge indicates the number of reconnect attempts in the current reconnect cycle.
	ConnRetryGauge atomic.Uint32
}

func (m *Metrics) addBytesRead(n int) {
	m.BytesRead.Add(uint64(n)) //nolint:gosec // non-negative length
}

func (m *Metrics) incFramesDecoded() {
	m.FramesDecoded.Add(1)
}

func (m *Metrics) incFrameErrors() {
	m.FrameErrors.Add(1)
}

func (m *Metrics) incFaultNotices() {
	m.FaultNotices.Add(1)
}

func (m *Metrics) addAccepted(samples int) {
	m.BatchesAccepted.Add(1)
	m.SamplesAccepted.Add(uint64(samples)) //nolint:gosec // non-negative length
}

func (m *Metrics) incBatchesRejected() {
	m.BatchesRejected.Add(1)
}

func (m *Metrics) addSamplesDrained(n int) {
	m.SamplesDrained.Add(uint64(n)) //nolint:gosec // non-negative length
}

func (m *Metrics) incGaps() {
	m.Gaps.Add(1)
}

func (m *Metrics) addDropped(batches, samples int) {
	m.DroppedBatches.Add(uint64(batches)) //nolint:gosec // non-negative count
	m.DroppedSamples.Add(uint64(samples)) //nolint:gosec // non-negative count
}

func (m *Metrics) incDegradations() {
	m.Degradations.Add(1)
}

func (m *Metrics) incReconnects() {
	m.Reconnects.Add(1)
}

func (m *Metrics) incCoalescedFaults() {
	m.CoalescedFaults.Add(1)
}

func (m *Metrics) incNotificationsDropped() {
	m.NotificationsDropped.Add(1)
}

func (m *Metrics) incCommandsSent() {
	m.CommandsSent.Add(1)
}

func (m *Metrics) setConnRetryGauge(n int) {
	m.ConnRetryGauge.Store(uint32(n)) //nolint:gosec // attempts are bounded by configuration
}
