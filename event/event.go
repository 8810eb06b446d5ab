// Package event interprets validated frames into typed acquisition events.
//
// Event is a closed set of variants: SampleBatch, Heartbeat, StatusChange, ImpedanceReport and
// FaultNotice. Consumers switch on the concrete type or on Event.Kind.
package event

import (
	"fmt"
	"time"

	"github.com/arloliu/go-medlink/frame"
)

// Kind identifies the event variant.
type Kind uint8

const (
	KindSampleBatch Kind = iota + 1
	KindHeartbeat
	KindStatusChange
	KindFaultNotice
	KindImpedance
)

// String returns string representation of the event kind.
func (k Kind) String() string {
	switch k {
	case KindSampleBatch:
		return "sample-batch"
	case KindHeartbeat:
		return "heartbeat"
	case KindStatusChange:
		return "status-change"
	case KindFaultNotice:
		return "fault-notice"
	case KindImpedance:
		return "impedance"
	default:
		return "unknown"
	}
}

// Event is a typed device event. The set of implementations is closed to this package.
type Event interface {
	// Kind returns the variant tag.
	Kind() Kind
	// Sequence returns the frame sequence number the event was decoded from.
	Sequence() uint32
	// Received returns the arrival time of the frame.
	Received() time.Time

	isEvent()
}

// Sample is a single measurement value for one channel.
//
// Timestamp is device time, measured from the device's own epoch.
type Sample struct {
	Channel   uint16
	Value     float64
	Timestamp time.Duration
}

// SampleBatch is an ordered group of samples decoded from one samples frame.
//
// Samples are stored sample-major: all channels of the first sample instant, then the next one.
// Timestamps are non-decreasing within the batch.
type SampleBatch struct {
	Seq        uint32
	DeviceTime time.Duration
	Period     time.Duration
	Channels   int
	Samples    []Sample
	ReceivedAt time.Time
}

// Heartbeat is a device liveness signal.
type Heartbeat struct {
	Seq        uint32
	DeviceTime time.Duration
	ReceivedAt time.Time
}

// StatusChange reports the device switching its operating mode.
type StatusChange struct {
	Seq        uint32
	Status     DeviceStatus
	ReceivedAt time.Time
}

// ImpedanceReport carries one electrode impedance measurement per channel, in ohms.
//
// A channel that can't measure impedance reports NaN.
type ImpedanceReport struct {
	Seq        uint32
	Values     []float64
	ReceivedAt time.Time
}

// FaultNotice reports a frame that could not be interpreted, or a fault reported by the device.
type FaultNotice struct {
	Seq        uint32
	Code       FaultCode
	FrameType  frame.Type
	DeviceCode uint16
	Detail     string
	ReceivedAt time.Time
}

func (SampleBatch) Kind() Kind  { return KindSampleBatch }
func (Heartbeat) Kind() Kind    { return KindHeartbeat }
func (StatusChange) Kind() Kind { return KindStatusChange }
func (FaultNotice) Kind() Kind  { return KindFaultNotice }

func (ImpedanceReport) Kind() Kind { return KindImpedance }

func (e SampleBatch) Sequence() uint32  { return e.Seq }
func (e Heartbeat) Sequence() uint32    { return e.Seq }
func (e StatusChange) Sequence() uint32 { return e.Seq }
func (e FaultNotice) Sequence() uint32  { return e.Seq }

func (e ImpedanceReport) Sequence() uint32 { return e.Seq }

func (e SampleBatch) Received() time.Time  { return e.ReceivedAt }
func (e Heartbeat) Received() time.Time    { return e.ReceivedAt }
func (e StatusChange) Received() time.Time { return e.ReceivedAt }
func (e FaultNotice) Received() time.Time  { return e.ReceivedAt }

func (e ImpedanceReport) Received() time.Time { return e.ReceivedAt }

func (SampleBatch) isEvent()  {}
func (Heartbeat) isEvent()    {}
func (StatusChange) isEvent() {}
func (FaultNotice) isEvent()  {}

func (ImpedanceReport) isEvent() {}

// DeviceStatus is the device operating mode.
type DeviceStatus uint8

const (
	// StatusIdle means the device is powered but not acquiring.
	StatusIdle DeviceStatus = iota
	// StatusSampling means the device streams measurement samples.
	StatusSampling
	// StatusImpedance means the device measures electrode impedance.
	StatusImpedance
	// StatusTest means the device streams generated test signals.
	StatusTest
)

// Valid reports whether s is a defined status.
func (s DeviceStatus) Valid() bool { return s <= StatusTest }

// String returns string representation of the device status.
func (s DeviceStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSampling:
		return "sampling"
	case StatusImpedance:
		return "impedance"
	case StatusTest:
		return "test"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseDeviceStatus parses the string form of a device status.
func ParseDeviceStatus(s string) (DeviceStatus, bool) {
	for st := StatusIdle; st <= StatusTest; st++ {
		if st.String() == s {
			return st, true
		}
	}

	return 0, false
}

// FaultCode classifies a FaultNotice.
type FaultCode uint8

const (
	// FaultUnknownFrameType is a valid frame whose type tag is not understood.
	FaultUnknownFrameType FaultCode = iota + 1
	// FaultMalformedPayload is a valid frame whose payload does not match its type's layout.
	FaultMalformedPayload
	// FaultDevice is a fault reported by the device itself.
	FaultDevice
	// FaultUnexpectedCommand is a command frame received from the device side.
	FaultUnexpectedCommand
)

// String returns string representation of the fault code.
func (c FaultCode) String() string {
	switch c {
	case FaultUnknownFrameType:
		return "unknown-frame-type"
	case FaultMalformedPayload:
		return "malformed-payload"
	case FaultDevice:
		return "device-reported"
	case FaultUnexpectedCommand:
		return "unexpected-command"
	default:
		return "unknown"
	}
}
