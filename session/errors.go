package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout indicates no valid frame arrived within the connect timeout.
	ErrConnectTimeout = errors.New("session: connect timeout")
	// ErrRetryExhausted indicates the reconnect budget ran out.
	ErrRetryExhausted = errors.New("session: reconnect budget exhausted")
	// ErrSessionUsed is returned by Open on a session that was already opened.
	ErrSessionUsed = errors.New("session: already opened")
	// ErrSessionClosed indicates the session is closed.
	ErrSessionClosed = errors.New("session: closed")
	// ErrFaultThreshold is the degrade cause when frame errors and fault notices cross the threshold.
	ErrFaultThreshold = errors.New("session: fault threshold reached")
	// ErrHeartbeatMissed is the degrade cause when the device stops sending heartbeats.
	ErrHeartbeatMissed = errors.New("session: heartbeat missed")
	// ErrNilDialer is returned when a session is configured without a dialer.
	ErrNilDialer = errors.New("session: dialer is nil")
	// ErrInvalidMode is returned by SetMode for an undefined device mode.
	ErrInvalidMode = errors.New("session: invalid device mode")
	// ErrNotConnected is returned by SetMode while no byte source is connected.
	ErrNotConnected = errors.New("session: not connected")
	// ErrCommandUnsupported is returned by SetMode when the byte source can't send to the device.
	ErrCommandUnsupported = errors.New("session: source does not accept commands")
)

// TransportFault wraps a byte source failure that triggers a reconnect.
type TransportFault struct {
	Err error
}

func (e *TransportFault) Error() string {
	return fmt.Sprintf("session: transport fault: %v", e.Err)
}

func (e *TransportFault) Unwrap() error { return e.Err }

// SessionFault is the terminal error of a session that closed involuntarily.
//
// Cause is ErrConnectTimeout or ErrRetryExhausted; LastFault is the last error observed before
// giving up. errors.Is matches both.
type SessionFault struct { //nolint:revive // SessionFault reads better than Fault at call sites
	Cause     error
	LastFault error
	State     State
	Attempts  int
}

func (e *SessionFault) Error() string {
	if e.LastFault == nil {
		return fmt.Sprintf("%v (in %s, %d attempts)", e.Cause, e.State, e.Attempts)
	}

	return fmt.Sprintf("%v (in %s, %d attempts): last fault: %v", e.Cause, e.State, e.Attempts, e.LastFault)
}

func (e *SessionFault) Unwrap() []error {
	if e.LastFault == nil {
		return []error{e.Cause}
	}

	return []error{e.Cause, e.LastFault}
}
