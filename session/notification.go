package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// NotificationKind identifies the payload of a Notification.
type NotificationKind uint8

// Notification kinds. The comment names the payload type.
const (
	NoticeGap                 NotificationKind = iota + 1 // stream.GapReport
	NoticeDrop                                            // stream.DropReport
	NoticeSequenceAnomaly                                 // stream.SequenceAnomaly
	NoticeTimestampRegression                             // stream.TimestampRegression
	NoticeFrameError                                      // *frame.FrameError
	NoticeFault                                           // event.FaultNotice
	NoticeStatus                                          // event.StatusChange
	NoticeStateChange                                     // StateChange
	NoticeSessionFault                                    // *SessionFault
	NoticeImpedance                                       // event.ImpedanceReport
)

// String returns string representation of the notification kind.
func (k NotificationKind) String() string {
	switch k {
	case NoticeGap:
		return "gap"
	case NoticeDrop:
		return "drop"
	case NoticeSequenceAnomaly:
		return "sequence-anomaly"
	case NoticeTimestampRegression:
		return "timestamp-regression"
	case NoticeFrameError:
		return "frame-error"
	case NoticeFault:
		return "fault"
	case NoticeStatus:
		return "status"
	case NoticeStateChange:
		return "state-change"
	case NoticeSessionFault:
		return "session-fault"
	case NoticeImpedance:
		return "impedance"
	default:
		return "unknown"
	}
}

// StateChange is the payload of a NoticeStateChange notification.
type StateChange struct {
	From  State
	To    State
	Cause error
}

func (c StateChange) String() string {
	if c.Cause == nil {
		return fmt.Sprintf("%s -> %s", c.From, c.To)
	}

	return fmt.Sprintf("%s -> %s: %v", c.From, c.To, c.Cause)
}

// Notification is an out-of-band report delivered to subscribers.
type Notification struct {
	At      time.Time
	Kind    NotificationKind
	Payload any
}

func (n Notification) String() string {
	return fmt.Sprintf("%s: %v", n.Kind, n.Payload)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

func (s *subscriber) send(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- n:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// notifier fans notifications out to subscribers without ever blocking the publisher.
type notifier struct {
	subs    *xsync.MapOf[uint64, *subscriber]
	nextID  atomic.Uint64
	closed  atomic.Bool
	metrics *Metrics
}

func newNotifier(m *Metrics) *notifier {
	return &notifier{subs: xsync.NewMapOf[uint64, *subscriber](), metrics: m}
}

func (n *notifier) subscribe(size int) (<-chan Notification, func()) {
	if size < 0 {
		size = 0
	}
	sub := &subscriber{ch: make(chan Notification, size)}
	if n.closed.Load() {
		sub.close()
		return sub.ch, func() {}
	}

	id := n.nextID.Add(1)
	n.subs.Store(id, sub)

	// close may have raced with Store
	if n.closed.Load() {
		n.subs.Delete(id)
		sub.close()
	}

	return sub.ch, func() {
		if s, ok := n.subs.LoadAndDelete(id); ok {
			s.close()
		}
	}
}

func (n *notifier) publish(note Notification) {
	n.subs.Range(func(_ uint64, sub *subscriber) bool {
		if !sub.send(note) {
			n.metrics.incNotificationsDropped()
		}

		return true
	})
}

func (n *notifier) close() {
	n.closed.Store(true)
	n.subs.Range(func(id uint64, sub *subscriber) bool {
		n.subs.Delete(id)
		sub.close()

		return true
	})
}
