package session

import (
	"time"

	"github.com/arloliu/go-medlink/internal/queue"
)

// faultWindow counts faults within a sliding time window.
type faultWindow struct {
	window time.Duration
	times  queue.Queue[time.Time]
}

func newFaultWindow(window time.Duration) *faultWindow {
	return &faultWindow{window: window, times: queue.NewRingQueue[time.Time](16)}
}

// add records a fault at now and returns the number of faults within the window.
func (w *faultWindow) add(now time.Time) int {
	w.times.Enqueue(now)
	w.prune(now)

	return w.times.Length()
}

func (w *faultWindow) prune(now time.Time) {
	for {
		t, ok := w.times.Peek()
		if !ok || now.Sub(t) <= w.window {
			return
		}
		w.times.Dequeue()
	}
}

func (w *faultWindow) reset() {
	w.times.Reset()
}
