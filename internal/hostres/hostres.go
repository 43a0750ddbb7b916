// Package hostres is the production implementation of hostapi.Resources,
// backed directly by time.AfterFunc/time.Ticker — a timer/interval port
// is exactly the stdlib's own job.
package hostres

import (
	"sync"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
)

// Resources implements hostapi.Resources using wall-clock timers.
type Resources struct{}

// New returns the production Resources adapter.
func New() Resources { return Resources{} }

var _ hostapi.Resources = Resources{}

type timeoutHandle struct {
	t *time.Timer
}

func (h timeoutHandle) Stop() { h.t.Stop() }

// SetTimeout schedules cb to run once after d.
func (Resources) SetTimeout(cb func(), d time.Duration) hostapi.TimerHandle {
	return timeoutHandle{t: time.AfterFunc(d, cb)}
}

// intervalHandle guards against Stop racing a tick already in flight; the
// ticker itself has no such guarantee.
type intervalHandle struct {
	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
}

func (h *intervalHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
	h.ticker.Stop()
}

// SetInterval schedules cb to run every d until Stop is called.
func (Resources) SetInterval(cb func(), d time.Duration) hostapi.TimerHandle {
	h := &intervalHandle{ticker: time.NewTicker(d), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-h.done:
				return
			case <-h.ticker.C:
				cb()
			}
		}
	}()
	return h
}
