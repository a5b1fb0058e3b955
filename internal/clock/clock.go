// Package clock abstracts time so periodic work can be driven by a manual
// clock in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Manual only moves when Advance is called. Tickers fire once for every
// period crossed; like time.Ticker, a tick is dropped if the previous one was
// not yet received.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
	added   chan struct{}
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, added: make(chan struct{}, 1)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{m: m, period: d, next: m.now.Add(d), c: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	select {
	case m.added <- struct{}{}:
	default:
	}
	return t
}

// WaitForTicker blocks until at least one ticker exists, so a test can
// advance time only after the code under test has started waiting.
func (m *Manual) WaitForTicker(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		n := len(m.tickers)
		m.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-m.added:
		case <-deadline:
			return false
		}
	}
}

// Advance moves time forward by d, firing tickers in order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := m.now.Add(d)
	for _, t := range m.tickers {
		for !t.stopped && !t.next.After(target) {
			select {
			case t.c <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
	m.now = target
}

type manualTicker struct {
	m       *Manual
	period  time.Duration
	next    time.Time
	c       chan time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.stopped = true
	for i, o := range t.m.tickers {
		if o == t {
			t.m.tickers = append(t.m.tickers[:i], t.m.tickers[i+1:]...)
			break
		}
	}
}
