package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests (SPEC_FULL §8:
// restart-resumption / monotonic-timestamp tests use this instead of
// sleeping in wall-clock time).
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	afters  []fakeAfter
}

type fakeAfter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake creates a Fake clock starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward and fires any ticker/after channel whose
// deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	for _, t := range f.tickers {
		t.maybeFire(f.now)
	}
	pending := f.afters[:0]
	for _, a := range f.afters {
		if f.now.Before(a.deadline) {
			pending = append(pending, a)
			continue
		}
		a.ch <- f.now
	}
	f.afters = pending
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := f.now.Add(d)
	if !f.now.Before(deadline) {
		ch <- f.now
		return ch
	}
	f.afters = append(f.afters, fakeAfter{deadline: deadline, ch: ch})
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1), period: d, next: f.now.Add(d)}
	f.tickers = append(f.tickers, t)
	return t
}

type fakeTicker struct {
	ch     chan time.Time
	period time.Duration
	next   time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() { t.stopped = true }

func (t *fakeTicker) maybeFire(now time.Time) {
	if t.stopped {
		return
	}
	for !now.Before(t.next) {
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.period)
	}
}
