package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests. Callbacks fire synchronously
// on the goroutine that calls Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

type fakeTimer struct {
	at time.Time
	fn func()
}

type fakeTicker struct {
	next     time.Time
	interval time.Duration
	fn       func()
	stopped  bool
}

// NewFake returns a fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = append(f.timers, &fakeTimer{at: f.now.Add(d), fn: fn})
}

func (f *Fake) Every(d time.Duration, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{next: f.now.Add(d), interval: d, fn: fn}
	f.tickers = append(f.tickers, t)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		t.stopped = true
	}
}

// Advance moves the clock forward by d, firing every due timer and ticker
// in chronological order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		fn, at, ok := f.nextDue(target)
		if !ok {
			break
		}
		f.mu.Lock()
		f.now = at
		f.mu.Unlock()
		fn()
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// nextDue pops the earliest callback due at or before target.
func (f *Fake) nextDue(target time.Time) (func(), time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type due struct {
		at   time.Time
		fire func() func() // returns the callback after bookkeeping
	}
	var candidates []due

	for i, t := range f.timers {
		if !t.at.After(target) {
			i, t := i, t
			candidates = append(candidates, due{at: t.at, fire: func() func() {
				f.timers = append(f.timers[:i], f.timers[i+1:]...)
				return t.fn
			}})
		}
	}
	for _, t := range f.tickers {
		if !t.stopped && !t.next.After(target) {
			t := t
			candidates = append(candidates, due{at: t.next, fire: func() func() {
				t.next = t.next.Add(t.interval)
				return t.fn
			}})
		}
	}
	if len(candidates) == 0 {
		return nil, time.Time{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	fn := candidates[0].fire()
	return fn, candidates[0].at, true
}
