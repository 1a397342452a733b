package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock time and delayed/periodic callbacks so the
// session engine can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// After runs fn once after d. The callback is fire-and-forget; callers
	// that need to ignore a stale fire re-check state inside fn.
	After(d time.Duration, fn func())
	// Every runs fn at each interval until the returned stop func is called.
	// Stop is synchronous: once it returns, no further fn runs begin.
	Every(d time.Duration, fn func()) (stop func())
}

// Real is the production clock backed by the time package.
type Real struct{}

func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

func (Real) Every(d time.Duration, fn func()) func() {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				fn()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			<-stopped
		})
	}
}
