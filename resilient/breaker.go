package resilient

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// breaker guards a single remote target. All fields are owned by the
// breaker and only change through allow, onSuccess, onFailure and release.
type breaker struct {
	mu           sync.Mutex
	clock        clock.Clock
	threshold    int
	resetTimeout time.Duration

	state       State
	failures    int
	lastFailure time.Time
	trial       bool

	onChange func(from, to State)
}

func newBreaker(clk clock.Clock, threshold int, resetTimeout time.Duration, onChange func(from, to State)) *breaker {
	return &breaker{
		clock:        clk,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		onChange:     onChange,
	}
}

// allow reports whether a request may go out. An open breaker whose reset
// timeout has elapsed moves to half-open and admits exactly one trial.
func (b *breaker) allow() bool {
	b.mu.Lock()
	from := b.state
	admitted := true
	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailure) < b.resetTimeout {
			admitted = false
			break
		}
		b.state = StateHalfOpen
		b.failures = 0
		b.trial = true
	case StateHalfOpen:
		if b.trial {
			admitted = false
			break
		}
		b.trial = true
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return admitted
}

func (b *breaker) onSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.trial = false
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// onFailure records one failed call. In half-open a single failure reopens.
func (b *breaker) onFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.clock.Now()
	b.trial = false
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// release frees the half-open trial slot without counting the outcome.
func (b *breaker) release() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *breaker) snapshot() (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures
}

func (b *breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
