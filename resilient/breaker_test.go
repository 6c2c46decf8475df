package resilient

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct{ from, to State }

func newTestBreaker(t *testing.T) (*breaker, *clock.Mock, *[]transition) {
	t.Helper()
	mock := clock.NewMock()
	var seen []transition
	b := newBreaker(mock, 5, time.Minute, func(from, to State) {
		seen = append(seen, transition{from, to})
	})
	return b, mock, &seen
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _, seen := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		require.True(t, b.allow())
		b.onFailure()
	}
	state, failures := b.snapshot()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, 4, failures)

	require.True(t, b.allow())
	b.onFailure()
	state, _ = b.snapshot()
	assert.Equal(t, StateOpen, state)
	assert.False(t, b.allow())
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, *seen)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b, _, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.onFailure()
	}
	b.onSuccess()
	b.onFailure()

	state, failures := b.snapshot()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, 1, failures)
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	b, mock, _ := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.onFailure()
	}

	mock.Add(59 * time.Second)
	assert.False(t, b.allow(), "still inside reset timeout")

	mock.Add(time.Second)
	require.True(t, b.allow())
	state, failures := b.snapshot()
	assert.Equal(t, StateHalfOpen, state)
	assert.Equal(t, 0, failures)

	assert.False(t, b.allow(), "second request while trial is in flight")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b, mock, seen := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.onFailure()
	}
	mock.Add(time.Minute)
	require.True(t, b.allow())

	b.onSuccess()

	state, failures := b.snapshot()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, 0, failures)
	assert.True(t, b.allow())
	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, *seen)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, mock, _ := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.onFailure()
	}
	mock.Add(time.Minute)
	require.True(t, b.allow())

	b.onFailure()

	state, _ := b.snapshot()
	assert.Equal(t, StateOpen, state)
	assert.False(t, b.allow())

	mock.Add(time.Minute)
	assert.True(t, b.allow(), "reset timeout counts from the latest failure")
}

func TestBreakerReleaseFreesTrial(t *testing.T) {
	b, mock, _ := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.onFailure()
	}
	mock.Add(time.Minute)
	require.True(t, b.allow())

	b.release()

	state, _ := b.snapshot()
	assert.Equal(t, StateHalfOpen, state)
	assert.True(t, b.allow())
}
