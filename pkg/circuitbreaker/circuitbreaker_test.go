package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("dependency down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T) (*CircuitBreaker, *clock, *[]string) {
	t.Helper()
	c := &clock{t: time.Unix(1000, 0)}
	cb := New(Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Second, MaxRequestsHalfOpen: 1})
	cb.now = c.now
	var transitions []string
	cb.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	return cb, c, &transitions
}

func fail() error    { return errDown }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _, transitions := newTestBreaker(t)

	assert.ErrorIs(t, cb.Execute(fail), errDown)
	assert.NoError(t, cb.Execute(succeed), "success resets the failure count")
	assert.ErrorIs(t, cb.Execute(fail), errDown)
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Execute(fail), errDown)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"closed->open"}, *transitions)
}

func TestCircuitBreaker_HalfOpenProbes(t *testing.T) {
	t.Run("successful probes close", func(t *testing.T) {
		cb, c, transitions := newTestBreaker(t)
		require.Error(t, cb.Execute(fail))
		require.Error(t, cb.Execute(fail))
		c.advance(time.Second)

		require.NoError(t, cb.Execute(succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(succeed))
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, *transitions)
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		cb, c, _ := newTestBreaker(t)
		require.Error(t, cb.Execute(fail))
		require.Error(t, cb.Execute(fail))
		c.advance(time.Second)

		assert.ErrorIs(t, cb.Execute(fail), errDown)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(succeed), ErrOpen)
	})

	t.Run("one probe at a time", func(t *testing.T) {
		cb, c, _ := newTestBreaker(t)
		require.Error(t, cb.Execute(fail))
		require.Error(t, cb.Execute(fail))
		c.advance(time.Second)

		err := cb.Execute(func() error {
			return cb.Execute(succeed)
		})
		assert.ErrorIs(t, err, ErrOpen)
	})
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	require.Error(t, cb.Execute(fail))
	require.Error(t, cb.Execute(fail))

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(succeed))
}
