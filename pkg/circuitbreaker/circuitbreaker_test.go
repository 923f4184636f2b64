package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("daq down")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	cb := New(cfg)
	cb.now = clk.now
	cb.changedAt = clk.now()
	return cb, clk
}

func testConfig() Config {
	return Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Second, MaxRequestsHalfOpen: 2}
}

func fail() error { return errDown }
func ok() error   { return nil }

func TestExecute_PassesErrorThrough(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	err := cb.Execute(fail)
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, StateClosed, cb.State())
}

func TestOpensAfterThresholdAndFailsFast(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	_ = cb.Execute(fail)
	_ = cb.Execute(ok)
	_ = cb.Execute(fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbeCloses(t *testing.T) {
	cb, clk := newTestBreaker(testConfig())
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)

	clk.advance(time.Second)
	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(testConfig())
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)

	clk.advance(time.Second)
	assert.ErrorIs(t, cb.Execute(fail), errDown)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ok), ErrOpen)
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	cfg := testConfig()
	cfg.SuccessThreshold = 1
	cfg.MaxRequestsHalfOpen = 1
	cb, clk := newTestBreaker(cfg)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.advance(time.Second)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()
	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, time.Millisecond)

	assert.ErrorIs(t, cb.Execute(ok), ErrOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestIsFailureFiltersErrors(t *testing.T) {
	errWarmingUp := errors.New("warming up")
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errWarmingUp) }
	cb, _ := newTestBreaker(cfg)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errWarmingUp })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestDo_ReturnsValue(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	v, err := Do(cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestOnStateChange(t *testing.T) {
	cb, clk := newTestBreaker(testConfig())
	var got []string
	cb.OnStateChange(func(from, to State) { got = append(got, from.String()+"->"+to.String()) })

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.advance(time.Second)
	_ = cb.Execute(ok)
	_ = cb.Execute(ok)
	cb.Reset()

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, got)
}
