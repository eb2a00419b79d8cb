package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a controllable clock for deterministic tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var errAdapter = errors.New("adapter failed")

func fail() error    { return errAdapter }
func succeed() error { return nil }

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		MonitoringPeriod: 60 * time.Second,
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	b := New("admob", Config{})

	assert.Equal(t, DefaultConfig(), b.Config())
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.IsAllowingRequests())
	assert.Equal(t, 100.0, b.HealthPercentage())
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("admob", testConfig(), clock)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(fail), errAdapter)
		assert.Equal(t, StateClosed, b.State())
	}

	assert.ErrorIs(t, b.Execute(fail), errAdapter)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.IsAllowingRequests())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not invoke the thunk")

	clock.Advance(29 * time.Second)
	assert.False(t, b.IsAllowingRequests())

	clock.Advance(time.Second)
	assert.True(t, b.IsAllowingRequests())
	assert.Equal(t, StateOpen, b.State(), "IsAllowingRequests must not transition")
}

func TestExcludedErrorsAreNotRecorded(t *testing.T) {
	b := NewWithClock("admob", testConfig(), newFakeClock())
	errGone := errors.New("caller went away")
	excluded := func(err error) bool { return errors.Is(err, errGone) }

	for i := 0; i < 5; i++ {
		err := b.ExecuteExcluding(func() error { return errGone }, excluded)
		assert.ErrorIs(t, err, errGone)
	}

	stats := b.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.TotalFailures)

	assert.ErrorIs(t, b.ExecuteExcluding(fail, excluded), errAdapter)
	assert.Equal(t, int64(1), b.Stats().TotalFailures)
}

func TestFailuresOutsideWindowArePruned(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("admob", testConfig(), clock)

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	clock.Advance(61 * time.Second)

	_ = b.Execute(fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().RecentFailures)
}

func TestSuccessWhileClosedClearsFailures(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("admob", testConfig(), clock)

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	require.NoError(t, b.Execute(succeed))
	assert.Equal(t, 0, b.Stats().RecentFailures)

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestLazyHalfOpenAndRecovery(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("admob", testConfig(), clock)
	b.Open()
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, b.State(), "transition happens inside Execute")

	require.NoError(t, b.Execute(succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, 1, b.Stats().ConsecutiveSuccesses)

	require.NoError(t, b.Execute(succeed))
	assert.Equal(t, StateClosed, b.State())

	st := b.Stats()
	assert.Equal(t, 0, st.ConsecutiveSuccesses)
	assert.Equal(t, 0, st.RecentFailures)
	assert.Nil(t, st.NextRetry)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.SuccessThreshold = 3
	b := NewWithClock("admob", cfg, clock)
	b.Open()
	clock.Advance(30 * time.Second)

	require.NoError(t, b.Execute(succeed))
	require.NoError(t, b.Execute(succeed))
	require.Equal(t, StateHalfOpen, b.State())

	assert.ErrorIs(t, b.Execute(fail), errAdapter)
	assert.Equal(t, StateOpen, b.State())

	st := b.Stats()
	require.NotNil(t, st.NextRetry)
	assert.Equal(t, clock.Now().Add(30*time.Second), *st.NextRetry)
	assert.False(t, b.IsAllowingRequests())
}

func TestManualOverrides(t *testing.T) {
	b := NewWithClock("admob", testConfig(), newFakeClock())

	b.Open()
	assert.Equal(t, StateOpen, b.State())

	b.Close()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.IsAllowingRequests())

	_ = b.Execute(fail)
	_ = b.Execute(succeed)
	b.Reset()

	st := b.Stats()
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.TotalRequests)
	assert.Zero(t, st.TotalFailures)
	assert.Zero(t, st.TotalSuccesses)
	assert.Nil(t, st.LastFailure)
}

func TestHealthPercentage(t *testing.T) {
	b := NewWithClock("admob", testConfig(), newFakeClock())

	for i := 0; i < 3; i++ {
		_ = b.Execute(succeed)
	}
	_ = b.Execute(fail)

	assert.InDelta(t, 75.0, b.HealthPercentage(), 0.001)

	st := b.Stats()
	assert.EqualValues(t, 4, st.TotalRequests)
	assert.EqualValues(t, 3, st.TotalSuccesses)
	assert.EqualValues(t, 1, st.TotalFailures)
	require.NotNil(t, st.LastFailure)
}

func TestRejectionsAreCountedSeparately(t *testing.T) {
	b := NewWithClock("admob", testConfig(), newFakeClock())
	b.Open()

	_ = b.Execute(succeed)
	_ = b.Execute(succeed)

	st := b.Stats()
	assert.EqualValues(t, 2, st.Rejected)
	assert.Zero(t, st.TotalRequests)
}

func TestStateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("admob", testConfig(), clock)

	var transitions []string
	b.setOnChange(func(name string, from, to State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	for i := 0; i < 3; i++ {
		_ = b.Execute(fail)
	}
	clock.Advance(30 * time.Second)
	_ = b.Execute(succeed)
	_ = b.Execute(succeed)

	assert.Equal(t, []string{
		"admob:CLOSED->OPEN",
		"admob:OPEN->HALF_OPEN",
		"admob:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestConcurrentFailuresOpenExactlyOnce(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 50
	b := NewWithClock("admob", cfg, newFakeClock())

	var mu sync.Mutex
	opens := 0
	b.setOnChange(func(_ string, _, to State) {
		if to == StateOpen {
			mu.Lock()
			opens++
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 1, opens)
	assert.EqualValues(t, 200, b.Stats().TotalFailures)
}
