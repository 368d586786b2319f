package roomstatus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confsync/internal/clock"
	"confsync/internal/eventloop"
	"confsync/internal/model"
	"confsync/internal/workers"
)

var t0 = time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC)

const okPayload = `[{"roomname":"Janson","state":"1"}]`

// scriptedFetcher answers with the queued results, then repeats the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (f *scriptedFetcher) Get(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var err error
	if len(f.results) > 0 {
		err = f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte(okPayload), nil
}

func (f *scriptedFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// manualExec holds jobs until the test runs them.
type manualExec struct {
	mu   sync.Mutex
	jobs []func()
}

func (m *manualExec) Go(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, fn)
}

func (m *manualExec) runNext(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	require.NotEmpty(t, m.jobs)
	job := m.jobs[0]
	m.jobs = m.jobs[1:]
	m.mu.Unlock()
	job()
}

type harness struct {
	clk     *clock.FakeClock
	loop    *eventloop.Loop
	fetcher *scriptedFetcher
	poller  *Poller
}

var errFeed = errors.New("feed unavailable")

func newHarness(t *testing.T, exec workers.Executor, results ...error) *harness {
	t.Helper()
	clk := clock.Fake(t0)
	loop := eventloop.New(clk)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	f := &scriptedFetcher{results: results}
	p := NewPoller(Config{URL: "https://status.example.org/roomstatus"}, loop, exec, f)
	t.Cleanup(p.Close)
	return &harness{clk: clk, loop: loop, fetcher: f, poller: p}
}

// settle lets every chained post run.
func (h *harness) settle() {
	for range 4 {
		h.loop.Do(func() {})
	}
}

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.settle()
}

func (h *harness) observe() func() {
	_, cancel := h.poller.Value().Subscribe()
	h.settle()
	return func() {
		cancel()
		h.settle()
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	want := []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second, 90 * time.Second, 90 * time.Second}
	for attempt, d := range want {
		assert.Equal(t, d, RetryDelay(attempt, DefaultFirstErrorDelay, DefaultRefreshInterval), "attempt %d", attempt)
	}
	assert.Equal(t, 90*time.Second, RetryDelay(20, DefaultFirstErrorDelay, DefaultRefreshInterval))
}

func TestInactiveWithoutObservers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{})
	h.settle()
	h.advance(10 * time.Minute)

	assert.Zero(t, h.fetcher.count())
	assert.Equal(t, StateInactive, h.poller.State().Kind)
	assert.Empty(t, h.poller.Value().Get())
}

func TestSuccessSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{}, nil)
	stop := h.observe()
	defer stop()

	assert.Equal(t, 1, h.fetcher.count())
	assert.Equal(t, model.RoomStatuses{"Janson": model.RoomFull}, h.poller.Value().Get())

	st := h.poller.State()
	assert.Equal(t, StatePolling, st.Kind)
	assert.Zero(t, st.Attempt)
	assert.Equal(t, t0.Add(90*time.Second), st.NextRefresh)
	assert.Equal(t, t0.Add(6*time.Minute), st.ExpiresAt)

	h.advance(89 * time.Second)
	assert.Equal(t, 1, h.fetcher.count())
	h.advance(time.Second)
	assert.Equal(t, 2, h.fetcher.count())
	assert.Equal(t, t0.Add(180*time.Second), h.poller.State().NextRefresh)
	assert.Equal(t, t0.Add(90*time.Second+6*time.Minute), h.poller.State().ExpiresAt)
}

func TestBackoffSequence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{}, errFeed)
	stop := h.observe()
	defer stop()

	now := t0
	var delays []time.Duration
	for i := range 4 {
		st := h.poller.State()
		require.Equal(t, StateBackoff, st.Kind)
		require.Equal(t, i+1, st.Attempt)
		d := st.NextRefresh.Sub(now)
		delays = append(delays, d)

		h.advance(d)
		now = now.Add(d)
		require.Equal(t, i+2, h.fetcher.count())
	}

	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second, 90 * time.Second}, delays)
	assert.Empty(t, h.poller.Value().Get())
}

func TestSuccessResetsAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{}, errFeed, errFeed, nil)
	stop := h.observe()
	defer stop()

	h.advance(30 * time.Second)
	assert.Equal(t, 2, h.poller.State().Attempt)
	h.advance(60 * time.Second)

	st := h.poller.State()
	assert.Equal(t, StatePolling, st.Kind)
	assert.Zero(t, st.Attempt)
	assert.Len(t, h.poller.Value().Get(), 1)
}

func TestRetryPolicyRestartsAfterSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{}, errFeed, errFeed, nil, errFeed)
	stop := h.observe()
	defer stop()

	h.advance(30 * time.Second)
	h.advance(60 * time.Second)
	require.Zero(t, h.poller.State().Attempt)

	// The refresh 90s after the success fails; the first retry delay applies
	// again.
	h.advance(90 * time.Second)
	st := h.poller.State()
	require.Equal(t, 1, st.Attempt)
	assert.Equal(t, t0.Add(180*time.Second+30*time.Second), st.NextRefresh)
}

func TestLongOutageStaysAtMaximumDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{}, errFeed)
	stop := h.observe()
	defer stop()

	h.advance(30 * time.Second)
	h.advance(60 * time.Second)
	for range 40 {
		h.advance(90 * time.Second)
	}

	st := h.poller.State()
	assert.Equal(t, StateBackoff, st.Kind)
	assert.Equal(t, 43, st.Attempt)
	assert.Equal(t, h.clk.Now().Add(90*time.Second), st.NextRefresh)
	assert.Equal(t, 43, h.fetcher.count())
}

func TestExpirationClearsData(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{}, nil, errFeed)
	stop := h.observe()
	defer stop()
	require.Len(t, h.poller.Value().Get(), 1)

	// Failures at 1:30, 2:00, 3:00, 4:30 leave the old result in place.
	h.advance(90 * time.Second)
	h.advance(30 * time.Second)
	h.advance(60 * time.Second)
	h.advance(90 * time.Second)
	assert.Equal(t, 5, h.fetcher.count())
	assert.Len(t, h.poller.Value().Get(), 1)
	assert.Equal(t, StateBackoff, h.poller.State().Kind)

	h.advance(89 * time.Second)
	assert.Len(t, h.poller.Value().Get(), 1)

	h.advance(time.Second)
	assert.Empty(t, h.poller.Value().Get())
	st := h.poller.State()
	assert.Equal(t, StateExpired, st.Kind)
	assert.True(t, st.ExpiresAt.IsZero())
}

func TestDeactivationPreservesSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{}, nil)
	stop := h.observe()
	h.advance(10 * time.Second)
	stop()

	st := h.poller.State()
	assert.Equal(t, StateInactive, st.Kind)
	assert.Equal(t, t0.Add(90*time.Second), st.NextRefresh)
	assert.Equal(t, t0.Add(6*time.Minute), st.ExpiresAt)
	assert.Zero(t, h.clk.Pending())

	h.advance(20 * time.Second)
	assert.Equal(t, 1, h.fetcher.count())

	// Still valid and the refresh is not due yet: no immediate poll.
	stop = h.observe()
	assert.Equal(t, 1, h.fetcher.count())
	assert.Len(t, h.poller.Value().Get(), 1)
	h.advance(60 * time.Second)
	assert.Equal(t, 2, h.fetcher.count())
	stop()
}

func TestReactivationAfterRefreshDuePollsNow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{}, nil)
	stop := h.observe()
	stop()

	h.advance(3 * time.Minute)
	stop = h.observe()
	defer stop()
	assert.Equal(t, 2, h.fetcher.count())
}

func TestReactivationAfterExpiryClearsFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, workers.Inline{}, nil, errFeed)
	stop := h.observe()
	stop()
	require.Len(t, h.poller.Value().Get(), 1)

	h.advance(7 * time.Minute)
	assert.Len(t, h.poller.Value().Get(), 1, "inactive poller keeps its last value")

	stop = h.observe()
	defer stop()
	assert.Empty(t, h.poller.Value().Get())
	assert.Equal(t, 2, h.fetcher.count())
	st := h.poller.State()
	assert.Equal(t, StateExpired, st.Kind)
	assert.Equal(t, 1, st.Attempt)
}

func TestResultAfterDeactivationIsDiscarded(t *testing.T) {
	t.Parallel()

	exec := &manualExec{}
	h := newHarness(t, exec, nil)
	stop := h.observe()
	assert.True(t, h.poller.State().InFlight)
	stop()

	exec.runNext(t)
	h.settle()

	assert.Equal(t, 1, h.fetcher.count())
	assert.Empty(t, h.poller.Value().Get())
	st := h.poller.State()
	assert.Equal(t, StateInactive, st.Kind)
	assert.False(t, st.InFlight)
	assert.Zero(t, h.clk.Pending())
}

func TestReactivationDuringFlightResumesAfterCompletion(t *testing.T) {
	t.Parallel()

	exec := &manualExec{}
	h := newHarness(t, exec, nil)
	stop := h.observe()
	stop()
	stop = h.observe()
	defer stop()

	// No second fetch while the first is outstanding.
	exec.mu.Lock()
	assert.Len(t, exec.jobs, 1)
	exec.mu.Unlock()

	exec.runNext(t)
	h.settle()
	assert.Empty(t, h.poller.Value().Get(), "stale result is dropped")

	exec.runNext(t)
	h.settle()
	assert.Equal(t, 2, h.fetcher.count())
	assert.Len(t, h.poller.Value().Get(), 1)
	assert.Equal(t, StatePolling, h.poller.State().Kind)
}

func TestDecodeFailureCountsAsFailedPoll(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(t0)
	loop := eventloop.New(clk)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	defer func() {
		cancel()
		<-loop.Done()
	}()

	p := NewPoller(Config{URL: "x"}, loop, nil, fetchFunc(func() ([]byte, error) {
		return []byte(`{"not":"an array"}`), nil
	}))
	_, unsub := p.Value().Subscribe()
	defer unsub()
	for range 4 {
		loop.Do(func() {})
	}

	st := p.State()
	assert.Equal(t, StateBackoff, st.Kind)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, t0.Add(30*time.Second), st.NextRefresh)
}

type fetchFunc func() ([]byte, error)

func (f fetchFunc) Get(context.Context, string) ([]byte, error) { return f() }
