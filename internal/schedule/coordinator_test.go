package schedule

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confsync/internal/feed"
	"confsync/internal/model"
	"confsync/internal/transport"
	"confsync/internal/workers"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<schedule>
  <day index="1" date="2024-02-03">
    <room name="Janson">
      <event id="1"><start>10:00</start><duration>01:30</duration><title>One</title><track>K</track><type>keynote</type></event>
      <event id="2"><start>11:30</start><duration>00:30</duration><title>Two</title><track>K</track><type>keynote</type></event>
      <event id="3"><start>12:00</start><duration>00:30</duration><title>Three</title><track>Go</track><type>devroom</type></event>
    </room>
  </day>
</schedule>`

// memSink records what the coordinator hands to it.
type memSink struct {
	mu        sync.Mutex
	tag       model.FreshnessTag
	tagErr    error
	storeErr  error
	calls     int
	stored    []int64
	storedTag model.FreshnessTag

	// onRecord runs for every record consumed.
	onRecord func()
}

func (s *memSink) FreshnessTag(context.Context) (model.FreshnessTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag, s.tagErr
}

func (s *memSink) StoreIncremental(_ context.Context, records iter.Seq2[*model.Event, error], tag model.FreshnessTag) (int, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	var ids []int64
	for ev, err := range records {
		if err != nil {
			return 0, err
		}
		if s.onRecord != nil {
			s.onRecord()
		}
		ids = append(ids, ev.ID)
	}
	if s.storeErr != nil {
		return 0, s.storeErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = ids
	s.tag = tag
	s.storedTag = tag
	return len(ids), nil
}

func (s *memSink) storeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newFeedServer(t *testing.T, body string, lastModified string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lastModified != "" && r.Header.Get("If-Modified-Since") == lastModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if lastModified != "" {
			w.Header().Set("Last-Modified", lastModified)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = io.WriteString(w, body)
	}))
	srv.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(srv.Close)
	return srv
}

const lm = "Sat, 03 Feb 2024 08:00:00 GMT"

func TestSyncSuccess(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, feedXML, lm)
	sink := &memSink{}
	c := New(srv.URL, transport.NewClient(time.Second), sink, workers.Inline{})

	var seen []int
	sink.onRecord = func() { seen = append(seen, c.Progress().Get()) }

	outcome, ok := c.Sync(context.Background())
	require.True(t, ok)
	assert.Equal(t, model.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 3, outcome.Count)
	assert.Equal(t, []int64{1, 2, 3}, sink.stored)
	assert.Equal(t, model.FreshnessTag(lm), sink.storedTag)

	// Nothing reached 100 before the run finished.
	for _, p := range seen {
		assert.GreaterOrEqual(t, p, ProgressIndeterminate)
		assert.Less(t, p, 100)
	}
	assert.Equal(t, 100, c.Progress().Get())
	assert.False(t, c.InProgress())

	published := c.Outcome().Get()
	require.NotNil(t, published)
	got, ok := published.Consume()
	require.True(t, ok)
	assert.Equal(t, 3, got.Count)
	_, ok = published.Consume()
	assert.False(t, ok)
}

func TestSyncUpToDateSkipsStore(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, feedXML, lm)
	sink := &memSink{tag: lm}
	c := New(srv.URL, transport.NewClient(time.Second), sink, workers.Inline{})

	outcome, ok := c.Sync(context.Background())
	require.True(t, ok)
	assert.Equal(t, model.OutcomeUpToDate, outcome.Kind)
	assert.Zero(t, sink.storeCalls())
	assert.Equal(t, 100, c.Progress().Get())
}

func TestSyncTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := &memSink{}
	c := New(srv.URL, transport.NewClient(time.Second), sink, workers.Inline{})

	outcome, ok := c.Sync(context.Background())
	require.True(t, ok)
	assert.Equal(t, model.OutcomeError, outcome.Kind)

	var terr *transport.TransportError
	require.ErrorAs(t, outcome.Err, &terr)
	assert.Equal(t, http.StatusBadGateway, terr.StatusCode)
	assert.Zero(t, sink.storeCalls())
	assert.Equal(t, 100, c.Progress().Get())
	assert.False(t, c.InProgress())
}

func TestSyncParseError(t *testing.T) {
	t.Parallel()

	broken := strings.Replace(feedXML, `id="2"`, `id="two"`, 1)
	srv := newFeedServer(t, broken, lm)
	sink := &memSink{}
	c := New(srv.URL, transport.NewClient(time.Second), sink, workers.Inline{})

	outcome, _ := c.Sync(context.Background())
	assert.Equal(t, model.OutcomeError, outcome.Kind)

	var perr *feed.ParseError
	require.ErrorAs(t, outcome.Err, &perr)
	assert.Nil(t, sink.stored)
	assert.Empty(t, sink.storedTag)
}

func TestSyncStorageErrors(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, feedXML, lm)

	t.Run("tag read", func(t *testing.T) {
		sink := &memSink{tagErr: errors.New("disk gone")}
		c := New(srv.URL, transport.NewClient(time.Second), sink, nil)

		outcome, _ := c.Sync(context.Background())
		var serr *StorageError
		require.ErrorAs(t, outcome.Err, &serr)
		assert.Equal(t, "read freshness tag", serr.Op)
	})

	t.Run("store", func(t *testing.T) {
		sink := &memSink{storeErr: errors.New("constraint violation")}
		c := New(srv.URL, transport.NewClient(time.Second), sink, nil)

		outcome, _ := c.Sync(context.Background())
		var serr *StorageError
		require.ErrorAs(t, outcome.Err, &serr)
		assert.Equal(t, "store records", serr.Op)
		assert.EqualError(t, errors.Unwrap(serr), "constraint violation")
	})
}

// blockingFetcher parks every fetch until released.
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) FetchConditional(context.Context, string, model.FreshnessTag, transport.ProgressFunc) (*transport.Response, error) {
	f.entered <- struct{}{}
	<-f.release
	return &transport.Response{NotModified: true}, nil
}

func TestTriggerSyncIsSingleFlight(t *testing.T) {
	t.Parallel()

	fetcher := &blockingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	pool := workers.NewPool(4)
	c := New("http://feed.invalid/schedule.xml", fetcher, &memSink{}, pool)

	require.True(t, c.TriggerSync(context.Background()))
	<-fetcher.entered
	assert.True(t, c.InProgress())
	assert.Equal(t, ProgressIndeterminate, c.Progress().Get())

	assert.False(t, c.TriggerSync(context.Background()))
	_, ok := c.Sync(context.Background())
	assert.False(t, ok)

	close(fetcher.release)
	require.NoError(t, pool.Wait())
	assert.False(t, c.InProgress())

	got, ok := c.Outcome().Get().Consume()
	require.True(t, ok)
	assert.Equal(t, model.OutcomeUpToDate, got.Kind)

	// A new run may start right away.
	require.True(t, c.TriggerSync(context.Background()))
	<-fetcher.entered
	require.NoError(t, pool.Wait())
}

func TestTriggerSyncSurvivesCallerCancel(t *testing.T) {
	t.Parallel()

	fetcher := &blockingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	pool := workers.NewPool(1)
	c := New("http://feed.invalid", fetcher, &memSink{}, pool)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, c.TriggerSync(ctx))
	<-fetcher.entered
	cancel()
	close(fetcher.release)
	require.NoError(t, pool.Wait())

	got, ok := c.Outcome().Get().Consume()
	require.True(t, ok)
	assert.Equal(t, model.OutcomeUpToDate, got.Kind)
}

func TestProgressFuncCapsAt99(t *testing.T) {
	t.Parallel()

	c := New("", nil, nil, nil)
	fn := c.progressFunc()

	fn(10, 0)
	assert.Equal(t, 0, c.Progress().Get(), "unknown total publishes nothing")

	fn(50, 200)
	assert.Equal(t, 25, c.Progress().Get())
	fn(200, 200)
	assert.Equal(t, 99, c.Progress().Get())
}

// heldExec queues jobs until the test runs them.
type heldExec struct {
	mu   sync.Mutex
	jobs []func()
}

func (h *heldExec) Go(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, fn)
}

func (h *heldExec) runAll() {
	h.mu.Lock()
	jobs := h.jobs
	h.jobs = nil
	h.mu.Unlock()
	for _, fn := range jobs {
		fn()
	}
}

func TestQueuedRunDoesNotShowPreviousCompletion(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, feedXML, lm)
	exec := &heldExec{}
	c := New(srv.URL, transport.NewClient(time.Second), &memSink{}, exec)

	_, ok := c.Sync(context.Background())
	require.True(t, ok)
	require.Equal(t, 100, c.Progress().Get())

	require.True(t, c.TriggerSync(context.Background()))
	assert.Equal(t, ProgressIndeterminate, c.Progress().Get(), "accepted run still waiting for a worker")
	assert.True(t, c.InProgress())

	exec.runAll()
	assert.Equal(t, 100, c.Progress().Get())
	assert.False(t, c.InProgress())
	got, ok := c.Outcome().Get().Consume()
	require.True(t, ok)
	assert.Equal(t, model.OutcomeUpToDate, got.Kind)
}

// progressLog collects every value a Progress subscriber receives.
type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (l *progressLog) add(v int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = append(l.values, v)
}

func (l *progressLog) snapshot() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.values...)
}

func (l *progressLog) last() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.values) == 0 {
		return 0, false
	}
	return l.values[len(l.values)-1], true
}

// gatedFetcher waits for the subscriber to see the indeterminate marker
// before downloading, so the marker cannot be conflated away.
type gatedFetcher struct {
	t    *testing.T
	log  *progressLog
	next Fetcher
}

func (g *gatedFetcher) FetchConditional(ctx context.Context, url string, tag model.FreshnessTag, progress transport.ProgressFunc) (*transport.Response, error) {
	assert.Eventually(g.t, func() bool {
		v, ok := g.log.last()
		return ok && v == ProgressIndeterminate
	}, time.Second, time.Millisecond)
	return g.next.FetchConditional(ctx, url, tag, progress)
}

func TestProgressSubscriberSeesSingleCompletion(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t, feedXML, lm)
	log := &progressLog{}
	fetcher := &gatedFetcher{t: t, log: log, next: transport.NewClient(time.Second)}
	c := New(srv.URL, fetcher, &memSink{}, workers.Inline{})

	ch, cancel := c.Progress().Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range ch {
			log.add(v)
		}
	}()
	require.Eventually(t, func() bool {
		_, ok := log.last()
		return ok
	}, time.Second, time.Millisecond)

	outcome, ok := c.Sync(context.Background())
	require.True(t, ok)
	require.Equal(t, model.OutcomeSuccess, outcome.Kind)

	require.Eventually(t, func() bool {
		v, ok := log.last()
		return ok && v == 100
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	values := log.snapshot()
	require.GreaterOrEqual(t, len(values), 3)
	assert.Equal(t, 0, values[0], "primed with the value before the run")
	assert.Equal(t, ProgressIndeterminate, values[1])
	assert.Equal(t, 100, values[len(values)-1])

	completions := 0
	for _, v := range values[1:] {
		assert.GreaterOrEqual(t, v, ProgressIndeterminate)
		assert.LessOrEqual(t, v, 100)
		if v == 100 {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
}
