// Package schedule synchronizes the conference schedule: it fetches the feed
// conditionally, streams it through the parser and hands the records to a
// storage sink. At most one synchronization runs at a time.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"confsync/internal/feed"
	appLog "confsync/internal/log"
	"confsync/internal/metrics"
	"confsync/internal/model"
	"confsync/internal/observable"
	"confsync/internal/transport"
	"confsync/internal/workers"
)

// ProgressIndeterminate is published when a run starts and the total size
// of the download is not known yet.
const ProgressIndeterminate = -1

// Fetcher performs the conditional schedule download. *transport.Client
// implements it.
type Fetcher interface {
	FetchConditional(ctx context.Context, url string, tag model.FreshnessTag, progress transport.ProgressFunc) (*transport.Response, error)
}

// Sink persists parsed records.
type Sink interface {
	// FreshnessTag returns the tag stored by the last successful sync, or
	// "" if none.
	FreshnessTag(ctx context.Context) (model.FreshnessTag, error)

	// StoreIncremental consumes records in order and persists them together
	// with tag. If the sequence yields an error the sink must stop and
	// return an error wrapping it. It returns the number of records stored.
	StoreIncremental(ctx context.Context, records iter.Seq2[*model.Event, error], tag model.FreshnessTag) (int, error)
}

// StorageError reports a failure of the Sink.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("schedule: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLocation sets the conference time zone passed to the parser.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// Coordinator runs schedule synchronizations, one at a time.
type Coordinator struct {
	url     string
	fetcher Fetcher
	sink    Sink
	exec    workers.Executor
	loc     *time.Location

	inProgress atomic.Bool
	progress   *observable.Value[int]
	outcome    *observable.Value[*observable.Consumable[model.SyncOutcome]]
}

// New creates a Coordinator downloading url. Runs started by TriggerSync are
// executed on exec.
func New(url string, fetcher Fetcher, sink Sink, exec workers.Executor, opts ...Option) *Coordinator {
	if exec == nil {
		exec = workers.Inline{}
	}
	c := &Coordinator{
		url:      url,
		fetcher:  fetcher,
		sink:     sink,
		exec:     exec,
		loc:      time.UTC,
		progress: observable.NewValue(0),
		outcome:  observable.NewValue[*observable.Consumable[model.SyncOutcome]](nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Progress publishes the progress of the current or last run:
// ProgressIndeterminate, then percentages, then exactly one 100.
func (c *Coordinator) Progress() *observable.Value[int] { return c.progress }

// Outcome publishes the terminal result of the last run. Each result is
// wrapped so that it can be acted upon only once. Nil until the first run
// ends.
func (c *Coordinator) Outcome() *observable.Value[*observable.Consumable[model.SyncOutcome]] {
	return c.outcome
}

// InProgress reports whether a run is underway.
func (c *Coordinator) InProgress() bool { return c.inProgress.Load() }

// TriggerSync starts a run on the executor and returns true, or returns
// false without doing anything if a run is already underway. The run is not
// cancelled when ctx is.
func (c *Coordinator) TriggerSync(ctx context.Context) bool {
	if !c.inProgress.CompareAndSwap(false, true) {
		metrics.SyncRejectedTotal.Inc()
		appLog.Debug("schedule sync already in progress")
		return false
	}
	// Published before the hand-off so that an accepted run never shows the
	// previous run's 100 while it waits for a worker.
	c.progress.Set(ProgressIndeterminate)
	runCtx := context.WithoutCancel(ctx)
	c.exec.Go(func() {
		c.run(runCtx)
	})
	return true
}

// Sync runs synchronously under the same admission control as TriggerSync.
// The boolean is false when another run was already underway.
func (c *Coordinator) Sync(ctx context.Context) (model.SyncOutcome, bool) {
	if !c.inProgress.CompareAndSwap(false, true) {
		metrics.SyncRejectedTotal.Inc()
		return model.SyncOutcome{}, false
	}
	c.progress.Set(ProgressIndeterminate)
	return c.run(ctx), true
}

// run executes one synchronization. The caller has set inProgress and
// published ProgressIndeterminate; inProgress is cleared as the very last
// step.
func (c *Coordinator) run(ctx context.Context) model.SyncOutcome {
	defer func() {
		metrics.SyncInProgress.Set(0)
		c.inProgress.Store(false)
	}()

	runID := uuid.NewString()
	timer := metrics.NewTimer()
	metrics.SyncInProgress.Set(1)
	appLog.Info("schedule sync started", "run_id", runID, "url", transport.RedactURL(c.url))

	outcome := c.execute(ctx, runID)
	c.progress.Set(100)

	timer.ObserveDuration(metrics.SyncDuration)
	metrics.SyncRunsTotal.WithLabelValues(outcome.Kind.String()).Inc()

	switch outcome.Kind {
	case model.OutcomeSuccess:
		metrics.SyncRecords.Set(float64(outcome.Count))
		appLog.Info("schedule sync completed", "run_id", runID, "records", outcome.Count, "duration", timer.Duration().String())
	case model.OutcomeUpToDate:
		appLog.Info("schedule already up to date", "run_id", runID)
	default:
		appLog.Error("schedule sync failed", outcome.Err, "run_id", runID, "error_kind", errorKind(outcome.Err))
	}

	c.outcome.Set(observable.NewConsumable(outcome))
	return outcome
}

func (c *Coordinator) execute(ctx context.Context, runID string) model.SyncOutcome {
	tag, err := c.sink.FreshnessTag(ctx)
	if err != nil {
		return model.Failure(&StorageError{Op: "read freshness tag", Err: err})
	}

	resp, err := c.fetcher.FetchConditional(ctx, c.url, tag, c.progressFunc())
	if err != nil {
		return model.Failure(err)
	}
	if resp.NotModified {
		return model.UpToDate()
	}
	defer resp.Body.Close()

	appLog.Debug("schedule streaming into storage", "run_id", runID, "content_length", resp.ContentLength)

	parser := feed.NewParser(resp.Body, feed.WithLocation(c.loc))
	count, err := c.sink.StoreIncremental(ctx, parser.All(), resp.Tag)
	if err != nil {
		return model.Failure(classify(err))
	}
	return model.Success(count)
}

// progressFunc converts byte counts into coarse percentages. Values are
// capped at 99 so that the 100 published at the end of the run is the only
// one.
func (c *Coordinator) progressFunc() transport.ProgressFunc {
	last := ProgressIndeterminate
	return func(read, total int64) {
		if total <= 0 {
			return
		}
		pct := int(read * 100 / total)
		pct = min(pct, 99)
		if pct != last {
			last = pct
			c.progress.Set(pct)
		}
	}
}

// classify keeps transport and parse failures as they are and attributes
// everything else to the sink.
func classify(err error) error {
	var terr *transport.TransportError
	if errors.As(err, &terr) {
		return terr
	}
	var perr *feed.ParseError
	if errors.As(err, &perr) {
		return perr
	}
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr
	}
	return &StorageError{Op: "store records", Err: err}
}

func errorKind(err error) string {
	var terr *transport.TransportError
	var perr *feed.ParseError
	var serr *StorageError
	switch {
	case errors.As(err, &terr):
		return "transport"
	case errors.As(err, &perr):
		return "parse"
	case errors.As(err, &serr):
		return "storage"
	default:
		return "unknown"
	}
}
