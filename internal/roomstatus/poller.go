package roomstatus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"confsync/internal/eventloop"
	appLog "confsync/internal/log"
	"confsync/internal/metrics"
	"confsync/internal/model"
	"confsync/internal/observable"
	"confsync/internal/transport"
	"confsync/internal/workers"
)

const (
	DefaultRefreshInterval = 90 * time.Second
	DefaultExpirationDelay = 6 * time.Minute
	DefaultFirstErrorDelay = 30 * time.Second
)

// Fetcher downloads the raw room status document. *transport.Client
// implements it.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Config holds the poller timings.
type Config struct {
	URL string
	// RefreshInterval is the delay between successful polls and the upper
	// bound of the retry delay.
	RefreshInterval time.Duration
	// ExpirationDelay is how long a successful result stays valid.
	ExpirationDelay time.Duration
	// FirstErrorDelay is the retry delay after the first failure; it doubles
	// on every further failure.
	FirstErrorDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.ExpirationDelay <= 0 {
		c.ExpirationDelay = DefaultExpirationDelay
	}
	if c.FirstErrorDelay <= 0 {
		c.FirstErrorDelay = DefaultFirstErrorDelay
	}
}

// StateKind is the coarse poller state.
type StateKind int

const (
	// StateInactive: nobody observes the poller; no timers are armed.
	StateInactive StateKind = iota
	// StatePolling: a fetch is running or the next refresh is scheduled
	// after a success.
	StatePolling
	// StateBackoff: the last poll failed and a retry is scheduled.
	StateBackoff
	// StateExpired: the last result outlived its validity and was cleared.
	StateExpired
)

func (k StateKind) String() string {
	switch k {
	case StateInactive:
		return "inactive"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// State is a snapshot of the poller.
type State struct {
	Kind StateKind
	// Attempt counts consecutive failures.
	Attempt int
	// NextRefresh is when the next poll is due; zero before the first poll.
	NextRefresh time.Time
	// ExpiresAt is when the current result expires; zero when there is none.
	ExpiresAt time.Time
	InFlight  bool
}

// Poller periodically fetches room statuses while it has observers. All of
// its state is owned by the event loop.
type Poller struct {
	cfg     Config
	loop    *eventloop.Loop
	exec    workers.Executor
	fetcher Fetcher
	value   *observable.Value[model.RoomStatuses]

	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	active      bool
	inFlight    bool
	generation  uint64
	hasResult   bool
	expired     bool
	attempt     int
	nextRefresh time.Time
	expiresAt   time.Time
	retry       *backoff.ExponentialBackOff
	refreshH    *eventloop.Handle
	expireH     *eventloop.Handle

	snapMu sync.Mutex
	snap   State
}

// NewPoller creates a poller. It becomes active when Value gains its first
// subscriber and inactive when the last one leaves.
func NewPoller(cfg Config, loop *eventloop.Loop, exec workers.Executor, fetcher Fetcher) *Poller {
	cfg.applyDefaults()
	if exec == nil {
		exec = workers.Inline{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		cfg:     cfg,
		loop:    loop,
		exec:    exec,
		fetcher: fetcher,
		value:   observable.NewValue(model.RoomStatuses{}),
		retry:   newRetryBackOff(cfg.FirstErrorDelay, cfg.RefreshInterval),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.value.OnActiveChange(func(active bool) {
		p.loop.Post(func() { p.setActive(active) })
	})
	return p
}

// Value publishes the current room statuses. An empty map means unknown.
func (p *Poller) Value() *observable.Value[model.RoomStatuses] { return p.value }

// State returns a snapshot of the poller state. Safe from any goroutine.
func (p *Poller) State() State {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	return p.snap
}

// Close aborts any running fetch. The poller must not be used afterwards.
func (p *Poller) Close() {
	p.cancel()
}

// newRetryBackOff returns the retry policy: first, 2*first, 4*first, ...
// capped at maxDelay, without jitter.
func newRetryBackOff(first, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     first,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	return b
}

// RetryDelay returns the delay before retrying after attempt previous
// consecutive failures under the poller's retry policy.
func RetryDelay(attempt int, first, maxDelay time.Duration) time.Duration {
	b := newRetryBackOff(first, maxDelay)
	d := b.NextBackOff()
	for i := 0; i < attempt && d != maxDelay; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *Poller) setActive(active bool) {
	if active == p.active {
		return
	}
	p.active = active
	metrics.BoolGauge(metrics.RoomPollerActive, active)

	if !active {
		// Results of a fetch started before this point are discarded.
		p.generation++
		p.refreshH.Cancel()
		p.expireH.Cancel()
		p.refreshH, p.expireH = nil, nil
		p.publishState()
		appLog.Debug("roomstatus poller deactivated", "attempt", p.attempt)
		return
	}

	now := p.loop.Now()
	if p.hasResult && !now.Before(p.expiresAt) {
		p.expire()
	}
	appLog.Debug("roomstatus poller activated", "has_result", p.hasResult, "in_flight", p.inFlight)
	if p.inFlight {
		// The running fetch is stale; its completion resumes the schedule.
		p.publishState()
		return
	}
	p.resume()
}

// resume polls right away when there is no valid result, and otherwise
// re-arms the refresh and expiration timers.
func (p *Poller) resume() {
	if !p.hasResult {
		p.poll()
		return
	}
	at := p.nextRefresh
	if p.expiresAt.Before(at) {
		at = p.expiresAt
	}
	p.armRefresh(at)
	p.armExpiration()
	p.publishState()
}

func (p *Poller) poll() {
	if p.inFlight || !p.active {
		return
	}
	p.refreshH.Cancel()
	p.refreshH = nil
	p.inFlight = true
	p.publishState()

	gen := p.generation
	url := p.cfg.URL
	p.exec.Go(func() {
		data, err := p.fetcher.Get(p.ctx, url)
		var statuses model.RoomStatuses
		if err == nil {
			statuses, err = Decode(data)
		}
		p.loop.Post(func() { p.complete(gen, statuses, err) })
	})
}

func (p *Poller) complete(gen uint64, statuses model.RoomStatuses, err error) {
	p.inFlight = false
	now := p.loop.Now()

	if gen != p.generation {
		metrics.RoomPollsTotal.WithLabelValues("discarded").Inc()
		appLog.Debug("roomstatus discarding result of deactivated poll")
		if p.active {
			if p.hasResult && !now.Before(p.expiresAt) {
				p.expire()
			}
			p.resume()
			return
		}
		p.publishState()
		return
	}

	if err != nil {
		delay := p.retry.NextBackOff()
		p.attempt++
		p.nextRefresh = now.Add(delay)
		metrics.RoomPollsTotal.WithLabelValues("error").Inc()
		appLog.Warn("roomstatus poll failed",
			"error", err.Error(),
			"attempt", p.attempt,
			"retry_in", delay.String(),
			"url", transport.RedactURL(p.cfg.URL))
		p.armRefresh(p.nextRefresh)
		p.publishState()
		return
	}

	p.value.Set(statuses)
	metrics.RoomsKnown.Set(float64(len(statuses)))
	metrics.RoomPollsTotal.WithLabelValues("success").Inc()

	p.hasResult = true
	p.expired = false
	p.attempt = 0
	p.retry.Reset()
	p.expiresAt = now.Add(p.cfg.ExpirationDelay)
	p.nextRefresh = now.Add(p.cfg.RefreshInterval)
	p.armExpiration()
	p.armRefresh(p.nextRefresh)
	p.publishState()
	appLog.Debug("roomstatus poll succeeded", "rooms", len(statuses))
}

func (p *Poller) armRefresh(at time.Time) {
	p.refreshH.Cancel()
	p.refreshH = p.loop.ScheduleAt(at, func() {
		p.refreshH = nil
		p.poll()
	})
}

func (p *Poller) armExpiration() {
	p.expireH.Cancel()
	p.expireH = p.loop.ScheduleAt(p.expiresAt, func() {
		p.expireH = nil
		p.expire()
		p.publishState()
	})
}

// expire drops the current result and publishes an empty mapping.
func (p *Poller) expire() {
	p.expireH.Cancel()
	p.expireH = nil
	if !p.hasResult {
		return
	}
	p.hasResult = false
	p.expired = true
	p.value.Set(model.RoomStatuses{})
	metrics.RoomsKnown.Set(0)
	metrics.RoomStatusExpirations.Inc()
	appLog.Debug("roomstatus data expired")
}

func (p *Poller) kind() StateKind {
	switch {
	case !p.active:
		return StateInactive
	case p.expired:
		return StateExpired
	case p.attempt > 0:
		return StateBackoff
	default:
		return StatePolling
	}
}

func (p *Poller) publishState() {
	s := State{
		Kind:        p.kind(),
		Attempt:     p.attempt,
		NextRefresh: p.nextRefresh,
		InFlight:    p.inFlight,
	}
	if p.hasResult {
		s.ExpiresAt = p.expiresAt
	}
	p.snapMu.Lock()
	p.snap = s
	p.snapMu.Unlock()
}
