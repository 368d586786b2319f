// Package app wires the schedule synchronization and room status components
// into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"confsync/internal/clock"
	"confsync/internal/config"
	"confsync/internal/daywindow"
	"confsync/internal/eventloop"
	"confsync/internal/ics"
	appLog "confsync/internal/log"
	"confsync/internal/model"
	"confsync/internal/roomstatus"
	"confsync/internal/schedule"
	"confsync/internal/store"
	"confsync/internal/transport"
	"confsync/internal/web"
	"confsync/internal/workers"
)

// ErrSyncInProgress is returned by SyncOnce when another run holds the
// coordinator.
var ErrSyncInProgress = errors.New("app: sync already in progress")

// Option customizes App construction.
type Option func(*options)

type options struct {
	clock      clock.Clock
	httpClient *http.Client
}

// WithClock replaces the wall clock driving the event loop.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHTTPClient replaces the HTTP client used for both feeds.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// App owns every long-lived component.
type App struct {
	cfg *config.Config
	loc *time.Location

	store       *store.Store
	client      *transport.Client
	pool        *workers.Pool
	loop        *eventloop.Loop
	coordinator *schedule.Coordinator
	poller      *roomstatus.Poller
	window      *daywindow.Scheduler
	server      *web.Server
}

// New validates cfg and builds the component graph. The store is opened
// immediately; call Close when done.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	client := transport.NewClient(cfg.Schedule.Timeout)
	if o.httpClient != nil {
		client = transport.NewClientWith(o.httpClient)
	}

	a := &App{
		cfg:    cfg,
		loc:    loc,
		store:  st,
		client: client,
		pool:   workers.NewPool(cfg.Workers),
		loop:   eventloop.New(o.clock),
	}

	a.coordinator = schedule.New(cfg.Schedule.URL, client, st, a.pool, schedule.WithLocation(loc))
	a.poller = roomstatus.NewPoller(roomstatus.Config{
		URL:             cfg.RoomStatus.URL,
		RefreshInterval: cfg.RoomStatus.RefreshInterval,
		ExpirationDelay: cfg.RoomStatus.ExpirationDelay,
		FirstErrorDelay: cfg.RoomStatus.FirstErrorDelay,
	}, a.loop, a.pool, client)

	start, end := cfg.DayHours()
	a.window = daywindow.NewScheduler(daywindow.Config{
		Start:    start,
		End:      end,
		Location: loc,
	}, a.loop, st.Days(), a.poller.Value())

	a.server = web.NewServer(cfg, web.Deps{
		Sync:      a.coordinator,
		Events:    st,
		Rooms:     a.window.Value(),
		RoomState: a.poller.State,
		Calendar: ics.Options{
			Name:      "Conference schedule",
			Timezone:  cfg.Timezone,
			UIDDomain: "confsync",
		},
	})
	return a, nil
}

// Store returns the schedule store.
func (a *App) Store() *store.Store { return a.store }

// Coordinator returns the schedule sync coordinator.
func (a *App) Coordinator() *schedule.Coordinator { return a.coordinator }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run starts background processing and serves HTTP until ctx is cancelled.
// A sync is triggered at startup and then on the configured cron schedule.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.loop.Start(ctx)

	if a.cfg.AutoSyncEnabled() {
		c := cron.New(cron.WithLocation(a.loc), cron.WithLogger(cronLogger{appLog.WithComponent("cron")}))
		if _, err := c.AddFunc(a.cfg.Schedule.RefreshCron, func() {
			a.coordinator.TriggerSync(ctx)
		}); err != nil {
			return fmt.Errorf("app: schedule refresh %q: %w", a.cfg.Schedule.RefreshCron, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		appLog.Info("automatic schedule sync enabled", "cron", a.cfg.Schedule.RefreshCron, "timezone", a.loc.String())
	}

	a.coordinator.TriggerSync(ctx)

	err := a.server.Start(ctx)

	cancel()
	a.poller.Close()
	<-a.loop.Done()
	appLog.Info("waiting for background jobs")
	if werr := a.pool.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// SyncOnce runs one synchronization on the calling goroutine.
func (a *App) SyncOnce(ctx context.Context) (model.SyncOutcome, error) {
	outcome, ok := a.coordinator.Sync(ctx)
	if !ok {
		return model.SyncOutcome{}, ErrSyncInProgress
	}
	return outcome, nil
}

// FetchRoomStatus downloads and decodes the room status feed once.
func (a *App) FetchRoomStatus(ctx context.Context) (model.RoomStatuses, error) {
	data, err := a.client.Get(ctx, a.cfg.RoomStatus.URL)
	if err != nil {
		return nil, err
	}
	return roomstatus.Decode(data)
}

// DayWindow reports the stored conference days and the window at now.
func (a *App) DayWindow(now time.Time) ([]model.Day, daywindow.Window) {
	days := a.store.Days().Get()
	return days, a.window.Evaluate(days, now)
}

// Location is the conference time zone.
func (a *App) Location() *time.Location { return a.loc }

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// cronLogger adapts the component logger to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
