package daywindow

import (
	"time"

	"confsync/internal/eventloop"
	appLog "confsync/internal/log"
	"confsync/internal/metrics"
	"confsync/internal/model"
	"confsync/internal/observable"
)

// Config holds the daily opening hours.
type Config struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

func (c *Config) applyDefaults() {
	if c.Start == 0 && c.End == 0 {
		c.Start, c.End = DefaultStart, DefaultEnd
	}
	if c.Location == nil {
		loc, err := time.LoadLocation(DefaultLocation)
		if err != nil {
			loc = time.UTC
		}
		c.Location = loc
	}
}

// Scheduler republishes a room status source while the current time is inside
// a conference day window, and an empty mapping otherwise. It is active only
// while its own Value has subscribers; only then does it watch the days and
// the clock, and only while live does it subscribe to the source, which in
// turn keeps the source's poller running.
type Scheduler struct {
	cfg    Config
	loop   *eventloop.Loop
	days   *observable.Value[[]model.Day]
	source *observable.Value[model.RoomStatuses]
	value  *observable.Value[model.RoomStatuses]

	// loop-owned
	active     bool
	daysGen    uint64
	daysCancel func()
	current    []model.Day
	wakeH      *eventloop.Handle
	live       bool
	srcGen     uint64
	srcCancel  func()
}

// NewScheduler wires days and source together. Evaluation runs on loop.
func NewScheduler(cfg Config, loop *eventloop.Loop, days *observable.Value[[]model.Day], source *observable.Value[model.RoomStatuses]) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:    cfg,
		loop:   loop,
		days:   days,
		source: source,
		value:  observable.NewValue(model.RoomStatuses{}),
	}
	s.value.OnActiveChange(func(active bool) {
		s.loop.Post(func() { s.setActive(active) })
	})
	return s
}

// Value publishes the gated room statuses.
func (s *Scheduler) Value() *observable.Value[model.RoomStatuses] { return s.value }

// Evaluate runs the window computation for the configured hours.
func (s *Scheduler) Evaluate(days []model.Day, now time.Time) Window {
	return Evaluate(days, now, s.cfg.Start, s.cfg.End, s.cfg.Location)
}

func (s *Scheduler) setActive(active bool) {
	if active == s.active {
		return
	}
	s.active = active

	if !active {
		s.daysGen++
		if s.daysCancel != nil {
			s.daysCancel()
			s.daysCancel = nil
		}
		s.wakeH.Cancel()
		s.wakeH = nil
		s.detach()
		return
	}

	s.daysGen++
	gen := s.daysGen
	ch, cancel := s.days.Subscribe()
	s.daysCancel = cancel
	go func() {
		for days := range ch {
			s.loop.Post(func() {
				if s.daysGen != gen {
					return
				}
				s.current = days
				s.evaluate()
			})
		}
	}()
}

func (s *Scheduler) evaluate() {
	if !s.active {
		return
	}
	now := s.loop.Now()
	w := s.Evaluate(s.current, now)

	s.wakeH.Cancel()
	s.wakeH = nil
	if !w.NextWake.IsZero() {
		s.wakeH = s.loop.ScheduleAt(w.NextWake, func() {
			s.wakeH = nil
			s.evaluate()
		})
	}

	if w.Live != s.live {
		appLog.Info("day window changed", "live", w.Live, "next_wake", w.NextWake)
	}
	s.live = w.Live
	metrics.BoolGauge(metrics.DayWindowLive, w.Live)

	if w.Live {
		s.attach()
	} else {
		s.detach()
	}
}

// attach subscribes to the source and forwards its values.
func (s *Scheduler) attach() {
	if s.srcCancel != nil {
		return
	}
	s.srcGen++
	gen := s.srcGen
	ch, cancel := s.source.Subscribe()
	s.srcCancel = cancel
	go func() {
		for v := range ch {
			s.loop.Post(func() {
				if s.srcGen == gen && s.srcCancel != nil {
					s.value.Set(v)
				}
			})
		}
	}()
}

// detach drops the source subscription and publishes an empty mapping.
func (s *Scheduler) detach() {
	if s.srcCancel != nil {
		s.srcCancel()
		s.srcCancel = nil
		s.srcGen++
	}
	s.live = false
	if len(s.value.Get()) > 0 {
		s.value.Set(model.RoomStatuses{})
	}
}
