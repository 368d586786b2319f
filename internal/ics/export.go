// Package ics renders the stored schedule as an iCalendar feed so that it can
// be subscribed to from calendar applications.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "confsync/internal/log"
	"confsync/internal/model"
)

// Options controls calendar level properties.
type Options struct {
	// Name is shown by calendar clients (X-WR-CALNAME).
	Name string
	// Timezone is the IANA zone advertised as X-WR-TIMEZONE.
	Timezone string
	// UIDDomain is the right-hand side of every event UID.
	UIDDomain string
	// Now stamps DTSTAMP; defaults to time.Now.
	Now time.Time
}

// Build creates a VCALENDAR with one VEVENT per event. Events without a
// known start time cannot be placed on a calendar and are left out.
func Build(events []*model.Event, opts Options) *ical.Calendar {
	if opts.UIDDomain == "" {
		opts.UIDDomain = "confsync"
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//confsync//schedule//EN")
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
		cal.SetName(opts.Name)
	}
	if opts.Timezone != "" {
		cal.SetXWRTimezone(opts.Timezone)
	}

	skipped := 0
	for _, ev := range events {
		if ev.StartTime == nil {
			skipped++
			continue
		}
		addEvent(cal, ev, opts)
	}
	if skipped > 0 {
		appLog.Debug("ics export skipped events without start time", "count", skipped)
	}
	return cal
}

// Export writes the calendar for events to w.
func Export(w io.Writer, events []*model.Event, opts Options) error {
	cal := Build(events, opts)
	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("ics: write calendar: %w", err)
	}
	return nil
}

// UID returns the iCalendar UID of an event.
func UID(ev *model.Event, domain string) string {
	return fmt.Sprintf("%d@%s", ev.ID, domain)
}

func addEvent(cal *ical.Calendar, ev *model.Event, opts Options) {
	ve := cal.AddEvent(UID(ev, opts.UIDDomain))
	ve.SetDtStampTime(opts.Now)
	ve.SetStartAt(*ev.StartTime)
	if ev.EndTime != nil {
		ve.SetEndAt(*ev.EndTime)
	}

	summary := ev.Title
	if ev.Subtitle != "" {
		summary += " - " + ev.Subtitle
	}
	ve.SetSummary(summary)
	if ev.RoomName != "" {
		ve.SetLocation(ev.RoomName)
	}
	if d := description(ev); d != "" {
		ve.SetDescription(d)
	}
	if ev.Track != nil && ev.Track.Name != "" {
		ve.SetProperty(ical.ComponentPropertyCategories, ev.Track.Name)
	}
	if len(ev.Links) > 0 {
		ve.SetProperty(ical.ComponentPropertyUrl, ev.Links[0].URL)
	}
}

func description(ev *model.Event) string {
	var parts []string
	if ev.Abstract != "" {
		parts = append(parts, ev.Abstract)
	} else if ev.Description != "" {
		parts = append(parts, ev.Description)
	}
	if len(ev.Persons) > 0 {
		names := make([]string, 0, len(ev.Persons))
		for _, p := range ev.Persons {
			names = append(names, p.Name)
		}
		parts = append(parts, "Speakers: "+strings.Join(names, ", "))
	}
	return strings.Join(parts, "\n\n")
}
