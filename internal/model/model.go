package model

import (
	"strings"
	"time"
)

// Day is one conference day as announced by the schedule feed.
type Day struct {
	Index int `json:"index"`
	// Date is midnight of the day in the conference location.
	Date time.Time `json:"date"`
}

// Key returns a stable identifier for the day ("2024-02-03").
func (d Day) Key() string {
	return d.Date.Format(time.DateOnly)
}

// TrackType is the category of a track.
type TrackType string

const (
	TrackOther         TrackType = "other"
	TrackKeynote       TrackType = "keynote"
	TrackMainTrack     TrackType = "maintrack"
	TrackDevroom       TrackType = "devroom"
	TrackLightningTalk TrackType = "lightningtalk"
	TrackCertification TrackType = "certification"
)

// ParseTrackType maps a feed token to a TrackType. Unknown tokens degrade to
// TrackOther.
func ParseTrackType(s string) TrackType {
	switch t := TrackType(strings.TrimSpace(s)); t {
	case TrackKeynote, TrackMainTrack, TrackDevroom, TrackLightningTalk, TrackCertification, TrackOther:
		return t
	default:
		return TrackOther
	}
}

// Track groups events. Identity is structural: two tracks with the same name
// and type are the same track, whether or not they share a pointer.
type Track struct {
	Name string    `json:"name"`
	Type TrackType `json:"type"`
}

// Equal reports structural equality; nil tracks are only equal to each other.
func (t *Track) Equal(o *Track) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Name == o.Name && t.Type == o.Type
}

// Person is a speaker or contributor.
type Person struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Link is a hyperlink attached to an event.
type Link struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Event is one schedule item as produced by the feed parser. It is immutable
// once handed to a storage sink.
type Event struct {
	ID       int64  `json:"id"`
	Day      Day    `json:"day"`
	RoomName string `json:"room_name"`

	// StartTime and EndTime are nil when the feed does not provide them.
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle,omitempty"`
	Abstract    string `json:"abstract,omitempty"`
	Description string `json:"description,omitempty"`

	Track   *Track   `json:"track"`
	Persons []Person `json:"persons,omitempty"`
	Links   []Link   `json:"links,omitempty"`
}

// Duration returns EndTime-StartTime, or zero if either is unknown.
func (e *Event) Duration() time.Duration {
	if e.StartTime == nil || e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(*e.StartTime)
}

// FreshnessTag is an opaque validator (Last-Modified value) replayed on the
// next schedule request. The empty tag means none is known.
type FreshnessTag string
