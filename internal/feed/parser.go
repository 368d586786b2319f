// Package feed parses the conference schedule XML feed as a stream.
//
// The document is walked token by token; only the event currently being
// built is held in memory. Layout of the feed:
//
//	<schedule>
//	  <conference>...</conference>
//	  <day index="1" date="2024-02-03">
//	    <room name="Janson">
//	      <event id="15185">
//	        <start>09:30</start>
//	        <duration>00:25</duration>
//	        <slug>keynotes_welcome</slug>
//	        <title>Welcome</title>
//	        <track>Keynotes</track>
//	        <type>keynote</type>
//	        <persons><person id="6">FOSDEM Staff</person></persons>
//	        <links><link href="https://...">Slides</link></links>
//	      </event>
//	    </room>
//	  </day>
//	</schedule>
//
// Day and room act as running context for the events that follow them.
package feed

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	appLog "confsync/internal/log"
	"confsync/internal/model"
)

// ParseError reports a structurally invalid feed. Parsing stops at the first
// ParseError.
type ParseError struct {
	Line   int
	Column int
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feed: line %d col %d: %s: %v", e.Line, e.Column, e.Msg, e.Err)
	}
	return fmt.Sprintf("feed: line %d col %d: %s", e.Line, e.Column, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

type parserState int

const (
	stateHeader parserState = iota // before <schedule>
	stateBody                      // inside <schedule>
	stateFooter                    // after </schedule>
	stateDone
)

// Option configures a Parser.
type Option func(*Parser)

// WithLocation sets the time zone in which day dates and wall-clock start
// times are interpreted. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(p *Parser) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// Parser is a forward-only cursor over the events of one feed document:
//
//	p := feed.NewParser(body)
//	for p.Next() {
//		ev := p.Event()
//		...
//	}
//	if err := p.Err(); err != nil { ... }
//
// A Parser cannot be rewound; parse again by creating a new one over a
// fresh stream.
type Parser struct {
	dec   *xml.Decoder
	loc   *time.Location
	state parserState

	day       *model.Day
	room      string
	prevTrack *model.Track

	event *model.Event
	count int
	err   error
}

// NewParser returns a Parser reading from r.
func NewParser(r io.Reader, opts ...Option) *Parser {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	// Abstracts and descriptions commonly carry HTML named entities.
	dec.Entity = xml.HTMLEntity

	p := &Parser{dec: dec, loc: time.UTC}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next advances to the next event. It returns false at the end of the
// document or on the first error; Err distinguishes the two.
func (p *Parser) Next() bool {
	p.event = nil
	for p.err == nil {
		switch p.state {
		case stateHeader:
			p.scanHeader()
		case stateBody:
			if ev := p.scanBody(); ev != nil {
				p.event = ev
				p.count++
				return true
			}
		case stateFooter:
			p.scanFooter()
		case stateDone:
			return false
		}
	}
	return false
}

// Event returns the event produced by the last successful Next.
func (p *Parser) Event() *model.Event { return p.event }

// Err returns the first error encountered, or nil after a clean end.
func (p *Parser) Err() error { return p.err }

// Count returns the number of events produced so far.
func (p *Parser) Count() int { return p.count }

// All adapts the cursor to a range-over-func sequence. A parse failure is
// yielded once, as the last element, with a nil event.
func (p *Parser) All() iter.Seq2[*model.Event, error] {
	return func(yield func(*model.Event, error) bool) {
		for p.Next() {
			if !yield(p.Event(), nil) {
				return
			}
		}
		if err := p.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (p *Parser) scanHeader() {
	tok, err := p.token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			p.fail(p.errorf("no <schedule> element in document", nil))
		} else {
			p.fail(err)
		}
		return
	}
	if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "schedule" {
		p.state = stateBody
	}
}

// scanBody consumes tokens until it has built one event or left the body.
func (p *Parser) scanBody() *model.Event {
	for {
		tok, err := p.token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = p.errorf("unexpected end of document inside <schedule>", nil)
			}
			p.fail(err)
			return nil
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "day":
				day, err := p.parseDay(t)
				if err != nil {
					p.fail(err)
					return nil
				}
				p.day = &day
			case "room":
				p.room = attr(t, "name")
			case "event":
				ev, err := p.parseEvent(t)
				if err != nil {
					p.fail(err)
					return nil
				}
				return ev
			default:
				if err := p.skip(); err != nil {
					p.fail(err)
					return nil
				}
			}
		case xml.EndElement:
			if t.Name.Local == "schedule" {
				p.state = stateFooter
				return nil
			}
		}
	}
}

// scanFooter drains the rest of the document so that trailing garbage is
// still reported.
func (p *Parser) scanFooter() {
	for {
		_, err := p.token()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			p.state = stateDone
			appLog.Debug("feed parse completed", "event_count", p.count)
			return
		}
		p.fail(err)
		return
	}
}

func (p *Parser) parseDay(se xml.StartElement) (model.Day, error) {
	index, err := strconv.Atoi(strings.TrimSpace(attr(se, "index")))
	if err != nil {
		return model.Day{}, p.errorf("invalid day index", err)
	}
	date, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(attr(se, "date")), p.loc)
	if err != nil {
		return model.Day{}, p.errorf("invalid day date", err)
	}
	return model.Day{Index: index, Date: date}, nil
}

func (p *Parser) parseEvent(se xml.StartElement) (*model.Event, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(attr(se, "id")), 10, 64)
	if err != nil {
		return nil, p.errorf("invalid event id", err)
	}
	if p.day == nil {
		return nil, p.errorf(fmt.Sprintf("event %d outside of a <day>", id), nil)
	}

	ev := &model.Event{
		ID:       id,
		Day:      *p.day,
		RoomName: p.room,
	}

	var (
		start     *time.Time
		duration  *time.Duration
		trackName string
		trackType = model.TrackOther
	)

	for {
		tok, err := p.token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = p.errorf("unexpected end of document inside <event>", nil)
			}
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "persons" {
				if ev.Persons, err = p.parsePersons(); err != nil {
					return nil, err
				}
				continue
			}
			if t.Name.Local == "links" {
				if ev.Links, err = p.parseLinks(); err != nil {
					return nil, err
				}
				continue
			}
			if !isEventField(t.Name.Local) {
				if err := p.skip(); err != nil {
					return nil, err
				}
				continue
			}

			text, err := p.text()
			if err != nil {
				return nil, err
			}
			switch t.Name.Local {
			case "start":
				start = p.startTime(ev.Day, text)
			case "duration":
				if text == "" {
					continue
				}
				d, err := parseHHMM(text)
				if err != nil {
					return nil, p.errorf(fmt.Sprintf("invalid duration for event %d", id), err)
				}
				duration = &d
			case "slug":
				ev.Slug = text
			case "title":
				ev.Title = text
			case "subtitle":
				ev.Subtitle = text
			case "abstract":
				ev.Abstract = text
			case "description":
				ev.Description = text
			case "track":
				trackName = text
			case "type":
				trackType = model.ParseTrackType(text)
				if trackType == model.TrackOther && text != string(model.TrackOther) {
					appLog.Debug("feed unknown track type", "event_id", id, "type", text)
				}
			}

		case xml.EndElement:
			if t.Name.Local != "event" {
				continue
			}
			ev.StartTime = start
			if start != nil && duration != nil {
				end := start.Add(*duration)
				ev.EndTime = &end
			}
			ev.Track = p.internTrack(trackName, trackType)
			return ev, nil
		}
	}
}

func isEventField(name string) bool {
	switch name {
	case "start", "duration", "slug", "title", "subtitle", "abstract", "description", "track", "type":
		return true
	}
	return false
}

// internTrack reuses the previous event's track when it is the same track,
// so consecutive events in one track share a single allocation.
func (p *Parser) internTrack(name string, typ model.TrackType) *model.Track {
	if p.prevTrack != nil && p.prevTrack.Name == name && p.prevTrack.Type == typ {
		return p.prevTrack
	}
	p.prevTrack = &model.Track{Name: name, Type: typ}
	return p.prevTrack
}

// startTime combines the day with a "HH:MM" wall-clock value. A missing or
// unreadable value leaves the start unknown.
func (p *Parser) startTime(day model.Day, text string) *time.Time {
	if text == "" {
		return nil
	}
	offset, err := parseHHMM(text)
	if err != nil {
		appLog.Debug("feed ignoring unreadable start time", "value", text)
		return nil
	}
	d := day.Date.In(p.loc)
	hours := int(offset / time.Hour)
	minutes := int((offset % time.Hour) / time.Minute)
	t := time.Date(d.Year(), d.Month(), d.Day(), hours, minutes, 0, 0, p.loc)
	return &t
}

func (p *Parser) parsePersons() ([]model.Person, error) {
	var persons []model.Person
	for {
		tok, err := p.token()
		if err != nil {
			return nil, p.eofAsError(err, "<persons>")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "person" {
				if err := p.skip(); err != nil {
					return nil, err
				}
				continue
			}
			id, err := strconv.ParseInt(strings.TrimSpace(attr(t, "id")), 10, 64)
			if err != nil {
				return nil, p.errorf("invalid person id", err)
			}
			name, err := p.text()
			if err != nil {
				return nil, err
			}
			persons = append(persons, model.Person{ID: id, Name: name})
		case xml.EndElement:
			if t.Name.Local == "persons" {
				return persons, nil
			}
		}
	}
}

func (p *Parser) parseLinks() ([]model.Link, error) {
	var links []model.Link
	for {
		tok, err := p.token()
		if err != nil {
			return nil, p.eofAsError(err, "<links>")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "link" {
				if err := p.skip(); err != nil {
					return nil, err
				}
				continue
			}
			href := strings.TrimSpace(attr(t, "href"))
			desc, err := p.text()
			if err != nil {
				return nil, err
			}
			if href == "" {
				continue
			}
			links = append(links, model.Link{URL: href, Description: desc})
		case xml.EndElement:
			if t.Name.Local == "links" {
				return links, nil
			}
		}
	}
}

// text returns the character data of the element whose start tag was just
// read, consuming its end tag. Nested elements are skipped.
func (p *Parser) text() (string, error) {
	var b strings.Builder
	for {
		tok, err := p.token()
		if err != nil {
			return "", p.eofAsError(err, "text element")
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.StartElement:
			if err := p.skip(); err != nil {
				return "", err
			}
		case xml.EndElement:
			return strings.TrimSpace(b.String()), nil
		}
	}
}

func (p *Parser) token() (xml.Token, error) {
	tok, err := p.dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, p.errorf("malformed document", err)
	}
	return tok, nil
}

func (p *Parser) skip() error {
	if err := p.dec.Skip(); err != nil {
		return p.errorf("malformed document", err)
	}
	return nil
}

func (p *Parser) eofAsError(err error, where string) error {
	if errors.Is(err, io.EOF) {
		return p.errorf("unexpected end of document inside "+where, nil)
	}
	return err
}

func (p *Parser) errorf(msg string, err error) *ParseError {
	line, col := p.dec.InputPos()
	return &ParseError{Line: line, Column: col, Msg: msg, Err: err}
}

func (p *Parser) fail(err error) {
	if p.err == nil {
		p.err = err
		p.event = nil
	}
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// parseHHMM parses "HH:MM" into a duration.
func parseHHMM(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, err
	}
	if h < 0 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range time value %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
