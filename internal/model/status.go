package model

import (
	"fmt"
	"maps"
)

// OutcomeKind tags a SyncOutcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeUpToDate
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeUpToDate:
		return "up_to_date"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// SyncOutcome is the terminal result of one schedule synchronization run.
type SyncOutcome struct {
	Kind OutcomeKind
	// Count is the number of records stored; only set for OutcomeSuccess.
	Count int
	// Err is only set for OutcomeError.
	Err error
}

func Success(count int) SyncOutcome { return SyncOutcome{Kind: OutcomeSuccess, Count: count} }

func UpToDate() SyncOutcome { return SyncOutcome{Kind: OutcomeUpToDate} }

func Failure(err error) SyncOutcome { return SyncOutcome{Kind: OutcomeError, Err: err} }

// RoomState is the occupancy state of a room. The numeric values match the
// indices used by the room status feed.
type RoomState int

const (
	RoomOpen RoomState = iota
	RoomFull
	RoomEmergencyEvacuation
)

// RoomStateFromIndex validates a feed index.
func RoomStateFromIndex(i int) (RoomState, bool) {
	if i < int(RoomOpen) || i > int(RoomEmergencyEvacuation) {
		return 0, false
	}
	return RoomState(i), true
}

func (s RoomState) String() string {
	switch s {
	case RoomOpen:
		return "open"
	case RoomFull:
		return "full"
	case RoomEmergencyEvacuation:
		return "emergency_evacuation"
	default:
		return fmt.Sprintf("RoomState(%d)", int(s))
	}
}

func (s RoomState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RoomStatuses maps room names to their state. Values are replaced wholesale
// and must not be mutated after publication.
type RoomStatuses map[string]RoomState

// Clone returns a copy that is safe to mutate.
func (r RoomStatuses) Clone() RoomStatuses {
	if r == nil {
		return RoomStatuses{}
	}
	return maps.Clone(r)
}
