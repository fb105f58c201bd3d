package model

import (
	"errors"
	"time"
)

// ErrNotAdjacent is returned by Merge when the following event does not
// start at the exact instant the receiver ends.
var ErrNotAdjacent = errors.New("events are not adjacent")

// RawEntry is a single calendar entry as produced by the feed reader,
// before any Doodle-specific parsing.
type RawEntry struct {
	UID         string
	Summary     string
	Description string

	Start time.Time
	End   time.Time

	// DateStart is the literal DTSTART token of the entry (for expanded
	// recurrences, the instance start in the same format).
	DateStart string
}

// Status is the Doodle state of a proposal.
type Status string

const (
	StatusInVoting  Status = "In voting"
	StatusConfirmed Status = "Confirmed"
)

// Event is a parsed Doodle calendar entry.
type Event struct {
	UID       string `json:"uid"`
	DateStart string `json:"date_start"`

	Summary string `json:"summary"`
	Status  Status `json:"status"`

	// Start / End are in UTC. End is never before Start.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Description string   `json:"description"`
	Attendees   []string `json:"attendees"`
	URL         string   `json:"url"`
}

// Duration is the length of the event, derived from Start and End.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Merge returns a copy of e extended to the end of other. The identity and
// content fields of e are kept; other only contributes its End.
func (e Event) Merge(other Event) (Event, error) {
	if !e.End.Equal(other.Start) {
		return e, ErrNotAdjacent
	}
	merged := e
	merged.Attendees = append([]string(nil), e.Attendees...)
	merged.End = other.End
	return merged, nil
}
