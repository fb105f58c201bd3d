// Package doodle turns Doodle calendar entries into structured events.
//
// Doodle publishes its proposals as calendar entries whose subject carries
// the poll state in brackets ("Weekly Raid [Doodle]") and whose body is a
// fixed Finnish-language template:
//
//	Aloitteesta <organizer> ...
//	<free text description>
//	Osallistujat:
//	<role> - <name>
//	...
//	https://doodle.com/...
//
// The participant block is only present for paid Doodle accounts.
package doodle

import (
	"errors"
	"fmt"
	"iter"
	"regexp"
	"sort"
	"strings"
	"time"

	"doodlenotify/internal/model"
)

// Subject status tags as written by Doodle.
const (
	TagConfirmed = "Doodle"
	TagInVoting  = "Doodle-kesken"
)

// ErrMalformedEntry marks a calendar entry that does not have the Doodle
// shape. It is not retryable; the entry should be skipped.
var ErrMalformedEntry = errors.New("malformed doodle entry")

var (
	subjectRe     = regexp.MustCompile(`^(?P<summary>.*)\s*\[(?P<status>.*?)\]$`)
	descriptionRe = regexp.MustCompile(`(?ms)^Aloitteesta\s+.+?\n(?P<description>.*)\sOsallistujat:\s(?P<participants>.*)(?P<url>https://.+?)$`)
)

// Parse converts one raw entry into an Event.
func Parse(raw model.RawEntry) (model.Event, error) {
	var ev model.Event

	m := subjectRe.FindStringSubmatch(raw.Summary)
	if m == nil {
		return ev, fmt.Errorf("%w: unable to parse subject line %q", ErrMalformedEntry, raw.Summary)
	}
	summary := m[subjectRe.SubexpIndex("summary")]
	tag := m[subjectRe.SubexpIndex("status")]

	status, err := statusFromTag(tag)
	if err != nil {
		return ev, err
	}

	d := descriptionRe.FindStringSubmatch(raw.Description)
	if d == nil {
		return ev, fmt.Errorf("%w: invalid message format, possibly free Doodle account", ErrMalformedEntry)
	}

	if raw.End.Before(raw.Start) {
		return ev, fmt.Errorf("%w: end %s before start %s", ErrMalformedEntry,
			raw.End.Format(time.RFC3339), raw.Start.Format(time.RFC3339))
	}

	ev = model.Event{
		UID:         raw.UID,
		DateStart:   raw.DateStart,
		Summary:     strings.TrimSpace(summary),
		Status:      status,
		Start:       raw.Start.UTC(),
		End:         raw.End.UTC(),
		Description: strings.TrimSpace(d[descriptionRe.SubexpIndex("description")]),
		Attendees:   parseParticipants(d[descriptionRe.SubexpIndex("participants")]),
		URL:         strings.TrimSpace(d[descriptionRe.SubexpIndex("url")]),
	}
	return ev, nil
}

// ParseAll parses entries lazily. Entries that fail are reported to onError
// (if non-nil) and skipped; they never stop the sequence.
func ParseAll(entries iter.Seq[model.RawEntry], onError func(model.RawEntry, error)) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for raw := range entries {
			ev, err := Parse(raw)
			if err != nil {
				if onError != nil {
					onError(raw, err)
				}
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

func statusFromTag(tag string) (model.Status, error) {
	switch tag {
	case TagConfirmed:
		return model.StatusConfirmed, nil
	case TagInVoting:
		return model.StatusInVoting, nil
	default:
		return "", fmt.Errorf("%w: invalid status %q", ErrMalformedEntry, tag)
	}
}

// parseParticipants extracts names from "role - name" lines.
func parseParticipants(block string) []string {
	names := make([]string, 0)
	for _, line := range strings.Split(block, "\n") {
		if _, name, ok := strings.Cut(line, "-"); ok {
			line = name
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	sort.Strings(names)
	return names
}
