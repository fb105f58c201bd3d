// Package notify decides which notification, if any, is due for an event.
//
// Every event identity moves forward through the stages
//
//	absent -> initial -> tomorrow -> two hours
//
// and each step produces exactly one notification. The new stage is
// written to the store before the caller is told to notify, so a failed
// delivery loses that message instead of sending it twice.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "doodlenotify/internal/log"
	"doodlenotify/internal/model"
	"doodlenotify/internal/store"
)

// Stage is the stored marker of the last notification sent for an event.
type Stage string

const (
	StageNone     Stage = ""
	StageInitial  Stage = "INITIAL MESSAGE SENT"
	StageTomorrow Stage = "TOMORROW MESSAGE SENT"
	StageTwoHours Stage = "TWO HOURS MESSAGE SENT"
)

// TwoHours is the lead time of the last notification.
const TwoHours = 2 * time.Hour

// KeyPrefix namespaces notification records in the store.
const KeyPrefix = "notify:"

// ID is the identity of an event across runs: its UID and the original
// start token. Merging never changes either.
func ID(ev model.Event) string {
	return ev.UID + "/" + ev.DateStart
}

// Key returns the store key of the notification record for ev.
func Key(ev model.Event) string {
	return KeyPrefix + ID(ev)
}

// Decision is the outcome of one Decide call.
type Decision struct {
	Key      string
	Notify   bool
	Previous Stage
	// Stage is the stage after the decision; equal to Previous when
	// nothing was due.
	Stage Stage
}

// Machine evaluates and advances notification stages.
type Machine struct {
	Store store.Store
}

func NewMachine(s store.Store) *Machine {
	return &Machine{Store: s}
}

// Decide reads the stage recorded for ev, and if the next stage is due at
// now, records it and returns Notify=true. Store failures are returned as
// errors and never reported as a notification.
func (m *Machine) Decide(ctx context.Context, ev model.Event, now time.Time) (Decision, error) {
	key := Key(ev)
	d := Decision{Key: key}

	current, err := m.Store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d.Previous = StageNone
	case err != nil:
		return d, fmt.Errorf("read stage: %w", err)
	default:
		d.Previous = Stage(current)
	}
	d.Stage = d.Previous

	next, due := nextStage(d.Previous, ev.Start, now)
	if !due {
		return d, nil
	}

	if err := m.Store.Set(ctx, key, string(next), store.Persistent); err != nil {
		return d, fmt.Errorf("record stage %q: %w", next, err)
	}

	d.Stage = next
	d.Notify = true
	appLog.Debug("notify: stage advanced", "key", key, "from", d.Previous, "to", next)
	return d, nil
}

// nextStage returns the stage that becomes due for an event starting at
// start, evaluated at now.
func nextStage(current Stage, start, now time.Time) (Stage, bool) {
	switch current {
	case StageNone:
		return StageInitial, true
	case StageInitial:
		if StartsTomorrow(start, now) {
			return StageTomorrow, true
		}
		return current, false
	case StageTomorrow:
		if start.Sub(now) < TwoHours {
			return StageTwoHours, true
		}
		return current, false
	case StageTwoHours:
		return current, false
	default:
		// Unknown markers are never overwritten.
		appLog.Warn("notify: unknown stage marker, treating as final", "stage", string(current))
		return current, false
	}
}

// StartsTomorrow reports whether start falls on the UTC calendar day after
// the UTC day of now.
func StartsTomorrow(start, now time.Time) bool {
	n := now.UTC()
	tomorrow := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	s := start.UTC()
	return s.Year() == tomorrow.Year() && s.YearDay() == tomorrow.YearDay()
}
