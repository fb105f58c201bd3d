// Package consolidate merges back-to-back Doodle slots into single events.
package consolidate

import (
	"iter"
	"time"

	appLog "doodlenotify/internal/log"
	"doodlenotify/internal/model"
)

// Options tunes the consolidation pass.
type Options struct {
	// KeepStarted keeps events whose start is at or before the reference
	// time. By default they are dropped before merging, so a running event
	// is never extended by a future slot.
	KeepStarted bool
}

// Consolidate drops in-voting (and, unless opts.KeepStarted, already started)
// events and merges every event whose start equals the previous event's end.
//
// The input must be sorted by start time. The returned sequence is lazy and
// consumes events exactly once; it must not be ranged over twice.
func Consolidate(events iter.Seq[model.Event], now time.Time, opts Options) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		var (
			pending    model.Event
			hasPending bool
		)

		for ev := range events {
			if ev.Status == model.StatusInVoting {
				continue
			}
			if !opts.KeepStarted && !ev.Start.After(now) {
				continue
			}

			if hasPending {
				if merged, err := pending.Merge(ev); err == nil {
					appLog.Debug("consolidate: merged adjacent event",
						"uid", pending.UID,
						"absorbed_uid", ev.UID,
						"end", merged.End,
					)
					pending = merged
					continue
				}
				if !yield(pending) {
					return
				}
			}
			pending = ev
			hasPending = true
		}

		if hasPending {
			yield(pending)
		}
	}
}
