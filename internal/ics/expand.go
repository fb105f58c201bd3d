package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "doodlenotify/internal/log"
	"doodlenotify/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd restrict entries to those starting in
	// [RangeStart, RangeEnd). A zero RangeEnd means no restriction.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap for unbounded RRULEs. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

func (c ExpandConfig) bounded() bool {
	return !c.RangeEnd.IsZero()
}

func (c ExpandConfig) contains(t time.Time) bool {
	if !c.bounded() {
		return true
	}
	return !t.Before(c.RangeStart) && t.Before(c.RangeEnd)
}

// Expand turns parsed VEVENTs into raw entries, one per concrete
// occurrence, sorted by start time. RRULE, EXDATE and RECURRENCE-ID
// overrides are applied.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]model.RawEntry, error) {
	if cfg.bounded() && cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group overrides by UID; everything else is a base event.
	overridesByUID := make(map[string][]ParsedEvent)
	bases := make([]ParsedEvent, 0, len(events))
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	entries := make([]model.RawEntry, 0, len(bases))
	for _, ev := range bases {
		if ev.RawRRule == "" {
			if cfg.contains(ev.Start) {
				entries = append(entries, toRawEntry(ev, ev.Start, ev.End, ev.DateStart))
			}
			continue
		}
		entries = append(entries, expandRecurring(ev, overridesByUID[ev.UID], cfg)...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Start.Before(entries[j].Start)
	})
	return entries, nil
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.RawEntry {
	opt, err := rrule.StrToROption(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}
	opt.Dtstart = ev.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("expand: invalid RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	var starts []time.Time
	if cfg.bounded() {
		// Between is inclusive at both ends; trim to [RangeStart, RangeEnd).
		for _, t := range set.Between(cfg.RangeStart.In(ev.Start.Location()), cfg.RangeEnd.In(ev.Start.Location()), true) {
			if cfg.contains(t) {
				starts = append(starts, t)
			}
		}
	} else {
		next := set.Iterator()
		for t, ok := next(); ok && len(starts) <= cfg.MaxOccurrencesPerEvent; t, ok = next() {
			starts = append(starts, t)
		}
	}
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		appLog.Warn("expand: truncated occurrences for UID due to cap",
			"uid", ev.UID, "cap", cfg.MaxOccurrencesPerEvent)
		starts = starts[:cfg.MaxOccurrencesPerEvent]
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]model.RawEntry, 0, len(starts))
	for _, occStart := range starts {
		token := formatICSTime(occStart)
		if o, ok := findOverride(overrides, occStart); ok {
			out = append(out, toRawEntry(o, o.Start, o.End, token))
			continue
		}
		out = append(out, toRawEntry(ev, occStart, occStart.Add(dur), token))
	}
	return out
}

// findOverride finds the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func toRawEntry(ev ParsedEvent, start, end time.Time, dateStart string) model.RawEntry {
	return model.RawEntry{
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       start.UTC(),
		End:         end.UTC(),
		DateStart:   dateStart,
	}
}
