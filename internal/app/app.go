// Package app wires the feed, the notification state and the chat channel
// into a single notification run.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"doodlenotify/internal/config"
	"doodlenotify/internal/consolidate"
	"doodlenotify/internal/doodle"
	appLog "doodlenotify/internal/log"
	"doodlenotify/internal/model"
	"doodlenotify/internal/notify"
	"doodlenotify/internal/render"
	"doodlenotify/internal/send"
	"doodlenotify/internal/store"
)

// CacheKeyPrefix namespaces the parsed feed cache in the store.
const CacheKeyPrefix = "calendar_events:"

// EntryReader yields the raw calendar entries of the feed, sorted by start.
type EntryReader interface {
	FetchEntries(ctx context.Context) ([]model.RawEntry, error)
}

// Report summarizes one run.
type Report struct {
	RunID string
	// Entries is the number of raw feed entries read; zero on a cache hit.
	Entries   int
	Malformed int
	// Events is the number of consolidated events evaluated.
	Events           int
	Notified         int
	DeliveryFailures int
	FromCache        bool
}

// App runs the notification pipeline once per Run call.
type App struct {
	Config   *config.Config
	Reader   EntryReader
	Store    store.Store
	Machine  *notify.Machine
	Renderer *render.Renderer
	Sender   send.Sender

	Now   func() time.Time
	NewID func() string
}

// New assembles an App from its collaborators.
func New(cfg *config.Config, r EntryReader, s store.Store, rd *render.Renderer, snd send.Sender) *App {
	return &App{
		Config:   cfg,
		Reader:   r,
		Store:    s,
		Machine:  notify.NewMachine(s),
		Renderer: rd,
		Sender:   snd,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// CacheKey returns the store key of the parsed event cache for feedURL.
func CacheKey(feedURL string) string {
	sum := sha256.Sum256([]byte(feedURL))
	return CacheKeyPrefix + hex.EncodeToString(sum[:])[:16]
}

// Run performs one pass: load events, consolidate them, advance each
// event's notification stage and deliver the due messages.
//
// Feed and store failures abort the run. Delivery failures do not; the
// stage has already been recorded and the message is lost.
func (a *App) Run(ctx context.Context) (Report, error) {
	rep := Report{RunID: a.NewID()}
	now := a.Now()
	logger := appLog.Logger().With("run_id", rep.RunID)

	logger.Info("run started", "store", a.Store.Driver(), "sender", a.Sender.Name(), "dry_run", a.Config.DryRun)

	events, err := a.loadEvents(ctx, &rep)
	if err != nil {
		return rep, err
	}

	opts := consolidate.Options{KeepStarted: a.Config.KeepStarted}
	for ev := range consolidate.Consolidate(slices.Values(events), now, opts) {
		rep.Events++

		d, err := a.Machine.Decide(ctx, ev, now)
		if err != nil {
			return rep, fmt.Errorf("event %s: %w", notify.ID(ev), err)
		}
		if !d.Notify {
			continue
		}
		rep.Notified++

		if err := a.deliver(ctx, ev, now); err != nil {
			rep.DeliveryFailures++
			logger.Warn("notification lost",
				"key", d.Key,
				"stage", string(d.Stage),
				"err", err,
			)
			continue
		}
		logger.Info("notification sent", "key", d.Key, "stage", string(d.Stage))
	}

	if p, ok := a.Store.(interface {
		Purge(ctx context.Context) (int64, error)
	}); ok {
		if n, err := p.Purge(ctx); err != nil {
			logger.Warn("purge expired keys failed", "err", err)
		} else if n > 0 {
			logger.Debug("purged expired keys", "count", n)
		}
	}

	logger.Info("run finished",
		"entries", rep.Entries,
		"malformed", rep.Malformed,
		"events", rep.Events,
		"notified", rep.Notified,
		"delivery_failures", rep.DeliveryFailures,
		"from_cache", rep.FromCache,
	)
	return rep, nil
}

func (a *App) deliver(ctx context.Context, ev model.Event, now time.Time) error {
	text, err := a.Renderer.Render(render.FieldsFor(ev, notify.ID(ev), now))
	if err != nil {
		return err
	}
	return a.Sender.Send(ctx, text)
}

// loadEvents returns the parsed, non-voting events of the feed, from the
// store cache when it is warm.
func (a *App) loadEvents(ctx context.Context, rep *Report) ([]model.Event, error) {
	key := CacheKey(a.Config.CalendarFeed)
	ttl := time.Duration(a.Config.CacheTimeout) * time.Second

	if a.Config.Debug {
		if err := a.Store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("flush feed cache: %w", err)
		}
		appLog.Debug("feed cache flushed", "key", key)
	}

	if ttl > 0 {
		cached, err := a.Store.Get(ctx, key)
		switch {
		case err == nil:
			var events []model.Event
			if err := json.Unmarshal([]byte(cached), &events); err == nil {
				rep.FromCache = true
				return events, nil
			}
			appLog.Warn("feed cache undecodable, refetching", "key", key)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("read feed cache: %w", err)
		}
	}

	entries, err := a.Reader.FetchEntries(ctx)
	if err != nil {
		return nil, err
	}
	rep.Entries = len(entries)

	events := []model.Event{}
	for ev := range doodle.ParseAll(slices.Values(entries), func(raw model.RawEntry, err error) {
		rep.Malformed++
		appLog.Warn("skipping malformed entry", "uid", raw.UID, "err", err)
	}) {
		if ev.Status == model.StatusInVoting {
			continue
		}
		events = append(events, ev)
	}

	if ttl > 0 {
		data, err := json.Marshal(events)
		if err != nil {
			return nil, fmt.Errorf("encode feed cache: %w", err)
		}
		if err := a.Store.Set(ctx, key, string(data), ttl); err != nil {
			return nil, fmt.Errorf("write feed cache: %w", err)
		}
	}
	return events, nil
}
