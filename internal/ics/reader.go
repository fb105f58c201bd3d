package ics

import (
	"context"
	"fmt"
	"time"

	appLog "doodlenotify/internal/log"
	"doodlenotify/internal/model"
)

// Reader yields the raw entries of one calendar feed.
type Reader struct {
	Fetcher *Fetcher
	URL     string

	// IntervalDays restricts entries to those starting within the next N
	// days; zero returns every entry.
	IntervalDays int

	Now func() time.Time
}

// NewReader creates a Reader for url with a disk cache under cacheDir.
func NewReader(url, cacheDir string, intervalDays int) *Reader {
	return &Reader{
		Fetcher:      NewFetcher(cacheDir),
		URL:          url,
		IntervalDays: intervalDays,
		Now:          time.Now,
	}
}

// FetchEntries fetches, parses and expands the feed. Entries are sorted by
// start time. Any failure to obtain or decode the feed wraps
// ErrFeedUnavailable.
func (r *Reader) FetchEntries(ctx context.Context) ([]model.RawEntry, error) {
	res, err := r.Fetcher.Fetch(ctx, r.URL)
	if err != nil {
		return nil, err
	}

	parsed, err := ParseICS(res.Body, func(uid string, err error) {
		appLog.Error("ics vevent parse failed", err, "uid", uid, "url", redactURL(r.URL))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}

	cfg := ExpandConfig{}
	if r.IntervalDays > 0 {
		now := r.Now()
		cfg.RangeStart = now
		cfg.RangeEnd = now.AddDate(0, 0, r.IntervalDays)
	}

	entries, err := Expand(parsed, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}

	appLog.Info("ics parse completed",
		"url", redactURL(r.URL),
		"vevents", len(parsed),
		"entries", len(entries),
		"from_cache", res.FromCache,
	)
	return entries, nil
}
