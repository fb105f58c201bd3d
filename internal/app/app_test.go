package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"doodlenotify/internal/config"
	"doodlenotify/internal/ics"
	"doodlenotify/internal/model"
	"doodlenotify/internal/notify"
	"doodlenotify/internal/render"
	"doodlenotify/internal/send"
	"doodlenotify/internal/store"
)

const body = "Aloitteesta Mireiawen on tehnyt kyselyn\n" +
	"Raid night, bring flasks.\n" +
	"\n" +
	"Osallistujat:\n" +
	"Tank - Zed\n" +
	"Healer - Alice\n" +
	"\n" +
	"https://doodle.com/poll/abc123\n"

var now = time.Date(2024, 10, 12, 15, 0, 0, 0, time.UTC)

func entry(uid, subject string, start time.Time, d time.Duration) model.RawEntry {
	return model.RawEntry{
		UID:         uid,
		Summary:     subject,
		Description: body,
		Start:       start,
		End:         start.Add(d),
		DateStart:   start.UTC().Format("20060102T150405Z"),
	}
}

// feed is three confirmed slots forming one raid on Tuesday, a poll still
// in voting, and an entry that is not from Doodle.
func feed() []model.RawEntry {
	tue := time.Date(2024, 10, 15, 18, 0, 0, 0, time.UTC)
	return []model.RawEntry{
		entry("a@doodle", "Raid [Doodle]", tue, time.Hour),
		entry("b@doodle", "Raid [Doodle]", tue.Add(time.Hour), time.Hour),
		entry("c@doodle", "Raid [Doodle]", tue.Add(2*time.Hour), 30*time.Minute),
		entry("d@doodle", "Dungeon [Doodle-kesken]", tue.AddDate(0, 0, 2), time.Hour),
		entry("e@other", "Dentist", tue.AddDate(0, 0, 1), time.Hour),
	}
}

type fakeReader struct {
	entries []model.RawEntry
	err     error
	calls   int
}

func (f *fakeReader) FetchEntries(context.Context) ([]model.RawEntry, error) {
	f.calls++
	return f.entries, f.err
}

type recordingSender struct {
	err  error
	sent []string
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.sent = append(r.sent, text)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func newTestApp(t *testing.T, cfg *config.Config, r EntryReader, s store.Store, snd send.Sender) *App {
	t.Helper()
	a := New(cfg, r, s, render.New(), snd)
	a.Now = func() time.Time { return now }
	runs := 0
	a.NewID = func() string {
		runs++
		return fmt.Sprintf("run-%d", runs)
	}
	return a
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.CalendarFeed = "https://doodle.com/ics/mydoodle/abc.ics"
	cfg.Store.Driver = config.StoreMemory
	return cfg
}

func TestRunNotifiesOncePerStage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	snd := &recordingSender{}
	a := newTestApp(t, testConfig(), &fakeReader{entries: feed()}, st, snd)

	rep, err := a.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.RunID != "run-1" || rep.Entries != 5 || rep.Malformed != 1 || rep.Events != 1 || rep.Notified != 1 {
		t.Errorf("unexpected first report %+v", rep)
	}
	if len(snd.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(snd.sent))
	}
	msg := snd.sent[0]
	for _, want := range []string{"**Raid** starts on Tuesday", "lasts 2 hours 30 minutes", "Zed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected message to contain %q, got:\n%s", want, msg)
		}
	}

	stage, err := st.Get(ctx, notify.KeyPrefix+"a@doodle/20241015T180000Z")
	if err != nil || stage != string(notify.StageInitial) {
		t.Errorf("expected initial stage recorded under the first slot, got %q, %v", stage, err)
	}

	rep, err = a.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.Notified != 0 || len(snd.sent) != 1 {
		t.Errorf("expected no new notification, got %+v and %d messages", rep, len(snd.sent))
	}
	if !rep.FromCache {
		t.Error("expected second run to use the feed cache")
	}
}

func TestRunFullLifecycle(t *testing.T) {
	ctx := context.Background()
	snd := &recordingSender{}
	a := newTestApp(t, testConfig(), &fakeReader{entries: feed()}, store.NewMemory(), snd)

	steps := []struct {
		at     time.Time
		notify int
	}{
		{now, 1},
		{time.Date(2024, 10, 13, 12, 0, 0, 0, time.UTC), 0},
		{time.Date(2024, 10, 14, 9, 0, 0, 0, time.UTC), 1},
		{time.Date(2024, 10, 14, 23, 0, 0, 0, time.UTC), 0},
		{time.Date(2024, 10, 15, 16, 30, 0, 0, time.UTC), 1},
		{time.Date(2024, 10, 15, 17, 30, 0, 0, time.UTC), 0},
	}
	for _, step := range steps {
		a.Now = func() time.Time { return step.at }
		rep, err := a.Run(ctx)
		if err != nil {
			t.Fatalf("run at %s: %v", step.at, err)
		}
		if rep.Notified != step.notify {
			t.Errorf("at %s: expected %d notifications, got %d", step.at, step.notify, rep.Notified)
		}
	}
	if len(snd.sent) != 3 {
		t.Errorf("expected three messages over the lifecycle, got %d", len(snd.sent))
	}
}

func TestRunDryRunPrintsWithoutDelivering(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true

	var out bytes.Buffer
	snd, err := send.FromConfig(cfg, &out)
	if err != nil {
		t.Fatal(err)
	}
	a := newTestApp(t, cfg, &fakeReader{entries: feed()}, store.NewMemory(), snd)

	rep, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Notified != 1 || !strings.Contains(out.String(), "**Raid**") {
		t.Errorf("expected rendered message on output, got %+v:\n%s", rep, out.String())
	}
}

func TestRunDeliveryFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	snd := &recordingSender{err: fmt.Errorf("%w: webhook returned 500", send.ErrDelivery)}
	a := newTestApp(t, testConfig(), &fakeReader{entries: feed()}, st, snd)

	rep, err := a.Run(ctx)
	if err != nil {
		t.Fatalf("delivery failure must not abort the run: %v", err)
	}
	if rep.Notified != 1 || rep.DeliveryFailures != 1 {
		t.Errorf("unexpected report %+v", rep)
	}

	snd.err = nil
	if _, err := a.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(snd.sent) != 1 {
		t.Errorf("expected lost message not to be resent, got %d attempts", len(snd.sent))
	}
}

func TestRunFeedUnavailable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	snd := &recordingSender{}
	r := &fakeReader{err: fmt.Errorf("%w: 503 Service Unavailable", ics.ErrFeedUnavailable)}
	a := newTestApp(t, testConfig(), r, st, snd)

	if _, err := a.Run(ctx); !errors.Is(err, ics.ErrFeedUnavailable) {
		t.Fatalf("expected ErrFeedUnavailable, got %v", err)
	}
	keys, _ := st.Keys(ctx, "")
	if len(keys) != 0 || len(snd.sent) != 0 {
		t.Errorf("expected untouched state, got keys %v and %d messages", keys, len(snd.sent))
	}
}

func TestRunFeedDownWithDiskCache(t *testing.T) {
	feed := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Doodle AG//Doodle//EN",
		"BEGIN:VEVENT",
		"UID:raid@doodle.com",
		"DTSTART:20241015T180000Z",
		"DTEND:20241015T200000Z",
		"SUMMARY:Raid [Doodle]",
		`DESCRIPTION:Aloitteesta Mireiawen\nBring flasks\n\nOsallistujat:\nTank - Zed\nhttps://doodle.com/poll/abc`,
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		io.WriteString(w, feed)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.CalendarFeed = srv.URL + "/ics/mydoodle.ics"
	reader := ics.NewReader(cfg.CalendarFeed, t.TempDir(), 0)
	ctx := context.Background()

	healthy := &recordingSender{}
	rep, err := newTestApp(t, cfg, reader, store.NewMemory(), healthy).Run(ctx)
	if err != nil || rep.Notified != 1 {
		t.Fatalf("expected a healthy run to notify once, got %+v, %v", rep, err)
	}

	down.Store(true)
	st := store.NewMemory()
	snd := &recordingSender{}
	if _, err := newTestApp(t, cfg, reader, st, snd).Run(ctx); !errors.Is(err, ics.ErrFeedUnavailable) {
		t.Fatalf("expected ErrFeedUnavailable with only a stale body on disk, got %v", err)
	}
	keys, _ := st.Keys(ctx, "")
	if len(keys) != 0 || len(snd.sent) != 0 {
		t.Errorf("expected untouched state, got keys %v and %d messages", keys, len(snd.sent))
	}
}

// failingSetStore refuses writes to keys with the given prefix.
type failingSetStore struct {
	store.Store
	prefix string
}

func (f failingSetStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, f.prefix) {
		return fmt.Errorf("%w: set %q: connection refused", store.ErrStoreUnavailable, key)
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func TestRunStoreFailureAborts(t *testing.T) {
	snd := &recordingSender{}
	st := failingSetStore{Store: store.NewMemory(), prefix: notify.KeyPrefix}
	a := newTestApp(t, testConfig(), &fakeReader{entries: feed()}, st, snd)

	if _, err := a.Run(context.Background()); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(snd.sent) != 0 {
		t.Errorf("expected nothing sent without a recorded stage, got %d", len(snd.sent))
	}
}

func TestRunWarmAndColdCacheAgree(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	snd := &recordingSender{}
	r := &fakeReader{entries: feed()}
	a := newTestApp(t, testConfig(), r, st, snd)

	cold, err := a.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	keys, err := st.Keys(ctx, notify.KeyPrefix)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		st.Delete(ctx, k)
	}

	warm, err := a.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cold.FromCache || !warm.FromCache || r.calls != 1 {
		t.Fatalf("expected one fetch then a cache hit, got cold=%+v warm=%+v calls=%d", cold, warm, r.calls)
	}
	if cold.Events != warm.Events || cold.Notified != warm.Notified {
		t.Errorf("cold %+v and warm %+v runs disagree", cold, warm)
	}
	if len(snd.sent) != 2 || snd.sent[0] != snd.sent[1] {
		t.Errorf("expected identical messages, got %q", snd.sent)
	}
}

func TestRunDebugFlushesCache(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = true
	cfg.Normalize()

	r := &fakeReader{entries: feed()}
	a := newTestApp(t, cfg, r, store.NewMemory(), &recordingSender{})

	for range 2 {
		rep, err := a.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if rep.FromCache {
			t.Error("expected debug runs to bypass the cache")
		}
	}
	if r.calls != 2 {
		t.Errorf("expected a fetch per run, got %d", r.calls)
	}
}

func TestRunCacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CacheTimeout = 0

	st := store.NewMemory()
	r := &fakeReader{entries: feed()}
	a := newTestApp(t, cfg, r, st, &recordingSender{})

	for range 2 {
		if _, err := a.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if r.calls != 2 {
		t.Errorf("expected a fetch per run, got %d", r.calls)
	}
	if ok, _ := st.Exists(context.Background(), CacheKey(cfg.CalendarFeed)); ok {
		t.Error("expected no cache entry")
	}
}

func TestCacheKey(t *testing.T) {
	k := CacheKey("https://doodle.com/ics/a.ics")
	if !strings.HasPrefix(k, CacheKeyPrefix) || len(k) != len(CacheKeyPrefix)+16 {
		t.Errorf("unexpected key %q", k)
	}
	if k == CacheKey("https://doodle.com/ics/b.ics") {
		t.Error("expected distinct keys per feed")
	}
}
