package store

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"doodlenotify/internal/config"
)

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type backend struct {
	store   Store
	advance func(time.Duration)
}

func newBackends(t *testing.T) map[string]backend {
	t.Helper()
	ctx := context.Background()
	backends := make(map[string]backend)

	memClock := &clock{t: time.Date(2024, 10, 12, 8, 0, 0, 0, time.UTC)}
	mem := NewMemory()
	mem.SetClock(memClock.now)
	backends["memory"] = backend{store: mem, advance: memClock.advance}

	sqlClock := &clock{t: time.Date(2024, 10, 12, 8, 0, 0, 0, time.UTC)}
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sq.now = sqlClock.now
	t.Cleanup(func() { sq.Close() })
	backends["sqlite"] = backend{store: sq, advance: sqlClock.advance}

	mr := miniredis.RunT(t)
	rd, err := NewRedis(ctx, mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	t.Cleanup(func() { rd.Close() })
	backends["redis"] = backend{store: rd, advance: mr.FastForward}

	return backends
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, b := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := b.store

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if ok, err := s.Exists(ctx, "missing"); err != nil || ok {
				t.Fatalf("expected missing key to not exist, got %v, %v", ok, err)
			}

			if err := s.Set(ctx, "notify:a/1", "INITIAL MESSAGE SENT", Persistent); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.Set(ctx, "notify:a/1", "TOMORROW MESSAGE SENT", Persistent); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			v, err := s.Get(ctx, "notify:a/1")
			if err != nil || v != "TOMORROW MESSAGE SENT" {
				t.Fatalf("expected overwritten value, got %q, %v", v, err)
			}
			if ok, err := s.Exists(ctx, "notify:a/1"); err != nil || !ok {
				t.Fatalf("expected key to exist, got %v, %v", ok, err)
			}

			if err := s.Set(ctx, "notify:b/2", "x", Persistent); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.Set(ctx, "calendar_events:abc", "[]", time.Hour); err != nil {
				t.Fatalf("set with ttl: %v", err)
			}

			keys, err := s.Keys(ctx, "notify:")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if want := []string{"notify:a/1", "notify:b/2"}; !slices.Equal(keys, want) {
				t.Errorf("expected keys %v, got %v", want, keys)
			}

			b.advance(2 * time.Hour)
			if _, err := s.Get(ctx, "calendar_events:abc"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected expired key to be gone, got %v", err)
			}
			if ok, _ := s.Exists(ctx, "notify:b/2"); !ok {
				t.Errorf("expected persistent key to survive")
			}

			if err := s.Delete(ctx, "notify:b/2"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if ok, _ := s.Exists(ctx, "notify:b/2"); ok {
				t.Errorf("expected deleted key to be gone")
			}
			if err := s.Delete(ctx, "never-existed"); err != nil {
				t.Errorf("delete of missing key should not fail: %v", err)
			}
		})
	}
}

func TestSQLitePurge(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 10, 12, 8, 0, 0, 0, time.UTC)}
	s, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	s.now = c.now

	_ = s.Set(ctx, "short", "v", time.Minute)
	_ = s.Set(ctx, "keep", "v", Persistent)
	c.advance(time.Hour)

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, "notify:x/1", "INITIAL MESSAGE SENT", Persistent); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if v, err := s.Get(ctx, "notify:x/1"); err != nil || v != "INITIAL MESSAGE SENT" {
		t.Errorf("expected value after reopen, got %q, %v", v, err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), addr, "", 0)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: config.StoreMemory})
	if err != nil || s.Driver() != "memory" {
		t.Fatalf("expected memory store, got %v, %v", s, err)
	}

	s, err = Open(ctx, config.StoreConfig{Driver: config.StoreSQLite, Path: filepath.Join(t.TempDir(), "s.db")})
	if err != nil || s.Driver() != "sqlite" {
		t.Fatalf("expected sqlite store, got %v, %v", s, err)
	}
	s.Close()

	if _, err := Open(ctx, config.StoreConfig{Driver: "etcd"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable for unknown driver, got %v", err)
	}
}
