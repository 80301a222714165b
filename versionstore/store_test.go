package versionstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/buildwatch/dbopen"
)

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}
func (brokenKV) Set(context.Context, string, string) error { return errors.New("disk on fire") }

func TestStore_EmptyByDefault(t *testing.T) {
	s := New(NewMemoryKV(), "", nil)
	if s.Key() != DefaultKey {
		t.Fatalf("key = %q, want %q", s.Key(), DefaultKey)
	}
	if rec := s.Read(context.Background()); rec != (Record{}) {
		t.Fatalf("record = %+v, want empty", rec)
	}
}

func TestStore_WriteMerges(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV(), "ns", nil)

	s.Write(ctx, SetHash("abc"))
	s.Write(ctx, SetLastFetchTime(1234))

	rec := s.Read(ctx)
	if rec.Hash != "abc" || rec.LastFetchTime != 1234 {
		t.Fatalf("record = %+v, want hash abc and lastFetchTime 1234", rec)
	}

	s.Write(ctx, SetHash("def"))
	rec = s.Read(ctx)
	if rec.Hash != "def" || rec.LastFetchTime != 1234 {
		t.Fatalf("record = %+v, partial write dropped lastFetchTime", rec)
	}
}

func TestStore_PersistedLayout(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := New(kv, "ns", nil)
	s.Write(ctx, Patch{Hash: ptr("abc123"), LastFetchTime: ptr(int64(42))})

	raw, ok, _ := kv.Get(ctx, "ns")
	if !ok {
		t.Fatal("record not persisted")
	}
	if raw != `{"hash":"abc123","lastFetchTime":42}` {
		t.Fatalf("raw = %s", raw)
	}
}

func TestStore_CorruptRecordReadsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	kv.Set(ctx, "ns", "{not json")
	s := New(kv, "ns", nil)

	if rec := s.Read(ctx); rec != (Record{}) {
		t.Fatalf("record = %+v, want empty", rec)
	}

	// A write over a corrupt record replaces it.
	s.Write(ctx, SetHash("abc"))
	if rec := s.Read(ctx); rec.Hash != "abc" {
		t.Fatalf("record = %+v, want hash abc", rec)
	}
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	a := New(kv, "a", nil)
	b := New(kv, "b", nil)

	a.Write(ctx, SetHash("aaa"))
	if rec := b.Read(ctx); rec.Hash != "" {
		t.Fatalf("namespace b saw %+v", rec)
	}
}

func TestStore_BackendErrorsAreSwallowed(t *testing.T) {
	ctx := context.Background()
	s := New(brokenKV{}, "ns", nil)
	s.Write(ctx, SetHash("abc"))
	if rec := s.Read(ctx); rec != (Record{}) {
		t.Fatalf("record = %+v, want empty", rec)
	}
}

func TestSQLiteKV_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	kv, err := NewSQLiteKV(db)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	if err := kv.Set(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := kv.Get(ctx, "k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("Get(k) = %q, %v, %v", v, ok, err)
	}
}

func TestSQLiteKV_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "buildwatch.db")

	kv, db, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	New(kv, "ns", nil).Write(ctx, Patch{Hash: ptr("abc"), LastFetchTime: ptr(int64(7))})
	db.Close()

	kv, db, err = OpenSQLite(path, dbopen.WithBusyTimeout(2500))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var bt int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
		t.Fatal(err)
	}
	if bt != 2500 {
		t.Errorf("busy_timeout = %d, want 2500", bt)
	}

	rec := New(kv, "ns", nil).Read(ctx)
	if rec.Hash != "abc" || rec.LastFetchTime != 7 {
		t.Fatalf("record after reopen = %+v", rec)
	}
}

func ptr[T any](v T) *T { return &v }
