package persistence

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "botfleet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_CountersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "botfleet.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.SaveCounter("alpha", "balance", 2620, "labeled"); err != nil {
		t.Fatalf("SaveCounter: %v", err)
	}
	if err := store.SaveCounter("alpha", "balance", 3000, "fallback"); err != nil {
		t.Fatalf("SaveCounter: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	counters, err := store.LoadCounters("alpha")
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if counters["balance"] != 3000 {
		t.Errorf("balance = %d, want 3000 (last write wins)", counters["balance"])
	}

	history, err := store.CounterHistory("alpha", "balance", 10)
	if err != nil {
		t.Fatalf("CounterHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history samples = %d, want 2", len(history))
	}
	if history[0].Value != 3000 || history[0].Source != "fallback" {
		t.Errorf("newest sample = %+v, want 3000/fallback", history[0])
	}
}

func TestStore_LoadCountersEmptyForUnknownSession(t *testing.T) {
	store := openTestStore(t)
	counters, err := store.LoadCounters("ghost")
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if len(counters) != 0 {
		t.Errorf("counters = %v, want empty", counters)
	}
}

func TestStore_SessionEvents(t *testing.T) {
	store := openTestStore(t)
	for _, kind := range []string{"online", "maintenance", "disconnected"} {
		if err := store.RecordSessionEvent("alpha", kind, "detail for "+kind); err != nil {
			t.Fatalf("RecordSessionEvent(%s): %v", kind, err)
		}
	}
	if err := store.RecordSessionEvent("beta", "online", ""); err != nil {
		t.Fatalf("RecordSessionEvent: %v", err)
	}

	events, err := store.RecentEvents("alpha", 2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != "disconnected" || events[1].Kind != "maintenance" {
		t.Errorf("event order = [%s %s], want newest first", events[0].Kind, events[1].Kind)
	}
}

func TestStore_ScheduleRuns(t *testing.T) {
	store := openTestStore(t)

	if _, ok, err := store.LastScheduleRun("requery"); err != nil || ok {
		t.Fatalf("LastScheduleRun before mark: ok=%v err=%v, want ok=false", ok, err)
	}

	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := store.MarkScheduleRun("requery", at); err != nil {
		t.Fatalf("MarkScheduleRun: %v", err)
	}
	got, ok, err := store.LastScheduleRun("requery")
	if err != nil || !ok {
		t.Fatalf("LastScheduleRun: ok=%v err=%v", ok, err)
	}
	if !got.Equal(at) {
		t.Errorf("last run = %s, want %s", got, at)
	}
}

func TestStore_KV(t *testing.T) {
	store := openTestStore(t)

	if _, ok, _ := store.GetKV("missing"); ok {
		t.Error("GetKV found a missing key")
	}
	if err := store.SetKV("daemon.fingerprint", "cfg-abc"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if err := store.SetKV("daemon.fingerprint", "cfg-def"); err != nil {
		t.Fatalf("SetKV overwrite: %v", err)
	}
	value, ok, err := store.GetKV("daemon.fingerprint")
	if err != nil || !ok {
		t.Fatalf("GetKV: ok=%v err=%v", ok, err)
	}
	if value != "cfg-def" {
		t.Errorf("value = %q, want cfg-def", value)
	}
}

func TestStore_UpsertSession(t *testing.T) {
	store := openTestStore(t)
	if err := store.UpsertSession("alpha", "alpha_user"); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := store.UpsertSession("alpha", "renamed"); err != nil {
		t.Fatalf("UpsertSession update: %v", err)
	}
	var username string
	if err := store.DB().QueryRow(`SELECT username FROM sessions WHERE id = 'alpha';`).Scan(&username); err != nil {
		t.Fatalf("query: %v", err)
	}
	if username != "renamed" {
		t.Errorf("username = %q, want renamed", username)
	}
}
