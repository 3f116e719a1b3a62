package cron

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/botfleet/internal/command"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []command.Request
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, req command.Request) ([]command.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return []command.Result{{SessionID: "alpha", Outcome: command.OutcomeApplied}}, nil
}

func (r *recordingDispatcher) requests() []command.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]command.Request, len(r.reqs))
	copy(out, r.reqs)
	return out
}

type recordingRunStore struct {
	mu   sync.Mutex
	runs map[string]time.Time
}

func (r *recordingRunStore) MarkScheduleRun(name string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[string]time.Time)
	}
	r.runs[name] = at
	return nil
}

func TestNewScheduler_RejectsBadCron(t *testing.T) {
	_, err := NewScheduler(Config{
		Dispatcher: &recordingDispatcher{},
		Logger:     slog.New(slog.DiscardHandler),
		Schedules:  []Schedule{{Name: "bad", Cron: "not a cron", Command: "/balance"}},
	})
	if err == nil {
		t.Fatal("NewScheduler accepted an invalid cron expression")
	}
}

func TestTick_FiresDueSchedules(t *testing.T) {
	disp := &recordingDispatcher{}
	store := &recordingRunStore{}
	s, err := NewScheduler(Config{
		Dispatcher: disp,
		Store:      store,
		Logger:     slog.New(slog.DiscardHandler),
		Schedules: []Schedule{
			{Name: "requery", Cron: "0 */3 * * *", Command: "/balance"},
			{Name: "hourly", Cron: "30 * * * *", Command: "/vote", Target: "alpha"},
		},
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// First tick only arms the schedules.
	base := time.Date(2026, 8, 30, 11, 0, 1, 0, time.UTC)
	s.Tick(context.Background(), base)
	if got := disp.requests(); len(got) != 0 {
		t.Fatalf("requests before due time = %d, want 0", len(got))
	}

	// 11:30 fires the hourly schedule only.
	s.Tick(context.Background(), base.Add(30*time.Minute))
	reqs := disp.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].Message != "/vote" || reqs[0].Target != "alpha" || reqs[0].Action != command.ActionSay {
		t.Errorf("request = %+v", reqs[0])
	}
	if reqs[0].Origin != "schedule:hourly" {
		t.Errorf("origin = %q, want schedule:hourly", reqs[0].Origin)
	}

	// 12:00 fires the 3-hourly re-query; hourly is not due again until 12:30.
	s.Tick(context.Background(), base.Add(time.Hour))
	reqs = disp.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[1].Message != "/balance" || reqs[1].Target != command.TargetAll {
		t.Errorf("requery request = %+v", reqs[1])
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.runs["hourly"]; !ok {
		t.Error("hourly run not persisted")
	}
	if _, ok := store.runs["requery"]; !ok {
		t.Error("requery run not persisted")
	}
}

func TestTick_DoesNotDoubleFire(t *testing.T) {
	disp := &recordingDispatcher{}
	s, err := NewScheduler(Config{
		Dispatcher: disp,
		Logger:     slog.New(slog.DiscardHandler),
		Schedules:  []Schedule{{Name: "hourly", Cron: "30 * * * *", Command: "/vote"}},
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	base := time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)
	s.Tick(context.Background(), base) // arm
	s.Tick(context.Background(), base.Add(30*time.Minute+5*time.Second))
	s.Tick(context.Background(), base.Add(30*time.Minute+35*time.Second))
	s.Tick(context.Background(), base.Add(31*time.Minute))

	if got := len(disp.requests()); got != 1 {
		t.Fatalf("fires = %d, want exactly 1", got)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC)
	next, err := NextRunTime("0 */3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}
