package viewer

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestExecService_StartRunsTemplatedCommand(t *testing.T) {
	// "true" exits immediately; the feed port never opens, which exercises
	// the warn-and-continue path in waitReady.
	svc := NewExecService(slog.New(slog.DiscardHandler), "true",
		[]string{"--session", "{session}", "--port", "{port}"}, 100*time.Millisecond)

	if err := svc.Start(context.Background(), "alpha", 3100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if running, port := svc.Running("alpha"); !running || port != 3100 {
		t.Fatalf("Running = %v/%d, want true/3100", running, port)
	}

	if err := svc.Start(context.Background(), "alpha", 3100); err == nil {
		t.Fatal("second Start for same session should fail")
	}

	if err := svc.Stop("alpha"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if running, _ := svc.Running("alpha"); running {
		t.Fatal("still running after Stop")
	}
	if err := svc.Stop("alpha"); err == nil {
		t.Fatal("Stop of stopped session should fail")
	}
}

func TestExecService_ConcurrentStartClaimsOnce(t *testing.T) {
	svc := NewExecService(slog.New(slog.DiscardHandler), "true", nil, 50*time.Millisecond)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- svc.Start(context.Background(), "alpha", 3100) }()
	}

	var okCount int
	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			okCount++
		}
	}
	if okCount != 1 {
		t.Fatalf("%d concurrent Starts succeeded, want exactly 1", okCount)
	}
	if running, port := svc.Running("alpha"); !running || port != 3100 {
		t.Fatalf("Running = %v/%d, want true/3100", running, port)
	}
	if err := svc.Stop("alpha"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestExecService_FailedSpawnReleasesClaim(t *testing.T) {
	svc := NewExecService(slog.New(slog.DiscardHandler), "/nonexistent/botfleet-feed", nil, 50*time.Millisecond)

	if err := svc.Start(context.Background(), "alpha", 3100); err == nil {
		t.Fatal("Start with missing binary should fail")
	}
	if running, _ := svc.Running("alpha"); running {
		t.Fatal("failed start left a claim behind")
	}
	// The slot is free again for a retry.
	if err := svc.Start(context.Background(), "alpha", 3100); err == nil {
		t.Fatal("retry should fail the same way, not report already running")
	}
}

func TestExecService_MissingCommand(t *testing.T) {
	svc := NewExecService(slog.New(slog.DiscardHandler), "", nil, time.Second)
	if err := svc.Start(context.Background(), "alpha", 3100); err == nil {
		t.Fatal("expected error when no command is configured")
	}
}

func TestExecService_StopAll(t *testing.T) {
	svc := NewExecService(slog.New(slog.DiscardHandler), "true", nil, 50*time.Millisecond)
	for _, id := range []string{"alpha", "beta"} {
		if err := svc.Start(context.Background(), id, 3100); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	svc.StopAll()
	for _, id := range []string{"alpha", "beta"} {
		if running, _ := svc.Running(id); running {
			t.Errorf("%s still running after StopAll", id)
		}
	}
}

func TestFakeService(t *testing.T) {
	f := NewFakeService()

	if err := f.Start(context.Background(), "alpha", 3100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if running, port := f.Running("alpha"); !running || port != 3100 {
		t.Fatalf("Running = %v/%d", running, port)
	}

	wantErr := errors.New("boom")
	f.FailNextStart(wantErr)
	if err := f.Start(context.Background(), "beta", 3101); !errors.Is(err, wantErr) {
		t.Fatalf("Start after FailNextStart = %v, want %v", err, wantErr)
	}
	// The injected failure is one-shot.
	if err := f.Start(context.Background(), "beta", 3101); err != nil {
		t.Fatalf("Start retry: %v", err)
	}

	if err := f.Stop("alpha"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.Stop("alpha"); err == nil {
		t.Fatal("Stop of stopped session should fail")
	}
}
