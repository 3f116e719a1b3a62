package status

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/fleet"
	"github.com/basket/botfleet/internal/protocol"
)

type fakeSource struct {
	infos []fleet.SessionInfo
}

func (f *fakeSource) Infos() []fleet.SessionInfo { return f.infos }

func twoSessionSource() *fakeSource {
	return &fakeSource{infos: []fleet.SessionInfo{
		{
			ID: "alpha", Username: "alpha_user", Phase: fleet.PhaseOnline,
			Vitals: protocol.Vitals{
				Health: 18, Food: 20, Dimension: "minecraft:the_nether",
				Position: protocol.Position{X: 10, Y: 64, Z: -30},
			},
			Alive:      true,
			Scoreboard: &protocol.Scoreboard{Title: "Stats", Lines: []string{"kills: 3"}},
			Counters:   map[string]int64{"balance": 2620},
			Proxy:      true,
			Viewer:     true, ViewerPort: 3100,
			ConnectedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		},
		{
			ID: "beta", Username: "beta_user", Phase: fleet.PhaseReconnectWait,
			Reason: "read timeout", Reconnects: 2,
		},
	}}
}

func TestSnapshot_FoldsSessions(t *testing.T) {
	a := NewAggregator(slog.New(slog.DiscardHandler), bus.New(), twoSessionSource(), time.Minute)

	snap := a.Snapshot()
	if snap.Total != 2 || snap.Online != 1 {
		t.Fatalf("snapshot totals = %d/%d, want online=1 total=2", snap.Online, snap.Total)
	}

	alpha := snap.Sessions[0]
	if !alpha.Online || !alpha.Alive || alpha.Health != 18 || alpha.Dimension != "Nether" {
		t.Errorf("alpha status = %+v", alpha)
	}
	if alpha.Counters["balance"] != 2620 {
		t.Errorf("alpha balance = %d, want 2620", alpha.Counters["balance"])
	}
	if !alpha.Viewer || alpha.ViewerPort != 3100 {
		t.Errorf("alpha viewer = %v/%d", alpha.Viewer, alpha.ViewerPort)
	}
	if !alpha.Proxy {
		t.Error("alpha proxy flag dropped")
	}
	if alpha.StartedAt.IsZero() {
		t.Error("alpha started_at dropped")
	}
	if alpha.Scoreboard == nil || alpha.Scoreboard.Title != "Stats" {
		t.Errorf("alpha scoreboard = %+v", alpha.Scoreboard)
	}

	beta := snap.Sessions[1]
	if beta.Online || beta.Alive || beta.Phase != fleet.PhaseReconnectWait || beta.Reason != "read timeout" {
		t.Errorf("beta status = %+v", beta)
	}
	if beta.PauseUntil != nil {
		t.Errorf("beta pause deadline = %v outside maintenance_pause", beta.PauseUntil)
	}
}

func TestSnapshot_MaintenancePauseDeadline(t *testing.T) {
	until := time.Now().Add(20 * time.Minute)
	src := &fakeSource{infos: []fleet.SessionInfo{{
		ID: "alpha", Phase: fleet.PhaseMaintenancePause,
		Reason: "maintenance", PauseUntil: until,
	}}}
	a := NewAggregator(slog.New(slog.DiscardHandler), bus.New(), src, time.Minute)

	snap := a.Snapshot()
	got := snap.Sessions[0]
	if got.PauseUntil == nil || !got.PauseUntil.Equal(until) {
		t.Errorf("pause_until = %v, want %v", got.PauseUntil, until)
	}
}

func TestAggregator_BroadcastsOnSessionEvent(t *testing.T) {
	b := bus.New()
	a := NewAggregator(slog.New(slog.DiscardHandler), b, twoSessionSource(), time.Hour)
	a.Start(context.Background())
	defer a.Stop()

	sub := b.Subscribe(bus.TopicStatusSnapshot)
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicSessionCounter, bus.CounterEvent{SessionID: "alpha", Counter: "balance", Value: 3000})

	select {
	case ev := <-sub.Ch():
		snap := ev.Payload.(Snapshot)
		if snap.Total != 2 {
			t.Errorf("broadcast total = %d, want 2", snap.Total)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot broadcast after session event")
	}
}

func TestAggregator_HeartbeatBroadcast(t *testing.T) {
	b := bus.New()
	a := NewAggregator(slog.New(slog.DiscardHandler), b, twoSessionSource(), 10*time.Millisecond)
	a.Start(context.Background())
	defer a.Stop()

	sub := b.Subscribe(bus.TopicStatusSnapshot)
	defer b.Unsubscribe(sub)

	select {
	case <-sub.Ch():
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat broadcast")
	}
}

func TestSubscribe_ReturnsImmediateSnapshot(t *testing.T) {
	a := NewAggregator(slog.New(slog.DiscardHandler), bus.New(), twoSessionSource(), time.Hour)
	sub, snap := a.Subscribe()
	defer a.bus.Unsubscribe(sub)

	if snap.Total != 2 {
		t.Errorf("immediate snapshot total = %d, want 2", snap.Total)
	}
}

func TestDimensionName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"minecraft:overworld", "Overworld"},
		{"overworld", "Overworld"},
		{"minecraft:the_nether", "Nether"},
		{"the_end", "End"},
		{"", ""},
		{"custom:skyblock", "Unknown"},
	}
	for _, tt := range tests {
		if got := DimensionName(tt.in); got != tt.want {
			t.Errorf("DimensionName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
