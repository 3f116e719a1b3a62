package command

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/config"
	"github.com/basket/botfleet/internal/extractor"
	"github.com/basket/botfleet/internal/fleet"
	"github.com/basket/botfleet/internal/protocol"
	"github.com/basket/botfleet/internal/session"
	"github.com/basket/botfleet/internal/viewer"
)

type testFleet struct {
	dispatcher *Dispatcher
	manager    *fleet.Manager
	client     *protocol.SimClient
	bus        *bus.Bus
}

func newTestFleet(t *testing.T, ids ...string) *testFleet {
	t.Helper()
	cfg := config.Config{
		Server:    config.ServerConfig{Host: "example.net", Port: 25565},
		Reconnect: config.ReconnectConfig{Enabled: true, DelaySeconds: 0},
		Extract:   config.ExtractConfig{BalanceCounter: "balance", Floor: 100, Ceiling: 10_000_000},
		Chat:      config.ChatConfig{MaxMessageLength: 100},
		Viewer:    config.ViewerConfig{BasePort: 3100},
	}
	for _, id := range ids {
		cfg.Accounts = append(cfg.Accounts, config.Account{ID: id, Username: id + "_user"})
	}

	ext, err := extractor.New(extractor.Options{BalanceCounter: "balance", Floor: 100, Ceiling: 10_000_000})
	if err != nil {
		t.Fatalf("extractor.New: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	b := bus.New()
	client := protocol.NewSimClient()
	manager := fleet.NewManager(logger, b, ext, client, nil, viewer.NewFakeService(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = manager.Shutdown(shutdownCtx)
	})

	tf := &testFleet{
		dispatcher: NewDispatcher(logger, b, manager),
		manager:    manager,
		client:     client,
		bus:        b,
	}
	tf.waitOnline(t, ids...)
	return tf
}

func (tf *testFleet) waitOnline(t *testing.T, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ready := true
		for _, id := range ids {
			sess, ok := tf.manager.Session(id)
			if !ok || sess.State() != session.StateOnline {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("fleet did not come online")
}

func outcomes(results []Result) map[string]Outcome {
	out := make(map[string]Outcome, len(results))
	for _, r := range results {
		out[r.SessionID] = r.Outcome
	}
	return out
}

func TestDispatch_SayFansOutToAll(t *testing.T) {
	tf := newTestFleet(t, "alpha", "beta")

	results, err := tf.dispatcher.Dispatch(context.Background(), Request{
		Action: ActionSay, Target: TargetAll, Message: "hello fleet", Origin: "test",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for id, outcome := range outcomes(results) {
		if outcome != OutcomeApplied {
			t.Errorf("%s outcome = %s, want applied", id, outcome)
		}
	}
	for _, id := range []string{"alpha", "beta"} {
		sent := tf.client.Conn(id).SentChats()
		if len(sent) != 1 || sent[0] != "hello fleet" {
			t.Errorf("%s sent = %v, want [hello fleet]", id, sent)
		}
	}
}

func TestDispatch_SayValidation(t *testing.T) {
	tf := newTestFleet(t, "alpha")

	if _, err := tf.dispatcher.Dispatch(context.Background(), Request{Action: ActionSay, Target: "alpha"}); err == nil {
		t.Error("Dispatch accepted say without message")
	}
	results, err := tf.dispatcher.Dispatch(context.Background(), Request{
		Action: ActionSay, Target: "alpha", Message: strings.Repeat("x", 101),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if results[0].Outcome != OutcomeFailed {
		t.Errorf("over-length say outcome = %s, want failed", results[0].Outcome)
	}
}

func TestDispatch_KickThenRepeatSkips(t *testing.T) {
	tf := newTestFleet(t, "alpha", "beta")

	results, err := tf.dispatcher.Dispatch(context.Background(), Request{
		Action: ActionKick, Target: "alpha", Origin: "telegram",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if results[0].Outcome != OutcomeApplied {
		t.Fatalf("first kick = %+v, want applied", results[0])
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tf.manager.Session("alpha"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	results, err = tf.dispatcher.Dispatch(context.Background(), Request{Action: ActionKick, Target: "alpha"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if results[0].Outcome != OutcomeSkipped {
		t.Errorf("repeat kick = %+v, want skipped", results[0])
	}

	// beta untouched either time.
	if sess, ok := tf.manager.Session("beta"); !ok || sess.State() != session.StateOnline {
		t.Error("kick leaked to beta")
	}
}

func TestDispatch_ReconnectBouncesOnlineSession(t *testing.T) {
	tf := newTestFleet(t, "alpha")
	old, _ := tf.manager.Session("alpha")

	results, err := tf.dispatcher.Dispatch(context.Background(), Request{
		Action: ActionReconnect, Target: "alpha", Origin: "gateway",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if results[0].Outcome != OutcomeApplied {
		t.Fatalf("reconnect while online = %+v, want applied", results[0])
	}

	// The online session is torn down and a fresh connection comes up.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		next, ok := tf.manager.Session("alpha")
		if ok && next != old && next.State() == session.StateOnline {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tf.client.ConnectCount("alpha"); got != 2 {
		t.Fatalf("connect count after bounce = %d, want 2", got)
	}

	if _, err := tf.dispatcher.Dispatch(context.Background(), Request{Action: ActionReconnect, Target: "ghost"}); err == nil {
		t.Error("Dispatch accepted unknown target")
	}
}

func TestDispatch_ReconnectRevivesDownedSession(t *testing.T) {
	tf := newTestFleet(t, "alpha")

	sess, _ := tf.manager.Session("alpha")
	if err := sess.Disconnect("kicked by operator", false); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tf.manager.Session("alpha"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	results, err := tf.dispatcher.Dispatch(context.Background(), Request{Action: ActionReconnect, Target: "alpha"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if results[0].Outcome != OutcomeApplied {
		t.Fatalf("reconnect while down = %+v, want applied", results[0])
	}
	tf.waitOnline(t, "alpha")
	if got := tf.client.ConnectCount("alpha"); got != 2 {
		t.Errorf("connect count after revive = %d, want 2", got)
	}
}

func TestDispatch_ViewerIdempotence(t *testing.T) {
	tf := newTestFleet(t, "alpha")
	ctx := context.Background()

	results, _ := tf.dispatcher.Dispatch(ctx, Request{Action: ActionViewerStart, Target: "alpha"})
	if results[0].Outcome != OutcomeApplied {
		t.Fatalf("viewer start = %+v, want applied", results[0])
	}
	results, _ = tf.dispatcher.Dispatch(ctx, Request{Action: ActionViewerStart, Target: "alpha"})
	if results[0].Outcome != OutcomeSkipped {
		t.Errorf("repeat viewer start = %+v, want skipped", results[0])
	}
	results, _ = tf.dispatcher.Dispatch(ctx, Request{Action: ActionViewerStop, Target: "alpha"})
	if results[0].Outcome != OutcomeApplied {
		t.Errorf("viewer stop = %+v, want applied", results[0])
	}
	results, _ = tf.dispatcher.Dispatch(ctx, Request{Action: ActionViewerStop, Target: "alpha"})
	if results[0].Outcome != OutcomeSkipped {
		t.Errorf("repeat viewer stop = %+v, want skipped", results[0])
	}
}

func TestDispatch_PublishesCommandEvent(t *testing.T) {
	tf := newTestFleet(t, "alpha", "beta")
	sub := tf.bus.Subscribe(bus.TopicCommandDispatched)
	defer tf.bus.Unsubscribe(sub)

	if _, err := tf.dispatcher.Dispatch(context.Background(), Request{
		Action: ActionSay, Target: TargetAll, Message: "hi", Origin: "gateway",
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		ce := ev.Payload.(bus.CommandEvent)
		if ce.Action != "say" || ce.Target != TargetAll || ce.Applied != 2 || ce.Failed != 0 {
			t.Errorf("command event = %+v", ce)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no command event published")
	}
}

func TestDispatch_RejectsUnknownAction(t *testing.T) {
	tf := newTestFleet(t, "alpha")
	if _, err := tf.dispatcher.Dispatch(context.Background(), Request{Action: "explode", Target: "alpha"}); err == nil {
		t.Error("Dispatch accepted unknown action")
	}
	if _, err := tf.dispatcher.Dispatch(context.Background(), Request{Action: ActionKick, Target: " "}); err == nil {
		t.Error("Dispatch accepted empty target")
	}
}
