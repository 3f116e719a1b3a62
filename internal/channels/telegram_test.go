package channels

import (
	"strings"
	"testing"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/command"
	"github.com/basket/botfleet/internal/status"
)

func TestParseOperatorCommand(t *testing.T) {
	cases := []struct {
		name string
		text string
		want operatorCommand
	}{
		{"help", "/help", operatorCommand{kind: cmdHelp}},
		{"start aliases help", "/start", operatorCommand{kind: cmdHelp}},
		{"status", "/status", operatorCommand{kind: cmdStatus}},
		{"status with bot suffix", "/status@fleetbot", operatorCommand{kind: cmdStatus}},
		{"kick one", "/kick alpha", operatorCommand{
			kind: cmdDispatch,
			req:  command.Request{Action: command.ActionKick, Target: "alpha"},
		}},
		{"reconnect all", "/reconnect all", operatorCommand{
			kind: cmdDispatch,
			req:  command.Request{Action: command.ActionReconnect, Target: "all"},
		}},
		{"say joins words", "/say alpha hello there friend", operatorCommand{
			kind: cmdDispatch,
			req:  command.Request{Action: command.ActionSay, Target: "alpha", Message: "hello there friend"},
		}},
		{"view start", "/view start alpha", operatorCommand{
			kind: cmdDispatch,
			req:  command.Request{Action: command.ActionViewerStart, Target: "alpha"},
		}},
		{"view stop", "/view STOP alpha", operatorCommand{
			kind: cmdDispatch,
			req:  command.Request{Action: command.ActionViewerStop, Target: "alpha"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseOperatorCommand(tc.text)
			if err != nil {
				t.Fatalf("parseOperatorCommand(%q): %v", tc.text, err)
			}
			if got != tc.want {
				t.Errorf("parseOperatorCommand(%q) = %+v, want %+v", tc.text, got, tc.want)
			}
		})
	}
}

func TestParseOperatorCommand_Rejects(t *testing.T) {
	for _, text := range []string{
		"",
		"hello",
		"/kick",
		"/kick alpha beta",
		"/say alpha",
		"/view alpha",
		"/view pause alpha",
		"/unknown",
	} {
		if _, err := parseOperatorCommand(text); err == nil {
			t.Errorf("parseOperatorCommand(%q) accepted, want error", text)
		}
	}
}

func TestFormatSnapshot(t *testing.T) {
	snap := status.Snapshot{
		Online: 1,
		Total:  2,
		Sessions: []status.SessionStatus{
			{ID: "alpha", Online: true, Phase: "online", Counters: map[string]int64{"balance": 2620}},
			{ID: "beta", Online: false, Phase: "offline", Reconnects: 3},
		},
	}
	got := formatSnapshot(snap)

	for _, want := range []string{
		"Fleet: 1/2 online",
		"[o] alpha (online) balance=2620",
		"[x] beta (offline) reconnects=3",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("formatSnapshot missing %q in:\n%s", want, got)
		}
	}
}

func TestFormatResults(t *testing.T) {
	got := formatResults(command.ActionSay, []command.Result{
		{SessionID: "alpha", Outcome: command.OutcomeApplied},
		{SessionID: "beta", Outcome: command.OutcomeSkipped, Detail: "session not online"},
		{SessionID: "gamma", Outcome: command.OutcomeFailed, Detail: "send failed"},
	})
	if !strings.HasPrefix(got, "say: 1 applied, 1 skipped, 1 failed") {
		t.Errorf("summary line wrong: %q", got)
	}
	if !strings.Contains(got, "beta skipped: session not online") {
		t.Errorf("missing skip detail: %q", got)
	}
	if !strings.Contains(got, "gamma failed: send failed") {
		t.Errorf("missing failure detail: %q", got)
	}

	brief := formatResults(command.ActionKick, []command.Result{
		{SessionID: "alpha", Outcome: command.OutcomeApplied},
	})
	if strings.Contains(brief, "\n") {
		t.Errorf("all-applied result should be a single line: %q", brief)
	}
}

func TestAlertText(t *testing.T) {
	cases := []struct {
		name  string
		ev    bus.StateEvent
		alert bool
	}{
		{"maintenance", bus.StateEvent{SessionID: "alpha", NewState: "disconnected", Reason: "maintenance"}, true},
		{"operator kick", bus.StateEvent{SessionID: "alpha", NewState: "disconnected", Reason: "kicked via telegram:1"}, true},
		{"plain drop", bus.StateEvent{SessionID: "alpha", NewState: "disconnected", Reason: "connection reset"}, false},
		{"going online", bus.StateEvent{SessionID: "alpha", NewState: "online", Reason: "spawned"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := alertText(tc.ev)
			if tc.alert && got == "" {
				t.Error("expected an alert, got none")
			}
			if !tc.alert && got != "" {
				t.Errorf("expected silence, got %q", got)
			}
			if tc.alert && !strings.Contains(got, tc.ev.SessionID) {
				t.Errorf("alert %q does not name the session", got)
			}
		})
	}
}
