package extractor

import "testing"

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := New(Options{
		BalanceCounter: "balance",
		Labels:         []string{"your balance", "balance"},
		Floor:          100,
		Ceiling:        10_000_000,
		Increments: []IncrementRule{
			{Counter: "gems", Pattern: `(?i)\breceived\s+([0-9,]+)\s+gems?\b`},
			{Counter: "keys", Pattern: `(?i)\bearned\s+([0-9,]+)\s+keys?\b`},
		},
		MaintenancePhrases: []string{
			"server is currently under maintenance",
			"the server is restarting",
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestExtract_LabeledAndSuffixed(t *testing.T) {
	e := newTestExtractor(t)

	tests := []struct {
		line string
		want int64
	}{
		{"Your Balance: 2.62k", 2620},
		{"BALANCE = 3m", 3_000_000},
		{"balance 4500", 4500},
		{"your balance: 1,250,000", 1_250_000},
		{"you now hold 1.5b total", 1_500_000_000}, // suffix alone, no label
		{"reward chest gave 12K", 12_000},
		{"Your Balance: 0.5k", 500},
	}
	for _, tt := range tests {
		got := e.Extract(tt.line)
		if got.Kind != KindSet {
			t.Errorf("Extract(%q).Kind = %s, want set", tt.line, got.Kind)
			continue
		}
		if got.Value != tt.want {
			t.Errorf("Extract(%q).Value = %d, want %d", tt.line, got.Value, tt.want)
		}
		if got.Source != "labeled" {
			t.Errorf("Extract(%q).Source = %q, want labeled", tt.line, got.Source)
		}
		if got.Counter != "balance" {
			t.Errorf("Extract(%q).Counter = %q, want balance", tt.line, got.Counter)
		}
	}
}

func TestExtract_LabeledBeatsFallback(t *testing.T) {
	e := newTestExtractor(t)
	// Both a labeled value and a window-plausible bare integer appear; the
	// labeled value must win even though the bare one comes first.
	got := e.Extract("rank 5000 | your balance: 2.62k")
	if got.Kind != KindSet || got.Value != 2620 || got.Source != "labeled" {
		t.Fatalf("Extract = %+v, want labeled set 2620", got)
	}
}

func TestExtract_IncrementRules(t *testing.T) {
	e := newTestExtractor(t)

	got := e.Extract("You received 1,200 gems from the daily crate")
	if got.Kind != KindIncrement || got.Counter != "gems" || got.Delta != 1200 {
		t.Fatalf("Extract = %+v, want gems +1200", got)
	}

	got = e.Extract("earned 3 keys for voting")
	if got.Kind != KindIncrement || got.Counter != "keys" || got.Delta != 3 {
		t.Fatalf("Extract = %+v, want keys +3", got)
	}
}

func TestExtract_FallbackWindow(t *testing.T) {
	e := newTestExtractor(t)

	tests := []struct {
		line string
		want Result
	}{
		{"you have 4500", Result{Kind: KindSet, Counter: "balance", Value: 4500, Source: "fallback"}},
		{"you have 99", Result{}},                 // below floor
		{"score 10000000", Result{}},              // at ceiling, exclusive
		{"score 9999999", Result{Kind: KindSet, Counter: "balance", Value: 9_999_999, Source: "fallback"}},
		{"teleported to 50 64 -320", Result{}},    // all outside window
		{"position 30 then total 250", Result{Kind: KindSet, Counter: "balance", Value: 250, Source: "fallback"}},
	}
	for _, tt := range tests {
		got := e.Extract(tt.line)
		if got != tt.want {
			t.Errorf("Extract(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestExtract_MaintenanceSuppressesNumbers(t *testing.T) {
	e := newTestExtractor(t)

	got := e.Extract("The Server is Currently Under Maintenance, back in 500 seconds")
	if got.Kind != KindMaintenance {
		t.Fatalf("Extract = %+v, want maintenance", got)
	}
	if got.Value != 0 || got.Delta != 0 {
		t.Errorf("maintenance result carried a value: %+v", got)
	}
}

func TestExtract_NoSignal(t *testing.T) {
	e := newTestExtractor(t)
	for _, line := range []string{"", "   ", "welcome to the server!", "player joined the game"} {
		if got := e.Extract(line); got.Kind != KindNone {
			t.Errorf("Extract(%q) = %+v, want none", line, got)
		}
	}
}

func TestSetWindow_RetunesFallbackBounds(t *testing.T) {
	e := newTestExtractor(t)

	if got := e.Extract("score 50"); got.Kind != KindNone {
		t.Fatalf("Extract below floor = %+v, want none", got)
	}
	if err := e.SetWindow(10, 1000); err != nil {
		t.Fatalf("SetWindow: %v", err)
	}
	if got := e.Extract("score 50"); got.Kind != KindSet || got.Value != 50 || got.Source != "fallback" {
		t.Errorf("Extract after retune = %+v, want fallback 50", got)
	}
	// The old window no longer applies.
	if got := e.Extract("score 5000"); got.Kind != KindNone {
		t.Errorf("Extract above new ceiling = %+v, want none", got)
	}

	if err := e.SetWindow(1000, 1000); err == nil {
		t.Error("SetWindow accepted ceiling == floor")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{BalanceCounter: "", Floor: 1, Ceiling: 2}); err == nil {
		t.Error("New accepted empty counter name")
	}
	if _, err := New(Options{BalanceCounter: "balance", Floor: 100, Ceiling: 100}); err == nil {
		t.Error("New accepted ceiling == floor")
	}
	if _, err := New(Options{BalanceCounter: "balance", Floor: 1, Ceiling: 2,
		Increments: []IncrementRule{{Counter: "x", Pattern: `no capture group`}}}); err == nil {
		t.Error("New accepted increment pattern without capture group")
	}
	if _, err := New(Options{BalanceCounter: "balance", Floor: 1, Ceiling: 2,
		Increments: []IncrementRule{{Counter: "x", Pattern: `([`}}}); err == nil {
		t.Error("New accepted invalid regex")
	}
}
