// Package extractor pulls counter signals out of free-form server text.
// Matching runs in strict priority order: maintenance notices first, then an
// authoritative balance report (labeled or magnitude-suffixed), then
// configured increment rules, then a bounded plain-integer fallback.
package extractor

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

type Kind int

const (
	// KindNone means the line carried no recognized signal.
	KindNone Kind = iota
	// KindMaintenance means a maintenance notice matched; numeric parsing
	// is suppressed for the whole line.
	KindMaintenance
	// KindSet is an authoritative counter value that replaces the old one.
	KindSet
	// KindIncrement adds a delta to a counter.
	KindIncrement
)

func (k Kind) String() string {
	switch k {
	case KindMaintenance:
		return "maintenance"
	case KindSet:
		return "set"
	case KindIncrement:
		return "increment"
	default:
		return "none"
	}
}

// Result is one extracted signal. Source distinguishes how a KindSet value
// was recognized: "labeled" for label/suffix matches, "fallback" for the
// plain-integer window.
type Result struct {
	Kind    Kind
	Counter string
	Value   int64
	Delta   int64
	Source  string
}

type IncrementRule struct {
	Counter string
	Pattern string
}

type Options struct {
	BalanceCounter     string
	Labels             []string
	Floor              int64
	Ceiling            int64
	Increments         []IncrementRule
	MaintenancePhrases []string
}

type incrementMatcher struct {
	counter string
	re      *regexp.Regexp
}

type Extractor struct {
	balanceCounter string
	maintenance    []string

	mu             sync.RWMutex
	floor, ceiling int64

	labeled    *regexp.Regexp
	suffixed   *regexp.Regexp
	fallback   *regexp.Regexp
	increments []incrementMatcher
}

const numberPattern = `([0-9][0-9,]*(?:\.[0-9]+)?)`

func New(opts Options) (*Extractor, error) {
	if opts.BalanceCounter == "" {
		return nil, fmt.Errorf("balance counter name required")
	}
	if opts.Ceiling <= opts.Floor {
		return nil, fmt.Errorf("ceiling (%d) must exceed floor (%d)", opts.Ceiling, opts.Floor)
	}

	e := &Extractor{
		balanceCounter: opts.BalanceCounter,
		floor:          opts.Floor,
		ceiling:        opts.Ceiling,
	}
	for _, p := range opts.MaintenancePhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			e.maintenance = append(e.maintenance, p)
		}
	}

	if len(opts.Labels) > 0 {
		quoted := make([]string, 0, len(opts.Labels))
		for _, label := range opts.Labels {
			if label = strings.TrimSpace(label); label != "" {
				quoted = append(quoted, regexp.QuoteMeta(label))
			}
		}
		if len(quoted) > 0 {
			expr := `(?i)(?:` + strings.Join(quoted, "|") + `)\s*[:=]?\s*` + numberPattern + `\s*([kmb])?\b`
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("compile label pattern: %w", err)
			}
			e.labeled = re
		}
	}
	e.suffixed = regexp.MustCompile(`(?i)\b` + numberPattern + `([kmb])\b`)
	e.fallback = regexp.MustCompile(`\b([0-9][0-9,]*)\b`)

	for _, rule := range opts.Increments {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile increment pattern for %q: %w", rule.Counter, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("increment pattern for %q needs a quantity capture group", rule.Counter)
		}
		e.increments = append(e.increments, incrementMatcher{counter: rule.Counter, re: re})
	}
	return e, nil
}

// Extract classifies one server text line. At most one signal is produced
// per line; earlier priorities win.
func (e *Extractor) Extract(line string) Result {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Result{}
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range e.maintenance {
		if strings.Contains(lower, phrase) {
			return Result{Kind: KindMaintenance}
		}
	}

	if e.labeled != nil {
		if m := e.labeled.FindStringSubmatch(trimmed); m != nil {
			if v, ok := scaledValue(m[1], m[2]); ok {
				return Result{Kind: KindSet, Counter: e.balanceCounter, Value: v, Source: "labeled"}
			}
		}
	}
	if m := e.suffixed.FindStringSubmatch(trimmed); m != nil {
		if v, ok := scaledValue(m[1], m[2]); ok {
			return Result{Kind: KindSet, Counter: e.balanceCounter, Value: v, Source: "labeled"}
		}
	}

	for _, rule := range e.increments {
		if m := rule.re.FindStringSubmatch(trimmed); m != nil {
			if qty, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64); err == nil && qty > 0 {
				return Result{Kind: KindIncrement, Counter: rule.counter, Delta: qty, Source: "increment"}
			}
		}
	}

	// A bare integer only counts when it falls inside the plausible window;
	// everything outside is treated as coordinates, timestamps or noise.
	e.mu.RLock()
	floor, ceiling := e.floor, e.ceiling
	e.mu.RUnlock()
	for _, m := range e.fallback.FindAllStringSubmatch(trimmed, -1) {
		v, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
		if err != nil {
			continue
		}
		if v >= floor && v < ceiling {
			return Result{Kind: KindSet, Counter: e.balanceCounter, Value: v, Source: "fallback"}
		}
	}
	return Result{}
}

// SetWindow retunes the plain-integer fallback bounds at runtime. Sessions
// share one Extractor, so a config reload takes effect fleet-wide.
func (e *Extractor) SetWindow(floor, ceiling int64) error {
	if ceiling <= floor {
		return fmt.Errorf("ceiling (%d) must exceed floor (%d)", ceiling, floor)
	}
	e.mu.Lock()
	e.floor, e.ceiling = floor, ceiling
	e.mu.Unlock()
	return nil
}

// scaledValue parses a numeric literal with an optional k/m/b magnitude
// suffix, rounding half away from zero after scaling.
func scaledValue(literal, suffix string) (int64, bool) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(literal, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(suffix) {
	case "k":
		f *= 1_000
	case "m":
		f *= 1_000_000
	case "b":
		f *= 1_000_000_000
	case "":
	default:
		return 0, false
	}
	if f < 0 || f > math.MaxInt64/2 {
		return 0, false
	}
	return int64(math.Round(f)), true
}
