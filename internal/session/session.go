// Package session runs one supervised connection as an actor: a single
// goroutine consumes the connection's event stream, applies extracted
// signals to counters, and reports lifecycle transitions on the bus. All
// cross-goroutine reads go through accessor methods.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/extractor"
	"github.com/basket/botfleet/internal/protocol"
	"github.com/basket/botfleet/internal/viewer"
)

type State string

const (
	StateConnecting State = "connecting"
	StateOnline     State = "online"
	// StateMaintenance covers the window between a maintenance notice and
	// the deliberate disconnect it triggers.
	StateMaintenance  State = "maintenance"
	StateDisconnected State = "disconnected"
	StateStopped      State = "stopped"
)

var (
	ErrNotOnline            = errors.New("session not online")
	ErrAlreadyDisconnected  = errors.New("session already disconnected")
	ErrViewerAlreadyRunning = errors.New("viewer already running")
	ErrViewerNotRunning     = errors.New("viewer not running")
	ErrMessageTooLong       = errors.New("chat message too long")
)

// CounterStore persists counter values so they survive reconnects and
// daemon restarts. Implementations must be safe for concurrent use.
type CounterStore interface {
	SaveCounter(sessionID, name string, value int64, source string) error
	RecordSessionEvent(sessionID, kind, detail string) error
}

// ExitInfo is handed to the exit callback exactly once, after the event
// stream ends. Recreate=false means the supervisor must not reconnect this
// session (operator kick or shutdown). Forced marks an operator-requested
// bounce, which recreates even when automatic reconnection is disabled.
type ExitInfo struct {
	SessionID   string
	Reason      string
	Maintenance bool
	Recreate    bool
	Forced      bool
	Counters    map[string]int64
}

type Config struct {
	ID       string
	Username string

	QueryCommand  string
	QueryDelay    time.Duration
	MaxChatLength int

	// InitialCounters seeds counter values carried over from a previous
	// connection of the same account.
	InitialCounters map[string]int64

	ViewerPort int
	// ViewerReadyWait bounds how long StartViewer waits for the first
	// vitals update before force-starting the feed anyway.
	ViewerReadyWait time.Duration
}

type Session struct {
	cfg    Config
	logger *slog.Logger
	bus    *bus.Bus
	ext    *extractor.Extractor
	store  CounterStore
	viewer viewer.Service
	conn   protocol.Conn
	onExit func(ExitInfo)

	mu               sync.Mutex
	state            State
	vitals           protocol.Vitals
	vitalsSeen       bool
	scoreboard       *protocol.Scoreboard
	counters         map[string]int64
	lastChatAt       time.Time
	maintenance      bool
	suppressRecreate bool
	forceRecreate    bool
	exitReason       string
	viewerOn         bool
	viewerStarting   bool

	done chan struct{}
}

func New(logger *slog.Logger, b *bus.Bus, ext *extractor.Extractor, store CounterStore,
	viewerSvc viewer.Service, conn protocol.Conn, cfg Config, onExit func(ExitInfo)) *Session {

	counters := make(map[string]int64, len(cfg.InitialCounters))
	for k, v := range cfg.InitialCounters {
		counters[k] = v
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.With("component", "session", "session_id", cfg.ID),
		bus:      b,
		ext:      ext,
		store:    store,
		viewer:   viewerSvc,
		conn:     conn,
		onExit:   onExit,
		state:    StateConnecting,
		counters: counters,
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string       { return s.cfg.ID }
func (s *Session) Username() string { return s.cfg.Username }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Vitals() protocol.Vitals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vitals
}

// VitalsSeen reports whether the connection has delivered at least one
// vitals update, which doubles as the world-readiness signal.
func (s *Session) VitalsSeen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vitalsSeen
}

// Scoreboard returns the last sidebar the server pushed, or nil.
func (s *Session) Scoreboard() *protocol.Scoreboard {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scoreboard == nil {
		return nil
	}
	sb := *s.scoreboard
	sb.Lines = append([]string(nil), s.scoreboard.Lines...)
	return &sb
}

func (s *Session) Counters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

func (s *Session) ViewerRunning() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.viewerOn {
		return false, 0
	}
	return true, s.cfg.ViewerPort
}

// Done closes when the run loop has fully exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run consumes the connection event stream until it ends or ctx is
// cancelled. It must be called exactly once, on its own goroutine.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	var queryC <-chan time.Time
	var queryTimer *time.Timer
	defer func() {
		if queryTimer != nil {
			queryTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.suppressRecreate = true
			if s.exitReason == "" {
				s.exitReason = "shutdown"
			}
			s.mu.Unlock()
			_ = s.conn.Close()
			s.finish()
			return

		case <-queryC:
			queryC = nil
			if err := s.conn.SendChat(ctx, s.cfg.QueryCommand); err != nil {
				s.logger.Warn("initial query failed", "error", err)
			} else {
				s.logger.Debug("initial query sent", "command", s.cfg.QueryCommand)
			}

		case ev, ok := <-s.conn.Events():
			if !ok {
				s.finish()
				return
			}
			switch ev.Kind {
			case protocol.EventReady:
				s.transition(StateOnline, "spawned")
				if s.cfg.QueryCommand != "" {
					queryTimer = time.NewTimer(s.cfg.QueryDelay)
					queryC = queryTimer.C
				}

			case protocol.EventLine:
				s.handleText(ev.Line)

			case protocol.EventChat:
				s.bus.Publish(bus.TopicSessionChat, bus.ChatEvent{
					SessionID:   s.cfg.ID,
					DisplayName: s.cfg.Username,
					Speaker:     ev.Speaker,
					Message:     ev.Message,
				})
				s.handleText(ev.Message)

			case protocol.EventVitals:
				if ev.Vitals != nil {
					s.mu.Lock()
					s.vitals = *ev.Vitals
					s.vitalsSeen = true
					s.mu.Unlock()
				}

			case protocol.EventScoreboard:
				if ev.Scoreboard != nil {
					s.mu.Lock()
					s.scoreboard = ev.Scoreboard
					s.mu.Unlock()
				}

			case protocol.EventDisconnected:
				s.mu.Lock()
				if s.exitReason == "" {
					s.exitReason = ev.Reason
				}
				s.mu.Unlock()

			case protocol.EventError:
				s.logger.Warn("connection error", "error", ev.Err, "detail", ev.Reason)
			}
		}
	}
}

// handleText runs the extractor over one line of server or chat text and
// applies the resulting signal.
func (s *Session) handleText(text string) {
	res := s.ext.Extract(text)
	switch res.Kind {
	case extractor.KindMaintenance:
		s.logger.Info("maintenance notice detected, leaving", "line", text)
		s.mu.Lock()
		s.maintenance = true
		if s.exitReason == "" {
			s.exitReason = "maintenance"
		}
		s.mu.Unlock()
		s.transition(StateMaintenance, "maintenance notice")
		if s.store != nil {
			_ = s.store.RecordSessionEvent(s.cfg.ID, "maintenance", text)
		}
		_ = s.conn.Close()

	case extractor.KindSet:
		s.applyCounter(res.Counter, res.Value, res.Source)

	case extractor.KindIncrement:
		s.mu.Lock()
		next := s.counters[res.Counter] + res.Delta
		s.mu.Unlock()
		s.applyCounter(res.Counter, next, res.Source)
	}
}

func (s *Session) applyCounter(name string, value int64, source string) {
	s.mu.Lock()
	s.counters[name] = value
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveCounter(s.cfg.ID, name, value, source); err != nil {
			s.logger.Warn("persist counter failed", "counter", name, "error", err)
		}
	}
	s.logger.Debug("counter updated", "counter", name, "value", value, "source", source)
	s.bus.Publish(bus.TopicSessionCounter, bus.CounterEvent{
		SessionID: s.cfg.ID,
		Counter:   name,
		Value:     value,
		Source:    source,
	})
}

// SendChat forwards an operator or scheduled message. Messages longer than
// the configured limit are rejected rather than truncated, so the operator
// sees the problem instead of a silently mangled message.
func (s *Session) SendChat(ctx context.Context, text string) error {
	if s.cfg.MaxChatLength > 0 && len(text) > s.cfg.MaxChatLength {
		return fmt.Errorf("%w: %d > %d chars", ErrMessageTooLong, len(text), s.cfg.MaxChatLength)
	}
	s.mu.Lock()
	online := s.state == StateOnline
	s.mu.Unlock()
	if !online {
		return ErrNotOnline
	}
	if err := s.conn.SendChat(ctx, text); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastChatAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Disconnect closes the connection. recreate=false pins the session down
// until an operator reconnects it explicitly; recreate=true is an operator
// bounce and forces recreation even when automatic reconnects are disabled.
func (s *Session) Disconnect(reason string, recreate bool) error {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateStopped {
		s.mu.Unlock()
		return ErrAlreadyDisconnected
	}
	s.suppressRecreate = !recreate
	s.forceRecreate = recreate
	if s.exitReason == "" {
		s.exitReason = reason
	}
	s.mu.Unlock()

	return s.conn.Close()
}

// StartViewer brings up the feed for this session. The starting flag keeps
// concurrent callers from racing past the running check and acquiring two
// feeds; the world-readiness wait holds the feed back until the first
// vitals update, bounded by ViewerReadyWait, then force-starts.
func (s *Session) StartViewer(ctx context.Context) error {
	s.mu.Lock()
	if s.viewerOn || s.viewerStarting {
		s.mu.Unlock()
		return ErrViewerAlreadyRunning
	}
	s.viewerStarting = true
	s.mu.Unlock()

	s.waitWorldReady(ctx)
	err := s.viewer.Start(ctx, s.cfg.ID, s.cfg.ViewerPort)

	s.mu.Lock()
	s.viewerStarting = false
	if err == nil {
		s.viewerOn = true
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(bus.TopicSessionViewer, bus.ViewerEvent{
		SessionID: s.cfg.ID, Running: true, Port: s.cfg.ViewerPort,
	})
	return nil
}

func (s *Session) waitWorldReady(ctx context.Context) {
	if s.cfg.ViewerReadyWait <= 0 || s.VitalsSeen() {
		return
	}
	deadline := time.NewTimer(s.cfg.ViewerReadyWait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.logger.Warn("world not ready before viewer wait expired, starting anyway",
				"wait", s.cfg.ViewerReadyWait)
			return
		case <-tick.C:
			if s.VitalsSeen() {
				return
			}
		}
	}
}

func (s *Session) StopViewer() error {
	s.mu.Lock()
	if !s.viewerOn {
		s.mu.Unlock()
		return ErrViewerNotRunning
	}
	s.viewerOn = false
	s.mu.Unlock()

	err := s.viewer.Stop(s.cfg.ID)
	s.bus.Publish(bus.TopicSessionViewer, bus.ViewerEvent{
		SessionID: s.cfg.ID, Running: false, Port: s.cfg.ViewerPort,
	})
	return err
}

func (s *Session) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}

	s.logger.Info("state change", "from", string(from), "to", string(to), "reason", reason)
	if s.store != nil {
		_ = s.store.RecordSessionEvent(s.cfg.ID, string(to), reason)
	}
	s.bus.Publish(bus.TopicSessionState, bus.StateEvent{
		SessionID: s.cfg.ID,
		OldState:  string(from),
		NewState:  string(to),
		Reason:    reason,
	})
}

// finish runs the terminal transition and fires the exit callback. The
// viewer feed is torn down with the session so ports free up for the next
// connection.
func (s *Session) finish() {
	s.mu.Lock()
	reason := s.exitReason
	if reason == "" {
		reason = "connection closed"
	}
	maintenance := s.maintenance
	suppress := s.suppressRecreate
	forced := s.forceRecreate
	viewerOn := s.viewerOn
	s.mu.Unlock()

	if viewerOn {
		_ = s.StopViewer()
	}

	terminal := StateDisconnected
	if suppress && reason == "shutdown" {
		terminal = StateStopped
	}
	s.transition(terminal, reason)

	if s.onExit != nil {
		s.onExit(ExitInfo{
			SessionID:   s.cfg.ID,
			Reason:      reason,
			Maintenance: maintenance,
			Recreate:    !suppress,
			Forced:      forced,
			Counters:    s.Counters(),
		})
	}
}
