// Package fleet owns the supervised session registry: staggered startup,
// the reconnect policy, and operator-initiated reconnects. At most one live
// session exists per account id at any time.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/config"
	"github.com/basket/botfleet/internal/extractor"
	"github.com/basket/botfleet/internal/protocol"
	"github.com/basket/botfleet/internal/session"
	"github.com/basket/botfleet/internal/viewer"
)

var (
	ErrUnknownSession   = errors.New("unknown session id")
	ErrAlreadyConnected = errors.New("session already connected")
)

// Store is the slice of persistence the manager needs. Nil disables
// durability; counters then only survive reconnects, not restarts.
type Store interface {
	session.CounterStore
	LoadCounters(sessionID string) (map[string]int64, error)
	UpsertSession(sessionID, username string) error
}

// Lifecycle phase of one supervised account, as seen by the manager. While a
// session is live its own state (connecting/online) takes precedence.
const (
	PhaseScheduled        = "scheduled"
	PhaseConnecting       = "connecting"
	PhaseOnline           = "online"
	PhaseReconnectWait    = "reconnect_wait"
	PhaseMaintenancePause = "maintenance_pause"
	PhaseOffline          = "offline"
)

type entry struct {
	account config.Account
	slot    int

	phase        string
	reason       string
	sess         *session.Session
	timer        *time.Timer
	lastCounters map[string]int64
	connectedAt  time.Time
	pauseUntil   time.Time
	reconnects   int
}

type SessionInfo struct {
	ID          string
	Username    string
	Phase       string
	Reason      string
	Vitals      protocol.Vitals
	Alive       bool
	Scoreboard  *protocol.Scoreboard
	Counters    map[string]int64
	Proxy       bool
	Viewer      bool
	ViewerPort  int
	ConnectedAt time.Time
	PauseUntil  time.Time
	Reconnects  int
}

type Manager struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Bus
	ext    *extractor.Extractor
	client protocol.Client
	store  Store
	viewer viewer.Service

	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string
	stopping bool
}

func NewManager(logger *slog.Logger, b *bus.Bus, ext *extractor.Extractor,
	client protocol.Client, store Store, viewerSvc viewer.Service, cfg config.Config) *Manager {

	m := &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "fleet"),
		bus:     b,
		ext:     ext,
		client:  client,
		store:   store,
		viewer:  viewerSvc,
		entries: make(map[string]*entry, len(cfg.Accounts)),
	}
	for i, acct := range cfg.Accounts {
		m.entries[acct.ID] = &entry{account: acct, slot: i, phase: PhaseScheduled}
		m.order = append(m.order, acct.ID)
	}
	return m
}

// Start schedules every account's first connection attempt with its slot's
// randomized stagger delay. Cancelling ctx tears the whole fleet down.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		e := m.entries[id]
		delay := drawDelay(m.cfg.StaggerRange(e.slot))
		m.logger.Info("session scheduled", "session_id", id, "slot", e.slot, "delay", delay)
		sid := id
		e.timer = time.AfterFunc(delay, func() { m.spawn(sid) })
	}
}

func drawDelay(r config.DelayRange) time.Duration {
	if r.MaxSeconds <= r.MinSeconds {
		return time.Duration(r.MinSeconds) * time.Second
	}
	secs := r.MinSeconds + rand.IntN(r.MaxSeconds-r.MinSeconds+1)
	return time.Duration(secs) * time.Second
}

// spawn makes one connection attempt for the given account. Calls race with
// operator reconnects and timer fires; the phase check keeps creation
// at-most-once per account.
func (m *Manager) spawn(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || m.stopping {
		m.mu.Unlock()
		return
	}
	switch e.phase {
	case PhaseConnecting, PhaseOnline:
		m.mu.Unlock()
		return
	}
	e.phase = PhaseConnecting
	e.reason = ""
	account := e.account
	slot := e.slot
	seed := e.lastCounters
	m.mu.Unlock()

	opts := protocol.ConnectOptions{
		AccountID: account.ID,
		Username:  account.Username,
		Auth:      account.Auth,
		Host:      m.cfg.Server.Host,
		Port:      m.cfg.Server.Port,
		Version:   m.cfg.Server.Version,
	}
	if account.Proxy != nil {
		opts.Proxy = &protocol.ProxyOptions{
			Host:     account.Proxy.Host,
			Port:     account.Proxy.Port,
			Username: account.Proxy.Username,
			Password: account.Proxy.Password,
		}
	}

	if m.store != nil {
		if err := m.store.UpsertSession(account.ID, account.Username); err != nil {
			m.logger.Warn("register session failed", "session_id", id, "error", err)
		}
		if stored, err := m.store.LoadCounters(account.ID); err != nil {
			m.logger.Warn("load counters failed", "session_id", id, "error", err)
		} else if len(stored) > 0 {
			seed = stored
		}
	}

	conn, err := m.client.Connect(m.ctx, opts)
	if err != nil {
		m.logger.Warn("connect failed", "session_id", id, "error", err)
		if !m.cfg.Reconnect.Enabled {
			m.mu.Lock()
			e.phase = PhaseOffline
			e.reason = err.Error()
			m.mu.Unlock()
			return
		}
		m.scheduleRecreate(id, err.Error(), false)
		return
	}

	var store session.CounterStore
	if m.store != nil {
		store = m.store
	}
	sess := session.New(m.logger, m.bus, m.ext, store, m.viewer, conn, session.Config{
		ID:              account.ID,
		Username:        account.Username,
		QueryCommand:    m.cfg.Query.Command,
		QueryDelay:      time.Duration(m.cfg.Query.InitialDelaySeconds) * time.Second,
		MaxChatLength:   m.cfg.Chat.MaxMessageLength,
		InitialCounters: seed,
		ViewerPort:      m.cfg.Viewer.BasePort + slot,
		ViewerReadyWait: time.Duration(m.cfg.Viewer.ReadyTimeoutSeconds) * time.Second,
	}, m.handleExit)

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	e.sess = sess
	e.phase = PhaseOnline
	e.connectedAt = time.Now()
	e.pauseUntil = time.Time{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sess.Run(m.ctx)
	}()
	m.logger.Info("session created", "session_id", id, "username", account.Username)
}

// handleExit is the reconnect policy. It runs on the exiting session's
// goroutine, exactly once per session.
func (m *Manager) handleExit(info session.ExitInfo) {
	m.mu.Lock()
	e, ok := m.entries[info.SessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.sess = nil
	e.lastCounters = info.Counters
	e.reason = info.Reason
	e.reconnects++
	stopping := m.stopping
	m.mu.Unlock()

	// An operator bounce (Forced) recreates even with automatic
	// reconnection disabled.
	if stopping || !info.Recreate || (!m.cfg.Reconnect.Enabled && !info.Forced) {
		m.mu.Lock()
		e.phase = PhaseOffline
		m.mu.Unlock()
		m.logger.Info("session down", "session_id", info.SessionID, "reason", info.Reason)
		return
	}
	m.scheduleRecreate(info.SessionID, info.Reason, info.Maintenance)
}

// scheduleRecreate arms the next connection attempt. Maintenance exits wait
// a randomized pause so the whole fleet does not stampede back the moment
// the server returns.
func (m *Manager) scheduleRecreate(id, reason string, maintenance bool) {
	var delay time.Duration
	var phase string
	if maintenance {
		delay = drawDelay(config.DelayRange{
			MinSeconds: m.cfg.Maintenance.PauseMinMinutes * 60,
			MaxSeconds: m.cfg.Maintenance.PauseMaxMinutes * 60,
		})
		phase = PhaseMaintenancePause
	} else {
		delay = time.Duration(m.cfg.Reconnect.DelaySeconds) * time.Second
		phase = PhaseReconnectWait
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || m.stopping {
		m.mu.Unlock()
		return
	}
	e.phase = phase
	e.reason = reason
	if maintenance {
		e.pauseUntil = time.Now().Add(delay)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(delay, func() { m.spawn(id) })
	m.mu.Unlock()

	m.logger.Info("recreate scheduled", "session_id", id, "delay", delay,
		"maintenance", maintenance, "reason", reason)
}

// Session returns the live session for an account, if any.
func (m *Manager) Session(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || e.sess == nil {
		return nil, false
	}
	return e.sess, true
}

// IDs returns every supervised account id in startup order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Deregister removes an account from supervision entirely: pending timers
// are cancelled, a live session is disconnected without recreation (which
// also releases its viewer feed), and the entry leaves the registry.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	delete(m.entries, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	sess := e.sess
	m.mu.Unlock()

	if sess != nil {
		if err := sess.Disconnect("deregistered", false); err != nil && !errors.Is(err, session.ErrAlreadyDisconnected) {
			m.logger.Warn("deregister disconnect failed", "session_id", id, "error", err)
		}
	}
	m.logger.Info("session deregistered", "session_id", id)
	return nil
}

// Reconnect forces an immediate connection attempt for a waiting or downed
// account. Connected accounts return ErrAlreadyConnected.
func (m *Manager) Reconnect(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	switch e.phase {
	case PhaseConnecting, PhaseOnline:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	m.mu.Unlock()

	go m.spawn(id)
	return nil
}

// Infos snapshots every supervised account, in startup order.
func (m *Manager) Infos() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		info := SessionInfo{
			ID:          id,
			Username:    e.account.Username,
			Phase:       e.phase,
			Reason:      e.reason,
			Counters:    e.lastCounters,
			Proxy:       e.account.Proxy != nil,
			ConnectedAt: e.connectedAt,
			PauseUntil:  e.pauseUntil,
			Reconnects:  e.reconnects,
		}
		if e.sess != nil {
			switch e.sess.State() {
			case session.StateOnline:
				info.Phase = PhaseOnline
			case session.StateConnecting:
				info.Phase = PhaseConnecting
			case session.StateMaintenance:
				info.Phase = PhaseMaintenancePause
			}
			info.Vitals = e.sess.Vitals()
			info.Alive = e.sess.State() == session.StateOnline && info.Vitals.Health > 0
			info.Scoreboard = e.sess.Scoreboard()
			info.Counters = e.sess.Counters()
			info.Viewer, info.ViewerPort = e.sess.ViewerRunning()
		}
		out = append(out, info)
	}
	return out
}

// Shutdown stops all timers, disconnects every live session and waits for
// their run loops to drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	var live []*session.Session
	for _, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.sess != nil {
			live = append(live, e.sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range live {
		if err := sess.Disconnect("shutdown", false); err != nil && !errors.Is(err, session.ErrAlreadyDisconnected) {
			m.logger.Warn("shutdown disconnect failed", "session_id", sess.ID(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fleet shutdown: %w", ctx.Err())
	}
}
