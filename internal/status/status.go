// Package status folds per-session state into fleet snapshots and broadcasts
// them on the bus: once per heartbeat interval, and immediately after any
// session event, so dashboards converge fast without polling.
package status

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/fleet"
	"github.com/basket/botfleet/internal/protocol"
)

type SessionStatus struct {
	ID         string               `json:"id"`
	Username   string               `json:"username"`
	Phase      string               `json:"phase"`
	Online     bool                 `json:"online"`
	Alive      bool                 `json:"alive"`
	Health     float64              `json:"health"`
	Food       float64              `json:"food"`
	Dimension  string               `json:"dimension"`
	Position   protocol.Position    `json:"position"`
	Scoreboard *protocol.Scoreboard `json:"scoreboard,omitempty"`
	Counters   map[string]int64     `json:"counters,omitempty"`
	Proxy      bool                 `json:"proxy"`
	Viewer     bool                 `json:"viewer"`
	ViewerPort int                  `json:"viewer_port,omitempty"`
	StartedAt  time.Time            `json:"started_at,omitzero"`
	PauseUntil *time.Time           `json:"pause_until,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Reconnects int                  `json:"reconnects"`
}

type Snapshot struct {
	Time     time.Time       `json:"time"`
	Online   int             `json:"online"`
	Total    int             `json:"total"`
	Sessions []SessionStatus `json:"sessions"`
}

// InfoSource is the fleet view the aggregator reads. Satisfied by
// *fleet.Manager.
type InfoSource interface {
	Infos() []fleet.SessionInfo
}

type Aggregator struct {
	logger    *slog.Logger
	bus       *bus.Bus
	source    InfoSource
	heartbeat time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAggregator(logger *slog.Logger, b *bus.Bus, source InfoSource, heartbeat time.Duration) *Aggregator {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Aggregator{
		logger:    logger.With("component", "status"),
		bus:       b,
		source:    source,
		heartbeat: heartbeat,
	}
}

func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.loop(ctx)
}

func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Aggregator) loop(ctx context.Context) {
	defer close(a.done)

	sub := a.bus.Subscribe("session.")
	defer a.bus.Unsubscribe(sub)

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Broadcast()
		case _, ok := <-sub.Ch():
			if !ok {
				return
			}
			// Drain whatever queued behind this event so one broadcast
			// covers a burst of session activity.
			drained := false
			for !drained {
				select {
				case <-sub.Ch():
				default:
					drained = true
				}
			}
			a.Broadcast()
		}
	}
}

// Snapshot builds the current fleet view. Pure read, safe from any
// goroutine.
func (a *Aggregator) Snapshot() Snapshot {
	infos := a.source.Infos()
	snap := Snapshot{
		Time:     time.Now().UTC(),
		Total:    len(infos),
		Sessions: make([]SessionStatus, 0, len(infos)),
	}
	for _, info := range infos {
		st := SessionStatus{
			ID:         info.ID,
			Username:   info.Username,
			Phase:      info.Phase,
			Online:     info.Phase == fleet.PhaseOnline,
			Alive:      info.Alive,
			Health:     info.Vitals.Health,
			Food:       info.Vitals.Food,
			Dimension:  DimensionName(info.Vitals.Dimension),
			Position:   info.Vitals.Position,
			Scoreboard: info.Scoreboard,
			Counters:   info.Counters,
			Proxy:      info.Proxy,
			Viewer:     info.Viewer,
			ViewerPort: info.ViewerPort,
			StartedAt:  info.ConnectedAt,
			Reason:     info.Reason,
			Reconnects: info.Reconnects,
		}
		if info.Phase == fleet.PhaseMaintenancePause && !info.PauseUntil.IsZero() {
			until := info.PauseUntil
			st.PauseUntil = &until
		}
		if st.Online {
			snap.Online++
		}
		snap.Sessions = append(snap.Sessions, st)
	}
	return snap
}

// Broadcast publishes one snapshot on the bus.
func (a *Aggregator) Broadcast() Snapshot {
	snap := a.Snapshot()
	a.bus.Publish(bus.TopicStatusSnapshot, snap)
	return snap
}

// Subscribe registers a snapshot listener and returns the current snapshot
// so new subscribers render immediately instead of waiting for the next
// heartbeat.
func (a *Aggregator) Subscribe() (*bus.Subscription, Snapshot) {
	sub := a.bus.Subscribe(bus.TopicStatusSnapshot)
	return sub, a.Snapshot()
}

// DimensionName maps raw dimension identifiers to display names. Anything
// unrecognized shows as Unknown; empty means no vitals observed yet.
func DimensionName(raw string) string {
	switch strings.TrimPrefix(strings.ToLower(raw), "minecraft:") {
	case "overworld":
		return "Overworld"
	case "the_nether", "nether":
		return "Nether"
	case "the_end", "end":
		return "End"
	case "":
		return ""
	default:
		return "Unknown"
	}
}
