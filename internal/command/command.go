// Package command turns operator requests into per-session actions with a
// uniform fan-out: "all" expands to the current fleet at dispatch time, and
// every targeted session reports exactly one of applied, skipped (already in
// the requested state) or failed.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/fleet"
	"github.com/basket/botfleet/internal/session"
)

type Action string

const (
	ActionKick        Action = "kick"
	ActionReconnect   Action = "reconnect"
	ActionSay         Action = "say"
	ActionViewerStart Action = "viewer_start"
	ActionViewerStop  Action = "viewer_stop"
)

// TargetAll fans a command out to every supervised session.
const TargetAll = "all"

type Outcome string

const (
	// OutcomeApplied means the action changed the session's state.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped means the session was already in the requested state;
	// repeating a command is not an error.
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

type Request struct {
	Action  Action `json:"action"`
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// Result is the per-session outcome of one dispatched request.
type Result struct {
	SessionID string  `json:"session_id"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
}

type Dispatcher struct {
	logger  *slog.Logger
	bus     *bus.Bus
	manager *fleet.Manager
}

func NewDispatcher(logger *slog.Logger, b *bus.Bus, manager *fleet.Manager) *Dispatcher {
	return &Dispatcher{
		logger:  logger.With("component", "command"),
		bus:     b,
		manager: manager,
	}
}

// Dispatch validates the request, expands its target and applies the action
// to every targeted session. The returned error covers request-level
// problems only; per-session failures land in the results.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) ([]Result, error) {
	if err := d.validate(req); err != nil {
		return nil, err
	}

	ids, err := d.expandTarget(req.Target)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		results = append(results, d.apply(ctx, req, id))
	}

	ev := bus.CommandEvent{
		Action: string(req.Action),
		Target: req.Target,
		Origin: req.Origin,
	}
	for _, res := range results {
		switch res.Outcome {
		case OutcomeApplied:
			ev.Applied++
		case OutcomeSkipped:
			ev.Skipped++
		case OutcomeFailed:
			ev.Failed++
		}
	}
	d.bus.Publish(bus.TopicCommandDispatched, ev)
	d.logger.Info("command dispatched", "action", req.Action, "target", req.Target,
		"origin", req.Origin, "applied", ev.Applied, "skipped", ev.Skipped, "failed", ev.Failed)
	return results, nil
}

func (d *Dispatcher) validate(req Request) error {
	switch req.Action {
	case ActionKick, ActionReconnect, ActionSay, ActionViewerStart, ActionViewerStop:
	default:
		return fmt.Errorf("unknown action %q", req.Action)
	}
	if strings.TrimSpace(req.Target) == "" {
		return fmt.Errorf("empty target")
	}
	if req.Action == ActionSay && strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("say requires a message")
	}
	return nil
}

func (d *Dispatcher) expandTarget(target string) ([]string, error) {
	if target == TargetAll {
		return d.manager.IDs(), nil
	}
	for _, id := range d.manager.IDs() {
		if id == target {
			return []string{target}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", fleet.ErrUnknownSession, target)
}

func (d *Dispatcher) apply(ctx context.Context, req Request, id string) Result {
	switch req.Action {
	case ActionKick:
		sess, ok := d.manager.Session(id)
		if !ok {
			return Result{SessionID: id, Outcome: OutcomeSkipped, Detail: "already offline"}
		}
		reason := "kicked"
		if req.Origin != "" {
			reason = "kicked via " + req.Origin
		}
		if err := sess.Disconnect(reason, false); err != nil {
			if errors.Is(err, session.ErrAlreadyDisconnected) {
				return Result{SessionID: id, Outcome: OutcomeSkipped, Detail: "already offline"}
			}
			return Result{SessionID: id, Outcome: OutcomeFailed, Detail: err.Error()}
		}
		return Result{SessionID: id, Outcome: OutcomeApplied}

	case ActionReconnect:
		// A live session is bounced: torn down with recreation forced, so
		// the exit path brings it back. Downed sessions are revived through
		// the manager instead.
		if sess, ok := d.manager.Session(id); ok {
			reason := "reconnect"
			if req.Origin != "" {
				reason = "reconnect via " + req.Origin
			}
			if err := sess.Disconnect(reason, true); err != nil {
				if errors.Is(err, session.ErrAlreadyDisconnected) {
					return Result{SessionID: id, Outcome: OutcomeSkipped, Detail: "already reconnecting"}
				}
				return Result{SessionID: id, Outcome: OutcomeFailed, Detail: err.Error()}
			}
			return Result{SessionID: id, Outcome: OutcomeApplied}
		}
		switch err := d.manager.Reconnect(id); {
		case err == nil:
			return Result{SessionID: id, Outcome: OutcomeApplied}
		case errors.Is(err, fleet.ErrAlreadyConnected):
			return Result{SessionID: id, Outcome: OutcomeSkipped, Detail: "already reconnecting"}
		default:
			return Result{SessionID: id, Outcome: OutcomeFailed, Detail: err.Error()}
		}

	case ActionSay:
		sess, ok := d.manager.Session(id)
		if !ok {
			return Result{SessionID: id, Outcome: OutcomeFailed, Detail: "session offline"}
		}
		if err := sess.SendChat(ctx, req.Message); err != nil {
			return Result{SessionID: id, Outcome: OutcomeFailed, Detail: err.Error()}
		}
		return Result{SessionID: id, Outcome: OutcomeApplied}

	case ActionViewerStart:
		sess, ok := d.manager.Session(id)
		if !ok {
			return Result{SessionID: id, Outcome: OutcomeFailed, Detail: "session offline"}
		}
		if err := sess.StartViewer(ctx); err != nil {
			if errors.Is(err, session.ErrViewerAlreadyRunning) {
				return Result{SessionID: id, Outcome: OutcomeSkipped, Detail: "viewer already running"}
			}
			return Result{SessionID: id, Outcome: OutcomeFailed, Detail: err.Error()}
		}
		return Result{SessionID: id, Outcome: OutcomeApplied}

	case ActionViewerStop:
		sess, ok := d.manager.Session(id)
		if !ok {
			return Result{SessionID: id, Outcome: OutcomeSkipped, Detail: "already offline"}
		}
		if err := sess.StopViewer(); err != nil {
			if errors.Is(err, session.ErrViewerNotRunning) {
				return Result{SessionID: id, Outcome: OutcomeSkipped, Detail: "viewer not running"}
			}
			return Result{SessionID: id, Outcome: OutcomeFailed, Detail: err.Error()}
		}
		return Result{SessionID: id, Outcome: OutcomeApplied}
	}
	return Result{SessionID: id, Outcome: OutcomeFailed, Detail: "unreachable action"}
}
