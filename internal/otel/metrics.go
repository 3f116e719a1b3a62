package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/botfleet/internal/bus"
)

// Metrics holds all botfleet metric instruments.
type Metrics struct {
	SessionsOnline     metric.Int64UpDownCounter
	Reconnects         metric.Int64Counter
	SignalsExtracted   metric.Int64Counter
	CounterValue       metric.Int64Gauge
	CommandsDispatched metric.Int64Counter
	MaintenancePauses  metric.Int64Counter
	ChatMessages       metric.Int64Counter
	ViewerStarts       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionsOnline, err = meter.Int64UpDownCounter("botfleet.sessions.online",
		metric.WithDescription("Sessions currently connected"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("botfleet.sessions.reconnects",
		metric.WithDescription("Reconnect attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.SignalsExtracted, err = meter.Int64Counter("botfleet.signals.extracted",
		metric.WithDescription("Counter signals extracted from text"),
	)
	if err != nil {
		return nil, err
	}

	m.CounterValue, err = meter.Int64Gauge("botfleet.counter.value",
		metric.WithDescription("Last observed counter value"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsDispatched, err = meter.Int64Counter("botfleet.commands.dispatched",
		metric.WithDescription("Operator commands dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.MaintenancePauses, err = meter.Int64Counter("botfleet.maintenance.pauses",
		metric.WithDescription("Maintenance notices that paused a session"),
	)
	if err != nil {
		return nil, err
	}

	m.ChatMessages, err = meter.Int64Counter("botfleet.chat.messages",
		metric.WithDescription("Chat messages observed across sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.ViewerStarts, err = meter.Int64Counter("botfleet.viewer.starts",
		metric.WithDescription("Viewer feed starts"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Record translates bus traffic into instrument updates. It blocks until ctx
// is canceled, so callers run it in its own goroutine.
func (m *Metrics) Record(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.record(ctx, ev)
		}
	}
}

func (m *Metrics) record(ctx context.Context, ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.StateEvent:
		sid := AttrSessionID.String(payload.SessionID)
		switch payload.NewState {
		case "online":
			m.SessionsOnline.Add(ctx, 1, metric.WithAttributes(sid))
		case "maintenance":
			if payload.OldState == "online" {
				m.SessionsOnline.Add(ctx, -1, metric.WithAttributes(sid))
			}
			m.MaintenancePauses.Add(ctx, 1, metric.WithAttributes(sid))
		case "disconnected", "stopped":
			if payload.OldState == "online" {
				m.SessionsOnline.Add(ctx, -1, metric.WithAttributes(sid))
			}
		case "connecting":
			if payload.OldState == "disconnected" {
				m.Reconnects.Add(ctx, 1, metric.WithAttributes(sid))
			}
		}

	case bus.CounterEvent:
		attrs := metric.WithAttributes(
			AttrSessionID.String(payload.SessionID),
			AttrCounter.String(payload.Counter),
		)
		m.SignalsExtracted.Add(ctx, 1, attrs)
		m.CounterValue.Record(ctx, payload.Value, attrs)

	case bus.ChatEvent:
		m.ChatMessages.Add(ctx, 1, metric.WithAttributes(AttrSessionID.String(payload.SessionID)))

	case bus.ViewerEvent:
		if payload.Running {
			m.ViewerStarts.Add(ctx, 1, metric.WithAttributes(AttrSessionID.String(payload.SessionID)))
		}

	case bus.CommandEvent:
		m.CommandsDispatched.Add(ctx, int64(payload.Applied+payload.Skipped+payload.Failed),
			metric.WithAttributes(AttrAction.String(payload.Action)))
	}
}
