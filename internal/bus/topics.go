package bus

// Session event topics.
const (
	TopicSessionState   = "session.state"
	TopicSessionCounter = "session.counter"
	TopicSessionChat    = "session.chat"
	TopicSessionViewer  = "session.viewer"
)

// Fleet-wide topics.
const (
	TopicStatusSnapshot    = "status.snapshot"
	TopicCommandDispatched = "command.dispatched"
)

// StateEvent is published when a session's connection state changes.
type StateEvent struct {
	SessionID string // Account identifier
	OldState  string // Previous state (e.g. "connecting")
	NewState  string // New state (e.g. "online")
	Reason    string // Disconnect reason, empty otherwise
}

// CounterEvent is published when the signal extractor updates a counter.
type CounterEvent struct {
	SessionID string // Account identifier
	Counter   string // Counter name (e.g. "balance")
	Value     int64  // New cumulative value
	Source    string // "labeled", "fallback" or "increment"
}

// ChatEvent is published for every player chat message a session observes.
type ChatEvent struct {
	SessionID   string // Account identifier
	DisplayName string // Resolved in-game name of the agent
	Speaker     string // Name of whoever spoke
	Message     string
}

// ViewerEvent is published when a session's live-view feed starts or stops.
type ViewerEvent struct {
	SessionID string
	Running   bool
	Port      int
}

// CommandEvent is published after a fan-out command finished dispatching.
type CommandEvent struct {
	Action  string // "kick", "reconnect", "say", ...
	Target  string // account id or "all"
	Origin  string // "telegram", "gateway", "schedule", ...
	Applied int
	Skipped int
	Failed  int
}
