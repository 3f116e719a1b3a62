// Package protocol abstracts the connection between a supervised session and
// the remote game server. The production implementation bridges to an
// external protocol-client process over newline-delimited JSON on stdio; the
// simulated implementation drives sessions from scripted events.
package protocol

import "context"

type EventKind string

const (
	// EventReady fires once the connection has fully spawned in-world.
	EventReady EventKind = "ready"
	// EventLine is a raw non-chat server text line (system messages).
	EventLine EventKind = "line"
	// EventChat is an attributed player chat message.
	EventChat EventKind = "chat"
	// EventVitals carries a health/food/position update.
	EventVitals EventKind = "vitals"
	// EventScoreboard carries the server's sidebar scoreboard.
	EventScoreboard EventKind = "scoreboard"
	// EventDisconnected is terminal: the events channel closes after it.
	EventDisconnected EventKind = "disconnected"
	// EventError reports a non-terminal transport problem.
	EventError EventKind = "error"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Vitals struct {
	Health    float64  `json:"health"`
	Food      float64  `json:"food"`
	Dimension string   `json:"dimension"`
	Position  Position `json:"position"`
}

// Scoreboard is the sidebar objective as last pushed by the server.
type Scoreboard struct {
	Title string   `json:"title"`
	Lines []string `json:"lines"`
}

type Event struct {
	Kind       EventKind   `json:"event"`
	Line       string      `json:"line,omitempty"`
	Speaker    string      `json:"speaker,omitempty"`
	Message    string      `json:"message,omitempty"`
	Vitals     *Vitals     `json:"vitals,omitempty"`
	Scoreboard *Scoreboard `json:"scoreboard,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Err        error       `json:"-"`
}

type ProxyOptions struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ConnectOptions describes one connection attempt. The supervisor maps its
// account and server config onto this; the protocol layer never reads config
// directly.
type ConnectOptions struct {
	AccountID string        `json:"account_id"`
	Username  string        `json:"username"`
	Auth      string        `json:"auth,omitempty"`
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Version   string        `json:"version,omitempty"`
	Proxy     *ProxyOptions `json:"proxy,omitempty"`
}

// Conn is one live connection. Events() delivers in arrival order and is
// closed by the implementation after EventDisconnected (or after Close).
type Conn interface {
	Events() <-chan Event
	SendChat(ctx context.Context, text string) error
	Close() error
}

// Client creates connections. Connect returning an error means the attempt
// never produced a Conn; failures after that surface on the event channel.
type Client interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}
