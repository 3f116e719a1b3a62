// Package gateway is the local control surface: a JSON-RPC 2.0 WebSocket
// for dashboards that want live snapshots and chat, plus a small REST API
// for one-shot queries and scripted commands.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/command"
	"github.com/basket/botfleet/internal/persistence"
	"github.com/basket/botfleet/internal/status"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	ErrCodeInvalid = 1000
)

type Config struct {
	Aggregator *status.Aggregator
	Dispatcher *command.Dispatcher
	Bus        *bus.Bus
	Store      *persistence.Store // nil disables history endpoints

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	ConfigFingerprint string
	Version           string
	StartedAt         time.Time
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu      sync.Mutex
	wantStatus bool
	wantChat   bool
	busSub     *bus.Subscription
	busCancel  context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(logger *slog.Logger, cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/api/sessions", s.handleAPISessions)
	mux.HandleFunc("/api/sessions/", s.handleAPISessionCounters)
	mux.HandleFunc("/api/commands", s.handleAPICommands)
	return mux
}

// authorize checks the Bearer token. An empty token disables the check; the
// daemon generates and persists one at startup, so that only happens when
// the gateway is embedded directly.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.Aggregator.Snapshot()
	payload := map[string]any{
		"healthy":        true,
		"online":         snap.Online,
		"total":          snap.Total,
		"uptime_seconds": int(time.Since(s.cfg.StartedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	snap := s.cfg.Aggregator.Snapshot()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var reconnects, viewers int
	for _, sess := range snap.Sessions {
		reconnects += sess.Reconnects
		if sess.Viewer {
			viewers++
		}
	}
	payload := map[string]any{
		"sessions_online":  snap.Online,
		"sessions_total":   snap.Total,
		"reconnects_total": reconnects,
		"viewers_active":   viewers,
		"ws_clients":       s.clientCount(),
		"alloc_bytes":      mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	snap := s.cfg.Aggregator.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP botfleet_sessions_online Sessions currently online.\n")
	fmt.Fprintf(w, "# TYPE botfleet_sessions_online gauge\n")
	fmt.Fprintf(w, "botfleet_sessions_online %d\n", snap.Online)
	fmt.Fprintf(w, "# HELP botfleet_sessions_total Supervised sessions.\n")
	fmt.Fprintf(w, "# TYPE botfleet_sessions_total gauge\n")
	fmt.Fprintf(w, "botfleet_sessions_total %d\n", snap.Total)
	fmt.Fprintf(w, "# HELP botfleet_session_reconnects_total Reconnects per session.\n")
	fmt.Fprintf(w, "# TYPE botfleet_session_reconnects_total counter\n")
	for _, sess := range snap.Sessions {
		fmt.Fprintf(w, "botfleet_session_reconnects_total{session_id=%q} %d\n", sess.ID, sess.Reconnects)
	}
	fmt.Fprintf(w, "# HELP botfleet_session_counter Current counter values.\n")
	fmt.Fprintf(w, "# TYPE botfleet_session_counter gauge\n")
	for _, sess := range snap.Sessions {
		for name, value := range sess.Counters {
			fmt.Fprintf(w, "botfleet_session_counter{session_id=%q,counter=%q} %d\n", sess.ID, name, value)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Warn("ws write failed", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return rpcErr(id, ErrCodeInvalidRequest, "invalid JSON-RPC request")
	}

	switch req.Method {
	case "system.status":
		snap := s.cfg.Aggregator.Snapshot()
		return rpcOK(id, map[string]any{
			"healthy":            true,
			"online":             snap.Online,
			"total":              snap.Total,
			"uptime_seconds":     int(time.Since(s.cfg.StartedAt).Seconds()),
			"version":            s.cfg.Version,
			"config_fingerprint": s.cfg.ConfigFingerprint,
		})

	case "status.subscribe":
		c.subMu.Lock()
		c.wantStatus = true
		c.subMu.Unlock()
		s.ensureForwarder(c)
		// Immediate snapshot so the subscriber renders without waiting for
		// the next heartbeat.
		return rpcOK(id, s.cfg.Aggregator.Snapshot())

	case "chat.subscribe":
		c.subMu.Lock()
		c.wantChat = true
		c.subMu.Unlock()
		s.ensureForwarder(c)
		return rpcOK(id, map[string]any{"subscribed": true})

	case "command.dispatch":
		var cmdReq command.Request
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &cmdReq); err != nil {
				return rpcErr(id, ErrCodeParse, fmt.Sprintf("bad params: %v", err))
			}
		}
		if cmdReq.Origin == "" {
			cmdReq.Origin = "gateway"
		}
		results, err := s.cfg.Dispatcher.Dispatch(ctx, cmdReq)
		if err != nil {
			return rpcErr(id, ErrCodeInvalid, err.Error())
		}
		return rpcOK(id, map[string]any{"results": results})

	default:
		if !hasID {
			return nil
		}
		return rpcErr(id, ErrCodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// ensureForwarder starts the per-client bus forwarding goroutine once.
func (s *Server) ensureForwarder(c *client) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busSub != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.busSub = s.cfg.Bus.Subscribe("")
	c.busCancel = cancel
	go s.forwardBusEvents(ctx, c)
}

func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			c.subMu.Lock()
			wantStatus, wantChat := c.wantStatus, c.wantChat
			c.subMu.Unlock()

			var notif *rpcResponse
			switch payload := ev.Payload.(type) {
			case status.Snapshot:
				if wantStatus {
					notif = &rpcResponse{JSONRPC: "2.0", Method: "status.snapshot", Params: payload}
				}
			case bus.ChatEvent:
				if wantChat {
					notif = &rpcResponse{JSONRPC: "2.0", Method: "chat.message", Params: payload}
				}
			}
			if notif == nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.write(writeCtx, notif)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
		c.busSub = nil
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func rpcOK(id any, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcErr(id any, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false
	}
	return id, true
}
