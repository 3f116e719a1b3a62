package protocol

import (
	"context"
	"fmt"
	"sync"
)

// SimClient is an in-process Client used by tests and the -simulate flag.
// Connections come up immediately and are driven by Emit* calls.
type SimClient struct {
	mu       sync.Mutex
	conns    map[string][]*SimConn
	nextErr  error
	autoEcho bool
}

func NewSimClient() *SimClient {
	return &SimClient{conns: make(map[string][]*SimConn)}
}

// FailNextConnect makes the next Connect call return err.
func (c *SimClient) FailNextConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextErr = err
}

// SetAutoEcho makes new connections echo sent chat back as server lines,
// which gives simulated runs something for the extractor to chew on.
func (c *SimClient) SetAutoEcho(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoEcho = on
}

func (c *SimClient) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextErr != nil {
		err := c.nextErr
		c.nextErr = nil
		return nil, err
	}

	conn := &SimConn{
		accountID: opts.AccountID,
		events:    make(chan Event, 64),
		autoEcho:  c.autoEcho,
	}
	conn.events <- Event{Kind: EventReady}
	c.conns[opts.AccountID] = append(c.conns[opts.AccountID], conn)
	return conn, nil
}

// Conn returns the most recent connection for an account, or nil.
func (c *SimClient) Conn(accountID string) *SimConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.conns[accountID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// ConnectCount reports how many times an account has connected.
func (c *SimClient) ConnectCount(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns[accountID])
}

type SimConn struct {
	accountID string
	events    chan Event
	autoEcho  bool

	mu     sync.Mutex
	sent   []string
	closed bool
}

func (s *SimConn) Events() <-chan Event { return s.events }

func (s *SimConn) SendChat(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	s.sent = append(s.sent, text)
	echo := s.autoEcho
	s.mu.Unlock()

	if echo {
		s.EmitLine("> " + text)
	}
	return nil
}

// SentChats returns every chat message sent on this connection.
func (s *SimConn) SentChats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *SimConn) EmitLine(line string) {
	s.emit(Event{Kind: EventLine, Line: line})
}

func (s *SimConn) EmitChat(speaker, message string) {
	s.emit(Event{Kind: EventChat, Speaker: speaker, Message: message})
}

func (s *SimConn) EmitVitals(v Vitals) {
	s.emit(Event{Kind: EventVitals, Vitals: &v})
}

func (s *SimConn) EmitScoreboard(sb Scoreboard) {
	s.emit(Event{Kind: EventScoreboard, Scoreboard: &sb})
}

// Drop delivers a terminal disconnect and closes the event channel.
func (s *SimConn) Drop(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.events <- Event{Kind: EventDisconnected, Reason: reason}
	close(s.events)
}

func (s *SimConn) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *SimConn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.events)
	return nil
}
