package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// StdioClient spawns one protocol-client subprocess per connection and
// exchanges newline-delimited JSON frames over its stdio. The subprocess owns
// the game wire protocol; this side only sees lifecycle events and text.
type StdioClient struct {
	logger  *slog.Logger
	command string
	args    []string
}

func NewStdioClient(logger *slog.Logger, command string, args []string) *StdioClient {
	return &StdioClient{
		logger:  logger.With("component", "protocol"),
		command: command,
		args:    args,
	}
}

// outbound frames: {"op": "connect"|"chat"|"disconnect", ...}
type stdioFrame struct {
	Op      string          `json:"op"`
	Connect *ConnectOptions `json:"connect,omitempty"`
	Text    string          `json:"text,omitempty"`
}

func (c *StdioClient) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	if c.command == "" {
		return nil, fmt.Errorf("protocol command not configured")
	}

	cmd := exec.Command(c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", c.command, err)
	}

	conn := &stdioConn{
		logger: c.logger.With("session_id", opts.AccountID),
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
		closeC: make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			conn.logger.Debug("protocol stderr", "msg", scanner.Text())
		}
	}()
	go conn.readLoop(bufio.NewReader(stdout))

	if err := conn.send(stdioFrame{Op: "connect", Connect: &opts}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send connect frame: %w", err)
	}
	return conn, nil
}

type stdioConn struct {
	logger *slog.Logger
	cmd    *exec.Cmd
	events chan Event
	closeC chan struct{}

	mu     sync.Mutex
	stdin  io.WriteCloser
	closed bool
}

func (c *stdioConn) Events() <-chan Event { return c.events }

func (c *stdioConn) SendChat(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(stdioFrame{Op: "chat", Text: text})
}

func (c *stdioConn) send(frame stdioFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// readLoop decodes inbound frames until EOF. The subprocess exiting without
// a disconnected frame still surfaces as one, so the session always observes
// a terminal event. Delivery selects against closeC so the reader never
// parks on a consumer that stopped draining before Close.
func (c *stdioConn) readLoop(r *bufio.Reader) {
	defer func() { _ = c.cmd.Wait() }()
	defer close(c.events)

	deliver := func(ev Event) bool {
		select {
		case c.events <- ev:
			return true
		case <-c.closeC:
			return false
		}
	}

	sawDisconnect := false
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var ev Event
			if jsonErr := json.Unmarshal(line, &ev); jsonErr != nil {
				c.logger.Warn("malformed protocol frame", "error", jsonErr)
			} else {
				if ev.Kind == EventDisconnected {
					sawDisconnect = true
				}
				if !deliver(ev) {
					return
				}
				if sawDisconnect {
					break
				}
			}
		}
		if err != nil {
			if !sawDisconnect {
				reason := "protocol client exited"
				if err != io.EOF {
					reason = err.Error()
				}
				if !deliver(Event{Kind: EventDisconnected, Reason: reason}) {
					return
				}
			}
			break
		}
	}
}

func (c *stdioConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	c.mu.Unlock()

	close(c.closeC)
	_ = stdin.Close()
	if c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}
