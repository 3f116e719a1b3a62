// Package viewer manages per-session live-view feed processes. Each feed is
// an external command serving a first-person view on a local port.
package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Service starts and stops view feeds keyed by session id.
type Service interface {
	Start(ctx context.Context, sessionID string, port int) error
	Stop(sessionID string) error
	Running(sessionID string) (bool, int)
}

// ExecService runs one subprocess per active feed. Start waits for the feed
// port to accept connections; on timeout it reports success anyway and lets
// the feed finish warming up, since a slow feed is better than none.
type ExecService struct {
	logger       *slog.Logger
	command      string
	args         []string
	readyTimeout time.Duration

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	cmd  *exec.Cmd
	port int
}

func NewExecService(logger *slog.Logger, command string, args []string, readyTimeout time.Duration) *ExecService {
	return &ExecService{
		logger:       logger.With("component", "viewer"),
		command:      command,
		args:         args,
		readyTimeout: readyTimeout,
		feeds:        make(map[string]*feed),
	}
}

func (s *ExecService) Start(ctx context.Context, sessionID string, port int) error {
	if s.command == "" {
		return fmt.Errorf("viewer command not configured")
	}

	// Claim the session's slot before spawning so a concurrent Start for
	// the same session cannot acquire a second feed.
	claimed := &feed{port: port}
	s.mu.Lock()
	if _, exists := s.feeds[sessionID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("viewer already running for %s", sessionID)
	}
	s.feeds[sessionID] = claimed
	s.mu.Unlock()

	args := make([]string, 0, len(s.args))
	for _, a := range s.args {
		a = strings.ReplaceAll(a, "{session}", sessionID)
		a = strings.ReplaceAll(a, "{port}", strconv.Itoa(port))
		args = append(args, a)
	}
	cmd := exec.Command(s.command, args...)
	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		if s.feeds[sessionID] == claimed {
			delete(s.feeds, sessionID)
		}
		s.mu.Unlock()
		return fmt.Errorf("start viewer for %s: %w", sessionID, err)
	}

	s.mu.Lock()
	claimed.cmd = cmd
	s.mu.Unlock()

	if err := s.waitReady(ctx, port); err != nil {
		s.logger.Warn("viewer not ready before timeout, continuing",
			"session_id", sessionID, "port", port, "error", err)
	}
	s.logger.Info("viewer started", "session_id", sessionID, "port", port)
	return nil
}

func (s *ExecService) waitReady(ctx context.Context, port int) error {
	deadline := time.Now().Add(s.readyTimeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
	return fmt.Errorf("port %d not accepting after %s", port, s.readyTimeout)
}

func (s *ExecService) Stop(sessionID string) error {
	s.mu.Lock()
	f, exists := s.feeds[sessionID]
	var cmd *exec.Cmd
	if exists {
		delete(s.feeds, sessionID)
		cmd = f.cmd
	}
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("no viewer running for %s", sessionID)
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	s.logger.Info("viewer stopped", "session_id", sessionID)
	return nil
}

func (s *ExecService) Running(sessionID string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, exists := s.feeds[sessionID]; exists {
		return true, f.port
	}
	return false, 0
}

// StopAll kills every active feed; used at shutdown.
func (s *ExecService) StopAll() {
	s.mu.Lock()
	feeds := s.feeds
	s.feeds = make(map[string]*feed)
	s.mu.Unlock()

	for id, f := range feeds {
		if f.cmd != nil && f.cmd.Process != nil {
			_ = f.cmd.Process.Kill()
			_ = f.cmd.Wait()
		}
		s.logger.Info("viewer stopped", "session_id", id)
	}
}

// FakeService is an in-memory Service for tests and simulated runs.
type FakeService struct {
	mu       sync.Mutex
	running  map[string]int
	startErr error
}

func NewFakeService() *FakeService {
	return &FakeService{running: make(map[string]int)}
}

func (f *FakeService) FailNextStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *FakeService) Start(ctx context.Context, sessionID string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		err := f.startErr
		f.startErr = nil
		return err
	}
	if _, exists := f.running[sessionID]; exists {
		return fmt.Errorf("viewer already running for %s", sessionID)
	}
	f.running[sessionID] = port
	return nil
}

func (f *FakeService) Stop(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.running[sessionID]; !exists {
		return fmt.Errorf("no viewer running for %s", sessionID)
	}
	delete(f.running, sessionID)
	return nil
}

func (f *FakeService) Running(sessionID string) (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	port, exists := f.running[sessionID]
	return exists, port
}
