// Package tui renders a terminal dashboard for the fleet: one row per
// session with live state and counters, plus single-key commands against
// the selected session.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/botfleet/internal/command"
	"github.com/basket/botfleet/internal/status"
)

type StatusProvider func() status.Snapshot

// Commander is the subset of the dispatcher the dashboard needs. Nil
// disables the command keys and leaves a read-only view.
type Commander interface {
	Dispatch(ctx context.Context, req command.Request) ([]command.Result, error)
}

type model struct {
	provider   StatusProvider
	dispatcher Commander
	snap       status.Snapshot
	selected   int
	lastAction string
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.snap.Sessions)-1 {
				m.selected++
			}
		case "d":
			m = m.dispatch(command.ActionKick)
		case "r":
			m = m.dispatch(command.ActionReconnect)
		case "v":
			if sess, ok := m.selectedSession(); ok {
				action := command.ActionViewerStart
				if sess.Viewer {
					action = command.ActionViewerStop
				}
				m = m.dispatch(action)
			}
		}
	case tickMsg:
		m.snap = m.provider()
		if m.selected >= len(m.snap.Sessions) && len(m.snap.Sessions) > 0 {
			m.selected = len(m.snap.Sessions) - 1
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m model) selectedSession() (status.SessionStatus, bool) {
	if m.selected < 0 || m.selected >= len(m.snap.Sessions) {
		return status.SessionStatus{}, false
	}
	return m.snap.Sessions[m.selected], true
}

func (m model) dispatch(action command.Action) model {
	sess, ok := m.selectedSession()
	if !ok || m.dispatcher == nil {
		return m
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := m.dispatcher.Dispatch(ctx, command.Request{
		Action: action,
		Target: sess.ID,
		Origin: "tui",
	})
	if err != nil {
		m.lastAction = fmt.Sprintf("%s %s: %v", action, sess.ID, err)
		return m
	}
	outcome := "no result"
	if len(results) > 0 {
		outcome = string(results[0].Outcome)
		if results[0].Detail != "" {
			outcome += ": " + results[0].Detail
		}
	}
	m.lastAction = fmt.Sprintf("%s %s: %s", action, sess.ID, outcome)
	return m
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	onlineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	offlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selectedStyle = lipgloss.NewStyle().Bold(true)
)

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("botfleet"))
	fmt.Fprintf(&b, "  %d/%d online\n\n", m.snap.Online, m.snap.Total)

	if len(m.snap.Sessions) == 0 {
		b.WriteString(dimStyle.Render("no sessions configured") + "\n")
	}

	for i, sess := range m.snap.Sessions {
		cursor := "  "
		if i == m.selected {
			cursor = "> "
		}
		line := formatSessionRow(sess)
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(cursor + line + "\n")
	}

	b.WriteString("\n")
	if m.lastAction != "" {
		b.WriteString(m.lastAction + "\n")
	}
	b.WriteString(dimStyle.Render("up/down select  d kick  r reconnect  v viewer  q quit") + "\n")
	return b.String()
}

func formatSessionRow(sess status.SessionStatus) string {
	marker := offlineStyle.Render("●")
	if sess.Online {
		marker = onlineStyle.Render("●")
	}
	row := fmt.Sprintf("%s %-16s %-12s", marker, sess.ID, sess.Phase)
	if len(sess.Counters) > 0 {
		names := make([]string, 0, len(sess.Counters))
		for name := range sess.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%d", name, sess.Counters[name]))
		}
		row += " " + strings.Join(parts, " ")
	}
	if sess.Reconnects > 0 {
		row += fmt.Sprintf(" (r%d)", sess.Reconnects)
	}
	if sess.Viewer {
		row += fmt.Sprintf(" [view:%d]", sess.ViewerPort)
	}
	return row
}

func Run(ctx context.Context, provider StatusProvider, dispatcher Commander) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, dispatcher: dispatcher, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
