package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/command"
	"github.com/basket/botfleet/internal/status"
)

// TelegramChannel implements the Channel interface for Telegram. Operators
// drive the fleet with slash commands and get pushed alerts when a session
// drops for a reason that needs human attention.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	dispatcher *command.Dispatcher
	aggregator *status.Aggregator
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, dispatcher *command.Dispatcher, aggregator *status.Aggregator, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		dispatcher: dispatcher,
		aggregator: aggregator,
		eventBus:   eventBus,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorAlerts(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	parsed, err := parseOperatorCommand(msg.Text)
	if err != nil {
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: %v\n\n%s", err, helpText))
		return
	}

	switch parsed.kind {
	case cmdHelp:
		t.reply(msg.Chat.ID, helpText)

	case cmdStatus:
		t.reply(msg.Chat.ID, formatSnapshot(t.aggregator.Snapshot()))

	case cmdDispatch:
		parsed.req.Origin = fmt.Sprintf("telegram:%d", msg.From.ID)
		results, err := t.dispatcher.Dispatch(ctx, parsed.req)
		if err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("Error: %v", err))
			return
		}
		t.reply(msg.Chat.ID, formatResults(parsed.req.Action, results))
	}
}

// monitorAlerts pushes session drops to every allowed chat. Scheduled
// reconnects are routine; only terminal or maintenance transitions get a ping.
func (t *TelegramChannel) monitorAlerts(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe(bus.TopicSessionState)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			state, ok := ev.Payload.(bus.StateEvent)
			if !ok {
				continue
			}
			text := alertText(state)
			if text == "" {
				continue
			}
			for chatID := range t.allowedIDs {
				t.reply(chatID, text)
			}
		}
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

const helpText = `Commands:
/status - fleet overview
/kick <session|all> - disconnect without reconnect
/reconnect <session|all> - bring an offline session back
/say <session|all> <message> - send a chat message
/view start|stop <session> - toggle the viewer
/help - this message`

const (
	cmdHelp     = "help"
	cmdStatus   = "status"
	cmdDispatch = "dispatch"
)

type operatorCommand struct {
	kind string
	req  command.Request
}

// parseOperatorCommand turns a Telegram message into an operator command.
// Telegram appends "@botname" to commands in group chats, so the verb is
// split on "@" before matching.
func parseOperatorCommand(text string) (operatorCommand, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return operatorCommand{}, fmt.Errorf("empty message")
	}
	verb := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])
	args := fields[1:]

	switch verb {
	case "/help", "/start":
		return operatorCommand{kind: cmdHelp}, nil

	case "/status":
		return operatorCommand{kind: cmdStatus}, nil

	case "/kick", "/reconnect":
		if len(args) != 1 {
			return operatorCommand{}, fmt.Errorf("usage: %s <session|all>", verb)
		}
		action := command.ActionKick
		if verb == "/reconnect" {
			action = command.ActionReconnect
		}
		return operatorCommand{kind: cmdDispatch, req: command.Request{Action: action, Target: args[0]}}, nil

	case "/say":
		if len(args) < 2 {
			return operatorCommand{}, fmt.Errorf("usage: /say <session|all> <message>")
		}
		return operatorCommand{kind: cmdDispatch, req: command.Request{
			Action:  command.ActionSay,
			Target:  args[0],
			Message: strings.Join(args[1:], " "),
		}}, nil

	case "/view":
		if len(args) != 2 {
			return operatorCommand{}, fmt.Errorf("usage: /view start|stop <session>")
		}
		var action command.Action
		switch strings.ToLower(args[0]) {
		case "start":
			action = command.ActionViewerStart
		case "stop":
			action = command.ActionViewerStop
		default:
			return operatorCommand{}, fmt.Errorf("usage: /view start|stop <session>")
		}
		return operatorCommand{kind: cmdDispatch, req: command.Request{Action: action, Target: args[1]}}, nil

	default:
		return operatorCommand{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

// formatSnapshot renders a fleet snapshot as a plain-text table. Telegram
// markdown is avoided on purpose: session IDs routinely contain characters
// MarkdownV2 would require escaping.
func formatSnapshot(snap status.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fleet: %d/%d online\n", snap.Online, snap.Total)
	for _, sess := range snap.Sessions {
		marker := "x"
		if sess.Online {
			marker = "o"
		}
		fmt.Fprintf(&b, "[%s] %s (%s)", marker, sess.ID, sess.Phase)
		if len(sess.Counters) > 0 {
			parts := make([]string, 0, len(sess.Counters))
			for name, value := range sess.Counters {
				parts = append(parts, fmt.Sprintf("%s=%d", name, value))
			}
			fmt.Fprintf(&b, " %s", strings.Join(parts, " "))
		}
		if sess.Reconnects > 0 {
			fmt.Fprintf(&b, " reconnects=%d", sess.Reconnects)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatResults(action command.Action, results []command.Result) string {
	var applied, skipped, failed int
	var lines []string
	for _, res := range results {
		switch res.Outcome {
		case command.OutcomeApplied:
			applied++
		case command.OutcomeSkipped:
			skipped++
			lines = append(lines, fmt.Sprintf("  %s skipped: %s", res.SessionID, res.Detail))
		case command.OutcomeFailed:
			failed++
			lines = append(lines, fmt.Sprintf("  %s failed: %s", res.SessionID, res.Detail))
		}
	}
	summary := fmt.Sprintf("%s: %d applied, %d skipped, %d failed", action, applied, skipped, failed)
	if len(lines) == 0 {
		return summary
	}
	return summary + "\n" + strings.Join(lines, "\n")
}

// alertText maps a state transition to an operator alert, or "" for routine
// transitions that should stay quiet. Ordinary connection drops are handled
// by the reconnect policy and not worth a ping.
func alertText(ev bus.StateEvent) string {
	if ev.NewState != "disconnected" {
		return ""
	}
	switch {
	case ev.Reason == "maintenance":
		return fmt.Sprintf("Session %s hit a maintenance notice and is pausing.", ev.SessionID)
	case strings.Contains(ev.Reason, "kick"):
		return fmt.Sprintf("Session %s was kicked: %s", ev.SessionID, ev.Reason)
	default:
		return ""
	}
}
