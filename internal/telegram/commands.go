// Package telegram lets the chats that receive alarm notifications control
// the alarm through bot commands.
package telegram

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"homeguard/internal/alarm"
	"homeguard/internal/database"
	"homeguard/internal/logger"
	"homeguard/internal/notify"
	"homeguard/internal/schedule"
)

// Polling defaults.
const (
	DefaultWait         = 10 * time.Second
	DefaultErrorBackoff = 5 * time.Second
	defaultEventCount   = 5
	maxEventCount       = 20
	defaultChangeCount  = 3
)

// Bot is the Telegram API surface the listener needs.
type Bot interface {
	Updates(ctx context.Context, offset int64, wait time.Duration) ([]notify.TelegramUpdate, error)
	Reply(ctx context.Context, chatID, text string) error
}

// Alarm is the part of the engine commands drive.
type Alarm interface {
	Activate(ctx context.Context, src alarm.Source) error
	Deactivate(ctx context.Context, src alarm.Source) error
	ResumeSchedule(ctx context.Context)
	State() alarm.State
}

// Events reads the event log.
type Events interface {
	Recent(ctx context.Context, limit int) ([]database.Record, error)
}

// Schedule reports upcoming window changes.
type Schedule interface {
	NextChanges(n int) []schedule.Change
}

// Deps are the collaborators of the commands. Events and Schedule are optional.
type Deps struct {
	Alarm    Alarm
	Events   Events
	Schedule Schedule
}

// Options tune the listener.
type Options struct {
	// ChatIDs may issue commands; messages from other chats are ignored.
	ChatIDs []string
	// Wait is the long-poll timeout.
	Wait time.Duration
	// ErrorBackoff is waited after a failed poll.
	ErrorBackoff time.Duration
}

// Commands polls the bot for commands and answers them.
type Commands struct {
	bot     Bot
	deps    Deps
	allowed map[string]bool
	wait    time.Duration
	backoff time.Duration
	started time.Time
	offset  int64
}

// NewCommands creates a listener.
func NewCommands(bot Bot, deps Deps, opts Options) *Commands {
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}

	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}

	allowed := make(map[string]bool, len(opts.ChatIDs))
	for _, id := range opts.ChatIDs {
		allowed[id] = true
	}

	return &Commands{
		bot:     bot,
		deps:    deps,
		allowed: allowed,
		wait:    opts.Wait,
		backoff: opts.ErrorBackoff,
		started: time.Now(),
	}
}

// Run polls until ctx is done.
func (c *Commands) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "telegram-commands")
	logger.InfoKV(ctx, "Telegram command listener started", "chats", len(c.allowed))

	for {
		updates, err := c.bot.Updates(ctx, c.offset, c.wait)
		if ctx.Err() != nil {
			logger.Info(ctx, "Telegram command listener stopped")

			return nil
		}

		if err != nil {
			logger.WarnKV(ctx, "Polling Telegram failed", "error", err, "retry_in", c.backoff)

			if !sleep(ctx, c.backoff) {
				return nil
			}

			continue
		}

		for _, u := range updates {
			c.offset = max(c.offset, u.UpdateID+1)
			c.handle(ctx, u)
		}
	}
}

func (c *Commands) handle(ctx context.Context, u notify.TelegramUpdate) {
	msg := u.Message
	if msg == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if !c.allowed[chatID] {
		logger.WarnKV(ctx, "Ignoring command from unknown chat", "chat_id", chatID)

		return
	}

	logger.InfoKV(ctx, "Telegram command", "chat_id", chatID, "text", msg.Text)

	reply := c.dispatch(ctx, msg.Text)

	if err := c.bot.Reply(ctx, chatID, reply); err != nil {
		logger.WarnKV(ctx, "Telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// dispatch runs one command line and returns the HTML reply.
func (c *Commands) dispatch(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	args := fields[1:]

	// Group chats address commands as /status@botname.
	if at := strings.IndexByte(command, '@'); at != -1 {
		command = command[:at]
	}

	switch command {
	case "/start", "/help":
		return helpText
	case "/status":
		return c.status()
	case "/arm":
		return c.command(ctx, c.deps.Alarm.Activate, "Alarm armed")
	case "/disarm":
		return c.command(ctx, c.deps.Alarm.Deactivate, "Alarm disarmed")
	case "/resume":
		c.deps.Alarm.ResumeSchedule(ctx)

		return "Schedule resumed.\n\n" + c.status()
	case "/events":
		return c.events(ctx, args)
	case "/next":
		return c.next()
	default:
		return fmt.Sprintf("Unknown command %s.\nUse /help to see available commands.", html.EscapeString(command))
	}
}

const helpText = "<b>Available commands</b>\n\n" +
	"/status - alarm state\n" +
	"/arm - arm the alarm (overrides the schedule)\n" +
	"/disarm - disarm the alarm (overrides the schedule)\n" +
	"/resume - hand control back to the schedule\n" +
	"/events [n] - recent events\n" +
	"/next - next scheduled changes\n" +
	"/help - this help"

func (c *Commands) command(ctx context.Context, fn func(context.Context, alarm.Source) error, done string) string {
	if err := fn(ctx, alarm.SourceManual); err != nil {
		return "Command failed: " + html.EscapeString(err.Error())
	}

	return done + ".\n\n" + c.status()
}

func (c *Commands) status() string {
	st := c.deps.Alarm.State()

	var b strings.Builder

	b.WriteString("<b>Alarm status</b>\n\n")

	switch {
	case st.Triggered:
		b.WriteString("State: TRIGGERED\n")
	case st.Enabled:
		b.WriteString("State: armed\n")
	default:
		b.WriteString("State: disarmed\n")
	}

	control := "schedule"
	if st.ManualOverride {
		control = "manual"
	}

	fmt.Fprintf(&b, "Control: %s\n", control)
	fmt.Fprintf(&b, "Detections: %d\n", st.Detections)

	if !st.LastAlertAt.IsZero() {
		fmt.Fprintf(&b, "Last alert: %s\n", st.LastAlertAt.Local().Format("2 Jan 15:04:05"))
	}

	fmt.Fprintf(&b, "Uptime: %s", time.Since(c.started).Truncate(time.Second))

	return b.String()
}

func (c *Commands) events(ctx context.Context, args []string) string {
	if c.deps.Events == nil {
		return "The event log is not available."
	}

	n := defaultEventCount
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return "Usage: /events [n]"
		}

		n = min(v, maxEventCount)
	}

	records, err := c.deps.Events.Recent(ctx, n)
	if err != nil {
		return "Cannot read events: " + html.EscapeString(err.Error())
	}

	if len(records) == 0 {
		return "No events recorded."
	}

	var b strings.Builder

	b.WriteString("<b>Recent events</b>\n")

	for _, r := range records {
		fmt.Fprintf(&b, "\n%s  %s", r.Timestamp.Local().Format("02/01 15:04:05"), html.EscapeString(string(r.Type)))

		if r.Info != "" {
			fmt.Fprintf(&b, "  <i>%s</i>", html.EscapeString(r.Info))
		}
	}

	return b.String()
}

func (c *Commands) next() string {
	if c.deps.Schedule == nil {
		return "No schedule configured."
	}

	changes := c.deps.Schedule.NextChanges(defaultChangeCount)
	if len(changes) == 0 {
		return "No scheduled changes."
	}

	var b strings.Builder

	b.WriteString("<b>Next scheduled changes</b>\n")

	for _, ch := range changes {
		fmt.Fprintf(&b, "\n%s  %s  (%s)", ch.At.Local().Format("Mon 02/01 15:04"), ch.Action, html.EscapeString(ch.Window))
	}

	return b.String()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
