package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"homeguard/internal/logger"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token   string
	ChatIDs []string
	// APIURL overrides DefaultTelegramAPI.
	APIURL  string
	Timeout time.Duration
}

// Telegram sends notifications through a Telegram bot to every configured chat.
type Telegram struct {
	token   string
	chatIDs []string
	apiURL  string
	client  *http.Client
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// TelegramChat identifies the chat a message came from.
type TelegramChat struct {
	ID int64 `json:"id"`
}

// TelegramMessage is an incoming text message.
type TelegramMessage struct {
	MessageID int64        `json:"message_id"`
	Chat      TelegramChat `json:"chat"`
	Text      string       `json:"text,omitempty"`
}

// TelegramUpdate is one entry returned by getUpdates. Only messages are requested.
type TelegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// NewTelegram creates a Telegram sink.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultTelegramAPI
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Telegram{
		token:   cfg.Token,
		chatIDs: cfg.ChatIDs,
		apiURL:  strings.TrimRight(cfg.APIURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Sink.
func (t *Telegram) Name() string {
	return "telegram"
}

// Notify implements Sink. Each chat gets the text, followed by the snapshot
// and the clip when present; a chat counts as reached when its text arrived.
func (t *Telegram) Notify(ctx context.Context, n Notification) (Delivery, error) {
	var (
		d       Delivery
		lastErr error
	)

	text := formatMessage(n)

	for _, chatID := range t.chatIDs {
		d.Attempted++

		err := t.deliver(ctx, chatID, text, n)
		if err != nil {
			logger.WarnKV(ctx, "Telegram delivery failed", "chat_id", chatID, "error", err)
			lastErr = err

			continue
		}

		d.Succeeded++
	}

	logger.DebugKV(ctx, "Telegram notification sent", "succeeded", d.Succeeded, "attempted", d.Attempted)

	if d.Succeeded == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no chat configured")
		}

		return d, fmt.Errorf("%w: telegram: %w", ErrNotification, lastErr)
	}

	return d, nil
}

func (t *Telegram) deliver(ctx context.Context, chatID, text string, n Notification) error {
	if len(n.Snapshot) > 0 {
		if err := t.sendFile(ctx, "sendPhoto", "photo", "snapshot.jpg", chatID, text, bytes.NewReader(n.Snapshot)); err != nil {
			return err
		}
	} else if err := t.sendMessage(ctx, chatID, text); err != nil {
		return err
	}

	if n.ClipPath == "" {
		return nil
	}

	f, err := os.Open(filepath.Clean(n.ClipPath))
	if err != nil {
		logger.WarnKV(ctx, "Cannot attach clip", "path", n.ClipPath, "error", err)

		return nil
	}
	defer f.Close()

	// A missing video does not undo the text that already arrived.
	if err := t.sendFile(ctx, "sendVideo", "video", filepath.Base(n.ClipPath), chatID, "", f); err != nil {
		logger.WarnKV(ctx, "Telegram video upload failed", "chat_id", chatID, "error", err)
	}

	return nil
}

// ChatIDs returns the configured recipients.
func (t *Telegram) ChatIDs() []string {
	return append([]string(nil), t.chatIDs...)
}

// Reply sends an HTML text message to one chat.
func (t *Telegram) Reply(ctx context.Context, chatID, text string) error {
	return t.sendMessage(ctx, chatID, text)
}

// Updates long-polls the bot for updates with an id of at least offset.
// wait must stay below the client timeout.
func (t *Telegram) Updates(ctx context.Context, offset int64, wait time.Duration) ([]TelegramUpdate, error) {
	q := url.Values{
		"offset":          {strconv.FormatInt(offset, 10)},
		"timeout":         {strconv.Itoa(int(wait / time.Second))},
		"allowed_updates": {`["message"]`},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var updates []TelegramUpdate
	if err := t.do(req, &updates); err != nil {
		return nil, err
	}

	return updates, nil
}

func (t *Telegram) sendMessage(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return t.do(req, nil)
}

func (t *Telegram) sendFile(ctx context.Context, method, field, name, chatID, caption string, content io.Reader) error {
	var body bytes.Buffer

	w := multipart.NewWriter(&body)

	if err := w.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("write chat_id: %w", err)
	}

	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return fmt.Errorf("write caption: %w", err)
		}

		if err := w.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("write parse_mode: %w", err)
		}
	}

	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}

	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("write %s: %w", field, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(method), &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", w.FormDataContentType())

	return t.do(req, nil)
}

func (t *Telegram) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.apiURL, t.token, method)
}

// do sends req and decodes the result into out when out is not nil.
func (t *Telegram) do(req *http.Request, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		// The URL holds the bot token; keep it out of logs.
		return fmt.Errorf("%s request failed: %w", filepath.Base(req.URL.Path), unwrapURLError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	var tr telegramResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("status %d: unmarshal response: %w", resp.StatusCode, err)
	}

	if !tr.OK {
		return fmt.Errorf("telegram API error %d: %s", tr.ErrorCode, tr.Description)
	}

	if out != nil && len(tr.Result) > 0 {
		if err := json.Unmarshal(tr.Result, out); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

func formatMessage(n Notification) string {
	var b strings.Builder

	if n.Title != "" {
		fmt.Fprintf(&b, "<b>%s</b>\n\n", htmlEscape(n.Title))
	}

	b.WriteString(htmlEscape(n.Message))

	if !n.Timestamp.IsZero() {
		fmt.Fprintf(&b, "\n%s", n.Timestamp.Format("2 Jan 2006, 15:04:05 MST"))
	}

	return b.String()
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func htmlEscape(s string) string {
	return htmlReplacer.Replace(s)
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}

	return err
}
