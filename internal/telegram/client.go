// Package telegram is a minimal Bot API client. It implements the gateway
// send primitive and the calls the bot dispatcher needs.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/gateway"
)

// Config configures a Client.
type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

// Client calls the Bot API over HTTPS.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Bot API client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("missing bot token")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger.With("client", "telegram"),
	}, nil
}

var _ gateway.Gateway = (*Client)(nil)

// call posts params as JSON to method and decodes the result into out.
// API-level failures are returned as *gateway.SendError.
func (c *Client) call(ctx context.Context, method string, params any, out any, timeout time.Duration) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.cfg.BaseURL, c.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL carries the token; report the method only.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return &gateway.SendError{
			Kind:        kindFor(resp.StatusCode, resp.Status),
			StatusCode:  resp.StatusCode,
			Description: fmt.Sprintf("%s: undecodable response", method),
		}
	}
	if !ar.OK {
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		se := &gateway.SendError{
			StatusCode:  code,
			Description: ar.Description,
		}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			se.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		if code != http.StatusTooManyRequests {
			se.Kind = kindFor(code, ar.Description)
		}
		return se
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func kindFor(code int, description string) domain.ErrorKind {
	if code == http.StatusRequestEntityTooLarge {
		return domain.ErrorPayloadTooLarge
	}
	return gateway.Classify(errors.New(description))
}

// Send delivers a payload with the method matching its content kind.
func (c *Client) Send(ctx context.Context, chatID string, p domain.Payload) error {
	var method string
	params := map[string]any{"chat_id": chatID}
	switch p.Kind {
	case domain.ContentText:
		method = "sendMessage"
		params["text"] = p.Text
	case domain.ContentPhoto:
		method = "sendPhoto"
		params["photo"] = p.FileID
	case domain.ContentDocument:
		method = "sendDocument"
		params["document"] = p.FileID
	case domain.ContentVoice:
		method = "sendVoice"
		params["voice"] = p.FileID
	case domain.ContentVideo:
		method = "sendVideo"
		params["video"] = p.FileID
	default:
		return &gateway.SendError{Kind: domain.ErrorUnknown, Description: fmt.Sprintf("unsupported content kind %q", p.Kind)}
	}
	if p.Kind != domain.ContentText && p.Kind != domain.ContentVoice && p.Caption != "" {
		params["caption"] = p.Caption
	}
	return c.call(ctx, method, params, nil, c.cfg.Timeout)
}

// SendMessage sends text with an optional inline keyboard.
func (c *Client) SendMessage(ctx context.Context, chatID, text string, kb *InlineKeyboardMarkup) (*Message, error) {
	params := map[string]any{"chat_id": chatID, "text": text}
	if kb != nil {
		params["reply_markup"] = kb
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", params, &msg, c.cfg.Timeout); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessageText replaces the text and keyboard of a sent message.
func (c *Client) EditMessageText(ctx context.Context, chatID string, messageID int64, text string, kb *InlineKeyboardMarkup) error {
	params := map[string]any{"chat_id": chatID, "message_id": messageID, "text": text}
	if kb != nil {
		params["reply_markup"] = kb
	}
	return c.call(ctx, "editMessageText", params, nil, c.cfg.Timeout)
}

// AnswerCallbackQuery acknowledges a button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, queryID, text string, alert bool) error {
	params := map[string]any{"callback_query_id": queryID}
	if text != "" {
		params["text"] = text
		params["show_alert"] = alert
	}
	return c.call(ctx, "answerCallbackQuery", params, nil, c.cfg.Timeout)
}

// SetMyCommands publishes the command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil, c.cfg.Timeout)
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates, timeout+c.cfg.Timeout); err != nil {
		return nil, err
	}
	return updates, nil
}

// Poll feeds updates to handle until ctx is cancelled. Updates are handled
// one at a time in arrival order. Poll errors back off up to 30 seconds.
func (c *Client) Poll(ctx context.Context, timeout time.Duration, handle func(context.Context, Update)) error {
	var offset int64
	backoff := time.Second
	for {
		updates, err := c.GetUpdates(ctx, offset, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Failed to poll updates", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			handle(ctx, u)
		}
	}
}
