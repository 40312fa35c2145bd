// Package feishu talks to the Feishu open platform: custom-bot webhooks and
// app messages outbound, events inbound over the long connection or an HTTP
// callback.
package feishu

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/notify"
)

var (
	ErrAppDisabled   = errors.New("feishu app is not configured")
	ErrNotConfigured = errors.New("no feishu channel is configured")
)

// Client implements notify.Channel. App messages and reactions go through
// the Lark SDK; the custom-bot webhook is a plain signed POST.
type Client struct {
	cfg  config.FeishuConfig
	http *http.Client
	app  *lark.Client
	now  func() time.Time
}

var _ notify.Channel = (*Client)(nil)

func NewClient(cfg config.FeishuConfig) *Client {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	c := &Client{
		cfg:  cfg,
		http: httpClient,
		now:  time.Now,
	}
	if c.appEnabled() {
		c.app = lark.NewClient(cfg.App.AppID, cfg.App.AppSecret,
			lark.WithOpenBaseUrl(strings.TrimSuffix(cfg.App.BaseURL, "/")),
			lark.WithHttpClient(httpClient),
			lark.WithLogLevel(larkcore.LogLevelWarn),
		)
	}
	return c
}

func (c *Client) appEnabled() bool {
	return c.cfg.App.Enabled && c.cfg.App.AppID != "" && c.cfg.App.AppSecret != ""
}

func (c *Client) webhookEnabled() bool {
	return c.cfg.Webhook.Enabled && c.cfg.Webhook.URL != ""
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("feishu returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) sendCard(ctx context.Context, card map[string]any) (string, error) {
	content, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(c.cfg.App.ReceiverType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(c.cfg.App.ReceiverID).
			MsgType(larkim.MsgTypeInteractive).
			Content(string(content)).
			Build()).
		Build()

	resp, err := c.app.Im.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("failed to send message: code %d: %s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.MessageId == nil {
		return "", nil
	}
	return *resp.Data.MessageId, nil
}

func (c *Client) SendInteractivePrompt(ctx context.Context, p notify.Prompt) (string, error) {
	if c.app == nil {
		return "", ErrAppDisabled
	}
	return c.sendCard(ctx, PromptCard(p, c.now()))
}

// SendPlainAlert posts to the webhook and the app, whichever are enabled.
func (c *Client) SendPlainAlert(ctx context.Context, a notify.Alert) error {
	if !c.webhookEnabled() && c.app == nil {
		return ErrNotConfigured
	}
	card := AlertCard(a, c.now())
	var errs []error
	if c.webhookEnabled() {
		if err := c.sendWebhook(ctx, card); err != nil {
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}
	if c.app != nil {
		if _, err := c.sendCard(ctx, card); err != nil {
			errs = append(errs, fmt.Errorf("app: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) Acknowledge(ctx context.Context, messageID string, kind notify.AckKind) error {
	if c.app == nil {
		return ErrAppDisabled
	}
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(notify.Emoji(kind)).Build()).
			Build()).
		Build()
	resp, err := c.app.Im.MessageReaction.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("failed to add reaction: code %d: %s", resp.Code, resp.Msg)
	}
	return nil
}

// Sign computes the custom-bot signature: HMAC-SHA256 keyed by
// "<timestamp>\n<secret>" over an empty message, base64 encoded.
func Sign(secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(strconv.FormatInt(timestamp, 10)+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) sendWebhook(ctx context.Context, card map[string]any) error {
	body := map[string]any{"msg_type": "interactive", "card": card}
	if c.cfg.Webhook.Secret != "" {
		ts := c.now().Unix()
		body["timestamp"] = strconv.FormatInt(ts, 10)
		body["sign"] = Sign(c.cfg.Webhook.Secret, ts)
	}
	var res struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := c.post(ctx, c.cfg.Webhook.URL, body, &res); err != nil {
		return err
	}
	if res.Code != 0 {
		return fmt.Errorf("webhook rejected message: code %d: %s", res.Code, res.Msg)
	}
	return nil
}
