package feishu

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/notify"
)

type recorded struct {
	path string
	auth string
	body map[string]any
}

type fakeFeishu struct {
	mu         sync.Mutex
	calls      []recorded
	tokenCalls int
}

func (f *fakeFeishu) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, recorded{path: r.URL.Path + "?" + r.URL.RawQuery, auth: r.Header.Get("Authorization"), body: body})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/open-apis/auth/v3/tenant_access_token/internal":
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"code":0,"tenant_access_token":"t-123","expire":7200}`)
	case r.URL.Path == "/open-apis/im/v1/messages":
		_, _ = io.WriteString(w, `{"code":0,"data":{"message_id":"om_abc"}}`)
	case strings.HasSuffix(r.URL.Path, "/reactions"):
		_, _ = io.WriteString(w, `{"code":0}`)
	case r.URL.Path == "/hook":
		_, _ = io.WriteString(w, `{"code":0}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, webhook bool) (*Client, *fakeFeishu) {
	t.Helper()
	fake := &fakeFeishu{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	// The SDK caches tenant tokens per app id, so each test gets its own.
	cfg := config.FeishuConfig{
		App: config.AppConfig{
			Enabled: true, AppID: "cli_" + t.Name(), AppSecret: "s", ReceiverID: "ou_me",
			ReceiverType: "open_id", BaseURL: srv.URL,
		},
	}
	if webhook {
		cfg.Webhook = config.WebhookConfig{Enabled: true, URL: srv.URL + "/hook", Secret: "sec"}
	}
	return NewClient(cfg), fake
}

func TestSendInteractivePrompt_ReturnsMessageIDAndCachesToken(t *testing.T) {
	c, fake := newTestClient(t, false)
	p := notify.Prompt{
		Kind: notify.KindPermissionRequest, RequestID: "r1", Cwd: "/work",
		Buttons: []notify.Button{{Label: "允许", Action: "allow", Primary: true}},
	}

	id, err := c.SendInteractivePrompt(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "om_abc", id)
	_, err = c.SendInteractivePrompt(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, 1, fake.tokenCalls)

	msg := fake.calls[1]
	require.Equal(t, "/open-apis/im/v1/messages?receive_id_type=open_id", msg.path)
	require.Equal(t, "Bearer t-123", msg.auth)
	require.Equal(t, "interactive", msg.body["msg_type"])

	var card map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.body["content"].(string)), &card))
	require.Contains(t, msg.body["content"], `"requestId":"r1"`)
}

func TestAcknowledge_PostsReaction(t *testing.T) {
	c, fake := newTestClient(t, false)
	require.NoError(t, c.Acknowledge(context.Background(), "om_1", notify.AckDeny))

	last := fake.calls[len(fake.calls)-1]
	require.Equal(t, "/open-apis/im/v1/messages/om_1/reactions?", last.path)
	require.Equal(t, map[string]any{"emoji_type": "CrossMark"}, last.body["reaction_type"])
}

func TestSendPlainAlert_SignsWebhook(t *testing.T) {
	c, fake := newTestClient(t, true)
	require.NoError(t, c.SendPlainAlert(context.Background(), notify.Alert{Kind: notify.KindDangerBlocked, Cwd: "/w", Detail: "rm -rf /"}))

	var hook *recorded
	for i := range fake.calls {
		if strings.HasPrefix(fake.calls[i].path, "/hook") {
			hook = &fake.calls[i]
		}
	}
	require.NotNil(t, hook)
	ts := hook.body["timestamp"].(string)

	mac := hmac.New(sha256.New, []byte(ts+"\nsec"))
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), hook.body["sign"])
	require.Contains(t, toJSON(t, hook.body["card"]), "rm -rf /")
}

func TestSendPlainAlert_NothingConfigured(t *testing.T) {
	c := NewClient(config.FeishuConfig{})
	require.ErrorIs(t, c.SendPlainAlert(context.Background(), notify.Alert{}), ErrNotConfigured)
	_, err := c.SendInteractivePrompt(context.Background(), notify.Prompt{})
	require.ErrorIs(t, err, ErrAppDisabled)
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
