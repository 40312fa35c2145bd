package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/ipc"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/notify"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/queue"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/registry"
)

type ack struct {
	messageID string
	kind      notify.AckKind
}

type fakeChannel struct {
	mu      sync.Mutex
	prompts []notify.Prompt
	alerts  []notify.Alert
	acks    []ack
	ackErr  error
}

func (f *fakeChannel) SendInteractivePrompt(_ context.Context, p notify.Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	return "om_prompt", nil
}

func (f *fakeChannel) SendPlainAlert(_ context.Context, a notify.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeChannel) Acknowledge(_ context.Context, id string, kind notify.AckKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ack{id, kind})
	return f.ackErr
}

type fixture struct {
	mailbox  *ipc.Mailbox
	queue    *queue.Queue
	registry *registry.Registry
	channel  *fakeChannel
	resolver *Resolver
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	mb, err := ipc.Open(dir)
	require.NoError(t, err)
	f := &fixture{
		mailbox: mb,
		queue:   queue.New(dir),
		channel: &fakeChannel{},
		clock:   time.Now(),
	}
	f.registry = registry.New(dir).WithClock(func() time.Time { return f.clock })
	f.resolver = NewResolver(f.mailbox, f.queue, f.registry, f.channel)
	return f
}

func (f *fixture) addSession(t *testing.T, machine, session, cwd string) {
	t.Helper()
	f.clock = f.clock.Add(time.Second)
	_, err := f.registry.Register(registry.Session{MachineID: machine, SessionID: session, Cwd: cwd})
	require.NoError(t, err)
}

func (f *fixture) response(t *testing.T, id string) *ipc.Response {
	t.Helper()
	resp, ok := f.mailbox.PollResponse(context.Background(), id, ipc.PollOptions{Timeout: 100 * time.Millisecond, Interval: 10 * time.Millisecond})
	require.True(t, ok, "no response for %s", id)
	return resp
}

func TestButton_ExactMatch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mailbox.WriteRequest("r1", ipc.Request{Type: ipc.RequestPermission}))

	res, err := f.resolver.Handle(context.Background(), ButtonAction{Action: ipc.ActionAllow, RequestID: "r1", OperatorID: "ou_a", Content: "ignored"})
	require.NoError(t, err)
	require.Equal(t, OutcomeResponded, res.Outcome)

	resp := f.response(t, "r1")
	require.Equal(t, ipc.ActionAllow, resp.Action)
	require.Equal(t, "ou_a", resp.OperatorID)
	require.Empty(t, resp.Content, "content only travels with message actions")
}

func TestButton_MessageCarriesFormInput(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mailbox.WriteRequest("r1", ipc.Request{Type: ipc.RequestStop}))

	_, err := f.resolver.Handle(context.Background(), ButtonAction{Action: ipc.ActionMessage, RequestID: "r1", Content: "run the tests"})
	require.NoError(t, err)

	resp := f.response(t, "r1")
	require.Equal(t, "run the tests", resp.Content)
	require.Equal(t, "unknown", resp.OperatorID)
}

func TestButton_StaleIDFallsBackToLatest(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mailbox.WriteRequest("older", ipc.Request{Type: ipc.RequestStop}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.mailbox.WriteRequest("newer", ipc.Request{Type: ipc.RequestStop}))

	res, err := f.resolver.Handle(context.Background(), ButtonAction{Action: ipc.ActionDeny, RequestID: "expired"})
	require.NoError(t, err)
	require.Equal(t, "newer", res.RequestID)
	require.Equal(t, ipc.ActionDeny, f.response(t, "newer").Action)
}

func TestButton_NothingPending(t *testing.T) {
	f := newFixture(t)
	res, err := f.resolver.Handle(context.Background(), ButtonAction{Action: ipc.ActionAllow, RequestID: "gone"})
	require.NoError(t, err)
	require.Equal(t, OutcomeDropped, res.Outcome)
}

func TestButton_RouteBindsUnroutedMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue(queue.Message{Content: "deploy", SenderID: "ou_a"})
	require.NoError(t, err)
	require.NoError(t, f.mailbox.WriteRequest("r1", ipc.Request{Type: ipc.RequestStop}))

	res, err := f.resolver.Handle(context.Background(), ButtonAction{Action: ipc.ActionRoute, TargetMachine: "m1", TargetSession: "s2"})
	require.NoError(t, err)
	require.Equal(t, OutcomeRouted, res.Outcome)

	msg, ok := f.queue.Dequeue("m1", "s2")
	require.True(t, ok)
	require.Equal(t, "deploy", msg.Content)

	// The pending request is untouched.
	_, ok = f.mailbox.ReadRequest("r1")
	require.True(t, ok)
}

func TestText_KeywordResolvesLatestPending(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mailbox.WriteRequest("r1", ipc.Request{Type: ipc.RequestDanger}))

	res, err := f.resolver.Handle(context.Background(), TextMessage{Text: "  YES ", SenderID: "ou_a", MessageID: "om_1", ChatType: "p2p"})
	require.NoError(t, err)
	require.Equal(t, OutcomeResponded, res.Outcome)
	require.Equal(t, ipc.ActionAllow, res.Action)

	resp := f.response(t, "r1")
	require.Equal(t, ipc.ActionAllow, resp.Action)
	require.Empty(t, resp.Content)
	require.Equal(t, []ack{{"om_1", notify.AckAllow}}, f.channel.acks)
}

func TestText_FreeTextKeepsRawContent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mailbox.WriteRequest("r1", ipc.Request{Type: ipc.RequestStop}))

	_, err := f.resolver.Handle(context.Background(), TextMessage{Text: "Now Fix The Lint", ChatType: "p2p"})
	require.NoError(t, err)

	resp := f.response(t, "r1")
	require.Equal(t, ipc.ActionMessage, resp.Action)
	require.Equal(t, "Now Fix The Lint", resp.Content)
}

func TestText_GroupWithoutMentionIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mailbox.WriteRequest("r1", ipc.Request{Type: ipc.RequestStop}))

	res, err := f.resolver.Handle(context.Background(), TextMessage{Text: "yes", ChatType: "group"})
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	_, ok := f.mailbox.ReadRequest("r1")
	require.True(t, ok)

	res, err = f.resolver.Handle(context.Background(), TextMessage{Text: "yes", ChatType: "group", Mentioned: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeResponded, res.Outcome)
}

func TestText_NoPendingNoSessionsDropped(t *testing.T) {
	f := newFixture(t)
	res, err := f.resolver.Handle(context.Background(), TextMessage{Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, OutcomeDropped, res.Outcome)
	require.Empty(t, f.queue.PeekAll())
}

func TestText_SingleSessionQueuedDirectly(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "m1", "s1", "/work/api")

	res, err := f.resolver.Handle(context.Background(), TextMessage{Text: "continue", MessageID: "om_2"})
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, res.Outcome)

	msg, ok := f.queue.Dequeue("m1", "s1")
	require.True(t, ok)
	require.Equal(t, "continue", msg.Content)
	require.Empty(t, f.channel.prompts)
	require.Equal(t, []ack{{"om_2", notify.AckQueued}}, f.channel.acks)
}

func TestText_AmbiguousQueuesUnroutedAndSendsPicker(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "m1", "s1", "/work/api")
	f.addSession(t, "m1", "s2", "/work/web")

	res, err := f.resolver.Handle(context.Background(), TextMessage{Text: "do the thing"})
	require.NoError(t, err)
	require.Equal(t, OutcomePicker, res.Outcome)

	unrouted := f.queue.Peek("", "")
	require.Len(t, unrouted, 1)
	require.Equal(t, "do the thing", unrouted[0].Content)

	require.Len(t, f.channel.prompts, 1)
	picker := f.channel.prompts[0]
	require.Equal(t, notify.KindSessionPicker, picker.Kind)
	require.Len(t, picker.Buttons, 2)
	// Most recently active first, matching the numeric prefix order.
	require.Equal(t, "s2", picker.Buttons[0].Session)
	require.Equal(t, "route", picker.Buttons[0].Action)
	require.Contains(t, picker.Buttons[0].Label, "1. web")
}

func TestText_NumericPrefixRoutesDirectly(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "m1", "s1", "/work/api")
	f.addSession(t, "m1", "s2", "/work/web")

	res, err := f.resolver.Handle(context.Background(), TextMessage{Text: "2 do the thing"})
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, res.Outcome)
	require.Empty(t, f.channel.prompts)

	// ListActive orders s2 before s1, so index 2 is s1.
	msg, ok := f.queue.Dequeue("m1", "s1")
	require.True(t, ok)
	require.Equal(t, "do the thing", msg.Content)
	require.Empty(t, f.queue.Peek("", ""))
}

func TestText_OutOfRangePrefixFallsBackToPicker(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "m1", "s1", "/a")
	f.addSession(t, "m1", "s2", "/b")

	res, err := f.resolver.Handle(context.Background(), TextMessage{Text: "7 do it"})
	require.NoError(t, err)
	require.Equal(t, OutcomePicker, res.Outcome)
	require.Equal(t, "7 do it", f.queue.Peek("", "")[0].Content)
}

func TestText_AckFailureDoesNotFailResolution(t *testing.T) {
	f := newFixture(t)
	f.channel.ackErr = errors.New("rate limited")
	require.NoError(t, f.mailbox.WriteRequest("r1", ipc.Request{Type: ipc.RequestStop}))

	res, err := f.resolver.Handle(context.Background(), TextMessage{Text: "no", MessageID: "om_3"})
	require.NoError(t, err)
	require.Equal(t, OutcomeResponded, res.Outcome)
	require.Equal(t, ipc.ActionDeny, f.response(t, "r1").Action)
}

func TestLatestPending(t *testing.T) {
	pending := []ipc.Request{
		{RequestID: "a", Timestamp: 100},
		{RequestID: "c", Timestamp: 300},
		{RequestID: "b", Timestamp: 200},
	}
	sel := LatestPending{}

	got, ok := sel.Select(pending, "b")
	require.True(t, ok)
	require.Equal(t, "b", got.RequestID)

	got, ok = sel.Select(pending, "zzz")
	require.True(t, ok)
	require.Equal(t, "c", got.RequestID)

	got, ok = sel.Select(pending, "")
	require.True(t, ok)
	require.Equal(t, "c", got.RequestID)

	_, ok = sel.Select(nil, "a")
	require.False(t, ok)
}

func TestResolveKeyword(t *testing.T) {
	tests := map[string]ipc.Action{
		"允许":         ipc.ActionAllow,
		" OK ":       ipc.ActionAllow,
		"y":          ipc.ActionAllow,
		"拒绝":         ipc.ActionDeny,
		"No":         ipc.ActionDeny,
		"yes please": ipc.ActionMessage,
		"继续":         ipc.ActionMessage,
	}
	for in, want := range tests {
		require.Equal(t, want, ResolveKeyword(in), in)
	}
}
