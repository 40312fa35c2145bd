package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher/callback"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/dispatch"
)

// LongConn subscribes to app events over the SDK's outbound websocket, so the
// daemon needs no public URL.
type LongConn struct {
	appID     string
	appSecret string
	seen      *recentEvents

	mu      sync.Mutex
	handle  func(context.Context, dispatch.Event)
	cancel  context.CancelFunc
	stopped bool
}

var _ dispatch.EventSource = (*LongConn)(nil)

func NewLongConn(appID, appSecret string) *LongConn {
	return &LongConn{appID: appID, appSecret: appSecret, seen: newRecentEvents()}
}

func (l *LongConn) eventDispatcher() *dispatcher.EventDispatcher {
	return dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(l.onMessage).
		OnP2CardActionTrigger(l.onCardAction)
}

// Start connects in the background. The SDK client reconnects on its own.
func (l *LongConn) Start(handle func(context.Context, dispatch.Event)) error {
	if l.appID == "" || l.appSecret == "" {
		return ErrAppDisabled
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.handle = handle
	l.cancel = cancel
	l.stopped = false
	l.mu.Unlock()

	cli := larkws.NewClient(l.appID, l.appSecret,
		larkws.WithEventHandler(l.eventDispatcher()),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)
	go func() {
		log.Printf("Feishu long connection starting for app %s", l.appID)
		if err := cli.Start(ctx); err != nil {
			log.Printf("Feishu long connection failed: %v", err)
		}
	}()
	return nil
}

// Stop cancels the connection context and drops any event still in flight.
func (l *LongConn) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.cancel != nil {
		l.cancel()
	}
	return nil
}

func (l *LongConn) deliver(eventID string, ev dispatch.Event) {
	if l.seen.duplicate(eventID) {
		return
	}
	l.mu.Lock()
	handle, stopped := l.handle, l.stopped
	l.mu.Unlock()
	if handle == nil || stopped {
		return
	}
	go handle(context.Background(), ev)
}

func eventID(base *larkevent.EventV2Base) string {
	if base == nil || base.Header == nil {
		return ""
	}
	return base.Header.EventID
}

func (l *LongConn) onMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil {
		return nil
	}
	log.Printf("Received message event")
	raw, err := json.Marshal(event.Event)
	if err != nil {
		return err
	}
	msg, err := DecodeMessage(raw)
	if err != nil {
		if !errors.Is(err, errSkip) {
			log.Printf("Failed to decode im.message.receive_v1: %v", err)
		}
		return nil
	}
	l.deliver(eventID(event.EventV2Base), msg)
	return nil
}

func (l *LongConn) onCardAction(ctx context.Context, event *callback.CardActionTriggerEvent) (*callback.CardActionTriggerResponse, error) {
	if event == nil || event.Event == nil {
		return &callback.CardActionTriggerResponse{}, nil
	}
	log.Printf("Received card.action.trigger event")
	raw, err := json.Marshal(event.Event)
	if err != nil {
		return nil, err
	}
	action, err := DecodeCardAction(raw)
	if err != nil {
		if !errors.Is(err, errSkip) {
			log.Printf("Failed to decode card.action.trigger: %v", err)
		}
		return &callback.CardActionTriggerResponse{}, nil
	}
	l.deliver(eventID(event.EventV2Base), action)
	return &callback.CardActionTriggerResponse{}, nil
}
