package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/dispatch"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/ipc"
)

const EventPath = "/feishu/events"

// EventServer receives Feishu event callbacks over HTTP and hands them to the
// dispatcher as dispatch.Event values. It needs a URL Feishu can reach; see
// LongConn for the outbound alternative.
type EventServer struct {
	listen string
	token  string
	server *http.Server
	handle func(context.Context, dispatch.Event)
	seen   *recentEvents
}

var _ dispatch.EventSource = (*EventServer)(nil)

func NewEventServer(listen, verificationToken string) *EventServer {
	return &EventServer{
		listen: listen,
		token:  verificationToken,
		seen:   newRecentEvents(),
	}
}

func (s *EventServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EventPath, s.handleEvent)
	return mux
}

func (s *EventServer) Start(handle func(context.Context, dispatch.Event)) error {
	s.handle = handle
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Printf("Feishu event server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Feishu event server error: %v", err)
		}
	}()
	return nil
}

func (s *EventServer) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

type envelope struct {
	// url_verification
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	// schema 2.0
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

func (s *EventServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if env.Type == "url_verification" {
		if !s.tokenOK(env.Token) {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"challenge": env.Challenge})
		return
	}

	if !s.tokenOK(env.Header.Token) {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	if s.seen.duplicate(env.Header.EventID) {
		writeJSON(w, map[string]any{})
		return
	}

	var ev dispatch.Event
	switch env.Header.EventType {
	case "im.message.receive_v1":
		log.Printf("Received message event")
		ev, err = DecodeMessage(env.Event)
	case "card.action.trigger":
		log.Printf("Received card.action.trigger event")
		ev, err = DecodeCardAction(env.Event)
	default:
		writeJSON(w, map[string]any{})
		return
	}
	if err != nil {
		if !errors.Is(err, errSkip) {
			log.Printf("Failed to decode %s: %v", env.Header.EventType, err)
		}
		writeJSON(w, map[string]any{})
		return
	}

	if s.handle != nil {
		go s.handle(context.Background(), ev)
	}
	writeJSON(w, map[string]any{})
}

func (s *EventServer) tokenOK(token string) bool {
	return s.token == "" || token == s.token
}

// recentEvents remembers event ids for ten minutes. Feishu redelivers events
// it did not get a timely answer for.
type recentEvents struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newRecentEvents() *recentEvents {
	return &recentEvents{seen: make(map[string]time.Time)}
}

func (r *recentEvents) duplicate(eventID string) bool {
	if eventID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, at := range r.seen {
		if now.Sub(at) > 10*time.Minute {
			delete(r.seen, id)
		}
	}
	if _, ok := r.seen[eventID]; ok {
		return true
	}
	r.seen[eventID] = now
	return false
}

var errSkip = errors.New("event not applicable")

// DecodeMessage turns an im.message.receive_v1 payload into a TextMessage.
// Non-text messages are skipped and mention placeholders are stripped.
func DecodeMessage(raw json.RawMessage) (dispatch.TextMessage, error) {
	var ev struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			Mentions    []struct {
				Key string `json:"key"`
			} `json:"mentions"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return dispatch.TextMessage{}, err
	}
	if ev.Message.MessageType != "text" {
		return dispatch.TextMessage{}, errSkip
	}
	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(ev.Message.Content), &content); err != nil {
		return dispatch.TextMessage{}, err
	}
	text := content.Text
	for _, m := range ev.Message.Mentions {
		if m.Key != "" {
			text = strings.ReplaceAll(text, m.Key, "")
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return dispatch.TextMessage{}, errSkip
	}
	return dispatch.TextMessage{
		Text:      text,
		SenderID:  ev.Sender.SenderID.OpenID,
		MessageID: ev.Message.MessageID,
		ChatType:  ev.Message.ChatType,
		Mentioned: len(ev.Message.Mentions) > 0,
	}, nil
}

// DecodeCardAction turns a card.action.trigger payload into a ButtonAction.
func DecodeCardAction(raw json.RawMessage) (dispatch.ButtonAction, error) {
	var ev struct {
		Operator struct {
			OpenID string `json:"open_id"`
			UserID string `json:"user_id"`
		} `json:"operator"`
		Action struct {
			Value      json.RawMessage `json:"value"`
			FormValue  map[string]any  `json:"form_value"`
			InputValue string          `json:"input_value"`
		} `json:"action"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return dispatch.ButtonAction{}, err
	}

	var value struct {
		Action        string `json:"action"`
		RequestID     string `json:"requestId"`
		TargetMachine string `json:"targetMachine"`
		TargetSession string `json:"targetSession"`
	}
	// Older clients deliver the button value as a JSON string.
	var encoded string
	if json.Unmarshal(ev.Action.Value, &encoded) == nil {
		_ = json.Unmarshal([]byte(encoded), &value)
	} else {
		_ = json.Unmarshal(ev.Action.Value, &value)
	}
	if value.Action == "" {
		return dispatch.ButtonAction{}, errSkip
	}

	operator := ev.Operator.OpenID
	if operator == "" {
		operator = ev.Operator.UserID
	}
	content, _ := ev.Action.FormValue["user_input"].(string)
	if content == "" {
		content = ev.Action.InputValue
	}
	return dispatch.ButtonAction{
		Action:        ipc.Action(value.Action),
		RequestID:     value.RequestID,
		OperatorID:    operator,
		Content:       content,
		TargetMachine: value.TargetMachine,
		TargetSession: value.TargetSession,
	}, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
