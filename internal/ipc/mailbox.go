// Package ipc implements the request/response mailbox shared by short-lived
// hook processes and the long-running daemon. Every record is a JSON file keyed
// by request id; readers treat missing or unparseable files as absent.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/fileutil"
)

type RequestType string

const (
	RequestStop       RequestType = "stop"
	RequestPermission RequestType = "permission"
	RequestDanger     RequestType = "danger"
)

type Action string

const (
	ActionAllow   Action = "allow"
	ActionDeny    Action = "deny"
	ActionMessage Action = "message"
	ActionDismiss Action = "dismiss"
	// ActionRoute is only carried by session-picker buttons; it never ends up
	// in a Response.
	ActionRoute Action = "route"
)

type Request struct {
	RequestID string      `json:"requestId"`
	Type      RequestType `json:"type"`
	MachineID string      `json:"machineId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	HookEvent string      `json:"hookEvent,omitempty"`
	Cwd       string      `json:"cwd,omitempty"`
	Command   string      `json:"command,omitempty"`
	Pattern   string      `json:"pattern,omitempty"`
	Timestamp int64       `json:"timestamp"`
	MessageID string      `json:"messageId,omitempty"`
}

type Response struct {
	RequestID  string `json:"requestId"`
	Action     Action `json:"action"`
	OperatorID string `json:"operatorId"`
	Content    string `json:"content,omitempty"`
}

type PollOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

type Mailbox struct {
	dir string
	now func() time.Time
}

// Open returns a mailbox rooted at dir, creating it if needed. Failing to
// create the directory is fatal for callers.
func Open(dir string) (*Mailbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ipc directory: %w", err)
	}
	return &Mailbox{dir: dir, now: time.Now}, nil
}

func NewRequestID() string {
	return uuid.New().String()
}

func (m *Mailbox) Dir() string {
	return m.dir
}

func (m *Mailbox) requestPath(id string) string {
	return filepath.Join(m.dir, "req-"+id+".json")
}

func (m *Mailbox) responsePath(id string) string {
	return filepath.Join(m.dir, "resp-"+id+".json")
}

// WriteRequest stores req under id, stamping the current time. Writing the
// same id again replaces the previous record.
func (m *Mailbox) WriteRequest(id string, req Request) error {
	req.RequestID = id
	req.Timestamp = m.now().UnixMilli()
	return fileutil.WriteJSON(m.requestPath(id), req)
}

// UpdateRequest merges patch into an existing request. It is a no-op when the
// request is gone or unreadable.
func (m *Mailbox) UpdateRequest(id string, patch map[string]any) {
	path := m.requestPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var current map[string]any
	if err := json.Unmarshal(data, &current); err != nil {
		return
	}
	for k, v := range patch {
		current[k] = v
	}
	_ = fileutil.WriteJSON(path, current)
}

// ReadRequest returns the pending request for id, if any.
func (m *Mailbox) ReadRequest(id string) (*Request, bool) {
	var req Request
	if !fileutil.ReadJSON(m.requestPath(id), &req) {
		return nil, false
	}
	return &req, true
}

func (m *Mailbox) WriteResponse(id string, resp Response) error {
	resp.RequestID = id
	return fileutil.WriteJSON(m.responsePath(id), resp)
}

// PollResponse waits for a response to id. On success both slots are removed
// and the response returned. On timeout or ctx cancellation the request slot
// is removed and ok is false, which callers must not confuse with a deny.
func (m *Mailbox) PollResponse(ctx context.Context, id string, opts PollOptions) (*Response, bool) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		if resp, ok := m.takeResponse(id); ok {
			return resp, true
		}
		select {
		case <-ctx.Done():
			m.removeRequest(id)
			return nil, false
		case <-deadline.C:
			// One last look so a response landing on the deadline is not lost.
			if resp, ok := m.takeResponse(id); ok {
				return resp, true
			}
			m.removeRequest(id)
			return nil, false
		case <-ticker.C:
		}
	}
}

func (m *Mailbox) takeResponse(id string) (*Response, bool) {
	var resp Response
	if !fileutil.ReadJSON(m.responsePath(id), &resp) {
		return nil, false
	}
	_ = os.Remove(m.responsePath(id))
	m.removeRequest(id)
	return &resp, true
}

func (m *Mailbox) removeRequest(id string) {
	_ = os.Remove(m.requestPath(id))
}

// ListPendingRequests returns every readable request. Corrupt files are skipped.
func (m *Mailbox) ListPendingRequests() []Request {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var out []Request
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "req-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var req Request
		if fileutil.ReadJSON(filepath.Join(m.dir, name), &req) {
			out = append(out, req)
		}
	}
	return out
}
