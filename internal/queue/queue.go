// Package queue holds free-text instructions that arrived while no request
// was pending. Each message is its own file under <ipc>/queue so that any
// process can claim one with an atomic remove.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/fileutil"
)

type Message struct {
	ID            string `json:"id"`
	TargetMachine string `json:"targetMachine"`
	TargetSession string `json:"targetSession"`
	Content       string `json:"content"`
	Action        string `json:"action"`
	SenderID      string `json:"senderId"`
	Timestamp     int64  `json:"timestamp"`
	Consumed      bool   `json:"consumed"`

	fileName string
}

// Unrouted reports whether the message still waits for a session choice.
func (m Message) Unrouted() bool {
	return m.TargetMachine == "" && m.TargetSession == ""
}

type Queue struct {
	dir string
	mu  sync.Mutex
	seq int64
	now func() time.Time
}

func New(ipcDir string) *Queue {
	return &Queue{dir: filepath.Join(ipcDir, "queue"), now: time.Now}
}

func (q *Queue) Dir() string {
	return q.dir
}

// nextSeq returns a strictly increasing nanosecond stamp so that file names
// sort in enqueue order even when the clock does not advance.
func (q *Queue) nextSeq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.now().UnixNano()
	if seq <= q.seq {
		seq = q.seq + 1
	}
	q.seq = seq
	return seq
}

// Enqueue stores msg and returns it with id and timestamp filled in.
func (q *Queue) Enqueue(msg Message) (Message, error) {
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return Message{}, fmt.Errorf("failed to create queue directory: %w", err)
	}
	seq := q.nextSeq()
	msg.ID = uuid.New().String()
	msg.Timestamp = seq / int64(time.Millisecond)
	msg.Consumed = false
	if msg.Action == "" {
		msg.Action = "message"
	}
	if msg.SenderID == "" {
		msg.SenderID = "unknown"
	}
	name := fmt.Sprintf("msg-%019d-%s.json", seq, msg.ID)
	if err := fileutil.WriteJSON(filepath.Join(q.dir, name), msg); err != nil {
		return Message{}, err
	}
	msg.fileName = name
	return msg, nil
}

func (q *Queue) list() []Message {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "msg-") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]Message, 0, len(names))
	for _, name := range names {
		var msg Message
		if !fileutil.ReadJSON(filepath.Join(q.dir, name), &msg) {
			continue
		}
		if msg.Consumed {
			continue
		}
		msg.fileName = name
		out = append(out, msg)
	}
	return out
}

// PeekAll returns every unconsumed message, oldest first.
func (q *Queue) PeekAll() []Message {
	return q.list()
}

// Peek returns the unconsumed messages addressed to (machine, session),
// oldest first. Empty strings select unrouted messages.
func (q *Queue) Peek(machine, session string) []Message {
	var out []Message
	for _, msg := range q.list() {
		if msg.TargetMachine == machine && msg.TargetSession == session {
			out = append(out, msg)
		}
	}
	return out
}

// Dequeue removes and returns the oldest message for (machine, session). The
// remove is the claim: if another process deleted the file first the next
// candidate is tried, so a message is never handed out twice.
func (q *Queue) Dequeue(machine, session string) (*Message, bool) {
	for _, msg := range q.Peek(machine, session) {
		err := os.Remove(filepath.Join(q.dir, msg.fileName))
		if err == nil {
			msg := msg
			msg.fileName = ""
			return &msg, true
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false
		}
	}
	return nil, false
}

// Route binds the oldest unrouted message to (machine, session).
func (q *Queue) Route(machine, session string) (*Message, bool, error) {
	msg, ok := q.Dequeue("", "")
	if !ok {
		return nil, false, nil
	}
	routed, err := q.Enqueue(Message{
		TargetMachine: machine,
		TargetSession: session,
		Content:       msg.Content,
		Action:        msg.Action,
		SenderID:      msg.SenderID,
	})
	if err != nil {
		return nil, false, err
	}
	return &routed, true, nil
}
