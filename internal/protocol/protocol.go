// Package protocol defines the JSON frames exchanged between browsers, the
// relay and machine agents. Every frame is a flat object discriminated by
// "type"; fields that a given type does not use are omitted.
package protocol

import (
	"encoding/json"
	"errors"
)

// Frames sent by a machine agent.
const (
	TypeRegister       = "register"
	TypeSessionList    = "session_list"
	TypePtyData        = "pty_data"
	TypeActiveSessions = "active_sessions"
	TypeSessionHistory = "session_history"
	TypeDirEntries     = "dir_entries"
	TypeSessionDeleted = "session_deleted"
	TypeFileContent    = "file_content"
)

// Frames sent by a browser.
const (
	TypeOpenTerminal   = "open_terminal"
	TypeTerminalInput  = "terminal_input"
	TypeTerminalResize = "terminal_resize"
	TypeCloseTerminal  = "close_terminal"
	TypePtyAttach      = "pty_attach"
)

// Frames the relay sends to a machine. The scan, list, delete and read
// commands keep the same type on both legs.
const (
	TypePtyOpen       = "pty_open"
	TypePtyInput      = "pty_input"
	TypePtyResize     = "pty_resize"
	TypePtyClose      = "pty_close"
	TypeScanActive    = "scan_active"
	TypeScanHistory   = "scan_history"
	TypeListDir       = "list_dir"
	TypeDeleteSession = "delete_session"
	TypeReadFile      = "read_file"
)

// AllMachines addresses a command to every connected machine.
const AllMachines = "*"

const (
	DefaultCols = 220
	DefaultRows = 50
)

type SessionInfo struct {
	ID        string `json:"id"`
	Cwd       string `json:"cwd,omitempty"`
	MachineID string `json:"machineId,omitempty"`
}

type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type Message struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// Data is base64 terminal bytes on pty_data and pty_input.
	Data string `json:"data,omitempty"`
	// Exit marks the last pty_data frame of a terminal.
	Exit bool `json:"exit,omitempty"`

	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`
	// Command is the argv to spawn on pty_open; empty means the default.
	Command []string `json:"command,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`

	Path    string  `json:"path,omitempty"`
	Parent  string  `json:"parent,omitempty"`
	Dirs    []Entry `json:"dirs,omitempty"`
	Files   []Entry `json:"files,omitempty"`
	Content string  `json:"content,omitempty"`
	Deleted bool    `json:"deleted,omitempty"`
	Error   string  `json:"error,omitempty"`

	// Sessions carries []SessionInfo on session_list and the scanner's
	// records on active_sessions and session_history.
	Sessions json.RawMessage `json:"sessions,omitempty"`
}

// Decode parses a frame. Frames without a type are rejected.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errMissingType
	}
	return msg, nil
}

// Encode marshals a frame. Message holds only marshalable fields, so the
// error is reserved for a malformed Sessions payload.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// WithSessions returns msg with v marshaled into Sessions.
func WithSessions(msg Message, v any) (Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return msg, err
	}
	msg.Sessions = raw
	return msg, nil
}

// SessionList decodes the Sessions payload of a session_list frame.
func (m Message) SessionList() ([]SessionInfo, error) {
	if len(m.Sessions) == 0 || string(m.Sessions) == "null" {
		return nil, nil
	}
	var out []SessionInfo
	if err := json.Unmarshal(m.Sessions, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var errMissingType = errors.New("frame has no type")
