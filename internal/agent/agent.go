// Package agent is the machine side of the relay: it answers browser queries
// about local sessions and files and bridges terminal streams.
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/protocol"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/registry"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/scanner"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/terminal"
)

// Sender delivers a frame to the relay.
type Sender interface {
	Send(msg protocol.Message) error
}

type Options struct {
	MachineID           string
	Registry            *registry.Registry
	Scanner             *scanner.Scanner
	Files               scanner.FilePolicy
	SessionPollInterval time.Duration
}

type Agent struct {
	opts      Options
	sender    Sender
	terminals *terminal.Manager
}

func New(sender Sender, opts Options) *Agent {
	if opts.SessionPollInterval <= 0 {
		opts.SessionPollInterval = 10 * time.Second
	}
	a := &Agent{opts: opts, sender: sender}
	a.terminals = terminal.NewManager(a.onOutput, a.onExit)
	return a
}

func (a *Agent) send(msg protocol.Message) {
	if err := a.sender.Send(msg); err != nil {
		log.Printf("Failed to send %s to relay: %v", msg.Type, err)
	}
}

// OnConnect registers with the relay and publishes the session list. Used as
// the transport's connect hook, so it runs again after every reconnect.
func (a *Agent) OnConnect() {
	a.send(protocol.Message{Type: protocol.TypeRegister, MachineID: a.opts.MachineID})
	a.SendSessionList()
}

// SendSessionList publishes the registry's active sessions.
func (a *Agent) SendSessionList() {
	sessions := make([]protocol.SessionInfo, 0)
	if a.opts.Registry != nil {
		for _, s := range a.opts.Registry.ListActive() {
			sessions = append(sessions, protocol.SessionInfo{ID: s.SessionID, Cwd: s.Cwd})
		}
	}
	msg, err := protocol.WithSessions(protocol.Message{Type: protocol.TypeSessionList}, sessions)
	if err != nil {
		return
	}
	a.send(msg)
}

// Run republishes the session list on a timer and whenever a session log
// appears or disappears. It blocks until ctx is done and then kills every
// terminal.
func (a *Agent) Run(ctx context.Context) {
	defer a.terminals.DestroyAll()

	if a.opts.Scanner != nil {
		go func() {
			err := a.opts.Scanner.Watch(ctx, func() {
				a.SendSessionList()
				a.sendActive()
			})
			if err != nil {
				log.Printf("Session log watcher stopped: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(a.opts.SessionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SendSessionList()
		}
	}
}

// Handle reacts to one frame from the relay. Terminal frames are handled
// inline to keep keystrokes ordered; scans and file access run in the
// background so a slow disk does not stall the link.
func (a *Agent) Handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePtyOpen:
		a.openTerminal(msg)
	case protocol.TypePtyInput:
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			log.Printf("Bad terminal input for %s: %v", msg.SessionID, err)
			return
		}
		if err := a.terminals.Write(msg.SessionID, data); err != nil && !errors.Is(err, terminal.ErrNoSession) {
			log.Printf("Failed to write to terminal %s: %v", msg.SessionID, err)
		}
	case protocol.TypePtyResize:
		_ = a.terminals.Resize(msg.SessionID, msg.Cols, msg.Rows)
	case protocol.TypePtyClose:
		a.terminals.Destroy(msg.SessionID)
	case protocol.TypeScanActive:
		go a.sendActive()
	case protocol.TypeScanHistory:
		go a.sendHistory()
	case protocol.TypeListDir:
		go a.listDir(msg.Path)
	case protocol.TypeDeleteSession:
		go a.deleteSession(msg.SessionID)
	case protocol.TypeReadFile:
		go a.readFile(msg.Path)
	default:
		log.Printf("Ignoring relay frame %q", msg.Type)
	}
}

func (a *Agent) openTerminal(msg protocol.Message) {
	_, err := a.terminals.Create(msg.SessionID, terminal.Options{
		Cols:    msg.Cols,
		Rows:    msg.Rows,
		Command: msg.Command,
		Cwd:     msg.Cwd,
	})
	if err != nil {
		log.Printf("Failed to open terminal %s: %v", msg.SessionID, err)
		a.send(protocol.Message{Type: protocol.TypePtyData, SessionID: msg.SessionID, Exit: true, Error: err.Error()})
	}
}

func (a *Agent) onOutput(sessionID string, data []byte) {
	a.send(protocol.Message{
		Type:      protocol.TypePtyData,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

func (a *Agent) onExit(sessionID string) {
	a.send(protocol.Message{Type: protocol.TypePtyData, SessionID: sessionID, Exit: true})
}

func (a *Agent) sendActive() {
	active := []scanner.ActiveSession{}
	if a.opts.Scanner != nil {
		active = a.opts.Scanner.ScanActive()
	}
	msg, err := protocol.WithSessions(protocol.Message{Type: protocol.TypeActiveSessions}, active)
	if err == nil {
		a.send(msg)
	}
}

func (a *Agent) sendHistory() {
	history := []scanner.HistorySession{}
	if a.opts.Scanner != nil {
		history = a.opts.Scanner.ScanHistory()
	}
	msg, err := protocol.WithSessions(protocol.Message{Type: protocol.TypeSessionHistory}, history)
	if err == nil {
		a.send(msg)
	}
}

func toEntries(in []scanner.Entry) []protocol.Entry {
	out := make([]protocol.Entry, 0, len(in))
	for _, e := range in {
		out = append(out, protocol.Entry{Name: e.Name, Path: e.Path})
	}
	return out
}

func (a *Agent) listDir(path string) {
	listing, err := scanner.ListDir(path)
	msg := protocol.Message{
		Type:   protocol.TypeDirEntries,
		Path:   listing.Path,
		Parent: listing.Parent,
		Dirs:   toEntries(listing.Dirs),
		Files:  toEntries(listing.Files),
	}
	if msg.Path == "" {
		msg.Path = path
	}
	if err != nil {
		msg.Error = err.Error()
	}
	a.send(msg)
}

func (a *Agent) deleteSession(sessionID string) {
	msg := protocol.Message{Type: protocol.TypeSessionDeleted, SessionID: sessionID}
	if a.opts.Scanner == nil {
		msg.Error = "session history unavailable"
		a.send(msg)
		return
	}
	deleted, err := a.opts.Scanner.DeleteSession(sessionID)
	msg.Deleted = deleted
	if err != nil {
		msg.Error = err.Error()
	}
	a.send(msg)
	if deleted {
		a.sendHistory()
	}
}

func (a *Agent) readFile(path string) {
	msg := protocol.Message{Type: protocol.TypeFileContent, Path: path}
	content, err := a.opts.Files.Read(path)
	switch {
	case errors.Is(err, scanner.ErrPathBlocked):
		msg.Error = "access denied"
	case errors.Is(err, scanner.ErrFileTooLarge):
		msg.Error = "file too large"
	case err != nil:
		msg.Error = err.Error()
	default:
		msg.Content = content
	}
	a.send(msg)
}
