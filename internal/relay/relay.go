// Package relay multiplexes browsers and machine agents over websockets. The
// Relay type holds the routing state and knows nothing about HTTP; Server
// puts it behind gin.
package relay

import (
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/protocol"
)

const (
	CloseUnauthorized = 4001
	closeReplaced     = 4000
)

// Peer is one connected websocket endpoint.
type Peer interface {
	// Send queues frame without blocking and reports false when it was dropped.
	Send(frame []byte) bool
	Close(code int, reason string)
}

type machineConn struct {
	peer     Peer
	sessions []protocol.SessionInfo
}

type browserConn struct {
	peer     Peer
	watching map[string]struct{}
}

type Relay struct {
	mu       sync.RWMutex
	machines map[string]*machineConn
	browsers map[string]*browserConn

	// broadcastMu orders topology frames and guards lastDigest.
	broadcastMu sync.Mutex
	lastDigest  [32]byte

	metrics *Metrics
}

func New(metrics *Metrics) *Relay {
	if metrics == nil {
		metrics = NewMetrics()
	}
	r := &Relay{
		machines: make(map[string]*machineConn),
		browsers: make(map[string]*browserConn),
		metrics:  metrics,
	}
	// Browsers receive the empty topology on connect, so it counts as sent.
	if frame, err := r.sessionListFrame(); err == nil {
		r.lastDigest = blake3.Sum256(frame)
	}
	return r
}

func (r *Relay) Metrics() *Metrics {
	return r.metrics
}

func watchKey(machineID, sessionID string) string {
	return machineID + ":" + sessionID
}

// RegisterMachine binds id to p. A previous peer under the same id is closed
// and forgotten.
func (r *Relay) RegisterMachine(id string, p Peer) {
	r.mu.Lock()
	var replaced Peer
	if old, ok := r.machines[id]; ok && old.peer != p {
		replaced = old.peer
	}
	r.machines[id] = &machineConn{peer: p}
	r.metrics.machines.Set(float64(len(r.machines)))
	r.mu.Unlock()

	if replaced != nil {
		log.Printf("[relay] Machine %s reconnected, replacing previous connection", id)
		replaced.Close(closeReplaced, "replaced by new connection")
	}

	log.Printf("[relay] Machine connected: %s", id)
	r.broadcastSessions()
}

// UnregisterMachine drops id only while it is still bound to p, so a stale
// connection closing late cannot evict its replacement.
func (r *Relay) UnregisterMachine(id string, p Peer) {
	r.mu.Lock()
	m, ok := r.machines[id]
	removed := ok && m.peer == p
	if removed {
		delete(r.machines, id)
		r.metrics.machines.Set(float64(len(r.machines)))
	}
	r.mu.Unlock()

	if removed {
		log.Printf("[relay] Machine disconnected: %s", id)
		r.broadcastSessions()
	}
}

// UpdateSessions replaces the session list reported by machine id.
func (r *Relay) UpdateSessions(id string, sessions []protocol.SessionInfo) {
	stamped := make([]protocol.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.MachineID = id
		stamped = append(stamped, s)
	}

	r.mu.Lock()
	m, ok := r.machines[id]
	if ok {
		m.sessions = stamped
	}
	r.mu.Unlock()

	if ok {
		r.broadcastSessions()
	}
}

// Sessions returns every connected machine's sessions, ordered by machine id.
func (r *Relay) Sessions() []protocol.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]protocol.SessionInfo, 0)
	for _, id := range ids {
		out = append(out, r.machines[id].sessions...)
	}
	return out
}

// MachineIDs returns the connected machine ids in order.
func (r *Relay) MachineIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Relay) sessionListFrame() ([]byte, error) {
	msg, err := protocol.WithSessions(protocol.Message{Type: protocol.TypeSessionList}, r.Sessions())
	if err != nil {
		return nil, err
	}
	return protocol.Encode(msg)
}

// broadcastSessions sends the topology to every browser unless it is
// byte-identical to the last one sent.
func (r *Relay) broadcastSessions() {
	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	frame, err := r.sessionListFrame()
	if err != nil {
		log.Printf("[relay] Failed to encode session list: %v", err)
		return
	}
	digest := blake3.Sum256(frame)
	if digest == r.lastDigest {
		r.metrics.broadcasts.WithLabelValues("suppressed").Inc()
		return
	}
	r.lastDigest = digest
	r.metrics.broadcasts.WithLabelValues("sent").Inc()

	for _, p := range r.browserPeers(nil) {
		r.send(p, frame)
	}
}

// AddBrowser registers p, sends it the current topology and asks every
// machine for fresh scans. It returns the browser's id.
func (r *Relay) AddBrowser(p Peer) string {
	id := uuid.New().String()

	r.broadcastMu.Lock()
	r.mu.Lock()
	r.browsers[id] = &browserConn{peer: p, watching: make(map[string]struct{})}
	r.metrics.browsers.Set(float64(len(r.browsers)))
	r.mu.Unlock()
	frame, err := r.sessionListFrame()
	if err == nil {
		r.send(p, frame)
	}
	r.broadcastMu.Unlock()

	r.sendToMachines(protocol.AllMachines, protocol.Message{Type: protocol.TypeScanActive})
	r.sendToMachines(protocol.AllMachines, protocol.Message{Type: protocol.TypeScanHistory})
	return id
}

func (r *Relay) RemoveBrowser(id string) {
	r.mu.Lock()
	delete(r.browsers, id)
	r.metrics.browsers.Set(float64(len(r.browsers)))
	r.mu.Unlock()
}

// Watching reports the terminal keys browser id is subscribed to.
func (r *Relay) Watching(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.browsers[id]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(b.watching))
	for key := range b.watching {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *Relay) setWatch(browserID, key string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.browsers[browserID]
	if !ok {
		return
	}
	if on {
		b.watching[key] = struct{}{}
	} else {
		delete(b.watching, key)
	}
}

// browserPeers snapshots the browsers accepted by filter (all when nil).
func (r *Relay) browserPeers(filter func(*browserConn) bool) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]Peer, 0, len(r.browsers))
	for _, b := range r.browsers {
		if filter == nil || filter(b) {
			peers = append(peers, b.peer)
		}
	}
	return peers
}

func (r *Relay) send(p Peer, frame []byte) {
	if !p.Send(frame) {
		r.metrics.dropped.Inc()
	}
}

// sendToMachines delivers msg to machine target, or to all machines when
// target is the wildcard.
func (r *Relay) sendToMachines(target string, msg protocol.Message) {
	r.mu.RLock()
	var peers []Peer
	if target == protocol.AllMachines {
		for _, m := range r.machines {
			peers = append(peers, m.peer)
		}
	} else if m, ok := r.machines[target]; ok {
		peers = append(peers, m.peer)
	}
	r.mu.RUnlock()

	if len(peers) == 0 {
		if target != protocol.AllMachines {
			log.Printf("[relay] Dropping %s for disconnected machine %q", msg.Type, target)
		}
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[relay] Failed to encode %s: %v", msg.Type, err)
		return
	}
	for _, p := range peers {
		r.send(p, frame)
	}
}

// HandleMachineMessage routes one frame received from machine machineID.
func (r *Relay) HandleMachineMessage(machineID string, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("[relay] Ignoring malformed frame from machine %s: %v", machineID, err)
		return
	}
	r.metrics.messages.WithLabelValues("machine", msg.Type).Inc()

	switch msg.Type {
	case protocol.TypeRegister:
		// Identity comes from the handshake headers.
	case protocol.TypeSessionList:
		sessions, err := msg.SessionList()
		if err != nil {
			log.Printf("[relay] Bad session list from %s: %v", machineID, err)
			return
		}
		r.UpdateSessions(machineID, sessions)
	case protocol.TypePtyData:
		key := watchKey(machineID, msg.SessionID)
		msg.MachineID = machineID
		frame, err := protocol.Encode(msg)
		if err != nil {
			return
		}
		for _, p := range r.browserPeers(func(b *browserConn) bool {
			_, ok := b.watching[key]
			return ok
		}) {
			r.send(p, frame)
		}
	case protocol.TypeActiveSessions, protocol.TypeSessionHistory, protocol.TypeDirEntries,
		protocol.TypeSessionDeleted, protocol.TypeFileContent:
		msg.MachineID = machineID
		frame, err := protocol.Encode(msg)
		if err != nil {
			return
		}
		for _, p := range r.browserPeers(nil) {
			r.send(p, frame)
		}
	default:
		log.Printf("[relay] Unknown frame %q from machine %s", msg.Type, machineID)
	}
}

// HandleBrowserMessage routes one frame received from browser browserID.
func (r *Relay) HandleBrowserMessage(browserID string, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("[relay] Ignoring malformed frame from browser: %v", err)
		return
	}
	r.metrics.messages.WithLabelValues("browser", msg.Type).Inc()
	key := watchKey(msg.MachineID, msg.SessionID)

	switch msg.Type {
	case protocol.TypeOpenTerminal:
		r.setWatch(browserID, key, true)
		cols, rows := msg.Cols, msg.Rows
		if cols <= 0 {
			cols = protocol.DefaultCols
		}
		if rows <= 0 {
			rows = protocol.DefaultRows
		}
		r.sendToMachines(msg.MachineID, protocol.Message{
			Type:      protocol.TypePtyOpen,
			SessionID: msg.SessionID,
			Cols:      cols,
			Rows:      rows,
			Command:   msg.Command,
			Cwd:       msg.Cwd,
		})
		if p, ok := r.browserPeer(browserID); ok {
			if frame, err := r.sessionListFrame(); err == nil {
				r.send(p, frame)
			}
		}
	case protocol.TypeTerminalInput:
		r.sendToMachines(msg.MachineID, protocol.Message{
			Type:      protocol.TypePtyInput,
			SessionID: msg.SessionID,
			Data:      msg.Data,
		})
	case protocol.TypeTerminalResize:
		r.sendToMachines(msg.MachineID, protocol.Message{
			Type:      protocol.TypePtyResize,
			SessionID: msg.SessionID,
			Cols:      msg.Cols,
			Rows:      msg.Rows,
		})
	case protocol.TypePtyAttach:
		r.setWatch(browserID, key, true)
	case protocol.TypeCloseTerminal:
		r.setWatch(browserID, key, false)
		r.sendToMachines(msg.MachineID, protocol.Message{
			Type:      protocol.TypePtyClose,
			SessionID: msg.SessionID,
		})
	case protocol.TypeScanActive, protocol.TypeScanHistory:
		target := msg.MachineID
		if target == "" {
			target = protocol.AllMachines
		}
		r.sendToMachines(target, protocol.Message{Type: msg.Type})
	case protocol.TypeListDir:
		r.sendToMachines(msg.MachineID, protocol.Message{Type: msg.Type, Path: msg.Path})
	case protocol.TypeDeleteSession:
		r.sendToMachines(msg.MachineID, protocol.Message{Type: msg.Type, SessionID: msg.SessionID})
	case protocol.TypeReadFile:
		r.sendToMachines(msg.MachineID, protocol.Message{Type: msg.Type, Path: msg.Path})
	default:
		log.Printf("[relay] Unknown frame %q from browser", msg.Type)
	}
}

func (r *Relay) browserPeer(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.browsers[id]
	if !ok {
		return nil, false
	}
	return b.peer, true
}
