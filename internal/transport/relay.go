package transport

import (
	"context"
	"sync"
)

// Relay is the in-process implementation of the transport contract. It plays
// the hosted matchmaking service for tests and same-process play: rooms live
// in a map, broadcasts fan out synchronously on the sender's goroutine, and
// per-room fan-out is serialized so both sides observe answers in the same
// order.
type Relay struct {
	mu    sync.Mutex
	rooms map[string]*room
	conns map[string]*relayConn
}

type room struct {
	id       string
	capacity int
	open     bool
	members  []*relayConn

	// delivery serializes event fan-out for this room. Held only while
	// invoking callbacks, never together with the relay mutex.
	delivery sync.Mutex
}

func (rm *room) participantIDs() []string {
	ids := make([]string, 0, len(rm.members))
	for _, m := range rm.members {
		ids = append(ids, m.participantID)
	}
	return ids
}

// NewRelay returns an empty relay.
func NewRelay() *Relay {
	return &Relay{
		rooms: make(map[string]*room),
		conns: make(map[string]*relayConn),
	}
}

// Connect registers a participant and pushes the current session list.
func (r *Relay) Connect(ctx context.Context, participantID string, ev Events) (Conn, error) {
	r.mu.Lock()
	if _, ok := r.conns[participantID]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicateConnect
	}
	c := &relayConn{relay: r, participantID: participantID, ev: ev}
	r.conns[participantID] = c
	list := r.summariesLocked()
	r.mu.Unlock()

	c.ev.connected(participantID)
	c.ev.sessionListUpdated(list)
	return c, nil
}

func (r *Relay) summariesLocked() []SessionSummary {
	out := make([]SessionSummary, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, SessionSummary{
			ID:          rm.id,
			PlayerCount: len(rm.members),
			Capacity:    rm.capacity,
			Open:        rm.open,
		})
	}
	return out
}

// broadcastList pushes a fresh session list to every connection.
func (r *Relay) broadcastList() {
	r.mu.Lock()
	list := r.summariesLocked()
	conns := make([]*relayConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.ev.sessionListUpdated(list)
	}
}

type relayConn struct {
	relay         *Relay
	participantID string
	ev            Events
	closed        bool
}

func (c *relayConn) CreateSession(ctx context.Context, id string, capacity int) (Handle, error) {
	if capacity <= 0 {
		capacity = 2
	}
	r := c.relay

	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return Handle{}, ErrConnClosed
	}
	if _, ok := r.rooms[id]; ok {
		r.mu.Unlock()
		return Handle{}, ErrSessionExists
	}
	rm := &room{id: id, capacity: capacity, open: true, members: []*relayConn{c}}
	r.rooms[id] = rm
	r.mu.Unlock()

	c.ev.sessionCreated(id)
	r.broadcastList()
	return Handle{SessionID: id, Participants: []string{c.participantID}}, nil
}

func (c *relayConn) JoinSession(ctx context.Context, id string) (Handle, error) {
	r := c.relay

	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return Handle{}, ErrConnClosed
	}
	rm, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return Handle{}, ErrSessionNotFound
	}
	if !rm.open || len(rm.members) >= rm.capacity {
		r.mu.Unlock()
		return Handle{}, ErrSessionClosed
	}
	rm.members = append(rm.members, c)
	if len(rm.members) >= rm.capacity {
		rm.open = false
	}
	handle := Handle{SessionID: id, Participants: rm.participantIDs()}
	others := append([]*relayConn(nil), rm.members[:len(rm.members)-1]...)
	r.mu.Unlock()

	rm.delivery.Lock()
	for _, m := range others {
		m.ev.participantJoined(id, c.participantID)
	}
	rm.delivery.Unlock()

	r.broadcastList()
	return handle, nil
}

func (c *relayConn) ListOpenSessions(ctx context.Context) ([]SessionSummary, error) {
	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	return r.summariesLocked(), nil
}

func (c *relayConn) SetOpen(sessionID string, open bool) error {
	r := c.relay
	r.mu.Lock()
	if rm, ok := r.rooms[sessionID]; ok {
		rm.open = open && len(rm.members) < rm.capacity
	}
	r.mu.Unlock()

	r.broadcastList()
	return nil
}

func (c *relayConn) Broadcast(sessionID string, msg Message) error {
	r := c.relay

	r.mu.Lock()
	rm, ok := r.rooms[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	others := make([]*relayConn, 0, len(rm.members))
	for _, m := range rm.members {
		if m != c {
			others = append(others, m)
		}
	}
	r.mu.Unlock()

	msg.Sender = c.participantID
	rm.delivery.Lock()
	for _, m := range others {
		m.ev.messageReceived(sessionID, c.participantID, msg)
	}
	rm.delivery.Unlock()
	return nil
}

func (c *relayConn) Leave(sessionID string) error {
	c.relay.leaveRoom(c, sessionID)
	return nil
}

// leaveRoom unbinds the connection from one room, reopening the room for
// the remaining participant or deleting it when empty.
func (r *Relay) leaveRoom(c *relayConn, sessionID string) {
	r.mu.Lock()
	rm, ok := r.rooms[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	kept := rm.members[:0]
	found := false
	for _, m := range rm.members {
		if m == c {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		r.mu.Unlock()
		return
	}
	rm.members = kept
	var remaining []*relayConn
	if len(rm.members) == 0 {
		delete(r.rooms, sessionID)
	} else {
		rm.open = true
		remaining = append([]*relayConn(nil), rm.members...)
	}
	r.mu.Unlock()

	rm.delivery.Lock()
	for _, m := range remaining {
		m.ev.participantLeft(sessionID, c.participantID)
	}
	rm.delivery.Unlock()

	r.broadcastList()
}

func (c *relayConn) Close() error {
	r := c.relay

	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return nil
	}
	c.closed = true
	delete(r.conns, c.participantID)
	var joined []string
	for id, rm := range r.rooms {
		for _, m := range rm.members {
			if m == c {
				joined = append(joined, id)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, id := range joined {
		r.leaveRoom(c, id)
	}
	c.ev.disconnected("connection closed")
	return nil
}

// nil-safe callback dispatch

func (e Events) connected(pid string) {
	if e.OnConnected != nil {
		e.OnConnected(pid)
	}
}

func (e Events) sessionListUpdated(list []SessionSummary) {
	if e.OnSessionListUpdated != nil {
		e.OnSessionListUpdated(list)
	}
}

func (e Events) sessionCreated(id string) {
	if e.OnSessionCreated != nil {
		e.OnSessionCreated(id)
	}
}

func (e Events) participantJoined(sid, pid string) {
	if e.OnParticipantJoined != nil {
		e.OnParticipantJoined(sid, pid)
	}
}

func (e Events) participantLeft(sid, pid string) {
	if e.OnParticipantLeft != nil {
		e.OnParticipantLeft(sid, pid)
	}
}

func (e Events) messageReceived(sid, sender string, msg Message) {
	if e.OnMessageReceived != nil {
		e.OnMessageReceived(sid, sender, msg)
	}
}

func (e Events) disconnected(reason string) {
	if e.OnDisconnected != nil {
		e.OnDisconnected(reason)
	}
}
