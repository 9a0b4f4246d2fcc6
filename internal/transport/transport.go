// Package transport defines the relay collaborator the game core talks to:
// connect, create or join a session, broadcast to the other participant, and
// a set of callbacks for everything the relay pushes back. The core only
// ever consumes this contract; Relay is the in-process implementation and
// the websocket package carries the same contract over the network.
package transport

import (
	"context"
	"errors"
)

var (
	ErrSessionExists    = errors.New("transport: session id already exists")
	ErrSessionNotFound  = errors.New("transport: session not found")
	ErrSessionClosed    = errors.New("transport: session closed to joins")
	ErrDuplicateConnect = errors.New("transport: participant already connected")
	ErrConnClosed       = errors.New("transport: connection closed")
)

// Message is the payload relayed between the participants of a session.
type Message struct {
	Type    string `json:"t"`
	Sender  string `json:"sender,omitempty"`
	Correct bool   `json:"correct,omitempty"`
}

// MessageAnswer relays one answered question: Correct carries whether the
// digger got it right.
const MessageAnswer = "answer"

// SessionSummary is the relay's eventually-consistent view of one session.
type SessionSummary struct {
	ID          string `json:"id"`
	PlayerCount int    `json:"player_count"`
	Capacity    int    `json:"capacity"`
	Open        bool   `json:"open"`
}

// Handle is the result of creating or joining a session. Participants lists
// every bound participant in join order, the caller included.
type Handle struct {
	SessionID    string   `json:"session_id"`
	Participants []string `json:"participants"`
}

// Events are the callbacks a connection delivers. Nil callbacks are skipped.
// For a single session, message callbacks fire in delivery order; the core
// relies on that and does not reorder.
type Events struct {
	OnConnected          func(participantID string)
	OnSessionListUpdated func(sessions []SessionSummary)
	OnSessionCreated     func(sessionID string)
	OnParticipantJoined  func(sessionID, participantID string)
	OnParticipantLeft    func(sessionID, participantID string)
	OnMessageReceived    func(sessionID, senderID string, msg Message)
	OnDisconnected       func(reason string)
}

// Conn is one participant's connected view of the relay. All calls may
// involve the network and honor ctx where one is taken.
type Conn interface {
	// CreateSession opens a new session and binds the caller as its first
	// participant.
	CreateSession(ctx context.Context, id string, capacity int) (Handle, error)
	// JoinSession binds the caller to an existing open session.
	JoinSession(ctx context.Context, id string) (Handle, error)
	// ListOpenSessions fetches a fresh session list snapshot. May be stale
	// by the time it returns.
	ListOpenSessions(ctx context.Context) ([]SessionSummary, error)
	// SetOpen flips whether the caller's session accepts further joins.
	SetOpen(sessionID string, open bool) error
	// Broadcast delivers msg to every other participant of the session.
	// Fire and forget.
	Broadcast(sessionID string, msg Message) error
	// Leave unbinds the caller from the session.
	Leave(sessionID string) error
	// Close tears the connection down, leaving any joined session.
	Close() error
}

// Dialer connects one participant to a relay.
type Dialer interface {
	Connect(ctx context.Context, participantID string, ev Events) (Conn, error)
}
