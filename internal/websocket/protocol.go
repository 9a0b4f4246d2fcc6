package websocket

import (
	"encoding/json"

	"github.com/minernet/digracer/internal/transport"
)

// Frame types. Requests flow client to server and get exactly one "ok" or
// "err" reply; everything else is a server push.
const (
	frameCreate    = "create"
	frameJoin      = "join"
	frameList      = "list"
	frameSetOpen   = "set_open"
	frameBroadcast = "broadcast"
	frameLeave     = "leave"
	frameResult    = "result"

	frameOK  = "ok"
	frameErr = "err"

	frameConnected      = "connected"
	frameSessionList    = "session_list"
	frameSessionCreated = "session_created"
	framePeerJoined     = "peer_joined"
	framePeerLeft       = "peer_left"
	frameMessage        = "message"
	frameDisconnected   = "disconnected"
)

// Error codes carried in err frames, mapped back to transport sentinels on
// the client side.
const (
	codeExists    = "exists"
	codeNotFound  = "not_found"
	codeClosed    = "closed"
	codeDuplicate = "duplicate"
	codeInternal  = "internal"
)

type envelope struct {
	T string          `json:"t"`
	P json.RawMessage `json:"p,omitempty"`
}

func newEnvelope(t string, payload any) (envelope, error) {
	env := envelope{T: t}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, err
	}
	env.P = raw
	return env, nil
}

type createPayload struct {
	ID       string `json:"id"`
	Capacity int    `json:"capacity"`
}

type joinPayload struct {
	ID string `json:"id"`
}

type setOpenPayload struct {
	SessionID string `json:"session_id"`
	Open      bool   `json:"open"`
}

type broadcastPayload struct {
	SessionID string            `json:"session_id"`
	Msg       transport.Message `json:"msg"`
}

type leavePayload struct {
	SessionID string `json:"session_id"`
}

type resultPayload struct {
	Winner   string `json:"winner"`
	Loser    string `json:"loser"`
	Progress int    `json:"progress"`
	Forfeit  bool   `json:"forfeit"`
}

type errPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type connectedPayload struct {
	ParticipantID string `json:"participant_id"`
}

type sessionListPayload struct {
	Sessions []transport.SessionSummary `json:"sessions"`
}

type sessionCreatedPayload struct {
	SessionID string `json:"session_id"`
}

type peerPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

type messagePayload struct {
	SessionID string            `json:"session_id"`
	Sender    string            `json:"sender"`
	Msg       transport.Message `json:"msg"`
}

type disconnectedPayload struct {
	Reason string `json:"reason"`
}
