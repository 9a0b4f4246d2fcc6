// Package websocket carries the transport contract over the wire: the Hub is
// the server side, a thin JSON-frame facade over the in-process relay, and
// Client is the matching transport.Conn for remote participants.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/minernet/digracer/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ResultFunc receives the match results participants report after a race.
type ResultFunc func(winner, loser string, progress int, forfeit bool) error

// Hub accepts websocket participants and binds each one to a relay
// connection. Frames in are requests against the relay; relay callbacks go
// out as push frames.
type Hub struct {
	relay    *transport.Relay
	log      zerolog.Logger
	onResult ResultFunc
}

func NewHub(relay *transport.Relay, log zerolog.Logger, onResult ResultFunc) *Hub {
	return &Hub{relay: relay, log: log, onResult: onResult}
}

// peer is one upgraded connection. Writes are serialized; gorilla allows a
// single concurrent writer.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) send(t string, payload any) error {
	env, err := newEnvelope(t, payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(env)
}

// Join upgrades the request and attaches the participant to the relay. The
// participant id comes from the query string.
func (h *Hub) Join(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		http.Error(w, "participant_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	p := &peer{conn: conn}

	relayConn, err := h.relay.Connect(r.Context(), participantID, h.events(p))
	if err != nil {
		_ = p.send(frameErr, errPayload{Code: codeDuplicate, Reason: err.Error()})
		conn.Close()
		return
	}

	h.log.Info().Str("participant", participantID).Msg("participant connected")
	go h.readLoop(p, relayConn, participantID)
}

// events maps relay callbacks to push frames on this peer.
func (h *Hub) events(p *peer) transport.Events {
	push := func(t string, payload any) {
		if err := p.send(t, payload); err != nil {
			h.log.Debug().Err(err).Str("frame", t).Msg("push failed")
		}
	}
	return transport.Events{
		OnConnected: func(pid string) {
			push(frameConnected, connectedPayload{ParticipantID: pid})
		},
		OnSessionListUpdated: func(list []transport.SessionSummary) {
			push(frameSessionList, sessionListPayload{Sessions: list})
		},
		OnSessionCreated: func(sid string) {
			push(frameSessionCreated, sessionCreatedPayload{SessionID: sid})
		},
		OnParticipantJoined: func(sid, pid string) {
			push(framePeerJoined, peerPayload{SessionID: sid, ParticipantID: pid})
		},
		OnParticipantLeft: func(sid, pid string) {
			push(framePeerLeft, peerPayload{SessionID: sid, ParticipantID: pid})
		},
		OnMessageReceived: func(sid, sender string, msg transport.Message) {
			push(frameMessage, messagePayload{SessionID: sid, Sender: sender, Msg: msg})
		},
		OnDisconnected: func(reason string) {
			push(frameDisconnected, disconnectedPayload{Reason: reason})
		},
	}
}

func (h *Hub) readLoop(p *peer, relayConn transport.Conn, participantID string) {
	defer func() {
		_ = relayConn.Close()
		p.conn.Close()
		h.log.Info().Str("participant", participantID).Msg("participant disconnected")
	}()

	for {
		var env envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			return
		}
		if err := h.handle(p, relayConn, env); err != nil {
			_ = p.send(frameErr, errPayload{Code: errCode(err), Reason: err.Error()})
		}
	}
}

// handle runs one request frame against the relay and replies ok on success.
func (h *Hub) handle(p *peer, relayConn transport.Conn, env envelope) error {
	ctx := context.Background()
	switch env.T {
	case frameCreate:
		var req createPayload
		if err := json.Unmarshal(env.P, &req); err != nil {
			return err
		}
		handle, err := relayConn.CreateSession(ctx, req.ID, req.Capacity)
		if err != nil {
			return err
		}
		return p.send(frameOK, handle)
	case frameJoin:
		var req joinPayload
		if err := json.Unmarshal(env.P, &req); err != nil {
			return err
		}
		handle, err := relayConn.JoinSession(ctx, req.ID)
		if err != nil {
			return err
		}
		return p.send(frameOK, handle)
	case frameList:
		list, err := relayConn.ListOpenSessions(ctx)
		if err != nil {
			return err
		}
		return p.send(frameOK, sessionListPayload{Sessions: list})
	case frameSetOpen:
		var req setOpenPayload
		if err := json.Unmarshal(env.P, &req); err != nil {
			return err
		}
		if err := relayConn.SetOpen(req.SessionID, req.Open); err != nil {
			return err
		}
		return p.send(frameOK, nil)
	case frameBroadcast:
		var req broadcastPayload
		if err := json.Unmarshal(env.P, &req); err != nil {
			return err
		}
		if err := relayConn.Broadcast(req.SessionID, req.Msg); err != nil {
			return err
		}
		return p.send(frameOK, nil)
	case frameLeave:
		var req leavePayload
		if err := json.Unmarshal(env.P, &req); err != nil {
			return err
		}
		if err := relayConn.Leave(req.SessionID); err != nil {
			return err
		}
		return p.send(frameOK, nil)
	case frameResult:
		var req resultPayload
		if err := json.Unmarshal(env.P, &req); err != nil {
			return err
		}
		if h.onResult != nil {
			if err := h.onResult(req.Winner, req.Loser, req.Progress, req.Forfeit); err != nil {
				return err
			}
		}
		return p.send(frameOK, nil)
	default:
		return errors.New("unknown frame type " + env.T)
	}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, transport.ErrSessionExists):
		return codeExists
	case errors.Is(err, transport.ErrSessionNotFound):
		return codeNotFound
	case errors.Is(err, transport.ErrSessionClosed):
		return codeClosed
	case errors.Is(err, transport.ErrDuplicateConnect):
		return codeDuplicate
	default:
		return codeInternal
	}
}
