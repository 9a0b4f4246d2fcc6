package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/minernet/digracer/internal/transport"
)

// requestTimeout bounds how long a request frame waits for its reply.
const requestTimeout = 10 * time.Second

// Client implements transport.Conn over a websocket dialed into a Hub.
// Requests are issued one at a time; push frames are dispatched to the
// Events callbacks on a dedicated goroutine so a callback may issue
// requests of its own without stalling the read loop.
type Client struct {
	conn *websocket.Conn
	ev   transport.Events
	log  zerolog.Logger

	writeMu sync.Mutex
	reqMu   sync.Mutex
	replies chan envelope
	events  chan envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects participantID to the hub at rawURL (ws://host/ws) and wires
// push frames into ev.
func Dial(ctx context.Context, rawURL, participantID string, ev transport.Events, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("participant_id", participantID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c := &Client{
		conn:    conn,
		ev:      ev,
		log:     log,
		replies: make(chan envelope, 4),
		// low-rate lobby and answer traffic; the buffer only needs to
		// absorb bursts while a callback is mid-request
		events: make(chan envelope, 64),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.closed:
			default:
				c.dispatch(envelope{T: frameDisconnected})
			}
			close(c.events)
			return
		}
		switch env.T {
		case frameOK, frameErr:
			select {
			case c.replies <- env:
			default:
				c.log.Warn().Msg("dropping unexpected reply frame")
			}
		default:
			c.dispatch(env)
		}
	}
}

func (c *Client) dispatch(env envelope) {
	select {
	case c.events <- env:
	case <-c.closed:
	}
}

func (c *Client) dispatchLoop() {
	for env := range c.events {
		c.handlePush(env)
	}
}

func (c *Client) handlePush(env envelope) {
	switch env.T {
	case frameConnected:
		var p connectedPayload
		if json.Unmarshal(env.P, &p) == nil && c.ev.OnConnected != nil {
			c.ev.OnConnected(p.ParticipantID)
		}
	case frameSessionList:
		var p sessionListPayload
		if json.Unmarshal(env.P, &p) == nil && c.ev.OnSessionListUpdated != nil {
			c.ev.OnSessionListUpdated(p.Sessions)
		}
	case frameSessionCreated:
		var p sessionCreatedPayload
		if json.Unmarshal(env.P, &p) == nil && c.ev.OnSessionCreated != nil {
			c.ev.OnSessionCreated(p.SessionID)
		}
	case framePeerJoined:
		var p peerPayload
		if json.Unmarshal(env.P, &p) == nil && c.ev.OnParticipantJoined != nil {
			c.ev.OnParticipantJoined(p.SessionID, p.ParticipantID)
		}
	case framePeerLeft:
		var p peerPayload
		if json.Unmarshal(env.P, &p) == nil && c.ev.OnParticipantLeft != nil {
			c.ev.OnParticipantLeft(p.SessionID, p.ParticipantID)
		}
	case frameMessage:
		var p messagePayload
		if json.Unmarshal(env.P, &p) == nil && c.ev.OnMessageReceived != nil {
			c.ev.OnMessageReceived(p.SessionID, p.Sender, p.Msg)
		}
	case frameDisconnected:
		reason := "connection lost"
		var p disconnectedPayload
		if json.Unmarshal(env.P, &p) == nil && p.Reason != "" {
			reason = p.Reason
		}
		if c.ev.OnDisconnected != nil {
			c.ev.OnDisconnected(reason)
		}
	default:
		c.log.Debug().Str("frame", env.T).Msg("ignoring push frame")
	}
}

// request writes one frame and waits for its ok or err reply.
func (c *Client) request(ctx context.Context, t string, payload any) (envelope, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// drop any reply left over from a timed-out request
	for {
		select {
		case <-c.replies:
			continue
		default:
		}
		break
	}

	env, err := newEnvelope(t, payload)
	if err != nil {
		return envelope{}, err
	}
	c.writeMu.Lock()
	err = c.conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		return envelope{}, fmt.Errorf("write %s frame: %w", t, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case reply := <-c.replies:
		if reply.T == frameErr {
			return envelope{}, decodeErr(reply)
		}
		return reply, nil
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	case <-timer.C:
		return envelope{}, fmt.Errorf("%s frame: reply timeout", t)
	case <-c.closed:
		return envelope{}, transport.ErrConnClosed
	}
}

func decodeErr(env envelope) error {
	var p errPayload
	if err := json.Unmarshal(env.P, &p); err != nil {
		return fmt.Errorf("server error")
	}
	switch p.Code {
	case codeExists:
		return fmt.Errorf("%w: %s", transport.ErrSessionExists, p.Reason)
	case codeNotFound:
		return fmt.Errorf("%w: %s", transport.ErrSessionNotFound, p.Reason)
	case codeClosed:
		return fmt.Errorf("%w: %s", transport.ErrSessionClosed, p.Reason)
	case codeDuplicate:
		return fmt.Errorf("%w: %s", transport.ErrDuplicateConnect, p.Reason)
	default:
		return fmt.Errorf("server error: %s", p.Reason)
	}
}

func (c *Client) CreateSession(ctx context.Context, id string, capacity int) (transport.Handle, error) {
	reply, err := c.request(ctx, frameCreate, createPayload{ID: id, Capacity: capacity})
	if err != nil {
		return transport.Handle{}, err
	}
	var handle transport.Handle
	if err := json.Unmarshal(reply.P, &handle); err != nil {
		return transport.Handle{}, fmt.Errorf("decode create reply: %w", err)
	}
	return handle, nil
}

func (c *Client) JoinSession(ctx context.Context, id string) (transport.Handle, error) {
	reply, err := c.request(ctx, frameJoin, joinPayload{ID: id})
	if err != nil {
		return transport.Handle{}, err
	}
	var handle transport.Handle
	if err := json.Unmarshal(reply.P, &handle); err != nil {
		return transport.Handle{}, fmt.Errorf("decode join reply: %w", err)
	}
	return handle, nil
}

func (c *Client) ListOpenSessions(ctx context.Context) ([]transport.SessionSummary, error) {
	reply, err := c.request(ctx, frameList, nil)
	if err != nil {
		return nil, err
	}
	var p sessionListPayload
	if err := json.Unmarshal(reply.P, &p); err != nil {
		return nil, fmt.Errorf("decode list reply: %w", err)
	}
	return p.Sessions, nil
}

func (c *Client) SetOpen(sessionID string, open bool) error {
	_, err := c.request(context.Background(), frameSetOpen, setOpenPayload{SessionID: sessionID, Open: open})
	return err
}

func (c *Client) Broadcast(sessionID string, msg transport.Message) error {
	_, err := c.request(context.Background(), frameBroadcast, broadcastPayload{SessionID: sessionID, Msg: msg})
	return err
}

func (c *Client) Leave(sessionID string) error {
	_, err := c.request(context.Background(), frameLeave, leavePayload{SessionID: sessionID})
	return err
}

// ReportResult sends the final outcome of a race for server-side recording.
// Conventionally only the winner reports, so each race lands once.
func (c *Client) ReportResult(winner, loser string, progress int, forfeit bool) error {
	_, err := c.request(context.Background(), frameResult, resultPayload{
		Winner:   winner,
		Loser:    loser,
		Progress: progress,
		Forfeit:  forfeit,
	})
	return err
}

// Close tears the connection down without treating it as a session loss.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// Dialer adapts Dial to the transport.Dialer interface for a fixed URL.
type Dialer struct {
	URL string
	Log zerolog.Logger
}

func (d Dialer) Connect(ctx context.Context, participantID string, ev transport.Events) (transport.Conn, error) {
	return Dial(ctx, d.URL, participantID, ev, d.Log)
}
