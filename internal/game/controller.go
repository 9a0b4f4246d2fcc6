// Package game wires the matchmaker, the session registry and the race state
// machine to a transport connection. One Controller hosts one local
// participant, mirrors the opposing participant's answers as the relay
// delivers them, and reports the terminal result exactly once.
package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/minernet/digracer/internal/lobby"
	"github.com/minernet/digracer/internal/race"
	"github.com/minernet/digracer/internal/session"
	"github.com/minernet/digracer/internal/transport"
)

var (
	ErrMatchmakingFailed = errors.New("game: matchmaking failed")
	ErrAlreadyInSession  = errors.New("game: participant already in a session")
	ErrNotConnected      = errors.New("game: not connected")
)

// DefaultRemoveAfter is the grace period a finished session stays in the
// registry before removal.
const DefaultRemoveAfter = 30 * time.Second

// Config carries the knobs of a controller. Zero values get sensible
// defaults; Rand and NewID exist so tests can pin matchmaking.
type Config struct {
	ParticipantID string
	FinishLine    int
	RemoveAfter   time.Duration
	Rand          *rand.Rand
	NewID         func() string
	Now           func() time.Time
	Logger        zerolog.Logger
}

// Start describes a race going live.
type Start struct {
	SessionID  string
	OpponentID string
	Role       race.Role
}

// Handlers are the presentation-layer callbacks. OnGameOver fires exactly
// once per session with isWinner tailored to the local side. OnResult fires
// alongside it with the full outcome, for result recording. Nil handlers are
// skipped. Set them before Connect.
type Handlers struct {
	OnStart    func(Start)
	OnProgress func(participantID string, progress int)
	OnGameOver func(participantID string, isWinner bool, result race.Result)
	OnResult   func(result race.Result)
}

type active struct {
	id      string
	race    *race.Race
	role    race.Role
	emitted bool
}

type pendingKind int

const (
	pendingJoined pendingKind = iota
	pendingLeft
	pendingMessage
)

// pendingEvent is a transport event that arrived for a session RequestMatch
// is still binding. The hub writes pushes from the other side's goroutine,
// so a peer_joined or an answer can overtake the create/join reply.
type pendingEvent struct {
	kind pendingKind
	pid  string
	msg  transport.Message
}

// Controller orchestrates session lifecycle for one participant.
type Controller struct {
	cfg        Config
	log        zerolog.Logger
	registry   *session.Registry
	matchmaker *lobby.Matchmaker
	handlers   Handlers

	mu            sync.Mutex
	conn          transport.Conn
	cur           *active
	pendingID     string
	pendingEvents []pendingEvent
}

// NewController builds a controller from cfg.
func NewController(cfg Config) *Controller {
	if cfg.FinishLine <= 0 {
		cfg.FinishLine = race.DefaultFinishLine
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("participant", cfg.ParticipantID).Logger(),
		registry:   session.NewRegistry(),
		matchmaker: lobby.New(cfg.Rand, cfg.NewID),
	}
}

// SetHandlers installs the presentation callbacks.
func (c *Controller) SetHandlers(h Handlers) {
	c.handlers = h
}

// Registry exposes the controller's session registry.
func (c *Controller) Registry() *session.Registry {
	return c.registry
}

// Connect dials the relay and wires its callbacks into the controller.
func (c *Controller) Connect(ctx context.Context, d transport.Dialer) error {
	conn, err := d.Connect(ctx, c.cfg.ParticipantID, c.Events())
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Events returns the transport callbacks backing this controller. Exposed so
// tests can drive lifecycle events directly.
func (c *Controller) Events() transport.Events {
	return transport.Events{
		OnConnected: func(pid string) {
			c.log.Debug().Msg("connected to relay")
		},
		OnSessionListUpdated: c.syncList,
		OnSessionCreated: func(sid string) {
			c.log.Debug().Str("session", sid).Msg("session created")
		},
		OnParticipantJoined: c.handlePeerJoined,
		OnParticipantLeft:   c.handlePeerLeft,
		OnMessageReceived:   c.handleMessage,
		OnDisconnected:      c.handleDisconnected,
	}
}

// RequestMatch finds an open session or creates one, and binds the local
// participant. Failures from the relay surface as ErrMatchmakingFailed; the
// caller decides whether to retry.
func (c *Controller) RequestMatch(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.cur != nil && c.cur.race.Status() != race.StatusFinished {
		c.mu.Unlock()
		return ErrAlreadyInSession
	}
	c.mu.Unlock()

	// refresh the candidate snapshot before deciding
	if list, err := conn.ListOpenSessions(ctx); err == nil {
		c.syncList(list)
	}

	decision := c.matchmaker.FindOrCreate(c.registry.List())

	// pushes for the new session can arrive before the create or join
	// reply; queue them until the session is bound
	c.mu.Lock()
	c.pendingID = decision.SessionID
	c.pendingEvents = nil
	c.mu.Unlock()

	var handle transport.Handle
	var err error
	if decision.Create {
		handle, err = conn.CreateSession(ctx, decision.SessionID, session.DefaultCapacity)
	} else {
		handle, err = conn.JoinSession(ctx, decision.SessionID)
	}
	if err != nil {
		c.clearPending()
		return fmt.Errorf("%w: %w", ErrMatchmakingFailed, err)
	}

	r := race.New(c.cfg.FinishLine)
	sess := session.New(handle.SessionID, c.cfg.Now)
	localRole := race.RoleFirst
	for i, pid := range handle.Participants {
		role := race.RoleFirst
		if i > 0 {
			role = race.RoleSecond
		}
		if err := r.Bind(pid, role); err != nil {
			c.clearPending()
			return fmt.Errorf("bind participant %s: %w", pid, err)
		}
		sess.Participants = append(sess.Participants, session.Participant{ID: pid, Role: role})
		if pid == c.cfg.ParticipantID {
			localRole = role
		}
	}
	sess.Open = len(sess.Participants) < sess.Capacity

	cur := &active{id: handle.SessionID, race: r, role: localRole}
	c.registry.Record(sess)

	c.log.Info().
		Str("session", handle.SessionID).
		Bool("created", decision.Create).
		Int("players", len(handle.Participants)).
		Msg("matched")

	if r.Status() == race.StatusRunning {
		c.markRunning(cur, opponentOf(handle.Participants, c.cfg.ParticipantID))
	}
	c.publish(cur)
	return nil
}

// publish installs the bound session and replays whatever events overtook
// the transport reply, in delivery order. Events delivered during a replay
// batch keep queueing, so direct delivery only resumes once the queue is
// observed empty.
func (c *Controller) publish(cur *active) {
	for {
		c.mu.Lock()
		c.cur = cur
		if len(c.pendingEvents) == 0 {
			c.pendingID = ""
			c.mu.Unlock()
			return
		}
		batch := c.pendingEvents
		c.pendingEvents = nil
		c.mu.Unlock()

		for _, e := range batch {
			switch e.kind {
			case pendingJoined:
				c.peerJoined(cur.id, e.pid)
			case pendingLeft:
				c.peerLeft(cur.id, e.pid)
			case pendingMessage:
				c.applyMessage(cur.id, e.pid, e.msg)
			}
		}
	}
}

// bufferPending queues an event for the in-flight session, reporting whether
// it was taken.
func (c *Controller) bufferPending(sid string, e pendingEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingID == "" || c.pendingID != sid {
		return false
	}
	c.pendingEvents = append(c.pendingEvents, e)
	return true
}

func (c *Controller) clearPending() {
	c.mu.Lock()
	c.pendingID = ""
	c.pendingEvents = nil
	c.mu.Unlock()
}

// SubmitAnswer applies the local participant's answer and relays it to the
// other side. Wrong answers cost nothing; the counter only moves forward.
func (c *Controller) SubmitAnswer(participantID string, correct bool) error {
	if participantID != c.cfg.ParticipantID {
		return race.ErrUnknownParticipant
	}
	c.mu.Lock()
	cur, conn := c.cur, c.conn
	c.mu.Unlock()
	if cur == nil {
		return race.ErrSessionNotRunning
	}

	res, err := cur.race.RecordAnswer(participantID, correct)
	if err != nil {
		return err
	}

	if conn != nil {
		if err := conn.Broadcast(cur.id, transport.Message{
			Type:    transport.MessageAnswer,
			Sender:  participantID,
			Correct: correct,
		}); err != nil {
			c.log.Warn().Err(err).Msg("broadcast answer")
		}
	}

	if c.handlers.OnProgress != nil {
		c.handlers.OnProgress(participantID, cur.race.Progress(participantID))
	}
	if res.Finished {
		c.finish(cur, res)
	}
	return nil
}

// LeaveSession abandons the current session. Leaving mid-race concedes the
// win to the other side; leaving a finished or absent session is a no-op.
func (c *Controller) LeaveSession(participantID string) error {
	if participantID != c.cfg.ParticipantID {
		return race.ErrUnknownParticipant
	}
	c.mu.Lock()
	cur, conn := c.cur, c.conn
	c.mu.Unlock()
	if cur == nil {
		return nil
	}

	if conn != nil {
		if err := conn.Leave(cur.id); err != nil {
			c.log.Warn().Err(err).Msg("leave session")
		}
	}
	if res, err := cur.race.Forfeit(participantID); err == nil {
		c.finish(cur, res)
	}

	c.registry.Remove(cur.id)
	c.mu.Lock()
	if c.cur == cur {
		c.cur = nil
	}
	c.mu.Unlock()
	return nil
}

// Progress reports a participant's counter in the current session.
func (c *Controller) Progress(participantID string) int {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil {
		return 0
	}
	return cur.race.Progress(participantID)
}

// CurrentSessionID names the session the local participant is bound to.
func (c *Controller) CurrentSessionID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return "", false
	}
	return c.cur.id, true
}

// Close tears down the transport connection.
func (c *Controller) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// syncList mirrors the relay's advertised sessions into the registry,
// keeping the record of our own session authoritative.
func (c *Controller) syncList(list []transport.SessionSummary) {
	ownID, _ := c.CurrentSessionID()
	seen := make(map[string]bool, len(list))
	for _, sum := range list {
		seen[sum.ID] = true
		if sum.ID == ownID {
			continue
		}
		updated := c.registry.Update(sum.ID, func(s *session.Session) {
			s.Open = sum.Open
			s.Capacity = sum.Capacity
			s.Participants = make([]session.Participant, sum.PlayerCount)
			s.UpdatedAt = c.cfg.Now().UTC()
		})
		if !updated {
			s := session.New(sum.ID, c.cfg.Now)
			s.Open = sum.Open
			s.Capacity = sum.Capacity
			// ids are not part of the lobby list, only the count
			s.Participants = make([]session.Participant, sum.PlayerCount)
			c.registry.Record(s)
		}
	}
	for _, sum := range c.registry.List() {
		if !seen[sum.ID] && sum.ID != ownID {
			c.registry.Remove(sum.ID)
		}
	}
}

func (c *Controller) handlePeerJoined(sid, pid string) {
	if c.bufferPending(sid, pendingEvent{kind: pendingJoined, pid: pid}) {
		return
	}
	c.peerJoined(sid, pid)
}

func (c *Controller) peerJoined(sid, pid string) {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil || cur.id != sid {
		return
	}
	if err := cur.race.Bind(pid, race.RoleSecond); err != nil {
		c.log.Warn().Err(err).Str("peer", pid).Msg("bind joining peer")
		return
	}
	c.registry.Update(sid, func(s *session.Session) {
		s.Participants = append(s.Participants, session.Participant{ID: pid, Role: race.RoleSecond})
		s.UpdatedAt = c.cfg.Now().UTC()
	})
	if cur.race.Status() == race.StatusRunning {
		c.markRunning(cur, pid)
	}
}

func (c *Controller) handlePeerLeft(sid, pid string) {
	if c.bufferPending(sid, pendingEvent{kind: pendingLeft, pid: pid}) {
		return
	}
	c.peerLeft(sid, pid)
}

func (c *Controller) peerLeft(sid, pid string) {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil || cur.id != sid {
		return
	}

	switch cur.race.Status() {
	case race.StatusRunning:
		// mid-race disconnect: remaining side wins by forfeit
		if res, err := cur.race.Forfeit(pid); err == nil {
			c.finish(cur, res)
		}
	case race.StatusCreated:
		// peer left before the race started: reopen for another party.
		// The stale active is swapped wholesale so readers holding the old
		// pointer keep a consistent race.
		c.log.Info().Str("session", sid).Str("peer", pid).Msg("peer left before start, reopening")
		fresh := race.New(c.cfg.FinishLine)
		if err := fresh.Bind(c.cfg.ParticipantID, race.RoleFirst); err != nil {
			c.log.Error().Err(err).Msg("rebind after peer left")
			return
		}
		next := &active{id: sid, race: fresh, role: race.RoleFirst}
		c.mu.Lock()
		if c.cur == cur {
			c.cur = next
		}
		c.mu.Unlock()
		c.registry.Update(sid, func(s *session.Session) {
			s.Status = session.StatusCreated
			s.Open = true
			s.Participants = []session.Participant{{ID: c.cfg.ParticipantID, Role: race.RoleFirst}}
			s.UpdatedAt = c.cfg.Now().UTC()
		})
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			if err := conn.SetOpen(sid, true); err != nil {
				c.log.Warn().Err(err).Msg("reopen session")
			}
		}
	default:
		// already finished, nothing to do
	}
}

func (c *Controller) handleMessage(sid, sender string, msg transport.Message) {
	if msg.Type != transport.MessageAnswer {
		c.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		return
	}
	if c.bufferPending(sid, pendingEvent{kind: pendingMessage, pid: sender, msg: msg}) {
		return
	}
	c.applyMessage(sid, sender, msg)
}

func (c *Controller) applyMessage(sid, sender string, msg transport.Message) {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil || cur.id != sid {
		return
	}

	res, err := cur.race.RecordAnswer(sender, msg.Correct)
	if err != nil {
		// late answers after the finish are expected and dropped
		if !errors.Is(err, race.ErrSessionNotRunning) {
			c.log.Warn().Err(err).Str("sender", sender).Msg("record relayed answer")
		}
		return
	}
	if c.handlers.OnProgress != nil {
		c.handlers.OnProgress(sender, cur.race.Progress(sender))
	}
	if res.Finished {
		c.finish(cur, res)
	}
}

func (c *Controller) handleDisconnected(reason string) {
	c.log.Warn().Str("reason", reason).Msg("disconnected from relay")
	c.mu.Lock()
	cur := c.cur
	c.conn = nil
	c.pendingID = ""
	c.pendingEvents = nil
	c.mu.Unlock()
	if cur == nil {
		return
	}
	// the session is lost; concede locally so the UI resolves
	if res, err := cur.race.Forfeit(c.cfg.ParticipantID); err == nil {
		c.finish(cur, res)
	}
	c.registry.Remove(cur.id)
	c.mu.Lock()
	if c.cur == cur {
		c.cur = nil
	}
	c.mu.Unlock()
}

// markRunning closes the session to joins and announces the start.
func (c *Controller) markRunning(cur *active, opponentID string) {
	c.registry.Update(cur.id, func(s *session.Session) {
		s.Status = session.StatusRunning
		s.Open = false
		s.UpdatedAt = c.cfg.Now().UTC()
	})
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		if err := conn.SetOpen(cur.id, false); err != nil {
			c.log.Warn().Err(err).Msg("close session to joins")
		}
	}
	c.log.Info().Str("session", cur.id).Str("opponent", opponentID).Msg("race running")
	if c.handlers.OnStart != nil {
		c.handlers.OnStart(Start{SessionID: cur.id, OpponentID: opponentID, Role: cur.role})
	}
}

// finish emits the terminal result exactly once and schedules the registry
// removal after the configured grace period.
func (c *Controller) finish(cur *active, res race.Result) {
	c.mu.Lock()
	if cur.emitted {
		c.mu.Unlock()
		return
	}
	cur.emitted = true
	c.mu.Unlock()

	c.registry.Update(cur.id, func(s *session.Session) {
		s.Status = session.StatusFinished
		s.Open = false
		s.UpdatedAt = c.cfg.Now().UTC()
	})

	isWinner := res.WinnerID == c.cfg.ParticipantID
	c.log.Info().
		Str("session", cur.id).
		Str("winner", res.WinnerID).
		Bool("forfeit", res.Forfeit).
		Bool("is_winner", isWinner).
		Msg("race finished")

	if c.handlers.OnResult != nil {
		c.handlers.OnResult(res)
	}
	if c.handlers.OnGameOver != nil {
		c.handlers.OnGameOver(c.cfg.ParticipantID, isWinner, res)
	}

	id := cur.id
	if c.cfg.RemoveAfter > 0 {
		time.AfterFunc(c.cfg.RemoveAfter, func() {
			c.registry.Remove(id)
			c.mu.Lock()
			if c.cur == cur {
				c.cur = nil
			}
			c.mu.Unlock()
		})
		return
	}
	c.registry.Remove(id)
}

func opponentOf(participants []string, local string) string {
	for _, pid := range participants {
		if pid != local {
			return pid
		}
	}
	return ""
}
