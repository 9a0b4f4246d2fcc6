package game

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minernet/digracer/internal/race"
	"github.com/minernet/digracer/internal/session"
	"github.com/minernet/digracer/internal/transport"
)

type overEvent struct {
	participantID string
	isWinner      bool
	result        race.Result
}

// ctrlRecorder captures handler callbacks. All controller activity in these
// tests happens on the test goroutine (the relay delivers synchronously), so
// plain slices are fine.
type ctrlRecorder struct {
	starts  []Start
	overs   []overEvent
	results []race.Result
}

func (r *ctrlRecorder) handlers() Handlers {
	return Handlers{
		OnStart: func(s Start) { r.starts = append(r.starts, s) },
		OnGameOver: func(pid string, isWinner bool, res race.Result) {
			r.overs = append(r.overs, overEvent{pid, isWinner, res})
		},
		OnResult: func(res race.Result) { r.results = append(r.results, res) },
	}
}

func fixedIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func newRelayController(t *testing.T, relay *transport.Relay, name, sessionID string) (*Controller, *ctrlRecorder) {
	t.Helper()
	ctrl := NewController(Config{
		ParticipantID: name,
		FinishLine:    3,
		NewID:         fixedIDs(sessionID),
	})
	rec := &ctrlRecorder{}
	ctrl.SetHandlers(rec.handlers())
	require.NoError(t, ctrl.Connect(context.Background(), relay))
	return ctrl, rec
}

func matchPair(t *testing.T, relay *transport.Relay) (*Controller, *ctrlRecorder, *Controller, *ctrlRecorder) {
	t.Helper()
	ctrlA, recA := newRelayController(t, relay, "alice", "s1")
	ctrlB, recB := newRelayController(t, relay, "bob", "s2")

	require.NoError(t, ctrlA.RequestMatch(context.Background()))
	_, ok := ctrlA.CurrentSessionID()
	require.True(t, ok)
	require.Empty(t, recA.starts, "creator waits for an opponent")

	require.NoError(t, ctrlB.RequestMatch(context.Background()))
	require.Len(t, recA.starts, 1)
	require.Len(t, recB.starts, 1)
	return ctrlA, recA, ctrlB, recB
}

func TestMatchmakingCreatesThenJoins(t *testing.T) {
	relay := transport.NewRelay()
	ctrlA, recA, ctrlB, recB := matchPair(t, relay)

	sidA, _ := ctrlA.CurrentSessionID()
	sidB, _ := ctrlB.CurrentSessionID()
	require.Equal(t, "s1", sidA, "first match creates")
	require.Equal(t, "s1", sidB, "second match joins the open session")

	require.Equal(t, "bob", recA.starts[0].OpponentID)
	require.Equal(t, race.RoleFirst, recA.starts[0].Role)
	require.Equal(t, "alice", recB.starts[0].OpponentID)
	require.Equal(t, race.RoleSecond, recB.starts[0].Role)
}

func TestRaceToTheFinishLine(t *testing.T) {
	relay := transport.NewRelay()
	ctrlA, recA, ctrlB, recB := matchPair(t, relay)

	// wrong answers dig nothing, on either side
	require.NoError(t, ctrlA.SubmitAnswer("alice", false))
	require.NoError(t, ctrlB.SubmitAnswer("bob", false))
	require.Equal(t, 0, ctrlA.Progress("alice"))
	require.Equal(t, 0, ctrlB.Progress("bob"))

	// alice digs to the finish line of 3
	require.NoError(t, ctrlA.SubmitAnswer("alice", true))
	require.NoError(t, ctrlA.SubmitAnswer("alice", true))
	require.Equal(t, 2, ctrlB.Progress("alice"), "remote side mirrors relayed answers")
	require.NoError(t, ctrlA.SubmitAnswer("alice", true))

	require.Len(t, recA.overs, 1)
	require.True(t, recA.overs[0].isWinner)
	require.Equal(t, "alice", recA.overs[0].participantID)

	require.Len(t, recB.overs, 1)
	require.False(t, recB.overs[0].isWinner)
	require.Equal(t, "bob", recB.overs[0].participantID)
	require.Equal(t, "alice", recB.overs[0].result.WinnerID)

	// answers after the finish are hard failures
	require.ErrorIs(t, ctrlB.SubmitAnswer("bob", true), race.ErrSessionNotRunning)
	require.ErrorIs(t, ctrlA.SubmitAnswer("alice", true), race.ErrSessionNotRunning)

	// exactly one result per side, no replays
	require.Len(t, recA.results, 1)
	require.Len(t, recB.results, 1)
	require.Equal(t, 3, recA.results[0].WinningProgress)
}

func TestLeaveMidRaceForfeits(t *testing.T) {
	relay := transport.NewRelay()
	_, recA, ctrlB, recB := matchPair(t, relay)

	require.NoError(t, ctrlB.LeaveSession("bob"))

	require.Len(t, recA.overs, 1)
	require.True(t, recA.overs[0].isWinner)
	require.True(t, recA.overs[0].result.Forfeit)
	require.Equal(t, "alice", recA.overs[0].result.WinnerID)

	require.Len(t, recB.overs, 1)
	require.False(t, recB.overs[0].isWinner)

	_, ok := ctrlB.CurrentSessionID()
	require.False(t, ok, "leaver is unbound")
}

func TestConnectionLossMidRace(t *testing.T) {
	relay := transport.NewRelay()
	ctrlA, recA, _, recB := matchPair(t, relay)

	require.NoError(t, ctrlA.Close())

	// the remaining side wins by forfeit
	require.Len(t, recB.overs, 1)
	require.True(t, recB.overs[0].isWinner)
	require.True(t, recB.overs[0].result.Forfeit)

	// the dropped side resolves locally as a loss
	require.Len(t, recA.overs, 1)
	require.False(t, recA.overs[0].isWinner)
}

func TestFinishedSessionRemovedAfterGracePeriod(t *testing.T) {
	relay := transport.NewRelay()
	ctrl := NewController(Config{
		ParticipantID: "alice",
		FinishLine:    1,
		RemoveAfter:   20 * time.Millisecond,
		NewID:         fixedIDs("s1"),
	})
	rec := &ctrlRecorder{}
	ctrl.SetHandlers(rec.handlers())
	require.NoError(t, ctrl.Connect(context.Background(), relay))

	ctrlB, _ := newRelayController(t, relay, "bob", "s2")
	require.NoError(t, ctrl.RequestMatch(context.Background()))
	require.NoError(t, ctrlB.RequestMatch(context.Background()))

	require.NoError(t, ctrl.SubmitAnswer("alice", true))
	got, ok := ctrl.Registry().Get("s1")
	require.True(t, ok, "finished session lingers for the grace period")
	require.Equal(t, session.StatusFinished, got.Status)
	require.False(t, got.Open)

	require.Eventually(t, func() bool {
		_, ok := ctrl.Registry().Get("s1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

// stubConn drives the controller without a relay. The onCreate and onJoin
// hooks fire before the call returns, modeling pushes that beat the reply.
type stubConn struct {
	list      []transport.SessionSummary
	createErr error
	joinErr   error
	handleFor func(id string) transport.Handle
	onCreate  func(id string)
	onJoin    func(id string)
	created   []string
	joined    []string
	opened    []string
	left      []string
}

func (s *stubConn) CreateSession(ctx context.Context, id string, capacity int) (transport.Handle, error) {
	if s.createErr != nil {
		return transport.Handle{}, s.createErr
	}
	s.created = append(s.created, id)
	if s.onCreate != nil {
		s.onCreate(id)
	}
	return s.handleFor(id), nil
}

func (s *stubConn) JoinSession(ctx context.Context, id string) (transport.Handle, error) {
	if s.joinErr != nil {
		return transport.Handle{}, s.joinErr
	}
	s.joined = append(s.joined, id)
	if s.onJoin != nil {
		s.onJoin(id)
	}
	return s.handleFor(id), nil
}

func (s *stubConn) ListOpenSessions(ctx context.Context) ([]transport.SessionSummary, error) {
	return s.list, nil
}

func (s *stubConn) SetOpen(sessionID string, open bool) error {
	s.opened = append(s.opened, fmt.Sprintf("%s=%t", sessionID, open))
	return nil
}

func (s *stubConn) Broadcast(sessionID string, msg transport.Message) error { return nil }

func (s *stubConn) Leave(sessionID string) error {
	s.left = append(s.left, sessionID)
	return nil
}

func (s *stubConn) Close() error { return nil }

type stubDialer struct{ conn transport.Conn }

func (d stubDialer) Connect(ctx context.Context, pid string, ev transport.Events) (transport.Conn, error) {
	return d.conn, nil
}

func newStubController(t *testing.T, name string, conn *stubConn) (*Controller, *ctrlRecorder) {
	t.Helper()
	ctrl := NewController(Config{
		ParticipantID: name,
		FinishLine:    3,
		NewID:         fixedIDs("fresh"),
	})
	rec := &ctrlRecorder{}
	ctrl.SetHandlers(rec.handlers())
	require.NoError(t, ctrl.Connect(context.Background(), stubDialer{conn: conn}))
	return ctrl, rec
}

func TestRequestMatchPrefersOpenCandidate(t *testing.T) {
	conn := &stubConn{
		list: []transport.SessionSummary{
			{ID: "waiting", PlayerCount: 1, Capacity: 2, Open: true},
			{ID: "full", PlayerCount: 2, Capacity: 2, Open: false},
		},
		handleFor: func(id string) transport.Handle {
			return transport.Handle{SessionID: id, Participants: []string{"carol", "alice"}}
		},
	}
	ctrl, rec := newStubController(t, "alice", conn)

	require.NoError(t, ctrl.RequestMatch(context.Background()))
	require.Equal(t, []string{"waiting"}, conn.joined)
	require.Empty(t, conn.created)

	require.Len(t, rec.starts, 1)
	require.Equal(t, "carol", rec.starts[0].OpponentID)
	require.Equal(t, race.RoleSecond, rec.starts[0].Role)
}

func TestRequestMatchWrapsTransportFailure(t *testing.T) {
	cause := errors.New("name quota exceeded")
	conn := &stubConn{createErr: cause}
	ctrl, _ := newStubController(t, "alice", conn)

	err := ctrl.RequestMatch(context.Background())
	require.ErrorIs(t, err, ErrMatchmakingFailed)
	require.ErrorIs(t, err, cause)

	_, ok := ctrl.CurrentSessionID()
	require.False(t, ok)
}

func TestPeerLeftBeforeRunningReopens(t *testing.T) {
	conn := &stubConn{
		handleFor: func(id string) transport.Handle {
			return transport.Handle{SessionID: id, Participants: []string{"alice"}}
		},
	}
	ctrl, rec := newStubController(t, "alice", conn)
	require.NoError(t, ctrl.RequestMatch(context.Background()))

	// a leave racing ahead of its join must put the session back on offer
	ev := ctrl.Events()
	ev.OnParticipantLeft("fresh", "ghost")

	got, ok := ctrl.Registry().Get("fresh")
	require.True(t, ok)
	require.Equal(t, session.StatusCreated, got.Status)
	require.True(t, got.Open)
	require.Len(t, got.Participants, 1)
	require.Equal(t, "alice", got.Participants[0].ID)
	require.Contains(t, conn.opened, "fresh=true")

	// the rebuilt race is back to waiting: no answers, no stale progress
	require.ErrorIs(t, ctrl.SubmitAnswer("alice", true), race.ErrSessionNotRunning)
	require.Equal(t, 0, ctrl.Progress("alice"))

	// the reopened session still accepts a real opponent
	ev.OnParticipantJoined("fresh", "bob")
	require.Len(t, rec.starts, 1)
	require.Equal(t, "bob", rec.starts[0].OpponentID)
	require.Contains(t, conn.opened, "fresh=false")
}

func TestJoinOvertakingCreateReply(t *testing.T) {
	// the hub pushes peer_joined from the joiner's goroutine, so the
	// creator can see the join before its own create reply resumes
	conn := &stubConn{
		handleFor: func(id string) transport.Handle {
			return transport.Handle{SessionID: id, Participants: []string{"alice"}}
		},
	}
	ctrl, rec := newStubController(t, "alice", conn)
	ev := ctrl.Events()
	conn.onCreate = func(id string) { ev.OnParticipantJoined(id, "bob") }

	require.NoError(t, ctrl.RequestMatch(context.Background()))

	require.Len(t, rec.starts, 1, "early join must not be dropped")
	require.Equal(t, "bob", rec.starts[0].OpponentID)
	require.Equal(t, race.RoleFirst, rec.starts[0].Role)

	require.NoError(t, ctrl.SubmitAnswer("alice", true))
	require.Equal(t, 1, ctrl.Progress("alice"))

	got, ok := ctrl.Registry().Get("fresh")
	require.True(t, ok)
	require.Equal(t, session.StatusRunning, got.Status)
	require.Len(t, got.Participants, 2)
}

func TestAnswerOvertakingJoinReply(t *testing.T) {
	// the creator can answer the instant it sees the join; that answer can
	// reach the joiner before the join reply does
	conn := &stubConn{
		list: []transport.SessionSummary{
			{ID: "waiting", PlayerCount: 1, Capacity: 2, Open: true},
		},
		handleFor: func(id string) transport.Handle {
			return transport.Handle{SessionID: id, Participants: []string{"carol", "alice"}}
		},
	}
	ctrl, rec := newStubController(t, "alice", conn)
	ev := ctrl.Events()
	conn.onJoin = func(id string) {
		ev.OnMessageReceived(id, "carol", transport.Message{
			Type:    transport.MessageAnswer,
			Sender:  "carol",
			Correct: true,
		})
	}

	require.NoError(t, ctrl.RequestMatch(context.Background()))

	require.Len(t, rec.starts, 1)
	require.Equal(t, "carol", rec.starts[0].OpponentID)
	require.Equal(t, 1, ctrl.Progress("carol"), "early answer must be applied, not dropped")
}

func TestAlreadyInSession(t *testing.T) {
	conn := &stubConn{
		handleFor: func(id string) transport.Handle {
			return transport.Handle{SessionID: id, Participants: []string{"alice"}}
		},
	}
	ctrl, _ := newStubController(t, "alice", conn)
	require.NoError(t, ctrl.RequestMatch(context.Background()))
	require.ErrorIs(t, ctrl.RequestMatch(context.Background()), ErrAlreadyInSession)
}

func TestSubmitAnswerValidation(t *testing.T) {
	conn := &stubConn{
		handleFor: func(id string) transport.Handle {
			return transport.Handle{SessionID: id, Participants: []string{"alice"}}
		},
	}
	ctrl, _ := newStubController(t, "alice", conn)

	require.ErrorIs(t, ctrl.SubmitAnswer("mallory", true), race.ErrUnknownParticipant)
	require.ErrorIs(t, ctrl.SubmitAnswer("alice", true), race.ErrSessionNotRunning)

	require.NoError(t, ctrl.RequestMatch(context.Background()))
	// still waiting for an opponent
	require.ErrorIs(t, ctrl.SubmitAnswer("alice", true), race.ErrSessionNotRunning)
}
