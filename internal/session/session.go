package session

import (
	"time"

	"github.com/minernet/digracer/internal/race"
)

// DefaultCapacity is the fixed number of participants per session.
const DefaultCapacity = 2

// Status mirrors the room states the lobby advertises.
type Status int

const (
	StatusCreated Status = iota
	StatusRunning
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Participant is one player bound to a session.
type Participant struct {
	ID   string
	Role race.Role
}

// Session is one matchmade game instance.
type Session struct {
	ID           string
	Capacity     int
	Status       Status
	Open         bool
	Participants []Participant
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Summary is the discovery view of a session, enough for matchmaking.
type Summary struct {
	ID          string
	PlayerCount int
	Capacity    int
	Open        bool
}

// New returns an open session in the created state. A nil clock uses
// time.Now.
func New(id string, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	created := now().UTC()
	return &Session{
		ID:        id,
		Capacity:  DefaultCapacity,
		Status:    StatusCreated,
		Open:      true,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// Summary reduces the session to its discovery view.
func (s *Session) Summary() Summary {
	return Summary{
		ID:          s.ID,
		PlayerCount: len(s.Participants),
		Capacity:    s.Capacity,
		Open:        s.Open,
	}
}
