package race

import (
	"errors"
	"sync"
)

// DefaultFinishLine is the progress a participant must reach to win.
const DefaultFinishLine = 10

var (
	ErrCapacityExceeded     = errors.New("race: capacity exceeded")
	ErrDuplicateParticipant = errors.New("race: participant already bound")
	ErrSessionNotRunning    = errors.New("race: session is not running")
	ErrUnknownParticipant   = errors.New("race: unknown participant")
)

// Status is the lifecycle state of a race.
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

// Role marks the bind order of a participant. Cosmetic, determines spawn side.
type Role int

const (
	RoleFirst Role = iota
	RoleSecond
)

// Result is the terminal outcome of a race. Produced at most once.
type Result struct {
	Finished        bool
	WinnerID        string
	LoserID         string
	WinningProgress int
	Forfeit         bool
}

type slot struct {
	id       string
	role     Role
	progress int
}

// Race tracks the progress of exactly two participants toward the finish line.
// All methods serialize on an internal mutex, so answers arriving from the
// local input and from the relayed remote participant never interleave.
type Race struct {
	mu         sync.Mutex
	finishLine int
	status     Status
	slots      [2]*slot
	winner     string
	loser      string
}

// New returns a race in the created state. A finishLine of zero or less
// falls back to DefaultFinishLine.
func New(finishLine int) *Race {
	if finishLine <= 0 {
		finishLine = DefaultFinishLine
	}
	return &Race{finishLine: finishLine}
}

// Bind attaches a participant to a free slot. Binding the second participant
// transitions the race to running.
func (r *Race) Bind(participantID string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.slots {
		if s != nil && s.id == participantID {
			return ErrDuplicateParticipant
		}
	}
	for i, s := range r.slots {
		if s == nil {
			r.slots[i] = &slot{id: participantID, role: role}
			if i == 1 {
				r.status = StatusRunning
			}
			return nil
		}
	}
	return ErrCapacityExceeded
}

// RecordAnswer applies one answer for the given participant. A correct answer
// advances progress by one, a wrong answer leaves it unchanged. The first
// answer to reach the finish line finishes the race and names the winner;
// anything after that is rejected with ErrSessionNotRunning.
func (r *Race) RecordAnswer(participantID string, correct bool) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRunning {
		return Result{}, ErrSessionNotRunning
	}
	s, other := r.lookup(participantID)
	if s == nil {
		return Result{}, ErrUnknownParticipant
	}
	if !correct {
		return Result{}, nil
	}

	s.progress++
	if s.progress < r.finishLine {
		return Result{}, nil
	}

	r.status = StatusFinished
	r.winner = s.id
	r.loser = other.id
	return Result{
		Finished:        true,
		WinnerID:        s.id,
		LoserID:         other.id,
		WinningProgress: s.progress,
	}, nil
}

// Forfeit ends a running race with the leaver as loser and the remaining
// participant as winner.
func (r *Race) Forfeit(leaverID string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRunning {
		return Result{}, ErrSessionNotRunning
	}
	s, other := r.lookup(leaverID)
	if s == nil {
		return Result{}, ErrUnknownParticipant
	}

	r.status = StatusFinished
	r.winner = other.id
	r.loser = s.id
	return Result{
		Finished:        true,
		WinnerID:        other.id,
		LoserID:         s.id,
		WinningProgress: other.progress,
		Forfeit:         true,
	}, nil
}

// Progress reports the current counter for a participant. Unknown
// participants report zero.
func (r *Race) Progress(participantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, _ := r.lookup(participantID); s != nil {
		return s.progress
	}
	return 0
}

// Participants returns the bound participant IDs in bind order.
func (r *Race) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, s := range r.slots {
		if s != nil {
			ids = append(ids, s.id)
		}
	}
	return ids
}

func (r *Race) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// lookup finds the slot for id and its opponent. Callers hold the mutex.
func (r *Race) lookup(id string) (own, other *slot) {
	for i, s := range r.slots {
		if s == nil {
			continue
		}
		if s.id == id {
			own = s
		} else {
			other = r.slots[i]
		}
	}
	return own, other
}
