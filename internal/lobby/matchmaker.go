// Package lobby decides whether a joining player creates a new session or
// joins an existing one, following the room-list matchmaking flow: no
// candidates means create, no open candidates means create, otherwise join a
// random open room.
package lobby

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/minernet/digracer/internal/session"
)

// Decision is the matchmaking outcome. When Create is true the SessionID is
// freshly generated; otherwise it names the open candidate to join. The
// decision itself has no side effects.
type Decision struct {
	SessionID string
	Create    bool
}

// Matchmaker picks sessions. The random source and the id generator are
// injected so tests can pin the selection.
type Matchmaker struct {
	rnd   *rand.Rand
	newID func() string
}

// New builds a matchmaker. A nil rnd gets a time-seeded source and a nil
// newID falls back to UUIDs.
func New(rnd *rand.Rand, newID func() string) *Matchmaker {
	if rnd == nil {
		seed := uint64(time.Now().UnixNano())
		rnd = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &Matchmaker{rnd: rnd, newID: newID}
}

// FindOrCreate applies the matchmaking rules to a candidate snapshot.
func (m *Matchmaker) FindOrCreate(candidates []session.Summary) Decision {
	open := make([]session.Summary, 0, len(candidates))
	for _, c := range candidates {
		if c.Open {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return Decision{SessionID: m.newID(), Create: true}
	}
	pick := open[m.rnd.IntN(len(open))]
	return Decision{SessionID: pick.ID}
}
