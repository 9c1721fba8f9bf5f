package quiz

import "time"

type PlayerStatus string

const (
	StatusActive  PlayerStatus = "active"
	StatusStale   PlayerStatus = "stale"
	StatusRemoved PlayerStatus = "removed"
)

// Player is the per-participant record inside one session. All fields are
// guarded by the owning Session's mutex.
type Player struct {
	ID              string
	Score           float64
	CorrectCount    int
	RoundScores     []float64
	AnsweredCurrent bool

	// Liveness, maintained by the heartbeat monitor and inbound traffic.
	LastSeen time.Time
	LastPong time.Time
	Latency  time.Duration // ping round trip, zero until the first pong
	Status   PlayerStatus

	Muted bool
}

func NewPlayer(id string) *Player {
	return &Player{
		ID:          id,
		RoundScores: []float64{},
		Status:      StatusActive,
	}
}

// LastContact returns the most recent time we heard anything from the player,
// zero if we never have.
func (p *Player) LastContact() time.Time {
	if p.LastSeen.After(p.LastPong) {
		return p.LastSeen
	}
	return p.LastPong
}

func (p *Player) resetForQuiz() {
	p.Score = 0
	p.CorrectCount = 0
	p.AnsweredCurrent = false
	p.RoundScores = []float64{}
}
