package quiz

import "math"

// PlayerInfo is the only shape a player ever takes on the wire: rounded
// numbers, nullable latency, no connection handles or raw timestamps.
type PlayerInfo struct {
	PlayerID     string    `json:"player_id"`
	Score        float64   `json:"score"`
	CorrectCount int       `json:"correct_count"`
	RoundScores  []float64 `json:"round_scores"`
	LatencyMS    *float64  `json:"latency_ms"`
	IsMuted      bool      `json:"is_muted"`
	Status       string    `json:"status"`
}

type LeaderboardEntry struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func playerInfo(p *Player) PlayerInfo {
	rounds := make([]float64, len(p.RoundScores))
	for i, score := range p.RoundScores {
		rounds[i] = round1(score)
	}

	var latency *float64
	if p.Latency > 0 {
		ms := round1(float64(p.Latency.Microseconds()) / 1000.0)
		latency = &ms
	}

	return PlayerInfo{
		PlayerID:     p.ID,
		Score:        round1(p.Score),
		CorrectCount: p.CorrectCount,
		RoundScores:  rounds,
		LatencyMS:    latency,
		IsMuted:      p.Muted,
		Status:       string(p.Status),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
