package quiz

import (
	"math"
	"sort"
	"sync"
	"time"
)

type SessionState string

const (
	StateLobby    SessionState = "lobby"
	StateActive   SessionState = "active"
	StateFinished SessionState = "finished"
)

// Session is the aggregate root for one live quiz game. It owns the roster,
// the connections, the loaded quiz and the answer logs. Every exported method
// takes the session mutex, so callers from different goroutines (the
// websocket read loops and the heartbeat monitor) are serialized per session.
// Methods never perform I/O; they return data for the transport layer to send.
type Session struct {
	mu sync.Mutex

	ID     string
	HostID string

	password string
	state    SessionState

	players     map[string]*Player
	kicked      map[string]bool
	connections map[string]Connection

	quiz               *Quiz
	currentQuestionIdx int
	questionOpen       bool

	// answerLog / answerTimeLog: question index -> player id -> value.
	// Append-only within a question; scoring and histograms read from here.
	answerLog     map[int]map[string]int
	answerTimeLog map[int]map[string]float64

	// liveCounts is the running per-option tally for the open question,
	// maintained on every accepted answer so the host histogram doesn't
	// rescan the log.
	liveCounts []int
}

func NewSession(id, hostID, password string) *Session {
	return &Session{
		ID:                 id,
		HostID:             hostID,
		password:           password,
		state:              StateLobby,
		players:            make(map[string]*Player),
		kicked:             make(map[string]bool),
		connections:        make(map[string]Connection),
		answerLog:          make(map[int]map[string]int),
		answerTimeLog:      make(map[int]map[string]float64),
		currentQuestionIdx: -1,
	}
}

// ---------------------------------------------------------------------------
// Roster
// ---------------------------------------------------------------------------

// AddPlayer registers a player and its connection. Rejects kicked ids and ids
// already in the roster.
func (s *Session) AddPlayer(id string, conn Connection) (*Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kicked[id] {
		return nil, ErrKicked
	}
	if _, exists := s.players[id]; exists {
		return nil, ErrNameTaken
	}

	player := NewPlayer(id)
	player.LastSeen = time.Now()
	s.players[id] = player
	s.connections[id] = conn
	return player, nil
}

// RemovePlayer detaches the player and its connection. Historical round
// scores already folded into the logs are kept; the player just leaves the
// live roster.
func (s *Session) RemovePlayer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, id)
	delete(s.connections, id)
}

// KickPlayer bans the id for the lifetime of the session, then removes it.
func (s *Session) KickPlayer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked[id] = true
	delete(s.players, id)
	delete(s.connections, id)
}

// SetMuted flips the mute flag. Returns false if the player is unknown.
func (s *Session) SetMuted(id string, muted bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[id]
	if !ok {
		return false
	}
	player.Muted = muted
	return true
}

func (s *Session) IsMuted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[id]
	return ok && player.Muted
}

func (s *Session) HasPlayer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.players[id]
	return ok
}

func (s *Session) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// ConnectionFor returns the live connection for a player id, nil if none.
func (s *Session) ConnectionFor(id string) Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections[id]
}

// Connections returns a snapshot of the live connection map. Safe to iterate
// while other goroutines mutate the session.
func (s *Session) Connections() map[string]Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]Connection, len(s.connections))
	for id, conn := range s.connections {
		snapshot[id] = conn
	}
	return snapshot
}

// ---------------------------------------------------------------------------
// Liveness
// ---------------------------------------------------------------------------

// Touch refreshes lastSeen for any inbound traffic from the player. A stale
// player that shows any sign of life is promoted back to active.
func (s *Session) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[id]
	if !ok {
		return
	}
	player.LastSeen = time.Now()
	if player.Status == StatusStale {
		player.Status = StatusActive
	}
}

// Pong records a heartbeat reply. echoedTs is the epoch-seconds timestamp the
// server stamped into the ping; latency is the measured round trip.
func (s *Session) Pong(id string, echoedTs float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[id]
	if !ok {
		return
	}
	player.LastSeen = now
	player.LastPong = now
	if player.Status == StatusStale {
		player.Status = StatusActive
	}
	if echoedTs > 0 {
		sent := time.Unix(0, int64(echoedTs*float64(time.Second)))
		if rtt := now.Sub(sent); rtt >= 0 {
			player.Latency = rtt
		}
	}
}

// SweepLiveness classifies players by silence duration. Players quiet past
// playerTimeout are demoted to stale in place; players quiet past hardTimeout
// are returned for the caller to evict (close connection, remove, broadcast).
// Players we have never heard from are left alone.
func (s *Session) SweepLiveness(now time.Time, playerTimeout, hardTimeout time.Duration) (stale, dead []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, player := range s.players {
		last := player.LastContact()
		if last.IsZero() {
			continue
		}
		silence := now.Sub(last)
		switch {
		case silence > hardTimeout:
			dead = append(dead, id)
		case silence > playerTimeout && player.Status == StatusActive:
			player.Status = StatusStale
			stale = append(stale, id)
		}
	}
	return stale, dead
}

// ---------------------------------------------------------------------------
// Quiz lifecycle
// ---------------------------------------------------------------------------

// LoadQuiz installs a quiz and resets all per-quiz state, returning the
// session to the lobby. Valid from any state.
func (s *Session) LoadQuiz(q *Quiz) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quiz = q
	s.currentQuestionIdx = -1
	s.questionOpen = false
	s.answerLog = make(map[int]map[string]int)
	s.answerTimeLog = make(map[int]map[string]float64)
	s.liveCounts = nil
	s.state = StateLobby

	for _, player := range s.players {
		player.resetForQuiz()
	}
}

// StartQuiz transitions lobby -> active. The question pointer stays at -1
// until the first NextQuestion call.
func (s *Session) StartQuiz() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quiz == nil || len(s.quiz.Questions) == 0 {
		return ErrNoQuizLoaded
	}
	s.state = StateActive
	return nil
}

// NextQuestion advances the question pointer. Returns nil once the quiz is
// exhausted, at which point the session is FINISHED. Advancing past a
// question that was never scored simply abandons its late answers.
func (s *Session) NextQuestion() *Question {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quiz == nil {
		return nil
	}

	s.currentQuestionIdx++
	if s.currentQuestionIdx >= len(s.quiz.Questions) {
		s.state = StateFinished
		s.questionOpen = false
		return nil
	}

	s.resetCurrentQuestionLocked()
	question := s.quiz.Questions[s.currentQuestionIdx]
	return &question
}

// CurrentQuestion returns the question at the pointer, nil when out of range.
func (s *Session) CurrentQuestion() *Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentQuestionLocked()
}

func (s *Session) currentQuestionLocked() *Question {
	if s.quiz == nil || s.currentQuestionIdx < 0 || s.currentQuestionIdx >= len(s.quiz.Questions) {
		return nil
	}
	question := s.quiz.Questions[s.currentQuestionIdx]
	return &question
}

func (s *Session) resetCurrentQuestionLocked() {
	question := s.quiz.Questions[s.currentQuestionIdx]
	s.liveCounts = make([]int, len(question.Options))
	s.answerLog[s.currentQuestionIdx] = make(map[string]int)
	s.answerTimeLog[s.currentQuestionIdx] = make(map[string]float64)
	s.questionOpen = true
	for _, player := range s.players {
		player.AnsweredCurrent = false
	}
}

// ---------------------------------------------------------------------------
// Answers & scoring
// ---------------------------------------------------------------------------

// RecordAnswer stores the first answer a player gives for the open question
// and reports immediate correctness. It never touches scores; those are
// finalized once, in CloseQuestionScoring. First answer wins: resubmissions
// (flaky reconnects, double taps) come back ErrAlreadyAnswered.
func (s *Session) RecordAnswer(playerID string, answerIdx int, elapsed float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	player, ok := s.players[playerID]
	if !ok {
		return false, ErrUnknownPlayer
	}

	question := s.currentQuestionLocked()
	if question == nil || !s.questionOpen {
		return false, ErrNoOpenQuestion
	}

	bucket := s.answerLog[s.currentQuestionIdx]
	if player.AnsweredCurrent {
		return false, ErrAlreadyAnswered
	}
	if _, dup := bucket[playerID]; dup {
		return false, ErrAlreadyAnswered
	}

	bucket[playerID] = answerIdx
	if elapsed > 0 {
		s.answerTimeLog[s.currentQuestionIdx][playerID] = elapsed
	}
	if answerIdx >= 0 && answerIdx < len(s.liveCounts) {
		s.liveCounts[answerIdx]++
	}
	player.AnsweredCurrent = true

	correct := answerIdx >= 0 && answerIdx < len(question.Options) && answerIdx == question.CorrectIdx
	return correct, nil
}

// CloseQuestionScoring finalizes scores for the current question and freezes
// it against further answers. Idempotent: a player whose roundScores already
// cover this index is skipped, so calling it twice changes nothing.
//
// Correct answers earn points on a linear time decay, floored at half the
// maximum:
//
//	points = max(floor(max*0.5), remaining/total * max)
//
// Wrong or missing answers append 0.
func (s *Session) CloseQuestionScoring() {
	s.mu.Lock()
	defer s.mu.Unlock()

	question := s.currentQuestionLocked()
	if question == nil {
		return
	}
	s.questionOpen = false

	idx := s.currentQuestionIdx
	answers := s.answerLog[idx]
	times := s.answerTimeLog[idx]

	maxPoints := s.quiz.Points()
	totalTime := float64(s.quiz.Timer())
	minPoints := math.Floor(maxPoints * 0.5)

	for id, player := range s.players {
		if len(player.RoundScores) > idx {
			continue // already scored this round
		}

		// Back-fill rounds the player never reached with zeros.
		for len(player.RoundScores) < idx {
			player.RoundScores = append(player.RoundScores, 0)
		}

		points := 0.0
		if answerIdx, answered := answers[id]; answered && answerIdx == question.CorrectIdx {
			player.CorrectCount++
			remaining := math.Max(0, totalTime-times[id])
			points = math.Max(minPoints, remaining/totalTime*maxPoints)
		}
		player.Score += points
		player.RoundScores = append(player.RoundScores, points)
	}
}

// AnswerCounts computes the per-option histogram for a question from the
// answer log, so it stays correct across reconnects. Pass -1 for the current
// question.
func (s *Session) AnswerCounts(questionIdx int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if questionIdx < 0 {
		questionIdx = s.currentQuestionIdx
	}
	if s.quiz == nil || questionIdx < 0 || questionIdx >= len(s.quiz.Questions) {
		return nil
	}

	counts := make([]int, len(s.quiz.Questions[questionIdx].Options))
	for _, answerIdx := range s.answerLog[questionIdx] {
		if answerIdx >= 0 && answerIdx < len(counts) {
			counts[answerIdx]++
		}
	}
	return counts
}

// LiveCounts returns the running tally for the open question, maintained by
// RecordAnswer. Used for the incremental host histogram pushes.
func (s *Session) LiveCounts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make([]int, len(s.liveCounts))
	copy(counts, s.liveCounts)
	return counts
}

// ---------------------------------------------------------------------------
// State & derived views
// ---------------------------------------------------------------------------

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Finish marks the session finished (host stopping the quiz early).
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFinished
	s.questionOpen = false
}

func (s *Session) CurrentQuestionIdx() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentQuestionIdx
}

func (s *Session) Quiz() *Quiz {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quiz
}

func (s *Session) HasPassword() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password != ""
}

func (s *Session) PasswordMatches(pw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password == pw
}

// PlayerInfos returns the wire-safe roster snapshot, sorted by id for stable
// output.
func (s *Session) PlayerInfos() []PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]PlayerInfo, 0, len(s.players))
	for _, player := range s.players {
		infos = append(infos, playerInfo(player))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PlayerID < infos[j].PlayerID })
	return infos
}

// Leaderboard returns entries sorted by score descending.
func (s *Session) Leaderboard() []LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]LeaderboardEntry, 0, len(s.players))
	for _, player := range s.players {
		entries = append(entries, LeaderboardEntry{
			Name:  player.ID,
			Score: round1(player.Score),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}
