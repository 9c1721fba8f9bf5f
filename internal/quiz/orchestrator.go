package quiz

import (
	"sync"
	"time"
)

// Phase is the orchestrator's view of where the quiz is between host
// commands: reading/answering a question, reviewing its results, or done.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseQuestion Phase = "question"
	PhaseReview   Phase = "review"
	PhaseFinished Phase = "finished"
)

// Default pacing in seconds. Not enforced server-side today; broadcast to
// clients so their timers agree with the host's.
const (
	ReadTime   = 5
	AnswerTime = 10
	ReviewTime = 3
)

// QuestionResults is what gets broadcast when the host closes a question.
type QuestionResults struct {
	CorrectIdx int   `json:"correct_idx"`
	Histogram  []int `json:"histogram"`
}

// Orchestrator drives the high-level lifecycle of one session: start,
// next-question, end-question, finish. It translates host commands into
// session state transitions and builds the payloads the transport layer
// broadcasts. It performs no I/O itself.
type Orchestrator struct {
	session *Session

	mu             sync.Mutex
	phase          Phase
	phaseStartedAt time.Time
}

func NewOrchestrator(session *Session) *Orchestrator {
	return &Orchestrator{
		session:        session,
		phase:          PhaseIdle,
		phaseStartedAt: time.Now(),
	}
}

func (o *Orchestrator) Session() *Session { return o.session }

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.phaseStartedAt = time.Now()
	o.mu.Unlock()
}

// OnQuizLoaded resets phase tracking after LoadQuiz has reset the session.
func (o *Orchestrator) OnQuizLoaded() {
	o.setPhase(PhaseIdle)
}

// StartQuiz starts the session and opens the first question. Returns
// ErrNoQuizLoaded if there is nothing to run; returns (nil, nil) for the
// degenerate case of a quiz that finishes immediately.
func (o *Orchestrator) StartQuiz() (*ClientQuestion, error) {
	if err := o.session.StartQuiz(); err != nil {
		return nil, err
	}
	return o.AdvanceQuestion(), nil
}

// AdvanceQuestion moves to the next question and returns its student view,
// or nil when the quiz just finished.
func (o *Orchestrator) AdvanceQuestion() *ClientQuestion {
	question := o.session.NextQuestion()
	if question == nil {
		o.setPhase(PhaseFinished)
		return nil
	}

	o.setPhase(PhaseQuestion)
	view := o.session.Quiz().ClientView(o.session.CurrentQuestionIdx())
	return &view
}

// EndQuestion freezes the current question: finalizes scoring and returns
// the reveal payload. Errors with ErrNoOpenQuestion when there is no
// question at the pointer.
func (o *Orchestrator) EndQuestion() (*QuestionResults, error) {
	question := o.session.CurrentQuestion()
	if question == nil {
		return nil, ErrNoOpenQuestion
	}

	counts := o.session.AnswerCounts(-1)
	o.session.CloseQuestionScoring()
	o.setPhase(PhaseReview)

	return &QuestionResults{
		CorrectIdx: question.CorrectIdx,
		Histogram:  counts,
	}, nil
}

// FinishQuiz ends the session (early stop or natural end) and returns the
// final leaderboard.
func (o *Orchestrator) FinishQuiz() []LeaderboardEntry {
	o.session.Finish()
	o.setPhase(PhaseFinished)
	return o.session.Leaderboard()
}

// Histogram recomputes the current question's histogram from the answer log.
func (o *Orchestrator) Histogram() []int {
	return o.session.AnswerCounts(-1)
}
