package server

import (
	"encoding/json"

	"github.com/kauschie/knewit/internal/quiz"
)

// ============================================================================
// INBOUND REQUESTS
// ============================================================================

// CreateSessionRequest (session.create)
type CreateSessionRequest struct {
	Password string `json:"password,omitempty"`
}

// JoinSessionRequest (session.join)
type JoinSessionRequest struct {
	Password string `json:"password,omitempty"`
}

// QuizLoadRequest (quiz.load / quiz.save) carries the raw quiz document so
// validation happens in one place (quiz.ParseQuiz).
type QuizLoadRequest struct {
	Quiz json.RawMessage `json:"quiz"`
}

// QuizGetRequest (quiz.get)
type QuizGetRequest struct {
	QuizID string `json:"quiz_id"`
}

// AnswerSubmitRequest (answer.submit). Elapsed is the client-reported seconds
// since the question appeared.
type AnswerSubmitRequest struct {
	AnswerIdx int     `json:"answer_idx"`
	Elapsed   float64 `json:"elapsed,omitempty"`
}

// PlayerTargetRequest (player.kick / player.mute)
type PlayerTargetRequest struct {
	PlayerID string `json:"player_id"`
}

// ChatRequest (chat)
type ChatRequest struct {
	Msg string `json:"msg"`
}

// PongReply (pong). Ts echoes the ping's epoch-seconds timestamp.
type PongReply struct {
	Ts float64 `json:"ts"`
}

// ============================================================================
// OUTBOUND MESSAGES
// ============================================================================

type WelcomeMessage struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id"`
	IsHost   bool   `json:"is_host"`
}

type SessionCreatedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
}

type SessionJoinedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	HostID    string `json:"host_id"`
}

type SessionClosedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type LobbyUpdateMessage struct {
	Type    string            `json:"type"`
	Players []quiz.PlayerInfo `json:"players"`
	State   string            `json:"state"`
	Added   string            `json:"added,omitempty"`
	Removed string            `json:"removed,omitempty"`
}

type QuizLoadedMessage struct {
	Type         string `json:"type"`
	QuizTitle    string `json:"quiz_title"`
	NumQuestions int    `json:"num_questions"`
}

type QuestionNextMessage struct {
	Type     string              `json:"type"`
	Question quiz.ClientQuestion `json:"question"`
}

// QuestionHistogramMessage is pushed to the host only, after each accepted
// answer.
type QuestionHistogramMessage struct {
	Type      string `json:"type"`
	Question  int    `json:"question"`
	Histogram []int  `json:"histogram"`
}

type QuestionResultsMessage struct {
	Type       string `json:"type"`
	CorrectIdx int    `json:"correct_idx"`
	Histogram  []int  `json:"histogram"`
}

type QuizFinishedMessage struct {
	Type        string                  `json:"type"`
	Leaderboard []quiz.LeaderboardEntry `json:"leaderboard"`
}

type AnswerRecordedMessage struct {
	Type    string `json:"type"`
	Correct bool   `json:"correct"`
}

type ChatMessage struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id"`
	Msg      string `json:"msg"`
}

type KickedMessage struct {
	Type string `json:"type"`
}

type RejectPwMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type PingMessage struct {
	Type string  `json:"type"`
	Ts   float64 `json:"ts"`
}

type QuizSavedMessage struct {
	Type   string `json:"type"`
	QuizID string `json:"quiz_id"`
}

type QuizListMessage struct {
	Type    string        `json:"type"`
	Quizzes []QuizSummary `json:"quizzes"`
}

type QuizDataMessage struct {
	Type string     `json:"type"`
	Quiz *quiz.Quiz `json:"quiz"`
}
