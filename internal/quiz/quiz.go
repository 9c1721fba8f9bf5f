package quiz

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// DefaultTimer is the per-question answer window in seconds when a quiz
	// doesn't set its own.
	DefaultTimer = 20

	// DefaultPoints is the maximum points for a correct answer when a quiz
	// doesn't set its own.
	DefaultPoints = 10.0
)

type Question struct {
	ID         string   `json:"id"`
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options"`
	CorrectIdx int      `json:"correct_idx"`
}

type Quiz struct {
	QuizID        string     `json:"quiz_id"`
	Title         string     `json:"title"`
	Questions     []Question `json:"questions"`
	DefaultTimer  int        `json:"default_timer"`
	DefaultPoints float64    `json:"default_points"`
}

// ClientQuestion is the student-facing view of a question. It never carries
// the correct index.
type ClientQuestion struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Index   int      `json:"index"`
	Total   int      `json:"total"`
	Timer   int      `json:"timer"`
}

// ClientView builds the student view for the question at index idx.
func (q *Quiz) ClientView(idx int) ClientQuestion {
	question := q.Questions[idx]
	return ClientQuestion{
		ID:      question.ID,
		Prompt:  question.Prompt,
		Options: question.Options,
		Index:   idx,
		Total:   len(q.Questions),
		Timer:   q.Timer(),
	}
}

// Timer returns the effective per-question answer window in seconds.
func (q *Quiz) Timer() int {
	if q.DefaultTimer > 0 {
		return q.DefaultTimer
	}
	return DefaultTimer
}

// Points returns the effective maximum points per question.
func (q *Quiz) Points() float64 {
	if q.DefaultPoints > 0 {
		return q.DefaultPoints
	}
	return DefaultPoints
}

// ParseQuiz decodes and validates a quiz document (the same JSON shape the
// quiz files on disk use). Missing ids are filled in so a hand-written quiz
// file works too.
func ParseQuiz(data []byte) (*Quiz, error) {
	var q Quiz
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("invalid quiz document: %w", err)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.QuizID == "" {
		q.QuizID = shortID()
	}
	for i := range q.Questions {
		if q.Questions[i].ID == "" {
			q.Questions[i].ID = shortID()
		}
	}
	return &q, nil
}

func (q *Quiz) Validate() error {
	if q.Title == "" {
		return errors.New("quiz has no title")
	}
	for i, question := range q.Questions {
		if question.Prompt == "" {
			return fmt.Errorf("question %d has no prompt", i)
		}
		if len(question.Options) < 2 {
			return fmt.Errorf("question %d needs at least 2 options", i)
		}
		if question.CorrectIdx < 0 || question.CorrectIdx >= len(question.Options) {
			return fmt.Errorf("question %d correct_idx out of range", i)
		}
	}
	return nil
}

func shortID() string {
	return uuid.New().String()[:8]
}
