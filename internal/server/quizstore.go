package server

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kauschie/knewit/internal/quiz"
)

// QuizStore keeps the host's quiz catalog in Postgres. The full quiz is stored
// as JSONB so the schema never chases the quiz format.
type QuizStore struct {
	db *sql.DB
}

func NewQuizStore(db *sql.DB) *QuizStore {
	return &QuizStore{db: db}
}

// QuizSummary is a catalog listing row.
type QuizSummary struct {
	QuizID       string `json:"quiz_id"`
	Title        string `json:"title"`
	NumQuestions int    `json:"num_questions"`
}

// SaveQuiz inserts or replaces a quiz by its id.
func (qs *QuizStore) SaveQuiz(q *quiz.Quiz) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode quiz: %w", err)
	}

	query := `
		INSERT INTO quizzes (quiz_id, title, num_questions, quiz_data, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (quiz_id) DO UPDATE
		SET title = EXCLUDED.title,
		    num_questions = EXCLUDED.num_questions,
		    quiz_data = EXCLUDED.quiz_data,
		    updated_at = NOW()
	`
	if _, err := qs.db.Exec(query, q.QuizID, q.Title, len(q.Questions), data); err != nil {
		return fmt.Errorf("failed to save quiz %s: %w", q.QuizID, err)
	}
	return nil
}

// LoadQuiz fetches one quiz by id.
func (qs *QuizStore) LoadQuiz(quizID string) (*quiz.Quiz, error) {
	var data []byte
	err := qs.db.QueryRow(`SELECT quiz_data FROM quizzes WHERE quiz_id = $1`, quizID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("quiz %s not found", quizID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quiz %s: %w", quizID, err)
	}

	var q quiz.Quiz
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to decode quiz %s: %w", quizID, err)
	}
	return &q, nil
}

// ListQuizzes returns catalog summaries, newest first.
func (qs *QuizStore) ListQuizzes() ([]QuizSummary, error) {
	rows, err := qs.db.Query(`SELECT quiz_id, title, num_questions FROM quizzes ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list quizzes: %w", err)
	}
	defer rows.Close()

	var summaries []QuizSummary
	for rows.Next() {
		var s QuizSummary
		if err := rows.Scan(&s.QuizID, &s.Title, &s.NumQuestions); err != nil {
			return nil, fmt.Errorf("failed to scan quiz row: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// DeleteQuiz removes a quiz from the catalog.
func (qs *QuizStore) DeleteQuiz(quizID string) error {
	res, err := qs.db.Exec(`DELETE FROM quizzes WHERE quiz_id = $1`, quizID)
	if err != nil {
		return fmt.Errorf("failed to delete quiz %s: %w", quizID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("quiz %s not found", quizID)
	}
	return nil
}
