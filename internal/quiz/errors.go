package quiz

import "errors"

// Join/roster outcomes. The transport layer maps these onto client-facing
// error or reject messages; none of them are fatal for the session.
var (
	ErrNameTaken        = errors.New("NAME_TAKEN: Name already taken")
	ErrKicked           = errors.New("KICKED: You have been removed from this session")
	ErrUnknownPlayer    = errors.New("UNKNOWN_PLAYER: Player not in session")
	ErrNoQuizLoaded     = errors.New("NO_QUIZ: No quiz loaded")
	ErrNoOpenQuestion   = errors.New("NO_QUESTION: No question is currently open")
	ErrAlreadyAnswered  = errors.New("ALREADY_ANSWERED: Answer already recorded for this question")
	ErrDuplicateSession = errors.New("DUPLICATE_SESSION: Session ID already exists")
	ErrSessionNotFound  = errors.New("SESSION_NOT_FOUND: Session not found")
)
