package server

// Inbound message types (client -> server).
const (
	MsgSessionCreate = "session.create"
	MsgSessionJoin   = "session.join"
	MsgQuizLoad      = "quiz.load"
	MsgQuizStart     = "quiz.start"
	MsgQuizStop      = "quiz.stop"
	MsgQuizSave      = "quiz.save"
	MsgQuizList      = "quiz.list"
	MsgQuizGet       = "quiz.get"
	MsgQuestionNext  = "question.next"
	MsgQuestionEnd   = "question.end"
	MsgAnswerSubmit  = "answer.submit"
	MsgPlayerKick    = "player.kick"
	MsgPlayerMute    = "player.mute"
	MsgChat          = "chat"
	MsgPong          = "pong"
)

// Outbound message types (server -> client).
const (
	MsgWelcome           = "welcome"
	MsgSessionCreated    = "session.created"
	MsgSessionJoined     = "session.joined"
	MsgSessionClosed     = "session.closed"
	MsgLobbyUpdate       = "lobby.update"
	MsgQuizLoaded        = "quiz.loaded"
	MsgQuizFinished      = "quiz.finished"
	MsgQuizSaved         = "quiz.saved"
	MsgQuizListResult    = "quiz.list"
	MsgQuizData          = "quiz.data"
	MsgQuestionHistogram = "question.histogram"
	MsgQuestionResults   = "question.results"
	MsgAnswerRecorded    = "answer.recorded"
	MsgKicked            = "kicked"
	MsgRejectPw          = "reject.pw"
	MsgError             = "error"
	MsgPing              = "ping"
)

// Envelope carries just the discriminator. Frames are flat JSON objects;
// each handler re-unmarshals the raw frame into its own request struct.
type Envelope struct {
	Type string `json:"type"`
}
