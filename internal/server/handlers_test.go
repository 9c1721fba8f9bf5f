package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/kauschie/knewit/internal/quiz"
)

func setupTestServer() (*Server, string, func()) {
	log := quietLogger()
	registry := quiz.NewRegistry()

	s := &Server{
		log:         log,
		registry:    registry,
		broadcaster: NewBroadcastService(log),
		limiter:     NewRateLimiter(100, time.Second),
		blockList:   NewBlockList(time.Minute),
	}
	s.heartbeat = NewHeartbeatMonitor(registry, s.broadcaster, DefaultHeartbeatConfig(), log)

	server := httptest.NewServer(http.HandlerFunc(s.websocketHandler))
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	cleanup := func() {
		server.Close()
	}
	return s, url, cleanup
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, v interface{}) {
	t.Helper()
	err := conn.Write(ctx, websocket.MessageText, mustMarshal(v))
	assert.NoError(t, err)
}

// recv reads one frame and returns its type plus the raw bytes.
func recv(t *testing.T, ctx context.Context, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	assert.NoError(t, err)

	var env Envelope
	assert.NoError(t, json.Unmarshal(data, &env))
	return env.Type, data
}

// createSession dials as the host, creates a session and drains the initial
// messages. Returns the host connection and the session id.
func createSession(t *testing.T, ctx context.Context, url, hostID, password string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url+"?player_id="+hostID, nil)
	assert.NoError(t, err)

	msgType, _ := recv(t, ctx, conn) // welcome
	assert.Equal(t, MsgWelcome, msgType)

	send(t, ctx, conn, map[string]any{"type": MsgSessionCreate, "password": password})

	msgType, data := recv(t, ctx, conn)
	assert.Equal(t, MsgSessionCreated, msgType)

	var created SessionCreatedMessage
	assert.NoError(t, json.Unmarshal(data, &created))
	assert.NotEmpty(t, created.SessionID)

	msgType, _ = recv(t, ctx, conn) // lobby.update (host joined)
	assert.Equal(t, MsgLobbyUpdate, msgType)

	return conn, created.SessionID
}

// joinSession dials as a student and joins an existing session.
func joinSession(t *testing.T, ctx context.Context, url, sessionID, name, password string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url+"?player_id="+name+"&session_id="+sessionID, nil)
	assert.NoError(t, err)

	msgType, _ := recv(t, ctx, conn)
	assert.Equal(t, MsgWelcome, msgType)

	send(t, ctx, conn, map[string]any{"type": MsgSessionJoin, "password": password})

	msgType, data := recv(t, ctx, conn)
	assert.Equal(t, MsgSessionJoined, msgType)

	var joined SessionJoinedMessage
	assert.NoError(t, json.Unmarshal(data, &joined))
	assert.Equal(t, sessionID, joined.SessionID)

	msgType, _ = recv(t, ctx, conn) // lobby.update for own arrival
	assert.Equal(t, MsgLobbyUpdate, msgType)

	return conn
}

var quizDoc = json.RawMessage(`{
	"title": "Capitals",
	"default_timer": 20,
	"default_points": 10,
	"questions": [
		{"prompt": "First?", "options": ["a", "b", "c", "d"], "correct_idx": 2},
		{"prompt": "Second?", "options": ["x", "y"], "correct_idx": 0}
	]
}`)

// ============================================================================
// CONNECTION & SESSION TESTS
// ============================================================================

func TestWebsocket_MissingPlayerID(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url, nil)
	assert.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	msgType, data := recv(t, ctx, conn)
	assert.Equal(t, MsgError, msgType)
	assert.Contains(t, string(data), "MISSING_PLAYER_ID")
}

func TestCreateSession_GeneratedID(t *testing.T) {
	ctx := context.Background()
	s, url, cleanup := setupTestServer()
	defer cleanup()

	conn, sessionID := createSession(t, ctx, url, "host1", "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	assert.Len(t, sessionID, sessionIDLength)
	assert.NotNil(t, s.registry.Get(sessionID))
}

func TestCreateSession_HostChosenID(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url+"?player_id=host1&session_id=myroom", nil)
	assert.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	recv(t, ctx, conn) // welcome
	send(t, ctx, conn, map[string]any{"type": MsgSessionCreate})

	msgType, data := recv(t, ctx, conn)
	assert.Equal(t, MsgSessionCreated, msgType)

	var created SessionCreatedMessage
	json.Unmarshal(data, &created)
	assert.Equal(t, "myroom", created.SessionID)
}

func TestCreateSession_DuplicateID(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host1, _ := createSessionWithID(t, ctx, url, "host1", "myroom")
	defer host1.Close(websocket.StatusNormalClosure, "")

	conn, _, err := websocket.Dial(ctx, url+"?player_id=host2&session_id=myroom", nil)
	assert.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	recv(t, ctx, conn) // welcome
	send(t, ctx, conn, map[string]any{"type": MsgSessionCreate})

	msgType, data := recv(t, ctx, conn)
	assert.Equal(t, MsgError, msgType)
	assert.Contains(t, string(data), "DUPLICATE_SESSION")
}

func createSessionWithID(t *testing.T, ctx context.Context, url, hostID, sessionID string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url+"?player_id="+hostID+"&session_id="+sessionID, nil)
	assert.NoError(t, err)
	recv(t, ctx, conn) // welcome
	send(t, ctx, conn, map[string]any{"type": MsgSessionCreate})
	msgType, _ := recv(t, ctx, conn)
	assert.Equal(t, MsgSessionCreated, msgType)
	recv(t, ctx, conn) // lobby.update
	return conn, sessionID
}

func TestJoinSession_Success(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "")
	defer host.Close(websocket.StatusNormalClosure, "")

	student := joinSession(t, ctx, url, sessionID, "alice", "")
	defer student.Close(websocket.StatusNormalClosure, "")

	// The host sees alice arrive.
	msgType, data := recv(t, ctx, host)
	assert.Equal(t, MsgLobbyUpdate, msgType)

	var update LobbyUpdateMessage
	json.Unmarshal(data, &update)
	assert.Equal(t, "alice", update.Added)
	assert.Len(t, update.Players, 2)
}

func TestJoinSession_NotFound(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url+"?player_id=alice&session_id=nosuch", nil)
	assert.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	recv(t, ctx, conn) // welcome
	send(t, ctx, conn, map[string]any{"type": MsgSessionJoin})

	msgType, data := recv(t, ctx, conn)
	assert.Equal(t, MsgError, msgType)
	assert.Contains(t, string(data), "SESSION_NOT_FOUND")
}

func TestJoinSession_PasswordGate(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "secret")
	defer host.Close(websocket.StatusNormalClosure, "")

	conn, _, err := websocket.Dial(ctx, url+"?player_id=alice&session_id="+sessionID, nil)
	assert.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	recv(t, ctx, conn) // welcome

	// Two wrong guesses come back with the remaining count.
	for _, remaining := range []string{"2", "1"} {
		send(t, ctx, conn, map[string]any{"type": MsgSessionJoin, "password": "wrong"})
		msgType, data := recv(t, ctx, conn)
		assert.Equal(t, MsgRejectPw, msgType)
		assert.Contains(t, string(data), remaining+" attempts left")
	}

	// A correct guess still works while attempts remain.
	send(t, ctx, conn, map[string]any{"type": MsgSessionJoin, "password": "secret"})
	msgType, _ := recv(t, ctx, conn)
	assert.Equal(t, MsgSessionJoined, msgType)
}

func TestJoinSession_PasswordExhaustionClosesConnection(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "secret")
	defer host.Close(websocket.StatusNormalClosure, "")

	conn, _, err := websocket.Dial(ctx, url+"?player_id=alice&session_id="+sessionID, nil)
	assert.NoError(t, err)
	recv(t, ctx, conn) // welcome

	for i := 0; i < 2; i++ {
		send(t, ctx, conn, map[string]any{"type": MsgSessionJoin, "password": "wrong"})
		recv(t, ctx, conn)
	}

	send(t, ctx, conn, map[string]any{"type": MsgSessionJoin, "password": "wrong"})
	msgType, data := recv(t, ctx, conn)
	assert.Equal(t, MsgRejectPw, msgType)
	assert.Contains(t, string(data), "Too many")

	// The server hangs up after the final reject.
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err = conn.Read(readCtx)
	assert.Error(t, err)
}

func TestHostDisconnect_ClosesSession(t *testing.T) {
	ctx := context.Background()
	s, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "")
	student := joinSession(t, ctx, url, sessionID, "alice", "")
	defer student.Close(websocket.StatusNormalClosure, "")
	recv(t, ctx, host) // lobby.update for alice

	host.Close(websocket.StatusNormalClosure, "leaving")

	msgType, data := recv(t, ctx, student)
	assert.Equal(t, MsgSessionClosed, msgType)
	assert.Contains(t, string(data), "Host disconnected")

	// The session id is freed.
	assert.Eventually(t, func() bool {
		return s.registry.Get(sessionID) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinAfterHostDisconnect_Rejected(t *testing.T) {
	ctx := context.Background()
	s, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "")

	// alice stops reading after joining: teardown must not wait on her.
	alice := joinSession(t, ctx, url, sessionID, "alice", "")
	defer alice.Close(websocket.StatusNormalClosure, "")
	recv(t, ctx, host) // lobby.update for alice

	host.Close(websocket.StatusNormalClosure, "leaving")

	// The id is released straight away, not after a per-peer close timeout.
	assert.Eventually(t, func() bool {
		return s.registry.Get(sessionID) == nil
	}, time.Second, 10*time.Millisecond)

	// A late joiner is turned away instead of landing in the dead session.
	late, _, err := websocket.Dial(ctx, url+"?player_id=bob&session_id="+sessionID, nil)
	assert.NoError(t, err)
	defer late.Close(websocket.StatusNormalClosure, "")
	recv(t, ctx, late) // welcome
	send(t, ctx, late, map[string]any{"type": MsgSessionJoin})

	msgType, data := recv(t, ctx, late)
	assert.Equal(t, MsgError, msgType)
	assert.Contains(t, string(data), "SESSION_NOT_FOUND")
}

// ============================================================================
// AUTHORIZATION TESTS
// ============================================================================

func TestCommandsRequireSession(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, url+"?player_id=alice", nil)
	assert.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	recv(t, ctx, conn) // welcome

	send(t, ctx, conn, map[string]any{"type": MsgQuizStart})

	msgType, data := recv(t, ctx, conn)
	assert.Equal(t, MsgError, msgType)
	assert.Contains(t, string(data), "NO_SESSION")
}

func TestHostCommandsRejectedForStudents(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "")
	defer host.Close(websocket.StatusNormalClosure, "")

	student := joinSession(t, ctx, url, sessionID, "alice", "")
	defer student.Close(websocket.StatusNormalClosure, "")

	send(t, ctx, student, map[string]any{"type": MsgQuizStart})

	msgType, data := recv(t, ctx, student)
	assert.Equal(t, MsgError, msgType)
	assert.Contains(t, string(data), "HOST_ONLY")
}

// ============================================================================
// QUIZ FLOW TESTS
// ============================================================================

func TestQuizFlow_EndToEnd(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "")
	defer host.Close(websocket.StatusNormalClosure, "")
	student := joinSession(t, ctx, url, sessionID, "alice", "")
	defer student.Close(websocket.StatusNormalClosure, "")
	recv(t, ctx, host) // lobby.update for alice

	// Load: everyone learns the quiz metadata.
	send(t, ctx, host, map[string]any{"type": MsgQuizLoad, "quiz": quizDoc})
	for _, conn := range []*websocket.Conn{host, student} {
		msgType, data := recv(t, ctx, conn)
		assert.Equal(t, MsgQuizLoaded, msgType)
		var loaded QuizLoadedMessage
		json.Unmarshal(data, &loaded)
		assert.Equal(t, "Capitals", loaded.QuizTitle)
		assert.Equal(t, 2, loaded.NumQuestions)
	}

	// Start: the first question goes out, without the answer key.
	send(t, ctx, host, map[string]any{"type": MsgQuizStart})
	for _, conn := range []*websocket.Conn{host, student} {
		msgType, data := recv(t, ctx, conn)
		assert.Equal(t, MsgQuestionNext, msgType)
		assert.NotContains(t, string(data), "correct_idx")

		var next QuestionNextMessage
		json.Unmarshal(data, &next)
		assert.Equal(t, 0, next.Question.Index)
		assert.Equal(t, 2, next.Question.Total)
		assert.Equal(t, 20, next.Question.Timer)
	}

	// Student answers correctly after 5s.
	send(t, ctx, student, map[string]any{"type": MsgAnswerSubmit, "answer_idx": 2, "elapsed": 5.0})

	msgType, data := recv(t, ctx, student)
	assert.Equal(t, MsgAnswerRecorded, msgType)
	var recorded AnswerRecordedMessage
	json.Unmarshal(data, &recorded)
	assert.True(t, recorded.Correct)

	// The host gets the incremental histogram.
	msgType, data = recv(t, ctx, host)
	assert.Equal(t, MsgQuestionHistogram, msgType)
	var histogram QuestionHistogramMessage
	json.Unmarshal(data, &histogram)
	assert.Equal(t, []int{0, 0, 1, 0}, histogram.Histogram)

	// End: reveal plus scored roster.
	send(t, ctx, host, map[string]any{"type": MsgQuestionEnd})
	for _, conn := range []*websocket.Conn{host, student} {
		msgType, data = recv(t, ctx, conn)
		assert.Equal(t, MsgQuestionResults, msgType)
		var results QuestionResultsMessage
		json.Unmarshal(data, &results)
		assert.Equal(t, 2, results.CorrectIdx)
		assert.Equal(t, []int{0, 0, 1, 0}, results.Histogram)

		msgType, data = recv(t, ctx, conn)
		assert.Equal(t, MsgLobbyUpdate, msgType)
		var update LobbyUpdateMessage
		json.Unmarshal(data, &update)
		for _, player := range update.Players {
			if player.PlayerID == "alice" {
				// 15s of a 20s window left at 10 max points.
				assert.Equal(t, 7.5, player.Score)
			}
		}
	}

	// Advance to the second question.
	send(t, ctx, host, map[string]any{"type": MsgQuestionNext})
	for _, conn := range []*websocket.Conn{host, student} {
		msgType, data = recv(t, ctx, conn)
		assert.Equal(t, MsgQuestionNext, msgType)
		var next QuestionNextMessage
		json.Unmarshal(data, &next)
		assert.Equal(t, 1, next.Question.Index)
	}

	// Host stops early; final leaderboard goes out.
	send(t, ctx, host, map[string]any{"type": MsgQuizStop})
	for _, conn := range []*websocket.Conn{host, student} {
		msgType, data = recv(t, ctx, conn)
		assert.Equal(t, MsgQuizFinished, msgType)
		var finished QuizFinishedMessage
		json.Unmarshal(data, &finished)
		assert.Equal(t, "alice", finished.Leaderboard[0].Name)
		assert.Equal(t, 7.5, finished.Leaderboard[0].Score)
	}
}

func TestAnswerSubmit_DuplicateIsSilent(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "")
	defer host.Close(websocket.StatusNormalClosure, "")
	student := joinSession(t, ctx, url, sessionID, "alice", "")
	defer student.Close(websocket.StatusNormalClosure, "")
	recv(t, ctx, host) // lobby.update for alice

	send(t, ctx, host, map[string]any{"type": MsgQuizLoad, "quiz": quizDoc})
	recv(t, ctx, host)
	recv(t, ctx, student)
	send(t, ctx, host, map[string]any{"type": MsgQuizStart})
	recv(t, ctx, host)
	recv(t, ctx, student)

	send(t, ctx, student, map[string]any{"type": MsgAnswerSubmit, "answer_idx": 0, "elapsed": 1.0})
	msgType, _ := recv(t, ctx, student)
	assert.Equal(t, MsgAnswerRecorded, msgType)

	// The duplicate produces no reply at all; the next frame the student
	// sees is the chat echo below.
	send(t, ctx, student, map[string]any{"type": MsgAnswerSubmit, "answer_idx": 2, "elapsed": 2.0})
	send(t, ctx, student, map[string]any{"type": MsgChat, "msg": "done"})

	msgType, data := recv(t, ctx, student)
	assert.Equal(t, MsgChat, msgType)
	assert.Contains(t, string(data), "done")
}

// ============================================================================
// MODERATION TESTS
// ============================================================================

func TestKick_RemovesAndBansPlayer(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "")
	defer host.Close(websocket.StatusNormalClosure, "")
	student := joinSession(t, ctx, url, sessionID, "alice", "")
	recv(t, ctx, host) // lobby.update for alice

	send(t, ctx, host, map[string]any{"type": MsgPlayerKick, "player_id": "alice"})

	msgType, _ := recv(t, ctx, student)
	assert.Equal(t, MsgKicked, msgType)

	msgType, data := recv(t, ctx, host)
	assert.Equal(t, MsgLobbyUpdate, msgType)
	var update LobbyUpdateMessage
	json.Unmarshal(data, &update)
	assert.Equal(t, "alice", update.Removed)
	assert.Len(t, update.Players, 1)

	// The kicked id cannot come back.
	retry, _, err := websocket.Dial(ctx, url+"?player_id=alice&session_id="+sessionID, nil)
	assert.NoError(t, err)
	defer retry.Close(websocket.StatusNormalClosure, "")
	recv(t, ctx, retry) // welcome
	send(t, ctx, retry, map[string]any{"type": MsgSessionJoin})

	msgType, data = recv(t, ctx, retry)
	assert.Equal(t, MsgError, msgType)
	assert.Contains(t, string(data), "KICKED")
}

func TestMute_SilencesChat(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host, sessionID := createSession(t, ctx, url, "host1", "")
	defer host.Close(websocket.StatusNormalClosure, "")
	student := joinSession(t, ctx, url, sessionID, "alice", "")
	defer student.Close(websocket.StatusNormalClosure, "")
	recv(t, ctx, host) // lobby.update for alice

	send(t, ctx, host, map[string]any{"type": MsgPlayerMute, "player_id": "alice"})
	recv(t, ctx, host) // lobby.update
	recv(t, ctx, student)

	send(t, ctx, student, map[string]any{"type": MsgChat, "msg": "hello"})
	msgType, data := recv(t, ctx, student)
	assert.Equal(t, MsgError, msgType)
	assert.Contains(t, string(data), "MUTED")

	// Toggling again unmutes.
	send(t, ctx, host, map[string]any{"type": MsgPlayerMute, "player_id": "alice"})
	recv(t, ctx, host)
	recv(t, ctx, student)

	send(t, ctx, student, map[string]any{"type": MsgChat, "msg": "hello again"})
	msgType, data = recv(t, ctx, student)
	assert.Equal(t, MsgChat, msgType)
	assert.Contains(t, string(data), "hello again")
}

func TestQuizSave_WithoutStorage(t *testing.T) {
	ctx := context.Background()
	_, url, cleanup := setupTestServer()
	defer cleanup()

	host, _ := createSession(t, ctx, url, "host1", "")
	defer host.Close(websocket.StatusNormalClosure, "")

	send(t, ctx, host, map[string]any{"type": MsgQuizSave, "quiz": quizDoc})

	msgType, data := recv(t, ctx, host)
	assert.Equal(t, MsgError, msgType)
	assert.Contains(t, string(data), "NO_STORAGE")
}
