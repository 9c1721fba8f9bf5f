package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kauschie/knewit/internal/quiz"
)

// passwordAttempts is how many wrong passwords a connection gets before it is
// dropped and its address block-listed.
const passwordAttempts = 3

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.rootHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ws", s.websocketHandler)

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"service": "knewit"}); err != nil {
		s.log.WithError(err).Error("failed to write response")
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{"status": "up"}
	if s.db != nil {
		health = s.db.Health()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.log.WithError(err).Error("failed to write health response")
	}
}

// clientConn is the per-websocket state: which session the client belongs to
// (nil until create/join), whether it is the host, and how many password
// attempts it has left.
type clientConn struct {
	id        string
	playerID  string
	sessionID string
	remoteIP  string
	conn      *wsConn

	session  *quiz.Session
	orch     *quiz.Orchestrator
	isHost   bool
	attempts int
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	remoteIP := remoteHost(r.RemoteAddr)
	if s.blockList.Blocked(remoteIP) {
		s.log.WithField("ip", remoteIP).Warn("rejected connection from blocked address")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	playerID := r.URL.Query().Get("player_id")
	sessionID := NormalizeSessionID(r.URL.Query().Get("session_id"))

	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}
	defer socket.CloseNow()

	ctx := r.Context()

	c := &clientConn{
		id:        uuid.New().String(),
		playerID:  playerID,
		sessionID: sessionID,
		remoteIP:  remoteIP,
		conn:      newWSConn(socket),
		attempts:  passwordAttempts,
	}

	log := s.log.WithFields(logrus.Fields{"conn": c.id, "player": playerID})

	if playerID == "" {
		_ = c.conn.Send(ErrorMessage{Type: MsgError, Message: "MISSING_PLAYER_ID: player_id query parameter is required"})
		return
	}

	log.Info("connected")
	defer func() {
		s.limiter.RemoveConnection(c.id)
		s.handleDisconnect(c)
		log.Info("connection closed")
	}()

	_ = c.conn.Send(WelcomeMessage{Type: MsgWelcome, PlayerID: playerID, IsHost: false})

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			log.WithError(err).Debug("read loop ended")
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		if !s.limiter.Allow(c.id) {
			s.sendError(c, "RATE_LIMITED: Too many messages, slow down")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(c, "INVALID_JSON: Could not parse message")
			continue
		}

		log.WithField("type", env.Type).Debug("recv")

		// Any inbound traffic counts as a sign of life.
		if c.session != nil {
			c.session.Touch(c.playerID)
		}

		if terminate := s.dispatch(c, env.Type, data); terminate {
			return
		}
	}
}

// dispatch routes one frame. Returns true when the connection must close
// (password retries exhausted).
func (s *Server) dispatch(c *clientConn, msgType string, data []byte) bool {
	switch msgType {
	case MsgPong:
		s.handlePong(c, data)
		return false

	case MsgSessionCreate:
		s.handleSessionCreate(c, data)
		return false

	case MsgSessionJoin:
		return s.handleSessionJoin(c, data)
	}

	// Everything below is session-scoped.
	if c.session == nil {
		s.sendError(c, "NO_SESSION: No active session")
		return false
	}

	switch msgType {
	case MsgQuizLoad:
		s.hostOnly(c, s.handleQuizLoad, data)
	case MsgQuizStart:
		s.hostOnly(c, s.handleQuizStart, data)
	case MsgQuestionNext:
		s.hostOnly(c, s.handleQuestionNext, data)
	case MsgQuestionEnd:
		s.hostOnly(c, s.handleQuestionEnd, data)
	case MsgQuizStop:
		s.hostOnly(c, s.handleQuizStop, data)
	case MsgQuizSave:
		s.hostOnly(c, s.handleQuizSave, data)
	case MsgQuizList:
		s.handleQuizList(c)
	case MsgQuizGet:
		s.handleQuizGet(c, data)
	case MsgPlayerKick:
		s.hostOnly(c, s.handlePlayerKick, data)
	case MsgPlayerMute:
		s.hostOnly(c, s.handlePlayerMute, data)
	case MsgAnswerSubmit:
		s.handleAnswerSubmit(c, data)
	case MsgChat:
		s.handleChat(c, data)
	default:
		s.sendError(c, "UNKNOWN_TYPE: Unknown message type: "+msgType)
	}
	return false
}

func (s *Server) hostOnly(c *clientConn, handler func(*clientConn, []byte), data []byte) {
	if !c.isHost {
		s.sendError(c, "HOST_ONLY: Only the session host can do that")
		return
	}
	handler(c, data)
}

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

func (s *Server) handleSessionCreate(c *clientConn, data []byte) {
	if c.session != nil {
		s.sendError(c, "IN_SESSION: Already in a session")
		return
	}

	var req CreateSessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, "INVALID_PAYLOAD: Invalid session.create payload")
		return
	}

	var session *quiz.Session
	var err error
	if c.sessionID != "" {
		if err := ValidateSessionID(c.sessionID); err != nil {
			s.sendError(c, "INVALID_SESSION_ID: "+err.Error())
			return
		}
		session, err = s.registry.Create(c.sessionID, c.playerID, req.Password)
		if err != nil {
			s.sendError(c, err.Error())
			return
		}
	} else {
		// Generated ids can collide with a live session; retry with a fresh
		// one until we win the race.
		for {
			session, err = s.registry.Create(GenerateSessionID(), c.playerID, req.Password)
			if err == nil {
				break
			}
		}
	}

	if _, err := session.AddPlayer(c.playerID, c.conn); err != nil {
		s.registry.Delete(session.ID)
		s.sendError(c, err.Error())
		return
	}

	c.session = session
	c.orch = quiz.NewOrchestrator(session)
	c.isHost = true

	s.log.WithFields(logrus.Fields{"session": session.ID, "host": c.playerID}).Info("session created")

	if err := c.conn.Send(SessionCreatedMessage{Type: MsgSessionCreated, SessionID: session.ID, Host: c.playerID}); err != nil {
		return
	}
	s.broadcaster.BroadcastLobby(session, c.playerID, "")
}

func (s *Server) handleSessionJoin(c *clientConn, data []byte) (terminate bool) {
	if c.session != nil {
		s.sendError(c, "IN_SESSION: Already in a session")
		return false
	}

	var req JoinSessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, "INVALID_PAYLOAD: Invalid session.join payload")
		return false
	}

	session := s.registry.Get(c.sessionID)
	if session == nil {
		s.sendError(c, quiz.ErrSessionNotFound.Error())
		return false
	}

	if session.HasPassword() && !session.PasswordMatches(req.Password) {
		c.attempts--
		if c.attempts <= 0 {
			_ = c.conn.Send(RejectPwMessage{Type: MsgRejectPw, Message: "Too many incorrect password attempts"})
			s.blockList.Add(c.remoteIP)
			s.log.WithFields(logrus.Fields{"player": c.playerID, "ip": c.remoteIP}).
				Warn("password retries exhausted, closing connection")
			_ = c.conn.Close("too many password attempts")
			return true
		}
		_ = c.conn.Send(RejectPwMessage{
			Type:    MsgRejectPw,
			Message: fmt.Sprintf("Incorrect password. %d attempts left.", c.attempts),
		})
		return false
	}

	if _, err := session.AddPlayer(c.playerID, c.conn); err != nil {
		s.sendError(c, err.Error())
		return false
	}

	c.session = session
	s.log.WithFields(logrus.Fields{"session": session.ID, "player": c.playerID}).Info("player joined")

	if err := c.conn.Send(SessionJoinedMessage{
		Type:      MsgSessionJoined,
		SessionID: session.ID,
		Name:      c.playerID,
		HostID:    session.HostID,
	}); err != nil {
		return false
	}
	s.broadcaster.BroadcastLobby(session, c.playerID, "")
	return false
}

// handleDisconnect runs when the read loop exits, however it exited. Host
// departure is fatal for the whole session; a student just leaves the roster.
func (s *Server) handleDisconnect(c *clientConn) {
	session := c.session
	if session == nil {
		return
	}

	if c.isHost {
		s.log.WithField("session", session.ID).Info("host disconnected, closing session")
		s.closeSession(session, "Host disconnected")
		return
	}

	// Kicked/evicted players are already off the roster; don't announce
	// their departure twice.
	if session.HasPlayer(c.playerID) {
		session.RemovePlayer(c.playerID)
		s.broadcaster.BroadcastLobby(session, "", c.playerID)
	}
}

// closeSession releases the session id, notifies everyone and closes every
// connection. The registry delete comes first so concurrent joins fail with
// SESSION_NOT_FOUND instead of landing in a session being torn down.
func (s *Server) closeSession(session *quiz.Session, message string) {
	s.registry.Delete(session.ID)
	s.broadcaster.Broadcast(session, SessionClosedMessage{Type: MsgSessionClosed, Message: message})
	for _, conn := range session.Connections() {
		_ = conn.Close("session closed")
	}
}

// ============================================================================
// HOST ACTIONS
// ============================================================================

func (s *Server) handleQuizLoad(c *clientConn, data []byte) {
	var req QuizLoadRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.Quiz) == 0 {
		s.sendError(c, "INVALID_PAYLOAD: No quiz data provided")
		return
	}

	q, err := quiz.ParseQuiz(req.Quiz)
	if err != nil {
		s.sendError(c, "INVALID_QUIZ: "+err.Error())
		return
	}

	c.session.LoadQuiz(q)
	c.orch.OnQuizLoaded()

	s.log.WithFields(logrus.Fields{
		"session":   c.session.ID,
		"quiz":      q.Title,
		"questions": len(q.Questions),
	}).Info("quiz loaded")

	s.broadcaster.Broadcast(c.session, QuizLoadedMessage{
		Type:         MsgQuizLoaded,
		QuizTitle:    q.Title,
		NumQuestions: len(q.Questions),
	})
}

func (s *Server) handleQuizStart(c *clientConn, _ []byte) {
	question, err := c.orch.StartQuiz()
	if err != nil {
		s.sendError(c, err.Error())
		return
	}
	s.pushQuestionOrFinish(c, question)
}

func (s *Server) handleQuestionNext(c *clientConn, _ []byte) {
	s.pushQuestionOrFinish(c, c.orch.AdvanceQuestion())
}

func (s *Server) pushQuestionOrFinish(c *clientConn, question *quiz.ClientQuestion) {
	if question == nil {
		s.broadcaster.Broadcast(c.session, QuizFinishedMessage{
			Type:        MsgQuizFinished,
			Leaderboard: c.session.Leaderboard(),
		})
		return
	}
	s.broadcaster.Broadcast(c.session, QuestionNextMessage{Type: MsgQuestionNext, Question: *question})
}

func (s *Server) handleQuestionEnd(c *clientConn, _ []byte) {
	results, err := c.orch.EndQuestion()
	if err != nil {
		s.sendError(c, "NO_QUESTION: No active question to end")
		return
	}

	s.log.WithFields(logrus.Fields{
		"session":  c.session.ID,
		"question": c.session.CurrentQuestionIdx(),
	}).Info("question closed")

	s.broadcaster.Broadcast(c.session, QuestionResultsMessage{
		Type:       MsgQuestionResults,
		CorrectIdx: results.CorrectIdx,
		Histogram:  results.Histogram,
	})
	s.broadcaster.BroadcastLobby(c.session, "", "")
}

func (s *Server) handleQuizStop(c *clientConn, _ []byte) {
	leaderboard := c.orch.FinishQuiz()
	s.log.WithField("session", c.session.ID).Info("quiz stopped by host")
	s.broadcaster.Broadcast(c.session, QuizFinishedMessage{Type: MsgQuizFinished, Leaderboard: leaderboard})
}

func (s *Server) handlePlayerKick(c *clientConn, data []byte) {
	var req PlayerTargetRequest
	if err := json.Unmarshal(data, &req); err != nil || req.PlayerID == "" {
		s.sendError(c, "INVALID_PAYLOAD: Invalid player.kick payload")
		return
	}
	if req.PlayerID == c.session.HostID {
		s.sendError(c, "INVALID_TARGET: Cannot kick the host")
		return
	}

	if conn := c.session.ConnectionFor(req.PlayerID); conn != nil {
		_ = conn.Send(KickedMessage{Type: MsgKicked})
		_ = conn.Close("kicked by host")
	}
	c.session.KickPlayer(req.PlayerID)

	s.log.WithFields(logrus.Fields{"session": c.session.ID, "player": req.PlayerID}).Info("player kicked")
	s.broadcaster.BroadcastLobby(c.session, "", req.PlayerID)
}

func (s *Server) handlePlayerMute(c *clientConn, data []byte) {
	var req PlayerTargetRequest
	if err := json.Unmarshal(data, &req); err != nil || req.PlayerID == "" {
		s.sendError(c, "INVALID_PAYLOAD: Invalid player.mute payload")
		return
	}

	muted := !c.session.IsMuted(req.PlayerID)
	if !c.session.SetMuted(req.PlayerID, muted) {
		s.sendError(c, "UNKNOWN_PLAYER: Player not in session")
		return
	}
	s.broadcaster.BroadcastLobby(c.session, "", "")
}

// ============================================================================
// STUDENT ACTIONS
// ============================================================================

func (s *Server) handleAnswerSubmit(c *clientConn, data []byte) {
	var req AnswerSubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, "INVALID_PAYLOAD: Invalid answer.submit payload")
		return
	}

	correct, err := c.session.RecordAnswer(c.playerID, req.AnswerIdx, req.Elapsed)
	if err == quiz.ErrAlreadyAnswered {
		// First answer wins. Dropped silently so resubmits can't probe for
		// timing information.
		return
	}
	if err != nil {
		_ = c.conn.Send(AnswerRecordedMessage{Type: MsgAnswerRecorded, Correct: false})
		return
	}

	_ = c.conn.Send(AnswerRecordedMessage{Type: MsgAnswerRecorded, Correct: correct})

	// Live histogram for the host view.
	s.broadcaster.SendTo(c.session, c.session.HostID, QuestionHistogramMessage{
		Type:      MsgQuestionHistogram,
		Question:  c.session.CurrentQuestionIdx(),
		Histogram: c.session.LiveCounts(),
	})
}

func (s *Server) handleChat(c *clientConn, data []byte) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, "INVALID_PAYLOAD: Invalid chat payload")
		return
	}

	if c.session.IsMuted(c.playerID) {
		s.sendError(c, "MUTED: You are muted")
		return
	}

	s.broadcaster.Broadcast(c.session, ChatMessage{Type: MsgChat, PlayerID: c.playerID, Msg: req.Msg})
}

func (s *Server) handlePong(c *clientConn, data []byte) {
	if c.session == nil {
		return
	}
	var reply PongReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return
	}
	c.session.Pong(c.playerID, reply.Ts, time.Now())
}

// ============================================================================
// QUIZ CATALOG
// ============================================================================

func (s *Server) handleQuizSave(c *clientConn, data []byte) {
	if s.quizzes == nil {
		s.sendError(c, "NO_STORAGE: Quiz storage is not configured")
		return
	}

	var req QuizLoadRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.Quiz) == 0 {
		s.sendError(c, "INVALID_PAYLOAD: No quiz data provided")
		return
	}

	q, err := quiz.ParseQuiz(req.Quiz)
	if err != nil {
		s.sendError(c, "INVALID_QUIZ: "+err.Error())
		return
	}

	if err := s.quizzes.SaveQuiz(q); err != nil {
		s.log.WithError(err).Error("quiz save failed")
		s.sendError(c, "STORAGE_ERROR: Could not save quiz")
		return
	}
	_ = c.conn.Send(QuizSavedMessage{Type: MsgQuizSaved, QuizID: q.QuizID})
}

func (s *Server) handleQuizList(c *clientConn) {
	if s.quizzes == nil {
		s.sendError(c, "NO_STORAGE: Quiz storage is not configured")
		return
	}

	summaries, err := s.quizzes.ListQuizzes()
	if err != nil {
		s.log.WithError(err).Error("quiz list failed")
		s.sendError(c, "STORAGE_ERROR: Could not list quizzes")
		return
	}
	_ = c.conn.Send(QuizListMessage{Type: MsgQuizListResult, Quizzes: summaries})
}

func (s *Server) handleQuizGet(c *clientConn, data []byte) {
	if s.quizzes == nil {
		s.sendError(c, "NO_STORAGE: Quiz storage is not configured")
		return
	}

	var req QuizGetRequest
	if err := json.Unmarshal(data, &req); err != nil || req.QuizID == "" {
		s.sendError(c, "INVALID_PAYLOAD: Invalid quiz.get payload")
		return
	}

	q, err := s.quizzes.LoadQuiz(req.QuizID)
	if err != nil {
		s.sendError(c, "QUIZ_NOT_FOUND: "+req.QuizID)
		return
	}
	_ = c.conn.Send(QuizDataMessage{Type: MsgQuizData, Quiz: q})
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) sendError(c *clientConn, message string) {
	if err := c.conn.Send(ErrorMessage{Type: MsgError, Message: message}); err != nil {
		s.log.WithError(err).Debug("failed to send error message")
	}
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
