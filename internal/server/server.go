package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/kauschie/knewit/internal/database"
	"github.com/kauschie/knewit/internal/quiz"
)

type Server struct {
	port int
	log  *logrus.Logger

	registry    *quiz.Registry
	broadcaster *BroadcastService
	heartbeat   *HeartbeatMonitor
	limiter     *RateLimiter
	blockList   *BlockList

	db      database.Service
	quizzes *QuizStore
}

// NewServer wires the session registry, heartbeat loops and the optional quiz
// catalog, and returns both the Server (for shutdown) and the configured
// http.Server.
func NewServer() (*Server, *http.Server) {
	log := newLogger()

	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = 8080
	}

	registry := quiz.NewRegistry()
	broadcaster := NewBroadcastService(log)

	cfg := heartbeatConfigFromEnv()
	heartbeat := NewHeartbeatMonitor(registry, broadcaster, cfg, log)

	s := &Server{
		port:        port,
		log:         log,
		registry:    registry,
		broadcaster: broadcaster,
		heartbeat:   heartbeat,
		limiter:     NewRateLimiter(DefaultRateLimit, DefaultRateWindow),
		blockList:   NewBlockList(DefaultBlockTTL),
	}

	// The quiz catalog is optional; without DATABASE_URL the server runs
	// purely in memory and catalog commands report NO_STORAGE.
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		dbService, err := database.New(dsn)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		if err := runMigrations(dbService); err != nil {
			log.WithError(err).Fatal("failed to run migrations")
		}
		s.db = dbService
		s.quizzes = NewQuizStore(dbService.DB())
		log.Info("quiz catalog enabled")
	} else {
		log.Info("DATABASE_URL not set, quiz catalog disabled")
	}

	heartbeat.Start()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s, httpServer
}

// Shutdown stops the background loops, tells every connected client the
// server is going away and releases the database pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.heartbeat.Stop()

	for _, session := range s.registry.Snapshot() {
		s.closeSession(session, "Server shutting down")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

func runMigrations(db database.Service) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db.DB(), "./db/migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// newLogger builds a logrus logger with the level taken from LOG_LEVEL.
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// heartbeatConfigFromEnv applies per-deployment overrides, in seconds.
func heartbeatConfigFromEnv() HeartbeatConfig {
	cfg := DefaultHeartbeatConfig()
	if v := envSeconds("PING_INTERVAL"); v > 0 {
		cfg.PingInterval = v
	}
	if v := envSeconds("LOBBY_UPDATE_INTERVAL"); v > 0 {
		cfg.LobbyInterval = v
	}
	if v := envSeconds("PLAYER_TIMEOUT"); v > 0 {
		cfg.PlayerTimeout = v
	}
	if v := envSeconds("HARD_TIMEOUT"); v > 0 {
		cfg.HardTimeout = v
	}
	return cfg
}

func envSeconds(key string) time.Duration {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
