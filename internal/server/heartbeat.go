package server

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kauschie/knewit/internal/quiz"
)

// Heartbeat defaults. Overridable via environment (see NewServer) and
// injectable for tests.
const (
	DefaultPingInterval  = 20 * time.Second
	DefaultLobbyInterval = 5 * time.Second
	DefaultPlayerTimeout = 60 * time.Second
	DefaultHardTimeout   = 300 * time.Second
)

type HeartbeatConfig struct {
	PingInterval  time.Duration // how often to ping every connection
	LobbyInterval time.Duration // how often to rebroadcast the lobby snapshot
	PlayerTimeout time.Duration // silence before a player is marked stale
	HardTimeout   time.Duration // silence before a player is evicted
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		PingInterval:  DefaultPingInterval,
		LobbyInterval: DefaultLobbyInterval,
		PlayerTimeout: DefaultPlayerTimeout,
		HardTimeout:   DefaultHardTimeout,
	}
}

// HeartbeatMonitor runs two background loops over every session in the
// registry: an application-level ping/liveness sweep and a periodic lobby
// rebroadcast that covers clients which missed an edge-triggered update.
// Both loops stop together on Stop.
type HeartbeatMonitor struct {
	registry    *quiz.Registry
	broadcaster *BroadcastService
	cfg         HeartbeatConfig
	log         logrus.FieldLogger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewHeartbeatMonitor(registry *quiz.Registry, broadcaster *BroadcastService, cfg HeartbeatConfig, log logrus.FieldLogger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry:    registry,
		broadcaster: broadcaster,
		cfg:         cfg,
		log:         log,
		stop:        make(chan struct{}),
	}
}

func (h *HeartbeatMonitor) Start() {
	h.wg.Add(2)
	go h.pingLoop()
	go h.lobbyLoop()
}

func (h *HeartbeatMonitor) Stop() {
	h.once.Do(func() { close(h.stop) })
	h.wg.Wait()
}

func (h *HeartbeatMonitor) pingLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep(time.Now())
		case <-h.stop:
			return
		}
	}
}

func (h *HeartbeatMonitor) lobbyLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.LobbyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, session := range h.registry.Snapshot() {
				if session.PlayerCount() > 0 {
					h.broadcaster.BroadcastLobby(session, "", "")
				}
			}
		case <-h.stop:
			return
		}
	}
}

// Sweep pings every connection and applies the liveness state machine:
// active -> stale after PlayerTimeout of silence, evicted after HardTimeout.
// Exposed so tests can drive it without waiting on the ticker.
func (h *HeartbeatMonitor) Sweep(now time.Time) {
	ping := PingMessage{Type: MsgPing, Ts: float64(now.UnixNano()) / float64(time.Second)}

	for _, session := range h.registry.Snapshot() {
		// Send errors are ignored here; dead peers show up as silence and
		// the sweep below (or the next broadcast) reaps them.
		for _, conn := range session.Connections() {
			_ = conn.Send(ping)
		}

		stale, dead := session.SweepLiveness(now, h.cfg.PlayerTimeout, h.cfg.HardTimeout)

		for _, playerID := range stale {
			h.log.WithFields(logrus.Fields{
				"session": session.ID,
				"player":  playerID,
			}).Info("player went stale")
		}

		for _, playerID := range dead {
			if conn := session.ConnectionFor(playerID); conn != nil {
				_ = conn.Close("heartbeat timeout")
			}
			session.RemovePlayer(playerID)
			h.log.WithFields(logrus.Fields{
				"session": session.ID,
				"player":  playerID,
			}).Info("evicted silent player")
			h.broadcaster.BroadcastLobby(session, "", playerID)
		}
	}
}
