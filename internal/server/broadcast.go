package server

import (
	"github.com/sirupsen/logrus"

	"github.com/kauschie/knewit/internal/quiz"
)

// BroadcastService fans a message out to every live connection in a session.
// A failed send means the peer is gone: the connection is dropped and the
// player removed, exactly as if they had disconnected cleanly. Send failures
// never propagate to the caller.
type BroadcastService struct {
	log logrus.FieldLogger
}

func NewBroadcastService(log logrus.FieldLogger) *BroadcastService {
	return &BroadcastService{log: log}
}

// Broadcast sends payload to every connection in the session, pruning dead
// peers as a side effect.
func (b *BroadcastService) Broadcast(session *quiz.Session, payload any) {
	var dead []string
	for playerID, conn := range session.Connections() {
		if err := conn.Send(payload); err != nil {
			b.log.WithFields(logrus.Fields{
				"session": session.ID,
				"player":  playerID,
			}).WithError(err).Warn("broadcast send failed, dropping player")
			dead = append(dead, playerID)
		}
	}
	for _, playerID := range dead {
		session.RemovePlayer(playerID)
	}
}

// SendTo sends payload to a single player, pruning them on failure. Returns
// false if the player had no live connection or the send failed.
func (b *BroadcastService) SendTo(session *quiz.Session, playerID string, payload any) bool {
	conn := session.ConnectionFor(playerID)
	if conn == nil {
		return false
	}
	if err := conn.Send(payload); err != nil {
		b.log.WithFields(logrus.Fields{
			"session": session.ID,
			"player":  playerID,
		}).WithError(err).Warn("send failed, dropping player")
		session.RemovePlayer(playerID)
		return false
	}
	return true
}

// BroadcastLobby pushes the roster snapshot to everyone in the session.
// added/removed name the player whose arrival or departure triggered the
// update; both empty for the periodic rebroadcast.
func (b *BroadcastService) BroadcastLobby(session *quiz.Session, added, removed string) {
	b.Broadcast(session, LobbyUpdateMessage{
		Type:    MsgLobbyUpdate,
		Players: session.PlayerInfos(),
		State:   string(session.State()),
		Added:   added,
		Removed: removed,
	})
}
