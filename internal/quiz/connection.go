package quiz

// Connection is the capability a Session holds for one connected client: it
// can push a message and tear the link down. The server package implements it
// over a websocket; tests use in-memory fakes. A failed Send means the peer is
// gone and the caller should treat it as a disconnect.
type Connection interface {
	Send(payload any) error
	Close(reason string) error
}
