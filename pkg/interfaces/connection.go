package interfaces

// Connection is one live client connection. Implementations must make Send
// safe for concurrent use (the websocket implementation funnels writes
// through a single writer goroutine) and Close idempotent.
type Connection interface {
	// ID returns the connection's own identifier, assigned at upgrade time
	// and independent of any authenticated identity. Signaling peers address
	// each other by this value.
	ID() string

	// Send delivers one topic+payload envelope to the client.
	Send(topic string, payload interface{}) error

	// Close tears the connection down and releases its resources.
	Close() error

	// UserID returns the authenticated identity's user ID, or "" before
	// authentication.
	UserID() string

	// DisplayName returns the authenticated identity's display name, or "".
	DisplayName() string

	// Authenticated reports whether an identity has been bound.
	Authenticated() bool

	// SetIdentity binds an identity after successful authentication.
	SetIdentity(userID, displayName string)
}
