package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"partyline/pkg/interfaces"
)

// handshake is a provisioned credential awaiting (re)connection. It is
// consumed, not deleted, on successful authentication: a client may replay
// the same token to reconnect after a transient drop, until a new
// provisioning call rotates the key.
type handshake struct {
	userID        string
	displayName   string
	connectionKey string
}

// Registry owns identity ⇄ connection bookkeeping: pending handshakes, the
// at-most-one live session per identity, and the display-name index used for
// whispers. All maps are mutex-confined to this component.
type Registry struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	handshakes  map[string]*handshake             // userID -> pending credential
	sessions    map[string]interfaces.Connection  // userID -> live connection
	byName      map[string]interfaces.Connection  // displayName -> live connection
	identities  map[string]string                 // connection ID -> userID (reverse index for Forget)
}

// NewRegistry creates a session registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:     logger.With().Str("component", "session").Logger(),
		handshakes: make(map[string]*handshake),
		sessions:   make(map[string]interfaces.Connection),
		byName:     make(map[string]interfaces.Connection),
		identities: make(map[string]string),
	}
}

// IssueHandshake mints a fresh one-issuance token for an identity,
// invalidating any prior handshake for the same user (the key changes).
func (r *Registry) IssueHandshake(userID, displayName string) string {
	key := uuid.New().String()

	r.mu.Lock()
	r.handshakes[userID] = &handshake{
		userID:        userID,
		displayName:   displayName,
		connectionKey: key,
	}
	r.mu.Unlock()

	return userID + "|" + key
}

// RevokeHandshake drops the pending credential for an identity. An
// established session is not severed; only future (re)authentication is
// blocked.
func (r *Registry) RevokeHandshake(userID string) {
	r.mu.Lock()
	delete(r.handshakes, userID)
	r.mu.Unlock()
}

// ValidateToken checks a token against the stored handshake without
// registering a connection. Used by HTTP endpoints that authenticate by
// bearer token.
func (r *Registry) ValidateToken(token string) (userID, displayName string, err error) {
	userID, key, ok := splitToken(token)
	if !ok {
		return "", "", ErrMalformedToken
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	hs, exists := r.handshakes[userID]
	if !exists {
		return "", "", ErrUnknownIdentity
	}
	if hs.connectionKey != key {
		return "", "", ErrKeyMismatch
	}
	return hs.userID, hs.displayName, nil
}

// Authenticate validates a token and binds the connection to its identity.
// If a session already exists for the user the old connection is closed and
// deindexed first: the newest connection always wins, so an identity is
// never addressable through two connections at once. Replaying the same
// valid token is safe; re-authenticating just evicts itself.
func (r *Registry) Authenticate(conn interfaces.Connection, token string) (string, string, error) {
	userID, key, ok := splitToken(token)
	if !ok {
		r.logger.Warn().Str("token", token).Msg("rejected malformed token")
		return "", "", ErrMalformedToken
	}

	r.mu.Lock()

	hs, exists := r.handshakes[userID]
	if !exists {
		r.mu.Unlock()
		r.logger.Warn().Str("user", userID).Msg("rejected unknown identity")
		return "", "", ErrUnknownIdentity
	}
	if hs.connectionKey != key {
		r.mu.Unlock()
		r.logger.Warn().Str("user", userID).Msg("rejected stale connection key")
		return "", "", ErrKeyMismatch
	}

	var evicted interfaces.Connection
	if old, ok := r.sessions[userID]; ok && old != conn {
		evicted = old
		r.removeLocked(old)
	}

	conn.SetIdentity(hs.userID, hs.displayName)
	r.sessions[userID] = conn
	r.byName[hs.displayName] = conn
	r.identities[conn.ID()] = userID

	r.mu.Unlock()

	if evicted != nil {
		// Close outside the lock; Close may block on the peer.
		_ = evicted.Close()
		r.logger.Info().Str("user", userID).Msg("evicted previous session")
	}

	r.logger.Info().Str("user", userID).Str("name", hs.displayName).Msg("session established")
	return hs.userID, hs.displayName, nil
}

// Resolve returns the live connection for an identity. Absence is not an
// error; callers skip delivery.
func (r *Registry) Resolve(userID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.sessions[userID]
	return conn, ok
}

// ResolveByName returns the live connection for a display name.
func (r *Registry) ResolveByName(displayName string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byName[displayName]
	return conn, ok
}

// Forget removes a connection from every index it appears in. Called on
// disconnect; forgetting an unregistered connection is a no-op. A stale
// disconnect for an identity whose session was already replaced by a newer
// connection must not unregister the newer one.
func (r *Registry) Forget(conn interfaces.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.identities[conn.ID()]
	if !ok {
		return
	}
	if current, ok := r.sessions[userID]; !ok || current != conn {
		delete(r.identities, conn.ID())
		return
	}
	r.removeLocked(conn)
}

// Connections returns a snapshot of every live session connection. Used for
// global fan-outs; iteration order is unspecified.
func (r *Registry) Connections() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]interfaces.Connection, 0, len(r.sessions))
	for _, conn := range r.sessions {
		conns = append(conns, conn)
	}
	return conns
}

// SessionCount reports the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) removeLocked(conn interfaces.Connection) {
	userID, ok := r.identities[conn.ID()]
	if !ok {
		return
	}
	delete(r.identities, conn.ID())
	delete(r.sessions, userID)
	if named, ok := r.byName[conn.DisplayName()]; ok && named == conn {
		delete(r.byName, conn.DisplayName())
	}
}

// splitToken parses userId|connectionKey on the first separator.
func splitToken(token string) (userID, key string, ok bool) {
	userID, key, found := strings.Cut(token, "|")
	if !found || userID == "" {
		return "", "", false
	}
	return userID, key, true
}
