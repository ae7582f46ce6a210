package listing

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"partyline/pkg/types"
)

// Registry tracks connected game servers for the public server browser.
// Entries are keyed by the reporting connection's id; a server that
// disconnects disappears from the listing immediately.
type Registry struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	servers map[string]*types.GameServer
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:  logger.With().Str("component", "listing").Logger(),
		servers: make(map[string]*types.GameServer),
	}
}

// Register records a game server under its connection id, replacing any
// prior report from the same connection.
func (r *Registry) Register(connID string, server *types.GameServer) {
	entry := *server
	entry.ID = connID

	r.mu.Lock()
	r.servers[connID] = &entry
	r.mu.Unlock()

	r.logger.Info().Str("server", entry.Title).Str("address", entry.Address).Msg("game server registered")
}

// Update applies a fresh status report for an already registered server.
// Reports from unknown connections are dropped.
func (r *Registry) Update(connID string, server *types.GameServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[connID]; !ok {
		return
	}
	entry := *server
	entry.ID = connID
	r.servers[connID] = &entry
}

// Unregister drops the server reported by a disconnecting connection.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	entry, ok := r.servers[connID]
	delete(r.servers, connID)
	r.mu.Unlock()

	if ok {
		r.logger.Info().Str("server", entry.Title).Msg("game server unregistered")
	}
}

// Snapshot returns the current listing, ordered by title for stable output.
func (r *Registry) Snapshot() []*types.GameServer {
	r.mu.RLock()
	servers := make([]*types.GameServer, 0, len(r.servers))
	for _, entry := range r.servers {
		copied := *entry
		servers = append(servers, &copied)
	}
	r.mu.RUnlock()

	sort.Slice(servers, func(i, j int) bool { return servers[i].Title < servers[j].Title })
	return servers
}

// TotalPlayers sums the current player counts across all listed servers.
func (r *Registry) TotalPlayers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, entry := range r.servers {
		total += entry.CurrentPlayer
	}
	return total
}
