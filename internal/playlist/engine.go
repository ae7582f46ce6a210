package playlist

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"partyline/internal/session"
	"partyline/pkg/interfaces"
	"partyline/pkg/types"
)

const defaultVolume = 1.0

// Engine is the per-playlist playback state machine. Each playlist is
// either absent (no media), playing, or paused; the tick advances elapsed
// time and handles transitions, including cutting over safely when the
// currently playing item has been marked for deletion.
//
// Subscribers are raw connections, not identities: a connection may watch a
// playlist without ever authenticating. Mutating commands do require an
// authenticated, resolvable identity.
//
// All engine state is confined behind one mutex. Store reads are the only
// suspension points; every handler re-validates its target after a store
// call instead of trusting state captured before it.
type Engine struct {
	store    interfaces.Store
	sessions *session.Registry
	logger   zerolog.Logger

	tickObserver func()

	mu          sync.Mutex
	playlists   map[string]*types.PlaylistState
	subscribers map[string]map[string]interfaces.Connection // playlistID -> connection ID -> connection
	pending     map[string]struct{}                         // media ids awaiting deferred deletion
}

// NewEngine creates a playlist engine.
func NewEngine(store interfaces.Store, sessions *session.Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		store:       store,
		sessions:    sessions,
		logger:      logger.With().Str("component", "playlist").Logger(),
		playlists:   make(map[string]*types.PlaylistState),
		subscribers: make(map[string]map[string]interfaces.Connection),
		pending:     make(map[string]struct{}),
	}
}

// SetTickObserver registers a callback invoked after every completed tick
// cycle. Must be called before Run.
func (e *Engine) SetTickObserver(fn func()) {
	e.tickObserver = fn
}

// Load rebuilds playback state from the catalog on server start: every
// playlist with media starts playing its first item from zero.
func (e *Engine) Load(ctx context.Context) error {
	playlistIDs, err := e.store.ListPlaylistIDs(ctx)
	if err != nil {
		return err
	}

	for _, playlistID := range playlistIDs {
		items, err := e.store.ListMedia(ctx, playlistID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			continue
		}
		first := items[0]
		e.mu.Lock()
		e.playlists[playlistID] = &types.PlaylistState{
			PlaylistID: playlistID,
			MediaID:    first.MediaID,
			IsPlaying:  true,
			FilePath:   first.FilePath,
			Time:       0,
			Volume:     defaultVolume,
			Duration:   first.Duration,
		}
		e.mu.Unlock()
		e.logger.Info().Str("playlist", playlistID).Str("media", first.MediaID).Msg("playlist restored from catalog")
	}
	return nil
}

// Subscribe adds a connection to a playlist's subscriber set (idempotent)
// and, when the playlist currently exists, immediately sends it the full
// state so a late joiner never waits for the next tick.
func (e *Engine) Subscribe(conn interfaces.Connection, playlistID string) {
	if playlistID == "" {
		return
	}

	e.mu.Lock()
	set := e.subscribers[playlistID]
	if set == nil {
		set = make(map[string]interfaces.Connection)
		e.subscribers[playlistID] = set
	}
	set[conn.ID()] = conn
	state, exists := e.playlists[playlistID]
	var snapshot types.PlaylistState
	if exists {
		snapshot = *state
	}
	e.mu.Unlock()

	if exists {
		e.send(conn, &snapshot)
	}
}

// Play resumes playback.
func (e *Engine) Play(conn interfaces.Connection, playlistID string) {
	e.mutate(conn, playlistID, func(state *types.PlaylistState) {
		state.IsPlaying = true
	})
}

// Pause suspends playback, keeping elapsed time.
func (e *Engine) Pause(conn interfaces.Connection, playlistID string) {
	e.mutate(conn, playlistID, func(state *types.PlaylistState) {
		state.IsPlaying = false
	})
}

// Stop suspends playback and rewinds to zero.
func (e *Engine) Stop(conn interfaces.Connection, playlistID string) {
	e.mutate(conn, playlistID, func(state *types.PlaylistState) {
		state.IsPlaying = false
		state.Time = 0
	})
}

// Seek sets elapsed time directly, including to values the engine did not
// itself compute (client-driven scrub).
func (e *Engine) Seek(conn interfaces.Connection, playlistID string, t float64) {
	e.mutate(conn, playlistID, func(state *types.PlaylistState) {
		state.Time = t
	})
}

// SetVolume sets the shared playback volume.
func (e *Engine) SetVolume(conn interfaces.Connection, playlistID string, volume float64) {
	e.mutate(conn, playlistID, func(state *types.PlaylistState) {
		state.Volume = volume
	})
}

// Switch jumps playback to another item of the same playlist. An unknown
// media id, or one belonging to a different playlist, is dropped silently.
func (e *Engine) Switch(ctx context.Context, conn interfaces.Connection, playlistID, mediaID string) {
	if !e.authorized(conn) {
		return
	}

	media, err := e.store.GetMedia(ctx, mediaID)
	if err != nil || media.PlaylistID != playlistID {
		return
	}

	e.mu.Lock()
	state, ok := e.playlists[playlistID]
	if !ok {
		e.mu.Unlock()
		return
	}
	state.MediaID = media.MediaID
	state.FilePath = media.FilePath
	state.Duration = media.Duration
	state.Time = 0
	state.IsPlaying = true
	snapshot := *state
	subs := e.subscriberSnapshot(playlistID)
	e.mu.Unlock()

	e.fanOut(subs, &snapshot)
}

// OnUpload reacts to a new catalog item: it lazily creates the playlist in
// the playing state, and when the item is the very first of the catalog it
// fans the state out immediately rather than waiting for a tick.
func (e *Engine) OnUpload(media *types.MediaItem) {
	e.mu.Lock()
	state, exists := e.playlists[media.PlaylistID]
	if !exists {
		state = &types.PlaylistState{
			PlaylistID: media.PlaylistID,
			MediaID:    media.MediaID,
			IsPlaying:  true,
			FilePath:   media.FilePath,
			Time:       0,
			Volume:     defaultVolume,
			Duration:   media.Duration,
		}
		e.playlists[media.PlaylistID] = state
	}
	first := media.SortOrder == 1
	snapshot := *state
	subs := e.subscriberSnapshot(media.PlaylistID)
	e.mu.Unlock()

	if first {
		e.fanOut(subs, &snapshot)
	}
}

// MarkPendingDeletion records a media id for deferred deletion. The item may
// be the one currently playing, so it is not deleted in place; the next tick
// computes a successor first and then issues the external delete.
func (e *Engine) MarkPendingDeletion(mediaID string) {
	e.mu.Lock()
	e.pending[mediaID] = struct{}{}
	e.mu.Unlock()
}

// IsPendingDeletion reports whether a media id awaits deferred deletion.
// Catalog listings exclude such items.
func (e *Engine) IsPendingDeletion(mediaID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[mediaID]
	return ok
}

// Tick advances elapsed time on every playing playlist by deltaSeconds and
// performs due transitions: past the end of the current item, or the
// current item is pending deletion.
func (e *Engine) Tick(ctx context.Context, deltaSeconds float64) {
	e.mu.Lock()
	var due []string
	for playlistID, state := range e.playlists {
		if !state.IsPlaying {
			continue
		}
		state.Time += deltaSeconds
		if state.Time >= state.Duration {
			due = append(due, playlistID)
			continue
		}
		if _, pend := e.pending[state.MediaID]; pend {
			due = append(due, playlistID)
		}
	}
	e.mu.Unlock()

	for _, playlistID := range due {
		e.advance(ctx, playlistID)
	}
}

// OnDisconnect prunes a connection from every playlist's subscriber set.
func (e *Engine) OnDisconnect(conn interfaces.Connection) {
	e.mu.Lock()
	for playlistID, set := range e.subscribers {
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(e.subscribers, playlistID)
		}
	}
	e.mu.Unlock()
}

// advance transitions one playlist to its successor item. The successor is
// always computed against a fresh catalog read, never a cached order: an
// upload since the last transition may have changed it. If the current item
// was pending deletion, the external delete is issued only after the
// successor has been computed. No successor means the playlist record is
// destroyed and a single terminal empty state is fanned out so clients
// visibly stop instead of freezing on stale data.
func (e *Engine) advance(ctx context.Context, playlistID string) {
	items, err := e.store.ListMedia(ctx, playlistID)
	if err != nil {
		e.logger.Error().Err(err).Str("playlist", playlistID).Msg("failed to read catalog for transition")
		return
	}

	e.mu.Lock()
	state, ok := e.playlists[playlistID]
	if !ok {
		e.mu.Unlock()
		return
	}

	// The catalog read may have interleaved with a switch or stop; re-check
	// that a transition is still due.
	_, wasPending := e.pending[state.MediaID]
	if !wasPending && (!state.IsPlaying || state.Time < state.Duration) {
		e.mu.Unlock()
		return
	}

	currentID := state.MediaID
	successor := nextItem(items, currentID, e.pending)
	if wasPending {
		delete(e.pending, currentID)
	}

	var snapshot types.PlaylistState
	if successor != nil {
		state.MediaID = successor.MediaID
		state.FilePath = successor.FilePath
		state.Duration = successor.Duration
		state.Time = 0
		state.IsPlaying = true
		snapshot = *state
	} else {
		delete(e.playlists, playlistID)
		snapshot = types.PlaylistState{PlaylistID: playlistID}
	}
	subs := e.subscriberSnapshot(playlistID)
	e.mu.Unlock()

	if wasPending {
		if err := e.store.DeleteMedia(ctx, currentID); err != nil {
			e.logger.Error().Err(err).Str("media", currentID).Msg("deferred media delete failed")
		}
	}

	if successor != nil {
		e.logger.Info().Str("playlist", playlistID).Str("media", successor.MediaID).Msg("advanced to next item")
	} else {
		e.logger.Info().Str("playlist", playlistID).Msg("playlist drained")
	}
	e.fanOut(subs, &snapshot)
}

// nextItem picks the catalog entry immediately after current in sort order,
// wrapping to the first entry (circular queue), and skipping entries that
// are pending deletion. A sole surviving item wraps to itself and loops; a
// catalog whose only entry is the pending current item has no successor.
func nextItem(items []*types.MediaItem, currentID string, pending map[string]struct{}) *types.MediaItem {
	if len(items) == 0 {
		return nil
	}

	idx := -1
	for i, item := range items {
		if item.MediaID == currentID {
			idx = i
			break
		}
	}

	n := len(items)
	for offset := 1; offset <= n; offset++ {
		candidate := items[(idx+offset+n)%n]
		if _, pend := pending[candidate.MediaID]; pend {
			continue
		}
		return candidate
	}
	return nil
}

func (e *Engine) subscriberSnapshot(playlistID string) []interfaces.Connection {
	set := e.subscribers[playlistID]
	subs := make([]interfaces.Connection, 0, len(set))
	for _, conn := range set {
		subs = append(subs, conn)
	}
	return subs
}

func (e *Engine) fanOut(subs []interfaces.Connection, state *types.PlaylistState) {
	for _, conn := range subs {
		e.send(conn, state)
	}
}

func (e *Engine) send(conn interfaces.Connection, state *types.PlaylistState) {
	if err := conn.Send(types.TopicResp, state); err != nil {
		e.logger.Debug().Err(err).Str("playlist", state.PlaylistID).Msg("state delivery failed")
	}
}

// authorized requires the acting connection to carry a resolvable identity.
// Authorization beyond "is a known user" is out of scope here.
func (e *Engine) authorized(conn interfaces.Connection) bool {
	if !conn.Authenticated() {
		return false
	}
	_, ok := e.sessions.Resolve(conn.UserID())
	return ok
}

// mutate applies one synchronous state change and fans the full new state
// out to every subscriber. Unknown playlists and unauthorized connections
// are dropped silently.
func (e *Engine) mutate(conn interfaces.Connection, playlistID string, apply func(*types.PlaylistState)) {
	if !e.authorized(conn) {
		return
	}

	e.mu.Lock()
	state, ok := e.playlists[playlistID]
	if !ok {
		e.mu.Unlock()
		return
	}
	apply(state)
	snapshot := *state
	subs := e.subscriberSnapshot(playlistID)
	e.mu.Unlock()

	e.fanOut(subs, &snapshot)
}
