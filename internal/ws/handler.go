package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"partyline/internal/config"
	"partyline/internal/connection"
	"partyline/internal/group"
	"partyline/internal/listing"
	"partyline/internal/playlist"
	"partyline/internal/session"
	"partyline/internal/telemetry"
	"partyline/pkg/types"
)

const (
	endpointChat      = "chat"
	endpointMedia     = "media"
	endpointBroadcast = "broadcast"
	endpointSignal    = "signal"
	endpointListing   = "listing"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is delegated to the deployment's reverse proxy.
		return true
	},
}

// Handler terminates the websocket endpoints and dispatches inbound
// envelopes to the owning component. One instance serves every endpoint;
// the broadcast and signaling relays keep their own connection sets here
// because no other component owns them.
type Handler struct {
	sessions  *session.Registry
	groups    *group.Router
	playlists *playlist.Engine
	servers   *listing.Registry
	metrics   *telemetry.Metrics
	secrets   []string
	logger    zerolog.Logger

	pongWait     time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	bufferSize   int

	mu         sync.Mutex
	broadcasts map[string]*connection.Conn
	signals    map[string]*connection.Conn
}

func NewHandler(sessions *session.Registry, groups *group.Router, playlists *playlist.Engine, servers *listing.Registry, metrics *telemetry.Metrics, secrets []string, wsCfg *config.WebSocketConfig, logger zerolog.Logger) *Handler {
	if wsCfg == nil {
		wsCfg = config.DefaultConfig().WebSocket
	}
	return &Handler{
		sessions:     sessions,
		groups:       groups,
		playlists:    playlists,
		servers:      servers,
		metrics:      metrics,
		secrets:      secrets,
		logger:       logger.With().Str("component", "ws").Logger(),
		pongWait:     wsCfg.ReadTimeout,
		pingInterval: wsCfg.PingInterval,
		writeTimeout: wsCfg.WriteTimeout,
		bufferSize:   wsCfg.BufferSize,
		broadcasts:   make(map[string]*connection.Conn),
		signals:      make(map[string]*connection.Conn),
	}
}

// ServeChat upgrades a chat client. The handshake token is mandatory:
// authentication happens before the first envelope is read, and a newer
// connection for the same identity evicts the older one.
func (h *Handler) ServeChat(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.metrics.AuthFailures.Inc()
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, ok := h.upgrade(w, r, endpointChat)
	if !ok {
		return
	}

	if _, _, err := h.sessions.Authenticate(conn, token); err != nil {
		h.metrics.AuthFailures.Inc()
		h.logger.Warn().Err(err).Msg("chat handshake rejected")
		_ = conn.Close()
		h.metrics.ConnectionsActive.WithLabelValues(endpointChat).Dec()
		return
	}

	h.groups.OnAuthenticated(r.Context(), conn.UserID())
	h.logger.Info().Str("user", conn.UserID()).Str("name", conn.DisplayName()).Msg("chat client connected")

	go h.readLoop(conn, endpointChat, h.dispatchChat, func() {
		h.sessions.Forget(conn)
	})
}

// ServeMedia upgrades a playlist client. The token is optional: anonymous
// connections may subscribe and receive state but cannot issue commands.
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.upgrade(w, r, endpointMedia)
	if !ok {
		return
	}

	if token := r.URL.Query().Get("token"); token != "" {
		if _, _, err := h.sessions.Authenticate(conn, token); err != nil {
			h.metrics.AuthFailures.Inc()
			h.logger.Warn().Err(err).Msg("media handshake rejected")
			_ = conn.Close()
			h.metrics.ConnectionsActive.WithLabelValues(endpointMedia).Dec()
			return
		}
	}

	go h.readLoop(conn, endpointMedia, h.dispatchMedia, func() {
		h.playlists.OnDisconnect(conn)
		h.sessions.Forget(conn)
	})
}

// ServeBroadcast upgrades a relay client. Payloads are forwarded verbatim
// to every connection on this endpoint, or to every other connection.
func (h *Handler) ServeBroadcast(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.upgrade(w, r, endpointBroadcast)
	if !ok {
		return
	}

	h.mu.Lock()
	h.broadcasts[conn.ID()] = conn
	h.mu.Unlock()

	go h.readLoop(conn, endpointBroadcast, h.dispatchBroadcast, func() {
		h.mu.Lock()
		delete(h.broadcasts, conn.ID())
		h.mu.Unlock()
	})
}

// ServeSignal upgrades a signaling client. Candidate and desc envelopes are
// forwarded to the addressed peer with the session id rewritten to the
// sender's, letting the peer answer. How peers learn each other's session
// ids is a client concern.
func (h *Handler) ServeSignal(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.upgrade(w, r, endpointSignal)
	if !ok {
		return
	}

	h.mu.Lock()
	h.signals[conn.ID()] = conn
	h.mu.Unlock()

	go h.readLoop(conn, endpointSignal, h.dispatchSignal, func() {
		h.mu.Lock()
		delete(h.signals, conn.ID())
		h.mu.Unlock()
	})
}

// ServeListing upgrades a game server connection. These are trusted
// reporters and must present the system secret rather than a user token.
func (h *Handler) ServeListing(w http.ResponseWriter, r *http.Request) {
	if !h.secretOK(r.URL.Query().Get("secret")) {
		h.metrics.AuthFailures.Inc()
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	conn, ok := h.upgrade(w, r, endpointListing)
	if !ok {
		return
	}

	registered := false
	go h.readLoop(conn, endpointListing, func(ctx context.Context, c *connection.Conn, env *types.Envelope) bool {
		var server types.GameServer
		if env.Topic != types.TopicListingUpdate || json.Unmarshal(env.Payload, &server) != nil {
			return false
		}
		if registered {
			h.servers.Update(c.ID(), &server)
		} else {
			h.servers.Register(c.ID(), &server)
			registered = true
		}
		return true
	}, func() {
		h.servers.Unregister(conn.ID())
	})
}

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request, endpoint string) (*connection.Conn, bool) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("upgrade failed")
		return nil, false
	}
	h.metrics.ConnectionsActive.WithLabelValues(endpoint).Inc()
	return connection.New(raw, h.writeTimeout, h.bufferSize), true
}

func (h *Handler) secretOK(secret string) bool {
	for _, known := range h.secrets {
		if secret != "" && secret == known {
			return true
		}
	}
	return false
}

// readLoop owns the socket's read side: heartbeat, envelope decoding, and
// cleanup. The dispatch function reports whether the envelope was handled;
// unrecognized topics and malformed payloads count as dropped.
func (h *Handler) readLoop(conn *connection.Conn, endpoint string, dispatch func(context.Context, *connection.Conn, *types.Envelope) bool, cleanup func()) {
	defer func() {
		cleanup()
		_ = conn.Close()
		h.metrics.ConnectionsActive.WithLabelValues(endpoint).Dec()
	}()

	ws := conn.WS()
	if err := ws.SetReadDeadline(time.Now().Add(h.pongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	go h.pingLoop(conn)

	ctx := context.Background()
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		h.metrics.MessagesReceived.WithLabelValues(endpoint).Inc()
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Topic == "" {
			h.metrics.MessagesDropped.WithLabelValues(endpoint).Inc()
			continue
		}
		if !dispatch(ctx, conn, &env) {
			h.metrics.MessagesDropped.WithLabelValues(endpoint).Inc()
		}
	}
}

func (h *Handler) pingLoop(conn *connection.Conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WS().WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) dispatchChat(ctx context.Context, conn *connection.Conn, env *types.Envelope) bool {
	userID := conn.UserID()
	name := conn.DisplayName()

	switch env.Topic {
	case types.TopicLocal:
		var p types.ChatPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.Local(userID, name, p.Msg)
	case types.TopicGlobal:
		var p types.ChatPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.Global(userID, name, p.Msg)
	case types.TopicWhisper:
		var p types.WhisperPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.Whisper(userID, name, p.TargetName, p.TargetUserID, p.Msg)
	case types.TopicGroup:
		var p types.GroupChatPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.Broadcast(ctx, userID, p.GroupID, p.Msg)
	case types.TopicCreateGroup:
		var p types.CreateGroupPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.CreateGroup(ctx, userID, p.Title, p.IconURL)
	case types.TopicUpdateGroup:
		var p types.UpdateGroupPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.UpdateGroup(ctx, userID, p.GroupID, p.Title, p.IconURL)
	case types.TopicGroupInvite:
		var p types.GroupInvitePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.Invite(ctx, userID, p.UserID, p.GroupID)
	case types.TopicInviteAccept:
		var p types.GroupIDPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.AcceptInvite(ctx, userID, p.GroupID)
	case types.TopicInviteDecline:
		var p types.GroupIDPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.DeclineInvite(ctx, userID, p.GroupID)
	case types.TopicLeaveGroup:
		var p types.GroupIDPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.Leave(ctx, p.GroupID, userID)
	case types.TopicKickUser:
		var p types.KickUserPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.Kick(ctx, p.GroupID, p.UserID)
	case types.TopicGroupList:
		h.groups.NotifyGroupList(ctx, userID)
	case types.TopicGroupUserList:
		var p types.GroupIDPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.groups.NotifyGroupUserList(ctx, userID, p.GroupID)
	case types.TopicInvitationList:
		h.groups.NotifyInvitationList(ctx, userID)
	default:
		return false
	}
	return true
}

func (h *Handler) dispatchMedia(ctx context.Context, conn *connection.Conn, env *types.Envelope) bool {
	switch env.Topic {
	case types.TopicSub:
		var p types.SubPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.playlists.Subscribe(conn, p.PlaylistID)
	case types.TopicPlay:
		var p types.PlaylistCommandPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.playlists.Play(conn, p.PlaylistID)
	case types.TopicPause:
		var p types.PlaylistCommandPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.playlists.Pause(conn, p.PlaylistID)
	case types.TopicStop:
		var p types.PlaylistCommandPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.playlists.Stop(conn, p.PlaylistID)
	case types.TopicSeek:
		var p types.SeekPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.playlists.Seek(conn, p.PlaylistID, p.Time)
	case types.TopicVolume:
		var p types.VolumePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.playlists.SetVolume(conn, p.PlaylistID, p.Volume)
	case types.TopicSwitch:
		var p types.SwitchPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		h.playlists.Switch(ctx, conn, p.PlaylistID, p.MediaID)
	default:
		return false
	}
	return true
}

func (h *Handler) dispatchBroadcast(_ context.Context, conn *connection.Conn, env *types.Envelope) bool {
	if env.Topic != types.TopicAll && env.Topic != types.TopicOther {
		return false
	}

	h.mu.Lock()
	targets := make([]*connection.Conn, 0, len(h.broadcasts))
	for _, target := range h.broadcasts {
		if env.Topic == types.TopicOther && target.ID() == conn.ID() {
			continue
		}
		targets = append(targets, target)
	}
	h.mu.Unlock()

	for _, target := range targets {
		if err := target.Send(env.Topic, env.Payload); err != nil {
			h.logger.Debug().Err(err).Msg("relay delivery failed")
		}
	}
	return true
}

func (h *Handler) dispatchSignal(_ context.Context, conn *connection.Conn, env *types.Envelope) bool {
	if env.Topic != types.TopicCandidate && env.Topic != types.TopicDesc {
		return false
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(env.Payload, &fields) != nil {
		return false
	}
	var targetID string
	if raw, ok := fields["sessionId"]; !ok || json.Unmarshal(raw, &targetID) != nil {
		return false
	}

	h.mu.Lock()
	target, ok := h.signals[targetID]
	h.mu.Unlock()
	if !ok {
		return false
	}

	sender, _ := json.Marshal(conn.ID())
	fields["sessionId"] = sender
	if err := target.Send(env.Topic, fields); err != nil {
		h.logger.Debug().Err(err).Msg("signal delivery failed")
	}
	return true
}
