package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"partyline/internal/config"
	"partyline/internal/listing"
	"partyline/internal/playlist"
	"partyline/internal/session"
	"partyline/internal/telemetry"
	"partyline/internal/ws"
	"partyline/pkg/interfaces"
	"partyline/pkg/types"
)

// Server is the HTTP surface: user provisioning, the media catalog, the
// server listing, health, metrics, and the websocket upgrade routes.
// Provisioning requires a system secret; media mutations require a
// handshake token issued by provisioning.
type Server struct {
	store     interfaces.Store
	sessions  *session.Registry
	playlists *playlist.Engine
	servers   *listing.Registry
	wsHandler *ws.Handler
	metrics   *telemetry.Metrics
	cfg       *config.Config
	logger    zerolog.Logger

	httpServer *http.Server
}

func NewServer(store interfaces.Store, sessions *session.Registry, playlists *playlist.Engine, servers *listing.Registry, wsHandler *ws.Handler, metrics *telemetry.Metrics, cfg *config.Config, logger zerolog.Logger) *Server {
	s := &Server{
		store:     store,
		sessions:  sessions,
		playlists: playlists,
		servers:   servers,
		wsHandler: wsHandler,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With().Str("component", "api").Logger(),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/chat", func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Post("/add-user", s.handleAddUser)
		r.Post("/remove-user", s.handleRemoveUser)
	})

	r.Route("/media", func(r chi.Router) {
		r.Get("/{playlistId}", s.handleListMedia)
		r.Group(func(r chi.Router) {
			r.Use(s.requireUserToken)
			r.Post("/upload", s.handleUpload)
			r.Delete("/{mediaId}", s.handleDeleteMedia)
		})
	})

	r.Get("/listing", s.handleListing)
	r.Get("/listing/total-player", s.handleTotalPlayers)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/ws/chat", s.wsHandler.ServeChat)
	r.Get("/ws/media", s.wsHandler.ServeMedia)
	r.Get("/ws/broadcast", s.wsHandler.ServeBroadcast)
	r.Get("/ws/signal", s.wsHandler.ServeSignal)
	r.Get("/ws/listing", s.wsHandler.ServeListing)

	return r
}

// Handler exposes the full route tree, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving and returns once the listener is up or failed.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireSecret gates management routes behind the configured system keys.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		for _, known := range s.cfg.Chat.SecretKeys {
			if token != "" && token == known {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.writeError(w, http.StatusBadRequest, "invalid secret")
	})
}

type userContextKey struct{}

// requireUserToken validates a handshake token and stashes the user id in
// the request context. The token stays valid for HTTP use while the user's
// websocket session is live or pending.
func (s *Server) requireUserToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _, err := s.sessions.ValidateToken(bearerToken(r))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, userID)))
	})
}

type addUserRequest struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	IconURL string `json:"iconUrl"`
}

type addUserResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// handleAddUser provisions (or re-provisions) a user: the profile row is
// upserted and a fresh single-use handshake token is issued, invalidating
// any earlier unconsumed one.
func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := &types.User{UserID: req.UserID, Name: req.Name, IconURL: req.IconURL}
	if err := user.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpsertUser(r.Context(), user); err != nil {
		s.logger.Error().Err(err).Str("user", user.UserID).Msg("user upsert failed")
		s.writeError(w, http.StatusInternalServerError, "failed to provision user")
		return
	}

	token := s.sessions.IssueHandshake(user.UserID, user.Name)
	s.logger.Info().Str("user", user.UserID).Msg("user provisioned")
	s.writeJSON(w, http.StatusOK, &addUserResponse{UserID: user.UserID, Token: token})
}

type removeUserRequest struct {
	UserID string `json:"userId"`
}

// handleRemoveUser revokes a user's handshake. An already open session is
// not severed; it ends when the socket does.
func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	var req removeUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.sessions.RevokeHandshake(req.UserID)
	s.logger.Info().Str("user", req.UserID).Msg("handshake revoked")
	w.WriteHeader(http.StatusOK)
}

// handleUpload accepts a multipart media file plus playListId and duration
// fields, stores the file under the upload directory, appends a catalog
// entry, and notifies the playlist engine. A missing file part answers 404.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("media")
	if err != nil {
		s.writeError(w, http.StatusNotFound, "no media file in request")
		return
	}
	defer func() { _ = file.Close() }()

	playlistID := r.FormValue("playListId")
	duration, durErr := strconv.ParseFloat(r.FormValue("duration"), 64)
	if playlistID == "" || durErr != nil || duration <= 0 {
		s.writeError(w, http.StatusBadRequest, "playListId and positive duration are required")
		return
	}

	mediaID := uuid.New().String()
	destPath := filepath.Join(s.cfg.Playlist.UploadDir, mediaID+filepath.Ext(header.Filename))
	if err := saveFile(file, destPath); err != nil {
		s.logger.Error().Err(err).Str("path", destPath).Msg("media save failed")
		s.writeError(w, http.StatusInternalServerError, "failed to store media file")
		return
	}

	media := &types.MediaItem{
		MediaID:    mediaID,
		PlaylistID: playlistID,
		FilePath:   destPath,
		Duration:   duration,
	}
	if err := s.store.CreateMedia(r.Context(), media); err != nil {
		_ = os.Remove(destPath)
		s.logger.Error().Err(err).Str("playlist", playlistID).Msg("catalog insert failed")
		s.writeError(w, http.StatusInternalServerError, "failed to record media")
		return
	}

	s.playlists.OnUpload(media)
	s.logger.Info().Str("media", mediaID).Str("playlist", playlistID).Int("order", media.SortOrder).Msg("media uploaded")
	s.writeJSON(w, http.StatusOK, media)
}

// handleDeleteMedia marks a catalog entry for deferred deletion. The entry
// disappears from listings at once; the row and any playback cutover happen
// on the next tick.
func (s *Server) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaId")
	if _, err := s.store.GetMedia(r.Context(), mediaID); err != nil {
		if err == interfaces.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "unknown media id")
		} else {
			s.writeError(w, http.StatusInternalServerError, "lookup failed")
		}
		return
	}

	s.playlists.MarkPendingDeletion(mediaID)
	s.logger.Info().Str("media", mediaID).Msg("media marked for deletion")
	w.WriteHeader(http.StatusOK)
}

// handleListMedia returns a playlist's catalog in playback order, excluding
// entries already marked for deletion.
func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request) {
	playlistID := chi.URLParam(r, "playlistId")
	items, err := s.store.ListMedia(r.Context(), playlistID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "catalog read failed")
		return
	}

	visible := make([]*types.MediaItem, 0, len(items))
	for _, item := range items {
		if !s.playlists.IsPendingDeletion(item.MediaID) {
			visible = append(visible, item)
		}
	}
	s.writeJSON(w, http.StatusOK, visible)
}

func (s *Server) handleListing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.servers.Snapshot())
}

func (s *Server) handleTotalPlayers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"totalPlayer": s.servers.TotalPlayers()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": s.sessions.SessionCount(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func saveFile(src io.Reader, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer func() { _ = dest.Close() }()
	_, err = io.Copy(dest, src)
	return err
}
