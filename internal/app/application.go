package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"partyline/internal/api"
	"partyline/internal/censor"
	"partyline/internal/config"
	"partyline/internal/group"
	"partyline/internal/listing"
	"partyline/internal/playlist"
	"partyline/internal/session"
	"partyline/internal/store"
	"partyline/internal/telemetry"
	"partyline/internal/ws"
	"partyline/pkg/database"
)

// Application assembles and coordinates every component. Construction
// follows dependency order: store, sessions, censor, groups, playlists,
// listing, websocket surface, HTTP server.
type Application struct {
	config    *config.Config
	store     *store.Manager
	sessions  *session.Registry
	playlists *playlist.Engine
	apiServer *api.Server
	logger    zerolog.Logger

	tickCancel context.CancelFunc
}

func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &database.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}
	storeManager, err := store.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	sessions := session.NewRegistry(logger)
	wordFilter := censor.New(cfg.Chat.BadWords, cfg.Chat.WhitelistWords, cfg.Chat.Grawlix)
	groups := group.NewRouter(storeManager, sessions, wordFilter, cfg.Chat.JoinMode, group.AllowAll, logger)
	playlists := playlist.NewEngine(storeManager, sessions, logger)
	servers := listing.NewRegistry(logger)
	metrics := telemetry.New()
	playlists.SetTickObserver(metrics.PlaylistTicks.Inc)

	wsHandler := ws.NewHandler(sessions, groups, playlists, servers, metrics, cfg.Chat.SecretKeys, cfg.WebSocket, logger)
	apiServer := api.NewServer(storeManager, sessions, playlists, servers, wsHandler, metrics, cfg, logger)

	return &Application{
		config:    cfg,
		store:     storeManager,
		sessions:  sessions,
		playlists: playlists,
		apiServer: apiServer,
		logger:    logger.With().Str("component", "app").Logger(),
	}, nil
}

// Start restores playlist state from the catalog, launches the tick loop,
// and brings the HTTP server up.
func (app *Application) Start(ctx context.Context) error {
	if err := app.playlists.Load(ctx); err != nil {
		return fmt.Errorf("failed to restore playlists: %w", err)
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	app.tickCancel = cancel
	go app.playlists.Run(tickCtx, app.config.Playlist.TickInterval)

	if err := app.apiServer.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start http server: %w", err)
	}

	app.logger.Info().Msg("application started")
	return nil
}

// Stop shuts components down in reverse dependency order.
func (app *Application) Stop(ctx context.Context) error {
	if err := app.apiServer.Stop(ctx); err != nil {
		app.logger.Error().Err(err).Msg("http shutdown error")
	}
	if app.tickCancel != nil {
		app.tickCancel()
	}
	if err := app.store.Close(); err != nil {
		app.logger.Error().Err(err).Msg("store shutdown error")
	}

	app.logger.Info().Msg("application stopped")
	return nil
}
