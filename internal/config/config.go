package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"partyline/pkg/types"
)

// Config is the system-wide settings tree. Precedence is file over
// environment over defaults.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Chat      *ChatConfig      `json:"chat"`
	Playlist  *PlaylistConfig  `json:"playlist"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// ChatConfig carries the trust and moderation settings: system secrets
// gate the management endpoints and the listing channel, the join mode
// selects whether group membership goes through invitations, and the word
// lists drive the profanity censor.
type ChatConfig struct {
	SecretKeys     []string       `json:"secret_keys"`
	JoinMode       types.JoinMode `json:"join_mode"`
	BadWords       []string       `json:"bad_words"`
	WhitelistWords []string       `json:"whitelist_words"`
	Grawlix        string         `json:"grawlix"`
}

type PlaylistConfig struct {
	TickInterval time.Duration `json:"tick_interval"`
	UploadDir    string        `json:"upload_dir"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./data/partyline.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Chat: &ChatConfig{
			JoinMode: types.JoinModeInvitation,
			Grawlix:  "*****",
		},
		Playlist: &PlaylistConfig{
			TickInterval: time.Second,
			UploadDir:    "./data/uploads",
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timings must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.Chat == nil {
		return fmt.Errorf("chat configuration is required")
	}
	if c.Chat.JoinMode != types.JoinModeInvitation && c.Chat.JoinMode != types.JoinModeDirect {
		return fmt.Errorf("chat join mode must be %q or %q", types.JoinModeInvitation, types.JoinModeDirect)
	}
	if c.Playlist == nil {
		return fmt.Errorf("playlist configuration is required")
	}
	if c.Playlist.TickInterval <= 0 {
		return fmt.Errorf("playlist tick interval must be positive")
	}
	if c.Playlist.UploadDir == "" {
		return fmt.Errorf("playlist upload directory cannot be empty")
	}
	return nil
}

// LoadFromEnv builds a config from defaults overlaid with PARTYLINE_*
// environment variables. Unparseable values fall back silently.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if port := os.Getenv("PARTYLINE_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("PARTYLINE_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if dbPath := os.Getenv("PARTYLINE_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}
	if timeout := os.Getenv("PARTYLINE_DATABASE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Database.Timeout = d
		}
	}
	if interval := os.Getenv("PARTYLINE_WEBSOCKET_PING_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.WebSocket.PingInterval = d
		}
	}
	if secrets := os.Getenv("PARTYLINE_CHAT_SECRET_KEYS"); secrets != "" {
		config.Chat.SecretKeys = splitList(secrets)
	}
	if mode := os.Getenv("PARTYLINE_CHAT_JOIN_MODE"); mode != "" {
		config.Chat.JoinMode = types.JoinMode(mode)
	}
	if words := os.Getenv("PARTYLINE_CHAT_BAD_WORDS"); words != "" {
		config.Chat.BadWords = splitList(words)
	}
	if words := os.Getenv("PARTYLINE_CHAT_WHITELIST_WORDS"); words != "" {
		config.Chat.WhitelistWords = splitList(words)
	}
	if grawlix := os.Getenv("PARTYLINE_CHAT_GRAWLIX"); grawlix != "" {
		config.Chat.Grawlix = grawlix
	}
	if interval := os.Getenv("PARTYLINE_PLAYLIST_TICK_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Playlist.TickInterval = d
		}
	}
	if dir := os.Getenv("PARTYLINE_PLAYLIST_UPLOAD_DIR"); dir != "" {
		config.Playlist.UploadDir = dir
	}

	return config
}

// fileConfig mirrors Config with string durations for JSON.
type fileConfig struct {
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	HTTP *struct {
		Port         int    `json:"port"`
		Host         string `json:"host"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	Chat *struct {
		SecretKeys     []string `json:"secret_keys"`
		JoinMode       string   `json:"join_mode"`
		BadWords       []string `json:"bad_words"`
		WhitelistWords []string `json:"whitelist_words"`
		Grawlix        string   `json:"grawlix"`
	} `json:"chat"`
	Playlist *struct {
		TickInterval string `json:"tick_interval"`
		UploadDir    string `json:"upload_dir"`
	} `json:"playlist"`
}

// LoadFromFile reads a JSON config file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file fileConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := DefaultConfig()

	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		applyDuration(&config.Database.Timeout, file.Database.Timeout)
	}
	if file.HTTP != nil {
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		applyDuration(&config.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		applyDuration(&config.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		if file.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = file.WebSocket.BufferSize
		}
		applyDuration(&config.WebSocket.PingInterval, file.WebSocket.PingInterval)
		applyDuration(&config.WebSocket.ReadTimeout, file.WebSocket.ReadTimeout)
		applyDuration(&config.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
	}
	if file.Chat != nil {
		if len(file.Chat.SecretKeys) > 0 {
			config.Chat.SecretKeys = file.Chat.SecretKeys
		}
		if file.Chat.JoinMode != "" {
			config.Chat.JoinMode = types.JoinMode(file.Chat.JoinMode)
		}
		if len(file.Chat.BadWords) > 0 {
			config.Chat.BadWords = file.Chat.BadWords
		}
		if len(file.Chat.WhitelistWords) > 0 {
			config.Chat.WhitelistWords = file.Chat.WhitelistWords
		}
		if file.Chat.Grawlix != "" {
			config.Chat.Grawlix = file.Chat.Grawlix
		}
	}
	if file.Playlist != nil {
		applyDuration(&config.Playlist.TickInterval, file.Playlist.TickInterval)
		if file.Playlist.UploadDir != "" {
			config.Playlist.UploadDir = file.Playlist.UploadDir
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadWithPrecedence resolves file over environment over defaults. File
// errors fall back to the environment config so a bad path still boots.
func LoadWithPrecedence(path string) *Config {
	config := LoadFromEnv()

	if path != "" {
		if fileCfg, err := LoadFromFile(path); err == nil {
			config = fileCfg
		}
	}

	return config
}

func applyDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
