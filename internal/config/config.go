package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Sync     SyncConfig
	LogDebug bool `env:"LOG_DEBUG" envDefault:"false"`
}

type ServerConfig struct {
	Port                 string        `env:"PORT" envDefault:":8080"`
	ReadTimeout          time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	RoomCacheSize        int           `env:"ROOM_CACHE_SIZE" envDefault:"1024"`
	MaxMessagesPerSecond float64       `env:"MAX_MESSAGES_PER_SECOND" envDefault:"120"`
}

type DatabaseConfig struct {
	// URL of the room registry: a Postgres URL, "sqlite:<path>" for a
	// single file, or "memory" to keep rooms in process.
	URL string `env:"DATABASE_URL" envDefault:"memory"`
}

type JWTConfig struct {
	Secret    []byte
	RawSecret string        `env:"JWT_SECRET,required,notEmpty"`
	ExpiresIn time.Duration `env:"JWT_EXPIRES_IN" envDefault:"24h"`
}

// SyncConfig is the client-side synchronization surface: per-channel send
// intervals, render smoothing budget, reconnect policy and debug toggles.
type SyncConfig struct {
	PositionUpdateRate time.Duration `env:"POSITION_UPDATE_RATE" envDefault:"50ms"`
	HandUpdateRate     time.Duration `env:"HAND_UPDATE_RATE" envDefault:"66ms"`
	VoiceUpdateRate    time.Duration `env:"VOICE_UPDATE_RATE" envDefault:"100ms"`
	InterpolationDelay time.Duration `env:"INTERPOLATION_DELAY" envDefault:"100ms"`
	ReconnectAttempts  int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay     time.Duration `env:"RECONNECT_DELAY" envDefault:"2s"`
	PingInterval       time.Duration `env:"PING_INTERVAL" envDefault:"5s"`
	StrictLiveness     bool          `env:"STRICT_LIVENESS" envDefault:"true"`
	VoiceCodec         VoiceCodec    `env:"VOICE_CODEC" envDefault:"opus"`
	DefaultMaxUsers    int           `env:"DEFAULT_MAX_USERS" envDefault:"12"`
	DebugShowLatency   bool          `env:"DEBUG_SHOW_LATENCY" envDefault:"false"`
	DebugShowBounds    bool          `env:"DEBUG_SHOW_BOUNDS" envDefault:"false"`
}

type VoiceCodec string

const (
	VoiceCodecOpus VoiceCodec = "opus"
	VoiceCodecPCM  VoiceCodec = "pcm"
)

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.JWT.Secret = []byte(cfg.JWT.RawSecret)

	if err := cfg.Sync.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSync parses only the synchronization settings. Clients don't need a
// JWT secret or database.
func LoadSync() (*SyncConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &SyncConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *SyncConfig) Validate() error {
	if c.PositionUpdateRate <= 0 || c.HandUpdateRate <= 0 || c.VoiceUpdateRate <= 0 {
		return fmt.Errorf("update rates must be positive")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must not be negative")
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("RECONNECT_DELAY must not be negative")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be positive")
	}
	switch c.VoiceCodec {
	case VoiceCodecOpus, VoiceCodecPCM:
	default:
		return fmt.Errorf("unsupported VOICE_CODEC %q", c.VoiceCodec)
	}
	return nil
}
