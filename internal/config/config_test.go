package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.URL)
	assert.Equal(t, []byte("test-secret"), cfg.JWT.Secret)
	assert.Equal(t, 24*time.Hour, cfg.JWT.ExpiresIn)
	assert.Equal(t, 50*time.Millisecond, cfg.Sync.PositionUpdateRate)
	assert.Equal(t, 5, cfg.Sync.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.ReconnectDelay)
	assert.Equal(t, VoiceCodecOpus, cfg.Sync.VoiceCodec)
	assert.True(t, cfg.Sync.StrictLiveness)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadSyncOverrides(t *testing.T) {
	t.Setenv("POSITION_UPDATE_RATE", "20ms")
	t.Setenv("RECONNECT_ATTEMPTS", "3")
	t.Setenv("VOICE_CODEC", "pcm")
	t.Setenv("DEBUG_SHOW_LATENCY", "true")

	cfg, err := LoadSync()
	require.NoError(t, err)

	assert.Equal(t, 20*time.Millisecond, cfg.PositionUpdateRate)
	assert.Equal(t, 3, cfg.ReconnectAttempts)
	assert.Equal(t, VoiceCodecPCM, cfg.VoiceCodec)
	assert.True(t, cfg.DebugShowLatency)
}

func TestSyncValidate(t *testing.T) {
	valid := SyncConfig{
		PositionUpdateRate: time.Millisecond,
		HandUpdateRate:     time.Millisecond,
		VoiceUpdateRate:    time.Millisecond,
		PingInterval:       time.Second,
		VoiceCodec:         VoiceCodecOpus,
	}

	tests := []struct {
		name    string
		mutate  func(c *SyncConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *SyncConfig) {}},
		{name: "zero position rate", mutate: func(c *SyncConfig) { c.PositionUpdateRate = 0 }, wantErr: true},
		{name: "negative attempts", mutate: func(c *SyncConfig) { c.ReconnectAttempts = -1 }, wantErr: true},
		{name: "unknown codec", mutate: func(c *SyncConfig) { c.VoiceCodec = "mp3" }, wantErr: true},
		{name: "zero ping interval", mutate: func(c *SyncConfig) { c.PingInterval = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
