package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meshrtc/meshcall/internal/core"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(core.DevelopmentEnv)
	assert.Nil(t, err)

	assert.Equal(t, core.DevelopmentEnv, cfg.Env)
	assert.Equal(t, "redis", cfg.Signaling.Backend)
	assert.Equal(t, "localhost:6379", cfg.Signaling.RedisAddr)
	assert.Equal(t, "meshcall", cfg.Signaling.KeyPrefix)
	assert.Equal(t, "ws://localhost:3001/ws", cfg.Signaling.RelayURL)
	assert.Equal(t, 10*time.Second, cfg.Signaling.InviteTimeout)

	assert.Equal(t, DefaultStunServers, cfg.RTC.StunServers)
	assert.Equal(t, uint16(50000), cfg.RTC.ICEPortRangeStart)
	assert.Equal(t, uint16(60000), cfg.RTC.ICEPortRangeEnd)

	assert.Equal(t, []CodecSpec{
		{Mime: "audio/opus"},
		{Mime: "video/VP8"},
	}, cfg.Peer.EnabledCodecs)
}
