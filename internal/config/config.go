package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/meshrtc/meshcall/internal/core"
)

type Config struct {
	Env core.Environment `mapstructure:"env"`

	Signaling SignalingConfig `mapstructure:"signaling"`
	RTC       RTCConfig       `mapstructure:"rtc"`
	Peer      PeerConfig      `mapstructure:"peer"`
}

// SignalingConfig selects and configures the signaling channel backend.
type SignalingConfig struct {
	// Backend is either "redis" or "relay".
	Backend string `mapstructure:"backend"`

	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	KeyPrefix string `mapstructure:"key_prefix"`

	RelayURL string `mapstructure:"relay_url"`

	// InviteTimeout is how long an unanswered offer stays pending before the
	// peer is reaped and marked inactive, measured from send time.
	InviteTimeout time.Duration `mapstructure:"invite_timeout"`
}

type RTCConfig struct {
	StunServers       []string `mapstructure:"stun_servers"`
	ICEPortRangeStart uint16   `mapstructure:"ice_port_range_start"`
	ICEPortRangeEnd   uint16   `mapstructure:"ice_port_range_end"`
}

type CodecSpec struct {
	Mime     string `mapstructure:"mime"`
	FmtpLine string `mapstructure:"fmtp_line"`
}

type PeerConfig struct {
	EnabledCodecs []CodecSpec `mapstructure:"enabled_codecs"`
}

var DefaultStunServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Load reads the config file for the given environment, falling back to
// defaults when no file is present.
func Load(env core.Environment) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.SetDefault("env", string(env))
	v.SetDefault("signaling.backend", "redis")
	v.SetDefault("signaling.redis_addr", "localhost:6379")
	v.SetDefault("signaling.redis_db", 0)
	v.SetDefault("signaling.key_prefix", "meshcall")
	v.SetDefault("signaling.relay_url", "ws://localhost:3001/ws")
	v.SetDefault("signaling.invite_timeout", "10s")
	v.SetDefault("rtc.stun_servers", DefaultStunServers)
	v.SetDefault("rtc.ice_port_range_start", 50000)
	v.SetDefault("rtc.ice_port_range_end", 60000)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: can't parse: %w", err)
	}

	if len(cfg.Peer.EnabledCodecs) == 0 {
		cfg.Peer.EnabledCodecs = []CodecSpec{
			{Mime: "audio/opus"},
			{Mime: "video/VP8"},
		}
	}

	return cfg, nil
}
