package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"

	"github.com/isqad/livelook-meet/internal/core"
)

const envPrefix = "LIVELOOK"

var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	Env       core.Environment `mapstructure:"env"`
	Address   string           `mapstructure:"address"`
	Room      RoomConfig       `mapstructure:"room"`
	Presence  PresenceConfig   `mapstructure:"presence"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Signaling SignalingConfig  `mapstructure:"signaling"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Media     MediaConfig      `mapstructure:"media"`
	RTC       RTCConfig        `mapstructure:"rtc"`
	Peer      PeerConfig       `mapstructure:"-"`
}

type RoomConfig struct {
	// Capacity counts the local participant. Zero means unlimited.
	Capacity int `mapstructure:"capacity"`
}

type PresenceConfig struct {
	Driver            string        `mapstructure:"driver"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TTL               time.Duration `mapstructure:"ttl"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SignalingConfig struct {
	Driver string `mapstructure:"driver"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type MediaConfig struct {
	MicrophoneFile string `mapstructure:"microphone_file"`
	CameraFile     string `mapstructure:"camera_file"`
	ScreenFile     string `mapstructure:"screen_file"`
	CameraOnJoin   bool   `mapstructure:"camera_on_join"`
}

type RTCConfig struct {
	ICEServers        []string `mapstructure:"ice_servers"`
	ICEPortRangeStart uint32   `mapstructure:"ice_port_range_start"`
	ICEPortRangeEnd   uint32   `mapstructure:"ice_port_range_end"`
}

type CodecSpec struct {
	Mime     string
	FmtpLine string
}

type PeerConfig struct {
	EnabledCodecs []CodecSpec
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", string(core.DevelopmentEnv))
	v.SetDefault("address", ":8080")
	v.SetDefault("room.capacity", 0)
	v.SetDefault("presence.driver", "redis")
	v.SetDefault("presence.heartbeat_interval", "5s")
	v.SetDefault("presence.ttl", "15s")
	v.SetDefault("presence.sync_interval", "30s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("signaling.driver", "redis")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("media.microphone_file", "media/output.ogg")
	v.SetDefault("media.camera_file", "media/output.ivf")
	v.SetDefault("media.screen_file", "media/screen.ivf")
	v.SetDefault("media.camera_on_join", false)
	v.SetDefault("rtc.ice_servers", DefaultStunServers)
	v.SetDefault("rtc.ice_port_range_start", 50000)
	v.SetDefault("rtc.ice_port_range_end", 60000)
	v.SetDefault("peer.enabled_codecs", []string{webrtc.MimeTypeOpus, webrtc.MimeTypeVP8})
}

// Load reads the optional config file at path and applies LIVELOOK_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	conf.Peer.EnabledCodecs = parseCodecs(v.GetStringSlice("peer.enabled_codecs"))

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

// parseCodecs reads entries of the form "video/VP9;profile-id=0".
func parseCodecs(specs []string) []CodecSpec {
	out := make([]CodecSpec, 0, len(specs))
	for _, spec := range specs {
		for _, item := range strings.Split(spec, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			mime, fmtp, _ := strings.Cut(item, ";")
			out = append(out, CodecSpec{Mime: strings.TrimSpace(mime), FmtpLine: strings.TrimSpace(fmtp)})
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Room.Capacity < 0 {
		return fmt.Errorf("room.capacity must not be negative, got %d", c.Room.Capacity)
	}
	switch c.Presence.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown presence.driver %q", c.Presence.Driver)
	}
	switch c.Signaling.Driver {
	case "redis", "nats", "memory":
	default:
		return fmt.Errorf("unknown signaling.driver %q", c.Signaling.Driver)
	}
	if c.RTC.ICEPortRangeStart > c.RTC.ICEPortRangeEnd || c.RTC.ICEPortRangeEnd > 65535 {
		return fmt.Errorf("bad ICE port range %d-%d", c.RTC.ICEPortRangeStart, c.RTC.ICEPortRangeEnd)
	}
	if len(c.Peer.EnabledCodecs) == 0 {
		return fmt.Errorf("peer.enabled_codecs is empty")
	}
	return nil
}
