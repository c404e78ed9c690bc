package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	// Empty LiveKit credentials put token generation into degraded mode:
	// the booking service hands out null transport tokens.
	LiveKitAPIKey    string `mapstructure:"livekit_api_key" yaml:"livekit_api_key"`
	LiveKitAPISecret string `mapstructure:"livekit_api_secret" yaml:"livekit_api_secret"`
	LiveKitURL       string `mapstructure:"livekit_url" yaml:"livekit_url"`

	PresenceTTL           time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
	PresencePruneInterval time.Duration `mapstructure:"presence_prune_interval" yaml:"presence_prune_interval"`

	WSRateLimit         float64 `mapstructure:"ws_rate_limit" yaml:"ws_rate_limit"`
	WSRateBurst         int     `mapstructure:"ws_rate_burst" yaml:"ws_rate_burst"`
	MaxRoomParticipants int     `mapstructure:"max_room_participants" yaml:"max_room_participants"`

	Client ClientConfig `mapstructure:"client" yaml:"client"`
}

// ClientConfig holds settings of the headless call client.
type ClientConfig struct {
	ServerURL            string        `mapstructure:"server_url" yaml:"server_url"`
	Username             string        `mapstructure:"username" yaml:"username"`
	Password             string        `mapstructure:"password" yaml:"password"`
	InvitationTimeout    time.Duration `mapstructure:"invitation_timeout" yaml:"invitation_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	PresencePollInterval time.Duration `mapstructure:"presence_poll_interval" yaml:"presence_poll_interval"`
	RoomPollInterval     time.Duration `mapstructure:"room_poll_interval" yaml:"room_poll_interval"`
	JoinTimeout          time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:                  ":8080",
		ReadHeaderTimeout:     5 * time.Second,
		ShutdownTimeout:       5 * time.Second,
		LogLevel:              "info",
		DatabasePath:          "wirecall.db",
		JWTSecret:             "change-me",
		JWTIssuer:             "wirecall",
		JWTAudience:           "wirecall",
		PresenceTTL:           150 * time.Second,
		PresencePruneInterval: 30 * time.Second,
		WSRateLimit:           20,
		WSRateBurst:           40,
		MaxRoomParticipants:   16,
		Client:                DefaultClient(),
	}
}

// DefaultClient returns the client defaults.
func DefaultClient() ClientConfig {
	return ClientConfig{
		ServerURL:            "http://localhost:8080",
		InvitationTimeout:    30 * time.Second,
		HeartbeatInterval:    60 * time.Second,
		PresencePollInterval: 20 * time.Second,
		RoomPollInterval:     30 * time.Second,
		JoinTimeout:          20 * time.Second,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.LiveKitAPIKey != "" {
		c.LiveKitAPIKey = other.LiveKitAPIKey
	}
	if other.LiveKitAPISecret != "" {
		c.LiveKitAPISecret = other.LiveKitAPISecret
	}
	if other.LiveKitURL != "" {
		c.LiveKitURL = other.LiveKitURL
	}
	if other.Client.ServerURL != "" {
		c.Client.ServerURL = other.Client.ServerURL
	}
	if other.Client.Username != "" {
		c.Client.Username = other.Client.Username
	}
	if other.Client.Password != "" {
		c.Client.Password = other.Client.Password
	}
}

// LiveKitEnabled reports whether transport tokens can be minted.
func (c Config) LiveKitEnabled() bool {
	return c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}
