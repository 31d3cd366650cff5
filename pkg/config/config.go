package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"meshcall/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	// Server is the HTTP surface: control API for the call client, /ws for the relay.
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Client struct {
		UserID     string `yaml:"user_id"`
		Username   string `yaml:"username"`
		AvatarURL  string `yaml:"avatar_url"`
		Token      string `yaml:"token"`
		AutoAnswer bool   `yaml:"auto_answer"`
	} `yaml:"client"`

	Signal struct {
		URL              string        `yaml:"url"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		Reconnect        struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			MaxAttempts  int           `yaml:"max_attempts"` // < 0 retries forever
		} `yaml:"reconnect"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Call struct {
		PendingTimeout  time.Duration `yaml:"pending_timeout"`
		MaxAge          time.Duration `yaml:"max_age"`
		RingTimeout     time.Duration `yaml:"ring_timeout"`
		DisconnectGrace time.Duration `yaml:"disconnect_grace"`
		AnswerTimeout   time.Duration `yaml:"answer_timeout"`
		// MaxParticipants caps invitees per call; a full mesh grows quadratically.
		MaxParticipants int `yaml:"max_participants"`
	} `yaml:"call"`

	Media struct {
		Width      int  `yaml:"width"`
		Height     int  `yaml:"height"`
		FrameRate  int  `yaml:"frame_rate"`
		Camera     bool `yaml:"camera"`
		Microphone bool `yaml:"microphone"`
		Screen     bool `yaml:"screen"`
	} `yaml:"media"`

	TURN struct {
		Enabled      bool          `yaml:"enabled"`
		URLs         []string      `yaml:"urls"`
		SharedSecret string        `yaml:"shared_secret"`
		TTL          time.Duration `yaml:"ttl"`
	} `yaml:"turn"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		// IssueTokens exposes POST /api/v1/auth/token on the relay. Development only.
		IssueTokens bool `yaml:"issue_tokens"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if err := validation.ValidateURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("signal.reconnect.initial_delay must be > 0")
	}
	if c.Signal.Reconnect.MaxDelay < c.Signal.Reconnect.InitialDelay {
		return fmt.Errorf("signal.reconnect.max_delay must be >= initial_delay")
	}

	for _, server := range c.WebRTC.ICEServers {
		for _, u := range server.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers: %w", err)
			}
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Call.PendingTimeout <= 0 {
		return fmt.Errorf("call.pending_timeout must be > 0")
	}
	if c.Call.MaxAge < c.Call.PendingTimeout {
		return fmt.Errorf("call.max_age must be >= call.pending_timeout")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be > 0")
	}
	if c.Call.DisconnectGrace <= 0 {
		return fmt.Errorf("call.disconnect_grace must be > 0")
	}
	if c.Call.AnswerTimeout <= 0 {
		return fmt.Errorf("call.answer_timeout must be > 0")
	}
	if c.Call.MaxParticipants < 1 {
		return fmt.Errorf("call.max_participants must be >= 1")
	}

	if c.Media.Width <= 0 || c.Media.Height <= 0 || c.Media.FrameRate <= 0 {
		return fmt.Errorf("media.width, media.height and media.frame_rate must be > 0")
	}

	if c.TURN.Enabled {
		if len(c.TURN.URLs) == 0 {
			return fmt.Errorf("turn.urls must not be empty when turn.enabled=true")
		}
		for _, u := range c.TURN.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("turn.urls: %w", err)
			}
		}
		if c.TURN.SharedSecret == "" {
			return fmt.Errorf("turn.shared_secret must not be empty when turn.enabled=true")
		}
		if c.TURN.TTL <= 0 {
			return fmt.Errorf("turn.ttl must be > 0 when turn.enabled=true")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultPaths lists where binaries look for a config file. MESHCALL_CONFIG
// takes precedence.
func DefaultPaths() []string {
	return []string{
		os.Getenv("MESHCALL_CONFIG"),
		"configs/config.yaml",
		"/etc/meshcall/config.yaml",
		"config.yaml",
	}
}

// LoadFirst loads the first existing file among paths and returns its path.
// With no file present it returns the defaults with env overrides applied and
// an empty path. A file that exists but does not load is an error.
func LoadFirst(paths []string) (*Config, string, error) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, "", nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Client.Username = "guest"

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.HandshakeTimeout = 10 * time.Second
	cfg.Signal.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Signal.Reconnect.MaxDelay = 10 * time.Second
	cfg.Signal.Reconnect.MaxAttempts = -1

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Call.PendingTimeout = 30 * time.Second
	cfg.Call.MaxAge = 5 * time.Minute
	cfg.Call.RingTimeout = 30 * time.Second
	cfg.Call.DisconnectGrace = 5 * time.Second
	cfg.Call.AnswerTimeout = 10 * time.Second
	cfg.Call.MaxParticipants = 8

	cfg.Media.Width = 1280
	cfg.Media.Height = 720
	cfg.Media.FrameRate = 30
	cfg.Media.Camera = true
	cfg.Media.Microphone = true
	cfg.Media.Screen = true

	cfg.TURN.TTL = 24 * time.Hour

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.ServiceName = "meshcall"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("MESHCALL_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if id := os.Getenv("MESHCALL_USER_ID"); id != "" {
		c.Client.UserID = id
	}
	if token := os.Getenv("MESHCALL_TOKEN"); token != "" {
		c.Client.Token = token
	}
	if v := os.Getenv("MESHCALL_AUTO_ANSWER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Client.AutoAnswer = b
		}
	}
	if level := os.Getenv("MESHCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MESHCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("MESHCALL_TURN_SECRET"); secret != "" {
		c.TURN.SharedSecret = secret
	}
	if addr := os.Getenv("MESHCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
