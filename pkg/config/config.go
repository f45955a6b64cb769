package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type ListenIP struct {
	IP          string `yaml:"ip"`
	AnnouncedIP string `yaml:"announced_ip,omitempty"`
}

// MediaCodec is one router media codec as written in the config file.
type MediaCodec struct {
	Kind       string                 `yaml:"kind"`
	MimeType   string                 `yaml:"mime_type"`
	ClockRate  uint32                 `yaml:"clock_rate"`
	Channels   uint16                 `yaml:"channels,omitempty"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`
}

// Encoding is one simulcast layer offered by the headless peer.
type Encoding struct {
	MaxBitrate      int    `yaml:"max_bitrate"`
	ScalabilityMode string `yaml:"scalability_mode,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		StaticDir       string        `yaml:"static_dir"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Engine struct {
		ListenIPs []ListenIP `yaml:"listen_ips"`
		EnableUDP bool       `yaml:"enable_udp"`
		EnableTCP bool       `yaml:"enable_tcp"`
		PreferUDP bool       `yaml:"prefer_udp"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		MediaCodecs      []MediaCodec  `yaml:"media_codecs"`
		FatalGracePeriod time.Duration `yaml:"fatal_grace_period"`
	} `yaml:"engine"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		ServiceName    string  `yaml:"service_name"`
		SampleRatio    float64 `yaml:"sample_ratio"`
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
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Peer struct {
		ServerURL      string        `yaml:"server_url"`
		Session        string        `yaml:"session"`
		DialAttempts   int           `yaml:"dial_attempts"`
		DialBackoff    time.Duration `yaml:"dial_backoff"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		Kind           string        `yaml:"kind"`
		Simulcast      bool          `yaml:"simulcast"`
		Encodings      []Encoding    `yaml:"encodings"`
	} `yaml:"peer"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
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

	// Signal
	if !strings.HasPrefix(c.Signal.Path, "/") {
		return fmt.Errorf("signal.path must start with /")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.RequestTimeout <= 0 {
		return fmt.Errorf("signal.request_timeout must be > 0")
	}

	// Engine
	if len(c.Engine.ListenIPs) == 0 {
		return fmt.Errorf("engine.listen_ips must not be empty")
	}
	for i, ip := range c.Engine.ListenIPs {
		if ip.IP == "" {
			return fmt.Errorf("engine.listen_ips[%d].ip must not be empty", i)
		}
	}
	if !c.Engine.EnableUDP && !c.Engine.EnableTCP {
		return fmt.Errorf("engine.enable_udp and engine.enable_tcp must not both be false")
	}
	if c.Engine.PortRange.Min == 0 || c.Engine.PortRange.Max == 0 {
		return fmt.Errorf("engine.port_range.min and max must both be set")
	}
	if c.Engine.PortRange.Min > c.Engine.PortRange.Max {
		return fmt.Errorf("engine.port_range.min must be <= max")
	}
	if len(c.Engine.MediaCodecs) == 0 {
		return fmt.Errorf("engine.media_codecs must not be empty")
	}
	for i, codec := range c.Engine.MediaCodecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("engine.media_codecs[%d].kind must be audio or video", i)
		}
		if codec.MimeType == "" || codec.ClockRate == 0 {
			return fmt.Errorf("engine.media_codecs[%d] needs mime_type and clock_rate", i)
		}
	}
	if c.Engine.FatalGracePeriod < 0 {
		return fmt.Errorf("engine.fatal_grace_period must be >= 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && !strings.HasPrefix(c.Monitoring.MetricsPath, "/") {
		return fmt.Errorf("monitoring.metrics_path must start with / when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Peer
	if c.Peer.DialAttempts <= 0 {
		return fmt.Errorf("peer.dial_attempts must be > 0")
	}
	if c.Peer.RequestTimeout <= 0 {
		return fmt.Errorf("peer.request_timeout must be > 0")
	}
	if c.Peer.Kind != "audio" && c.Peer.Kind != "video" {
		return fmt.Errorf("peer.kind must be audio or video")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":3000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.RequestTimeout = 10 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Engine.ListenIPs = []ListenIP{{IP: "0.0.0.0", AnnouncedIP: "127.0.0.1"}}
	cfg.Engine.EnableUDP = true
	cfg.Engine.EnableTCP = true
	cfg.Engine.PreferUDP = true
	cfg.Engine.PortRange.Min = 2000
	cfg.Engine.PortRange.Max = 2020
	cfg.Engine.MediaCodecs = []MediaCodec{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000, Parameters: map[string]interface{}{
			"x-google-start-bitrate": 1000,
		}},
	}
	cfg.Engine.FatalGracePeriod = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.ServiceName = "mediagate"
	cfg.Tracing.SampleRatio = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "mediagate:events"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Peer.ServerURL = "ws://localhost:3000/ws"
	cfg.Peer.DialAttempts = 5
	cfg.Peer.DialBackoff = 500 * time.Millisecond
	cfg.Peer.RequestTimeout = 10 * time.Second
	cfg.Peer.Kind = "video"
	cfg.Peer.Simulcast = false
	cfg.Peer.Encodings = []Encoding{
		{MaxBitrate: 100000, ScalabilityMode: "S1T3"},
		{MaxBitrate: 300000, ScalabilityMode: "S1T3"},
		{MaxBitrate: 900000, ScalabilityMode: "S1T3"},
	}

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MEDIAGATE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("MEDIAGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if ip := os.Getenv("MEDIAGATE_ANNOUNCED_IP"); ip != "" {
		for i := range c.Engine.ListenIPs {
			c.Engine.ListenIPs[i].AnnouncedIP = ip
		}
	}
	if v := os.Getenv("MEDIAGATE_RTC_MIN_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Engine.PortRange.Min = uint16(port)
		}
	}
	if v := os.Getenv("MEDIAGATE_RTC_MAX_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Engine.PortRange.Max = uint16(port)
		}
	}
	if addr := os.Getenv("MEDIAGATE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if url := os.Getenv("MEDIAGATE_SERVER_URL"); url != "" {
		c.Peer.ServerURL = url
	}
}
