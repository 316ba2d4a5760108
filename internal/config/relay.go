package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportExec = "exec"
	TransportWS   = "ws"
)

// RelayConfig holds configuration for the voicerelay process.
type RelayConfig struct {
	Port            int           `yaml:"port"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogLevel        string        `yaml:"log_level"`
	ConfigFile      string        `yaml:"-"`
	Transport       string        `yaml:"transport"`
	HostPath        string        `yaml:"host_path"`
	HostArgs        []string      `yaml:"host_args"`
	HostURL         string        `yaml:"host_url"`
	Codec           string        `yaml:"codec"`
	Dialect         string        `yaml:"dialect"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CloseGrace      time.Duration `yaml:"close_grace"`
	WriteTimeout    time.Duration `yaml:"host_write_timeout"`
	MailboxSize     int           `yaml:"mailbox_size"`
	MailboxTTL      time.Duration `yaml:"mailbox_ttl"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RedisAddr       string        `yaml:"redis_addr"`
	APIKey          string        `yaml:"api_key"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
}

// SetDefaults initializes c with built-in defaults. Zero request timeout
// means pending requests wait until answered or until the channel closes.
func (c *RelayConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8787
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.Transport == "" {
		c.Transport = TransportExec
	}
	if c.Codec == "" {
		c.Codec = "json"
	}
	if c.Dialect == "" {
		c.Dialect = "standard"
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 8 << 20
	}
	if c.CloseGrace == 0 {
		c.CloseGrace = time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = 64
	}
	if c.MailboxTTL == 0 {
		c.MailboxTTL = 10 * time.Minute
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("relay.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *RelayConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := GetEnv("TRANSPORT", ""); v != "" {
		c.Transport = v
	}
	if v := GetEnv("HOST_PATH", ""); v != "" {
		c.HostPath = v
	}
	if v := GetEnv("HOST_ARGS", ""); v != "" {
		c.HostArgs = splitComma(v)
	}
	if v := GetEnv("HOST_URL", ""); v != "" {
		c.HostURL = v
	}
	if v := GetEnv("CODEC", ""); v != "" {
		c.Codec = v
	}
	if v := GetEnv("DIALECT", ""); v != "" {
		c.Dialect = v
	}
	if v := GetEnv("MAX_MESSAGE_BYTES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxMessageBytes = n
		}
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := GetEnv("CLOSE_GRACE", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CloseGrace = d
		}
	}
	if v := GetEnv("HOST_WRITE_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WriteTimeout = d
		}
	}
	if v := GetEnv("MAILBOX_SIZE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MailboxSize = n
		}
	}
	if v := GetEnv("MAILBOX_TTL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MailboxTTL = d
		}
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
}

// BindFlags binds command line flags using the current config values as
// defaults so main can call flag.Parse().
func (c *RelayConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "relay config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the caller API")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	fs.StringVar(&c.Transport, "transport", c.Transport, "native channel transport (exec, ws)")
	fs.StringVar(&c.HostPath, "host-path", c.HostPath, "native host executable spawned by the exec transport")
	fs.Func("host-args", "comma separated arguments passed to the native host", func(v string) error {
		c.HostArgs = splitComma(v)
		return nil
	})
	fs.StringVar(&c.HostURL, "host-url", c.HostURL, "websocket URL of the native host bridge for the ws transport")
	fs.StringVar(&c.Codec, "codec", c.Codec, "websocket frame codec (json, cbor)")
	fs.StringVar(&c.Dialect, "dialect", c.Dialect, "wire dialect (standard, legacy)")
	fs.IntVar(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "maximum size of one native message")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "fail pending requests after this long without a response (0 disables)")
	fs.DurationVar(&c.CloseGrace, "close-grace", c.CloseGrace, "time the native host gets to exit after stdin closes before it is killed")
	fs.DurationVar(&c.WriteTimeout, "host-write-timeout", c.WriteTimeout, "how long a write to the native host may block before the host is treated as gone")
	fs.IntVar(&c.MailboxSize, "mailbox-size", c.MailboxSize, "results buffered per caller before the oldest is discarded")
	fs.DurationVar(&c.MailboxTTL, "mailbox-ttl", c.MailboxTTL, "unread mailboxes idle for longer are discarded")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for publishing relay state")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key required on /api routes; empty leaves them open")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for pending requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
}

// Validate reports configuration combinations the relay cannot run with.
func (c *RelayConfig) Validate() error {
	switch c.Transport {
	case TransportExec:
		if c.HostPath == "" {
			return fmt.Errorf("config: host_path is required for the exec transport")
		}
	case TransportWS:
		if c.HostURL == "" {
			return fmt.Errorf("config: host_url is required for the ws transport")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	switch c.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("config: unknown codec %q", c.Codec)
	}
	switch c.Dialect {
	case "standard", "legacy":
	default:
		return fmt.Errorf("config: unknown dialect %q", c.Dialect)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: max_message_bytes must be positive")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("config: request_timeout must not be negative")
	}
	return nil
}

// LoadFile populates the config from a YAML file.
func (c *RelayConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
