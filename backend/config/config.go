package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix     = "RELAY"
	envConfigPath = "RELAY_CONFIG"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr  string        `yaml:"api_listen_addr" envconfig:"API_LISTEN_ADDR"`
	WSListenAddr   string        `yaml:"ws_listen_addr" envconfig:"WS_LISTEN_ADDR"`
	LogLevel       string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
	AllowedOrigins []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	SendBuffer     int           `yaml:"send_buffer" envconfig:"SEND_BUFFER"`
	MaxMessageSize int64         `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`
	RateLimit      float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	RateBurst      int           `yaml:"rate_burst" envconfig:"RATE_BURST"`
	PingInterval   time.Duration `yaml:"ping_interval" envconfig:"PING_INTERVAL"`
	PongWait       time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

func Default() *Config {
	return &Config{
		APIListenAddr:  ":8080",
		WSListenAddr:   ":8888",
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
		RateLimit:      200,
		RateBurst:      400,
		PingInterval:   5 * time.Second,
		PongWait:       7 * time.Second,
	}
}

// Load builds configuration in layers, each one overriding the previous:
// defaults, yaml file, environment (.env file included), command line flags.
func Load(args []string) (*Config, error) {
	cfg := Default()

	// missing .env is fine, existing environment is never overridden
	_ = godotenv.Load()

	path, err := configPath(args)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err = cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err = envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}

	fs := cfg.flagSet()
	if err = fs.Parse(args); err != nil {
		return nil, err
	}

	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configPath(args []string) (string, error) {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.StringP("config", "c", os.Getenv(envConfigPath), "")
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	return *path, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read config file: %w", err)
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("cannot parse config file: %w", err)
	}
	return nil
}

func (c *Config) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "yaml config file path")
	fs.StringVarP(&c.APIListenAddr, "api-listen-addr", "a", c.APIListenAddr, "api listen address")
	fs.StringVarP(&c.WSListenAddr, "ws-listen-addr", "w", c.WSListenAddr, "websocket gateway listen address")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "log level")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "allowed websocket and CORS origins")
	fs.IntVar(&c.SendBuffer, "send-buffer", c.SendBuffer, "per-connection outbound buffer size")
	fs.Int64Var(&c.MaxMessageSize, "max-message-size", c.MaxMessageSize, "max inbound websocket message size")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "inbound events per second per connection, 0 disables")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "inbound events burst per connection")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "websocket ping interval")
	fs.DurationVar(&c.PongWait, "pong-wait", c.PongWait, "websocket pong wait, must exceed ping interval")
	return fs
}

func (c *Config) validate() error {
	var errs []error
	if c.APIListenAddr == "" {
		errs = append(errs, errors.New("api listen address is required"))
	}
	if c.WSListenAddr == "" {
		errs = append(errs, errors.New("websocket listen address is required"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send buffer must be positive"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate burst must be positive when rate limit is set"))
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		errs = append(errs, errors.New("pong wait must exceed positive ping interval"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}
