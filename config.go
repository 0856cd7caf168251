package uiprotect

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uilibs/uiprotect/metrics"
)

// Env vars honored by ConfigFromEnv. TZ is left to the time package and
// never affects wire data.
const (
	EnvUsername  = "UFP_USERNAME"
	EnvPassword  = "UFP_PASSWORD"
	EnvAddress   = "UFP_ADDRESS"
	EnvPort      = "UFP_PORT"
	EnvSSLVerify = "UFP_SSL_VERIFY"
	EnvAPIKey    = "UFP_API_KEY"
)

// Config carries everything the client needs at construction. There is no
// module-level state; two clients with different configs coexist.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// APIKey enables the public-API header auth for
	// /proxy/protect/integration/v1/ endpoints. The private API still
	// requires cookie auth; both can be active at once.
	APIKey    string `yaml:"api_key"`
	VerifySSL *bool  `yaml:"verify_ssl"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// EchoIgnoreTTL bounds how long a self-initiated write suppresses its
	// websocket echo.
	EchoIgnoreTTL time.Duration `yaml:"echo_ignore_ttl"`
	// RingInterruptInterval resets a doorbell's ringing flag when the
	// controller never sends the ring end packet.
	RingInterruptInterval time.Duration `yaml:"ring_interrupt_interval"`

	DivergenceThreshold int           `yaml:"divergence_threshold"`
	DivergenceWindow    time.Duration `yaml:"divergence_window"`

	// StateBufferSize is the per-subscriber state-channel depth; slow
	// subscribers are dropped past it.
	StateBufferSize int `yaml:"state_buffer_size"`

	Logger     *log.Logger        `yaml:"-"`
	HTTPClient *http.Client       `yaml:"-"`
	Metrics    *metrics.Collector `yaml:"-"`
}

// UnmarshalYAML decodes durations from human form ("5s", "1m30s").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Host                  string `yaml:"host"`
		Port                  int    `yaml:"port"`
		Username              string `yaml:"username"`
		Password              string `yaml:"password"`
		APIKey                string `yaml:"api_key"`
		VerifySSL             *bool  `yaml:"verify_ssl"`
		ConnectTimeout        string `yaml:"connect_timeout"`
		KeepAliveInterval     string `yaml:"keepalive_interval"`
		EchoIgnoreTTL         string `yaml:"echo_ignore_ttl"`
		RingInterruptInterval string `yaml:"ring_interrupt_interval"`
		DivergenceThreshold   int    `yaml:"divergence_threshold"`
		DivergenceWindow      string `yaml:"divergence_window"`
		StateBufferSize       int    `yaml:"state_buffer_size"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Host = raw.Host
	c.Port = raw.Port
	c.Username = raw.Username
	c.Password = raw.Password
	c.APIKey = raw.APIKey
	c.VerifySSL = raw.VerifySSL
	c.DivergenceThreshold = raw.DivergenceThreshold
	c.StateBufferSize = raw.StateBufferSize
	for _, d := range []struct {
		in  string
		out *time.Duration
	}{
		{raw.ConnectTimeout, &c.ConnectTimeout},
		{raw.KeepAliveInterval, &c.KeepAliveInterval},
		{raw.EchoIgnoreTTL, &c.EchoIgnoreTTL},
		{raw.RingInterruptInterval, &c.RingInterruptInterval},
		{raw.DivergenceWindow, &c.DivergenceWindow},
	} {
		if d.in == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", d.in, err)
		}
		*d.out = parsed
	}
	return nil
}

// ConfigFromEnv builds a Config from UFP_* variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:     os.Getenv(EnvAddress),
		Username: os.Getenv(EnvUsername),
		Password: os.Getenv(EnvPassword),
		APIKey:   os.Getenv(EnvAPIKey),
	}
	if p := os.Getenv(EnvPort); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv(EnvSSLVerify); v != "" {
		verify := v != "false" && v != "0" && v != "no"
		cfg.VerifySSL = &verify
	}
	return cfg
}

// LoadConfig reads a YAML config file and overlays UFP_* env vars on top.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	env := ConfigFromEnv()
	if env.Host != "" {
		cfg.Host = env.Host
	}
	if env.Port != 0 {
		cfg.Port = env.Port
	}
	if env.Username != "" {
		cfg.Username = env.Username
	}
	if env.Password != "" {
		cfg.Password = env.Password
	}
	if env.APIKey != "" {
		cfg.APIKey = env.APIKey
	}
	if env.VerifySSL != nil {
		cfg.VerifySSL = env.VerifySSL
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 443
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.EchoIgnoreTTL == 0 {
		c.EchoIgnoreTTL = 2 * time.Second
	}
	if c.RingInterruptInterval == 0 {
		c.RingInterruptInterval = 3 * time.Second
	}
	if c.DivergenceThreshold == 0 {
		c.DivergenceThreshold = 3
	}
	if c.DivergenceWindow == 0 {
		c.DivergenceWindow = time.Minute
	}
	if c.StateBufferSize == 0 {
		c.StateBufferSize = 100
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.APIKey == "" && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("config: username/password or api key required")
	}
	return nil
}

func (c *Config) verifyTLS() bool {
	return c.VerifySSL == nil || *c.VerifySSL
}
