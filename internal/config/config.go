package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models concierge.yml.
type Config struct {
	Turn struct {
		Deadline               time.Duration `yaml:"deadline" json:"deadline"`
		PolicyTimeout          time.Duration `yaml:"policy_timeout" json:"policy_timeout"`
		MaxIterations          int           `yaml:"max_iterations" json:"max_iterations"`
		LowConfidenceThreshold float64       `yaml:"low_confidence_threshold" json:"low_confidence_threshold"`
		LockWait               time.Duration `yaml:"lock_wait" json:"lock_wait"`
	} `yaml:"turn" json:"turn"`
	Tools struct {
		Timeout time.Duration            `yaml:"timeout" json:"timeout"`
		Latency map[string]time.Duration `yaml:"latency" json:"latency"`
	} `yaml:"tools" json:"tools"`
	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
		Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
	} `yaml:"breaker" json:"breaker"`
	Planner struct {
		BaseURL   string        `yaml:"base_url" json:"base_url"`
		Model     string        `yaml:"model" json:"model"`
		APIKeyEnv string        `yaml:"api_key_env" json:"api_key_env"`
		Timeout   time.Duration `yaml:"timeout" json:"timeout"`
		AppName   string        `yaml:"app_name" json:"app_name"`
	} `yaml:"planner" json:"planner"`
	Store struct {
		Path string `yaml:"path" json:"path"`
	} `yaml:"store" json:"store"`
	Lock struct {
		RedisURL string        `yaml:"redis_url" json:"redis_url"`
		TTL      time.Duration `yaml:"ttl" json:"ttl"`
		Retry    time.Duration `yaml:"retry" json:"retry"`
	} `yaml:"lock" json:"lock"`
	Server struct {
		Addr         string `yaml:"addr" json:"addr"`
		BasePath     string `yaml:"base_path" json:"base_path"`
		JWTSecretEnv string `yaml:"jwt_secret_env" json:"jwt_secret_env"`
	} `yaml:"server" json:"server"`
	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

// WebhookConfig is an operator notification endpoint receiving lifecycle
// events as JSON POSTs.
type WebhookConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Events  []string      `yaml:"events" json:"events,omitempty"` // empty delivers every type
	Secret  string        `yaml:"secret" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Enabled *bool         `yaml:"enabled" json:"enabled,omitempty"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with concierge config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Turn.Deadline <= 0 {
		return fmt.Errorf("config.turn.deadline must be positive")
	}
	if c.Turn.PolicyTimeout <= 0 {
		return fmt.Errorf("config.turn.policy_timeout must be positive")
	}
	if c.Turn.MaxIterations < 1 {
		return fmt.Errorf("config.turn.max_iterations must be at least 1")
	}
	if c.Turn.LowConfidenceThreshold < 0 || c.Turn.LowConfidenceThreshold > 1 {
		return fmt.Errorf("config.turn.low_confidence_threshold must be within [0,1]")
	}
	if c.Turn.LockWait < 0 {
		return fmt.Errorf("config.turn.lock_wait must not be negative")
	}
	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("config.tools.timeout must be positive")
	}
	for name, d := range c.Tools.Latency {
		if name == "" {
			return fmt.Errorf("config.tools.latency has empty tool name")
		}
		if d < 0 {
			return fmt.Errorf("latency for tool %s must not be negative", name)
		}
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config.breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("config.breaker.cooldown must be positive")
	}
	if c.Planner.BaseURL != "" && c.Planner.Model == "" {
		return fmt.Errorf("config.planner.model is required when base_url is set")
	}
	if c.Lock.RedisURL != "" && c.Lock.TTL <= 0 {
		return fmt.Errorf("config.lock.ttl must be positive when redis_url is set")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be 'text' or 'json'")
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "concierge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `turn:
  deadline: 5s
  policy_timeout: 3s
  max_iterations: 5
  low_confidence_threshold: 0.45
  lock_wait: 5s

tools:
  timeout: 1s
  latency:
    check_availability: 200ms
    book_appointment: 500ms
    create_ticket: 300ms
    handoff_to_human: 0s

breaker:
  failure_threshold: 2
  cooldown: 10s

planner:
  # Leave base_url empty to route with the rule table only.
  base_url: ""
  model: ""
  api_key_env: CONCIERGE_PLANNER_API_KEY
  timeout: 2500ms
  app_name: concierge

store:
  path: .concierge/concierge.db

lock:
  # Set to share turn locks across processes, e.g. redis://localhost:6379/0
  redis_url: ""
  ttl: 10s
  retry: 25ms

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret_env: CONCIERGE_JWT_SECRET

log:
  level: info
  format: text

# Lifecycle events are POSTed to each webhook, for example:
#  - url: https://ops.example.com/hooks/concierge
#    events: [conversation.handoff]
#    secret: change-me
#    timeout: 5s
webhooks: []
`
