package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultResources are the upstream resource families the console proxies
// when the config file does not name its own set.
var DefaultResources = []string{
	"documents",
	"folders",
	"users",
	"roles",
	"permissions",
	"groups",
	"settings",
	"audit-logs",
	"notifications",
	"templates",
	"workflows",
	"tags",
	"reports",
	"dashboards",
	"attachments",
}

type Config struct {
	Address       string         `yaml:"address" validate:"required"`
	Mode          string         `yaml:"mode" validate:"required,oneof=local deployed"`
	Upstream      UpstreamConfig `yaml:"upstream"`
	Provider      ProviderConfig `yaml:"provider" validate:"required"`
	RefreshMargin Duration       `yaml:"refresh_margin"`
	Resources     []string       `yaml:"resources"`
}

// Duration parses yaml scalars like "5m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration '%s': %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// UpstreamConfig holds the base address of the backend which owns all
// business data. Exactly one of the two values is consulted, selected by
// Config.Mode. An empty resolved value is not a load error: routes answer
// it with a structured 500 instead of attempting network I/O.
type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	LocalBaseURL string `yaml:"local_base_url"`
}

type ProviderConfig struct {
	Issuer              string   `yaml:"issuer" validate:"required"`
	ClientID            string   `yaml:"client_id" validate:"required"`
	ClientSecret        string   `yaml:"client_secret"`
	RedirectURI         string   `yaml:"redirect_uri" validate:"required"`
	Scopes              []string `yaml:"scopes"`
	FrontendRedirectURI string   `yaml:"frontend_redirect_uri"`
}

// UpstreamBaseURL resolves the upstream base address for the configured
// runtime mode.
func (c *Config) UpstreamBaseURL() string {
	if c.Mode == "local" {
		return c.Upstream.LocalBaseURL
	}
	return c.Upstream.BaseURL
}

// ApplyEnv overlays environment variables over the file-based values.
// Empty variables leave the file values untouched.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CONSOLE_BFF_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("CONSOLE_BFF_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("UPSTREAM_LOCAL_BASE_URL"); v != "" {
		c.Upstream.LocalBaseURL = v
	}
	if v := os.Getenv("PROVIDER_CLIENT_SECRET"); v != "" {
		c.Provider.ClientSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.RefreshMargin == 0 {
		c.RefreshMargin = Duration(5 * time.Minute)
	}
	if len(c.Resources) == 0 {
		c.Resources = DefaultResources
	}
}

func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}

	config.ApplyEnv()
	config.applyDefaults()

	validate := validator.New()
	err = validate.Struct(config)
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &config, nil
}
