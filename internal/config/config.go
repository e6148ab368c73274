package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy sources.
const (
	SourceKubernetes = "kubernetes"
	SourceFile       = "file"
)

// ClassEnv names the environment variable consulted when className is unset.
const ClassEnv = "appsecClassName"

// StandaloneEnv enables proxy synthesis when set to a non-empty value.
const StandaloneEnv = "OPENAPPSEC_STANDALONE"

// Proxy configures reverse-proxy synthesis.
type Proxy struct {
	Enabled     bool   `yaml:"enabled"`
	ConfDir     string `yaml:"confDir"`     // default /etc/cp/conf/openappsec-nginx-servers
	CertDir     string `yaml:"certDir"`     // default /etc/certs
	TemplateDir string `yaml:"templateDir"` // default /etc/nginx/nginx-templates
	Binary      string `yaml:"binary"`      // default "nginx"
}

// WebhookConfig is a single notification endpoint.
type WebhookConfig struct {
	URL          string `yaml:"url"`
	Type         string `yaml:"type"`         // "generic", "slack", "pagerduty" or "grafana"
	RoutingKey   string `yaml:"routingKey"`   // pagerduty
	DashboardUID string `yaml:"dashboardUID"` // grafana
	APIKey       string `yaml:"apiKey"`       // grafana
}

// NotificationConfig configures alerts on pass outcomes.
type NotificationConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Cooldown time.Duration   `yaml:"cooldown"` // default 1h
	Enabled  bool            `yaml:"enabled"`
}

// Config holds wafpolicy runtime configuration.
type Config struct {
	Source           string             `yaml:"source"`           // "kubernetes" or "file"
	PolicyFile       string             `yaml:"policyFile"`       // required when source is "file"
	Namespaces       []string           `yaml:"namespaces"`       // empty = all
	ClassName        string             `yaml:"className"`
	OutputPath       string             `yaml:"outputPath"`       // default /tmp/local_appsec.policy
	SettingsPath     string             `yaml:"settingsPath"`     // empty = not written
	PassInterval     time.Duration      `yaml:"passInterval"`     // default 30s
	PassTimeout      time.Duration      `yaml:"passTimeout"`      // default 60s
	FetchConcurrency int                `yaml:"fetchConcurrency"`
	Proxy            Proxy              `yaml:"proxy"`
	ListenAddr       string             `yaml:"listenAddr"`       // default ":8080"
	MetricsPath      string             `yaml:"metricsPath"`      // default "/metrics"
	HistoryPath      string             `yaml:"historyPath"`
	OTLPEndpoint     string             `yaml:"otlpEndpoint"`
	Notifications    NotificationConfig `yaml:"notifications"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Source:           SourceKubernetes,
		OutputPath:       "/tmp/local_appsec.policy",
		PassInterval:     30 * time.Second,
		PassTimeout:      60 * time.Second,
		FetchConcurrency: 8,
		Proxy: Proxy{
			ConfDir:     "/etc/cp/conf/openappsec-nginx-servers",
			CertDir:     "/etc/certs",
			TemplateDir: "/etc/nginx/nginx-templates",
			Binary:      "nginx",
		},
		ListenAddr:  ":8080",
		MetricsPath: "/metrics",
	}
}

// Load reads a YAML config file and merges with defaults.
func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

// ApplyEnv fills settings the agent environment may carry.
func (c *Config) ApplyEnv() {
	if c.ClassName == "" {
		c.ClassName = os.Getenv(ClassEnv)
	}
	if os.Getenv(StandaloneEnv) != "" {
		c.Proxy.Enabled = true
	}
}

// Validate checks that the config values are sane.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceKubernetes:
	case SourceFile:
		if c.PolicyFile == "" {
			return fmt.Errorf("policyFile must be set when source is %q", SourceFile)
		}
	default:
		return fmt.Errorf("source must be %q or %q, got %q", SourceKubernetes, SourceFile, c.Source)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("outputPath must not be empty")
	}
	if c.PassInterval < time.Second {
		return fmt.Errorf("passInterval must be at least 1s, got %s", c.PassInterval)
	}
	if c.PassTimeout <= 0 {
		return fmt.Errorf("passTimeout must be positive, got %s", c.PassTimeout)
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetchConcurrency must be at least 1, got %d", c.FetchConcurrency)
	}
	if c.Proxy.Enabled && c.Proxy.Binary == "" {
		return fmt.Errorf("proxy.binary must not be empty when the proxy is enabled")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	for i, wh := range c.Notifications.Webhooks {
		switch wh.Type {
		case "", "generic", "slack", "grafana":
			if wh.URL == "" {
				return fmt.Errorf("notifications.webhooks[%d].url must not be empty", i)
			}
		case "pagerduty":
			if wh.RoutingKey == "" {
				return fmt.Errorf("notifications.webhooks[%d].routingKey must not be empty", i)
			}
		default:
			return fmt.Errorf("notifications.webhooks[%d].type %q is not supported", i, wh.Type)
		}
	}
	return nil
}
