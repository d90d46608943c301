// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Storage       StorageConfig      `mapstructure:"storage"`
	OAuth         OAuthConfig        `mapstructure:"oauth"`
	Gateway       GatewayConfig      `mapstructure:"gateway"`
	Credits       CreditsConfig      `mapstructure:"credits"`
	Orchestrator  OrchestratorConfig `mapstructure:"orchestrator"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Server        ServerConfig       `mapstructure:"server"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// OAuthConfig holds the client registration used to exchange and refresh
// search console tokens.
type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
	// RefreshSkew refreshes tokens this long before they actually expire.
	RefreshSkew time.Duration `mapstructure:"refresh_skew"`
}

// GatewayConfig contains the external indexing API client configuration
type GatewayConfig struct {
	SitesBaseURL       string        `mapstructure:"sites_base_url"`
	InspectionBaseURL  string        `mapstructure:"inspection_base_url"`
	IndexingBaseURL    string        `mapstructure:"indexing_base_url"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	TransportRetries   int           `mapstructure:"transport_retries"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	Burst              int           `mapstructure:"burst"`
	MaxURLsPerSite     int           `mapstructure:"max_urls_per_site"`
	InspectionBatch    int           `mapstructure:"inspection_batch"`
	MaxSitemapsPerSite int           `mapstructure:"max_sitemaps_per_site"`
	AnalyticsDays      int           `mapstructure:"analytics_days"`
}

// CreditPackage is a purchasable bundle of credits
type CreditPackage struct {
	Name       string `mapstructure:"name" json:"name"`
	Credits    int64  `mapstructure:"credits" json:"credits"`
	PriceCents int64  `mapstructure:"price_cents" json:"price_cents"`
}

// CreditsConfig contains pricing configuration
type CreditsConfig struct {
	SignupBonus        int64                    `mapstructure:"signup_bonus"`
	CheckCostPerPage   int64                    `mapstructure:"check_cost_per_page"`
	ReindexCostPerPage int64                    `mapstructure:"reindex_cost_per_page"`
	DefaultPageEst     int                      `mapstructure:"default_page_estimate"`
	Packages           map[string]CreditPackage `mapstructure:"packages"`
}

// OrchestratorConfig contains action execution configuration
type OrchestratorConfig struct {
	MaxConcurrentSites int           `mapstructure:"max_concurrent_sites"`
	SiteTimeout        time.Duration `mapstructure:"site_timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	SettleAttempts     int           `mapstructure:"settle_attempts"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
}

// NotificationConfig contains completion webhook configuration
type NotificationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	WebhookURLs   []string      `mapstructure:"webhook_urls"`
	Secret        string        `mapstructure:"secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSEnabled  bool          `mapstructure:"cors_enabled"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// MetricsConfig contains prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.GetViper(), configPath)
}

// LoadWith loads configuration into the given viper instance. Flags bound
// to v take precedence over file and environment values.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("INDEXCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.Type = "postgres"
		config.Storage.ConnectionString = dbURL
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "indexcheck")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/indexcheck.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.max_idle_time", "15m")

	v.SetDefault("oauth.scopes", []string{
		"https://www.googleapis.com/auth/webmasters.readonly",
		"https://www.googleapis.com/auth/indexing",
	})
	v.SetDefault("oauth.refresh_skew", "5m")

	v.SetDefault("gateway.sites_base_url", "https://www.googleapis.com/webmasters/v3")
	v.SetDefault("gateway.inspection_base_url", "https://searchconsole.googleapis.com/v1")
	v.SetDefault("gateway.indexing_base_url", "https://indexing.googleapis.com/v3")
	v.SetDefault("gateway.request_timeout", "30s")
	v.SetDefault("gateway.transport_retries", 2)
	// The URL inspection quota allows roughly 5 requests per second.
	v.SetDefault("gateway.requests_per_second", 5.0)
	v.SetDefault("gateway.burst", 1)
	v.SetDefault("gateway.max_urls_per_site", 500)
	v.SetDefault("gateway.inspection_batch", 20)
	v.SetDefault("gateway.max_sitemaps_per_site", 5)
	v.SetDefault("gateway.analytics_days", 90)

	v.SetDefault("credits.signup_bonus", 100)
	v.SetDefault("credits.check_cost_per_page", 1)
	v.SetDefault("credits.reindex_cost_per_page", 5)
	v.SetDefault("credits.default_page_estimate", 50)
	v.SetDefault("credits.packages", map[string]interface{}{
		"basic":      map[string]interface{}{"name": "Basic", "credits": 1000, "price_cents": 1000},
		"pro":        map[string]interface{}{"name": "Pro", "credits": 5000, "price_cents": 3750},
		"enterprise": map[string]interface{}{"name": "Enterprise", "credits": 20000, "price_cents": 10000},
	})

	v.SetDefault("orchestrator.max_concurrent_sites", 4)
	v.SetDefault("orchestrator.site_timeout", "5m")
	v.SetDefault("orchestrator.retry_attempts", 3)
	v.SetDefault("orchestrator.retry_delay", "2s")
	v.SetDefault("orchestrator.settle_attempts", 5)
	v.SetDefault("orchestrator.settle_delay", "1s")
	v.SetDefault("orchestrator.stale_after", "30m")
	v.SetDefault("orchestrator.reconcile_interval", "5m")
	v.SetDefault("orchestrator.run_timeout", "25m")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.retry_attempts", 3)
	v.SetDefault("notifications.retry_delay", "2s")
	v.SetDefault("notifications.max_delay", "30s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.cors_enabled", true)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Credits.CheckCostPerPage <= 0 || c.Credits.ReindexCostPerPage <= 0 {
		return fmt.Errorf("credit costs per page must be positive")
	}
	if c.Credits.SignupBonus < 0 {
		return fmt.Errorf("signup bonus cannot be negative")
	}
	if c.Credits.DefaultPageEst <= 0 {
		return fmt.Errorf("default page estimate must be positive")
	}
	for id, pkg := range c.Credits.Packages {
		if pkg.Credits <= 0 {
			return fmt.Errorf("credit package %s must grant a positive amount", id)
		}
	}
	if c.Gateway.RequestsPerSecond <= 0 {
		return fmt.Errorf("gateway requests per second must be positive")
	}
	if c.Gateway.MaxURLsPerSite <= 0 || c.Gateway.InspectionBatch <= 0 {
		return fmt.Errorf("gateway URL limits must be positive")
	}
	if c.Orchestrator.MaxConcurrentSites <= 0 {
		return fmt.Errorf("orchestrator max concurrent sites must be positive")
	}
	if c.Orchestrator.SiteTimeout <= 0 {
		return fmt.Errorf("orchestrator site timeout must be positive")
	}
	if c.Orchestrator.StaleAfter <= c.Orchestrator.SiteTimeout {
		return fmt.Errorf("orchestrator stale_after must exceed site_timeout")
	}
	if c.Orchestrator.RunTimeout > 0 && c.Orchestrator.StaleAfter <= c.Orchestrator.RunTimeout {
		return fmt.Errorf("orchestrator stale_after must exceed run_timeout")
	}
	if c.Notifications.Enabled && len(c.Notifications.WebhookURLs) == 0 {
		return fmt.Errorf("notifications enabled but no webhook URLs configured")
	}
	return nil
}
