package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/attestra/ccm/internal/models"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Neo4j         Neo4jConfig         `yaml:"neo4j"`
	Engine        EngineConfig        `yaml:"engine"`
	Vault         VaultConfig         `yaml:"vault"`
	Connectors    ConnectorsConfig    `yaml:"connectors"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// EngineConfig bounds evaluation batches: worker parallelism, the per-batch
// evaluation timeout, and where control definitions are loaded from.
type EngineConfig struct {
	Workers           int           `yaml:"workers"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
	CatalogPaths      []string      `yaml:"catalog_paths"`
	HistoryLimit      int           `yaml:"history_limit"`
}

type VaultConfig struct {
	Backend  string `yaml:"backend"` // fs or s3
	Path     string `yaml:"path"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

type ConnectorsConfig struct {
	Mock   MockConnectorConfig   `yaml:"mock"`
	Okta   OktaConnectorConfig   `yaml:"okta"`
	GitHub GitHubConnectorConfig `yaml:"github"`
	AWS    AWSConnectorConfig    `yaml:"aws"`
	Azure  AzureConnectorConfig  `yaml:"azure"`
	GCP    GCPConnectorConfig    `yaml:"gcp"`
}

type MockConnectorConfig struct {
	Enabled bool `yaml:"enabled"`
}

type OktaConnectorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	APIToken string `yaml:"api_token"`
	HRFeed   string `yaml:"hr_feed_url"`
}

type GitHubConnectorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyFile string `yaml:"private_key_file"`
	Org            string `yaml:"org"`
	BaseURL        string `yaml:"base_url"`
}

type AWSConnectorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	AccountID       string `yaml:"account_id"`
	AssumeRoleARN   string `yaml:"assume_role_arn"`
	ExternalID      string `yaml:"external_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type AzureConnectorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TenantID       string `yaml:"tenant_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	SubscriptionID string `yaml:"subscription_id"`
}

type GCPConnectorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}

	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.EvaluationTimeout == 0 {
		c.Engine.EvaluationTimeout = 2 * time.Minute
	}
	if len(c.Engine.CatalogPaths) == 0 {
		c.Engine.CatalogPaths = []string{
			"catalog/security_controls.yaml",
			"catalog/availability_controls.yaml",
		}
	}
	if c.Engine.HistoryLimit == 0 {
		c.Engine.HistoryLimit = 30
	}

	if c.Vault.Backend == "" {
		c.Vault.Backend = "fs"
	}
	if c.Vault.Path == "" {
		c.Vault.Path = "evidence_vault"
	}
	if c.Vault.S3Prefix == "" {
		c.Vault.S3Prefix = "evidence"
	}

	// A fresh checkout evaluates against fixture data until real
	// connectors are configured.
	if !c.Connectors.Okta.Enabled && !c.Connectors.GitHub.Enabled &&
		!c.Connectors.AWS.Enabled && !c.Connectors.Azure.Enabled &&
		!c.Connectors.GCP.Enabled {
		c.Connectors.Mock.Enabled = true
	}
	if c.Connectors.AWS.Region == "" {
		c.Connectors.AWS.Region = "us-east-1"
	}
	if c.Connectors.GitHub.BaseURL == "" {
		c.Connectors.GitHub.BaseURL = "https://api.github.com"
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = models.SeverityHigh
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
