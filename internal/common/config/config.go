// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Batch    BatchConfig    `mapstructure:"batch"`
	AWS      AWSConfig      `mapstructure:"aws"`
	Push     PushConfig     `mapstructure:"push"`
	Search   SearchConfig   `mapstructure:"search"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	SSLEnabled bool     `mapstructure:"ssl_enabled"`
	URL        string   `mapstructure:"url"` // Single URL for backwards compatibility
}

// GetURL returns the first address or the URL field
func (e ElasticsearchConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	if len(e.Addresses) > 0 {
		return e.Addresses[0]
	}
	return ""
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// --- Pipeline Configuration Sections ---

// StreamConfig holds the inbound event stream settings (Redis Streams
// consumer group).
type StreamConfig struct {
	Key          string `mapstructure:"key"`
	Group        string `mapstructure:"group"`
	Consumer     string `mapstructure:"consumer"`
	BatchSize    int    `mapstructure:"batch_size"`
	BlockTimeout int    `mapstructure:"block_timeout"`  // milliseconds
	ClaimMinIdle int    `mapstructure:"claim_min_idle"` // milliseconds
}

// PipelineConfig holds admission-pipeline settings.
type PipelineConfig struct {
	DedupWindow      int `mapstructure:"dedup_window"`      // milliseconds
	ScheduleInterval int `mapstructure:"schedule_interval"` // milliseconds
}

// DeliveryConfig holds delivery orchestration settings.
type DeliveryConfig struct {
	MaxRetries   int `mapstructure:"max_retries"`
	BackoffBase  int `mapstructure:"backoff_base"` // milliseconds, 2^n multiplier
	BackoffCap   int `mapstructure:"backoff_cap"`  // milliseconds
	SendTimeout  int `mapstructure:"send_timeout"` // milliseconds
}

// BatchConfig holds the low-priority aggregation job settings.
type BatchConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Interval int  `mapstructure:"interval"` // milliseconds
	MinBatch int  `mapstructure:"min_batch"`
}

// AWSConfig holds the SES/SNS sender settings.
type AWSConfig struct {
	Region string `mapstructure:"region"`
	SES    struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"ses"`
	SNS struct {
		Enabled            bool   `mapstructure:"enabled"`
		DefaultSMSSenderID string `mapstructure:"default_sms_sender_id"`
	} `mapstructure:"sns"`
}

// PushConfig holds the push gateway settings.
type PushConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	GatewayURL string `mapstructure:"gateway_url"`
	APIKey     string `mapstructure:"api_key"`
	Timeout    int    `mapstructure:"timeout"` // milliseconds
}

// SearchConfig holds the notification search index settings.
type SearchConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Index   string `mapstructure:"index"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
