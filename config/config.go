package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

var (
	GlobalConfigCallback ConfigCallback[GlobalConfig] = ConfigCallback[GlobalConfig]{}
	CfgFlag                                           = flag.String("config", "config.toml", "Configuration file (toml format)")

	BackoffMaxElapsedTime = 5 * time.Minute
	Timeout               = 30 * time.Second
)

type GlobalConfig interface {
	LoggerConfig() LoggerConfig
}

type Config struct {
	DB      DBConfig               `toml:"db"`
	Logger  LoggerConfig           `toml:"logger"`
	Chains  map[string]ChainConfig `toml:"chains"`
	Indexer IndexerConfig          `toml:"indexer"`
	Queue   QueueConfig            `toml:"queue"`
	Minting MintingConfig          `toml:"minting"`
	Webhook WebhookConfig          `toml:"webhook"`
	Cleanup CleanupConfig          `toml:"cleanup"`
	Redis   RedisConfig            `toml:"redis"`
	API     APIConfig              `toml:"api"`
}

type LoggerConfig struct {
	Level       string `toml:"level"` // valid values are: DEBUG, INFO, WARN, ERROR, DPANIC, PANIC, FATAL (zap)
	File        string `toml:"file"`
	MaxFileSize int    `toml:"max_file_size"` // In megabytes
	Console     bool   `toml:"console"`
}

type DBConfig struct {
	Host             string `toml:"host" envconfig:"DB_HOST"`
	Port             int    `toml:"port" envconfig:"DB_PORT"`
	Database         string `toml:"database" envconfig:"DB_DATABASE"`
	Username         string `toml:"username" envconfig:"DB_USERNAME"`
	Password         string `toml:"password" envconfig:"DB_PASSWORD"`
	LogQueries       bool   `toml:"log_queries"`
	DropTableAtStart bool   `toml:"drop_table_at_start"`
}

// ChainConfig describes one supported chain. A chain with a private key
// configured has a write client and supports minting; a chain without one
// is read-only.
type ChainConfig struct {
	ChainID       uint64 `toml:"chain_id"`
	NodeURL       string `toml:"node_url"`
	APIKey        string `toml:"api_key"`
	ChainType     string `toml:"chain_type"` // "eth" (default) or "avax"
	PrivateKey    string `toml:"private_key" envconfig:"CHAIN_PRIVATE_KEY"`
	TokenContract string `toml:"token_contract"`
}

func (c ChainConfig) FullNodeURL() (*url.URL, error) {
	u, err := url.Parse(c.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid node url: %w", err)
	}
	if c.APIKey != "" {
		q := u.Query()
		q.Set("x-apikey", c.APIKey)
		u.RawQuery = q.Encode()
	}
	return u, nil
}

type IndexerConfig struct {
	Confirmations       uint64                `toml:"confirmations"`
	BatchSize           uint64                `toml:"batch_size"`
	NewBlockCheckMillis int                   `toml:"new_block_check_millis"`
	StaleSeconds        int                   `toml:"stale_seconds"`
	ErrorThreshold      int                   `toml:"error_threshold"`
	Defaults            []IndexerTargetConfig `toml:"defaults"`
}

// IndexerTargetConfig identifies one (chain, contract, indexer type) cursor.
type IndexerTargetConfig struct {
	ChainID         uint64 `toml:"chain_id" json:"chainId"`
	ContractAddress string `toml:"contract_address" json:"contractAddress"`
	IndexerType     string `toml:"indexer_type" json:"indexerType"`
	StartBlock      uint64 `toml:"start_block" json:"startBlock"`
	Confirmations   uint64 `toml:"confirmations" json:"confirmations"`
	BatchSize       uint64 `toml:"batch_size" json:"batchSize"`
}

type QueueConfig struct {
	Verification int `toml:"verification"`
	Evidence     int `toml:"evidence"`
	Webhooks     int `toml:"webhooks"`
	Cleanup      int `toml:"cleanup"`
	MaxAttempts  int `toml:"max_attempts"`
	PollMillis   int `toml:"poll_millis"`
}

type MintingConfig struct {
	DefaultChainID       uint64 `toml:"default_chain_id"`
	RequestDelayMilli    int    `toml:"request_delay_millis"`
	BatchIntervalSeconds int    `toml:"batch_interval_seconds"` // 0 disables the periodic batch
}

type WebhookConfig struct {
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type CleanupConfig struct {
	Schedule               string `toml:"schedule"` // cron spec, empty disables the scheduler
	VerificationExpiryDays int    `toml:"verification_expiry_days"`
	EvidenceRetentionDays  int    `toml:"evidence_retention_days"`
	JobRetentionDays       int    `toml:"job_retention_days"`
}

type RedisConfig struct {
	Address  string `toml:"address" envconfig:"REDIS_ADDRESS"`
	Password string `toml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `toml:"db"`
}

type APIConfig struct {
	Address string `toml:"address"`
}

func newConfig() *Config {
	return &Config{
		Indexer: IndexerConfig{
			Confirmations:       12,
			BatchSize:           1000,
			NewBlockCheckMillis: 2000,
			StaleSeconds:        300,
			ErrorThreshold:      10,
		},
		Queue: QueueConfig{
			Verification: 3,
			Evidence:     5,
			Webhooks:     10,
			Cleanup:      1,
			MaxAttempts:  5,
			PollMillis:   250,
		},
		Minting: MintingConfig{
			RequestDelayMilli: 2000,
		},
		Webhook: WebhookConfig{
			TimeoutSeconds: 30,
		},
		Cleanup: CleanupConfig{
			VerificationExpiryDays: 30,
			EvidenceRetentionDays:  90,
			JobRetentionDays:       7,
		},
		API: APIConfig{
			Address: ":8870",
		},
	}
}

func BuildConfig() (*Config, error) {
	cfgFileName := *CfgFlag

	cfg := newConfig()
	err := ParseConfigFile(cfg, cfgFileName)
	if err != nil {
		return nil, err
	}
	err = ReadEnv(cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func ParseConfigFile(cfg *Config, fileName string) error {
	content, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("error opening config file: %w", err)
	}

	_, err = toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func ReadEnv(cfg interface{}) error {
	err := envconfig.Process("", cfg)
	if err != nil {
		return fmt.Errorf("error reading env config: %w", err)
	}
	return nil
}

func (c Config) LoggerConfig() LoggerConfig {
	return c.Logger
}
