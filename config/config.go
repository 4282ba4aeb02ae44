package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the recall service.
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Memory        MemoryConfig        `mapstructure:"memory"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Router        RouterConfig        `mapstructure:"router"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains the ops HTTP endpoint settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig groups the backing stores for the three tiers.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// PostgresConfig describes the warm-tier database connection.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig describes the hot-tier connection, also used for the
// consolidation lease.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	return nil
}

// ArchiveConfig describes the cold-tier file archive.
type ArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

func (a ArchiveConfig) Validate() error {
	if strings.TrimSpace(a.Dir) == "" {
		return fmt.Errorf("storage.archive.dir required")
	}
	return nil
}

// EmbeddingConfig selects the embedding provider used by the warm tier.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (e EmbeddingConfig) Validate() error {
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("embedding.model required")
	}
	if e.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0")
	}
	return nil
}

// MemoryConfig tunes the hot-tier trace buffer.
type MemoryConfig struct {
	HotTTL time.Duration `mapstructure:"hot_ttl"`
}

// ConsolidationConfig tunes the five-phase maintenance pipeline and its
// schedule.
type ConsolidationConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	RunHourUTC      int           `mapstructure:"run_hour_utc"`
	MergeSimilarity float64       `mapstructure:"merge_similarity"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	DecayAmount     float64       `mapstructure:"decay_amount"`
	DecayBatch      int           `mapstructure:"decay_batch"`
	PruneMaxUtility float64       `mapstructure:"prune_max_utility"`
	PruneBatch      int           `mapstructure:"prune_batch"`
	PruneGrace      time.Duration `mapstructure:"prune_grace"`
	LockKey         string        `mapstructure:"lock_key"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

// Normalize fills unset consolidation knobs with their defaults.
func (c ConsolidationConfig) Normalize() ConsolidationConfig {
	if c.Schedule == "" {
		hour := c.RunHourUTC
		if hour < 0 || hour > 23 {
			hour = 3
		}
		c.Schedule = fmt.Sprintf("0 %d * * *", hour)
	}
	if c.MergeSimilarity <= 0 {
		c.MergeSimilarity = 0.92
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * 24 * time.Hour
	}
	if c.DecayAmount <= 0 {
		c.DecayAmount = 0.1
	}
	if c.DecayBatch <= 0 {
		c.DecayBatch = 200
	}
	if c.PruneMaxUtility <= 0 {
		c.PruneMaxUtility = 0.1
	}
	if c.PruneBatch <= 0 {
		c.PruneBatch = 100
	}
	if c.PruneGrace <= 0 {
		c.PruneGrace = 7 * 24 * time.Hour
	}
	if c.LockKey == "" {
		c.LockKey = "consolidation-running"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	return c
}

// RouterConfig seeds the task routing registry.
type RouterConfig struct {
	DefaultAgent     string            `mapstructure:"default_agent"`
	Table            map[string]string `mapstructure:"table"`
	Keywords         map[string]string `mapstructure:"keywords"`
	ContextThreshold float64           `mapstructure:"context_threshold"`
}

// LoadConfig loads config from file and RECALL_* environment variables.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("memory.hot_ttl", "1h")
	viper.SetDefault("embedding.provider", "openai")
	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dimensions", 1536)
	viper.SetDefault("embedding.timeout", "30s")
	viper.SetDefault("consolidation.run_hour_utc", 3)
	viper.SetDefault("router.default_agent", "GENERAL")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RECALL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Consolidation = config.Consolidation.Normalize()

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Archive.Validate(); err != nil {
		panic(err)
	}
	if err := config.Embedding.Validate(); err != nil {
		panic(err)
	}
	return &config
}
