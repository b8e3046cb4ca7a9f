// Package config loads service configuration from a YAML file with
// environment overrides.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ModelConfig describes one chat backend. API keys are never stored in the
// config file; only the name of the environment variable holding them is.
type ModelConfig struct {
	APIKeyEnv    string `mapstructure:"api_key_env"`
	BaseURL      string `mapstructure:"base_url"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

func (m ModelConfig) APIKey() string {
	return os.Getenv(m.APIKeyEnv)
}

type EmbeddingsConfig struct {
	APIKeyEnv  string `mapstructure:"api_key_env"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
}

func (e EmbeddingsConfig) APIKey() string {
	return os.Getenv(e.APIKeyEnv)
}

type SummarizerConfig struct {
	APIKeyEnv string `mapstructure:"api_key_env"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
}

func (s SummarizerConfig) APIKey() string {
	return os.Getenv(s.APIKeyEnv)
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type IndexConfig struct {
	ChunkSize    int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`
}

type Config struct {
	UserID     string                 `mapstructure:"user_id"`
	Server     ServerConfig           `mapstructure:"server"`
	Store      StoreConfig            `mapstructure:"store"`
	Index      IndexConfig            `mapstructure:"index"`
	Embeddings EmbeddingsConfig       `mapstructure:"embeddings"`
	Summarizer SummarizerConfig       `mapstructure:"summarizer"`
	Models     map[string]ModelConfig `mapstructure:"models"`
}

// Load reads the config file at path (optional; defaults apply when empty)
// and applies RICORDO_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("user_id", "default")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("store.dsn", "data/ricordo.db")
	v.SetDefault("index.chunk_size", 512)
	v.SetDefault("index.chunk_overlap", 50)
	v.SetDefault("embeddings.dimensions", 1024)
	v.SetDefault("embeddings.batch_size", 10)

	v.SetEnvPrefix("RICORDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Models) == 0 {
		return errors.New("config: at least one model must be configured")
	}
	for name, m := range c.Models {
		if m.Model == "" {
			return errors.Errorf("config: model %s is missing its upstream model id", name)
		}
	}
	if c.Embeddings.Model == "" {
		return errors.New("config: embeddings model must be configured")
	}
	if c.Embeddings.Dimensions <= 0 {
		return errors.New("config: embeddings dimensions must be positive")
	}
	if c.Summarizer.Model == "" {
		return errors.New("config: summarizer model must be configured")
	}
	return nil
}
