package infra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SecretConfig matches the structure of secrets/<env>.yaml
type SecretConfig struct {
	API struct {
		Bybit struct {
			APIKey    string `yaml:"api_key"`
			APISecret string `yaml:"api_secret"`
		} `yaml:"bybit"`
	} `yaml:"api"`
}

// LoadSecretConfig loads API keys from a separate yaml file.
// It returns error if file is missing (Fail Fast).
func LoadSecretConfig(path string) (*SecretConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret config: %w", err)
	}

	var cfg SecretConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse secret config: %w", err)
	}
	if cfg.API.Bybit.APIKey == "" || cfg.API.Bybit.APISecret == "" {
		return nil, fmt.Errorf("secret config %s: api_key and api_secret are required", path)
	}

	return &cfg, nil
}

// Apply copies credentials into cfg unless the environment already set them.
func (s *SecretConfig) Apply(cfg *Config) {
	if os.Getenv("BYBIT_API_KEY") == "" {
		cfg.API.Bybit.APIKey = s.API.Bybit.APIKey
	}
	if os.Getenv("BYBIT_API_SECRET") == "" {
		cfg.API.Bybit.APISecret = s.API.Bybit.APISecret
	}
}
