// Package config loads node configuration: defaults, then a YAML file if
// one exists, then environment overrides on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string    `yaml:"logLevel" env:"SOUMA_LOG_LEVEL"`
	DataDir  string    `yaml:"dataDir" env:"SOUMA_DATA_DIR"`
	Node     Node      `yaml:"node" envPrefix:"SOUMA_NODE_"`
	API      API       `yaml:"api" envPrefix:"SOUMA_API_"`
	Glia     Glia      `yaml:"glia" envPrefix:"SOUMA_GLIA_"`
	Database Database  `yaml:"database" envPrefix:"SOUMA_DATABASE_"`
	Blob     Blob      `yaml:"blob" envPrefix:"SOUMA_BLOB_"`
	Keyring  KeyConfig `yaml:"keyring" envPrefix:"SOUMA_KEYRING_"`
}

type Node struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

// API is the local-only status server.
type API struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// Glia configures the directory client.
type Glia struct {
	URL             string        `yaml:"url" env:"URL"`
	PollInterval    time.Duration `yaml:"pollInterval" env:"POLL_INTERVAL"`
	KeepAliveWindow time.Duration `yaml:"keepAliveWindow" env:"KEEPALIVE_WINDOW"`
	RelayRPS        float64       `yaml:"relayRps" env:"RELAY_RPS"`
	RelayBurst      int           `yaml:"relayBurst" env:"RELAY_BURST"`
}

// Database selects object persistence. With an empty DSN everything stays
// in memory.
type Database struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

// Blob configures picture planet content storage. Disabled when the
// endpoint is empty.
type Blob struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"accessKey" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secretKey" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	UseTLS    bool   `yaml:"useTls" env:"USE_TLS"`
}

type KeyConfig struct {
	SeedFile   string `yaml:"seedFile" env:"SEED_FILE"`
	Passphrase string `yaml:"passphrase" env:"PASSPHRASE"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		DataDir:  "data",
		Node:     Node{Host: "127.0.0.1", Port: 5000},
		API:      API{Addr: "127.0.0.1:5001"},
		Glia: Glia{
			URL:             "https://glia.souma.net",
			PollInterval:    2 * time.Second,
			KeepAliveWindow: 30 * time.Second,
			RelayRPS:        5,
			RelayBurst:      10,
		},
		Blob:    Blob{Bucket: "souma-planets"},
		Keyring: KeyConfig{SeedFile: "data/keyring.enc"},
	}
}

// Load reads the YAML file at path (missing files are fine) and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
