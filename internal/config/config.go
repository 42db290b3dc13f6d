// Package config handles sharme configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Default gateway lists. Overridable via config.json or environment.
var (
	DefaultGraphQLGateways = []string{
		"https://arweave.net/graphql",
		"https://arweave-search.goldsky.com/graphql",
	}
	DefaultDataGateways = []string{
		"https://arweave.net",
		"https://ar-io.net",
	}
)

// Config holds all configuration.
type Config struct {
	// HomeDir is $SHARME_HOME: the root of the on-disk layout
	// ({db,salt,identity.enc,shards/}).
	HomeDir string `json:"home_dir"`

	// Gateways for the archive.
	Gateways GatewayConfig `json:"gateways"`

	// Testnet routes uploads to the testnet bundler.
	Testnet bool `json:"testnet"`

	// Server for the local status surface.
	Server ServerConfig `json:"server"`
}

// GatewayConfig holds ordered endpoint lists for GraphQL queries and
// raw data downloads. Earlier entries are tried first.
type GatewayConfig struct {
	GraphQL []string `json:"graphql"`
	Data    []string `json:"data"`
}

// ServerConfig for the local status HTTP server.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Default returns default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		HomeDir: filepath.Join(home, ".sharme"),
		Gateways: GatewayConfig{
			GraphQL: append([]string(nil), DefaultGraphQLGateways...),
			Data:    append([]string(nil), DefaultDataGateways...),
		},
		Testnet: false,
		Server: ServerConfig{
			Host: "localhost",
			Port: 8787,
		},
	}
}

// Load loads config from $SHARME_HOME/config.json, falling back to
// defaults, then applies environment overrides. Environment always wins
// over the file.
func Load() (*Config, error) {
	cfg := Default()

	if home := os.Getenv("SHARME_HOME"); home != "" {
		cfg.HomeDir = home
	}

	path := filepath.Join(cfg.HomeDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// Use defaults
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// SHARME_HOME beats the file's home_dir too.
	if home := os.Getenv("SHARME_HOME"); home != "" {
		cfg.HomeDir = home
	}
	if gqls := splitEndpoints(os.Getenv("SHARME_ARWEAVE_GQLS")); len(gqls) > 0 {
		cfg.Gateways.GraphQL = gqls
	}
	if datas := splitEndpoints(os.Getenv("SHARME_ARWEAVE_DATAS")); len(datas) > 0 {
		cfg.Gateways.Data = datas
	}
	if os.Getenv("SHARME_TESTNET") == "true" {
		cfg.Testnet = true
	}

	if len(cfg.Gateways.GraphQL) == 0 {
		cfg.Gateways.GraphQL = append([]string(nil), DefaultGraphQLGateways...)
	}
	if len(cfg.Gateways.Data) == 0 {
		cfg.Gateways.Data = append([]string(nil), DefaultDataGateways...)
	}

	return cfg, nil
}

// splitEndpoints parses a comma-separated endpoint list, trimming
// whitespace and trailing slashes. Empty entries are dropped; an empty
// input yields nil (caller falls back to defaults).
func splitEndpoints(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimRight(part, "/")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Save saves config to $SHARME_HOME/config.json. The file never holds
// key material; secrets live in salt/identity.enc.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(c.HomeDir, "config.json"), data, 0600)
}

// DBPath returns the SQLite database path under HomeDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.HomeDir, "db")
}
