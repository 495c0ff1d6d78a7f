package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	DefaultHTTPAddr  = ":5000"
	DefaultStoreNode = "localhost:6379"
)

// StoreConfig describes the shared store connection.
type StoreConfig struct {
	Nodes []string // host:port list; one entry degrades to single-node mode
	InMem bool     // use the in-process store (single-node runs, tests)
}

// HTTPConfig describes the node's HTTP listener.
type HTTPConfig struct {
	Addr string
}

// Config is the main node configuration. Environment variables take
// precedence over the config file; flags on the daemon override both.
type Config struct {
	NodeID   string
	RoleHint string // initial role hint; overridden once elections run
	Store    StoreConfig
	HTTP     HTTPConfig
	LogDir   string
	LogLevel string
}

// FromEnv builds a config from the recognised environment variables,
// falling back to config.json when present and to defaults otherwise.
func FromEnv() *Config {
	cfg := &Config{
		NodeID:   "node1",
		RoleHint: "follower",
		Store:    StoreConfig{Nodes: []string{DefaultStoreNode}},
		HTTP:     HTTPConfig{Addr: DefaultHTTPAddr},
		LogLevel: "info",
	}
	if fileCfg, err := ReadConfig("config.json"); err == nil {
		cfg = fileCfg
	}

	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("NODE_ROLE"); v != "" {
		cfg.RoleHint = strings.ToLower(v)
	}
	if v := os.Getenv("SHARED_STORE_NODES"); v != "" {
		cfg.Store.Nodes = splitNodes(v)
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("STORE_IN_MEM"); v != "" {
		cfg.Store.InMem = v == "1" || strings.EqualFold(v, "true")
	}
	return cfg
}

func splitNodes(s string) []string {
	var nodes []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			nodes = append(nodes, part)
		}
	}
	if len(nodes) == 0 {
		nodes = []string{DefaultStoreNode}
	}
	return nodes
}

// Validate rejects configurations the node cannot start with.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("config: NODE_ID must not be empty")
	}
	if cfg.RoleHint != "leader" && cfg.RoleHint != "follower" {
		return fmt.Errorf("config: NODE_ROLE must be leader or follower, got %q", cfg.RoleHint)
	}
	if !cfg.Store.InMem && len(cfg.Store.Nodes) == 0 {
		return fmt.Errorf("config: SHARED_STORE_NODES must not be empty")
	}
	return nil
}

// WriteConfigToFile persists the configuration for the next run.
func (cfg *Config) WriteConfigToFile(path string) error {
	fileData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, fileData, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ReadConfig loads a configuration file.
func ReadConfig(filePath string) (*Config, error) {
	fileData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config from file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(fileData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
