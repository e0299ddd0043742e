// Package config handles loading and validating the clawgate configuration.
// Config is stored at ~/.clawgate/clawgate.json (JSON with comments allowed).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the top-level clawgate configuration.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Node    NodeConfig    `json:"node"`
	Log     LogConfig     `json:"log"`
	Audit   AuditConfig   `json:"audit"`
}

// GatewayConfig configures the gateway server.
type GatewayConfig struct {
	Port               int         `json:"port"`
	Bind               string      `json:"bind"` // "loopback" or "all"
	Auth               GatewayAuth `json:"auth"`
	HandshakeTimeoutMs int         `json:"handshakeTimeoutMs"`
	MaxPayloadBytes    int         `json:"maxPayloadBytes"`
	MaxBufferedBytes   int         `json:"maxBufferedBytes"`
	TickIntervalMs     int         `json:"tickIntervalMs"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode           string `json:"mode"` // "token", "password", "none"
	Token          string `json:"token"`
	Password       string `json:"password"`
	AllowTailscale bool   `json:"allowTailscale"`
}

// NodeConfig configures the node bridge.
type NodeConfig struct {
	InvokeTimeoutMs int            `json:"invokeTimeoutMs"`
	PairRate        PairRateConfig `json:"pairRate"`
	TrustDir        string         `json:"trustDir"` // default ~/.clawgate/state
}

// PairRateConfig bounds unauthenticated node.pair.request traffic per peer.
type PairRateConfig struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"windowSeconds"`
}

// AuditConfig configures the operation audit trail.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Dir        string `json:"dir"` // default ~/.clawgate/state
	MaxAgeDays int    `json:"maxAgeDays"`
	MaxRecords int    `json:"maxRecords"`
}

// LogConfig configures the rotating file logger.
type LogConfig struct {
	Dir           string `json:"dir"`
	Level         string `json:"level"` // "debug", "info", "warn", "error"
	MaxAgeDays    int    `json:"maxAgeDays"`
	MaxSizeMB     int    `json:"maxSizeMB"`
	StderrEnabled bool   `json:"stderrEnabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port: 18789,
			Bind: "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
			HandshakeTimeoutMs: 10_000,
			MaxPayloadBytes:    1 << 20,
			MaxBufferedBytes:   256 << 10,
			TickIntervalMs:     30_000,
		},
		Node: NodeConfig{
			InvokeTimeoutMs: 30_000,
			PairRate: PairRateConfig{
				Limit:         5,
				WindowSeconds: 60,
			},
		},
		Audit: AuditConfig{
			Enabled:    true,
			MaxAgeDays: 90,
			MaxRecords: 100000,
		},
		Log: LogConfig{
			Level:         "info",
			MaxAgeDays:    30,
			MaxSizeMB:     50,
			StderrEnabled: true,
		},
	}
}

// ConfigDir returns the clawgate config directory (~/.clawgate).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawgate"
	}
	return filepath.Join(home, ".clawgate")
}

// ConfigPath returns the path to the main config file.
func ConfigPath() string {
	if envPath := os.Getenv("CLAWGATE_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(ConfigDir(), "clawgate.json")
}

// Load reads and parses the config from disk.
// If the config file doesn't exist, it returns defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := ConfigPath()
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	clean := preprocessJSONLike(string(data))
	if err := json.Unmarshal([]byte(clean), cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg *Config) error {
	path := ConfigPath()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides merges environment variables into configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWGATE_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
	}
	if v := os.Getenv("CLAWGATE_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Gateway.Port = port
		}
	}
}

// preprocessJSONLike strips /* */ and // comments plus trailing commas so
// hand-edited config files survive json.Unmarshal.
func preprocessJSONLike(input string) string {
	s := input
	for {
		start := strings.Index(s, "/*")
		if start < 0 {
			break
		}
		end := strings.Index(s[start+2:], "*/")
		if end < 0 {
			s = s[:start]
			break
		}
		end += start + 2
		s = s[:start] + s[end+2:]
	}

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		inString := false
		escape := false
		for j := 0; j < len(line)-1; j++ {
			ch := line[j]
			if ch == '\\' && inString {
				escape = !escape
				continue
			}
			if ch == '"' && !escape {
				inString = !inString
			}
			escape = false
			if !inString && ch == '/' && line[j+1] == '/' {
				line = line[:j]
				break
			}
		}
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = strings.ReplaceAll(s, ",}", "}")
	s = strings.ReplaceAll(s, ",]", "]")
	return s
}
