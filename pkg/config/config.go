package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Model     ModelConfig     `koanf:"model"`
	Engine    EngineConfig    `koanf:"engine"`
	Approval  ApprovalConfig  `koanf:"approval"`
	Policy    PolicyConfig    `koanf:"policy"`
	Store     StoreConfig     `koanf:"store"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Registry  RegistryConfig  `koanf:"registry"`
	MCP       MCPConfig       `koanf:"mcp"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type ModelConfig struct {
	Provider string `koanf:"provider"` // ollama, scripted, mock
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   string `koanf:"api_key"`
}

// EngineConfig holds the execution budgets. All of them are hard ceilings.
type EngineConfig struct {
	MaxSteps             int    `koanf:"max_steps"`
	MaxPlanAttempts      int    `koanf:"max_plan_attempts"`
	DenyBehavior         string `koanf:"deny_behavior"` // replan, fail
	SourceTimeoutSeconds int    `koanf:"source_timeout_seconds"`
}

// SourceTimeout returns the per-source fetch deadline for retrieval fan-out.
func (e EngineConfig) SourceTimeout() time.Duration {
	if e.SourceTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.SourceTimeoutSeconds) * time.Second
}

type ApprovalConfig struct {
	TTLSeconds           int `koanf:"ttl_seconds"`
	SweepIntervalSeconds int `koanf:"sweep_interval_seconds"`
}

// TTL returns how long a pending approval stays answerable.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(a.TTLSeconds) * time.Second
}

// SweepInterval returns how often the sweeper scans for expired approvals.
func (a ApprovalConfig) SweepInterval() time.Duration {
	if a.SweepIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(a.SweepIntervalSeconds) * time.Second
}

// PolicyConfig declares dispatch rules: glob patterns over capability
// names with allow/deny/require_approval effects, first match wins.
type PolicyConfig struct {
	Default string             `koanf:"default"`
	Rules   []PolicyRuleConfig `koanf:"rules"`
}

type PolicyRuleConfig struct {
	Pattern string `koanf:"pattern"`
	Effect  string `koanf:"effect"`
	Reason  string `koanf:"reason"`
}

type StoreConfig struct {
	Backend string `koanf:"backend"` // memory, sqlite
	Path    string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled            bool   `koanf:"enabled"`
	Exporter           string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
}

type RegistryConfig struct {
	Manifest string `koanf:"manifest"`
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `koanf:"servers"`
}

type MCPServerConfig struct {
	Transport string   `koanf:"transport"` // stdio, http
	URL       string   `koanf:"url"`
	Command   string   `koanf:"command"`
	Args      []string `koanf:"args"`
}

// Load reads configuration from defaults, an optional YAML file, and
// PRAXIS_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (PRAXIS_MODEL_PROVIDER -> model.provider)
	if err := loadEnv(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWithProfile loads the base config plus a profile overlay
// (config.yaml + config.<profile>.yaml) when the overlay exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if overlay := profileConfigPath(path, profile); overlay != "" {
		if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := loadEnv(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWithCLI loads configuration driven by CLI arguments:
// --config <path>, --profile/--env <name>, and repeated --set key=value
// overrides applied last.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	setDefaults(k)

	if opts.ConfigPath != "" {
		if err := k.Load(file.Provider(opts.ConfigPath), yaml.Parser()); err != nil {
			return nil, err
		}
	}
	if overlay := profileConfigPath(opts.ConfigPath, opts.Profile); overlay != "" {
		if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := loadEnv(k); err != nil {
		return nil, err
	}

	for key, value := range opts.Sets {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

type cliOverrides struct {
	ConfigPath string
	Profile    string
	Sets       map[string]any
}

func parseCLIOverrides(args []string) (cliOverrides, error) {
	opts := cliOverrides{Sets: make(map[string]any)}

	consume := func(i int, flag string) (string, int, error) {
		arg := args[i]
		if eq := strings.IndexByte(arg, '='); eq >= 0 {
			return arg[eq+1:], i, nil
		}
		if i+1 >= len(args) {
			return "", i, fmt.Errorf("flag %s requires a value", flag)
		}
		return args[i+1], i + 1, nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || strings.HasPrefix(arg, "--config="):
			value, next, err := consume(i, "--config")
			if err != nil {
				return opts, err
			}
			opts.ConfigPath = value
			i = next
		case arg == "--profile" || strings.HasPrefix(arg, "--profile="),
			arg == "--env" || strings.HasPrefix(arg, "--env="):
			value, next, err := consume(i, "--profile")
			if err != nil {
				return opts, err
			}
			opts.Profile = value
			i = next
		case arg == "--set" || strings.HasPrefix(arg, "--set="):
			value, next, err := consume(i, "--set")
			if err != nil {
				return opts, err
			}
			key, parsed, err := parseSet(value)
			if err != nil {
				return opts, err
			}
			opts.Sets[key] = parsed
			i = next
		}
	}

	return opts, nil
}

// parseSet splits a key=value override. Values that look like JSON decode
// into structured values so nested sections (mcp.servers) can be set inline.
func parseSet(raw string) (string, any, error) {
	eq := strings.IndexByte(raw, '=')
	if eq <= 0 {
		return "", nil, fmt.Errorf("invalid --set %q, expected key=value", raw)
	}
	key := raw[:eq]
	value := raw[eq+1:]

	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return key, parsed, nil
		}
	}
	return key, value, nil
}

// profileConfigPath returns the profile overlay path next to the base config
// (config.yaml + "dev" -> config.dev.yaml) when that file exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	dir := filepath.Dir(base)
	ext := filepath.Ext(base)
	name := filepath.Base(base)
	name = name[:len(name)-len(ext)]

	overlay := filepath.Join(dir, name+"."+profile+ext)
	if _, err := os.Stat(overlay); err != nil {
		return ""
	}
	return overlay
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("model.provider", "ollama")
	k.Set("model.model", "llama3.2")
	k.Set("model.base_url", "http://localhost:11434")

	k.Set("engine.max_steps", 32)
	k.Set("engine.max_plan_attempts", 3)
	k.Set("engine.deny_behavior", "replan")
	k.Set("engine.source_timeout_seconds", 10)

	k.Set("approval.ttl_seconds", 86400)
	k.Set("approval.sweep_interval_seconds", 60)

	k.Set("policy.default", "allow")

	k.Set("store.backend", "memory")
	k.Set("store.path", "praxis.db")

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
}

func loadEnv(k *koanf.Koanf) error {
	// PRAXIS_MODEL_PROVIDER -> model.provider
	return k.Load(env.Provider("PRAXIS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "PRAXIS_")), "_", ".", -1)
	}), nil)
}
