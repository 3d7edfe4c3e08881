// Package config loads runtime configuration for all skynav processes.
//
// Configuration comes from the environment (optionally seeded from
// .env.local / .env files), with an optional YAML overlay for anything
// the environment doesn't cover.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for the ReAct loop and retrieval pipeline.
const (
	DefaultMaxIterations    = 3
	DefaultMaxRagRetries    = 2
	DefaultMaxHistoryLength = 10
	DefaultTopK             = 5
	DefaultThreshold        = 0.5
	DefaultMissingThreshold = 0.4
)

// Gemini holds model and embedding settings.
type Gemini struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// Vector holds similarity-store settings. Exactly one backend is active:
// DatabaseURL selects Postgres, SupabaseURL selects the PostgREST RPC,
// neither selects the embedded in-memory store.
type Vector struct {
	SupabaseURL    string `yaml:"supabase_url"`
	ServiceRoleKey string `yaml:"service_role_key"`
	DatabaseURL    string `yaml:"database_url"`
}

// MCP holds the drone tool endpoint settings.
type MCP struct {
	ServerPath     string        `yaml:"server_path"`
	ServerArgs     []string      `yaml:"server_args"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	MissionTimeout time.Duration `yaml:"mission_timeout"`
}

// Ports holds the listen port for each agent and the web API.
type Ports struct {
	Orchestrator int `yaml:"orchestrator"`
	Planner      int `yaml:"planner"`
	Retriever    int `yaml:"retriever"`
	Executor     int `yaml:"executor"`
	WebAPI       int `yaml:"web_api"`
}

// Loop holds the orchestrator budgets.
type Loop struct {
	MaxIterations    int `yaml:"max_iterations"`
	MaxRagRetries    int `yaml:"max_rag_retries"`
	MaxHistoryLength int `yaml:"max_history_length"`
}

// Retrieval holds the retriever defaults.
type Retrieval struct {
	TopK             int     `yaml:"top_k"`
	Threshold        float64 `yaml:"threshold"`
	MissingThreshold float64 `yaml:"missing_threshold"`
}

// Config is the root configuration shared by every command.
type Config struct {
	Gemini     Gemini        `yaml:"gemini"`
	Vector     Vector        `yaml:"vector"`
	MCP        MCP           `yaml:"mcp"`
	Ports      Ports         `yaml:"ports"`
	Loop       Loop          `yaml:"loop"`
	Retrieval  Retrieval     `yaml:"retrieval"`
	A2ATimeout time.Duration `yaml:"a2a_timeout"`
	Debug      bool          `yaml:"debug"`
}

// LoadEnvFiles loads .env.local then .env if present. Missing files are
// not an error.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

// FromEnv builds a Config from the environment with defaults applied.
func FromEnv() *Config {
	missionMs := envInt("MCP_MISSION_TIMEOUT_MS", 1_800_000)

	return &Config{
		Gemini: Gemini{
			APIKey:         os.Getenv("GEMINI_API_KEY"),
			Model:          envString("GEMINI_MODEL", "gemini-2.5-flash"),
			EmbeddingModel: envString("GEMINI_EMBEDDING_MODEL", "gemini-embedding-001"),
		},
		Vector: Vector{
			SupabaseURL:    os.Getenv("SUPABASE_URL"),
			ServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
			DatabaseURL:    os.Getenv("DATABASE_URL"),
		},
		MCP: MCP{
			ServerPath:     os.Getenv("MCP_SERVER_PATH"),
			ToolTimeout:    30 * time.Second,
			MissionTimeout: time.Duration(missionMs) * time.Millisecond,
		},
		Ports: Ports{
			Orchestrator: envInt("A2A_ORCHESTRATOR_PORT", 9000),
			Planner:      envInt("A2A_PLANNER_PORT", 9001),
			Retriever:    envInt("A2A_RAG_PORT", 9002),
			Executor:     envInt("A2A_EXECUTOR_PORT", 9003),
			WebAPI:       envInt("WEB_API_PORT", 3000),
		},
		Loop: Loop{
			MaxIterations:    DefaultMaxIterations,
			MaxRagRetries:    DefaultMaxRagRetries,
			MaxHistoryLength: DefaultMaxHistoryLength,
		},
		Retrieval: Retrieval{
			TopK:             DefaultTopK,
			Threshold:        DefaultThreshold,
			MissingThreshold: DefaultMissingThreshold,
		},
		A2ATimeout: 120 * time.Second,
		Debug:      envBool("DEBUG"),
	}
}

// Load builds configuration from the environment and, when path is
// non-empty, applies a YAML overlay on top.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := FromEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be >= 1, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.MaxRagRetries < 0 {
		return fmt.Errorf("loop.max_rag_retries must be >= 0, got %d", c.Loop.MaxRagRetries)
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("retrieval.threshold must be in [0,1], got %v", c.Retrieval.Threshold)
	}
	if c.Vector.SupabaseURL != "" && c.Vector.ServiceRoleKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required when SUPABASE_URL is set")
	}
	return nil
}

// AgentURL returns the base URL for an agent listening on the given port.
func AgentURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}
