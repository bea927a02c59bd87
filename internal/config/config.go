// Package config loads clubchat configuration: defaults, then a TOML
// file, then environment overrides (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM          LLMConfig          `toml:"llm"`
	Servers      ServersConfig      `toml:"servers"`
	Knowledge    KnowledgeConfig    `toml:"knowledge"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Threads      ThreadsConfig      `toml:"threads"`
	Observer     ObserverConfig     `toml:"observer"`
}

type LLMConfig struct {
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	APIKey      string  `toml:"api_key"`
}

// ServersConfig enables tool servers and names the commands that run
// them. Every enabled server gets exactly one canonical id; aliases are
// resolved here, never downstream.
type ServersConfig struct {
	EnableGmail    bool   `toml:"enable_gmail"`
	EnableDrive    bool   `toml:"enable_drive"`
	EnableCalendar bool   `toml:"enable_calendar"`
	EnableRag      bool   `toml:"enable_rag"`
	EnableWeb      bool   `toml:"enable_web"`
	EnableGithub   bool   `toml:"enable_github"`
	CommandDir     string `toml:"command_dir"`
}

type KnowledgeConfig struct {
	ChunkSize    int    `toml:"chunk_size"`
	ChunkOverlap int    `toml:"chunk_overlap"`
	EmbeddingDim int    `toml:"embedding_dim"`
	IndexDir     string `toml:"index_dir"`
	ClubIndexDir string `toml:"club_index_dir"`
	MetaDir      string `toml:"meta_dir"`
	GraphConn    string `toml:"graph_conn"`
}

type OrchestratorConfig struct {
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"`
	ToolDeadlineSeconds   int     `toml:"tool_deadline_seconds"`
	ConfidenceThreshold   float64 `toml:"confidence_threshold"`
	MaxIterations         int     `toml:"max_iterations"`
}

type ThreadsConfig struct {
	// DBPath switches the thread store to the durable SQLite backend.
	// Empty keeps the in-memory store.
	DBPath string `toml:"db_path"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Service  string `toml:"service"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider:    "groq",
			Model:       "llama-3.3-70b-versatile",
			Temperature: 0.1,
			MaxTokens:   2048,
		},
		Servers: ServersConfig{
			EnableRag: true,
			EnableWeb: true,
		},
		Knowledge: KnowledgeConfig{
			ChunkSize:    500,
			ChunkOverlap: 50,
			EmbeddingDim: 384,
			IndexDir:     "data/index",
			ClubIndexDir: "data/club_index",
			MetaDir:      "data/ingest_meta",
		},
		Orchestrator: OrchestratorConfig{
			RequestTimeoutSeconds: 120,
			ToolDeadlineSeconds:   30,
			ConfidenceThreshold:   0.6,
			MaxIterations:         2,
		},
		Observer: ObserverConfig{
			Endpoint: "localhost:4318",
			Service:  "clubchat",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "clubchat.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("CLUBCHAT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("GROQ_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CLUBCHAT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CLUBCHAT_GRAPH_CONN"); v != "" {
		cfg.Knowledge.GraphConn = v
	}
	if v := os.Getenv("CLUBCHAT_INDEX_DIR"); v != "" {
		cfg.Knowledge.IndexDir = v
	}
	if v := os.Getenv("CLUBCHAT_THREADS_DB"); v != "" {
		cfg.Threads.DBPath = v
	}
	if v := os.Getenv("CLUBCHAT_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("CLUBCHAT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxIterations = n
		}
	}

	return cfg, nil
}

// RequestTimeout returns the request-level deadline as a duration.
func (c OrchestratorConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ToolDeadline returns the per-tool-call deadline as a duration.
func (c OrchestratorConfig) ToolDeadline() time.Duration {
	return time.Duration(c.ToolDeadlineSeconds) * time.Second
}
