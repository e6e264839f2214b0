// Package config handles Marlow configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/marlow/config.yaml, /etc/marlow/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "marlow", "config.yaml"))
	}

	paths = append(paths, "/etc/marlow/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Marlow configuration.
type Config struct {
	Listen      ListenConfig     `yaml:"listen"`
	Models      ModelsConfig     `yaml:"models"`
	OpenAI      OpenAIConfig     `yaml:"openai"`
	Embeddings  EmbeddingsConfig `yaml:"embeddings"`
	Search      SearchConfig     `yaml:"search"`
	Agent       AgentConfig      `yaml:"agent"`
	Workspace   WorkspaceConfig  `yaml:"workspace"`
	DataDir     string           `yaml:"data_dir"`
	PersonaFile string           `yaml:"persona_file"`
	LogLevel    string           `yaml:"log_level"`
}

// ListenConfig defines the gateway server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OpenAIConfig defines OpenAI-compatible API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Default: https://api.openai.com/v1
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	// Default is the main conversational model.
	Default string `yaml:"default"`
	// Utility is the small model used for compression, sufficiency
	// checks, and experience extraction. Empty disables the oracle.
	Utility   string        `yaml:"utility"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's provider binding.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, openai
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// SearchConfig defines web search provider settings.
type SearchConfig struct {
	// SearXNGURL points at a SearXNG instance. Preferred when set.
	SearXNGURL string `yaml:"searxng_url"`
	// BraveAPIKey enables the Brave search fallback.
	BraveAPIKey string `yaml:"brave_api_key"`
}

// AgentConfig tunes the control loop and memory behavior.
type AgentConfig struct {
	// MaxIterations bounds the tool loop per turn (default 25).
	MaxIterations int `yaml:"max_iterations"`
	// MemoryWindow is the number of messages kept in a session before
	// consolidation kicks in (default 40).
	MemoryWindow int `yaml:"memory_window"`
	// OracleMode selects which model backs the oracle: "utility",
	// "main", or "none" (deterministic fallbacks).
	OracleMode string `yaml:"oracle_mode"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// All file tool paths are relative to this directory.
	// If empty, file tools are disabled.
	Path string `yaml:"path"`
	// ReadOnlyDirs are additional directories the agent can read but not write.
	ReadOnlyDirs []string `yaml:"read_only_dirs"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "qwen3:8b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{
					Name:          "qwen3:8b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 32768,
				},
			},
		},
		Agent: AgentConfig{
			MaxIterations: 25,
			MemoryWindow:  40,
			OracleMode:    "utility",
		},
	}
}
