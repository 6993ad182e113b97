package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/companionkit/companiond/internal/consts"
)

// LLMConfig holds configuration for the text-generation collaborator.
type LLMConfig struct {
	Provider     string  `json:"provider"` // "openai" or "anthropic"
	Model        string  `json:"model,omitempty"`
	APIKey       string  `json:"api_key,omitempty"`
	BaseURL      string  `json:"base_url,omitempty"` // OpenAI-compatible endpoints only
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// MemoryConfig holds configuration for the long-term memory collaborator.
// An empty RedisAddr disables long-term memory.
type MemoryConfig struct {
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	MaxFacts      int    `json:"max_facts,omitempty"` // facts retained per user
}

// SpeechConfig holds configuration for speech synthesis and recognition.
// An empty APIKey disables both.
type SpeechConfig struct {
	APIKey    string `json:"api_key,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	TTSModel  string `json:"tts_model,omitempty"`
	ASRModel  string `json:"asr_model,omitempty"`
	VoiceZH   string `json:"voice_zh,omitempty"`
	VoiceEN   string `json:"voice_en,omitempty"`
	DisableTTS bool  `json:"disable_tts,omitempty"`
	DisableASR bool  `json:"disable_asr,omitempty"`
}

// Config is the root configuration for companiond.
type Config struct {
	ListenAddr   string       `json:"listen_addr"`
	DatabasePath string       `json:"database_path"`
	LogLevel     string       `json:"log_level,omitempty"`
	LogPath      string       `json:"log_path,omitempty"`
	LLM          LLMConfig    `json:"llm"`
	Memory       MemoryConfig `json:"memory,omitempty"`
	Speech       SpeechConfig `json:"speech,omitempty"`

	// Collaborator call bounds. Zero means the default.
	GenerationTimeoutSeconds int `json:"generation_timeout_seconds,omitempty"`
	BackgroundTimeoutSeconds int `json:"background_timeout_seconds,omitempty"`
	SpeechTimeoutSeconds     int `json:"speech_timeout_seconds,omitempty"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   "localhost:8000",
		DatabasePath: filepath.Join(defaultStateDir(), "companiond.db"),
		LogLevel:     "info",
		LLM: LLMConfig{
			Provider:    "openai",
			MaxTokens:   consts.DefaultMaxTokens,
			Temperature: 1.0,
		},
		Memory: MemoryConfig{
			MaxFacts: 200,
		},
		Speech: SpeechConfig{
			TTSModel: "tts-1",
			ASRModel: "whisper-1",
			VoiceZH:  "nova",
			VoiceEN:  "alloy",
		},
	}
}

// Load reads the configuration file at path, falling back to defaults for a
// missing file or missing fields, then applies environment overrides.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	config.applyEnv()
	config.applyDefaults()

	return config, nil
}

// applyEnv overrides file values with COMPANIOND_* environment variables.
func (c *Config) applyEnv() {
	setIfEnv := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	setIfEnv(&c.ListenAddr, "COMPANIOND_LISTEN_ADDR")
	setIfEnv(&c.DatabasePath, "COMPANIOND_DB_PATH")
	setIfEnv(&c.LogLevel, "COMPANIOND_LOG_LEVEL")
	setIfEnv(&c.LogPath, "COMPANIOND_LOG_PATH")
	setIfEnv(&c.LLM.Provider, "COMPANIOND_LLM_PROVIDER")
	setIfEnv(&c.LLM.Model, "COMPANIOND_LLM_MODEL")
	setIfEnv(&c.LLM.APIKey, "COMPANIOND_LLM_API_KEY")
	setIfEnv(&c.LLM.BaseURL, "COMPANIOND_LLM_BASE_URL")
	setIfEnv(&c.Memory.RedisAddr, "COMPANIOND_REDIS_ADDR")
	setIfEnv(&c.Memory.RedisPassword, "COMPANIOND_REDIS_PASSWORD")
	setIfEnv(&c.Speech.APIKey, "COMPANIOND_SPEECH_API_KEY")
	setIfEnv(&c.Speech.BaseURL, "COMPANIOND_SPEECH_BASE_URL")
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "localhost:8000"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(defaultStateDir(), "companiond.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = consts.DefaultMaxTokens
	}
	if c.Memory.MaxFacts <= 0 {
		c.Memory.MaxFacts = 200
	}
	if c.Speech.TTSModel == "" {
		c.Speech.TTSModel = "tts-1"
	}
	if c.Speech.ASRModel == "" {
		c.Speech.ASRModel = "whisper-1"
	}
	if c.Speech.VoiceZH == "" {
		c.Speech.VoiceZH = "nova"
	}
	if c.Speech.VoiceEN == "" {
		c.Speech.VoiceEN = "alloy"
	}
}

// Validate reports configuration errors that prevent startup.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("llm api key is required (set llm.api_key or COMPANIOND_LLM_API_KEY)")
	}
	return nil
}

// GenerationTimeout returns the bound on one generation stream.
func (c *Config) GenerationTimeout() time.Duration {
	if c.GenerationTimeoutSeconds > 0 {
		return time.Duration(c.GenerationTimeoutSeconds) * time.Second
	}
	return consts.Timeout2Minutes
}

// BackgroundTimeout returns the bound on one background unit of work.
func (c *Config) BackgroundTimeout() time.Duration {
	if c.BackgroundTimeoutSeconds > 0 {
		return time.Duration(c.BackgroundTimeoutSeconds) * time.Second
	}
	return consts.Timeout30Seconds
}

// SpeechTimeout returns the bound on one synthesis or recognition call.
func (c *Config) SpeechTimeout() time.Duration {
	if c.SpeechTimeoutSeconds > 0 {
		return time.Duration(c.SpeechTimeoutSeconds) * time.Second
	}
	return consts.Timeout30Seconds
}

// GetConfigPath returns the default configuration file location.
func GetConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("COMPANIOND_CONFIG")); path != "" {
		return path
	}
	return filepath.Join(defaultConfigDir(), "config.json")
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "companiond")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "companiond")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "companiond")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "companiond")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "companiond")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "companiond")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "companiond")
	}
}
