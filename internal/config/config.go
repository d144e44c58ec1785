package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const keychainService = "memoir"

type Config struct {
	Server  ServerConfig
	Engine  EngineConfig
	OpenAI  OpenAIConfig
	Ollama  OllamaConfig
	Models  ModelsConfig
	Lexical LexicalConfig
	Algolia AlgoliaConfig
	Storage StorageConfig
	Log     LogConfig
	Journal JournalConfig
	Fusion  FusionConfig
	Answer  AnswerConfig
	Embed   EmbedConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type EngineConfig struct {
	Backend string // openai or ollama
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

type OllamaConfig struct {
	BaseURL string
}

type ModelsConfig struct {
	Embed      string
	Completion string
	Keywords   string // empty means Completion
}

type LexicalConfig struct {
	Backend     string // algolia or memory
	UseKeywords bool
}

type AlgoliaConfig struct {
	AppID  string
	APIKey string
	Index  string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type JournalConfig struct {
	User string
}

type FusionConfig struct {
	Boost     float64
	Threshold float64
}

type AnswerConfig struct {
	Temperature      float64
	MaxTokens        int
	KeywordMaxTokens int
}

type EmbedConfig struct {
	CacheSize int
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4000, MaxConns: 64},
		Engine:  EngineConfig{Backend: "openai"},
		OpenAI:  OpenAIConfig{BaseURL: "https://api.openai.com/v1"},
		Ollama:  OllamaConfig{BaseURL: "http://localhost:11434"},
		Models:  ModelsConfig{Embed: "text-embedding-3-small", Completion: "gpt-4o-mini"},
		Lexical: LexicalConfig{Backend: "algolia"},
		Algolia: AlgoliaConfig{Index: "entries"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Fusion:  FusionConfig{Boost: 0.2, Threshold: 0.5},
		Answer:  AnswerConfig{Temperature: 0.2, MaxTokens: 150, KeywordMaxTokens: 32},
		Embed:   EmbedConfig{CacheSize: 512},
	}
}

// KeywordModel returns the model used for keyword extraction.
func (c Config) KeywordModel() string {
	if c.Models.Keywords != "" {
		return c.Models.Keywords
	}
	return c.Models.Completion
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.memoir.app) and secrets
// fall back to the Keychain (service: memoir). Elsewhere the backend is a
// JSON file at $XDG_CONFIG_HOME/memoir/config.json and secrets fall back to
// $XDG_DATA_HOME/memoir/secrets.json.
//
// Environment variables (MEMOIR_*) override backend values. A .env file
// never overrides a variable that is already set.
func Load() (Config, error) {
	loadDotEnv(".env")
	return loadWith(newPlatformBackend(), keychainReader{})
}

func loadDotEnv(path string) {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", path, err)
	}
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills empty secrets from the keychain. The account name is
// the dotted key with underscores, e.g. openai_api_key.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, secretAccount(s.key)); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Engine.Backend {
	case "openai":
		if c.OpenAI.APIKey == "" {
			return missing("OpenAI API key", "openai.api_key")
		}
	case "ollama":
	default:
		return fmt.Errorf("invalid engine.backend %q: want openai or ollama", c.Engine.Backend)
	}

	switch c.Lexical.Backend {
	case "algolia":
		if c.Algolia.AppID == "" {
			return fmt.Errorf("missing required config: Algolia application id. Set algolia.app_id or %s", envOf("algolia.app_id"))
		}
		if c.Algolia.APIKey == "" {
			return missing("Algolia API key", "algolia.api_key")
		}
		if c.Algolia.Index == "" {
			return fmt.Errorf("missing required config: algolia.index")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid lexical.backend %q: want algolia or memory", c.Lexical.Backend)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Fusion.Threshold < 0 || c.Fusion.Threshold >= 1 {
		return fmt.Errorf("invalid fusion.threshold %v: want a value in [0, 1)", c.Fusion.Threshold)
	}
	if c.Fusion.Boost < 0 {
		return fmt.Errorf("invalid fusion.boost %v: must not be negative", c.Fusion.Boost)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

func missing(what, key string) error {
	return fmt.Errorf("missing required config: %s. Set it via environment variable %s%s",
		what, envOf(key), secretHint(secretAccount(key)))
}

func envOf(key string) string {
	for _, s := range specs {
		if s.key == key {
			return s.env
		}
	}
	return ""
}

// keychainReader reads secrets via keychainExec.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
