package engine

import "fmt"

const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Config selects and parameterises a backend.
type Config struct {
	Backend       string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OllamaBaseURL string
}

// New returns the Engine named by cfg.Backend.
func New(cfg Config) (Engine, error) {
	switch cfg.Backend {
	case BackendOpenAI, "":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai backend requires an API key")
		}
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	case BackendOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
