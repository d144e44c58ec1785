package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEMOIR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "MEMOIR_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "engine.backend", typ: kString, env: "MEMOIR_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "openai.base_url", typ: kString, env: "MEMOIR_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "MEMOIR_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MEMOIR_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "models.embed", typ: kString, env: "MEMOIR_MODELS_EMBED",
		apply:   func(cfg *Config, v any) { cfg.Models.Embed = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Embed },
	},
	{
		key: "models.completion", typ: kString, env: "MEMOIR_MODELS_COMPLETION",
		apply:   func(cfg *Config, v any) { cfg.Models.Completion = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Completion },
	},
	{
		key: "models.keywords", typ: kString, env: "MEMOIR_MODELS_KEYWORDS",
		apply:   func(cfg *Config, v any) { cfg.Models.Keywords = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Keywords },
	},
	{
		key: "lexical.backend", typ: kString, env: "MEMOIR_LEXICAL_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Lexical.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Lexical.Backend },
	},
	{
		key: "lexical.use_keywords", typ: kBool, env: "MEMOIR_LEXICAL_USE_KEYWORDS",
		apply:   func(cfg *Config, v any) { cfg.Lexical.UseKeywords = v.(bool) },
		extract: func(cfg Config) any { return cfg.Lexical.UseKeywords },
	},
	{
		key: "algolia.app_id", typ: kString, env: "MEMOIR_ALGOLIA_APP_ID",
		apply:   func(cfg *Config, v any) { cfg.Algolia.AppID = v.(string) },
		extract: func(cfg Config) any { return cfg.Algolia.AppID },
	},
	{
		key: "algolia.api_key", typ: kString, env: "MEMOIR_ALGOLIA_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Algolia.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Algolia.APIKey },
	},
	{
		key: "algolia.index", typ: kString, env: "MEMOIR_ALGOLIA_INDEX",
		apply:   func(cfg *Config, v any) { cfg.Algolia.Index = v.(string) },
		extract: func(cfg Config) any { return cfg.Algolia.Index },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEMOIR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "MEMOIR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "journal.user", typ: kString, env: "MEMOIR_JOURNAL_USER",
		apply:   func(cfg *Config, v any) { cfg.Journal.User = v.(string) },
		extract: func(cfg Config) any { return cfg.Journal.User },
	},
	{
		key: "fusion.boost", typ: kFloat, env: "MEMOIR_FUSION_BOOST",
		apply:   func(cfg *Config, v any) { cfg.Fusion.Boost = v.(float64) },
		extract: func(cfg Config) any { return cfg.Fusion.Boost },
	},
	{
		key: "fusion.threshold", typ: kFloat, env: "MEMOIR_FUSION_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Fusion.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Fusion.Threshold },
	},
	{
		key: "answer.temperature", typ: kFloat, env: "MEMOIR_ANSWER_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Answer.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Answer.Temperature },
	},
	{
		key: "answer.max_tokens", typ: kInt, env: "MEMOIR_ANSWER_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Answer.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.MaxTokens },
	},
	{
		key: "keywords.max_tokens", typ: kInt, env: "MEMOIR_KEYWORDS_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Answer.KeywordMaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.KeywordMaxTokens },
	},
	{
		key: "embed.cache_size", typ: kInt, env: "MEMOIR_EMBED_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embed.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.CacheSize },
	},
}

// parse converts raw into the Go value for t.
func (t keyType) parse(raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
