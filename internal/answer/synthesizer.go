package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/storage"
)

const (
	DefaultTemperature      = 0.2
	DefaultMaxTokens        = 150
	DefaultKeywordMaxTokens = 32
)

// Chatter is the completion call the synthesizer needs; engine.Engine satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, opts engine.ChatOptions) (string, error)
}

type Config struct {
	Model            string
	KeywordModel     string // defaults to Model
	Temperature      float64
	MaxTokens        int
	KeywordMaxTokens int
}

// DefaultConfig returns the low-temperature, short-answer settings for model.
func DefaultConfig(model string) Config {
	return Config{
		Model:            model,
		KeywordModel:     model,
		Temperature:      DefaultTemperature,
		MaxTokens:        DefaultMaxTokens,
		KeywordMaxTokens: DefaultKeywordMaxTokens,
	}
}

// Answer is a synthesized reply. Found is false when the reply is the
// not-found sentinel.
type Answer struct {
	Text  string
	Found bool
}

// Synthesizer produces answers grounded in journal entries. It makes exactly
// one provider call per request and never retries; provider errors are
// returned wrapped.
type Synthesizer struct {
	chat Chatter
	cfg  Config
}

func NewSynthesizer(chat Chatter, cfg Config) *Synthesizer {
	if cfg.KeywordModel == "" {
		cfg.KeywordModel = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.KeywordMaxTokens <= 0 {
		cfg.KeywordMaxTokens = DefaultKeywordMaxTokens
	}
	return &Synthesizer{chat: chat, cfg: cfg}
}

// Synthesize answers query from entries. With no entries it returns the
// not-found answer without calling the provider.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, entries []storage.Entry) (Answer, error) {
	if len(entries) == 0 {
		return Answer{Text: NotFoundAnswer}, nil
	}

	messages := BuildAnswerPrompt(query, entries)
	slog.Debug("synthesizing answer",
		"entries", len(entries),
		"prompt_tokens", EstimateTokens(messages[0].Content)+EstimateTokens(messages[1].Content),
	)

	reply, err := s.chat.Chat(ctx, s.cfg.Model, messages, engine.ChatOptions{
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("synthesizing answer: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		slog.Warn("completion returned an empty answer")
		return Answer{Text: NotFoundAnswer}, nil
	}
	if IsNotFound(reply) {
		return Answer{Text: NotFoundAnswer}, nil
	}
	return Answer{Text: reply, Found: true}, nil
}

// ExtractKeywords asks for a short keyword form of query. The result is
// lowercased, stripped of punctuation and space-normalized.
func (s *Synthesizer) ExtractKeywords(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}

	reply, err := s.chat.Chat(ctx, s.cfg.KeywordModel, BuildKeywordPrompt(query), engine.ChatOptions{
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.KeywordMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("extracting keywords: %w", err)
	}
	return strings.Join(uniqueWords(reply), " "), nil
}

// IsNotFound reports whether reply is the not-found sentinel, ignoring case,
// punctuation and spacing.
func IsNotFound(reply string) bool {
	return strings.Join(words(reply), " ") == notFoundKey
}

var notFoundKey = strings.Join(words(NotFoundAnswer), " ")

// words lowercases s, drops punctuation (apostrophes included, so "couldn't"
// and "couldn’t" compare equal) and splits on whitespace.
func words(s string) []string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		case r == '\'' || r == '’':
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Fields(sb.String())
}

func uniqueWords(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range words(s) {
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
