package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/memoir/internal/storage"
)

const (
	DefaultBoost     = 0.2
	DefaultThreshold = 0.5
)

// QueryEmbedder turns the question into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LexicalSearcher returns ids of the user's entries matching the query, best first.
type LexicalSearcher interface {
	Search(ctx context.Context, query, username string) ([]string, error)
}

// EntrySource provides the per-request snapshot of a user's entries.
type EntrySource interface {
	FetchAll(ctx context.Context, username string) ([]storage.Entry, error)
}

// FusionConfig holds the scoring knobs. Boost is added to the similarity of
// entries the lexical index also found (capped at 1.0); only scores strictly
// above Threshold survive.
type FusionConfig struct {
	Boost     float64
	Threshold float64
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{Boost: DefaultBoost, Threshold: DefaultThreshold}
}

// Candidate is an entry chosen for grounding.
type Candidate struct {
	Entry        storage.Entry
	Score        float64
	Similarity   float64
	FromLexical  bool
	FromSemantic bool
}

// Result is the outcome of one retrieval.
type Result struct {
	Candidates []Candidate
	LexicalIDs []string
	// Fallback is set when no entry passed the threshold and the candidates
	// are the lexical hits in index order.
	Fallback bool
	// EmbeddingErr is the absorbed query embedding failure, if any.
	EmbeddingErr error
}

// Entries returns the grounding entries in rank order.
func (r Result) Entries() []storage.Entry {
	out := make([]storage.Entry, len(r.Candidates))
	for i, c := range r.Candidates {
		out[i] = c.Entry
	}
	return out
}

// Empty reports the "no relevant entries" outcome.
func (r Result) Empty() bool { return len(r.Candidates) == 0 }

// Fuser runs hybrid retrieval: semantic similarity against the user's stored
// embeddings, boosted by lexical agreement, with a lexical-only fallback.
type Fuser struct {
	embedder QueryEmbedder
	lexical  LexicalSearcher
	entries  EntrySource
	cfg      FusionConfig
}

// NewFuser creates a Fuser.
func NewFuser(embedder QueryEmbedder, lexical LexicalSearcher, entries EntrySource, cfg FusionConfig) *Fuser {
	return &Fuser{embedder: embedder, lexical: lexical, entries: entries, cfg: cfg}
}

// Retrieve embeds the query, searches the lexical index and loads the user's
// entries concurrently, then fuses once all three are done. An embedding
// failure is logged and retrieval continues lexical-only; a lexical or store
// failure fails the call.
func (f *Fuser) Retrieve(ctx context.Context, username, query string) (Result, error) {
	return f.RetrieveWithKeywords(ctx, username, query, query)
}

// RetrieveWithKeywords is Retrieve with a separate lexical query, typically
// keywords extracted from the question. A blank lexicalQuery falls back to
// query.
func (f *Fuser) RetrieveWithKeywords(ctx context.Context, username, query, lexicalQuery string) (Result, error) {
	if strings.TrimSpace(lexicalQuery) == "" {
		lexicalQuery = query
	}
	var (
		queryVec   []float32
		embedErr   error
		lexicalIDs []string
		entries    []storage.Entry
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		queryVec, embedErr = f.embedder.Embed(gCtx, query)
		return nil
	})
	g.Go(func() error {
		ids, err := f.lexical.Search(gCtx, lexicalQuery, username)
		if err != nil {
			return fmt.Errorf("lexical search: %w", err)
		}
		lexicalIDs = ids
		return nil
	})
	g.Go(func() error {
		all, err := f.entries.FetchAll(gCtx, username)
		if err != nil {
			return fmt.Errorf("loading entries: %w", err)
		}
		entries = all
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if embedErr != nil {
		slog.Warn("query embedding failed, continuing with lexical results only", "error", embedErr)
		queryVec = nil
	}

	candidates := Fuse(entries, queryVec, lexicalIDs, f.cfg)
	res := Result{LexicalIDs: lexicalIDs, EmbeddingErr: embedErr}
	if len(candidates) == 0 {
		candidates = LexicalFallback(entries, lexicalIDs)
		res.Fallback = len(candidates) > 0
	}
	res.Candidates = candidates

	slog.Debug("retrieval fused",
		"entries", len(entries),
		"lexical_hits", len(lexicalIDs),
		"candidates", len(candidates),
		"fallback", res.Fallback,
	)
	return res, nil
}

// Fuse scores every entry that has an embedding against queryVec, boosts the
// lexical hits, drops scores at or below the threshold and orders the rest by
// score, then date, then snapshot order. A nil queryVec yields no candidates.
func Fuse(entries []storage.Entry, queryVec []float32, lexicalIDs []string, cfg FusionConfig) []Candidate {
	if len(queryVec) == 0 {
		return nil
	}

	hits := make(map[string]struct{}, len(lexicalIDs))
	for _, id := range lexicalIDs {
		hits[id] = struct{}{}
	}

	var out []Candidate
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		sim := CosineSimilarity(queryVec, e.Embedding)
		score := sim
		_, fromLexical := hits[e.ID]
		if fromLexical {
			score = math.Min(sim+cfg.Boost, 1.0)
		}
		if score <= cfg.Threshold {
			continue
		}
		out = append(out, Candidate{
			Entry:        e,
			Score:        score,
			Similarity:   sim,
			FromLexical:  fromLexical,
			FromSemantic: true,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.Date.After(out[j].Entry.Date)
	})
	return out
}

// LexicalFallback returns the snapshot entries named by lexicalIDs, in lexical
// order. Ids absent from the snapshot (other users, stale index records) are
// skipped, as are duplicates.
func LexicalFallback(entries []storage.Entry, lexicalIDs []string) []Candidate {
	if len(lexicalIDs) == 0 {
		return nil
	}
	byID := make(map[string]storage.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	seen := make(map[string]bool, len(lexicalIDs))
	var out []Candidate
	for _, id := range lexicalIDs {
		e, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Candidate{Entry: e, FromLexical: true})
	}
	return out
}
