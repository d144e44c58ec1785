package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/memoir/internal/answer"
	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/retrieval"
	"github.com/kalambet/memoir/internal/storage"
)

// State is a step of one ask request.
type State string

const (
	StateIdle         State = "idle"
	StateRetrieving   State = "retrieving"
	StateFusing       State = "fusing"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Retriever finds the grounding entries for a question.
type Retriever interface {
	RetrieveWithKeywords(ctx context.Context, username, query, lexicalQuery string) (retrieval.Result, error)
}

// Synthesizer turns grounding entries into an answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, entries []storage.Entry) (answer.Answer, error)
}

// KeywordExtractor produces the lexical query for a question.
type KeywordExtractor interface {
	ExtractKeywords(ctx context.Context, query string) (string, error)
}

// HistoryRecorder persists finished asks.
type HistoryRecorder interface {
	SaveQuery(ctx context.Context, q storage.QueryRecord) error
}

// Response is the outcome of one ask.
type Response struct {
	ID     string
	Query  string
	Answer string
	// Found is false when the answer is the not-found sentence, whether
	// because nothing relevant was retrieved or the model could not answer.
	Found             bool
	NoRelevantEntries bool
	Entries           []storage.Entry
	Candidates        []retrieval.Candidate
	Fallback          bool
	DegradedEmbedding bool
	States            []State
	DurationMs        int64
}

// State returns the terminal state of the request.
func (r Response) State() State {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

// Searcher runs the ask pipeline: retrieval, fusion, then synthesis.
type Searcher struct {
	retriever Retriever
	synth     Synthesizer
	keywords  KeywordExtractor
	history   HistoryRecorder
	logger    *slog.Logger
}

// SearcherOption configures a Searcher.
type SearcherOption func(*Searcher)

// WithKeywordSearch makes the lexical half of retrieval search extracted
// keywords instead of the raw question.
func WithKeywordSearch(k KeywordExtractor) SearcherOption {
	return func(s *Searcher) { s.keywords = k }
}

// WithHistory records every ask.
func WithHistory(h HistoryRecorder) SearcherOption {
	return func(s *Searcher) { s.history = h }
}

// NewSearcher creates a Searcher.
func NewSearcher(r Retriever, synth Synthesizer, opts ...SearcherOption) *Searcher {
	s := &Searcher{retriever: r, synth: synth, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask answers query from username's journal.
//
// Finding nothing relevant is a successful response with NoRelevantEntries
// set and the not-found answer; the synthesis call is skipped. Lexical, store
// and synthesis failures are returned as errors.
func (s *Searcher) Ask(ctx context.Context, username, query string) (resp Response, err error) {
	start := time.Now()
	resp = Response{ID: uuid.NewString(), Query: query, States: []State{StateIdle}}
	defer func() {
		resp.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			resp.States = append(resp.States, StateFailed)
		}
		s.record(ctx, username, resp, err)
	}()

	if username == "" {
		return resp, journal.ErrNotAuthenticated
	}
	if strings.TrimSpace(query) == "" {
		return resp, retrieval.ErrEmptyInput
	}

	resp.States = append(resp.States, StateRetrieving)
	res, err := s.retriever.RetrieveWithKeywords(ctx, username, query, s.lexicalQuery(ctx, query))
	if err != nil {
		return resp, err
	}

	resp.States = append(resp.States, StateFusing)
	resp.Candidates = res.Candidates
	resp.Entries = res.Entries()
	resp.Fallback = res.Fallback
	resp.DegradedEmbedding = res.EmbeddingErr != nil

	if res.Empty() {
		resp.NoRelevantEntries = true
		resp.Answer = answer.NotFoundAnswer
		resp.States = append(resp.States, StateCompleted)
		return resp, nil
	}

	resp.States = append(resp.States, StateSynthesizing)
	ans, err := s.synth.Synthesize(ctx, query, resp.Entries)
	if err != nil {
		return resp, err
	}
	resp.Answer = ans.Text
	resp.Found = ans.Found
	resp.States = append(resp.States, StateCompleted)

	s.logger.Debug("ask completed",
		"entries", len(resp.Entries),
		"fallback", resp.Fallback,
		"found", resp.Found,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// lexicalQuery returns the keywords for query, or query itself when no
// extractor is set or extraction fails.
func (s *Searcher) lexicalQuery(ctx context.Context, query string) string {
	if s.keywords == nil {
		return query
	}
	kw, err := s.keywords.ExtractKeywords(ctx, query)
	if err != nil || kw == "" {
		if err != nil {
			s.logger.Warn("keyword extraction failed, searching the raw question", "error", err)
		}
		return query
	}
	return kw
}

func (s *Searcher) record(ctx context.Context, username string, resp Response, askErr error) {
	if s.history == nil || username == "" || strings.TrimSpace(resp.Query) == "" {
		return
	}
	rec := storage.QueryRecord{
		ID:        resp.ID,
		Username:  username,
		CreatedAt: time.Now().UTC(),
		Query:     resp.Query,
		Answer:    resp.Answer,
		State:     string(resp.State()),
	}
	for _, e := range resp.Entries {
		rec.EntryIDs = append(rec.EntryIDs, e.ID)
	}
	if askErr != nil {
		rec.Error = askErr.Error()
	}
	// The ask may have been abandoned; the record is still written.
	if err := s.history.SaveQuery(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("saving query history failed", "query_id", resp.ID, "error", err)
	}
}
