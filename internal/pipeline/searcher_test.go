package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/memoir/internal/answer"
	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/lexical"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/retrieval"
	"github.com/kalambet/memoir/internal/storage"
)

// --- mock engine (for retrieval.Embedder and answer.Synthesizer) ---

type mockEngine struct {
	mu       sync.Mutex
	embedFn  func(ctx context.Context, model, text string) ([]float32, error)
	chatFn   func(ctx context.Context, model string, msgs []engine.Message) (string, error)
	chats    int
	lastMsgs []engine.Message
}

func (m *mockEngine) Chat(ctx context.Context, model string, msgs []engine.Message, _ engine.ChatOptions) (string, error) {
	m.mu.Lock()
	m.chats++
	m.lastMsgs = msgs
	m.mu.Unlock()
	if m.chatFn != nil {
		return m.chatFn(ctx, model, msgs)
	}
	return "", nil
}

func (m *mockEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if m.embedFn != nil {
		return m.embedFn(ctx, model, text)
	}
	return []float32{1, 0}, nil
}

func (m *mockEngine) IsRunning(context.Context) bool                  { return true }
func (m *mockEngine) ListModels(context.Context) ([]string, error)    { return nil, nil }
func (m *mockEngine) HasModel(context.Context, string) bool           { return true }
func (m *mockEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

// --- mock history ---

type mockHistory struct {
	mu      sync.Mutex
	records []storage.QueryRecord
}

func (m *mockHistory) SaveQuery(_ context.Context, q storage.QueryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, q)
	return nil
}

// --- function mocks ---

type retrieveFunc func(ctx context.Context, username, query, lexicalQuery string) (retrieval.Result, error)

func (f retrieveFunc) RetrieveWithKeywords(ctx context.Context, username, query, lexicalQuery string) (retrieval.Result, error) {
	return f(ctx, username, query, lexicalQuery)
}

type synthFunc func(ctx context.Context, query string, entries []storage.Entry) (answer.Answer, error)

func (f synthFunc) Synthesize(ctx context.Context, query string, entries []storage.Entry) (answer.Answer, error) {
	return f(ctx, query, entries)
}

type keywordsFunc func(ctx context.Context, query string) (string, error)

func (f keywordsFunc) ExtractKeywords(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}

var d1 = time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC)

func unitVec(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

// newJournal stores entries and indexes them in a MemoryIndex.
func newJournal(t *testing.T, entries ...storage.Entry) (*storage.Store, *lexical.MemoryIndex) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := lexical.NewMemoryIndex()
	ctx := context.Background()
	for _, e := range entries {
		if err := store.CreateEntry(ctx, e); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
		if err := idx.IndexEntry(ctx, lexical.NewRecord(e)); err != nil {
			t.Fatalf("IndexEntry: %v", err)
		}
	}
	return store, idx
}

func newPipeline(eng *mockEngine, store *storage.Store, idx lexical.Index, opts ...SearcherOption) *Searcher {
	embedder := retrieval.NewEmbedder(eng, "embed-model", 0)
	fuser := retrieval.NewFuser(embedder, idx, store, retrieval.DefaultFusionConfig())
	synth := answer.NewSynthesizer(eng, answer.DefaultConfig("chat-model"))
	return NewSearcher(fuser, synth, opts...)
}

func birthdayEntries() []storage.Entry {
	return []storage.Entry{
		{ID: "e1", Username: "alice", Text: "My birthday was May 5th, great party", Date: d1, Embedding: unitVec(0.82), CreatedAt: d1, UpdatedAt: d1},
		{ID: "e2", Username: "alice", Text: "Went to the store", Date: d1.AddDate(0, 0, 1), Embedding: unitVec(0.1), CreatedAt: d1, UpdatedAt: d1},
	}
}

func TestAsk_BirthdayScenario(t *testing.T) {
	store, idx := newJournal(t, birthdayEntries()...)
	eng := &mockEngine{chatFn: func(context.Context, string, []engine.Message) (string, error) {
		return "May 5th.", nil
	}}
	history := &mockHistory{}
	s := newPipeline(eng, store, idx, WithHistory(history))

	resp, err := s.Ask(context.Background(), "alice", "birthday")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].ID != "e1" {
		t.Fatalf("grounding = %+v, want [e1]", resp.Entries)
	}
	if resp.Candidates[0].Score != 1.0 {
		t.Errorf("score = %v, want 1.0", resp.Candidates[0].Score)
	}
	if resp.Answer != "May 5th." || !resp.Found {
		t.Errorf("answer = %q found=%v", resp.Answer, resp.Found)
	}

	prompt := eng.lastMsgs[1].Content
	if !strings.Contains(prompt, "My birthday was May 5th") || strings.Contains(prompt, "Went to the store") {
		t.Errorf("prompt grounding wrong:\n%s", prompt)
	}

	want := []State{StateIdle, StateRetrieving, StateFusing, StateSynthesizing, StateCompleted}
	if !equalStates(resp.States, want) {
		t.Errorf("states = %v, want %v", resp.States, want)
	}

	if len(history.records) != 1 {
		t.Fatalf("history records = %d", len(history.records))
	}
	rec := history.records[0]
	if rec.State != "completed" || rec.Answer != "May 5th." || len(rec.EntryIDs) != 1 || rec.EntryIDs[0] != "e1" {
		t.Errorf("history = %+v", rec)
	}
}

func TestAsk_EmbeddingFailureFallsBackToLexical(t *testing.T) {
	store, idx := newJournal(t, birthdayEntries()...)
	eng := &mockEngine{
		embedFn: func(context.Context, string, string) ([]float32, error) {
			return nil, &provider.Error{Service: "openai", Op: "embed", StatusCode: 503, Err: errors.New("unavailable")}
		},
		chatFn: func(context.Context, string, []engine.Message) (string, error) { return "At the store.", nil },
	}
	s := newPipeline(eng, store, idx)

	resp, err := s.Ask(context.Background(), "alice", "store")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !resp.Fallback || !resp.DegradedEmbedding {
		t.Errorf("fallback=%v degraded=%v", resp.Fallback, resp.DegradedEmbedding)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].ID != "e2" {
		t.Errorf("grounding = %+v, want [e2]", resp.Entries)
	}
}

func TestAsk_NoRelevantEntriesSkipsSynthesis(t *testing.T) {
	store, idx := newJournal(t, birthdayEntries()[1])
	eng := &mockEngine{embedFn: func(context.Context, string, string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}
	s := newPipeline(eng, store, idx)

	resp, err := s.Ask(context.Background(), "alice", "wedding")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !resp.NoRelevantEntries || resp.Found || resp.Answer != answer.NotFoundAnswer {
		t.Errorf("resp = %+v", resp)
	}
	if eng.chats != 0 {
		t.Errorf("chat called %d times", eng.chats)
	}
	if resp.State() != StateCompleted {
		t.Errorf("state = %s", resp.State())
	}
}

func TestAsk_ScopedToUser(t *testing.T) {
	bobs := storage.Entry{ID: "b1", Username: "bob", Text: "Bob's birthday party", Date: d1, Embedding: unitVec(0.99), CreatedAt: d1, UpdatedAt: d1}
	store, idx := newJournal(t, append(birthdayEntries(), bobs)...)
	eng := &mockEngine{chatFn: func(context.Context, string, []engine.Message) (string, error) { return "x", nil }}
	s := newPipeline(eng, store, idx)

	resp, err := s.Ask(context.Background(), "alice", "birthday party")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	for _, e := range resp.Entries {
		if e.Username != "alice" {
			t.Errorf("foreign entry %s in grounding", e.ID)
		}
	}
}

func TestAsk_InputErrors(t *testing.T) {
	s := NewSearcher(retrieveFunc(func(context.Context, string, string, string) (retrieval.Result, error) {
		t.Fatal("retriever must not be called")
		return retrieval.Result{}, nil
	}), nil)

	if _, err := s.Ask(context.Background(), "", "q"); !errors.Is(err, journal.ErrNotAuthenticated) {
		t.Errorf("no user: %v", err)
	}
	resp, err := s.Ask(context.Background(), "alice", "  ")
	if !errors.Is(err, retrieval.ErrEmptyInput) {
		t.Errorf("empty query: %v", err)
	}
	if resp.State() != StateFailed {
		t.Errorf("state = %s", resp.State())
	}
}

func TestAsk_LexicalFailurePropagates(t *testing.T) {
	lexErr := provider.Wrap("algolia", "search", errors.New("timeout"))
	history := &mockHistory{}
	s := NewSearcher(retrieveFunc(func(context.Context, string, string, string) (retrieval.Result, error) {
		return retrieval.Result{}, lexErr
	}), nil, WithHistory(history))

	resp, err := s.Ask(context.Background(), "alice", "q")
	if !errors.Is(err, lexErr) {
		t.Fatalf("err = %v", err)
	}
	if resp.State() != StateFailed {
		t.Errorf("state = %s", resp.State())
	}
	if len(history.records) != 1 || history.records[0].State != "failed" || history.records[0].Error == "" {
		t.Errorf("history = %+v", history.records)
	}
}

func TestAsk_SynthesisFailurePropagates(t *testing.T) {
	synthErr := &provider.Error{Service: "openai", Op: "chat", StatusCode: 500, Err: errors.New("boom")}
	s := NewSearcher(
		retrieveFunc(func(context.Context, string, string, string) (retrieval.Result, error) {
			return retrieval.Result{Candidates: []retrieval.Candidate{{Entry: storage.Entry{ID: "e1"}}}}, nil
		}),
		synthFunc(func(context.Context, string, []storage.Entry) (answer.Answer, error) {
			return answer.Answer{}, synthErr
		}),
	)

	_, err := s.Ask(context.Background(), "alice", "q")
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.StatusCode != 500 {
		t.Errorf("err = %v", err)
	}
}

func TestAsk_KeywordSearch(t *testing.T) {
	var lexicalQuery string
	r := retrieveFunc(func(_ context.Context, _, _, lq string) (retrieval.Result, error) {
		lexicalQuery = lq
		return retrieval.Result{}, nil
	})

	s := NewSearcher(r, nil, WithKeywordSearch(keywordsFunc(func(context.Context, string) (string, error) {
		return "alice birthday", nil
	})))
	if _, err := s.Ask(context.Background(), "alice", "When is Alice's birthday?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if lexicalQuery != "alice birthday" {
		t.Errorf("lexical query = %q", lexicalQuery)
	}

	s = NewSearcher(r, nil, WithKeywordSearch(keywordsFunc(func(context.Context, string) (string, error) {
		return "", errors.New("model offline")
	})))
	if _, err := s.Ask(context.Background(), "alice", "raw question"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if lexicalQuery != "raw question" {
		t.Errorf("lexical query = %q, want raw question", lexicalQuery)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
