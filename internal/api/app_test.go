package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/memoir/internal/answer"
	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/lexical"
	"github.com/kalambet/memoir/internal/pipeline"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/retrieval"
	"github.com/kalambet/memoir/internal/storage"
)

const testToken = "test-token-12345"

// fakeEngine embeds texts mentioning "birthday" along one axis and
// everything else along the other.
type fakeEngine struct {
	mu     sync.Mutex
	reply  string
	err    error
	models []string
}

func (f *fakeEngine) Chat(_ context.Context, model string, _ []engine.Message, _ engine.ChatOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, model)
	return f.reply, f.err
}

func (f *fakeEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "birthday") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (f *fakeEngine) IsRunning(context.Context) bool                 { return true }
func (f *fakeEngine) ListModels(context.Context) ([]string, error)   { return nil, nil }
func (f *fakeEngine) HasModel(context.Context, string) bool          { return true }
func (f *fakeEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

type testApp struct {
	handler http.Handler
	store   *storage.Store
	index   *lexical.MemoryIndex
	engine  *fakeEngine
	journal *journal.Service
	fuser   *retrieval.Fuser
	search  *pipeline.Searcher
	synth   *answer.Synthesizer
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := &fakeEngine{reply: "It was in the garden."}
	idx := lexical.NewMemoryIndex()
	embedder := retrieval.NewEmbedder(eng, "embed", 0)
	svc := journal.NewService(store, embedder, idx,
		journal.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	fuser := retrieval.NewFuser(embedder, idx, store, retrieval.DefaultFusionConfig())
	synth := answer.NewSynthesizer(eng, answer.Config{Model: "chat", KeywordModel: "small"})
	searcher := pipeline.NewSearcher(fuser, synth, pipeline.WithHistory(store))

	h := NewAppHandler(AppDeps{
		Journal:  svc,
		Asker:    searcher,
		Sessions: pipeline.NewSessions(searcher, 8),
		Keywords: synth,
		History:  store,
		Token:    testToken,
	})
	return &testApp{handler: h, store: store, index: idx, engine: eng, journal: svc, fuser: fuser, search: searcher, synth: synth}
}

func userReq(method, url, body, user string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	return req
}

func (a *testApp) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %s: %v", rr.Body.String(), err)
	}
	return v
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[map[string]map[string]string](t, rr)
	return body["error"]["type"]
}

func (a *testApp) createEntry(t *testing.T, user, body string) EntryJSON {
	t.Helper()
	rr := a.do(t, userReq(http.MethodPost, "/entries", body, user))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body = %s", rr.Code, rr.Body.String())
	}
	return decode[EntryJSON](t, rr)
}

func TestHealth_NoAuth(t *testing.T) {
	a := setupApp(t)
	rr := a.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
		t.Errorf("health = %d %s", rr.Code, rr.Body.String())
	}
}

func TestAuth_RejectsBadToken(t *testing.T) {
	a := setupApp(t)
	req := httptest.NewRequest(http.MethodGet, "/entries", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	req.Header.Set(UserHeader, "alice")

	rr := a.do(t, req)
	if rr.Code != http.StatusUnauthorized || errorType(t, rr) != "authentication_error" {
		t.Errorf("status = %d body = %s", rr.Code, rr.Body.String())
	}
}

func TestAuth_RequiresUser(t *testing.T) {
	a := setupApp(t)
	for _, u := range []string{"", "   "} {
		rr := a.do(t, userReq(http.MethodPost, "/ask", `{"query":"q"}`, u))
		if rr.Code != http.StatusUnauthorized || errorType(t, rr) != "not_authenticated" {
			t.Errorf("user %q: status = %d body = %s", u, rr.Code, rr.Body.String())
		}
	}
}

func TestEntries_CreateGetListScoped(t *testing.T) {
	a := setupApp(t)
	e := a.createEntry(t, "alice", `{"text":"Alice's birthday in the garden","date":"2024-03-14","tags":["family"," party "]}`)

	if !e.HasEmbedding || e.Date.Format("2006-01-02") != "2024-03-14" {
		t.Errorf("entry = %+v", e)
	}
	if len(e.Tags) != 2 || e.Tags[1] != "party" {
		t.Errorf("tags = %v", e.Tags)
	}
	if _, ok := a.index.Get(e.ID); !ok {
		t.Error("entry not indexed")
	}

	rr := a.do(t, userReq(http.MethodGet, "/entries/"+e.ID, "", "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	rr = a.do(t, userReq(http.MethodGet, "/entries/"+e.ID, "", "bob"))
	if rr.Code != http.StatusNotFound || errorType(t, rr) != "not_found" {
		t.Errorf("bob get = %d %s", rr.Code, rr.Body.String())
	}

	rr = a.do(t, userReq(http.MethodGet, "/entries?limit=10", "", "alice"))
	if list := decode[[]EntryJSON](t, rr); len(list) != 1 {
		t.Errorf("alice list = %d entries", len(list))
	}
	rr = a.do(t, userReq(http.MethodGet, "/entries", "", "bob"))
	if list := decode[[]EntryJSON](t, rr); len(list) != 0 {
		t.Errorf("bob list = %d entries", len(list))
	}
}

func TestEntries_CreateValidation(t *testing.T) {
	a := setupApp(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing text", `{}`},
		{"blank text", `{"text":"   "}`},
		{"future date", `{"text":"x","date":"2999-01-01"}`},
		{"bad date", `{"text":"x","date":"yesterday"}`},
		{"bad json", `{"text":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, userReq(http.MethodPost, "/entries", tt.body, "alice"))
			if rr.Code != http.StatusBadRequest || errorType(t, rr) != "invalid_request_error" {
				t.Errorf("status = %d body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestEntries_PatchAndDelete(t *testing.T) {
	a := setupApp(t)
	e := a.createEntry(t, "alice", `{"text":"lunch with Bob"}`)

	rr := a.do(t, userReq(http.MethodPatch, "/entries/"+e.ID, `{"text":"Bob's birthday lunch"}`, "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("patch status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := decode[EntryJSON](t, rr); got.Text != "Bob's birthday lunch" {
		t.Errorf("text = %q", got.Text)
	}
	stored, _ := a.store.GetEntry(context.Background(), e.ID)
	if len(stored.Embedding) != 2 || stored.Embedding[0] != 1 {
		t.Errorf("embedding not refreshed: %v", stored.Embedding)
	}
	if rec, _ := a.index.Get(e.ID); rec.Text != "bob's birthday lunch" {
		t.Errorf("record not refreshed: %+v", rec)
	}

	rr = a.do(t, userReq(http.MethodDelete, "/entries/"+e.ID, "", "bob"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("bob delete = %d", rr.Code)
	}

	rr = a.do(t, userReq(http.MethodDelete, "/entries/"+e.ID, "", "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if a.index.Len() != 0 {
		t.Error("record left in index after delete")
	}
	rr = a.do(t, userReq(http.MethodDelete, "/entries/"+e.ID, "", "alice"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
}

func TestAsk_AnswersFromEntries(t *testing.T) {
	a := setupApp(t)
	party := a.createEntry(t, "alice", `{"text":"Alice's birthday party in the garden","date":"2024-03-14"}`)
	a.createEntry(t, "alice", `{"text":"Went to the store","date":"2024-03-15"}`)

	rr := a.do(t, userReq(http.MethodPost, "/ask", `{"query":"Where was the birthday party?"}`, "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("ask status = %d; body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[AskResponse](t, rr)
	if resp.Answer != "It was in the garden." || !resp.Found {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Entry.ID != party.ID || resp.Sources[0].Score != 1 {
		t.Errorf("sources = %+v", resp.Sources)
	}
	if resp.States[len(resp.States)-1] != "completed" {
		t.Errorf("states = %v", resp.States)
	}

	rr = a.do(t, userReq(http.MethodGet, "/history", "", "alice"))
	history := decode[[]QueryJSON](t, rr)
	if len(history) != 1 || history[0].Query != "Where was the birthday party?" || history[0].EntryIDs[0] != party.ID {
		t.Errorf("history = %+v", history)
	}
}

func TestAsk_NoRelevantEntries(t *testing.T) {
	a := setupApp(t)
	rr := a.do(t, userReq(http.MethodPost, "/ask", `{"query":"anything","session":"tab-1"}`, "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("ask status = %d; body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[AskResponse](t, rr)
	if !resp.NoRelevantEntries || resp.Found || resp.Answer != answer.NotFoundAnswer {
		t.Errorf("resp = %+v", resp)
	}
	if len(a.engine.models) != 0 {
		t.Error("synthesis called with no grounding")
	}
}

func TestAsk_UpstreamFailureIs502(t *testing.T) {
	a := setupApp(t)
	a.createEntry(t, "alice", `{"text":"birthday"}`)
	a.engine.err = &provider.Error{Service: "openai", Op: "chat", StatusCode: 500, Err: errors.New("boom")}

	rr := a.do(t, userReq(http.MethodPost, "/ask", `{"query":"birthday"}`, "alice"))
	if rr.Code != http.StatusBadGateway || errorType(t, rr) != "upstream_error" {
		t.Errorf("status = %d body = %s", rr.Code, rr.Body.String())
	}
}

func TestAsk_EmptyQuery(t *testing.T) {
	a := setupApp(t)
	rr := a.do(t, userReq(http.MethodPost, "/ask", `{"query":"  "}`, "alice"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestKeywords(t *testing.T) {
	a := setupApp(t)
	a.engine.reply = "Birthday, party"

	rr := a.do(t, userReq(http.MethodPost, "/keywords", `{"query":"When was the birthday party?"}`, "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := decode[map[string]string](t, rr)["keywords"]; got != "birthday party" {
		t.Errorf("keywords = %q", got)
	}
	if a.engine.models[0] != "small" {
		t.Errorf("model = %q, want keyword model", a.engine.models[0])
	}
}

func TestReindex(t *testing.T) {
	a := setupApp(t)
	a.createEntry(t, "alice", `{"text":"one"}`)
	a.createEntry(t, "alice", `{"text":"two"}`)

	rr := a.do(t, userReq(http.MethodPost, "/reindex", "", "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	stats := decode[ReindexJSON](t, rr)
	if stats.Entries != 2 || stats.Indexed != 2 || stats.Embedded != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err      error
		code     int
		wantType string
	}{
		{journal.ErrNotAuthenticated, http.StatusUnauthorized, "not_authenticated"},
		{fmt.Errorf("get: %w", storage.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: text is empty", journal.ErrInvalidEntry), http.StatusBadRequest, "invalid_request_error"},
		{pipeline.ErrSuperseded, http.StatusConflict, "superseded"},
		{fmt.Errorf("synthesis: %w", provider.Wrap("openai", "chat", errors.New("refused"))), http.StatusBadGateway, "upstream_error"},
		{errors.New("disk full"), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		writeError(rr, tt.err)
		if rr.Code != tt.code || errorType(t, rr) != tt.wantType {
			t.Errorf("writeError(%v) = %d %s; want %d %s", tt.err, rr.Code, errorType(t, rr), tt.code, tt.wantType)
		}
	}
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{"2024-03-14", "2024-03-14T18:30:00Z", "2024-03-14T18:30:00+02:00"} {
		if _, err := ParseDate(s); err != nil {
			t.Errorf("ParseDate(%q): %v", s, err)
		}
	}
	if _, err := ParseDate("14/03/2024"); err == nil {
		t.Error("expected error for unsupported layout")
	}
}
