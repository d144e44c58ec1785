package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/memoir/internal/api"
	"github.com/kalambet/memoir/internal/config"
	"github.com/kalambet/memoir/internal/importer"
	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/lexical"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	User   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			User:   r.Header.Get(api.UserHeader),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"entry not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		user:       "alice",
		httpClient: ts.server.Client(),
	}
}

// useClient points newAPIClient at ts for the duration of the test.
func useClient(t *testing.T, ts *testServer) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

var ctx = context.Background()

func TestAPIClientAuthAndUser(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
	if ts.requests[0].User != "alice" {
		t.Errorf("user header = %q, want alice", ts.requests[0].User)
	}
}

func TestAPIClient_ServerStopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"X-Memoir-User header is required","type":"not_authenticated"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}

	resp, err := client.get(ctx, "/entries")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "header is required") {
		t.Errorf("error = %q", err.Error())
	}
	if !isAPIError(err, "not_authenticated") {
		t.Errorf("error type not parsed: %#v", err)
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	resp, err := (&apiClient{baseURL: ts.URL, httpClient: ts.Client()}).get(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, nil)
	if err == nil || !strings.Contains(err.Error(), "502: bad gateway") {
		t.Errorf("err = %v", err)
	}
}

func TestEntryAddCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /entries": `{"id":"e-1","text":"Drove to the coast","date":"2024-03-01T00:00:00Z","tags":["trip","family"],"has_embedding":true}`,
	})
	useClient(t, ts)
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"entry", "add", "--date", "2024-03-01", "--tags", "trip, family", "Drove", "to", "the", "coast"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body api.EntryRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Text == nil || *body.Text != "Drove to the coast" {
		t.Errorf("text = %v", body.Text)
	}
	if body.Date == nil || *body.Date != "2024-03-01" {
		t.Errorf("date = %v", body.Date)
	}
	if body.Tags == nil || len(*body.Tags) != 2 || (*body.Tags)[1] != "family" {
		t.Errorf("tags = %v", body.Tags)
	}
}

func TestEntryAddCommand_MissingText(t *testing.T) {
	defer rootCmd.SetArgs(nil)
	defer rootCmd.SetIn(nil)

	rootCmd.SetIn(strings.NewReader("   "))
	rootCmd.SetArgs([]string{"entry", "add"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing text")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestEntryRmCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useClient(t, ts)
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"entry", "rm", "missing"})
	err := rootCmd.Execute()
	if !isAPIError(err, "not_found") {
		t.Fatalf("err = %v, want not_found", err)
	}
	if ts.requests[0].Method != http.MethodDelete || ts.requests[0].Path != "/entries/missing" {
		t.Errorf("request = %+v", ts.requests[0])
	}
}

func TestAskCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ask": `{"id":"q1","answer":"At the lake house.","found":true,"sources":[],"states":["completed"]}`,
	})
	useClient(t, ts)
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask", "--session", "tty1", "where", "was", "the", "party?"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var body api.AskRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Query != "where was the party?" || body.Session != "tty1" {
		t.Errorf("body = %+v", body)
	}
}

func TestRemoteJournal_Create(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /entries": `{"id":"e-9","text":"hello","date":"2023-06-01T00:00:00Z"}`,
	})

	rj := remoteJournal{client: ts.client()}
	e, err := rj.Create(ctx, "ignored", journal.NewEntry{
		Text: "hello",
		Date: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		Tags: []string{"paper"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.ID != "e-9" || e.Date.Year() != 2023 {
		t.Errorf("entry = %+v", e)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["date"] != "2023-06-01" {
		t.Errorf("date = %v", body["date"])
	}
	if ts.requests[0].User != "alice" {
		t.Errorf("user = %q", ts.requests[0].User)
	}
}

func TestRemoteJournal_InvalidEntry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid entry: text is empty","type":"invalid_request_error"}}`))
	}))
	defer ts.Close()

	rj := remoteJournal{client: &apiClient{baseURL: ts.URL, httpClient: ts.Client()}}
	_, err := rj.Create(ctx, "alice", journal.NewEntry{Text: " "})
	if !errors.Is(err, journal.ErrInvalidEntry) {
		t.Fatalf("err = %v, want ErrInvalidEntry", err)
	}
}

func TestImportThroughServer(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /entries": `{"id":"e-1","text":"x","date":"2023-06-01T00:00:00Z"}`,
	})

	path := filepath.Join(t.TempDir(), "journal.txt")
	if err := os.WriteFile(path, []byte("2023-06-01\nFirst.\n\nSecond.\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	im := importer.New(remoteJournal{client: ts.client()}, importer.WithTags("imported"))
	stats, err := im.ImportFile(ctx, "alice", path)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if stats.Created != 2 || len(ts.requests) != 2 {
		t.Fatalf("stats = %+v, requests = %d", stats, len(ts.requests))
	}
	if !strings.Contains(ts.requests[1].Body, `"tags":["imported"]`) {
		t.Errorf("body = %s", ts.requests[1].Body)
	}
}

type fakeUsers struct {
	names []string
	err   error
}

func (f fakeUsers) Usernames(context.Context) ([]string, error) { return f.names, f.err }

type fakeReindexer struct {
	mu    sync.Mutex
	users []string
	fail  string
}

func (f *fakeReindexer) Reindex(_ context.Context, u string) (journal.ReindexStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, u)
	if u == f.fail {
		return journal.ReindexStats{}, errors.New("index down")
	}
	return journal.ReindexStats{Indexed: 1}, nil
}

func TestWarmIndex(t *testing.T) {
	r := &fakeReindexer{fail: "bob"}
	warmIndex(ctx, fakeUsers{names: []string{"alice", "bob", "carol"}}, r)

	if strings.Join(r.users, ",") != "alice,bob,carol" {
		t.Errorf("reindexed %v, want every user despite a failure", r.users)
	}

	r = &fakeReindexer{}
	warmIndex(ctx, fakeUsers{err: errors.New("db locked")}, r)
	if len(r.users) != 0 {
		t.Errorf("reindexed %v after listing failed", r.users)
	}
}

func TestNewLexicalIndex(t *testing.T) {
	cfg := config.Config{}
	cfg.Lexical.Backend = "memory"
	if _, ok := newLexicalIndex(cfg).(*lexical.MemoryIndex); !ok {
		t.Error("memory backend did not return a MemoryIndex")
	}

	cfg.Lexical.Backend = "algolia"
	cfg.Algolia = config.AlgoliaConfig{AppID: "APP", APIKey: "k", Index: "entries"}
	if _, ok := newLexicalIndex(cfg).(*lexical.Algolia); !ok {
		t.Error("algolia backend did not return an Algolia index")
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := logLevel(in); got != want {
			t.Errorf("logLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestClip(t *testing.T) {
	if got := clip("a  b\n c", 10); got != "a b c" {
		t.Errorf("clip = %q", got)
	}
	if got := clip("ééééé", 3); got != "ééé..." {
		t.Errorf("clip = %q", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" trip, ,family ,")
	if len(got) != 2 || got[0] != "trip" || got[1] != "family" {
		t.Errorf("splitList = %v", got)
	}
	if got := splitList(""); got == nil || len(got) != 0 {
		t.Errorf("splitList(\"\") = %#v, want empty slice", got)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		if got := countLabel(tt.count, tt.limit); got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}
