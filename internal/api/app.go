package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/pipeline"
	"github.com/kalambet/memoir/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Journal is the entry write path.
type Journal interface {
	Create(ctx context.Context, username string, in journal.NewEntry) (storage.Entry, error)
	Get(ctx context.Context, username, id string) (storage.Entry, error)
	List(ctx context.Context, username string, limit, offset int) ([]storage.Entry, error)
	Update(ctx context.Context, username, id string, patch journal.EntryPatch) (storage.Entry, error)
	Delete(ctx context.Context, username, id string) error
	Reindex(ctx context.Context, username string) (journal.ReindexStats, error)
}

// KeywordExtractor extracts search keywords from a question.
type KeywordExtractor interface {
	ExtractKeywords(ctx context.Context, query string) (string, error)
}

// HistoryReader reads the query history.
type HistoryReader interface {
	RecentQueries(ctx context.Context, username string, limit int) ([]storage.QueryRecord, error)
}

type AppDeps struct {
	Journal  Journal
	Asker    pipeline.Asker
	Sessions *pipeline.Sessions // optional; without it the session field of /ask is ignored
	Keywords KeywordExtractor
	History  HistoryReader
	Token    string
}

// NewAppHandler returns the journal REST API. Everything except /health
// needs the bearer token and a user header.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(RequireUser)

		r.Post("/entries", handleCreateEntry(deps))
		r.Get("/entries", handleListEntries(deps))
		r.Get("/entries/{id}", handleGetEntry(deps))
		r.Patch("/entries/{id}", handleUpdateEntry(deps))
		r.Delete("/entries/{id}", handleDeleteEntry(deps))
		r.Post("/ask", handleAsk(deps))
		r.Post("/keywords", handleKeywords(deps))
		r.Get("/history", handleHistory(deps))
		r.Post("/reindex", handleReindex(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// user is set by RequireUser; the lookup cannot fail behind it.
func user(r *http.Request) string {
	u, _ := journal.UserFrom(r.Context())
	return u
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleCreateEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EntryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Text == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		in := journal.NewEntry{Text: *req.Text}
		if req.Date != nil {
			d, err := ParseDate(*req.Date)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			in.Date = d
		}
		if req.Tags != nil {
			in.Tags = *req.Tags
		}
		if req.Attachments != nil {
			in.Attachments = *req.Attachments
		}

		e, err := deps.Journal.Create(r.Context(), user(r), in)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(toEntryJSON(e))
	}
}

func handleListEntries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		entries, err := deps.Journal.List(r.Context(), user(r), limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]EntryJSON, len(entries))
		for i, e := range entries {
			out[i] = toEntryJSON(e)
		}
		writeJSON(w, out)
	}
}

func handleGetEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Journal.Get(r.Context(), user(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, toEntryJSON(e))
	}
}

func handleUpdateEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EntryRequest
		if !decodeBody(w, r, &req) {
			return
		}

		patch := journal.EntryPatch{Text: req.Text, Tags: req.Tags, Attachments: req.Attachments}
		if req.Date != nil {
			d, err := ParseDate(*req.Date)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			patch.Date = &d
		}

		e, err := deps.Journal.Update(r.Context(), user(r), chi.URLParam(r, "id"), patch)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, toEntryJSON(e))
	}
}

func handleDeleteEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Journal.Delete(r.Context(), user(r), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		var (
			resp pipeline.Response
			err  error
		)
		if req.Session != "" && deps.Sessions != nil {
			resp, err = deps.Sessions.Get(user(r), req.Session).Ask(r.Context(), req.Query)
		} else {
			resp, err = deps.Asker.Ask(r.Context(), user(r), req.Query)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, toAskResponse(resp))
	}
}

func handleKeywords(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		kw, err := deps.Keywords.ExtractKeywords(r.Context(), req.Query)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"keywords": kw})
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		records, err := deps.History.RecentQueries(r.Context(), user(r), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]QueryJSON, len(records))
		for i, q := range records {
			out[i] = toQueryJSON(q)
		}
		writeJSON(w, out)
	}
}

func handleReindex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Journal.Reindex(r.Context(), user(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, ReindexJSON{
			Entries:     stats.Entries,
			Embedded:    stats.Embedded,
			Indexed:     stats.Indexed,
			Deferred:    stats.Deferred,
			EmbedFailed: stats.EmbedFailed,
		})
	}
}

// ReindexJSON is the body returned by POST /reindex.
type ReindexJSON struct {
	Entries     int `json:"entries"`
	Embedded    int `json:"embedded"`
	Indexed     int `json:"indexed"`
	Deferred    int `json:"deferred"`
	EmbedFailed int `json:"embed_failed"`
}
