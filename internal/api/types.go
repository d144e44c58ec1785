package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/memoir/internal/pipeline"
	"github.com/kalambet/memoir/internal/retrieval"
	"github.com/kalambet/memoir/internal/storage"
)

// EntryRequest is the body of POST /entries and PATCH /entries/{id}. On
// PATCH, absent fields are left unchanged.
type EntryRequest struct {
	Text        *string   `json:"text,omitempty"`
	Date        *string   `json:"date,omitempty"` // RFC 3339 or YYYY-MM-DD
	Tags        *[]string `json:"tags,omitempty"`
	Attachments *[]string `json:"attachments,omitempty"`
}

// EntryJSON is an entry as returned by the API.
type EntryJSON struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Date         time.Time `json:"date"`
	Tags         []string  `json:"tags"`
	Attachments  []string  `json:"attachments"`
	HasEmbedding bool      `json:"has_embedding"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toEntryJSON(e storage.Entry) EntryJSON {
	out := EntryJSON{
		ID:           e.ID,
		Text:         e.Text,
		Date:         e.Date,
		Tags:         splitTags(e.Tags),
		Attachments:  e.Attachments,
		HasEmbedding: len(e.Embedding) > 0,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	if out.Attachments == nil {
		out.Attachments = []string{}
	}
	return out
}

func splitTags(tags string) []string {
	out := []string{}
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// AskRequest is the body of POST /ask. Asks sharing a Session id supersede
// each other.
type AskRequest struct {
	Query   string `json:"query"`
	Session string `json:"session,omitempty"`
}

// SourceJSON is one grounding entry of an answer.
type SourceJSON struct {
	Entry       EntryJSON `json:"entry"`
	Score       float64   `json:"score"`
	Similarity  float64   `json:"similarity"`
	FromLexical bool      `json:"from_lexical"`
}

// AskResponse is the body returned by POST /ask.
type AskResponse struct {
	ID                string       `json:"id"`
	Answer            string       `json:"answer"`
	Found             bool         `json:"found"`
	NoRelevantEntries bool         `json:"no_relevant_entries"`
	Fallback          bool         `json:"fallback"`
	DegradedEmbedding bool         `json:"degraded_embedding"`
	Sources           []SourceJSON `json:"sources"`
	States            []string     `json:"states"`
	DurationMs        int64        `json:"duration_ms"`
}

func toAskResponse(r pipeline.Response) AskResponse {
	out := AskResponse{
		ID:                r.ID,
		Answer:            r.Answer,
		Found:             r.Found,
		NoRelevantEntries: r.NoRelevantEntries,
		Fallback:          r.Fallback,
		DegradedEmbedding: r.DegradedEmbedding,
		Sources:           toSources(r.Candidates),
		DurationMs:        r.DurationMs,
	}
	for _, s := range r.States {
		out.States = append(out.States, string(s))
	}
	return out
}

func toSources(cs []retrieval.Candidate) []SourceJSON {
	out := make([]SourceJSON, len(cs))
	for i, c := range cs {
		out[i] = SourceJSON{
			Entry:       toEntryJSON(c.Entry),
			Score:       c.Score,
			Similarity:  c.Similarity,
			FromLexical: c.FromLexical,
		}
	}
	return out
}

// QueryJSON is one query history record.
type QueryJSON struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	State     string    `json:"state"`
	EntryIDs  []string  `json:"entry_ids"`
	Error     string    `json:"error,omitempty"`
}

func toQueryJSON(q storage.QueryRecord) QueryJSON {
	ids := q.EntryIDs
	if ids == nil {
		ids = []string{}
	}
	return QueryJSON{
		ID:        q.ID,
		CreatedAt: q.CreatedAt,
		Query:     q.Query,
		Answer:    q.Answer,
		State:     q.State,
		EntryIDs:  ids,
		Error:     q.Error,
	}
}

// ParseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates (UTC
// midnight).
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want RFC 3339 or YYYY-MM-DD", s)
}
