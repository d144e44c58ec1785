package lexical

import (
	"context"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kalambet/memoir/internal/storage"
)

// Index is a full-text index of journal entries, one Record per Entry.
// Two backends exist: Algolia (hosted) and MemoryIndex (in-process).
//
// Search must only return ids of records owned by the given user.
type Index interface {
	// Configure applies the index settings. Safe to call repeatedly.
	Configure(ctx context.Context) error

	// IndexEntry creates or replaces the record with r.ObjectID.
	IndexEntry(ctx context.Context, r Record) error

	// DeleteEntry removes the record. Deleting a missing id is not an error.
	DeleteEntry(ctx context.Context, id string) error

	// Search returns matching entry ids for username, best match first.
	Search(ctx context.Context, query, username string) ([]string, error)
}

// Record is the indexed projection of an Entry. Text, Username and Tags are
// always lowercase; Date is unix seconds.
type Record struct {
	ObjectID string `json:"objectID"`
	Text     string `json:"text"`
	Username string `json:"username"`
	Date     int64  `json:"date"`
	Tags     string `json:"tags"`
}

// NewRecord builds the lowercased index record of e.
func NewRecord(e storage.Entry) Record {
	return Record{
		ObjectID: e.ID,
		Text:     Normalize(e.Text),
		Username: Normalize(e.Username),
		Date:     e.Date.Unix(),
		Tags:     Normalize(e.Tags),
	}
}

// Normalize lowercases s with Unicode case folding rules.
func Normalize(s string) string {
	// A Caser keeps state between calls, so each call gets its own.
	return cases.Lower(language.Und).String(s)
}

// Settings is the index configuration understood by Algolia's settings API.
type Settings struct {
	SearchableAttributes  []string `json:"searchableAttributes"`
	AttributesForFaceting []string `json:"attributesForFaceting"`
	CustomRanking         []string `json:"customRanking"`
}

// DefaultSettings searches text and tags, filters on username only, and
// breaks relevance ties by newest date.
func DefaultSettings() Settings {
	return Settings{
		SearchableAttributes:  []string{"text", "tags"},
		AttributesForFaceting: []string{"filterOnly(username)"},
		CustomRanking:         []string{"desc(date)"},
	}
}
