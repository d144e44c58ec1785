package lexical

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// typoMinLength is the shortest token allowed to match with one typo.
const typoMinLength = 8

// MemoryIndex is an in-process Index for local use without a hosted search
// service. It mirrors the Algolia configuration: text and tags are searched,
// English stop words are dropped, only long words tolerate a typo, and ties
// are broken by newest date.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	Record
	tokens map[string]struct{}
}

var _ Index = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]memoryRecord)}
}

func (m *MemoryIndex) Configure(context.Context) error { return nil }

func (m *MemoryIndex) IndexEntry(_ context.Context, r Record) error {
	r.Text = Normalize(r.Text)
	r.Username = Normalize(r.Username)
	r.Tags = Normalize(r.Tags)

	tokens := make(map[string]struct{})
	for _, t := range tokenize(r.Text + " " + r.Tags) {
		tokens[t] = struct{}{}
	}

	m.mu.Lock()
	m.records[r.ObjectID] = memoryRecord{Record: r, tokens: tokens}
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) DeleteEntry(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

// Get returns the stored record, for inspection.
func (m *MemoryIndex) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r.Record, ok
}

// Len returns the number of indexed records.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

type memoryHit struct {
	id      string
	matched int
	date    int64
}

func (m *MemoryIndex) Search(_ context.Context, query, username string) ([]string, error) {
	terms := tokenize(Normalize(query))
	if len(terms) == 0 {
		return nil, nil
	}
	user := Normalize(username)

	m.mu.RLock()
	var hits []memoryHit
	for id, r := range m.records {
		if r.Username != user {
			continue
		}
		n := 0
		for _, term := range terms {
			if r.matches(term) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, memoryHit{id: id, matched: n, date: r.Date})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].matched != hits[j].matched {
			return hits[i].matched > hits[j].matched
		}
		if hits[i].date != hits[j].date {
			return hits[i].date > hits[j].date
		}
		return hits[i].id < hits[j].id
	})

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

func (r memoryRecord) matches(term string) bool {
	if _, ok := r.tokens[term]; ok {
		return true
	}
	if len([]rune(term)) < typoMinLength {
		return false
	}
	for tok := range r.tokens {
		if withinOneEdit(term, tok) {
			return true
		}
	}
	return false
}

// tokenize splits s into lowercase words and drops English stop words.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f == "" || isStopWord(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// withinOneEdit reports whether a and b differ by at most one insertion,
// deletion or substitution.
func withinOneEdit(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(ra)-len(rb) > 1 {
		return false
	}
	i, j, edits := 0, 0, 0
	for i < len(ra) && j < len(rb) {
		if ra[i] == rb[j] {
			i++
			j++
			continue
		}
		edits++
		if edits > 1 {
			return false
		}
		if len(ra) == len(rb) {
			j++
		}
		i++
	}
	return edits+(len(ra)-i) <= 1
}
