package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/kalambet/memoir/internal/indexsync"
	"github.com/kalambet/memoir/internal/lexical"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/storage"
)

// ErrInvalidEntry wraps every validation failure of an entry write.
var ErrInvalidEntry = errors.New("invalid entry")

// MaxTextLength is the longest entry text accepted, in characters.
const MaxTextLength = 10000

// indexAttempts bounds the inline index step; after that the outbox takes over.
const indexAttempts = 3

// indexTimeout bounds the inline index step once the store write has committed.
const indexTimeout = 30 * time.Second

// Store is the subset of the EntryStore the service writes through.
type Store interface {
	CreateEntry(ctx context.Context, e storage.Entry) error
	GetEntry(ctx context.Context, id string) (storage.Entry, error)
	FetchAll(ctx context.Context, username string) ([]storage.Entry, error)
	ListEntries(ctx context.Context, username string, limit, offset int) ([]storage.Entry, error)
	UpdateEntry(ctx context.Context, id string, u storage.EntryUpdate) (storage.Entry, error)
	DeleteEntry(ctx context.Context, id string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Embedder produces entry embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer is the write side of the lexical index.
type Indexer interface {
	IndexEntry(ctx context.Context, r lexical.Record) error
	DeleteEntry(ctx context.Context, id string) error
}

// Service is the single write path for journal entries. Every mutation goes
// to the store first, then to the lexical index.
type Service struct {
	store      Store
	embedder   Embedder
	index      Indexer
	now        func() time.Time
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBackOff sets the backoff used between inline index attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Service) { s.newBackOff = fn }
}

// NewService creates a Service.
func NewService(store Store, embedder Embedder, index Indexer, opts ...Option) *Service {
	s := &Service{
		store:      store,
		embedder:   embedder,
		index:      index,
		now:        time.Now,
		newBackOff: defaultBackOff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

// NewEntry is the input of Create.
type NewEntry struct {
	Text        string
	Date        time.Time // zero means now
	Tags        []string
	Attachments []string
}

// EntryPatch is the input of Update; nil fields are left unchanged.
type EntryPatch struct {
	Text        *string
	Date        *time.Time
	Tags        *[]string
	Attachments *[]string
}

// Create validates, embeds and stores a new entry, then indexes it.
func (s *Service) Create(ctx context.Context, username string, in NewEntry) (storage.Entry, error) {
	if username == "" {
		return storage.Entry{}, ErrNotAuthenticated
	}
	now := s.now().UTC()

	text, err := validateText(in.Text)
	if err != nil {
		return storage.Entry{}, err
	}
	date := in.Date
	if date.IsZero() {
		date = now
	}
	if err := validateDate(date, now); err != nil {
		return storage.Entry{}, err
	}

	e := storage.Entry{
		ID:          uuid.NewString(),
		Username:    username,
		Text:        text,
		Date:        date.UTC(),
		Tags:        NormalizeTags(in.Tags),
		Attachments: in.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.Embedding = s.embed(ctx, e.ID, text)

	if err := s.store.CreateEntry(ctx, e); err != nil {
		return storage.Entry{}, fmt.Errorf("saving entry: %w", err)
	}
	if err := s.upsertIndex(ctx, e); err != nil {
		return e, err
	}
	return e, nil
}

// Get returns one of username's entries. Entries of other users are
// reported as storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, username, id string) (storage.Entry, error) {
	if username == "" {
		return storage.Entry{}, ErrNotAuthenticated
	}
	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return storage.Entry{}, err
	}
	if e.Username != username {
		return storage.Entry{}, storage.ErrNotFound
	}
	return e, nil
}

// List returns a page of username's entries, newest first.
func (s *Service) List(ctx context.Context, username string, limit, offset int) ([]storage.Entry, error) {
	if username == "" {
		return nil, ErrNotAuthenticated
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListEntries(ctx, username, limit, offset)
}

// Update applies patch to one of username's entries. Changing the text
// replaces the stored embedding, or clears it when the new text cannot be
// embedded.
func (s *Service) Update(ctx context.Context, username, id string, patch EntryPatch) (storage.Entry, error) {
	current, err := s.Get(ctx, username, id)
	if err != nil {
		return storage.Entry{}, err
	}

	var u storage.EntryUpdate
	changed := false

	if patch.Text != nil {
		text, err := validateText(*patch.Text)
		if err != nil {
			return storage.Entry{}, err
		}
		if text != current.Text {
			vec := s.embed(ctx, id, text)
			if vec == nil {
				vec = []float32{}
			}
			u.Text = &text
			u.Embedding = &vec
			changed = true
		}
	}
	if patch.Date != nil {
		date := patch.Date.UTC()
		if err := validateDate(date, s.now().UTC()); err != nil {
			return storage.Entry{}, err
		}
		u.Date = &date
		changed = true
	}
	if patch.Tags != nil {
		tags := NormalizeTags(*patch.Tags)
		u.Tags = &tags
		changed = true
	}
	if patch.Attachments != nil {
		u.Attachments = patch.Attachments
		changed = true
	}
	if !changed {
		return current, nil
	}

	updated, err := s.store.UpdateEntry(ctx, id, u)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("updating entry: %w", err)
	}
	if err := s.upsertIndex(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// Delete removes one of username's entries from the store and the index.
func (s *Service) Delete(ctx context.Context, username, id string) error {
	if _, err := s.Get(ctx, username, id); err != nil {
		return err
	}
	if err := s.store.DeleteEntry(ctx, id); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}

	return s.syncAfterWrite(ctx, indexsync.JobDelete, id, func(ctx context.Context) error {
		return s.index.DeleteEntry(ctx, id)
	})
}

// SyncIndex makes the lexical record of entryID match the store. It is the
// handler of queued index sync jobs.
func (s *Service) SyncIndex(ctx context.Context, entryID string) error {
	e, err := s.store.GetEntry(ctx, entryID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.index.DeleteEntry(ctx, entryID)
	}
	if err != nil {
		return err
	}
	return s.index.IndexEntry(ctx, lexical.NewRecord(e))
}

// ReindexStats summarises a Reindex run.
type ReindexStats struct {
	Entries  int
	Embedded int
	Indexed     int
	Deferred    int
	EmbedFailed int
}

// Reindex embeds every entry of username that has no embedding and pushes
// all of the user's records to the lexical index again. Embedding is best
// effort: entries the provider cannot embed are still indexed.
func (s *Service) Reindex(ctx context.Context, username string) (ReindexStats, error) {
	var stats ReindexStats
	if username == "" {
		return stats, ErrNotAuthenticated
	}
	entries, err := s.store.FetchAll(ctx, username)
	if err != nil {
		return stats, fmt.Errorf("loading entries: %w", err)
	}
	stats.Entries = len(entries)

	var missing []int
	var texts []string
	for i, e := range entries {
		if len(e.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, e.Text)
		}
	}
	if len(texts) > 0 {
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			s.logger.Warn("batch re-embedding failed, embedding entries one by one", "user", username, "error", err)
			vecs = make([][]float32, len(texts))
			for j, i := range missing {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				vecs[j] = s.embed(ctx, entries[i].ID, texts[j])
			}
		}
		for j, i := range missing {
			vec := vecs[j]
			if len(vec) == 0 {
				stats.EmbedFailed++
				continue
			}
			updated, err := s.store.UpdateEntry(ctx, entries[i].ID, storage.EntryUpdate{Embedding: &vec})
			if err != nil {
				return stats, fmt.Errorf("saving embedding for %s: %w", entries[i].ID, err)
			}
			entries[i] = updated
			stats.Embedded++
		}
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		err := s.retry(ctx, func() error { return s.index.IndexEntry(ctx, lexical.NewRecord(e)) })
		if err == nil {
			stats.Indexed++
			continue
		}
		if err := s.deferIndex(ctx, indexsync.JobUpsert, e.ID, err); err != nil {
			return stats, err
		}
		stats.Deferred++
	}

	s.logger.Info("reindex finished", "user", username,
		"entries", stats.Entries, "embedded", stats.Embedded,
		"indexed", stats.Indexed, "deferred", stats.Deferred,
		"embed_failed", stats.EmbedFailed)
	return stats, nil
}

// embed returns the vector for text, or nil when the provider fails. The
// entry is still saved in that case and stays reachable lexically.
func (s *Service) embed(ctx context.Context, entryID, text string) []float32 {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.Warn("embedding entry failed, saving without embedding", "entry_id", entryID, "error", err)
		return nil
	}
	return vec
}

func (s *Service) upsertIndex(ctx context.Context, e storage.Entry) error {
	return s.syncAfterWrite(ctx, indexsync.JobUpsert, e.ID, func(ctx context.Context) error {
		return s.index.IndexEntry(ctx, lexical.NewRecord(e))
	})
}

// syncAfterWrite runs the index step of a committed store write. The write
// cannot be undone, so the step and the outbox fallback ignore cancellation
// of the caller's context.
func (s *Service) syncAfterWrite(ctx context.Context, jobType, entryID string, op func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	ictx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	err := s.retry(ictx, func() error { return op(ictx) })
	if err == nil {
		return nil
	}
	return s.deferIndex(ctx, jobType, entryID, err)
}

// deferIndex queues the index step for the sync worker. The mutation counts
// as successful once the job is stored.
func (s *Service) deferIndex(ctx context.Context, jobType, entryID string, cause error) error {
	s.logger.Warn("index update failed, queued for retry", "entry_id", entryID, "job", jobType, "error", cause)
	if err := indexsync.Enqueue(ctx, s.store, jobType, entryID); err != nil {
		return fmt.Errorf("index update failed (%v) and could not be queued: %w", cause, err)
	}
	return nil
}

func (s *Service) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), indexAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// retryable reports whether an index error may succeed on a later attempt.
// Client errors other than 429 will not.
func retryable(err error) bool {
	var pe *provider.Error
	if errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 {
		return pe.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func validateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: text is empty", ErrInvalidEntry)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return "", fmt.Errorf("%w: text is %d characters, limit is %d", ErrInvalidEntry, n, MaxTextLength)
	}
	return text, nil
}

func validateDate(date, now time.Time) error {
	if date.After(now) {
		return fmt.Errorf("%w: date %s is in the future", ErrInvalidEntry, date.Format(time.RFC3339))
	}
	return nil
}

// NormalizeTags trims each tag, splits comma-joined input, drops empties and
// case-insensitive duplicates, and joins the rest with commas.
func NormalizeTags(tags []string) string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range tags {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			key := strings.ToLower(t)
			if t == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, t)
		}
	}
	return strings.Join(out, ",")
}
