package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const entryColumns = `id, username, text, date, tags, embedding, attachments, created_at, updated_at`

// CreateEntry inserts e. The caller assigns the ID.
func (s *Store) CreateEntry(ctx context.Context, e Entry) error {
	attachments, err := encodeAttachments(e.Attachments)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Username, e.Text, formatTime(e.Date), e.Tags, encodeFloat32s(e.Embedding),
		attachments, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry returns the entry with the given id or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading entry %s: %w", id, err)
	}
	return e, nil
}

// FetchAll returns every entry owned by username, newest date first.
// This is the per-request snapshot the retrieval fuses against.
func (s *Store) FetchAll(ctx context.Context, username string) ([]Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM entries WHERE username = ?
		ORDER BY date DESC, created_at DESC`, username)
}

// ListEntries pages through a user's entries, newest date first.
func (s *Store) ListEntries(ctx context.Context, username string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM entries WHERE username = ?
		ORDER BY date DESC, created_at DESC LIMIT ? OFFSET ?`, username, limit, offset)
}

// CountEntries returns the number of entries owned by username.
func (s *Store) CountEntries(ctx context.Context, username string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE username = ?`, username).Scan(&n)
	return n, err
}

// Usernames returns every user that owns at least one entry.
func (s *Store) Usernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT username FROM entries ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing usernames: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateEntry applies the non-nil fields of u and returns the stored result.
func (s *Store) UpdateEntry(ctx context.Context, id string, u EntryUpdate) (Entry, error) {
	var sets []string
	var args []any

	if u.Text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *u.Text)
	}
	if u.Date != nil {
		sets = append(sets, "date = ?")
		args = append(args, formatTime(*u.Date))
	}
	if u.Tags != nil {
		sets = append(sets, "tags = ?")
		args = append(args, *u.Tags)
	}
	if u.Embedding != nil {
		sets = append(sets, "embedding = ?")
		args = append(args, encodeFloat32s(*u.Embedding))
	}
	if u.Attachments != nil {
		a, err := encodeAttachments(*u.Attachments)
		if err != nil {
			return Entry{}, err
		}
		sets = append(sets, "attachments = ?")
		args = append(args, a)
	}

	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, formatTime(time.Now().UTC()), id)
		res, err := s.db.ExecContext(ctx, `UPDATE entries SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return Entry{}, fmt.Errorf("updating entry %s: %w", id, err)
		}
		if err := expectOneRow(res); err != nil {
			return Entry{}, err
		}
	}

	return s.GetEntry(ctx, id)
}

// DeleteEntry removes the entry; ErrNotFound if it did not exist.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting entry %s: %w", id, err)
	}
	return expectOneRow(res)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var date, createdAt, updatedAt, attachments string
	var blob []byte
	if err := r.Scan(&e.ID, &e.Username, &e.Text, &date, &e.Tags, &blob, &attachments, &createdAt, &updatedAt); err != nil {
		return Entry{}, err
	}

	var err error
	if e.Date, err = time.Parse(time.RFC3339, date); err != nil {
		return Entry{}, fmt.Errorf("parsing date of entry %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Entry{}, fmt.Errorf("parsing created_at of entry %s: %w", e.ID, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Entry{}, fmt.Errorf("parsing updated_at of entry %s: %w", e.ID, err)
	}
	if e.Embedding, err = decodeFloat32s(blob); err != nil {
		return Entry{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(attachments), &e.Attachments); err != nil {
		return Entry{}, fmt.Errorf("parsing attachments of entry %s: %w", e.ID, err)
	}
	return e, nil
}

func encodeAttachments(a []string) (string, error) {
	if a == nil {
		a = []string{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encoding attachments: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
