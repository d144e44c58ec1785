package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SaveQuery appends a record to the query history.
func (s *Store) SaveQuery(ctx context.Context, q QueryRecord) error {
	ids := q.EntryIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding entry ids: %w", err)
	}
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_history (id, username, created_at, query, answer, state, entry_ids, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Username, formatTime(createdAt), q.Query, q.Answer, q.State, string(idsJSON), q.Error,
	)
	if err != nil {
		return fmt.Errorf("saving query %s: %w", q.ID, err)
	}
	return nil
}

// RecentQueries returns the newest history records of username.
func (s *Store) RecentQueries(ctx context.Context, username string, limit int) ([]QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, created_at, query, answer, state, entry_ids, error
		FROM query_history WHERE username = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, username, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueryRecord
	for rows.Next() {
		var q QueryRecord
		var createdAt, ids string
		if err := rows.Scan(&q.ID, &q.Username, &createdAt, &q.Query, &q.Answer, &q.State, &ids, &q.Error); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		q.CreatedAt = t
		if err := json.Unmarshal([]byte(ids), &q.EntryIDs); err != nil {
			return nil, fmt.Errorf("parsing entry ids of query %s: %w", q.ID, err)
		}
		results = append(results, q)
	}
	return results, rows.Err()
}
