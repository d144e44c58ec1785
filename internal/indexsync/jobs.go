package indexsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/memoir/internal/storage"
)

// Job types written to the outbox when the lexical index could not be
// updated right after a store write.
const (
	JobUpsert = "index_upsert"
	JobDelete = "index_delete"
)

// JobTypes lists every job type the Worker claims.
var JobTypes = []string{JobUpsert, JobDelete}

// Payload is the JSON body of an index sync job.
type Payload struct {
	EntryID string `json:"entry_id"`
}

// Enqueuer persists outbox jobs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Enqueue schedules an index sync for entryID.
func Enqueue(ctx context.Context, q Enqueuer, jobType, entryID string) error {
	payload, err := json.Marshal(Payload{EntryID: entryID})
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", jobType, err)
	}
	return q.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		PayloadJSON: string(payload),
	})
}
