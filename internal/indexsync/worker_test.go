package indexsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/memoir/internal/storage"
)

type mockSyncer struct {
	mu     sync.Mutex
	synced []string
	syncFn func(ctx context.Context, entryID string) error
}

func (m *mockSyncer) SyncIndex(ctx context.Context, entryID string) error {
	if m.syncFn != nil {
		if err := m.syncFn(ctx, entryID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = append(m.synced, entryID)
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func jobStatus(t *testing.T, store *storage.Store, entryID string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	err := store.DB().QueryRow(
		`SELECT status, attempts FROM jobs WHERE json_extract(payload_json, '$.entry_id') = ?`, entryID,
	).Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("query job for %s: %v", entryID, err)
	}
	return status, attempts
}

// makeRunnable clears the FailJob backoff so the job can be claimed again.
func makeRunnable(t *testing.T, store *storage.Store) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE status = 'pending'`, now); err != nil {
		t.Fatalf("makeRunnable: %v", err)
	}
}

func TestEnqueue_WritesPayload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := Enqueue(ctx, store, JobDelete, "entry-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := store.ClaimNextJob(ctx, JobTypes)
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	if job.Type != JobDelete {
		t.Errorf("Type = %q", job.Type)
	}
	if job.PayloadJSON != `{"entry_id":"entry-1"}` {
		t.Errorf("PayloadJSON = %s", job.PayloadJSON)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := Enqueue(ctx, store, JobUpsert, "entry-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	syncer := &mockSyncer{}
	w := NewWorker(store, syncer, 0)

	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(syncer.synced) != 1 || syncer.synced[0] != "entry-1" {
		t.Errorf("synced = %v", syncer.synced)
	}
	if status, _ := jobStatus(t, store, "entry-1"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_IdleWhenQueueEmpty(t *testing.T) {
	w := NewWorker(openTestStore(t), &mockSyncer{}, 0)
	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := Enqueue(ctx, store, JobUpsert, "entry-r"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	calls := 0
	syncer := &mockSyncer{syncFn: func(context.Context, string) error {
		calls++
		if calls <= 2 {
			return fmt.Errorf("transient error %d", calls)
		}
		return nil
	}}
	w := NewWorker(store, syncer, 0)

	for i := 1; i <= 2; i++ {
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		status, attempts := jobStatus(t, store, "entry-r")
		if status != "pending" || attempts != i {
			t.Errorf("after fail %d: status=%q attempts=%d", i, status, attempts)
		}
		makeRunnable(t, store)
	}

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if status, _ := jobStatus(t, store, "entry-r"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_MaxAttemptsExceeded(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := storage.Job{ID: "job-m", Type: JobUpsert, PayloadJSON: `{"entry_id":"entry-m"}`, MaxAttempts: 3}
	if err := store.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	w := NewWorker(store, &mockSyncer{syncFn: func(context.Context, string) error {
		return fmt.Errorf("index unavailable")
	}}, 0)

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil || !didWork {
			t.Fatalf("RunOnce %d = %v, %v", i, didWork, err)
		}
		makeRunnable(t, store)
	}

	status, attempts := jobStatus(t, store, "entry-m")
	if status != "failed" || attempts != 3 {
		t.Errorf("status=%q attempts=%d, want failed/3", status, attempts)
	}
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Error("failed job was claimed again")
	}
}

func TestWorker_BadPayloadFailsJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.EnqueueJob(ctx, storage.Job{ID: "job-bad", Type: JobDelete, PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	syncer := &mockSyncer{}
	w := NewWorker(store, syncer, 0)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(syncer.synced) != 0 {
		t.Errorf("syncer called for empty payload: %v", syncer.synced)
	}

	var status, lastErr string
	if err := store.DB().QueryRow(`SELECT status, last_error FROM jobs WHERE id = 'job-bad'`).Scan(&status, &lastErr); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "failed" || lastErr == "" {
		t.Errorf("status=%q last_error=%q", status, lastErr)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 3; i++ {
		if err := Enqueue(ctx, store, JobUpsert, fmt.Sprintf("entry-%d", i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	syncer := &mockSyncer{}
	w := NewWorker(store, syncer, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		n, err := store.CountJobs(context.Background(), "completed")
		if err != nil {
			t.Fatalf("CountJobs: %v", err)
		}
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d/3 jobs completed", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
