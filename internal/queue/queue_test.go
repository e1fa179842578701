package queue

import (
	"context"
	"log/slog"
	"io"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnqueueDedupesIdenticalRequests(t *testing.T) {
	jobsPath := filepath.Join(t.TempDir(), "jobs.json")
	started := make(chan struct{})
	block := make(chan struct{})
	run := func(ctx context.Context, job *Job, progress func(Progress), cancel func() bool) error {
		close(started)
		<-block
		return nil
	}

	q, err := New(jobsPath, Config{MaxQueue: 10, JobTimeout: time.Hour, MaxRetries: 1, CheckpointInterval: 50, RetryBaseDelay: time.Millisecond}, run, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer q.Close()
	defer close(block)

	req := Request{Operation: "index", FolderPath: "/tmp/proj"}
	job1, existed1, err := q.Enqueue(req)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if existed1 {
		t.Fatal("first Enqueue() should not report an existing job")
	}

	<-started

	job2, existed2, err := q.Enqueue(req)
	if err != nil {
		t.Fatalf("second Enqueue() failed: %v", err)
	}
	if !existed2 {
		t.Fatal("second Enqueue() of an identical running request should report existed=true")
	}
	if job2.ID != job1.ID {
		t.Errorf("second Enqueue() returned a different job: %s != %s", job2.ID, job1.ID)
	}
}

func TestEnqueueIndexAndAddAreDistinctOperations(t *testing.T) {
	jobsPath := filepath.Join(t.TempDir(), "jobs.json")
	block := make(chan struct{})
	run := func(ctx context.Context, job *Job, progress func(Progress), cancel func() bool) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
			return nil
		}
	}
	q, err := New(jobsPath, Config{MaxQueue: 10, JobTimeout: time.Hour, MaxRetries: 1, CheckpointInterval: 50, RetryBaseDelay: time.Millisecond}, run, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer q.Close()
	defer close(block)

	indexJob, _, err := q.Enqueue(Request{Operation: "index", FolderPath: "/tmp/proj"})
	if err != nil {
		t.Fatalf("Enqueue(index) failed: %v", err)
	}
	addJob, _, err := q.Enqueue(Request{Operation: "add", FolderPath: "/tmp/proj"})
	if err != nil {
		t.Fatalf("Enqueue(add) failed: %v", err)
	}
	if indexJob.DedupeKey == addJob.DedupeKey {
		t.Error("index and add operations on the same folder must have distinct dedupe keys")
	}
}

func TestGetNotFound(t *testing.T) {
	jobsPath := filepath.Join(t.TempDir(), "jobs.json")
	run := func(ctx context.Context, job *Job, progress func(Progress), cancel func() bool) error { return nil }
	q, err := New(jobsPath, DefaultConfig(), run, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer q.Close()

	if _, err := q.Get("does-not-exist"); err != ErrNotFound {
		t.Errorf("Get() on unknown id = %v, want ErrNotFound", err)
	}
}

func TestCancelPendingJobTransitionsImmediately(t *testing.T) {
	jobsPath := filepath.Join(t.TempDir(), "jobs.json")
	hold := make(chan struct{})
	run := func(ctx context.Context, job *Job, progress func(Progress), cancel func() bool) error {
		<-hold
		return nil
	}
	q, err := New(jobsPath, Config{MaxQueue: 10, JobTimeout: time.Hour, MaxRetries: 1, CheckpointInterval: 50, RetryBaseDelay: time.Millisecond}, run, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer q.Close()
	defer close(hold)

	running, _, err := q.Enqueue(Request{Operation: "index", FolderPath: "/tmp/a"})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	_ = running

	pending, _, err := q.Enqueue(Request{Operation: "index", FolderPath: "/tmp/b"})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := q.Cancel(pending.ID); err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}
	got, err := q.Get(pending.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("pending job status = %s, want CANCELLED", got.Status)
	}
}
