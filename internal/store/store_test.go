package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haricheung/taskflow/internal/types"
)

// runAndStop opens a store, lets fn enqueue work, then cancels Run and waits
// for the drain + close to finish.
func runAndStop(t *testing.T, path string, fn func(s *Store)) {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	fn(s)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func sample(id string, state types.TaskState) types.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return types.Task{
		ID:        id,
		Input:     "open example.com",
		State:     state,
		Steps:     []types.Step{{Index: 0, Type: types.StepWeb, Instruction: "open", Status: types.StepCompleted, Result: "ok"}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_WritesSurviveReopen(t *testing.T) {
	// Snapshots enqueued before Run is cancelled are readable after reopening
	path := filepath.Join(t.TempDir(), "db")
	runAndStop(t, path, func(s *Store) {
		s.Write(sample("a", types.TaskPending))
		s.Write(sample("a", types.TaskCompleted))
		s.Write(sample("b", types.TaskFailed))
	})

	s, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.db.Close()

	tasks, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	byID := map[string]types.Task{}
	for _, tk := range tasks {
		byID[tk.ID] = tk
	}
	if byID["a"].State != types.TaskCompleted {
		t.Errorf("task a state = %s, want completed (last write wins)", byID["a"].State)
	}
	if len(byID["a"].Steps) != 1 || byID["a"].Steps[0].Result != "ok" {
		t.Errorf("steps not round-tripped: %+v", byID["a"].Steps)
	}
}

func TestStore_CountByStateTracksLatestState(t *testing.T) {
	// Each task is counted once, under its most recently written state
	path := filepath.Join(t.TempDir(), "db")
	runAndStop(t, path, func(s *Store) {
		s.Write(sample("a", types.TaskPending))
		s.Write(sample("a", types.TaskExecuting))
		s.Write(sample("a", types.TaskCompleted))
		s.Write(sample("b", types.TaskFailed))
	})

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.db.Close()
	counts, err := s.CountByState()
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.TaskCompleted] != 1 || counts[types.TaskFailed] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
	if counts[types.TaskPending] != 0 || counts[types.TaskExecuting] != 0 {
		t.Errorf("stale state index entries remain: %v", counts)
	}
}

func TestStore_DeleteRemovesRecordAndIndex(t *testing.T) {
	// Delete removes both the primary record and its state index entry
	path := filepath.Join(t.TempDir(), "db")
	runAndStop(t, path, func(s *Store) {
		s.Write(sample("a", types.TaskCompleted))
		s.Delete("a")
		s.Delete("never-existed")
	})

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.db.Close()
	tasks, _ := s.LoadAll()
	if len(tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(tasks))
	}
	counts, _ := s.CountByState()
	if counts[types.TaskCompleted] != 0 {
		t.Errorf("state index not cleaned: %v", counts)
	}
}

func TestStore_WriteIsNonBlockingWhenQueueFull(t *testing.T) {
	// Non-blocking: never blocks the caller goroutine
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.db.Close()
	done := make(chan struct{})
	go func() {
		for i := 0; i < writeQueueSize+50; i++ {
			s.Write(sample("x", types.TaskPending))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked with no consumer running")
	}
}
