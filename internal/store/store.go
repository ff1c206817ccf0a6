// Package store persists task snapshots in LevelDB so finished tasks survive
// a restart. The registry is the sole writer; reads happen once at start-up.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/taskflow/internal/types"
)

// LevelDB key prefix scheme. "|" never occurs in a uuid or a state name.
//
//	t|<id>           → Task JSON   (primary record)
//	s|<state>|<id>   → nil         (state index for counts and scans)
const (
	prefixTask  = "t|"
	prefixState = "s|"
)

const writeQueueSize = 1024

type op struct {
	task     types.Task
	deleteID string
}

// Store is the LevelDB-backed task snapshot store.
// Write and Delete are async (fire-and-forget channel); LoadAll and
// CountByState are synchronous.
type Store struct {
	db      *leveldb.DB
	writeCh chan op
}

// Open opens (or creates) a LevelDB database at dbPath.
// LevelDB is single-writer: a second process on the same path fails here.
func Open(dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	return &Store{db: db, writeCh: make(chan op, writeQueueSize)}, nil
}

// Write enqueues a task snapshot for async persistence.
//
// Expectations:
//   - Non-blocking: never blocks the caller goroutine
//   - Drops the snapshot with a warning when the queue is at capacity
//   - Writes for the same task are applied in enqueue order
func (s *Store) Write(t types.Task) {
	select {
	case s.writeCh <- op{task: t.Clone()}:
	default:
		slog.Warn("[STORE] write queue full, dropping snapshot", "task_id", t.ID, "state", t.State)
	}
}

// Delete enqueues removal of a task record. Non-blocking.
func (s *Store) Delete(id string) {
	select {
	case s.writeCh <- op{deleteID: id}:
	default:
		slog.Warn("[STORE] write queue full, dropping delete", "task_id", id)
	}
}

// Run applies queued writes until ctx is cancelled, then drains the queue
// and closes the DB.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drainWriteQueue()
			if err := s.db.Close(); err != nil {
				slog.Warn("[STORE] DB close error", "error", err)
			}
			return
		case o := <-s.writeCh:
			s.apply(o)
		}
	}
}

// LoadAll returns every persisted task. Records that fail to decode are
// skipped with a warning.
func (s *Store) LoadAll() ([]types.Task, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixTask)), nil)
	defer iter.Release()

	var out []types.Task
	for iter.Next() {
		var t types.Task
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			slog.Warn("[STORE] skipping undecodable record", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, iter.Error()
}

// CountByState scans the state index and returns the number of tasks per state.
//
// Expectations:
//   - Contains an entry for every task state (zero when empty)
//   - Each task is counted once, under its most recently written state
func (s *Store) CountByState() (map[types.TaskState]int, error) {
	counts := map[types.TaskState]int{
		types.TaskPending:   0,
		types.TaskPlanning:  0,
		types.TaskExecuting: 0,
		types.TaskCompleted: 0,
		types.TaskFailed:    0,
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixState)), nil)
	defer iter.Release()
	for iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), prefixState)
		state, _, ok := strings.Cut(rest, "|")
		if !ok {
			continue
		}
		counts[types.TaskState(state)]++
	}
	return counts, iter.Error()
}

// ---------------------------------------------------------------------------
// Internal — write path
// ---------------------------------------------------------------------------

func (s *Store) apply(o op) {
	if o.deleteID != "" {
		s.deleteTask(o.deleteID)
		return
	}
	s.persistTask(o.task)
}

func (s *Store) persistTask(t types.Task) {
	data, err := json.Marshal(t)
	if err != nil {
		slog.Error("[STORE] marshal task failed", "task_id", t.ID, "error", err)
		return
	}
	batch := new(leveldb.Batch)
	if prev, err := s.fetchTask(t.ID); err == nil && prev.State != t.State {
		batch.Delete([]byte(stateKey(prev.State, t.ID)))
	}
	batch.Put([]byte(prefixTask+t.ID), data)
	batch.Put([]byte(stateKey(t.State, t.ID)), nil)

	if err := s.db.Write(batch, nil); err != nil {
		slog.Error("[STORE] persist task failed", "task_id", t.ID, "error", err)
		return
	}
	slog.Debug("[STORE] persisted task", "task_id", t.ID, "state", t.State, "steps", len(t.Steps))
}

func (s *Store) deleteTask(id string) {
	prev, err := s.fetchTask(id)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			slog.Warn("[STORE] delete lookup failed", "task_id", id, "error", err)
		}
		return
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixTask + id))
	batch.Delete([]byte(stateKey(prev.State, id)))
	if err := s.db.Write(batch, nil); err != nil {
		slog.Error("[STORE] delete task failed", "task_id", id, "error", err)
	}
}

func (s *Store) drainWriteQueue() {
	for {
		select {
		case o := <-s.writeCh:
			s.apply(o)
		default:
			return
		}
	}
}

func (s *Store) fetchTask(id string) (types.Task, error) {
	data, err := s.db.Get([]byte(prefixTask+id), nil)
	if err != nil {
		return types.Task{}, err
	}
	var t types.Task
	return t, json.Unmarshal(data, &t)
}

func stateKey(state types.TaskState, id string) string {
	return prefixState + string(state) + "|" + id
}
