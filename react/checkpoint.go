package react

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/logging"
)

// Checkpoint is the durable snapshot of one engine run. It is written
// periodically during the step loop and once more on every terminal
// transition, and read back only by Resume.
type Checkpoint struct {
	RunID               string          `json:"run_id"`
	StepID              int             `json:"step_id"`
	Status              Status          `json:"status"`
	Messages            []core.Message  `json:"messages"`
	PendingUserMessages []string        `json:"pending_user_messages,omitempty"`
	TodoState           []core.TaskItem `json:"todo_state,omitempty"`
}

// CheckpointStore persists run snapshots keyed by run id.
type CheckpointStore interface {
	// Save overwrites the snapshot for cp.RunID.
	Save(cp Checkpoint) error

	// Load returns the snapshot for runID, or *core.CheckpointError when
	// none has been saved.
	Load(runID string) (Checkpoint, error)

	// Latest returns the most recently saved snapshot, or
	// *core.CheckpointError when the store is empty.
	Latest() (Checkpoint, error)
}

// FileCheckpointStore writes one JSON file per run under a base directory.
// Writes go to a temporary file first and are renamed into place, so a
// crash mid-write never leaves a truncated snapshot behind.
type FileCheckpointStore struct {
	dir string
}

// NewFileCheckpointStore creates the base directory if needed.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &core.WorkspaceError{Path: dir, Message: err.Error()}
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (s *FileCheckpointStore) path(runID string) string {
	return filepath.Join(s.dir, "checkpoint_"+runID+".json")
}

// Save writes the snapshot atomically.
func (s *FileCheckpointStore) Save(cp Checkpoint) error {
	if cp.RunID == "" {
		return &core.ValidationError{Field: "run_id", Message: "run id must not be empty"}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return &core.CheckpointError{RunID: cp.RunID, Message: err.Error()}
	}

	tmp, err := os.CreateTemp(s.dir, "checkpoint-*.tmp")
	if err != nil {
		return &core.CheckpointError{RunID: cp.RunID, Message: err.Error()}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &core.CheckpointError{RunID: cp.RunID, Message: err.Error()}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &core.CheckpointError{RunID: cp.RunID, Message: err.Error()}
	}
	if err := os.Rename(tmpPath, s.path(cp.RunID)); err != nil {
		os.Remove(tmpPath)
		return &core.CheckpointError{RunID: cp.RunID, Message: err.Error()}
	}
	return nil
}

// Load reads the snapshot for runID.
func (s *FileCheckpointStore) Load(runID string) (Checkpoint, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		return Checkpoint{}, &core.CheckpointError{RunID: runID, Message: "no saved checkpoint"}
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, &core.CheckpointError{RunID: runID, Message: fmt.Sprintf("corrupt checkpoint: %v", err)}
	}
	return cp, nil
}

// Latest returns the newest checkpoint file by modification time.
func (s *FileCheckpointStore) Latest() (Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Checkpoint{}, &core.CheckpointError{Message: err.Error()}
	}

	var newest string
	var newestMod int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = name
			newestMod = mod
		}
	}
	if newest == "" {
		return Checkpoint{}, &core.CheckpointError{Message: "no saved checkpoint"}
	}

	runID := strings.TrimSuffix(strings.TrimPrefix(newest, "checkpoint_"), ".json")
	return s.Load(runID)
}

// MemoryCheckpointStore keeps snapshots in memory. Used in tests and for
// engines that do not need crash recovery.
type MemoryCheckpointStore struct {
	mu     sync.RWMutex
	byRun  map[string]Checkpoint
	latest string
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{byRun: make(map[string]Checkpoint)}
}

// Save stores a copy of the snapshot.
func (s *MemoryCheckpointStore) Save(cp Checkpoint) error {
	if cp.RunID == "" {
		return &core.ValidationError{Field: "run_id", Message: "run id must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRun[cp.RunID] = cp
	s.latest = cp.RunID
	return nil
}

// Load returns the snapshot for runID.
func (s *MemoryCheckpointStore) Load(runID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byRun[runID]
	if !ok {
		return Checkpoint{}, &core.CheckpointError{RunID: runID, Message: "no saved checkpoint"}
	}
	return cp, nil
}

// Latest returns the most recently saved snapshot.
func (s *MemoryCheckpointStore) Latest() (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == "" {
		return Checkpoint{}, &core.CheckpointError{Message: "no saved checkpoint"}
	}
	return s.byRun[s.latest], nil
}

// checkpointWriter decouples snapshot persistence from the step loop. The
// loop hands snapshots to Enqueue and keeps reasoning; a dedicated
// goroutine performs the disk writes. Enqueue coalesces: when a snapshot
// is still waiting to be written, a newer one for the same run replaces it.
type checkpointWriter struct {
	store  CheckpointStore
	logger logging.Logger

	ch   chan Checkpoint
	sync chan chan struct{}
	done chan struct{}
	once sync.Once
}

func newCheckpointWriter(store CheckpointStore, logger logging.Logger) *checkpointWriter {
	w := &checkpointWriter{
		store:  store,
		logger: logger,
		ch:     make(chan Checkpoint, 16),
		sync:   make(chan chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *checkpointWriter) run() {
	for {
		select {
		case cp := <-w.ch:
			w.write(cp)
		case ack := <-w.sync:
			w.drain()
			close(ack)
		case <-w.done:
			w.drain()
			return
		}
	}
}

func (w *checkpointWriter) drain() {
	for {
		select {
		case cp := <-w.ch:
			w.write(cp)
		default:
			return
		}
	}
}

func (w *checkpointWriter) write(cp Checkpoint) {
	if err := w.store.Save(cp); err != nil {
		w.logger.Error("checkpoint.save_failed", "run_id", cp.RunID, "error", err.Error())
	}
}

// Enqueue submits a snapshot without blocking the caller. When the buffer
// is full the oldest pending snapshot is discarded; the terminal Sync
// still guarantees the final state reaches disk.
func (w *checkpointWriter) Enqueue(cp Checkpoint) {
	for {
		select {
		case w.ch <- cp:
			return
		default:
			select {
			case <-w.ch:
			default:
			}
		}
	}
}

// Sync blocks until every pending snapshot has been written.
func (w *checkpointWriter) Sync() {
	ack := make(chan struct{})
	select {
	case w.sync <- ack:
		<-ack
	case <-w.done:
	}
}

// Close flushes pending snapshots and stops the writer goroutine.
func (w *checkpointWriter) Close() {
	w.once.Do(func() { close(w.done) })
}
