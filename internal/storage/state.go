package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"claudeq/internal/queue"
	logx "claudeq/pkg/logx"
)

// LoadState reads the singleton QueueState. A missing file is not an
// error: the state is re-creatable from scratch with zero counters.
func (r *Repository) LoadState() (*queue.QueueState, error) {
	path := filepath.Join(r.root, stateFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &queue.QueueState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st queue.QueueState
	if err := json.Unmarshal(data, &st); err != nil {
		// A mangled state file only loses counters; start fresh
		// rather than refusing to run.
		r.log.Warn("state file corrupt; resetting", logx.Err(err))
		return &queue.QueueState{}, nil
	}
	return &st, nil
}

// SaveState persists the QueueState with the same tmp+rename discipline
// as job records.
func (r *Repository) SaveState(st *queue.QueueState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return r.atomicWrite(filepath.Join(r.root, stateFileName), append(data, '\n'))
}
