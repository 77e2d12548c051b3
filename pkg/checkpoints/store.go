// Package checkpoints persists one completed task result per task identifier.
//
// A store instance is bound to one checkpoint location; that location is what
// identifies a run. The presence of a record for a task is the single source of
// truth for "this task need not run again".
package checkpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avi3tal/dagpipe/internal/jsontree"
)

// RecordVersion is the current on-disk record format version.
const RecordVersion = 1

var (
	// ErrInvalidTaskID is returned for empty or whitespace-only task identifiers.
	ErrInvalidTaskID = errors.New("invalid task id")

	// ErrCorruptCheckpoint is returned when a record exists but cannot be decoded.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
)

// Store is durable key-value persistence for task results.
//
// Save must be atomic with respect to concurrent readers. Load of a task that
// was never saved reports found=false and a nil error.
type Store interface {
	Save(ctx context.Context, taskID string, value any) error
	Load(ctx context.Context, taskID string) (value any, found bool, err error)
	Exists(ctx context.Context, taskID string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// record is the serialized form shared by the file and badger stores.
type record struct {
	Version int             `json:"version"`
	TaskID  string          `json:"task_id"`
	SavedAt time.Time       `json:"saved_at"`
	Value   json.RawMessage `json:"value"`
}

func checkTaskID(taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return nil
}

func encodeRecord(taskID string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value for task %s: %w", taskID, err)
	}
	data, err := json.MarshalIndent(record{
		Version: RecordVersion,
		TaskID:  taskID,
		SavedAt: time.Now().UTC(),
		Value:   raw,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record for task %s: %w", taskID, err)
	}
	return append(data, '\n'), nil
}

func decodeRecord(taskID string, data []byte) (any, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: task %s: %v", ErrCorruptCheckpoint, taskID, err)
	}
	if rec.TaskID != taskID {
		return nil, fmt.Errorf("%w: task %s: record belongs to %q", ErrCorruptCheckpoint, taskID, rec.TaskID)
	}
	if rec.Version != RecordVersion {
		return nil, fmt.Errorf("%w: task %s: unsupported version %d", ErrCorruptCheckpoint, taskID, rec.Version)
	}
	value, err := jsontree.Decode(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: task %s: %v", ErrCorruptCheckpoint, taskID, err)
	}
	return value, nil
}
