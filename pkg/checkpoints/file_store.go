package checkpoints

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/avi3tal/dagpipe/internal/fsutil"
)

const recordExt = ".json"

// FileStore keeps one JSON file per task under a directory:
//
//	<dir>/<escaped task id>.json
//
// The directory is created on the first Save.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. Nothing is touched on disk yet.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(taskID string) string {
	return filepath.Join(s.dir, url.PathEscape(taskID)+recordExt)
}

func (s *FileStore) Save(ctx context.Context, taskID string, value any) error {
	if err := checkTaskID(taskID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeRecord(taskID, value)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path(taskID), data, 0o644); err != nil {
		return pkgerrors.Wrapf(err, "write checkpoint for task %s", taskID)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, taskID string) (any, bool, error) {
	if err := checkTaskID(taskID); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.path(taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "read checkpoint for task %s", taskID)
	}
	value, err := decodeRecord(taskID, data)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *FileStore) Exists(ctx context.Context, taskID string) (bool, error) {
	if err := checkTaskID(taskID); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrapf(err, "stat checkpoint for task %s", taskID)
	}
	return true, nil
}

// List returns the checkpointed task ids, sorted.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list checkpoints")
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, recordExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Clear removes every record in the directory. Other files are left alone.
func (s *FileStore) Clear(ctx context.Context) error {
	ids, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return pkgerrors.Wrapf(err, "remove checkpoint for task %s", id)
		}
	}
	if len(ids) > 0 {
		return fsutil.SyncDir(s.dir)
	}
	return nil
}
