package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
)

// scratch is a worker-private directory. Only its owning worker writes to it.
type scratch struct {
	dir string
}

func newScratch(root string, worker int) (*scratch, error) {
	dir := filepath.Join(root, fmt.Sprintf("worker-%d", worker))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	return &scratch{dir: dir}, nil
}

// write copies the payload to a per-task file. The returned func removes it
// and is safe to call on every path.
func (s *scratch) write(t *Task) (string, func(), error) {
	path := filepath.Join(s.dir, "task-"+t.ID+".bin")
	if err := os.WriteFile(path, t.Payload, 0o600); err != nil {
		_ = os.Remove(path)
		return "", func() {}, fmt.Errorf("scratch write: %w", err)
	}
	return path, func() { _ = os.Remove(path) }, nil
}

func (s *scratch) remove() error {
	return os.RemoveAll(s.dir)
}
