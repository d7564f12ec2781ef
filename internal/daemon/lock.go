package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/qbsync/internal/utils"
)

var ErrDataDirLocked = errors.New("data dir locked by another qbd")

// dataDirLock keeps a second daemon off the same data dir
type dataDirLock struct {
	dir   string
	flock *flock.Flock
}

func newDataDirLock(dir, name string) *dataDirLock {
	return &dataDirLock{dir: dir, flock: flock.New(filepath.Join(dir, name))}
}

func (l *dataDirLock) Lock() error {
	if err := utils.EnsureDir(l.dir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", l.dir, err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrDataDirLocked, l.dir)
	}
	return nil
}

func (l *dataDirLock) Unlock() error {
	// never delete a lock file this process does not own
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock data dir: %w", err)
	}
	return os.Remove(l.flock.Path())
}
