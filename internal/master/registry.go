package master

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/utils"
)

const (
	registryFileName = "interfaces.json"
	registryLockName = "interfaces.lock"
	registryVersion  = 1
)

// savedInterface is one registry entry on disk
type savedInterface struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
	Device change.DeviceID `json:"device,omitempty"`
	// Autostart is set while the interface is meant to be running
	Autostart bool `json:"autostart,omitempty"`
	// Delivered is the acceptance sequence the interface has settled up to
	Delivered uint64 `json:"delivered,omitempty"`
}

type registryFile struct {
	Version    int              `json:"version"`
	Interfaces []savedInterface `json:"interfaces"`
}

// Registry persists the configured interfaces under the data dir
type Registry struct {
	path  string
	flock *flock.Flock
}

func NewRegistry(dataDir string) *Registry {
	return &Registry{
		path:  filepath.Join(dataDir, registryFileName),
		flock: flock.New(filepath.Join(dataDir, registryLockName)),
	}
}

func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) Load() ([]savedInterface, error) {
	if err := utils.EnsureParent(r.path); err != nil {
		return nil, err
	}
	if err := r.flock.RLock(); err != nil {
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	defer r.flock.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if file.Version != registryVersion {
		return nil, fmt.Errorf("registry version %d not supported", file.Version)
	}
	return file.Interfaces, nil
}

func (r *Registry) Save(interfaces []savedInterface) error {
	if err := utils.EnsureParent(r.path); err != nil {
		return err
	}
	if err := r.flock.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer r.flock.Unlock()

	data, err := json.MarshalIndent(registryFile{Version: registryVersion, Interfaces: interfaces}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	return utils.WriteFileAtomic(r.path, data, 0o600)
}
