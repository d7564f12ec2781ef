package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/utils"
)

const stateFileName = "state.json"

// entry is what the backend last knew about one path
type entry struct {
	Kind    change.Kind   `json:"kind"`
	Hash    string        `json:"hash,omitempty"`
	Version change.Vector `json:"version,omitempty"`
	Deleted bool          `json:"deleted,omitempty"`
}

// state survives restarts in <root>/.qb/state.json
type state struct {
	Device  change.DeviceID  `json:"device_id"`
	Counter uint64           `json:"counter"`
	Entries map[string]entry `json:"entries"`
	// Log keeps the latest record this device originated per path
	Log map[string]change.Record `json:"log"`
}

func newState(device change.DeviceID) *state {
	return &state{
		Device:  device,
		Entries: make(map[string]entry),
		Log:     make(map[string]change.Record),
	}
}

func statePath(root string) string {
	return filepath.Join(root, stateDirName, stateFileName)
}

func loadState(root string, device change.DeviceID) (*state, error) {
	data, err := os.ReadFile(statePath(root))
	if errors.Is(err, os.ErrNotExist) {
		return newState(device), nil
	} else if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	st := newState(device)
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st.Device != device {
		return nil, fmt.Errorf("state belongs to device %s, config says %s", st.Device, device)
	}
	if st.Entries == nil {
		st.Entries = make(map[string]entry)
	}
	if st.Log == nil {
		st.Log = make(map[string]change.Record)
	}
	return st, nil
}

func (s *state) save(root string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return utils.WriteFileAtomic(statePath(root), data, 0o644)
}
