// Package local synchronizes a directory on disk. Changes are found by
// scanning the tree, scans are triggered by filesystem events.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/openmined/qbsync/internal/utils"
)

const (
	KindName = "local"

	defaultMaxFileSize = 32 << 20
)

type Config struct {
	Path     string          `json:"path" yaml:"path"`
	DeviceID change.DeviceID `json:"device_id,omitempty" yaml:"device_id"`
	// Include globs, doublestar syntax. Empty includes everything.
	Include []string `json:"include,omitempty" yaml:"include"`
	// Ignore lines, gitignore syntax, added to the defaults and .qbignore
	Ignore      []string `json:"ignore,omitempty" yaml:"ignore"`
	MaxFileSize int64    `json:"max_file_size,omitempty" yaml:"max_file_size"`
	// Debounce of filesystem events, e.g. "100ms"
	Debounce string `json:"debounce,omitempty" yaml:"debounce"`
	// NoWatch disables filesystem events, only polling finds changes
	NoWatch bool `json:"no_watch,omitempty" yaml:"no_watch"`
}

type Kind struct{}

func (Kind) Name() string { return KindName }

func (Kind) Validate(blob qbp.Blob) ([]byte, error) {
	var cfg Config
	if err := blob.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", iface.ErrInvalidConfig, err)
	}

	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", iface.ErrInvalidConfig)
	}
	path, err := utils.ResolvePath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", iface.ErrInvalidConfig, err)
	}
	cfg.Path = path

	if !validPatterns(cfg.Include) {
		return nil, fmt.Errorf("%w: bad include pattern in %v", iface.ErrInvalidConfig, cfg.Include)
	}
	if cfg.MaxFileSize < 0 {
		return nil, fmt.Errorf("%w: max_file_size must not be negative", iface.ErrInvalidConfig)
	}
	if cfg.Debounce != "" {
		if _, err := time.ParseDuration(cfg.Debounce); err != nil {
			return nil, fmt.Errorf("%w: debounce: %w", iface.ErrInvalidConfig, err)
		}
	}
	if cfg.DeviceID.IsZero() {
		cfg.DeviceID = change.NewDeviceID()
	}

	return json.Marshal(cfg)
}

func (Kind) Open(ctx context.Context, env iface.Env, config []byte) (iface.Backend, error) {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return Open(cfg, env)
}
