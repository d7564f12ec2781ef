package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, ".qbsync")
	DefaultConfigPath = filepath.Join(DefaultDataDir, "config.json")
)

const (
	socketFile = "qbd.sock"
	stateFile  = "state.db"
	lockFile   = "qbd.lock"
	LogFile    = "qbd.log"
)

var (
	ErrInvalidConfig = errors.New("invalid daemon config")
)

type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	// Socket defaults to <data_dir>/qbd.sock
	Socket string `json:"socket,omitempty" mapstructure:"socket"`
	// Stdio serves a single control connection on stdin/stdout instead of the socket
	Stdio        bool          `json:"stdio,omitempty" mapstructure:"stdio"`
	Token        string        `json:"-" mapstructure:"token"`
	Policy       string        `json:"policy,omitempty" mapstructure:"policy"`
	PollInterval time.Duration `json:"poll_interval,omitempty" mapstructure:"poll_interval"`
	Path         string        `json:"-" mapstructure:"-"`
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("%w: data dir: %w", ErrInvalidConfig, err)
	}
	c.DataDir = dataDir

	if c.Socket == "" {
		c.Socket = filepath.Join(c.DataDir, socketFile)
	} else if c.Socket, err = utils.ResolvePath(c.Socket); err != nil {
		return fmt.Errorf("%w: socket: %w", ErrInvalidConfig, err)
	}

	if c.Policy == "" {
		c.Policy = change.PolicySurface
	}
	if _, err := change.ParsePolicy(c.Policy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.PollInterval < 0 {
		return fmt.Errorf("%w: poll interval must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, stateFile)
}

func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, LogFile)
}
