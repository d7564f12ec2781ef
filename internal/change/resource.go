package change

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var ErrInvalidPath = errors.New("invalid resource path")

type Kind uint8

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "file":
		*k = KindFile
	case "dir":
		*k = KindDir
	default:
		return fmt.Errorf("unknown resource kind %q", text)
	}
	return nil
}

// Resource is one synchronized entry, keyed by its slash separated path
// relative to the synchronized root
type Resource struct {
	Path    string    `json:"path"`
	Kind    Kind      `json:"kind"`
	Hash    string    `json:"hash,omitempty"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

func (r Resource) String() string {
	return fmt.Sprintf("%s(%s)", r.Kind, r.Path)
}

// CleanPath normalizes a resource path. Leading slashes are dropped;
// paths that escape the root are rejected.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return p, nil
}
