package iface

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Kinds maps kind names to their setup contract
type Kinds struct {
	kinds map[string]Kind
	mu    sync.RWMutex
}

func NewKinds(kinds ...Kind) *Kinds {
	k := &Kinds{kinds: make(map[string]Kind, len(kinds))}
	for _, kind := range kinds {
		k.kinds[kind.Name()] = kind
	}
	return k
}

func (k *Kinds) Register(kind Kind) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.kinds[kind.Name()]; exists {
		return fmt.Errorf("kind %q already registered", kind.Name())
	}
	k.kinds[kind.Name()] = kind
	return nil
}

func (k *Kinds) Lookup(name string) (Kind, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	kind, ok := k.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return kind, nil
}

func (k *Kinds) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	names := make([]string, 0, len(k.kinds))
	for name := range k.kinds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// KindOf resolves the kind of an interface named like `local` or `local-a`
// when no explicit kind was given
func KindOf(name, kind string) string {
	if kind != "" {
		return kind
	}
	prefix, _, _ := strings.Cut(name, "-")
	return prefix
}
