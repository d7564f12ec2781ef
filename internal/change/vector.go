package change

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Ordering is the result of comparing two version vectors
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Vector maps a device to the highest stamp of it that has been observed.
// A missing device reads as zero.
type Vector map[DeviceID]uint64

func (v Vector) Get(d DeviceID) uint64 {
	return v[d]
}

// Includes reports whether the change (d, stamp) has been observed
func (v Vector) Includes(d DeviceID, stamp uint64) bool {
	return v[d] >= stamp
}

func (v Vector) Clone() Vector {
	if v == nil {
		return Vector{}
	}
	return maps.Clone(v)
}

// Merge returns the pointwise maximum of v and other
func (v Vector) Merge(other Vector) Vector {
	out := v.Clone()
	for d, s := range other {
		if s > out[d] {
			out[d] = s
		}
	}
	return out
}

// With returns a copy of v advanced to (d, stamp)
func (v Vector) With(d DeviceID, stamp uint64) Vector {
	out := v.Clone()
	if stamp > out[d] {
		out[d] = stamp
	}
	return out
}

func (v Vector) Compare(other Vector) Ordering {
	less, greater := false, false
	for d := range v.devices(other) {
		a, b := v[d], other[d]
		switch {
		case a < b:
			less = true
		case a > b:
			greater = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether v has observed everything other has
func (v Vector) Dominates(other Vector) bool {
	o := v.Compare(other)
	return o == After || o == Equal
}

func (v Vector) String() string {
	keys := slices.Sorted(maps.Keys(v))
	parts := make([]string, 0, len(keys))
	for _, d := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", d, v[d]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (v Vector) devices(other Vector) map[DeviceID]struct{} {
	all := make(map[DeviceID]struct{}, len(v)+len(other))
	for d := range v {
		all[d] = struct{}{}
	}
	for d := range other {
		all[d] = struct{}{}
	}
	return all
}
