package change

import "fmt"

type Resolution int

const (
	// KeepHead leaves the current head in place
	KeepHead Resolution = iota
	// TakeIncoming replaces the head with the incoming record
	TakeIncoming
)

func (r Resolution) String() string {
	if r == TakeIncoming {
		return "take-incoming"
	}
	return "keep-head"
}

// ConflictPolicy decides between two causally concurrent records for the
// same resource
type ConflictPolicy interface {
	Name() string
	Resolve(head, incoming Record) Resolution
}

const (
	PolicyNewestWins = "newest-wins"
	PolicySurface    = "surface"
)

func ParsePolicy(name string) (ConflictPolicy, error) {
	switch name {
	case PolicyNewestWins:
		return NewestWins{}, nil
	case PolicySurface, "":
		return Surface{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}

// NewestWins takes the record with the later modification time. Equal
// times go to the larger device id so every device picks the same winner.
type NewestWins struct{}

func (NewestWins) Name() string { return PolicyNewestWins }

func (NewestWins) Resolve(head, incoming Record) Resolution {
	ht, it := head.Resource.ModTime, incoming.Resource.ModTime
	switch {
	case it.After(ht):
		return TakeIncoming
	case ht.After(it):
		return KeepHead
	case incoming.Origin > head.Origin:
		return TakeIncoming
	default:
		return KeepHead
	}
}

// Surface never replaces the head; the conflict is reported instead
type Surface struct{}

func (Surface) Name() string { return PolicySurface }

func (Surface) Resolve(Record, Record) Resolution { return KeepHead }
