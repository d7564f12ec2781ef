package qbp

import "fmt"

// Session is the agreed format of one connection
type Session struct {
	ContentType string
	Encoding    string
	Major       byte
	Minor       byte
}

func (s Session) String() string {
	return fmt.Sprintf("%s+%s (QBP/%d.%d)", s.ContentType, s.Encoding, s.Major, s.Minor)
}

// Negotiate reduces both headers into a session. Both peers run it with
// their own header as local and reach the same result.
func Negotiate(local, remote Header) (Session, error) {
	if local.Major != remote.Major {
		return Session{}, fmt.Errorf("%w: local %d.%d, remote %d.%d",
			ErrVersionMismatch, local.Major, local.Minor, remote.Major, remote.Minor)
	}

	contentType, err := Reduce(local.Accept, remote.Accept)
	if err != nil {
		return Session{}, fmt.Errorf("content type: %w", err)
	}
	encoding, err := Reduce(local.AcceptEncoding, remote.AcceptEncoding)
	if err != nil {
		return Session{}, fmt.Errorf("content encoding: %w", err)
	}

	minor := local.Minor
	if remote.Minor < minor {
		minor = remote.Minor
	}

	return Session{
		ContentType: contentType,
		Encoding:    encoding,
		Major:       local.Major,
		Minor:       minor,
	}, nil
}

// Reduce picks the candidate present in both lists with the lowest sum of
// indices. Equal sums go to the byte-wise smaller name. The result does not
// depend on which list is local.
func Reduce(local, remote []string) (string, error) {
	remoteIdx := make(map[string]int, len(remote))
	for i, name := range remote {
		if _, seen := remoteIdx[name]; !seen {
			remoteIdx[name] = i
		}
	}

	best, bestRank := "", -1
	seen := make(map[string]struct{}, len(local))
	for i, name := range local {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		j, ok := remoteIdx[name]
		if !ok {
			continue
		}
		rank := i + j
		if bestRank < 0 || rank < bestRank || (rank == bestRank && name < best) {
			best, bestRank = name, rank
		}
	}

	if bestRank < 0 {
		return "", fmt.Errorf("%w: %v vs %v", ErrNoCommonFormat, local, remote)
	}
	return best, nil
}
