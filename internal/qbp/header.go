package qbp

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
)

const (
	VersionMajor byte = 1
	VersionMinor byte = 0
)

var magic = []byte("QBP")

const (
	optAccept         = "accept"
	optAcceptEncoding = "accept-encoding"
)

// Header is the first frame each side sends on a fresh connection
type Header struct {
	Major          byte
	Minor          byte
	Accept         []string
	AcceptEncoding []string
}

func NewHeader(contentTypes, encodings []string) Header {
	return Header{
		Major:          VersionMajor,
		Minor:          VersionMinor,
		Accept:         contentTypes,
		AcceptEncoding: encodings,
	}
}

// MarshalBinary renders `QBP<major><minor>accept=...&accept-encoding=...`
func (h Header) MarshalBinary() ([]byte, error) {
	opts := url.Values{}
	opts.Set(optAccept, strings.Join(h.Accept, ","))
	opts.Set(optAcceptEncoding, strings.Join(h.AcceptEncoding, ","))

	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(h.Major)
	buf.WriteByte(h.Minor)
	buf.WriteString(opts.Encode())
	return buf.Bytes(), nil
}

func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < len(magic)+2 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(data))
	}
	if !bytes.Equal(data[:len(magic)], magic) {
		return fmt.Errorf("%w: %q", ErrInvalidMagic, data[:len(magic)])
	}

	h.Major = data[len(magic)]
	h.Minor = data[len(magic)+1]

	raw := data[len(magic)+2:]
	for _, b := range raw {
		if b > 0x7f {
			return ErrNonASCII
		}
	}

	opts, err := url.ParseQuery(string(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	h.Accept = splitList(opts.Get(optAccept))
	h.AcceptEncoding = splitList(opts.Get(optAcceptEncoding))
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("QBP/%d.%d accept=%s accept-encoding=%s",
		h.Major, h.Minor, strings.Join(h.Accept, ","), strings.Join(h.AcceptEncoding, ","))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
