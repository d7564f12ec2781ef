package qbp

import "errors"

// Negotiation errors are connection-fatal
var (
	ErrNoCommonFormat  = errors.New("qbp: no common format")
	ErrVersionMismatch = errors.New("qbp: protocol version mismatch")
	ErrTimeout         = errors.New("qbp: negotiation timed out")
)

var (
	ErrInvalidMagic  = errors.New("qbp: header contains invalid magic bytes")
	ErrInvalidHeader = errors.New("qbp: malformed header")
	ErrNonASCII      = errors.New("qbp: header contains non ascii characters")
	ErrFrameTooLarge = errors.New("qbp: frame exceeds maximum size")
	ErrClosed        = errors.New("qbp: connection closed")
	ErrUnsupported   = errors.New("qbp: unsupported content type or encoding")
	ErrBlobType      = errors.New("qbp: blob content type not decodable")
)

// IsNegotiationError reports whether err failed the handshake itself
func IsNegotiationError(err error) bool {
	return errors.Is(err, ErrNoCommonFormat) ||
		errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, ErrTimeout)
}
