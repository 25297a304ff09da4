package domain

import "errors"

var (
	// ErrInvalidAddress reports a malformed address or CIDR, or a range wider
	// than the configured limit for its family.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrStoreUnavailable wraps any failure of the block registry. A lookup that
	// returns it has no result at all; it must not be read as "not blocked".
	ErrStoreUnavailable = errors.New("block store unavailable")

	// ErrConfiguration reports invalid startup configuration.
	ErrConfiguration = errors.New("configuration error")
)
