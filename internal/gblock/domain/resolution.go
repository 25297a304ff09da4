package domain

import "fmt"

// AttemptKind identifies which stage of an actor lookup produced a match.
type AttemptKind uint8

const (
	AttemptNone AttemptKind = iota
	AttemptIdentity
	AttemptDirectAddress
	AttemptForwarded
	AttemptTarget
)

func (k AttemptKind) String() string {
	switch k {
	case AttemptNone:
		return "none"
	case AttemptIdentity:
		return "identity"
	case AttemptDirectAddress:
		return "direct"
	case AttemptForwarded:
		return "forwarded"
	case AttemptTarget:
		return "target"
	default:
		return fmt.Sprintf("AttemptKind(%d)", k)
	}
}

// ErrorPayload is the message key and ordered parameters a caller renders
// when an actor is blocked.
type ErrorPayload struct {
	Key    string   `json:"key"`
	Params []string `json:"params"`
}

// Resolution is the outcome of a block lookup. A nil Block means not blocked.
// Resolutions are built fresh for every lookup and never mutate the record.
type Resolution struct {
	Block        *BlockRecord
	Attempt      AttemptKind
	Address      string // address probed by the winning attempt, empty for identity matches
	BlockerName  string
	ErrorPayload ErrorPayload
}

// NoBlock returns a not-blocked resolution.
func NoBlock() Resolution { return Resolution{} }

// IsBlocked is a convenience accessor.
func (r Resolution) IsBlocked() bool { return r.Block != nil }

// ID returns the winning block id, or 0 when not blocked.
func (r Resolution) ID() int64 {
	if r.Block == nil {
		return 0
	}
	return r.Block.ID
}
