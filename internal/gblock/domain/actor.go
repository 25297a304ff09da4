package domain

import "slices"

// Actor is whoever a lookup is performed for.
//
// IdentityID is the central id when already known. Anonymous actors carry
// their address as Name and a zero IdentityID.
type Actor struct {
	Name       string
	IdentityID uint64
	Rights     []string
}

// HasRight reports whether the actor holds the named capability.
func (a Actor) HasRight(right string) bool {
	return slices.Contains(a.Rights, right)
}
