package domain

import (
	"fmt"
	"strings"
)

// LookupFlags narrow which candidate blocks are eligible for a lookup.
// They are query modifiers only and are never stored.
type LookupFlags uint8

const (
	// SkipAddressBlocks ignores every address and range block.
	SkipAddressBlocks LookupFlags = 1 << iota
	// SkipSoftAddressBlocks ignores address and range blocks that only apply to anonymous actors.
	SkipSoftAddressBlocks
	// SkipLocalOverrideCheck keeps blocks that were overridden on the local partition.
	SkipLocalOverrideCheck
)

var flagNames = []struct {
	flag LookupFlags
	name string
}{
	{SkipAddressBlocks, "skip-address"},
	{SkipSoftAddressBlocks, "skip-soft"},
	{SkipLocalOverrideCheck, "skip-override"},
}

// Has reports whether every bit of f2 is set in f.
func (f LookupFlags) Has(f2 LookupFlags) bool { return f&f2 == f2 }

// String renders the flags as a comma separated list, "none" when empty.
func (f LookupFlags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseLookupFlags parses a comma separated flag list as produced by String.
// Empty input and "none" yield zero flags.
func ParseLookupFlags(s string) (LookupFlags, error) {
	var out LookupFlags
	for _, raw := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || name == "none" {
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				out |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unsupported lookup flag: %q", raw)
		}
	}
	return out, nil
}

// ReadConsistency selects the replica (default) or the primary for a registry read.
type ReadConsistency uint8

const (
	ReadReplica ReadConsistency = iota
	// ReadPrimary observes writes that may not have reached replicas yet.
	ReadPrimary
)

func (c ReadConsistency) String() string {
	if c == ReadPrimary {
		return "primary"
	}
	return "replica"
}

// ParseReadConsistency accepts "replica", "primary" or "" (replica).
func ParseReadConsistency(s string) (ReadConsistency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replica":
		return ReadReplica, nil
	case "primary":
		return ReadPrimary, nil
	default:
		return 0, fmt.Errorf("unsupported read consistency: %q", s)
	}
}
