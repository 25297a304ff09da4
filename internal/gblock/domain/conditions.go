package domain

import (
	"fmt"
	"strings"
	"time"
)

// RangePredicate matches stored ranges that contain [Start, End].
//
// Bucket is a coarse prefix of Start shared by every range that can contain
// it. It narrows an index scan; the Start/End comparisons decide the match.
type RangePredicate struct {
	Bucket string
	Start  string
	End    string
}

// Contains reports whether the stored range [rangeStart, rangeEnd] contains the predicate's range.
func (p RangePredicate) Contains(rangeStart, rangeEnd string) bool {
	if rangeStart == "" || rangeEnd == "" {
		return false
	}
	return strings.HasPrefix(rangeStart, p.Bucket) && rangeStart <= p.Start && rangeEnd >= p.End
}

// Conditions is the predicate set a BlockStore evaluates:
//
//	expires_at > Now AND (target_identity_id = TargetIdentityID OR <range clause>)
//
// where the range clause is Range plus, with ExcludeSoft, anonymous_only = false.
// A zero TargetIdentityID or nil Range drops that side of the OR.
type Conditions struct {
	Now              time.Time
	TargetIdentityID uint64
	Range            *RangePredicate
	ExcludeSoft      bool
}

// Matches evaluates the conditions against a record in memory.
func (c *Conditions) Matches(r BlockRecord) bool {
	if !r.IsLive(c.Now) {
		return false
	}
	if c.TargetIdentityID != 0 && r.TargetIdentityID == c.TargetIdentityID {
		return true
	}
	if c.Range == nil || r.TargetIdentityID != 0 {
		return false
	}
	if c.ExcludeSoft && r.AnonymousOnly {
		return false
	}
	return c.Range.Contains(r.RangeStart, r.RangeEnd)
}

// String renders the conditions in SQL-like form for logs.
func (c *Conditions) String() string {
	var clauses []string
	if c.TargetIdentityID != 0 {
		clauses = append(clauses, fmt.Sprintf("target_identity_id = %d", c.TargetIdentityID))
	}
	if c.Range != nil {
		rc := fmt.Sprintf("range_start LIKE '%s%%' AND range_start <= '%s' AND range_end >= '%s'",
			c.Range.Bucket, c.Range.Start, c.Range.End)
		if c.ExcludeSoft {
			rc += " AND anonymous_only = false"
		}
		if len(clauses) > 0 {
			rc = "(" + rc + ")"
		}
		clauses = append(clauses, rc)
	}
	return fmt.Sprintf("expires_at > '%s' AND (%s)", c.Now.UTC().Format(time.RFC3339), strings.Join(clauses, " OR "))
}
