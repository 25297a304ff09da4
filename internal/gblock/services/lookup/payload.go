package lookup

import (
	"context"
	"fmt"
	"time"

	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/domain"
)

// Message keys of the blocked-actor error payload.
const (
	MsgKeyAccount   = "globalblocking-blockedtext-user"
	MsgKeyRange     = "globalblocking-blockedtext-range"
	MsgKeyAddress   = "globalblocking-blockedtext-ip"
	MsgKeyForwarded = "globalblocking-blockedtext-xff"
	softKeySuffix   = "-anon"
	expiryInfinite  = "infinite"
)

// MessageKeyHook lets a deployment replace the message key of address and
// range blocks. It receives the computed key and returns the one to use.
type MessageKeyHook func(key string) string

// messageKey picks the message identifier for a resolved block.
func messageKey(res domain.Resolution, hook MessageKeyHook) string {
	rec := res.Block
	if rec.IsAccountBlock() {
		return MsgKeyAccount
	}
	var key string
	switch {
	case res.Attempt == domain.AttemptForwarded:
		key = MsgKeyForwarded
	case rec.IsRangeBlock():
		key = MsgKeyRange
	default:
		key = MsgKeyAddress
	}
	if rec.AnonymousOnly {
		key += softKeySuffix
	}
	if hook != nil {
		key = hook(key)
	}
	return key
}

// formatExpiry renders a block expiry for display.
func formatExpiry(rec *domain.BlockRecord) string {
	if rec.IsIndefinite() {
		return expiryInfinite
	}
	return rec.ExpiresAt.UTC().Format(time.RFC3339)
}

// blockerDisplay resolves the blocker's display name. A resolver failure
// degrades to a partition-qualified id rather than failing the lookup.
func (l *Lookup) blockerDisplay(ctx context.Context, rec *domain.BlockRecord) string {
	if l.identities != nil {
		name, err := l.identities.BlockerName(ctx, rec.BlockerIdentityID, rec.BlockerPartition)
		if err == nil && name != "" {
			return name
		}
		if err != nil {
			l.logger.Warn(log.TraceFields(ctx, map[string]any{
				"block_id":          rec.ID,
				"blocker_id":        rec.BlockerIdentityID,
				"blocker_partition": rec.BlockerPartition,
				"error":             err,
			}), "blocker_name_unresolved")
		}
	}
	return fmt.Sprintf("%s>#%d", rec.BlockerPartition, rec.BlockerIdentityID)
}

// withPayload fills in the blocker display and error payload of a blocked
// resolution.
func (l *Lookup) withPayload(ctx context.Context, res domain.Resolution) domain.Resolution {
	if !res.IsBlocked() {
		return res
	}
	rec := res.Block
	res.BlockerName = l.blockerDisplay(ctx, rec)
	res.ErrorPayload = domain.ErrorPayload{
		Key:    messageKey(res, l.messageKeyHook),
		Params: []string{rec.Reason, res.BlockerName, rec.Target, formatExpiry(rec)},
	}
	return res
}
