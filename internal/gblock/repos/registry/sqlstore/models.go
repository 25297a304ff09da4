package sqlstore

import (
	"time"

	"github.com/haukened/gblock/internal/gblock/domain"
)

// blockModel is one row of the global block registry.
type blockModel struct {
	ID                      int64     `gorm:"primaryKey;autoIncrement"`
	Target                  string    `gorm:"size:255;not null"`
	TargetIdentityID        uint64    `gorm:"not null;default:0;index"`
	BlockerIdentityID       uint64    `gorm:"not null;default:0"`
	BlockerPartition        string    `gorm:"size:64;not null"`
	Reason                  string    `gorm:"type:text"`
	CreatedAt               time.Time `gorm:"not null"`
	ExpiresAt               time.Time `gorm:"not null;index"`
	AnonymousOnly           bool      `gorm:"not null"`
	DisablesAccountCreation bool      `gorm:"not null"`
	RangeStart              string    `gorm:"size:35;index:idx_global_blocks_range,priority:1"`
	RangeEnd                string    `gorm:"size:35;index:idx_global_blocks_range,priority:2"`
}

func (blockModel) TableName() string { return "global_blocks" }

// overrideModel is the local partition's override of a global block.
type overrideModel struct {
	BlockID      int64     `gorm:"primaryKey;autoIncrement:false"`
	OverriddenBy string    `gorm:"size:255"`
	Reason       string    `gorm:"type:text"`
	ExpiresAt    time.Time `gorm:"not null"`
	Enabled      bool      `gorm:"not null"`
}

func (overrideModel) TableName() string { return "global_block_overrides" }

// MigrateModels lists the tables the registry owns.
var MigrateModels = []any{&blockModel{}, &overrideModel{}}

func blockFromDomain(r domain.BlockRecord) blockModel {
	return blockModel{
		ID:                      r.ID,
		Target:                  r.Target,
		TargetIdentityID:        r.TargetIdentityID,
		BlockerIdentityID:       r.BlockerIdentityID,
		BlockerPartition:        r.BlockerPartition,
		Reason:                  r.Reason,
		CreatedAt:               r.CreatedAt.UTC(),
		ExpiresAt:               r.ExpiresAt.UTC(),
		AnonymousOnly:           r.AnonymousOnly,
		DisablesAccountCreation: r.DisablesAccountCreation,
		RangeStart:              r.RangeStart,
		RangeEnd:                r.RangeEnd,
	}
}

func (m blockModel) toDomain() domain.BlockRecord {
	return domain.BlockRecord{
		ID:                      m.ID,
		TargetIdentityID:        m.TargetIdentityID,
		Target:                  m.Target,
		BlockerIdentityID:       m.BlockerIdentityID,
		BlockerPartition:        m.BlockerPartition,
		Reason:                  m.Reason,
		CreatedAt:               m.CreatedAt.UTC(),
		ExpiresAt:               m.ExpiresAt.UTC(),
		AnonymousOnly:           m.AnonymousOnly,
		DisablesAccountCreation: m.DisablesAccountCreation,
		RangeStart:              m.RangeStart,
		RangeEnd:                m.RangeEnd,
	}
}

func overrideFromDomain(o domain.LocalOverride) overrideModel {
	return overrideModel{
		BlockID:      o.BlockID,
		OverriddenBy: o.OverriddenBy,
		Reason:       o.Reason,
		ExpiresAt:    o.ExpiresAt.UTC(),
		Enabled:      o.Enabled,
	}
}

func (m overrideModel) toDomain() domain.LocalOverride {
	return domain.LocalOverride{
		BlockID:      m.BlockID,
		OverriddenBy: m.OverriddenBy,
		Reason:       m.Reason,
		ExpiresAt:    m.ExpiresAt.UTC(),
		Enabled:      m.Enabled,
	}
}
