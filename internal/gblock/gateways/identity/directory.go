// Package identity resolves account names against the central account
// directory shared by every partition.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/common/utils"
	"github.com/haukened/gblock/internal/gblock/config"
	"github.com/haukened/gblock/internal/gblock/domain"
)

// accountModel is a central account. HomePartition is where it was created.
type accountModel struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Name          string `gorm:"size:255;not null;uniqueIndex"`
	HomePartition string `gorm:"size:64;not null"`
}

func (accountModel) TableName() string { return "central_accounts" }

// attachmentModel records that an account exists on a partition.
type attachmentModel struct {
	AccountID uint64 `gorm:"primaryKey;autoIncrement:false"`
	Partition string `gorm:"column:partition_name;primaryKey;size:64"`
}

func (attachmentModel) TableName() string { return "account_attachments" }

// Directory implements lookup.IdentityResolver for one local partition.
type Directory struct {
	db        *gorm.DB
	partition string
	logger    log.Logger
}

type Options struct {
	Dialector gorm.Dialector
	// Partition is the local partition; attachments to it make an account local.
	Partition string
	Logger    log.Logger
	Tracing   bool
}

// Open builds a Directory from the identity configuration section.
func Open(cfg config.IdentityConfig, partition string, logger log.Logger) (*Directory, error) {
	var d gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		d = sqlite.Open(cfg.DSN)
	case "postgres":
		d = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unsupported identity driver %q", domain.ErrConfiguration, cfg.Driver)
	}
	return New(Options{Dialector: d, Partition: partition, Logger: logger, Tracing: true})
}

// New opens and migrates the directory database.
func New(opts Options) (*Directory, error) {
	if opts.Partition == "" {
		return nil, fmt.Errorf("%w: identity directory needs a local partition", domain.ErrConfiguration)
	}
	db, err := gorm.Open(opts.Dialector, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open accounts: %w", domain.ErrStoreUnavailable, err)
	}
	if opts.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("%w: tracing plugin: %w", domain.ErrStoreUnavailable, err)
		}
	}
	if err := db.AutoMigrate(&accountModel{}, &attachmentModel{}); err != nil {
		return nil, fmt.Errorf("%w: migrate accounts: %w", domain.ErrStoreUnavailable, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Directory{db: db, partition: opts.Partition, logger: logger}, nil
}

func (d *Directory) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IDFor returns the central id of name, or 0 when no such account exists.
func (d *Directory) IDFor(ctx context.Context, name string) (uint64, error) {
	name = utils.CanonicalAccountName(name)
	if name == "" {
		return 0, nil
	}
	var m accountModel
	err := d.db.WithContext(ctx).Where("name = ?", name).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: account %q: %w", domain.ErrStoreUnavailable, name, err)
	}
	return m.ID, nil
}

// NameFor returns the account name of id, or "" when unknown.
func (d *Directory) NameFor(ctx context.Context, id uint64) (string, error) {
	if id == 0 {
		return "", nil
	}
	var m accountModel
	err := d.db.WithContext(ctx).Take(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: account #%d: %w", domain.ErrStoreUnavailable, id, err)
	}
	return m.Name, nil
}

// IsLocalIdentity reports whether id is attached to the local partition.
func (d *Directory) IsLocalIdentity(ctx context.Context, id uint64) (bool, error) {
	return d.attached(ctx, id, d.partition)
}

// BlockerName returns the plain account name when the blocker acted on the
// local partition or is attached to both partitions; otherwise the name is
// qualified as "partition>name". Unknown blockers yield "".
func (d *Directory) BlockerName(ctx context.Context, id uint64, partition string) (string, error) {
	name, err := d.NameFor(ctx, id)
	if err != nil || name == "" {
		return "", err
	}
	if partition == "" || partition == d.partition {
		return name, nil
	}
	local, err := d.IsLocalIdentity(ctx, id)
	if err != nil {
		return "", err
	}
	if local {
		there, err := d.attached(ctx, id, partition)
		if err != nil {
			return "", err
		}
		if there {
			return name, nil
		}
	}
	return partition + ">" + name, nil
}

func (d *Directory) attached(ctx context.Context, id uint64, partition string) (bool, error) {
	if id == 0 {
		return false, nil
	}
	var n int64
	err := d.db.WithContext(ctx).Model(&attachmentModel{}).
		Where("account_id = ? AND partition_name = ?", id, partition).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("%w: attachments of #%d: %w", domain.ErrStoreUnavailable, id, err)
	}
	return n > 0, nil
}

// Register creates the account name (or finds the existing one) and attaches
// it to its home partition and every partition in attached.
func (d *Directory) Register(ctx context.Context, name, home string, attached ...string) (uint64, error) {
	name = utils.CanonicalAccountName(name)
	home = strings.TrimSpace(home)
	if name == "" {
		return 0, fmt.Errorf("account name must not be empty")
	}
	if home == "" {
		home = d.partition
	}
	m := accountModel{Name: name, HomePartition: home}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name = ?", name).FirstOrCreate(&m).Error; err != nil {
			return err
		}
		rows := []attachmentModel{{AccountID: m.ID, Partition: home}}
		for _, p := range attached {
			if p = strings.TrimSpace(p); p != "" && p != home {
				rows = append(rows, attachmentModel{AccountID: m.ID, Partition: p})
			}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: register %q: %w", domain.ErrStoreUnavailable, name, err)
	}
	d.logger.Debug(map[string]any{"account": name, "id": m.ID, "home": home}, "account_registered")
	return m.ID, nil
}
