// Package sqlstore is the relational block registry, read through a replica
// unless the caller asks for the primary.
package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/multierr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/config"
	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/repos/registry"
)

// Store implements registry.Registry on gorm.
type Store struct {
	primary *gorm.DB
	replica *gorm.DB
	logger  log.Logger
}

type Options struct {
	Primary gorm.Dialector
	// Replica serves default reads; nil reads from the primary.
	Replica gorm.Dialector
	Logger  log.Logger
	// Tracing installs the OpenTelemetry gorm plugin on both handles.
	Tracing bool
}

// Dialector builds the gorm dialector for a configured driver.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", "sqlite":
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: unsupported registry driver %q", domain.ErrConfiguration, driver)
	}
}

// Open builds a Store from the registry configuration section.
func Open(cfg config.RegistryConfig, logger log.Logger) (*Store, error) {
	primary, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	opts := Options{Primary: primary, Logger: logger, Tracing: true}
	if cfg.ReplicaDSN != "" {
		if opts.Replica, err = Dialector(cfg.Driver, cfg.ReplicaDSN); err != nil {
			return nil, err
		}
	}
	return New(opts)
}

// New opens the database handles and migrates the primary.
func New(opts Options) (*Store, error) {
	s := &Store{logger: opts.Logger}
	if s.logger == nil {
		s.logger = log.NewNoopLogger()
	}

	var err error
	if s.primary, err = openDB(opts.Primary, opts.Tracing); err != nil {
		return nil, err
	}
	s.replica = s.primary
	if opts.Replica != nil {
		if s.replica, err = openDB(opts.Replica, opts.Tracing); err != nil {
			_ = s.closeDB(s.primary)
			return nil, err
		}
	}
	if err := Migrate(s.primary); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Info(map[string]any{"replica": opts.Replica != nil}, "registry_opened")
	return s, nil
}

func openDB(d gorm.Dialector, withTracing bool) (*gorm.DB, error) {
	db, err := gorm.Open(d, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrStoreUnavailable, d.Name(), err)
	}
	if withTracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("%w: tracing plugin: %w", domain.ErrStoreUnavailable, err)
		}
	}
	return db, nil
}

// Migrate creates or updates the registry tables.
func Migrate(db *gorm.DB) error {
	for _, model := range MigrateModels {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("%w: migrate: %w", domain.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Close releases both handles.
func (s *Store) Close() error {
	err := s.closeDB(s.primary)
	if s.replica != s.primary {
		err = multierr.Append(err, s.closeDB(s.replica))
	}
	return err
}

func (s *Store) closeDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) reader(c domain.ReadConsistency) *gorm.DB {
	if c == domain.ReadPrimary {
		return s.primary
	}
	return s.replica
}

// Fetch runs the conditions as a single query:
//
//	expires_at > ? AND (target_identity_id = ? OR (<range clause>))
func (s *Store) Fetch(ctx context.Context, conds *domain.Conditions, consistency domain.ReadConsistency) ([]domain.BlockRecord, error) {
	if conds == nil {
		return nil, nil
	}
	db := s.reader(consistency).WithContext(ctx)
	target := targetClause(db, conds.TargetIdentityID, conds.Range, conds.ExcludeSoft)
	if target == nil {
		return nil, nil
	}

	var rows []blockModel
	err := db.Where("expires_at > ?", conds.Now.UTC()).Where(target).Find(&rows).Error
	if err != nil {
		s.logger.Error(log.TraceFields(ctx, map[string]any{"conditions": conds.String(), "error": err}), "registry_fetch_failed")
		return nil, fmt.Errorf("%w: fetch: %w", domain.ErrStoreUnavailable, err)
	}
	return toDomain(rows), nil
}

// targetClause groups the identity and range clauses with OR. It returns
// nil when neither applies.
func targetClause(db *gorm.DB, identityID uint64, p *domain.RangePredicate, excludeSoft bool) *gorm.DB {
	var target *gorm.DB
	if identityID != 0 {
		target = db.Where("target_identity_id = ?", identityID)
	}
	if p != nil {
		rc := db.Where("target_identity_id = 0 AND range_start LIKE ? AND range_start <= ? AND range_end >= ?",
			p.Bucket+"%", p.Start, p.End)
		if excludeSoft {
			rc = rc.Where("anonymous_only = ?", false)
		}
		if target == nil {
			target = rc
		} else {
			target = target.Or(rc)
		}
	}
	return target
}

func (s *Store) FetchOverrides(ctx context.Context, blockIDs []int64) ([]domain.LocalOverride, error) {
	if len(blockIDs) == 0 {
		return nil, nil
	}
	var rows []overrideModel
	if err := s.replica.WithContext(ctx).Where("block_id IN ?", blockIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: fetch overrides: %w", domain.ErrStoreUnavailable, err)
	}
	out := make([]domain.LocalOverride, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// Insert writes to the primary.
func (s *Store) Insert(ctx context.Context, rec domain.BlockRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	row := blockFromDomain(rec)
	err := s.primary.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return 0, fmt.Errorf("%w: %d", registry.ErrDuplicateBlock, rec.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %w", domain.ErrStoreUnavailable, err)
	}
	return row.ID, nil
}

// InsertOverride upserts the override of a block.
func (s *Store) InsertOverride(ctx context.Context, o domain.LocalOverride) error {
	row := overrideFromDomain(o)
	err := s.primary.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: insert override: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// List reads from the replica, newest id first.
func (s *Store) List(ctx context.Context, f registry.ListFilter) ([]domain.BlockRecord, error) {
	db := s.replica.WithContext(ctx)
	q := db.Model(&blockModel{})
	if f.HideAccount {
		q = q.Where("target_identity_id = 0")
	}
	if f.HideAddress {
		q = q.Where("(target_identity_id <> 0 OR range_start <> range_end)")
	}
	if f.HideRange {
		q = q.Where("(target_identity_id <> 0 OR range_start = range_end)")
	}
	if f.HideTemporary {
		q = q.Where("expires_at >= ?", domain.Infinity)
	}
	if f.HideIndefinite {
		q = q.Where("expires_at < ?", domain.Infinity)
	}
	if !f.Now.IsZero() {
		q = q.Where("expires_at > ?", f.Now.UTC())
	}
	if f.HasTarget() {
		q = q.Where(targetClause(db, f.TargetIdentityID, f.Range, false))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []blockModel
	if err := q.Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list: %w", domain.ErrStoreUnavailable, err)
	}
	return toDomain(rows), nil
}

func toDomain(rows []blockModel) []domain.BlockRecord {
	out := make([]domain.BlockRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

var _ registry.Registry = (*Store)(nil)
