package allowlist

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// addressRecord maps the allowlist row for gorm.
type addressRecord struct {
	Address string         `gorm:"column:ip_address;primaryKey;size:64;not null"`
	Created time.Time      `gorm:"column:created"`
	Tag     sql.NullString `gorm:"column:tag"`
}

func (addressRecord) TableName() string { return TableName }

// GormStore is the allowlist backend for shared SQL servers (postgres), used when
// several gate processes on different hosts must agree on one allowlist.
type GormStore struct {
	db    *gorm.DB
	seeds []Seed
	now   func() time.Time
}

var _ Store = (*GormStore)(nil)

// OpenPostgres connects to the postgres server named by dsn.
func OpenPostgres(dsn string, seeds []Seed) (*GormStore, error) {
	return OpenGorm(postgres.Open(dsn), seeds)
}

// OpenGorm opens a store over any gorm dialector.
func OpenGorm(dialector gorm.Dialector, seeds []Seed) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, storeErr("open", err)
	}
	return &GormStore{
		db:    db,
		seeds: dedupeSeeds(seeds),
		now:   time.Now,
	}, nil
}

func (s *GormStore) EnsureSchema(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if db.Migrator().HasTable(&addressRecord{}) {
		return nil
	}
	if err := db.Migrator().CreateTable(&addressRecord{}); err != nil {
		return storeErr("create schema", err)
	}
	log.Info().Str("table", TableName).Msg("created allowlist schema")
	return s.seed(ctx)
}

func (s *GormStore) seed(ctx context.Context) error {
	for _, seed := range s.seeds {
		inserted, err := s.insert(ctx, seed.Address, seed.Tag)
		if err != nil {
			return err
		}
		if inserted {
			log.Info().Str("address", seed.Address).Str("tag", seed.Tag).Msg("initialized address")
		}
	}
	return nil
}

func (s *GormStore) IsApproved(ctx context.Context, address string) (bool, error) {
	address, err := normalize(address)
	if err != nil {
		return false, nil
	}
	var n int64
	err = s.db.WithContext(ctx).
		Model(&addressRecord{}).
		Where("ip_address = ?", address).
		Count(&n).Error
	if err != nil {
		return false, storeErr("lookup", err)
	}
	return n > 0, nil
}

func (s *GormStore) Approve(ctx context.Context, address string) error {
	return s.ApproveTagged(ctx, address, "")
}

func (s *GormStore) ApproveTagged(ctx context.Context, address, tag string) error {
	address, err := normalize(address)
	if err != nil {
		return err
	}
	inserted, err := s.insert(ctx, address, tag)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrDuplicateAddress
	}
	return nil
}

func (s *GormStore) insert(ctx context.Context, address, tag string) (bool, error) {
	rec := addressRecord{
		Address: address,
		Created: s.now().UTC().Truncate(time.Second),
		Tag:     nullable(tag),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ip_address"}},
			DoNothing: true,
		}).
		Create(&rec)
	if res.Error != nil {
		return false, storeErr("insert", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) List(ctx context.Context) ([]ApprovedAddress, error) {
	var recs []addressRecord
	err := s.db.WithContext(ctx).
		Order("created ASC").
		Order("ip_address ASC").
		Find(&recs).Error
	if err != nil {
		return nil, storeErr("list", err)
	}
	out := make([]ApprovedAddress, 0, len(recs))
	for _, r := range recs {
		out = append(out, ApprovedAddress{
			Address:   r.Address,
			CreatedAt: r.Created,
			Tag:       r.Tag.String,
		})
	}
	return out, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storeErr("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
