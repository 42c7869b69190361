package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// record is the table row for one stored value.
type record struct {
	Key       string `gorm:"column:key_hex;primaryKey;size:40"`
	Value     []byte
	ExpiresAt int64 `gorm:"index"` // unix nanoseconds
	Origin    bool
}

func (record) TableName() string {
	return "dht_values"
}

// SQLiteBackend persists entries in a sqlite database through gorm.
type SQLiteBackend struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite backend requires a path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// a single connection keeps ":memory:" databases from splitting per connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&record{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (sb *SQLiteBackend) Put(ctx context.Context, key keyspace.ID, e Entry) error {
	row := record{
		Key:       key.String(),
		Value:     copyBytes(e.Value),
		ExpiresAt: e.ExpiresAt.UnixNano(),
		Origin:    e.Origin,
	}

	err := sb.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", pkg.ErrStorageUnavailable, key.Short(), err)
	}
	return nil
}

func (sb *SQLiteBackend) Get(ctx context.Context, key keyspace.ID) (Entry, error) {
	var row record
	err := sb.db.WithContext(ctx).Where("key_hex = ?", key.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, pkg.ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: get %s: %v", pkg.ErrStorageUnavailable, key.Short(), err)
	}
	return row.entry(), nil
}

func (sb *SQLiteBackend) Delete(ctx context.Context, key keyspace.ID) error {
	err := sb.db.WithContext(ctx).Where("key_hex = ?", key.String()).Delete(&record{}).Error
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", pkg.ErrStorageUnavailable, key.Short(), err)
	}
	return nil
}

func (sb *SQLiteBackend) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res := sb.db.WithContext(ctx).Where("expires_at <= ?", now.UnixNano()).Delete(&record{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: sweep: %v", pkg.ErrStorageUnavailable, res.Error)
	}
	return int(res.RowsAffected), nil
}

func (sb *SQLiteBackend) All(ctx context.Context) (map[keyspace.ID]Entry, error) {
	var rows []record
	if err := sb.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list: %v", pkg.ErrStorageUnavailable, err)
	}

	out := make(map[keyspace.ID]Entry, len(rows))
	for _, row := range rows {
		id, err := keyspace.ParseHex(row.Key)
		if err != nil {
			// rows are only ever written by Put
			continue
		}
		out[id] = row.entry()
	}
	return out, nil
}

func (sb *SQLiteBackend) Close() error {
	sqlDB, err := sb.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r record) entry() Entry {
	return Entry{
		Value:     copyBytes(r.Value),
		ExpiresAt: time.Unix(0, r.ExpiresAt),
		Origin:    r.Origin,
	}
}
