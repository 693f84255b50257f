// Package store persists sync results to MySQL through gorm. Every batch is
// one transaction; each record gets its own savepoint so a constraint
// violation rolls back that record only.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"erpsync/internal/model"
	"erpsync/internal/syncer"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// chunkSize bounds IN lists and bulk updates.
const chunkSize = 1000

// MySQL error numbers that concern a single record rather than the
// connection or the schema.
var recordErrors = map[uint16]string{
	1048: "column cannot be null",
	1062: "duplicate entry",
	1264: "value out of range",
	1366: "incorrect value",
	1406: "data too long",
	1452: "foreign key violation",
}

// Store implements the syncer persistence interfaces.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var (
	_ syncer.CatalogStore  = (*Store)(nil)
	_ syncer.StockStore    = (*Store)(nil)
	_ syncer.SalesStore    = (*Store)(nil)
	_ syncer.CustomerStore = (*Store)(nil)
)

// Open connects to MySQL and migrates the schema.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func New(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// DB exposes the handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RecordLevel reports whether err only concerns the record being written.
func RecordLevel(err error) bool {
	var me *mysqlDriver.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	_, ok := recordErrors[me.Number]
	return ok
}

// writeFunc writes item i inside the batch transaction.
type writeFunc func(tx *gorm.DB, i int) (syncer.ItemResult, error)

// batch runs n writes in one transaction. Record-level failures are rolled
// back to the record's savepoint and reported in the result; anything else
// aborts the whole batch.
func (s *Store) batch(ctx context.Context, n int, write writeFunc) ([]syncer.ItemResult, error) {
	results := make([]syncer.ItemResult, n)
	if n == 0 {
		return results, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < n; i++ {
			sp := fmt.Sprintf("rec%d", i)
			if err := tx.SavePoint(sp).Error; err != nil {
				return fmt.Errorf("savepoint: %w", err)
			}
			res, err := write(tx, i)
			if err == nil {
				results[i] = res
				continue
			}
			if !RecordLevel(err) {
				return err
			}
			if rbErr := tx.RollbackTo(sp).Error; rbErr != nil {
				return fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			results[i] = syncer.ItemResult{Outcome: syncer.OutcomeFailed, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// absent returns the ids of candidates whose key is not in seen.
func absent(candidates map[uint]string, seen []string) []uint {
	keep := make(map[string]struct{}, len(seen))
	for _, k := range seen {
		keep[k] = struct{}{}
	}
	var ids []uint
	for id, key := range candidates {
		if _, ok := keep[key]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// updateByID applies values to the given ids in chunks and returns the
// number of changed rows.
func (s *Store) updateByID(ctx context.Context, table any, ids []uint, values map[string]any) (int, error) {
	total := 0
	for _, part := range chunks(ids, chunkSize) {
		res := s.db.WithContext(ctx).Model(table).Where("id IN ?", part).Updates(values)
		if res.Error != nil {
			return total, res.Error
		}
		total += int(res.RowsAffected)
	}
	return total, nil
}

func nonEmpty(values ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range values {
		for _, v := range list {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
