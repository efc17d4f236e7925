// Package pg implements the persistence adapter on PostgreSQL.
//
// All upserts use ON CONFLICT so duplicate-key violations are the expected
// no-op path and never surface. Multi-row writes are chunked to keep
// transaction time bounded.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/storage"
)

// maxBatchSize bounds multi-row inserts so a single transaction stays fast.
const maxBatchSize = 500

// serializationRetries is how many times a write is retried on serialization
// failures before surfacing a persistence error.
const serializationRetries = 3

type Store struct {
	db  *sql.DB
	log *logger.Logger

	ftsLanguage       string
	fallbackSubstring bool
	logSearchFailures bool
}

var _ storage.Store = (*Store)(nil)

type Options struct {
	FTSLanguage       string
	FallbackSubstring bool
	LogSearchFailures bool
}

func New(db *sql.DB, log *logger.Logger, opts Options) *Store {
	if opts.FTSLanguage == "" {
		opts.FTSLanguage = "simple"
	}
	return &Store{
		db:                db,
		log:               log.WithComponent("storage"),
		ftsLanguage:       opts.FTSLanguage,
		fallbackSubstring: opts.FallbackSubstring,
		logSearchFailures: opts.LogSearchFailures,
	}
}

// withTx runs fn in a transaction, retrying serialization failures.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= serializationRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isSerializationError(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSerializationError(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

// isSerializationError reports Postgres serialization and deadlock failures.
func isSerializationError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// chunkSize splits n items into batches of at most maxBatchSize.
func chunkRange(n int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += maxBatchSize {
		end := start + maxBatchSize
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// nullInt64 maps *int64 to sql.NullInt64.
func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func int64Array(ids []int64) any {
	return pq.Array(ids)
}
