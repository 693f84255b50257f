// Package dedup remembers content fingerprints of ERP exchange documents so an
// unchanged export can be skipped on the next incremental run.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "erpsync:dedup:doc:"

// Fingerprints stores the last committed fingerprint per document name.
type Fingerprints struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Fingerprints {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Fingerprints{rdb: rdb, ttl: ttl}
}

// Sum returns the fingerprint of the given document bodies.
func Sum(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		sum := sha256.Sum256(p)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Unchanged reports whether fingerprint equals the one last remembered for name.
// Without redis nothing is ever unchanged.
func (f *Fingerprints) Unchanged(ctx context.Context, name, fingerprint string) (bool, error) {
	if f == nil || f.rdb == nil || name == "" || fingerprint == "" {
		return false, nil
	}
	prev, err := f.rdb.Get(ctx, keyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup get: %w", err)
	}
	return prev == fingerprint, nil
}

// Remember records fingerprint for name. Call it only after the document was
// fully applied.
func (f *Fingerprints) Remember(ctx context.Context, name, fingerprint string) error {
	if f == nil || f.rdb == nil || name == "" || fingerprint == "" {
		return nil
	}
	if err := f.rdb.Set(ctx, keyPrefix+name, fingerprint, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup set: %w", err)
	}
	return nil
}

// Forget drops the remembered fingerprint so the next run reprocesses name.
func (f *Fingerprints) Forget(ctx context.Context, name string) error {
	if f == nil || f.rdb == nil || name == "" {
		return nil
	}
	if err := f.rdb.Del(ctx, keyPrefix+name).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}
