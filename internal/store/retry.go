package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/farant/smaragda-sub002/internal/observability"
)

// RetryTuning controls the backoff policy beginImmediateWithRetry applies
// to "database is locked" errors. The zero value is invalid; use
// DefaultRetryTuning or a config-loaded value passed to SetRetryTuning.
type RetryTuning struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryTuning matches the values this package shipped with before
// tuning became configurable.
var DefaultRetryTuning = RetryTuning{
	InitialInterval: 10 * time.Millisecond,
	Multiplier:      2,
	MaxInterval:     200 * time.Millisecond,
	MaxElapsedTime:  2 * time.Second,
}

var activeRetryTuning = DefaultRetryTuning

// SetRetryTuning overrides the backoff policy used by every subsequent
// WithTransaction call process-wide. Callers typically do this once at
// startup from loaded configuration.
func SetRetryTuning(t RetryTuning) {
	activeRetryTuning = t
}

// beginImmediateWithRetry starts a BEGIN IMMEDIATE transaction on conn,
// retrying with bounded exponential backoff when SQLite reports the
// database is busy. IMMEDIATE acquires a write lock up front, which is
// what lets execute_action and merge_branch treat their whole body as one
// atomic unit without a second writer interleaving partial work.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	t := activeRetryTuning
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.InitialInterval
	policy.Multiplier = t.Multiplier
	policy.MaxInterval = t.MaxInterval
	policy.MaxElapsedTime = t.MaxElapsedTime

	op := func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err != nil && isBusy(err) {
			observability.Metrics.TransactionRetry.Add(ctx, 1)
			return err // retryable
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("begin immediate transaction: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLite's "database is locked"/"busy"
// condition, which is the only case worth retrying; everything else is a
// real failure the caller should see immediately.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}
