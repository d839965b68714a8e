package fluxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/fluxdb/fluxdb.go/pkg/constants"
	"github.com/fluxdb/fluxdb.go/pkg/pool"
)

// cancelSendTimeout bounds the cancel-send when the caller's context is
// already done.
const cancelSendTimeout = 5 * time.Second

// Tx is a transaction handle bound to one exclusively-leased connection for
// the lifetime of the bracket. It is handed to the function passed to
// WithTransaction and becomes unusable once the bracket closes.
type Tx struct {
	lease  *pool.Lease
	db     *DB
	closed atomic.Bool
}

// Query runs sql inside the transaction, on the pinned connection.
func (tx *Tx) Query(ctx context.Context, sql string, vars map[string]any) ([]QueryResult[json.RawMessage], error) {
	if tx.closed.Load() {
		return nil, constants.ErrTransactionClosed
	}

	res, err := tx.lease.Send(ctx, "query", sql, vars)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, res.Error
	}
	if res.Result == nil {
		return nil, nil
	}
	return decodeResults(*res.Result)
}

// exec runs one control statement and folds transport, RPC, and statement
// errors into a single verdict.
func (tx *Tx) exec(ctx context.Context, sql string) error {
	res, err := tx.lease.Send(ctx, "query", sql, nil)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	if res.Result != nil {
		if _, err := decodeResults(*res.Result); err != nil {
			return err
		}
	}
	return nil
}

// WithTransaction brackets fn in begin/commit|cancel on one connection
// checked out exclusively from the pool. Exactly one of commit or cancel is
// sent per attempt:
//
//   - fn returns nil and ctx is still live: commit is sent, and a commit
//     failure - not a function error - is what the caller observes.
//   - fn returns an error, or ctx is done by the time fn returns: cancel is
//     sent; a cancel-send failure is logged, never raised, so the original
//     error is not masked.
func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	lease, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire transaction connection: %w", err)
	}
	defer lease.Release()

	tx := &Tx{lease: lease, db: db}

	if err := tx.exec(ctx, "BEGIN TRANSACTION"); err != nil {
		tx.closed.Store(true)
		return fmt.Errorf("begin transaction: %w", err)
	}

	fnErr := fn(ctx, tx)
	tx.closed.Store(true)

	if fnErr == nil && ctx.Err() == nil {
		if err := tx.exec(ctx, "COMMIT TRANSACTION"); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}

	original := fnErr
	if original == nil {
		original = ctx.Err()
	}

	// The caller's context may already be done; the cancel still has to
	// reach the server so the bracket closes.
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelSendTimeout)
	defer cancel()

	if err := tx.exec(cancelCtx, "CANCEL TRANSACTION"); err != nil {
		db.logger.Error("failed to cancel transaction", "cause", original, "error", err)
	}

	return original
}
