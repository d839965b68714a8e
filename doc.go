// Package fluxdb is a client driver for FluxDB-compatible servers speaking
// the JSON-RPC protocol over a persistent websocket connection.
//
// The driver maintains a pool of wire connections, load-balances queries
// across the healthy ones, recovers failed connections in the background,
// and brackets transactional work on a single exclusively-leased connection:
//
//	db, err := fluxdb.New(ctx, &fluxdb.Config{
//		URL:       "ws://localhost:8000",
//		Username:  "root",
//		Password:  "root",
//		Namespace: "app",
//		Database:  "app",
//	})
//	if err != nil {
//		return err
//	}
//	defer db.Close(ctx)
//
//	results, err := db.Query(ctx, "SELECT * FROM user WHERE age > $age", map[string]any{"age": 21})
//
// Transactions run a caller function against a handle pinned to one
// connection; exactly one of commit or cancel is sent per attempt:
//
//	err = db.WithTransaction(ctx, func(ctx context.Context, tx *fluxdb.Tx) error {
//		if _, err := tx.Query(ctx, "UPDATE account:a SET balance -= 10", nil); err != nil {
//			return err
//		}
//		_, err := tx.Query(ctx, "UPDATE account:b SET balance += 10", nil)
//		return err
//	})
package fluxdb
