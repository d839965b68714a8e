package fluxdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	json "github.com/goccy/go-json"

	"github.com/fluxdb/fluxdb.go/pkg/connection"
	"github.com/fluxdb/fluxdb.go/pkg/connection/gorillaws"
	"github.com/fluxdb/fluxdb.go/pkg/constants"
	"github.com/fluxdb/fluxdb.go/pkg/guard"
	"github.com/fluxdb/fluxdb.go/pkg/logger"
	slogger "github.com/fluxdb/fluxdb.go/pkg/logger/slog"
	"github.com/fluxdb/fluxdb.go/pkg/pool"
)

// DB is the driver's entry point: a connection pool with the RPC surface on
// top of it.
type DB struct {
	pool   *pool.Pool
	guard  *guard.Guard
	logger logger.Logger
}

// New dials the pool and returns a usable DB. At least Config.MinIdle
// connections (default 1) must establish; otherwise the error is fatal.
func New(ctx context.Context, conf *Config) (*DB, error) {
	log := conf.Logger
	if log == nil {
		log = slogger.New(slog.NewJSONHandler(os.Stdout, nil))
		conf.Logger = log
	}

	connConf := conf.connectionConfig()
	if err := connConf.Validate(); err != nil {
		return nil, err
	}

	p, err := pool.New(pool.Config{
		Size:                conf.PoolSize,
		MinIdle:             conf.MinIdle,
		HealthCheckInterval: conf.HealthCheckInterval,
		Logger:              log,
		Dialer: func() connection.Connection {
			return gorillaws.New(connConf)
		},
	})
	if err != nil {
		return nil, err
	}

	if err := p.Start(ctx); err != nil {
		return nil, err
	}

	db := &DB{
		pool:   p,
		logger: log,
	}

	if conf.GuardThreshold > 0 {
		db.guard = guard.New(conf.GuardThreshold, conf.GuardRecovery, log)
	}

	return db, nil
}

// WaitUntilReady blocks until the pool has at least one usable connection.
func (db *DB) WaitUntilReady(ctx context.Context) error {
	return db.pool.WaitUntilReady(ctx)
}

// Pool exposes the underlying pool for collaborators that need direct
// selection or leasing.
func (db *DB) Pool() *pool.Pool {
	return db.pool
}

func (db *DB) Close(ctx context.Context) error {
	return db.pool.Close(ctx)
}

// send performs one load-balanced RPC and surfaces a server-side RPC error
// as the call's error. The call guard, when configured, wraps the transport
// leg only; an RPC error is a server verdict, not a transport failure.
func (db *DB) send(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var res *connection.RPCResponse[json.RawMessage]

	call := func() error {
		var err error
		res, err = db.pool.Send(ctx, method, params...)
		return err
	}

	var err error
	if db.guard != nil {
		err = db.guard.Do(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}

	if res.Error != nil {
		return nil, res.Error
	}
	if res.Result == nil {
		return nil, nil
	}
	return *res.Result, nil
}

// Signin authenticates with the given credentials and returns the session
// token, if the server issues one.
func (db *DB) Signin(ctx context.Context, auth connection.Auth) (string, error) {
	raw, err := db.send(ctx, "signin", auth)
	if err != nil {
		return "", err
	}

	var token string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &token); err != nil {
			return "", fmt.Errorf("%w: signin result is not a token: %v", constants.ErrInvalidResponse, err)
		}
	}
	return token, nil
}

// Authenticate resumes a session from a previously issued token.
func (db *DB) Authenticate(ctx context.Context, token string) error {
	_, err := db.send(ctx, "authenticate", token)
	return err
}

// Invalidate drops the current session's authentication.
func (db *DB) Invalidate(ctx context.Context) error {
	_, err := db.send(ctx, "invalidate")
	return err
}

func (db *DB) Info(ctx context.Context) (json.RawMessage, error) {
	return db.send(ctx, "info")
}

func (db *DB) Let(ctx context.Context, key string, value any) error {
	_, err := db.send(ctx, "let", key, value)
	return err
}

func (db *DB) Unset(ctx context.Context, key string) error {
	_, err := db.send(ctx, "unset", key)
	return err
}

func (db *DB) Select(ctx context.Context, what string) (json.RawMessage, error) {
	return db.send(ctx, "select", what)
}

func (db *DB) Create(ctx context.Context, what string, data any) (json.RawMessage, error) {
	return db.send(ctx, "create", what, data)
}

func (db *DB) Insert(ctx context.Context, what string, data any) (json.RawMessage, error) {
	return db.send(ctx, "insert", what, data)
}

func (db *DB) Update(ctx context.Context, what string, data any) (json.RawMessage, error) {
	return db.send(ctx, "update", what, data)
}

func (db *DB) Upsert(ctx context.Context, what string, data any) (json.RawMessage, error) {
	return db.send(ctx, "upsert", what, data)
}

func (db *DB) Merge(ctx context.Context, what string, data any) (json.RawMessage, error) {
	return db.send(ctx, "merge", what, data)
}

func (db *DB) Delete(ctx context.Context, what string) (json.RawMessage, error) {
	return db.send(ctx, "delete", what)
}
