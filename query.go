package fluxdb

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/fluxdb/fluxdb.go/pkg/constants"
)

const statusOK = "OK"

// QueryResult is one per-statement result set from a query response.
type QueryResult[T any] struct {
	Status string `json:"status"`
	Time   string `json:"time"`
	Result T      `json:"result"`
	Detail string `json:"detail,omitempty"`
}

// StatementError is a non-OK statement status; its message is the
// server-provided detail text, verbatim.
type StatementError struct {
	Detail string
}

func (e *StatementError) Error() string {
	return e.Detail
}

// statementError surfaces a non-OK result set. The server reports the
// reason either in a detail field or as the result value itself.
func statementError(qr *QueryResult[json.RawMessage]) error {
	if qr.Status == statusOK {
		return nil
	}

	detail := qr.Detail
	if detail == "" && len(qr.Result) > 0 {
		_ = json.Unmarshal(qr.Result, &detail)
	}
	return &StatementError{Detail: detail}
}

// Query runs sql with vars and returns the per-statement result sets. The
// first non-OK statement is surfaced as the call's error, alongside whatever
// result sets were decoded.
func (db *DB) Query(ctx context.Context, sql string, vars map[string]any) ([]QueryResult[json.RawMessage], error) {
	raw, err := db.send(ctx, "query", sql, vars)
	if err != nil {
		return nil, err
	}
	return decodeResults(raw)
}

func decodeResults(raw json.RawMessage) ([]QueryResult[json.RawMessage], error) {
	var results []QueryResult[json.RawMessage]
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrQuery, err)
	}

	for i := range results {
		if err := statementError(&results[i]); err != nil {
			return results, err
		}
	}
	return results, nil
}

// Query runs sql with vars and decodes every statement's rows into T.
func Query[T any](ctx context.Context, db *DB, sql string, vars map[string]any) ([]QueryResult[T], error) {
	raws, err := db.Query(ctx, sql, vars)
	if err != nil {
		return nil, err
	}
	return typeResults[T](raws)
}

// QueryOne runs sql and returns the single row of the first result set.
// ErrNoRow is returned when the statement produced no rows.
func QueryOne[T any](ctx context.Context, db *DB, sql string, vars map[string]any) (T, error) {
	var zero T

	results, err := Query[[]T](ctx, db, sql, vars)
	if err != nil {
		return zero, err
	}
	if len(results) == 0 || len(results[0].Result) == 0 {
		return zero, constants.ErrNoRow
	}
	return results[0].Result[0], nil
}

func typeResults[T any](raws []QueryResult[json.RawMessage]) ([]QueryResult[T], error) {
	typed := make([]QueryResult[T], 0, len(raws))
	for i := range raws {
		qr := QueryResult[T]{
			Status: raws[i].Status,
			Time:   raws[i].Time,
			Detail: raws[i].Detail,
		}
		if len(raws[i].Result) > 0 {
			if err := json.Unmarshal(raws[i].Result, &qr.Result); err != nil {
				return nil, err
			}
		}
		typed = append(typed, qr)
	}
	return typed, nil
}
