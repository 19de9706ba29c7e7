package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Hand-written pgx fakes. The repos only touch Exec, QueryRow, Query and
// BeginTx, so a small recorder keeps these tests free of a real server.

type call struct {
	sql  string
	args []any
}

// setDest assigns a row value into one Scan destination, covering the
// pointer-field and typed-int cases the repos scan into.
func setDest(dest, v any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("scan dest %T is not a pointer", dest)
	}
	ev := dv.Elem()
	if v == nil {
		ev.Set(reflect.Zero(ev.Type()))
		return nil
	}
	vv := reflect.ValueOf(v)
	switch {
	case vv.Type().AssignableTo(ev.Type()):
		ev.Set(vv)
	case ev.Kind() == reflect.Pointer && vv.Type().AssignableTo(ev.Type().Elem()):
		p := reflect.New(ev.Type().Elem())
		p.Elem().Set(vv)
		ev.Set(p)
	case vv.Type().ConvertibleTo(ev.Type()):
		ev.Set(vv.Convert(ev.Type()))
	default:
		return fmt.Errorf("cannot scan %T into %T", v, dest)
	}
	return nil
}

type rowStub struct {
	vals []any
	err  error
}

func (r rowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("row carries %d values, scan wants %d", len(r.vals), len(dest))
	}
	for i, d := range dest {
		if err := setDest(d, r.vals[i]); err != nil {
			return err
		}
	}
	return nil
}

type rowsStub struct {
	rows   [][]any
	idx    int
	err    error
	closed bool
}

func (r *rowsStub) Close()                                       { r.closed = true }
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *rowsStub) Scan(dest ...any) error {
	return rowStub{vals: r.rows[r.idx-1]}.Scan(dest...)
}

func (r *rowsStub) Values() ([]any, error) { return nil, errors.New("not implemented") }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }

func tagUpdated(n int) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n))
}

// poolStub records every statement and replays queued results. Exec pops
// execTags/execErrs (defaulting to UPDATE 1, nil), QueryRow pops rowQueue
// (defaulting to no rows).
type poolStub struct {
	calls []call

	execTags []pgconn.CommandTag
	execErrs []error

	rowQueue []pgx.Row

	queryRows pgx.Rows
	queryErr  error

	tx       pgx.Tx
	beginErr error
}

func (p *poolStub) record(sql string, args []any) {
	p.calls = append(p.calls, call{sql: sql, args: args})
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.record(sql, args)
	tag := tagUpdated(1)
	if len(p.execTags) > 0 {
		tag = p.execTags[0]
		p.execTags = p.execTags[1:]
	}
	var err error
	if len(p.execErrs) > 0 {
		err = p.execErrs[0]
		p.execErrs = p.execErrs[1:]
	}
	return tag, err
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.record(sql, args)
	if len(p.rowQueue) == 0 {
		return rowStub{err: pgx.ErrNoRows}
	}
	r := p.rowQueue[0]
	p.rowQueue = p.rowQueue[1:]
	return r
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.record(sql, args)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.queryRows == nil {
		return &rowsStub{}, nil
	}
	return p.queryRows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		return nil, errors.New("no tx configured")
	}
	return p.tx, nil
}

// txStub implements pgx.Tx for the eviction path: one Query for the dead
// worker scan, then recorded Execs, then Commit.
type txStub struct {
	execCalls []call
	execTags  []pgconn.CommandTag
	execErrs  []error

	queryRows []pgx.Rows
	queryErr  error

	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested tx not supported")
}

func (t *txStub) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *txStub) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execCalls = append(t.execCalls, call{sql: sql, args: args})
	tag := tagUpdated(1)
	if len(t.execTags) > 0 {
		tag = t.execTags[0]
		t.execTags = t.execTags[1:]
	}
	var err error
	if len(t.execErrs) > 0 {
		err = t.execErrs[0]
		t.execErrs = t.execErrs[1:]
	}
	return tag, err
}

func (t *txStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	if len(t.queryRows) == 0 {
		return &rowsStub{}, nil
	}
	r := t.queryRows[0]
	t.queryRows = t.queryRows[1:]
	return r, nil
}

func (t *txStub) QueryRow(context.Context, string, ...any) pgx.Row {
	return rowStub{err: pgx.ErrNoRows}
}

func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}

func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }

func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}

func (t *txStub) Conn() *pgx.Conn { return nil }

// jobRowVals builds one full extraction_queue row in the column order the
// repos select, with the mutable ownership fields supplied by the test.
func jobRowVals(id, kind string, status int16, workerID, ocrWorkerID any) []any {
	created := time.Date(2025, 10, 7, 12, 0, 0, 0, time.UTC)
	return []any{
		id, kind, status, "index_foncier", "1234567", map[string]any{"circonscription": "Montréal"},
		workerID, 0, 3, nil, nil, nil, nil,
		0, ocrWorkerID, nil, nil, nil, nil, created,
	}
}
