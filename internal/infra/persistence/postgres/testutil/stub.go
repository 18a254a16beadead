// Package testutil fakes the postgres entities table behind database/sql so
// the postgres store can be tested without a server.
package testutil

import (
	"cmp"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Row is one stored entities row.
type Row struct {
	Kind    string
	Key     string
	Payload []byte
}

type rowKey struct{ kind, key string }

type op struct {
	del bool
	row Row
}

// StubConn is a single shared driver connection. Writes issued inside a
// transaction are buffered and applied on commit.
type StubConn struct {
	mu    sync.Mutex
	rows  map[rowKey][]byte
	tx    *stubTx
	execs []string

	FailPing   bool
	FailExec   bool
	FailBegin  bool
	FailQuery  bool
	FailCommit bool
	RowsErr    error
}

var driverSeq atomic.Int64

// NewStubDB registers a fresh driver and returns a sql.DB bound to it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{rows: make(map[rowKey][]byte)}
	name := fmt.Sprintf("stubpg-%d", driverSeq.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Seed stores a committed row directly.
func (c *StubConn) Seed(kind, key string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[rowKey{kind, key}] = payload
}

// Rows returns the committed rows ordered by kind then key.
func (c *StubConn) Rows() []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedRows()
}

// Execs returns every statement passed to Exec, in order.
func (c *StubConn) Execs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.execs)
}

func (c *StubConn) sortedRows() []Row {
	out := make([]Row, 0, len(c.rows))
	for k, payload := range c.rows {
		out = append(out, Row{Kind: k.kind, Key: k.key, Payload: payload})
	}
	slices.SortFunc(out, func(a, b Row) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Key, b.Key))
	})
	return out
}

func (c *StubConn) apply(o op) {
	k := rowKey{o.row.Kind, o.row.Key}
	if o.del {
		delete(c.rows, k)
		return
	}
	c.rows[k] = o.row.Payload
}

type stubDriver struct{ conn *StubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare is unsupported; database/sql uses ExecContext and QueryContext.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("ping failed")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailBegin {
		return nil, errors.New("begin failed")
	}
	c.tx = &stubTx{conn: c}
	return c.tx, nil
}

// ExecContext understands the entities upsert and delete; any other statement
// (DDL) is recorded and accepted.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, query)
	if c.FailExec {
		return nil, errors.New("exec failed")
	}
	var o op
	switch upper := strings.ToUpper(strings.TrimSpace(query)); {
	case strings.HasPrefix(upper, "INSERT INTO ENTITIES"):
		if len(args) != 3 {
			return nil, fmt.Errorf("upsert wants 3 args, got %d", len(args))
		}
		payload, _ := args[2].Value.([]byte)
		o = op{row: Row{Kind: fmt.Sprint(args[0].Value), Key: fmt.Sprint(args[1].Value), Payload: slices.Clone(payload)}}
	case strings.HasPrefix(upper, "DELETE FROM ENTITIES"):
		if len(args) != 2 {
			return nil, fmt.Errorf("delete wants 2 args, got %d", len(args))
		}
		o = op{del: true, row: Row{Kind: fmt.Sprint(args[0].Value), Key: fmt.Sprint(args[1].Value)}}
	default:
		return driver.RowsAffected(0), nil
	}
	if c.tx != nil {
		c.tx.ops = append(c.tx.ops, o)
	} else {
		c.apply(o)
	}
	return driver.RowsAffected(1), nil
}

// QueryContext serves "SELECT kind, key, payload FROM entities".
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailQuery {
		return nil, errors.New("query failed")
	}
	if !strings.Contains(strings.ToLower(query), "from entities") {
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
	return &stubRows{rows: c.sortedRows(), err: c.RowsErr}, nil
}

type stubTx struct {
	conn *StubConn
	ops  []op
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.tx = nil
	if t.conn.FailCommit {
		return errors.New("commit failed")
	}
	for _, o := range t.ops {
		t.conn.apply(o)
	}
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.tx = nil
	return nil
}

type stubRows struct {
	rows []Row
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return []string{"kind", "key", "payload"} }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	row := r.rows[r.idx]
	dest[0], dest[1], dest[2] = row.Kind, row.Key, row.Payload
	r.idx++
	return nil
}
