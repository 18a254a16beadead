package testutil

import (
	"context"
	"database/sql/driver"
	"io"
	"testing"
)

const upsert = "INSERT INTO entities (kind, key, payload) VALUES ($1,$2,$3) ON CONFLICT (kind, key) DO UPDATE SET payload=EXCLUDED.payload"

func args(vals ...any) []driver.NamedValue {
	out := make([]driver.NamedValue, len(vals))
	for i, v := range vals {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

func TestStubUpsertDeleteAndQuery(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	for _, a := range [][]driver.NamedValue{
		args("product", "p2", []byte(`{"v":1}`)),
		args("product", "p1", []byte(`{"v":1}`)),
		args("product", "p1", []byte(`{"v":2}`)),
	} {
		if _, err := conn.ExecContext(ctx, upsert, a); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if rows := conn.Rows(); len(rows) != 2 || rows[0].Key != "p1" || string(rows[0].Payload) != `{"v":2}` {
		t.Fatalf("unexpected rows after upsert: %+v", rows)
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM entities WHERE kind=$1 AND key=$2", args("product", "p2")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, err := conn.QueryContext(ctx, "SELECT kind, key, payload FROM entities", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	dest := make([]driver.Value, 3)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("next: %v", err)
	}
	if dest[1] != "p1" {
		t.Fatalf("unexpected row %v", dest)
	}
	if err := rows.Next(dest); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStubBuffersTransactionWrites(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	tx, err := conn.BeginTx(ctx, driver.TxOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.ExecContext(ctx, upsert, args("user", "u1", []byte(`{}`))); err != nil {
		t.Fatal(err)
	}
	if len(conn.Rows()) != 0 {
		t.Fatal("uncommitted write visible")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if len(conn.Rows()) != 0 {
		t.Fatal("rolled back write applied")
	}

	tx, _ = conn.BeginTx(ctx, driver.TxOptions{})
	_, _ = conn.ExecContext(ctx, upsert, args("user", "u1", []byte(`{}`)))
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if len(conn.Rows()) != 1 {
		t.Fatal("committed write missing")
	}
}

func TestStubFailureSwitches(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.FailPing = true
	if err := conn.Ping(ctx); err == nil {
		t.Fatal("expected ping failure")
	}
	conn.FailBegin = true
	if _, err := conn.BeginTx(ctx, driver.TxOptions{}); err == nil {
		t.Fatal("expected begin failure")
	}
	conn.FailQuery = true
	if _, err := conn.QueryContext(ctx, "SELECT kind, key, payload FROM entities", nil); err == nil {
		t.Fatal("expected query failure")
	}
	conn.FailExec = true
	if _, err := conn.ExecContext(ctx, "CREATE TABLE x (a int);", nil); err == nil {
		t.Fatal("expected exec failure")
	}
	if got := conn.Execs(); len(got) != 1 {
		t.Fatalf("expected failed exec to be recorded, got %v", got)
	}
}
