package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"orderledger/internal/blob/core"
)

func TestMockStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewMock(ctx)
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if store.Driver() != core.DriverS3 || store.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected store identity")
	}
	payload := []byte("{\"id\":\"m1\"}\n")
	info, err := store.Put(ctx, "ledger/2024-01-01/1.jsonl", bytes.NewReader(payload), core.PutOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) || info.ETag != "mock-etag" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "ledger/2024-01-01/1.jsonl", bytes.NewReader(payload), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := store.Get(ctx, "ledger/2024-01-01/1.jsonl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(body, payload) {
		t.Fatalf("unexpected body %q", body)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	infos, err := store.List(ctx, "ledger/")
	if err != nil || len(infos) != 1 {
		t.Fatalf("list: %v %v", infos, err)
	}
	if ok, err := store.Delete(ctx, "ledger/2024-01-01/1.jsonl"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "ledger/2024-01-01/1.jsonl"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}
