package journal

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "journal.db"), filepath.Join(dir, "journal.lock"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSaveGetList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	created := time.Unix(1_700_000_000, 0).UTC()
	rec := Record{
		TxHash:    common.HexToHash("0x01"),
		ChainID:   1,
		Operation: "swap.submit",
		From:      common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		To:        common.HexToAddress("0x00000000000000000000000000000000000000d0"),
		Nonce:     7,
		Status:    StatusSubmitted,
		Plan:      json.RawMessage(`{"kind":"exact_in"}`),
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, rec.TxHash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Operation != "swap.submit" || got.Nonce != 7 || string(got.Plan) != `{"kind":"exact_in"}` {
		t.Fatalf("unexpected record: %+v", got)
	}

	got.Status = StatusConfirmed
	got.BlockNumber = 101
	got.UpdatedAt = created.Add(time.Minute)
	if err := store.Save(ctx, got); err != nil {
		t.Fatalf("Save update failed: %v", err)
	}
	confirmed, err := store.List(ctx, StatusConfirmed, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(confirmed) != 1 || confirmed[0].BlockNumber != 101 || !confirmed[0].CreatedAt.Equal(created) {
		t.Fatalf("unexpected confirmed list: %+v", confirmed)
	}
	submitted, err := store.List(ctx, StatusSubmitted, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(submitted) != 0 {
		t.Fatalf("expected no submitted records, got %d", len(submitted))
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), common.HexToHash("0x02")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSaveRequiresHash(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(context.Background(), Record{ChainID: 1}); err == nil {
		t.Fatal("expected missing hash error")
	}
}
