package postgres

import (
	"context"
	"database/sql"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/reward"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	name := "counter-" + uuid.NewString()
	sel := extension.SelectorForSignature("increment(uint256)")
	desc := extension.Descriptor{
		Name:           name,
		Implementation: "0x1111111111111111111111111111111111111111",
		Functions: []extension.Function{
			{Selector: sel, Signature: "increment(uint256)"},
		},
	}
	if err := store.UpsertExtension(ctx, desc); err != nil {
		t.Fatalf("upsert extension: %v", err)
	}
	defer store.DeleteExtension(ctx, name)

	got, ok, err := store.GetExtension(ctx, name)
	if err != nil || !ok {
		t.Fatalf("get extension: ok=%v err=%v", ok, err)
	}
	if got.Implementation != desc.Implementation {
		t.Fatalf("implementation = %q", got.Implementation)
	}

	rec, ok, err := store.GetSelectorOwner(ctx, sel)
	if err != nil || !ok {
		t.Fatalf("get selector owner: ok=%v err=%v", ok, err)
	}
	if rec.Extension != name {
		t.Fatalf("selector owner = %q, want %q", rec.Extension, name)
	}

	// Re-upserting with a different function set must replace the index rows.
	desc.Functions = []extension.Function{
		{Selector: extension.SelectorForSignature("decrement(uint256)"), Signature: "decrement(uint256)"},
	}
	if err := store.UpsertExtension(ctx, desc); err != nil {
		t.Fatalf("re-upsert extension: %v", err)
	}
	if _, ok, _ := store.GetSelectorOwner(ctx, sel); ok {
		t.Fatalf("stale selector row survived the upsert")
	}

	signer := "0xtest-" + uuid.NewString()
	perm := permission.SignerPermission{
		Signer:          signer,
		ApprovedTargets: []string{desc.Implementation},
		SpendLimitPerTx: big.NewInt(500),
		ValidFrom:       time.Now().Add(-time.Hour),
		ValidTo:         time.Now().Add(time.Hour),
	}
	if err := store.PutPermission(ctx, perm); err != nil {
		t.Fatalf("put permission: %v", err)
	}
	gotPerm, ok, err := store.GetPermission(ctx, signer)
	if err != nil || !ok {
		t.Fatalf("get permission: ok=%v err=%v", ok, err)
	}
	if gotPerm.SpendLimitPerTx.Cmp(perm.SpendLimitPerTx) != 0 {
		t.Fatalf("spend limit = %s", gotPerm.SpendLimitPerTx)
	}

	uid := uuid.NewString()
	first, err := store.ConsumeUID(ctx, uid)
	if err != nil {
		t.Fatalf("consume uid: %v", err)
	}
	second, err := store.ConsumeUID(ctx, uid)
	if err != nil {
		t.Fatalf("consume uid again: %v", err)
	}
	if !first || second {
		t.Fatalf("uid consumption: first=%v second=%v", first, second)
	}

	rw := reward.Reward{
		ID:        uuid.NewString(),
		Token:     "0x2222222222222222222222222222222222222222",
		Recipient: signer,
		Amount:    big.NewInt(1000),
	}
	if err := store.PutReward(ctx, rw); err != nil {
		t.Fatalf("put reward: %v", err)
	}
	defer store.DeleteReward(ctx, rw.ID)

	gotReward, ok, err := store.GetReward(ctx, rw.ID)
	if err != nil || !ok {
		t.Fatalf("get reward: ok=%v err=%v", ok, err)
	}
	if gotReward.Claimed {
		t.Fatalf("fresh reward marked claimed")
	}
	if gotReward.Amount.Cmp(rw.Amount) != 0 {
		t.Fatalf("amount = %s", gotReward.Amount)
	}
}
