package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/RepScopeLabs/creditengine/pkg/credits"
)

func TestEnsureAccountIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "tenant-1")

	if err := store.EnsureAccount(ctx, accountID, "free"); err != nil {
		test.Fatalf("ensure account: %v", err)
	}
	if err := store.EnsureAccount(ctx, accountID, "business"); err != nil {
		test.Fatalf("ensure account repeat: %v", err)
	}
	planID, err := store.GetAccountPlanID(ctx, accountID)
	if err != nil {
		test.Fatalf("get plan id: %v", err)
	}
	if planID != "free" {
		test.Fatalf("repeat ensure must not change plan, got %q", planID)
	}
}

func TestGetAccountPlanIDUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	_, err := store.GetAccountPlanID(context.Background(), mustAccountID(test, "tenant-ghost"))
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSetAccountPlanID(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "tenant-1")

	err := store.SetAccountPlanID(ctx, accountID, "starter")
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound for missing account, got %v", err)
	}

	if err := store.EnsureAccount(ctx, accountID, "free"); err != nil {
		test.Fatalf("ensure account: %v", err)
	}
	if err := store.SetAccountPlanID(ctx, accountID, "starter"); err != nil {
		test.Fatalf("set plan id: %v", err)
	}
	planID, err := store.GetAccountPlanID(ctx, accountID)
	if err != nil {
		test.Fatalf("get plan id: %v", err)
	}
	if planID != "starter" {
		test.Fatalf("expected starter, got %q", planID)
	}
}

func TestInsertTransactionRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "tenant-1")
	mustEnsureAccount(test, store, accountID)

	channel := mustChannel(test, "instagram_analysis")
	inserted := mustInsert(test, store, transactionSpec{
		accountID: accountID,
		kind:      credits.KindConsumption,
		amount:    25,
		channel:   &channel,
		key:       "consume-1",
		metadata:  `{"post_id":"abc123"}`,
		createdAt: 1700000100,
	})

	if inserted.TransactionID == "" {
		test.Fatalf("expected generated transaction id")
	}
	if inserted.Seq == 0 {
		test.Fatalf("expected assigned sequence number")
	}

	listed, err := store.ListTransactions(ctx, accountID, credits.HistoryFilter{Limit: 10})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(listed))
	}
	row := listed[0]
	if row.Kind != credits.KindConsumption || row.Amount != 25 || row.Channel != "instagram_analysis" {
		test.Fatalf("unexpected row: %+v", row)
	}
	if row.MetadataJSON != `{"post_id":"abc123"}` {
		test.Fatalf("unexpected metadata: %q", row.MetadataJSON)
	}
	if row.CreatedUnixUTC != 1700000100 {
		test.Fatalf("unexpected timestamp: %d", row.CreatedUnixUTC)
	}
}

func TestInsertTransactionDuplicateKeyPerAccount(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccountID(test, "tenant-1")
	otherID := mustAccountID(test, "tenant-2")
	mustEnsureAccount(test, store, accountID)
	mustEnsureAccount(test, store, otherID)

	spec := transactionSpec{
		accountID: accountID,
		kind:      credits.KindRecharge,
		amount:    100,
		key:       "shared-key",
		createdAt: 1700000100,
	}
	mustInsert(test, store, spec)

	_, err := insertSpec(store, spec)
	if !errors.Is(err, credits.ErrDuplicateTransaction) {
		test.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}

	// The same key under a different account is a different transaction.
	spec.accountID = otherID
	mustInsert(test, store, spec)
}

func TestSumByKind(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "tenant-1")
	mustEnsureAccount(test, store, accountID)

	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindRecharge, amount: 500, key: "r-1", createdAt: 1700000100})
	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindRecharge, amount: 200, key: "r-2", createdAt: 1700000200})
	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindConsumption, amount: 120, key: "c-1", createdAt: 1700000300})

	recharged, err := store.SumByKind(ctx, accountID, credits.KindRecharge)
	if err != nil {
		test.Fatalf("sum recharges: %v", err)
	}
	if recharged != 700 {
		test.Fatalf("expected 700 recharged, got %d", recharged)
	}
	consumed, err := store.SumByKind(ctx, accountID, credits.KindConsumption)
	if err != nil {
		test.Fatalf("sum consumptions: %v", err)
	}
	if consumed != 120 {
		test.Fatalf("expected 120 consumed, got %d", consumed)
	}
}

func TestListTransactionsFiltersAndOrder(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "tenant-1")
	mustEnsureAccount(test, store, accountID)

	search := mustChannel(test, "search")
	export := mustChannel(test, "export")
	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindRecharge, amount: 100, key: "r-1", createdAt: 1700000100})
	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindConsumption, amount: 10, channel: &search, key: "c-1", createdAt: 1700000200})
	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindConsumption, amount: 10, channel: &export, key: "c-2", createdAt: 1700000300})

	listed, err := store.ListTransactions(ctx, accountID, credits.HistoryFilter{Limit: 10})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 3 {
		test.Fatalf("expected 3 transactions, got %d", len(listed))
	}
	for index := 1; index < len(listed); index++ {
		if listed[index].CreatedUnixUTC < listed[index-1].CreatedUnixUTC {
			test.Fatalf("expected ascending order, got %d before %d", listed[index-1].CreatedUnixUTC, listed[index].CreatedUnixUTC)
		}
	}

	descending, err := store.ListTransactions(ctx, accountID, credits.HistoryFilter{Limit: 10, Descending: true})
	if err != nil {
		test.Fatalf("list descending: %v", err)
	}
	if descending[0].IdempotencyKey != "c-2" {
		test.Fatalf("expected newest first, got %q", descending[0].IdempotencyKey)
	}

	kind := credits.KindConsumption
	filtered, err := store.ListTransactions(ctx, accountID, credits.HistoryFilter{Kind: &kind, Channel: &search, Limit: 10})
	if err != nil {
		test.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].IdempotencyKey != "c-1" {
		test.Fatalf("unexpected filtered result: %+v", filtered)
	}

	windowed, err := store.ListTransactions(ctx, accountID, credits.HistoryFilter{FromUnixUTC: 1700000200, ToUnixUTC: 1700000300, Limit: 10})
	if err != nil {
		test.Fatalf("list windowed: %v", err)
	}
	if len(windowed) != 1 || windowed[0].IdempotencyKey != "c-1" {
		test.Fatalf("unexpected windowed result: %+v", windowed)
	}
}

func TestCountByChannelCountsConsumptionsOnly(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "tenant-1")
	mustEnsureAccount(test, store, accountID)

	search := mustChannel(test, "search")
	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindRecharge, amount: 100, key: "r-1", createdAt: 1700000100})
	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindConsumption, amount: 5, channel: &search, key: "c-1", createdAt: 1700000200})
	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindConsumption, amount: 5, channel: &search, key: "c-2", createdAt: 1700000300})

	counted, err := store.CountByChannel(ctx, accountID, search, 0, 0)
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if counted != 2 {
		test.Fatalf("expected 2, got %d", counted)
	}

	counted, err = store.CountByChannel(ctx, accountID, search, 1700000300, 0)
	if err != nil {
		test.Fatalf("count windowed: %v", err)
	}
	if counted != 1 {
		test.Fatalf("expected 1 in window, got %d", counted)
	}
}

func TestWithAccountTxRunsCheckThenAppend(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "tenant-1")
	mustEnsureAccount(test, store, accountID)
	mustInsert(test, store, transactionSpec{accountID: accountID, kind: credits.KindRecharge, amount: 100, key: "r-1", createdAt: 1700000100})

	err := store.WithAccountTx(ctx, accountID, func(ctx context.Context, txStore credits.Store) error {
		recharged, err := txStore.SumByKind(ctx, accountID, credits.KindRecharge)
		if err != nil {
			return err
		}
		if recharged != 100 {
			test.Fatalf("expected recharged 100 inside tx, got %d", recharged)
		}
		input := mustInput(test, transactionSpec{accountID: accountID, kind: credits.KindConsumption, amount: 40, key: "c-1", createdAt: 1700000200})
		_, err = txStore.InsertTransaction(ctx, input)
		return err
	})
	if err != nil {
		test.Fatalf("with account tx: %v", err)
	}

	consumed, err := store.SumByKind(ctx, accountID, credits.KindConsumption)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if consumed != 40 {
		test.Fatalf("expected committed consumption, got %d", consumed)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "tenant-1")
	mustEnsureAccount(test, store, accountID)
	rollbackErr := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, txStore credits.Store) error {
		input := mustInput(test, transactionSpec{accountID: accountID, kind: credits.KindRecharge, amount: 100, key: "r-1", createdAt: 1700000100})
		if _, err := txStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		return rollbackErr
	})
	if !errors.Is(err, rollbackErr) {
		test.Fatalf("expected rollback error, got %v", err)
	}

	recharged, err := store.SumByKind(ctx, accountID, credits.KindRecharge)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if recharged != 0 {
		test.Fatalf("expected rollback, got recharged %d", recharged)
	}
}

type transactionSpec struct {
	accountID credits.AccountID
	kind      credits.TransactionKind
	amount    int64
	channel   *credits.Channel
	key       string
	metadata  string
	createdAt int64
}

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustEnsureAccount(test *testing.T, store *Store, accountID credits.AccountID) {
	test.Helper()
	if err := store.EnsureAccount(context.Background(), accountID, "free"); err != nil {
		test.Fatalf("ensure account: %v", err)
	}
}

func mustInput(test *testing.T, spec transactionSpec) credits.TransactionInput {
	test.Helper()
	amount, err := credits.NewAmount(spec.amount)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	key, err := credits.NewIdempotencyKey(spec.key)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	metadata, err := credits.NewMetadataJSON(spec.metadata)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	input, err := credits.NewTransactionInput(spec.accountID, spec.kind, amount, spec.channel, "", key, metadata, spec.createdAt)
	if err != nil {
		test.Fatalf("transaction input: %v", err)
	}
	return input
}

func insertSpec(store *Store, spec transactionSpec) (credits.Transaction, error) {
	amount, err := credits.NewAmount(spec.amount)
	if err != nil {
		return credits.Transaction{}, err
	}
	key, err := credits.NewIdempotencyKey(spec.key)
	if err != nil {
		return credits.Transaction{}, err
	}
	metadata, err := credits.NewMetadataJSON(spec.metadata)
	if err != nil {
		return credits.Transaction{}, err
	}
	input, err := credits.NewTransactionInput(spec.accountID, spec.kind, amount, spec.channel, "", key, metadata, spec.createdAt)
	if err != nil {
		return credits.Transaction{}, err
	}
	return store.InsertTransaction(context.Background(), input)
}

func mustInsert(test *testing.T, store *Store, spec transactionSpec) credits.Transaction {
	test.Helper()
	inserted, err := insertSpec(store, spec)
	if err != nil {
		test.Fatalf("insert transaction: %v", err)
	}
	return inserted
}

func mustAccountID(test *testing.T, raw string) credits.AccountID {
	test.Helper()
	value, err := credits.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustChannel(test *testing.T, raw string) credits.Channel {
	test.Helper()
	value, err := credits.NewChannel(raw)
	if err != nil {
		test.Fatalf("channel: %v", err)
	}
	return value
}
