package pgstore

import (
	"context"
	"errors"

	"github.com/RepScopeLabs/creditengine/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionIdempotency = "uniq_credit_tx_idem"
	pgUniqueViolationCode            = "23505"
	errorOperationStore              = "store"
	errorSubjectAccount              = "account"
	errorSubjectBalance              = "balance"
	errorSubjectTransaction          = "transaction"
	errorSubjectUsage                = "usage"
	errorCodeBegin                   = "begin"
	errorCodeCommit                  = "commit"
	errorCodeCount                   = "count"
	errorCodeDuplicate               = "duplicate"
	errorCodeEnsure                  = "ensure"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeLock                    = "lock"
	errorCodeSum                     = "sum"
	errorCodeUpdatePlan              = "update_plan"

	sqlEnsureAccount = `
		insert into accounts(account_id, plan_id, created_at)
		values($1, $2, now())
		on conflict (account_id) do nothing
	`

	// The advisory lock keys the account id, so racing consumes against the
	// same account serialize while other accounts proceed untouched.
	sqlLockAccount = `select pg_advisory_xact_lock(hashtext($1))`

	sqlGetAccountPlan = `select plan_id from accounts where account_id = $1`

	sqlSetAccountPlan = `update accounts set plan_id = $2 where account_id = $1`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, account_id, kind, amount, channel, description, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''), $5, $6,
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
		returning seq, transaction_id::text, extract(epoch from created_at)::bigint
	`

	sqlSumByKind = `
		select coalesce(sum(amount),0) from credit_transactions
		where account_id = $1 and kind = $2
	`

	sqlListTransactions = `
		select
			transaction_id::text,
			seq,
			account_id,
			kind::text,
			amount,
			coalesce(channel,''),
			description,
			idempotency_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where account_id = $1
		and ($2 = '' or kind::text = $2)
		and ($3 = '' or channel = $3)
		and ($4 = 0 or created_at >= to_timestamp($4))
		and ($5 = 0 or created_at < to_timestamp($5))
		order by
			case when $7 then null else created_at end asc,
			case when $7 then null else seq end asc,
			case when $7 then created_at end desc,
			case when $7 then seq end desc
		limit $6
	`

	sqlCountByChannel = `
		select count(*) from credit_transactions
		where account_id = $1 and kind::text = $2 and channel = $3
		and ($4 = 0 or created_at >= to_timestamp($4))
		and ($5 = 0 or created_at < to_timestamp($5))
	`
)

// querier covers the pgx surface shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.runTx(ctx, nil, fn)
}

func (store *Store) WithAccountTx(ctx context.Context, accountID credits.AccountID, fn func(ctx context.Context, txStore credits.Store) error) error {
	lock := accountID
	return store.runTx(ctx, &lock, fn)
}

func (store *Store) runTx(ctx context.Context, lockAccountID *credits.AccountID, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if lockAccountID != nil {
		if _, err := tx.Exec(ctx, sqlLockAccount, lockAccountID.String()); err != nil {
			_ = tx.Rollback(ctx)
			return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
		}
	}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, accountID credits.AccountID, defaultPlanID string) error {
	return ensureAccount(ctx, store.pool, accountID, defaultPlanID)
}

func (store *Store) GetAccountPlanID(ctx context.Context, accountID credits.AccountID) (string, error) {
	return getAccountPlanID(ctx, store.pool, accountID)
}

func (store *Store) SetAccountPlanID(ctx context.Context, accountID credits.AccountID, planID string) error {
	return setAccountPlanID(ctx, store.pool, accountID, planID)
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) (credits.Transaction, error) {
	return insertTransaction(ctx, store.pool, input)
}

func (store *Store) SumByKind(ctx context.Context, accountID credits.AccountID, kind credits.TransactionKind) (int64, error) {
	return sumByKind(ctx, store.pool, accountID, kind)
}

func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, filter credits.HistoryFilter) ([]credits.Transaction, error) {
	return listTransactions(ctx, store.pool, accountID, filter)
}

func (store *Store) CountByChannel(ctx context.Context, accountID credits.AccountID, channel credits.Channel, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	return countByChannel(ctx, store.pool, accountID, channel, fromUnixUTC, toUnixUTC)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) WithAccountTx(ctx context.Context, accountID credits.AccountID, fn func(ctx context.Context, txStore credits.Store) error) error {
	if _, err := store.tx.Exec(ctx, sqlLockAccount, accountID.String()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return fn(ctx, store)
}

func (store *TxStore) EnsureAccount(ctx context.Context, accountID credits.AccountID, defaultPlanID string) error {
	return ensureAccount(ctx, store.tx, accountID, defaultPlanID)
}

func (store *TxStore) GetAccountPlanID(ctx context.Context, accountID credits.AccountID) (string, error) {
	return getAccountPlanID(ctx, store.tx, accountID)
}

func (store *TxStore) SetAccountPlanID(ctx context.Context, accountID credits.AccountID, planID string) error {
	return setAccountPlanID(ctx, store.tx, accountID, planID)
}

func (store *TxStore) InsertTransaction(ctx context.Context, input credits.TransactionInput) (credits.Transaction, error) {
	return insertTransaction(ctx, store.tx, input)
}

func (store *TxStore) SumByKind(ctx context.Context, accountID credits.AccountID, kind credits.TransactionKind) (int64, error) {
	return sumByKind(ctx, store.tx, accountID, kind)
}

func (store *TxStore) ListTransactions(ctx context.Context, accountID credits.AccountID, filter credits.HistoryFilter) ([]credits.Transaction, error) {
	return listTransactions(ctx, store.tx, accountID, filter)
}

func (store *TxStore) CountByChannel(ctx context.Context, accountID credits.AccountID, channel credits.Channel, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	return countByChannel(ctx, store.tx, accountID, channel, fromUnixUTC, toUnixUTC)
}

func ensureAccount(ctx context.Context, runner querier, accountID credits.AccountID, defaultPlanID string) error {
	if _, err := runner.Exec(ctx, sqlEnsureAccount, accountID.String(), defaultPlanID); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return nil
}

func getAccountPlanID(ctx context.Context, runner querier, accountID credits.AccountID) (string, error) {
	var planID string
	err := runner.QueryRow(ctx, sqlGetAccountPlan, accountID.String()).Scan(&planID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return "", wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return planID, nil
}

func setAccountPlanID(ctx context.Context, runner querier, accountID credits.AccountID, planID string) error {
	tag, err := runner.Exec(ctx, sqlSetAccountPlan, accountID.String(), planID)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdatePlan, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdatePlan, credits.ErrAccountNotFound)
	}
	return nil
}

func insertTransaction(ctx context.Context, runner querier, input credits.TransactionInput) (credits.Transaction, error) {
	channelValue := ""
	if channel, hasChannel := input.Channel(); hasChannel {
		channelValue = channel.String()
	}
	var (
		seq            int64
		transactionID  string
		createdUnixUTC int64
	)
	err := runner.QueryRow(ctx, sqlInsertTransaction,
		input.AccountID().String(),
		input.Kind().String(),
		input.Amount().Int64(),
		channelValue,
		input.Description(),
		input.IdempotencyKey().String(),
		input.MetadataJSON().String(),
		input.CreatedUnixUTC(),
	).Scan(&seq, &transactionID, &createdUnixUTC)
	if isIdempotencyConflict(err) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateTransaction)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return credits.Transaction{
		TransactionID:  transactionID,
		Seq:            seq,
		AccountID:      input.AccountID().String(),
		Kind:           input.Kind(),
		Amount:         input.Amount().Int64(),
		Channel:        channelValue,
		Description:    input.Description(),
		IdempotencyKey: input.IdempotencyKey().String(),
		MetadataJSON:   input.MetadataJSON().String(),
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func sumByKind(ctx context.Context, runner querier, accountID credits.AccountID, kind credits.TransactionKind) (int64, error) {
	var sum int64
	err := runner.QueryRow(ctx, sqlSumByKind, accountID.String(), kind.String()).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum, nil
}

func listTransactions(ctx context.Context, runner querier, accountID credits.AccountID, filter credits.HistoryFilter) ([]credits.Transaction, error) {
	kindValue := ""
	if filter.Kind != nil {
		kindValue = filter.Kind.String()
	}
	channelValue := ""
	if filter.Channel != nil {
		channelValue = filter.Channel.String()
	}
	rows, err := runner.Query(ctx, sqlListTransactions,
		accountID.String(),
		kindValue,
		channelValue,
		filter.FromUnixUTC,
		filter.ToUnixUTC,
		filter.Limit,
		filter.Descending,
	)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	listed, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return listed, nil
}

func countByChannel(ctx context.Context, runner querier, accountID credits.AccountID, channel credits.Channel, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	var counted int64
	err := runner.QueryRow(ctx, sqlCountByChannel,
		accountID.String(),
		credits.KindConsumption.String(),
		channel.String(),
		fromUnixUTC,
		toUnixUTC,
	).Scan(&counted)
	if err != nil {
		return 0, wrapStoreError(errorSubjectUsage, errorCodeCount, err)
	}
	return counted, nil
}

func scanTransactions(rows pgx.Rows) ([]credits.Transaction, error) {
	listed := make([]credits.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionID  string
			seq            int64
			accountIDValue string
			kindValue      string
			amount         int64
			channelValue   string
			description    string
			idempotencyKey string
			metadataValue  string
			createdUnixUTC int64
		)
		if err := rows.Scan(
			&transactionID,
			&seq,
			&accountIDValue,
			&kindValue,
			&amount,
			&channelValue,
			&description,
			&idempotencyKey,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		kind, err := credits.ParseTransactionKind(kindValue)
		if err != nil {
			return nil, err
		}
		listed = append(listed, credits.Transaction{
			TransactionID:  transactionID,
			Seq:            seq,
			AccountID:      accountIDValue,
			Kind:           kind,
			Amount:         amount,
			Channel:        channelValue,
			Description:    description,
			IdempotencyKey: idempotencyKey,
			MetadataJSON:   metadataValue,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	return listed, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotency
	}
	return false
}
