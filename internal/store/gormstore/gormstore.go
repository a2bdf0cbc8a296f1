package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/RepScopeLabs/creditengine/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotency = "uniq_credit_tx_idem"
	defaultMetadataJSON              = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintCode             = 19
	dialectPostgres                  = "postgres"
	errorOperationStore              = "store"
	errorSubjectAccount              = "account"
	errorSubjectBalance              = "balance"
	errorSubjectTransaction          = "transaction"
	errorSubjectUsage                = "usage"
	errorCodeDuplicate               = "duplicate"
	errorCodeEnsure                  = "ensure"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeList                    = "list"
	errorCodeLock                    = "lock"
	errorCodeCount                   = "count"
	errorCodeSum                     = "sum"
	errorCodeUpdatePlan              = "update_plan"

	sqlLockAccount = "select pg_advisory_xact_lock(hashtext(?))"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema for the sqlite deployment path. Postgres
// deployments run migrations externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &CreditTransaction{}, &PlanRecord{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// WithAccountTx executes fn within a transaction that holds an advisory
// lock keyed on the account id, serializing check-then-append sequences per
// account. Accounts never share a lock, so consumes on different accounts
// do not block each other.
func (store *Store) WithAccountTx(ctx context.Context, accountID credits.AccountID, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		txStore := &Store{db: transaction}
		if err := txStore.lockAccount(ctx, accountID); err != nil {
			return err
		}
		return fn(ctx, txStore)
	})
}

func (store *Store) lockAccount(ctx context.Context, accountID credits.AccountID) error {
	// sqlite serializes writers on its own; the lock is a postgres concern.
	if store.db.Dialector.Name() != dialectPostgres {
		return nil
	}
	// The advisory lock keys the account id rather than the account row, so
	// consumes racing the account's very first recharge still serialize even
	// though the row is not visible to them yet.
	if err := store.db.WithContext(ctx).Exec(sqlLockAccount, accountID.String()).Error; err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, accountID credits.AccountID, defaultPlanID string) error {
	account := Account{AccountID: accountID.String()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Attrs(Account{PlanID: defaultPlanID}).
		FirstOrCreate(&account, Account{AccountID: accountID.String()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) GetAccountPlanID(ctx context.Context, accountID credits.AccountID) (string, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return "", wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account.PlanID, nil
}

func (store *Store) SetAccountPlanID(ctx context.Context, accountID credits.AccountID, planID string) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("plan_id", planID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdatePlan, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdatePlan, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) (credits.Transaction, error) {
	var channel *string
	if channelValue, hasChannel := input.Channel(); hasChannel {
		value := channelValue.String()
		channel = &value
	}
	model := CreditTransaction{
		AccountID:      input.AccountID().String(),
		Kind:           input.Kind().String(),
		Amount:         input.Amount().Int64(),
		Channel:        channel,
		Description:    input.Description(),
		IdempotencyKey: input.IdempotencyKey().String(),
		Metadata:       datatypesJSON(input.MetadataJSON().String()),
		CreatedAt:      time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateTransaction)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return mapTransaction(model), nil
}

func (store *Store) SumByKind(ctx context.Context, accountID credits.AccountID, kind credits.TransactionKind) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ? AND kind = ?", accountID.String(), kind.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, filter credits.HistoryFilter) ([]credits.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String())
	if filter.Kind != nil {
		query = query.Where("kind = ?", filter.Kind.String())
	}
	if filter.Channel != nil {
		query = query.Where("channel = ?", filter.Channel.String())
	}
	if filter.FromUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.FromUnixUTC, 0).UTC())
	}
	if filter.ToUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(filter.ToUnixUTC, 0).UTC())
	}
	order := "created_at ASC, seq ASC"
	if filter.Descending {
		order = "created_at DESC, seq DESC"
	}
	var rows []CreditTransaction
	err := query.
		Order(order).
		Limit(filter.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	listed := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		listed = append(listed, mapTransaction(row))
	}
	return listed, nil
}

func (store *Store) CountByChannel(ctx context.Context, accountID credits.AccountID, channel credits.Channel, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	query := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("account_id = ? AND kind = ? AND channel = ?", accountID.String(), credits.KindConsumption.String(), channel.String())
	if fromUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(fromUnixUTC, 0).UTC())
	}
	if toUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(toUnixUTC, 0).UTC())
	}
	var counted int64
	if err := query.Count(&counted).Error; err != nil {
		return 0, wrapStoreError(errorSubjectUsage, errorCodeCount, err)
	}
	return counted, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapTransaction(row CreditTransaction) credits.Transaction {
	channel := ""
	if row.Channel != nil {
		channel = *row.Channel
	}
	metadata := string(row.Metadata)
	if metadata == "" {
		metadata = defaultMetadataJSON
	}
	return credits.Transaction{
		TransactionID:  row.TransactionID,
		Seq:            row.Seq,
		AccountID:      row.AccountID,
		Kind:           credits.TransactionKind(row.Kind),
		Amount:         row.Amount,
		Channel:        channel,
		Description:    row.Description,
		IdempotencyKey: row.IdempotencyKey,
		MetadataJSON:   metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotency
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
