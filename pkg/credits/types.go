package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Amount is a strictly positive quantity of credits.
type Amount int64

// AccountID identifies a tenant's credit account.
type AccountID struct {
	value string
}

// Channel tags which feature or integration a consumption belongs to.
type Channel struct {
	value string
}

// IdempotencyKey scopes duplicate detection per account.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TransactionKind enumerates the two credit movements.
type TransactionKind string

const (
	KindRecharge    TransactionKind = "recharge"
	KindConsumption TransactionKind = "consumption"
)

// String returns the stored kind label.
func (kind TransactionKind) String() string {
	return string(kind)
}

// ParseTransactionKind validates a stored kind label.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindRecharge:
		return KindRecharge, nil
	case KindConsumption:
		return KindConsumption, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewChannel validates and normalizes a channel tag.
func NewChannel(raw string) (Channel, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Channel{}, fmt.Errorf("%w: empty value", ErrInvalidChannel)
	}
	return Channel{value: trimmed}, nil
}

// String returns the normalized tag.
func (channel Channel) String() string {
	return channel.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 returns the raw credit count.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	Seq            int64
	AccountID      string
	Kind           TransactionKind
	Amount         int64
	Channel        string
	Description    string
	IdempotencyKey string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// TransactionInput carries a validated, not-yet-persisted transaction.
type TransactionInput struct {
	accountID      AccountID
	kind           TransactionKind
	amount         Amount
	channel        *Channel
	description    string
	idempotencyKey IdempotencyKey
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewTransactionInput assembles an append request from validated parts.
func NewTransactionInput(
	accountID AccountID,
	kind TransactionKind,
	amount Amount,
	channel *Channel,
	description string,
	idempotencyKey IdempotencyKey,
	metadata MetadataJSON,
	createdUnixUTC int64,
) (TransactionInput, error) {
	if accountID.value == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseTransactionKind(kind.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if idempotencyKey.value == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if metadata.value == "" {
		normalized, err := NewMetadataJSON("")
		if err != nil {
			return TransactionInput{}, err
		}
		metadata = normalized
	}
	return TransactionInput{
		accountID:      accountID,
		kind:           kind,
		amount:         amount,
		channel:        channel,
		description:    strings.TrimSpace(description),
		idempotencyKey: idempotencyKey,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// AccountID returns the owning account.
func (input TransactionInput) AccountID() AccountID {
	return input.accountID
}

// Kind returns the movement kind.
func (input TransactionInput) Kind() TransactionKind {
	return input.kind
}

// Amount returns the validated positive amount.
func (input TransactionInput) Amount() Amount {
	return input.amount
}

// Channel returns the optional channel tag.
func (input TransactionInput) Channel() (Channel, bool) {
	if input.channel == nil {
		return Channel{}, false
	}
	return *input.channel, true
}

// Description returns the free-form description.
func (input TransactionInput) Description() string {
	return input.description
}

// IdempotencyKey returns the duplicate-detection key.
func (input TransactionInput) IdempotencyKey() IdempotencyKey {
	return input.idempotencyKey
}

// MetadataJSON returns the normalized metadata blob.
func (input TransactionInput) MetadataJSON() MetadataJSON {
	return input.metadata
}

// CreatedUnixUTC returns the append timestamp.
func (input TransactionInput) CreatedUnixUTC() int64 {
	return input.createdUnixUTC
}

// Balance view for an account.
type Balance struct {
	Recharged int64
	Consumed  int64
	Current   int64
}

// Receipt reports the outcome of a successful consumption.
type Receipt struct {
	Transaction  Transaction
	BalanceAfter int64
	LowBalance   bool
}

// HistoryFilter narrows a transaction listing. Order is ascending by
// (created_at, seq) unless Descending is set.
type HistoryFilter struct {
	Kind        *TransactionKind
	Channel     *Channel
	FromUnixUTC int64
	ToUnixUTC   int64
	Limit       int
	Descending  bool
}

// Store is the persistence contract used by Service.
// WithAccountTx serializes the closure against other WithAccountTx calls for
// the same account; accounts never share a lock.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	WithAccountTx(ctx context.Context, accountID AccountID, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, accountID AccountID, defaultPlanID string) error
	GetAccountPlanID(ctx context.Context, accountID AccountID) (string, error)
	SetAccountPlanID(ctx context.Context, accountID AccountID, planID string) error
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	SumByKind(ctx context.Context, accountID AccountID, kind TransactionKind) (int64, error)
	ListTransactions(ctx context.Context, accountID AccountID, filter HistoryFilter) ([]Transaction, error)
	CountByChannel(ctx context.Context, accountID AccountID, channel Channel, fromUnixUTC int64, toUnixUTC int64) (int64, error)
}
