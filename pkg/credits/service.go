package credits

import (
	"context"
	"fmt"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store               Store
	nowFn               func() int64
	logger              OperationLogger
	notifier            Notifier
	lowBalanceThreshold int64
	defaultPlanID       string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance derives the current balance from the transaction history.
// A negative result means an invariant was broken upstream and is surfaced
// as ErrConsistencyViolation rather than clamped.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	recharged, err := service.store.SumByKind(ctx, accountID, KindRecharge)
	if err != nil {
		return Balance{}, err
	}
	consumed, err := service.store.SumByKind(ctx, accountID, KindConsumption)
	if err != nil {
		return Balance{}, err
	}
	current, err := calculateBalance(recharged, consumed)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Recharged: recharged,
		Consumed:  consumed,
		Current:   current,
	}, nil
}

// Recharge appends a recharge transaction. Balance only grows, so no
// per-account exclusion is required.
func (service *Service) Recharge(ctx context.Context, accountID AccountID, amount Amount, description string, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Transaction, error) {
	var transaction Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.EnsureAccount(ctx, accountID, service.defaultPlanID); err != nil {
			return err
		}
		input, err := NewTransactionInput(
			accountID,
			KindRecharge,
			amount,
			nil,
			description,
			idempotencyKey,
			metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		inserted, err := transactionStore.InsertTransaction(ctx, input)
		if err != nil {
			return err
		}
		transaction = inserted
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRecharge,
		AccountID:      accountID,
		Amount:         amount.Int64(),
		Channel:        "",
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return transaction, operationError
}

// Consume appends a consumption transaction if the balance covers it.
// The check-then-append sequence runs inside the store's per-account
// critical section so two racing consumes cannot both pass the check.
func (service *Service) Consume(ctx context.Context, accountID AccountID, amount Amount, channel *Channel, description string, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Receipt, error) {
	var receipt Receipt
	operationError := service.store.WithAccountTx(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.EnsureAccount(ctx, accountID, service.defaultPlanID); err != nil {
			return err
		}
		recharged, err := transactionStore.SumByKind(ctx, accountID, KindRecharge)
		if err != nil {
			return err
		}
		consumed, err := transactionStore.SumByKind(ctx, accountID, KindConsumption)
		if err != nil {
			return err
		}
		current, err := calculateBalance(recharged, consumed)
		if err != nil {
			return err
		}
		if current-amount.Int64() < 0 {
			return ErrInsufficientCredits
		}
		input, err := NewTransactionInput(
			accountID,
			KindConsumption,
			amount,
			channel,
			description,
			idempotencyKey,
			metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		inserted, err := transactionStore.InsertTransaction(ctx, input)
		if err != nil {
			return err
		}
		receipt = Receipt{
			Transaction:  inserted,
			BalanceAfter: current - amount.Int64(),
		}
		return nil
	})
	channelValue := ""
	if channel != nil {
		channelValue = channel.String()
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationConsume,
		AccountID:      accountID,
		Amount:         amount.Int64(),
		Channel:        channelValue,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	receipt.LowBalance = EvaluateLowBalance(receipt.BalanceAfter, service.lowBalanceThreshold)
	if receipt.LowBalance {
		service.notifyLowBalance(ctx, accountID, receipt.BalanceAfter)
	}
	return receipt, nil
}

// History returns transactions for an account, ascending by append order.
func (service *Service) History(ctx context.Context, accountID AccountID, filter HistoryFilter) ([]Transaction, error) {
	normalized, err := normalizeHistoryFilter(filter)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, accountID, normalized)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) notifyLowBalance(ctx context.Context, accountID AccountID, balanceAfter int64) {
	if service.notifier == nil {
		return
	}
	service.notifier.LowBalance(ctx, accountID, balanceAfter)
}

func normalizeHistoryFilter(filter HistoryFilter) (HistoryFilter, error) {
	if filter.Limit < 0 {
		return HistoryFilter{}, fmt.Errorf("%w: negative limit", ErrInvalidHistoryFilter)
	}
	if filter.Limit == 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		return HistoryFilter{}, fmt.Errorf("%w: limit exceeds maximum %d", ErrInvalidHistoryFilter, maxHistoryLimit)
	}
	if filter.ToUnixUTC != 0 && filter.FromUnixUTC > filter.ToUnixUTC {
		return HistoryFilter{}, fmt.Errorf("%w: range start after range end", ErrInvalidHistoryFilter)
	}
	return filter, nil
}

func calculateBalance(recharged int64, consumed int64) (int64, error) {
	current := recharged - consumed
	if current < 0 {
		return 0, WrapError(errorOperationService, errorSubjectBalance, errorCodeNegative, ErrConsistencyViolation)
	}
	return current, nil
}
