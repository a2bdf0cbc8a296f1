package credits

import "context"

// Bootstrap ensures the account exists and, when welcomeAmount is positive,
// appends the one-time welcome recharge under a deterministic idempotency
// key. A repeated bootstrap surfaces ErrDuplicateTransaction.
func (service *Service) Bootstrap(requestContext context.Context, accountID AccountID, welcomeAmount int64) error {
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.EnsureAccount(ctx, accountID, service.defaultPlanID); err != nil {
			return err
		}
		if welcomeAmount <= 0 {
			return nil
		}
		amount, err := NewAmount(welcomeAmount)
		if err != nil {
			return err
		}
		welcomeKey, err := NewIdempotencyKey(welcomeKeyPrefix + idempotencyDelimiter + accountID.String())
		if err != nil {
			return err
		}
		input, err := NewTransactionInput(
			accountID,
			KindRecharge,
			amount,
			nil,
			welcomeDescription,
			welcomeKey,
			MetadataJSON{},
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		_, err = transactionStore.InsertTransaction(ctx, input)
		return err
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationBootstrap,
		AccountID: accountID,
		Amount:    welcomeAmount,
		Error:     operationError,
	})
	return operationError
}

// PlanID resolves the plan currently referenced by the account.
func (service *Service) PlanID(requestContext context.Context, accountID AccountID) (string, error) {
	return service.store.GetAccountPlanID(requestContext, accountID)
}

// ChangePlan repoints the account at a new plan going forward. Existing
// transactions keep their original channel and description.
func (service *Service) ChangePlan(requestContext context.Context, accountID AccountID, planID string) error {
	operationError := service.store.SetAccountPlanID(requestContext, accountID, planID)
	service.logOperation(requestContext, OperationLog{
		Operation: operationChangePlan,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

// UsageInWindow counts consumption transactions tagged with the channel
// inside [fromUnixUTC, toUnixUTC). Feature-usage counters are derived this
// way instead of being kept as separate mutable rows.
func (service *Service) UsageInWindow(requestContext context.Context, accountID AccountID, channel Channel, fromUnixUTC int64, toUnixUTC int64) (int64, error) {
	return service.store.CountByChannel(requestContext, accountID, channel, fromUnixUTC, toUnixUTC)
}
