package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestConcurrentConsumesNeverOverdraw(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "tenant-race")
	ctx := context.Background()

	if _, err := service.Recharge(ctx, accountID, mustAmount(test, 150), "", mustIdempotencyKey(test, "seed"), mustMetadata(test, "{}")); err != nil {
		test.Fatalf("recharge: %v", err)
	}

	const racers = 2
	var waitGroup sync.WaitGroup
	results := make([]error, racers)
	for index := 0; index < racers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			key := mustIdempotencyKey(test, fmt.Sprintf("race-%d", index))
			_, results[index] = service.Consume(ctx, accountID, mustAmount(test, 100), nil, "", key, mustMetadata(test, "{}"))
		}(index)
	}
	waitGroup.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, ErrInsufficientCredits) {
			test.Fatalf("unexpected racer error: %v", err)
		}
	}
	if succeeded != 1 {
		test.Fatalf("expected exactly one racer to win, got %d", succeeded)
	}

	balance, err := service.Balance(ctx, accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Current != 50 {
		test.Fatalf("expected final balance 50, got %d", balance.Current)
	}
}

func TestConcurrentMixedTrafficKeepsLedgerConsistent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "tenant-mixed")
	ctx := context.Background()

	if _, err := service.Recharge(ctx, accountID, mustAmount(test, 1000), "", mustIdempotencyKey(test, "seed"), mustMetadata(test, "{}")); err != nil {
		test.Fatalf("recharge: %v", err)
	}

	const workers = 8
	var waitGroup sync.WaitGroup
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			key := mustIdempotencyKey(test, fmt.Sprintf("mixed-%d", index))
			if index%2 == 0 {
				_, err := service.Recharge(ctx, accountID, mustAmount(test, 10), "", key, mustMetadata(test, "{}"))
				if err != nil {
					test.Errorf("recharge %d: %v", index, err)
				}
				return
			}
			_, err := service.Consume(ctx, accountID, mustAmount(test, 10), nil, "", key, mustMetadata(test, "{}"))
			if err != nil && !errors.Is(err, ErrInsufficientCredits) {
				test.Errorf("consume %d: %v", index, err)
			}
		}(index)
	}
	waitGroup.Wait()

	balance, err := service.Balance(ctx, accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Current < 0 {
		test.Fatalf("ledger went negative: %d", balance.Current)
	}
	if balance.Recharged-balance.Consumed != balance.Current {
		test.Fatalf("balance components disagree: %+v", balance)
	}
}
