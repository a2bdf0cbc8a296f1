package credits

import (
	"errors"
	"testing"
)

func TestNewAmountRejectsNonPositiveValues(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -500} {
		if _, err := NewAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("expected ErrInvalidAmount for %d, got %v", raw, err)
		}
	}
	amount, err := NewAmount(1)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if amount.Int64() != 1 {
		test.Fatalf("expected 1, got %d", amount.Int64())
	}
}

func TestValueObjectsRejectBlankInput(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		build   func(raw string) error
		wantErr error
	}{
		{
			name: "account id",
			build: func(raw string) error {
				_, err := NewAccountID(raw)
				return err
			},
			wantErr: ErrInvalidAccountID,
		},
		{
			name: "channel",
			build: func(raw string) error {
				_, err := NewChannel(raw)
				return err
			},
			wantErr: ErrInvalidChannel,
		},
		{
			name: "idempotency key",
			build: func(raw string) error {
				_, err := NewIdempotencyKey(raw)
				return err
			},
			wantErr: ErrInvalidIdempotencyKey,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			for _, raw := range []string{"", "   ", "\t\n"} {
				if err := testCase.build(raw); !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v for %q, got %v", testCase.wantErr, raw, err)
				}
			}
		})
	}
}

func TestValueObjectsTrimWhitespace(test *testing.T) {
	test.Parallel()
	accountID, err := NewAccountID("  tenant-1  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "tenant-1" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
}

func TestNewMetadataJSONValidation(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty object default, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
	if _, err := NewMetadataJSON(`{"source":"stripe"}`); err != nil {
		test.Fatalf("valid metadata rejected: %v", err)
	}
}

func TestParseTransactionKind(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"recharge", "consumption"} {
		kind, err := ParseTransactionKind(raw)
		if err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
		if kind.String() != raw {
			test.Fatalf("expected %q, got %q", raw, kind.String())
		}
	}
	if _, err := ParseTransactionKind("refund"); !errors.Is(err, ErrInvalidTransactionKind) {
		test.Fatalf("expected ErrInvalidTransactionKind, got %v", err)
	}
}

func TestNewTransactionInputValidatesParts(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "tenant-1")
	key := mustIdempotencyKey(test, "key-1")
	metadata := mustMetadata(test, "{}")
	amount := mustAmount(test, 10)

	if _, err := NewTransactionInput(AccountID{}, KindRecharge, amount, nil, "", key, metadata, 0); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, TransactionKind("refund"), amount, nil, "", key, metadata, 0); !errors.Is(err, ErrInvalidTransactionKind) {
		test.Fatalf("expected ErrInvalidTransactionKind, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, KindRecharge, Amount(0), nil, "", key, metadata, 0); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, KindRecharge, amount, nil, "", IdempotencyKey{}, metadata, 0); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}

	input, err := NewTransactionInput(accountID, KindRecharge, amount, nil, "  padded  ", key, MetadataJSON{}, 42)
	if err != nil {
		test.Fatalf("input: %v", err)
	}
	if input.Description() != "padded" {
		test.Fatalf("expected trimmed description, got %q", input.Description())
	}
	if input.MetadataJSON().String() != "{}" {
		test.Fatalf("expected metadata defaulted to empty object, got %q", input.MetadataJSON().String())
	}
	if input.CreatedUnixUTC() != 42 {
		test.Fatalf("expected timestamp 42, got %d", input.CreatedUnixUTC())
	}
}

func TestEvaluateLowBalance(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		balanceAfter int64
		threshold    int64
		want         bool
	}{
		{name: "below threshold", balanceAfter: 5, threshold: 10, want: true},
		{name: "equal threshold", balanceAfter: 10, threshold: 10, want: true},
		{name: "above threshold", balanceAfter: 11, threshold: 10, want: false},
		{name: "disabled threshold", balanceAfter: 0, threshold: 0, want: false},
		{name: "negative threshold", balanceAfter: -5, threshold: -1, want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := EvaluateLowBalance(testCase.balanceAfter, testCase.threshold); got != testCase.want {
				test.Fatalf("EvaluateLowBalance(%d, %d) = %v, want %v", testCase.balanceAfter, testCase.threshold, got, testCase.want)
			}
		})
	}
}
