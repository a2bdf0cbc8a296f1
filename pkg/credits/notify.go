package credits

import "context"

// Notifier receives the low-balance signal raised after a consumption.
// The presentation layer turns it into a user-visible banner; the ledger
// itself sends nothing.
type Notifier interface {
	LowBalance(ctx context.Context, accountID AccountID, balanceAfter int64)
}

// WithLowBalanceNotifier wires the notifier and the threshold it fires at.
// A threshold of zero or less disables the signal.
func WithLowBalanceNotifier(notifier Notifier, threshold int64) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
		service.lowBalanceThreshold = threshold
	}
}

// EvaluateLowBalance reports the instantaneous condition balanceAfter <=
// threshold. A threshold of zero or less means the signal is disabled and
// never fires, so a deployment that wants an alert at an empty wallet sets
// the threshold to the smallest consumable amount rather than to zero. No
// debouncing happens at this layer; callers decide how often to alert.
func EvaluateLowBalance(balanceAfter int64, threshold int64) bool {
	if threshold <= 0 {
		return false
	}
	return balanceAfter <= threshold
}
