package plans

import "time"

// Billing periods are calendar months in UTC. Usage counters for per-cycle
// limits reset at the month boundary; a plan change inside a period does not
// reset them, the new plan's limits simply apply to the next check.

// PeriodStart returns the start of the billing period containing at.
func PeriodStart(at time.Time) time.Time {
	utc := at.UTC()
	return time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd returns the start of the following billing period.
func PeriodEnd(at time.Time) time.Time {
	return PeriodStart(at).AddDate(0, 1, 0)
}

// UsageWindow converts a feature limit into the [from, to) unix range its
// usage counter is derived over. ResetNever counts the full history.
func UsageWindow(limit FeatureLimit, at time.Time) (fromUnixUTC int64, toUnixUTC int64) {
	if limit.Resets == ResetNever {
		return 0, PeriodEnd(at).Unix()
	}
	return PeriodStart(at).Unix(), PeriodEnd(at).Unix()
}
