package utils

import "time"

// NowUTC returns current time in UTC timezone.
// All limiter buckets, ledger records, and health results use UTC so that
// window arithmetic never crosses a DST boundary.
func NowUTC() time.Time {
	return time.Now().UTC()
}
