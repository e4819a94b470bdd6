package budget

import (
	"fmt"
	"time"

	"github.com/llmguard/llmguard/internal/models"
)

// Window computes the (start, end) bounds for a recurring period
// relative to now. Custom periods carry their own explicit window and
// never reach this function.
func Window(period models.BudgetPeriod, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch period {
	case models.PeriodDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		end := start.Add(24*time.Hour - time.Millisecond)
		return start, end
	case models.PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0).Add(-time.Millisecond)
		return start, end
	default:
		return now, now
	}
}

// PeriodKey formats the cache-tier period-key component per spec §4.2:
// YYYY-MM-DD for daily, YYYY-MM for monthly, startISO_endISO for custom.
func PeriodKey(period models.BudgetPeriod, start, end time.Time) string {
	switch period {
	case models.PeriodDaily:
		return start.UTC().Format("2006-01-02")
	case models.PeriodMonthly:
		return start.UTC().Format("2006-01")
	default:
		return fmt.Sprintf("%s_%s", start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
}

// EndOfDayUTC snaps t to 23:59:59.999 UTC on its own day, the convention
// spec §3 uses for custom budget end dates.
func EndOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999_000_000, time.UTC)
}
