package cachetier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// The key layout below is spec-stable (§6) — every component that reads
// or writes a key here must use these helpers rather than formatting its
// own string, so the layout stays consistent across packages.

func BudgetKey(tenantID uuid.UUID, period string) string {
	return fmt.Sprintf("budget:%s:%s", tenantID, period)
}

func LedgerKey(tenantID uuid.UUID, periodKey string) string {
	return fmt.Sprintf("ledger:%s:%s", tenantID, periodKey)
}

func TagLedgerKey(tenantID, tagID uuid.UUID, periodKey string) string {
	return fmt.Sprintf("ledger:%s:tag:%s:%s", tenantID, tagID, periodKey)
}

func SessionKey(sessionKey string) string {
	return fmt.Sprintf("session:%s", sessionKey)
}

func SessionCostKey(sessionKey string) string {
	return fmt.Sprintf("session_cost:%s", sessionKey)
}

func TenantTagsKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("tags:tenant:%s", tenantID)
}

func TagSetKey(tenantID uuid.UUID, names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return fmt.Sprintf("tagset:%s:%s", tenantID, strings.Join(sorted, ","))
}

func TagSetPrefix(tenantID uuid.UUID) string {
	return fmt.Sprintf("tagset:%s:", tenantID)
}

func TagUsageStreamKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("tag_usage_stream:%s", tenantID)
}

func TagUsageZSetKey(tenantID, tagID uuid.UUID, period string) string {
	return fmt.Sprintf("tag_usage_zset:%s:%s:%s", tenantID, tagID, period)
}

func TagUsageAggKey(tenantID, tagID uuid.UUID, periodKey string) string {
	return fmt.Sprintf("tag_usage_agg:%s:%s:%s", tenantID, tagID, periodKey)
}

func TagUsageRealtimeKey(tenantID, tagID uuid.UUID) string {
	return fmt.Sprintf("tag_usage_rt:%s:%s", tenantID, tagID)
}

func TagUsageEventMarkerKey(idempotencyKey string) string {
	return fmt.Sprintf("tag_usage_event:%s", idempotencyKey)
}

func RateLimitKey(tenantID uuid.UUID, windowStart int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", tenantID, windowStart)
}

// RateLimitPreAuthKey buckets the admission pipeline's phase-1 flood
// guard, which runs before identity is known and so keys on the caller's
// address rather than a tenant id.
func RateLimitPreAuthKey(clientIP string, windowStart int64) string {
	return fmt.Sprintf("ratelimit:preauth:%s:%d", clientIP, windowStart)
}

const EventStreamName = "bg_events"
