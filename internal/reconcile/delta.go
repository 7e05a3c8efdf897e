package reconcile

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// ComputeDelta returns the minimal update that brings local in line with src.
//
// activated_at and first_top_up are first-seen fields and are only written
// when unset locally. Status, amounts and quality are refreshed when the
// source has a value that differs. The sync stamp is always written.
func ComputeDelta(local SimCard, src SourceRecord, principalID string, now time.Time) FieldUpdate {
	var u FieldUpdate

	if status := strings.TrimSpace(src.Status); status != "" && status != local.Status {
		u.Status = &status
	}

	if local.ActivatedAt == nil {
		if at, ok := parseTime(src.ActivatedAt); ok {
			u.ActivatedAt = &at
		}
	}

	if topUp, ok := parseAmount(src.TopUpAmount); ok {
		if local.FirstTopUp == nil && topUp > 0 {
			u.FirstTopUp = &topUp
		}
		if local.TopUpAmount == nil || *local.TopUpAmount != topUp {
			u.TopUpAmount = &topUp
		}
		if q := ClassifyTopUp(topUp); q != local.Quality {
			u.Quality = &q
		}
	}

	if balance, ok := parseAmount(src.DataBalanceMB); ok {
		if local.DataBalanceMB == nil || *local.DataBalanceMB != balance {
			u.DataBalanceMB = &balance
		}
	}

	synced := now
	u.LastSyncedAt = &synced
	if principalID != "" && principalID != local.UpdatedBy {
		u.UpdatedBy = &principalID
	}

	return u
}

// parseAmount converts a provider number. Blank and non-numeric values are absent, never zero.
func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := cast.ToFloat64E(s)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := cast.ToTimeE(s)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t.UTC(), true
}
