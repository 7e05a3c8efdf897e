package reconcile

import (
	"context"
	"time"
)

// Quality is the usage classification of a SIM card derived from its top-up amount.
type Quality string

// Quality values
const (
	QualityPremium  Quality = "premium"
	QualityStandard Quality = "standard"
	QualityLow      Quality = "low"
	QualityInactive Quality = "inactive"
)

// ClassifyTopUp maps a top-up amount onto a Quality.
func ClassifyTopUp(amount float64) Quality {
	switch {
	case amount >= 100:
		return QualityPremium
	case amount >= 20:
		return QualityStandard
	case amount > 0:
		return QualityLow
	default:
		return QualityInactive
	}
}

// SourceRecord is one row of the provider's authoritative report. Values
// arrive as strings; blank or unparsable values are treated as absent.
type SourceRecord struct {
	Serial        string `json:"serial"`
	Status        string `json:"status,omitempty"`
	ActivatedAt   string `json:"activated_at,omitempty"`
	TopUpAmount   string `json:"top_up_amount,omitempty"`
	DataBalanceMB string `json:"data_balance_mb,omitempty"`
}

// Payload is the input of a streaming sync run.
type Payload struct {
	Records []SourceRecord `json:"records"`
}

// SimCard is the locally persisted inventory record.
type SimCard struct {
	ID            string     `json:"id"`
	Serial        string     `json:"serial"`
	Status        string     `json:"status,omitempty"`
	Quality       Quality    `json:"quality,omitempty"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	FirstTopUp    *float64   `json:"first_top_up,omitempty"`
	TopUpAmount   *float64   `json:"top_up_amount,omitempty"`
	DataBalanceMB *float64   `json:"data_balance_mb,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	UpdatedBy     string     `json:"updated_by,omitempty"`
}

// FieldUpdate lists the fields to write on a SimCard. Nil fields are left alone.
type FieldUpdate struct {
	Status        *string
	Quality       *Quality
	ActivatedAt   *time.Time
	FirstTopUp    *float64
	TopUpAmount   *float64
	DataBalanceMB *float64
	LastSyncedAt  *time.Time
	UpdatedBy     *string
}

// IsEmpty reports whether u writes nothing.
func (u FieldUpdate) IsEmpty() bool {
	return u.Status == nil && u.Quality == nil && u.ActivatedAt == nil &&
		u.FirstTopUp == nil && u.TopUpAmount == nil && u.DataBalanceMB == nil &&
		u.LastSyncedAt == nil && u.UpdatedBy == nil
}

// ChangesData reports whether u writes any inventory field. The sync stamp
// and updated_by bookkeeping do not count.
func (u FieldUpdate) ChangesData() bool {
	return u.Status != nil || u.Quality != nil || u.ActivatedAt != nil ||
		u.FirstTopUp != nil || u.TopUpAmount != nil || u.DataBalanceMB != nil
}

// Apply writes u onto c. First-seen fields are only filled when unset.
func (c *SimCard) Apply(u FieldUpdate) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Quality != nil {
		c.Quality = *u.Quality
	}
	if u.ActivatedAt != nil && c.ActivatedAt == nil {
		v := *u.ActivatedAt
		c.ActivatedAt = &v
	}
	if u.FirstTopUp != nil && c.FirstTopUp == nil {
		v := *u.FirstTopUp
		c.FirstTopUp = &v
	}
	if u.TopUpAmount != nil {
		v := *u.TopUpAmount
		c.TopUpAmount = &v
	}
	if u.DataBalanceMB != nil {
		v := *u.DataBalanceMB
		c.DataBalanceMB = &v
	}
	if u.LastSyncedAt != nil {
		v := *u.LastSyncedAt
		c.LastSyncedAt = &v
	}
	if u.UpdatedBy != nil {
		c.UpdatedBy = *u.UpdatedBy
	}
}

// RecordStore is the inventory store reconciled against. Errors that are
// worth retrying must wrap store.ErrTransientIO.
type RecordStore interface {
	CreateRecord(ctx context.Context, card *SimCard) error
	GetRecord(ctx context.Context, id string) (*SimCard, error)
	UpdateRecord(ctx context.Context, id string, u FieldUpdate) error
	// FetchBySerials returns the cards whose serial is in serials, in no particular order.
	FetchBySerials(ctx context.Context, serials []string) ([]SimCard, error)
}
