package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fieldstack/simsync/internal/reconcile"
	"github.com/fieldstack/simsync/internal/store"
)

const simCardColumns = `id, serial, status, quality, activated_at, first_top_up,
	top_up_amount, data_balance_mb, last_synced_at, updated_by`

// SimCardStore implements reconcile.RecordStore using PostgreSQL
type SimCardStore struct {
	db store.DBTX
}

var _ reconcile.RecordStore = (*SimCardStore)(nil)

// NewSimCardStore creates a new SimCardStore
func NewSimCardStore(db store.DBTX) *SimCardStore {
	return &SimCardStore{db: db}
}

// CreateRecord implements reconcile.RecordStore.
func (s *SimCardStore) CreateRecord(ctx context.Context, card *reconcile.SimCard) error {
	if card.ID == "" || card.Serial == "" {
		return fmt.Errorf("%w: sim card needs id and serial", store.ErrInvalidEntity)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sim_cards (`+simCardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		card.ID, card.Serial, card.Status, string(card.Quality),
		nullTime(card.ActivatedAt), nullFloat(card.FirstTopUp),
		nullFloat(card.TopUpAmount), nullFloat(card.DataBalanceMB),
		nullTime(card.LastSyncedAt), card.UpdatedBy,
	)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// GetRecord implements reconcile.RecordStore.
func (s *SimCardStore) GetRecord(ctx context.Context, id string) (*reconcile.SimCard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+simCardColumns+` FROM sim_cards WHERE id = $1`, id)
	card, err := scanSimCard(row)
	if err != nil {
		mapped := MapError(err)
		if store.IsNotFoundError(mapped) {
			return nil, fmt.Errorf("%w: %s", store.ErrRecordNotFound, id)
		}
		return nil, mapped
	}
	return card, nil
}

// UpdateRecord implements reconcile.RecordStore. Only the fields set in u
// are written; first-seen fields keep an existing value.
func (s *SimCardStore) UpdateRecord(ctx context.Context, id string, u reconcile.FieldUpdate) error {
	if u.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args = []any{id}
	)
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if u.Status != nil {
		set("status = $%d", *u.Status)
	}
	if u.Quality != nil {
		set("quality = $%d", string(*u.Quality))
	}
	if u.ActivatedAt != nil {
		set("activated_at = COALESCE(activated_at, $%d)", *u.ActivatedAt)
	}
	if u.FirstTopUp != nil {
		set("first_top_up = COALESCE(first_top_up, $%d)", *u.FirstTopUp)
	}
	if u.TopUpAmount != nil {
		set("top_up_amount = $%d", *u.TopUpAmount)
	}
	if u.DataBalanceMB != nil {
		set("data_balance_mb = $%d", *u.DataBalanceMB)
	}
	if u.LastSyncedAt != nil {
		set("last_synced_at = $%d", *u.LastSyncedAt)
	}
	if u.UpdatedBy != nil {
		set("updated_by = $%d", *u.UpdatedBy)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sim_cards SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, "sim card"); err != nil {
		return fmt.Errorf("%w: %s", store.ErrRecordNotFound, id)
	}
	return nil
}

// FetchBySerials implements reconcile.RecordStore.
func (s *SimCardStore) FetchBySerials(ctx context.Context, serials []string) ([]reconcile.SimCard, error) {
	if len(serials) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+simCardColumns+` FROM sim_cards WHERE serial = ANY($1)`, serials)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	cards := make([]reconcile.SimCard, 0, len(serials))
	for rows.Next() {
		card, err := scanSimCard(rows)
		if err != nil {
			return nil, MapError(err)
		}
		cards = append(cards, *card)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return cards, nil
}

func scanSimCard(row interface{ Scan(...any) error }) (*reconcile.SimCard, error) {
	var (
		card                           reconcile.SimCard
		quality                        string
		activatedAt, lastSyncedAt      sql.NullTime
		firstTopUp, topUp, dataBalance sql.NullFloat64
	)
	err := row.Scan(
		&card.ID, &card.Serial, &card.Status, &quality,
		&activatedAt, &firstTopUp, &topUp, &dataBalance,
		&lastSyncedAt, &card.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}

	card.Quality = reconcile.Quality(quality)
	if activatedAt.Valid {
		card.ActivatedAt = &activatedAt.Time
	}
	if lastSyncedAt.Valid {
		card.LastSyncedAt = &lastSyncedAt.Time
	}
	card.FirstTopUp = floatPtr(firstTopUp)
	card.TopUpAmount = floatPtr(topUp)
	card.DataBalanceMB = floatPtr(dataBalance)
	return &card, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
