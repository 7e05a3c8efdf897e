package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/fieldstack/simsync/internal/store"
)

// MemoryRecordStore is a process-local RecordStore.
type MemoryRecordStore struct {
	mu       sync.RWMutex
	cards    map[string]*SimCard
	bySerial map[string]string
}

// NewMemoryRecordStore creates a store seeded with cards.
func NewMemoryRecordStore(cards ...SimCard) *MemoryRecordStore {
	s := &MemoryRecordStore{
		cards:    make(map[string]*SimCard),
		bySerial: make(map[string]string),
	}
	for i := range cards {
		_ = s.CreateRecord(context.Background(), &cards[i])
	}
	return s
}

// CreateRecord implements RecordStore.
func (s *MemoryRecordStore) CreateRecord(ctx context.Context, card *SimCard) error {
	if card.ID == "" || card.Serial == "" {
		return fmt.Errorf("%w: sim card needs id and serial", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cards[card.ID]; ok {
		return fmt.Errorf("%w: sim card %s", store.ErrDuplicate, card.ID)
	}
	if _, ok := s.bySerial[card.Serial]; ok {
		return fmt.Errorf("%w: serial %s", store.ErrDuplicate, card.Serial)
	}
	c := *card
	s.cards[c.ID] = &c
	s.bySerial[c.Serial] = c.ID
	return nil
}

// GetRecord implements RecordStore.
func (s *MemoryRecordStore) GetRecord(ctx context.Context, id string) (*SimCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRecordNotFound, id)
	}
	out := *c
	return &out, nil
}

// UpdateRecord implements RecordStore.
func (s *MemoryRecordStore) UpdateRecord(ctx context.Context, id string, u FieldUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrRecordNotFound, id)
	}
	c.Apply(u)
	return nil
}

// FetchBySerials implements RecordStore.
func (s *MemoryRecordStore) FetchBySerials(ctx context.Context, serials []string) ([]SimCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SimCard, 0, len(serials))
	for _, serial := range serials {
		if id, ok := s.bySerial[serial]; ok {
			out = append(out, *s.cards[id])
		}
	}
	return out, nil
}
