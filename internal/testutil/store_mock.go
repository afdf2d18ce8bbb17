package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/mshafiee/chimera/internal/storage"
	"github.com/mshafiee/chimera/pkg/types"
)

// MockStore is an in-memory stand-in for the SQLite store, satisfying the
// consumer-side interfaces of the machine, breaker, sweep, and reconciler.
type MockStore struct {
	mu         sync.Mutex
	positions  map[string]*types.Position
	rejections map[string]types.ReasonCode
	audits     []storage.AuditEntry
	records    map[string]*storage.ReconciliationRecord
	tips       []storage.TipObservation
	roster     map[common.Address]bool
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		positions:  make(map[string]*types.Position),
		rejections: make(map[string]types.ReasonCode),
		records:    make(map[string]*storage.ReconciliationRecord),
		roster:     make(map[common.Address]bool),
	}
}

// AddRosterWallet marks a wallet copyable.
func (m *MockStore) AddRosterWallet(wallet common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster[wallet] = true
}

// SeedPosition inserts a position directly, bypassing lifecycle checks.
func (m *MockStore) SeedPosition(p *types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.positions[p.IdempotencyKey] = &cp
}

func (m *MockStore) InsertPosition(_ context.Context, p *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[p.IdempotencyKey]; exists {
		return fmt.Errorf("insert position: UNIQUE constraint failed")
	}
	cp := *p
	m.positions[p.IdempotencyKey] = &cp
	return nil
}

func (m *MockStore) GetPosition(_ context.Context, key string) (*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[key]
	if !ok {
		return nil, types.ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) ApplyTransition(_ context.Context, key string, from types.State, u storage.TransitionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[key]
	if !ok || p.State != from {
		return types.ErrStaleState
	}

	p.State = u.To
	p.TransitionedAt = time.Now().UTC()
	if u.BoundMode != nil {
		p.BoundMode = *u.BoundMode
	}
	if u.EntryPrice != nil {
		p.EntryPrice = *u.EntryPrice
	}
	if u.EntryProof != nil {
		p.EntryProof = *u.EntryProof
	}
	if u.ExitPrice != nil {
		p.ExitPrice = *u.ExitPrice
	}
	if u.ExitProof != nil {
		p.ExitProof = *u.ExitProof
	}
	if u.RealizedPnL != nil {
		p.RealizedPnL = *u.RealizedPnL
	}
	if u.RetryCount != nil {
		p.RetryCount = *u.RetryCount
	}
	if u.Size != nil {
		p.Size = *u.Size
	}
	if u.To.Terminal() {
		p.ClosedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockStore) ListPositionsByState(_ context.Context, state types.State) ([]*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Position
	for _, p := range m.positions {
		if p.State == state {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockStore) ListNonTerminalPositions(_ context.Context) ([]*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Position
	for _, p := range m.positions {
		if !p.State.Terminal() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockStore) ListStuckExiting(_ context.Context, cutoff time.Time) ([]*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Position
	for _, p := range m.positions {
		if p.State == types.StateExiting && p.TransitionedAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockStore) KeyExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[key]; ok {
		return true, nil
	}
	_, ok := m.rejections[key]
	return ok, nil
}

func (m *MockStore) ArchiveRejection(_ context.Context, key string, reason types.ReasonCode, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rejections[key]; !ok {
		m.rejections[key] = reason
	}
	return nil
}

// RejectionReason returns the archived reason for a key, for assertions.
func (m *MockStore) RejectionReason(key string) (types.ReasonCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.rejections[key]
	return reason, ok
}

func (m *MockStore) AppendAudit(_ context.Context, actor, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, storage.AuditEntry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Audits returns a copy of the audit trail.
func (m *MockStore) Audits() []storage.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.AuditEntry, len(m.audits))
	copy(out, m.audits)
	return out
}

func (m *MockStore) InsertReconciliation(_ context.Context, rec *storage.ReconciliationRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	cp := *rec
	cp.ID = id
	m.records[id] = &cp
	return id, nil
}

func (m *MockStore) HasOpenReconciliation(_ context.Context, key string, kind storage.DiscrepancyKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.IdempotencyKey == key && rec.Kind == kind && rec.Status == storage.ResolutionOpen {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStore) ListOpenReconciliations(_ context.Context) ([]storage.ReconciliationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.ReconciliationRecord
	for _, rec := range m.records {
		if rec.Status == storage.ResolutionOpen {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// Reconciliations returns every recorded discrepancy.
func (m *MockStore) Reconciliations() []storage.ReconciliationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.ReconciliationRecord
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

func (m *MockStore) AdoptExternalSize(_ context.Context, key string, size float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[key]
	if !ok {
		return types.ErrPositionNotFound
	}
	p.Size = size
	return nil
}

func (m *MockStore) SaveTipObservations(_ context.Context, obs []storage.TipObservation, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tips = append(m.tips, obs...)
	return nil
}

func (m *MockStore) LoadTipObservations(_ context.Context, _ time.Duration) ([]storage.TipObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.TipObservation, len(m.tips))
	copy(out, m.tips)
	return out, nil
}

func (m *MockStore) RosterContains(_ context.Context, wallet common.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roster[wallet], nil
}
