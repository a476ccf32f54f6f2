package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/notarium/pkg/items"
)

// Memory is an in-process Ledger used by tests and single-node
// deployments. A single mutex serializes writes, which gives the same
// per-item total order the postgres implementation gets from row locks.
type Memory struct {
	mu           sync.RWMutex
	records      map[items.HashID]*StateRecord
	nextRecordID int64

	payments     decimal.Decimal
	callbacks    map[string]CallbackRecord
	environments map[int64][]byte
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		records:      make(map[items.HashID]*StateRecord),
		nextRecordID: 1,
		payments:     decimal.Zero,
		callbacks:    make(map[string]CallbackRecord),
		environments: make(map[int64][]byte),
	}
}

func (m *Memory) FindOrCreate(ctx context.Context, id items.HashID, expiresAt time.Time) (*StateRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[id]; ok {
		snapshot := *existing
		return &snapshot, true, nil
	}
	record := &StateRecord{
		RecordID:  m.nextRecordID,
		ID:        id,
		State:     items.StateUndefined,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	m.nextRecordID++
	m.records[id] = record
	snapshot := *record
	return &snapshot, false, nil
}

func (m *Memory) Get(ctx context.Context, id items.HashID) (*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *record
	return &snapshot, nil
}

func (m *Memory) Save(ctx context.Context, record *StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[record.ID]
	if !ok {
		clone := *record
		if clone.RecordID == 0 {
			clone.RecordID = m.nextRecordID
			m.nextRecordID++
			record.RecordID = clone.RecordID
		}
		m.records[record.ID] = &clone
		return nil
	}
	if !items.CanTransition(stored.State, record.State) {
		return ErrBackwardTransition
	}
	clone := *record
	clone.RecordID = stored.RecordID
	record.RecordID = stored.RecordID
	m.records[record.ID] = &clone
	return nil
}

func (m *Memory) Destroy(ctx context.Context, record *StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, record.ID)
	return nil
}

func (m *Memory) LockToRevoke(ctx context.Context, targetID items.HashID, byRecordID int64) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.records[targetID]
	if !ok {
		return nil, ErrNotFound
	}
	if target.State == items.StateLocked && target.LockedByRecordID == byRecordID {
		snapshot := *target
		return &snapshot, nil
	}
	if target.State != items.StateApproved {
		return nil, ErrLocked
	}
	target.State = items.StateLocked
	target.LockedByRecordID = byRecordID
	snapshot := *target
	return &snapshot, nil
}

func (m *Memory) LockForCreation(ctx context.Context, newID items.HashID, byRecordID int64, expiresAt time.Time) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.records[newID]
	if !ok {
		target = &StateRecord{
			RecordID:  m.nextRecordID,
			ID:        newID,
			State:     items.StateUndefined,
			CreatedAt: time.Now(),
			ExpiresAt: expiresAt,
		}
		m.nextRecordID++
		m.records[newID] = target
	}
	if target.State == items.StateLockedForCreation && target.LockedByRecordID == byRecordID {
		snapshot := *target
		return &snapshot, nil
	}
	if target.State != items.StateUndefined {
		return nil, ErrLocked
	}
	target.State = items.StateLockedForCreation
	target.LockedByRecordID = byRecordID
	snapshot := *target
	return &snapshot, nil
}

func (m *Memory) RecordsLockedBy(ctx context.Context, byRecordID int64) ([]*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StateRecord
	for _, record := range m.records {
		if record.LockedByRecordID == byRecordID {
			snapshot := *record
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

func (m *Memory) FindUnfinished(ctx context.Context) ([]*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StateRecord
	for _, record := range m.records {
		switch record.State {
		case items.StatePendingPositive, items.StatePendingNegative,
			items.StateLocked, items.StateLockedForCreation:
			snapshot := *record
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

func (m *Memory) SavePayment(ctx context.Context, amount decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = m.payments.Add(amount)
	return nil
}

// PaymentsTotal reports the accrued fee total (test observability).
func (m *Memory) PaymentsTotal() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.payments
}

func (m *Memory) AddCallback(ctx context.Context, record CallbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[record.ID] = record
	return nil
}

func (m *Memory) UpdateCallbackState(ctx context.Context, id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.callbacks[id]
	if !ok {
		return ErrNotFound
	}
	record.State = state
	m.callbacks[id] = record
	return nil
}

func (m *Memory) StartedCallbacks(ctx context.Context) ([]CallbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CallbackRecord
	for _, record := range m.callbacks {
		if record.State == CallbackStarted {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *Memory) SaveEnvironment(ctx context.Context, environmentID int64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := make([]byte, len(payload))
	copy(clone, payload)
	m.environments[environmentID] = clone
	return nil
}

func (m *Memory) GetEnvironment(ctx context.Context, environmentID int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.environments[environmentID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := make([]byte, len(payload))
	copy(clone, payload)
	return clone, nil
}

func (m *Memory) Close() error { return nil }
