package repository

import (
	"context"
	"sync"
	"time"

	"github.com/eduhub/eduhub/internal/models"
)

// MemoryOTPRepository holds records in process memory. It is meant for local
// development and tests; records do not survive a restart and are not shared
// between instances.
type MemoryOTPRepository struct {
	mu      sync.Mutex
	records map[string]models.OTPRecord
}

func NewMemoryOTPRepository() *MemoryOTPRepository {
	return &MemoryOTPRepository{
		records: make(map[string]models.OTPRecord),
	}
}

func (m *MemoryOTPRepository) Get(_ context.Context, email string) (*models.OTPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryOTPRepository) Upsert(_ context.Context, rec models.OTPRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.Email] = rec
	return nil
}

func (m *MemoryOTPRepository) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, email)
	return nil
}

func (m *MemoryOTPRepository) IncrementAttempts(_ context.Context, email string, maxAttempts int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[email]
	if !ok || rec.Attempts >= maxAttempts {
		return 0, ErrConditionFailed
	}
	rec.Attempts++
	m.records[email] = rec
	return rec.Attempts, nil
}

func (m *MemoryOTPRepository) Consume(_ context.Context, email, code string, maxAttempts int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[email]
	if !ok || rec.Code != code || rec.Consumed || rec.Attempts >= maxAttempts || rec.Expired(now) {
		return ErrConditionFailed
	}
	delete(m.records, email)
	return nil
}
