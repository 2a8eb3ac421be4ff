package audit

import (
	"context"
	"sync"
	"time"

	"tenure/pkg/models"
)

// Memory is an in-process trail for the CLI and tests. Same append-only
// contract as the Postgres writer.
type Memory struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(ctx context.Context, entry models.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Attempt <= 0 {
		entry.Attempt = 1
	}
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListByCorrelationID(ctx context.Context, correlationID string) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.entries {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns a copy of every entry in insertion order.
func (m *Memory) All() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.entries...)
}
