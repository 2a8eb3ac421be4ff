package audit

import (
	"context"
	"log"

	"tenure/pkg/models"
)

// Loud wraps a trail so storage failures are reported on a fallback channel
// instead of silently lost. The failure still propagates to the caller as a
// StorageError, and the caller must never roll back a completed side effect
// because of it.
type Loud struct {
	Next      Trail
	OnFailure func(entry models.AuditEntry, err error)
}

func WithFallback(next Trail, onFailure func(entry models.AuditEntry, err error)) *Loud {
	return &Loud{Next: next, OnFailure: onFailure}
}

func (l *Loud) Record(ctx context.Context, entry models.AuditEntry) error {
	err := l.Next.Record(ctx, entry)
	if err != nil {
		log.Printf("AUDIT WRITE FAILED correlation_id=%s capability=%s workflow=%s: %v",
			entry.CorrelationID, entry.Capability, entry.Workflow, err)
		if l.OnFailure != nil {
			l.OnFailure(entry, err)
		}
	}
	return err
}

func (l *Loud) ListByCorrelationID(ctx context.Context, correlationID string) ([]models.AuditEntry, error) {
	return l.Next.ListByCorrelationID(ctx, correlationID)
}
