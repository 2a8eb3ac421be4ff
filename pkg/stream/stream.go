package stream

import (
	"encoding/json"
	"sync"
	"time"

	"tenure/pkg/models"
)

// Event is one item on the live event feed. Data is pre-marshalled so slow
// subscribers never hold references into engine state.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// DecisionEvent mirrors one audit entry onto the feed.
func DecisionEvent(entry models.AuditEntry) Event {
	return NewEvent("decision", entry)
}

// WorkflowEvent announces a terminal workflow run.
func WorkflowEvent(run *models.WorkflowRun) Event {
	return NewEvent("workflow", map[string]any{
		"run_id":      run.RunID,
		"workflow":    run.DefinitionName,
		"status":      run.Status,
		"failed_node": run.FailedNode,
	})
}

// AuditFailureEvent reports a lost audit write so operators see the gap.
func AuditFailureEvent(entry models.AuditEntry, err error) Event {
	return NewEvent("audit_failure", map[string]any{
		"correlation_id": entry.CorrelationID,
		"capability":     entry.Capability,
		"workflow":       entry.Workflow,
		"error":          err.Error(),
	})
}

// Hub fans events out to subscribers. Publish never blocks; a subscriber
// with a full buffer misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
