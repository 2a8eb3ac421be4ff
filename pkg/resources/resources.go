package resources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"tenure/pkg/models"
	"tenure/pkg/registry"
	"tenure/pkg/store"
	"tenure/pkg/tools"
)

// DefaultTTL bounds how stale a cached resource read may be.
const DefaultTTL = 60 * time.Second

var (
	ErrBadURI  = errors.New("malformed resource uri")
	ErrUnknown = errors.New("no resource matches uri")
)

// Catalog exposes property and tenancy data as addressable read-only
// resources. Reads go through the same registry and policy gate as tools;
// the catalog only maps URIs onto capability calls and caches payloads.
//
// Supported URIs:
//
//	property://{id}/details
//	property://{id}/feedback
//	property://{id}/documents
//	tenancy://{id}/ledger
type Catalog struct {
	Properties tools.PropertyProvider
	Ledger     tools.LedgerProvider
	Cache      store.Cache
	TTL        time.Duration
}

func NewCatalog(props tools.PropertyProvider, ledger tools.LedgerProvider, cache store.Cache) *Catalog {
	return &Catalog{Properties: props, Ledger: ledger, Cache: cache, TTL: DefaultTTL}
}

// Resolve maps a resource URI onto the registered capability implementing
// it and the input for that call.
func (c *Catalog) Resolve(raw string) (string, map[string]any, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadURI, err)
	}
	id := parsed.Host
	view := strings.Trim(parsed.Path, "/")
	if id == "" || view == "" {
		return "", nil, fmt.Errorf("%w: %q", ErrBadURI, raw)
	}
	switch parsed.Scheme + "/" + view {
	case "property/details":
		return "property_details", map[string]any{"property_id": id}, nil
	case "property/feedback":
		return "property_feedback", map[string]any{"property_id": id}, nil
	case "property/documents":
		return "property_documents", map[string]any{"property_id": id}, nil
	case "tenancy/ledger":
		return "tenancy_ledger", map[string]any{"tenancy_id": id}, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknown, raw)
	}
}

// Registrations lists the catalog's capabilities for the registry build.
// Every resource is tier A and read-only.
func (c *Catalog) Registrations() []registry.Registration {
	res := func(name string, handler registry.Func) registry.Registration {
		return registry.Registration{
			Descriptor: models.CapabilityDescriptor{
				Name: name,
				Kind: models.KindResource,
				Tier: models.TierA,
			},
			Handler: handler,
		}
	}
	return []registry.Registration{
		res("property_details", c.propertyDetails),
		res("property_feedback", c.propertyFeedback),
		res("property_documents", c.propertyDocuments),
		res("tenancy_ledger", c.tenancyLedger),
	}
}

func (c *Catalog) propertyDetails(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	id, err := stringField(input, "property_id")
	if err != nil {
		return nil, err
	}
	return c.cached(ctx, "resource:property://"+id+"/details", func() (map[string]any, error) {
		return c.Properties.PropertyDetails(ctx, id)
	})
}

func (c *Catalog) propertyFeedback(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	id, err := stringField(input, "property_id")
	if err != nil {
		return nil, err
	}
	return c.cached(ctx, "resource:property://"+id+"/feedback", func() (map[string]any, error) {
		items, err := c.Properties.Feedback(ctx, id)
		if err != nil {
			return nil, err
		}
		feedback := make([]any, 0, len(items))
		for _, item := range items {
			feedback = append(feedback, map[string]any{
				"comment":   item.Comment,
				"sentiment": item.Sentiment,
			})
		}
		return map[string]any{"property_id": id, "feedback": feedback}, nil
	})
}

func (c *Catalog) propertyDocuments(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	id, err := stringField(input, "property_id")
	if err != nil {
		return nil, err
	}
	return c.cached(ctx, "resource:property://"+id+"/documents", func() (map[string]any, error) {
		docs, err := c.Properties.Documents(ctx, id)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(docs))
		for _, d := range docs {
			out = append(out, map[string]any{
				"document_id": d.DocumentID,
				"name":        d.Name,
				"url":         d.URL,
			})
		}
		return map[string]any{"property_id": id, "documents": out, "count": len(docs)}, nil
	})
}

func (c *Catalog) tenancyLedger(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	id, err := stringField(input, "tenancy_id")
	if err != nil {
		return nil, err
	}
	return c.cached(ctx, "resource:tenancy://"+id+"/ledger", func() (map[string]any, error) {
		summary, err := c.Ledger.LedgerSummary(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"tenancy_id":        summary.TenancyID,
			"current_balance":   summary.CurrentBalance,
			"last_payment_date": summary.LastPaymentDate.Format(time.RFC3339),
			"lease_start":       summary.LeaseStart.Format(time.RFC3339),
			"lease_end":         summary.LeaseEnd.Format(time.RFC3339),
			"rent_amount":       summary.RentAmount,
		}, nil
	})
}

// cached serves the payload from the cache when present, otherwise fetches
// and stores it. Cache failures degrade to a direct fetch, never an error.
func (c *Catalog) cached(ctx context.Context, key string, fetch func() (map[string]any, error)) (map[string]any, error) {
	if c.Cache == nil {
		return fetch()
	}
	var payload map[string]any
	if err := store.GetJSON(ctx, c.Cache, key, &payload); err == nil {
		return payload, nil
	}
	payload, err := fetch()
	if err != nil {
		return nil, err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	_ = store.SetJSON(ctx, c.Cache, key, payload, ttl)
	return payload, nil
}

func stringField(input map[string]any, field string) (string, error) {
	raw, _ := input[field].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("resource input %s required", field)
	}
	return raw, nil
}
