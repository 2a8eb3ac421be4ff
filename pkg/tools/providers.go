package tools

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPropertyNotFound = errors.New("property not found")
	ErrTenancyNotFound  = errors.New("tenancy not found")
)

// FeedbackItem is one open home comment with its scored sentiment.
type FeedbackItem struct {
	Comment   string
	Sentiment string
}

// LedgerSummary is the tenancy ledger snapshot used by arrears tooling.
// A negative balance means money owed.
type LedgerSummary struct {
	TenancyID       string
	CurrentBalance  float64
	LastPaymentDate time.Time
	LeaseStart      time.Time
	LeaseEnd        time.Time
	RentAmount      float64
}

// Document is one stored property document reference.
type Document struct {
	DocumentID string
	Name       string
	URL        string
}

// PropertyProvider is the abstract fetch boundary to the property data
// system. Concrete clients live behind it; the engine never talks to an
// external system directly.
type PropertyProvider interface {
	PropertyDetails(ctx context.Context, propertyID string) (map[string]any, error)
	Feedback(ctx context.Context, propertyID string) ([]FeedbackItem, error)
	Documents(ctx context.Context, propertyID string) ([]Document, error)
}

// LedgerProvider is the abstract fetch boundary to the tenancy ledger
// system.
type LedgerProvider interface {
	LedgerSummary(ctx context.Context, tenancyID string) (LedgerSummary, error)
}

// MockPropertyProvider serves fixture data for local runs and tests.
type MockPropertyProvider struct{}

func (MockPropertyProvider) PropertyDetails(ctx context.Context, propertyID string) (map[string]any, error) {
	if propertyID != "prop_001" {
		return nil, ErrPropertyNotFound
	}
	return map[string]any{
		"property_id": propertyID,
		"address":     "123 Main Street, Brisbane QLD 4000",
		"status":      "For Sale",
		"owner_name":  "John Smith",
		"owner_email": "john.smith@example.com",
		"owner_phone": "555-123-4567",
		"manager":     "Ray White Property Management",
	}, nil
}

func (MockPropertyProvider) Feedback(ctx context.Context, propertyID string) ([]FeedbackItem, error) {
	if propertyID != "prop_001" {
		return nil, ErrPropertyNotFound
	}
	return []FeedbackItem{
		{Comment: "Great location, love the neighborhood", Sentiment: "positive"},
		{Comment: "Kitchen needs updating", Sentiment: "neutral"},
		{Comment: "Too expensive for the area", Sentiment: "negative"},
		{Comment: "Perfect for families", Sentiment: "positive"},
		{Comment: "Parking is limited", Sentiment: "neutral"},
	}, nil
}

func (MockPropertyProvider) Documents(ctx context.Context, propertyID string) ([]Document, error) {
	if propertyID != "prop_001" {
		return nil, ErrPropertyNotFound
	}
	return []Document{
		{DocumentID: "doc_001", Name: "management_agreement.pdf", URL: "vault://documents/doc_001.pdf"},
		{DocumentID: "doc_002", Name: "smoke_alarm_certificate.pdf", URL: "vault://documents/doc_002.pdf"},
	}, nil
}

// MockLedgerProvider serves fixture ledger data.
type MockLedgerProvider struct{}

func (MockLedgerProvider) LedgerSummary(ctx context.Context, tenancyID string) (LedgerSummary, error) {
	if tenancyID != "tenancy_001" && tenancyID != "t_1" {
		return LedgerSummary{}, ErrTenancyNotFound
	}
	now := time.Now().UTC()
	return LedgerSummary{
		TenancyID:       tenancyID,
		CurrentBalance:  -150.0,
		LastPaymentDate: now.AddDate(0, 0, -45),
		LeaseStart:      now.AddDate(0, 0, -365),
		LeaseEnd:        now.AddDate(0, 0, 180),
		RentAmount:      500.0,
	}, nil
}
