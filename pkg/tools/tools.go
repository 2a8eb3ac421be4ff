package tools

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"tenure/pkg/models"
	"tenure/pkg/registry"
)

// Toolset builds every tool capability over the provider boundaries.
type Toolset struct {
	Properties PropertyProvider
	Ledger     LedgerProvider
}

// Registrations declares the full tool surface for the capability
// registry: tier A read-only analysis, tier B composite reporting, tier C
// mutating actions.
func (t Toolset) Registrations() []registry.Registration {
	tool := func(name string, tier models.Tier, fn registry.Func) registry.Registration {
		return registry.Registration{
			Descriptor: models.CapabilityDescriptor{
				Name:          name,
				Kind:          models.KindTool,
				Tier:          tier,
				SideEffecting: tier == models.TierC,
			},
			Handler: fn,
		}
	}
	return []registry.Registration{
		tool("get_property_details", models.TierA, t.getPropertyDetails),
		tool("analyze_open_home_feedback", models.TierA, t.analyzeOpenHomeFeedback),
		tool("check_ledger_arrears", models.TierA, t.checkLedgerArrears),
		tool("calculate_breach_status", models.TierA, t.calculateBreachStatus),
		tool("classify_arrears_risk", models.TierA, t.classifyArrearsRisk),
		tool("ocr_document", models.TierA, t.ocrDocument),
		tool("extract_expiry_date", models.TierA, t.extractExpiryDate),
		tool("list_property_documents", models.TierA, t.listPropertyDocuments),
		tool("audit_document_compliance", models.TierA, t.auditDocumentCompliance),
		tool("generate_vendor_report", models.TierB, t.generateVendorReport),
		tool("prepare_breach_notice", models.TierC, t.prepareBreachNotice),
		tool("archive_listing", models.TierC, t.archiveListing),
	}
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	v, _ := input[key].(string)
	return strings.TrimSpace(v)
}

func (t Toolset) getPropertyDetails(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	propertyID := stringField(input, "property_id")
	if propertyID == "" {
		return nil, fmt.Errorf("property_id required")
	}
	return t.Properties.PropertyDetails(ctx, propertyID)
}

func (t Toolset) analyzeOpenHomeFeedback(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	propertyID := stringField(input, "property_id")
	if propertyID == "" {
		return nil, fmt.Errorf("property_id required")
	}
	feedback, err := t.Properties.Feedback(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	comments := make([]any, 0, len(feedback))
	for _, item := range feedback {
		sentiment := item.Sentiment
		if sentiment == "" {
			sentiment = "neutral"
		}
		counts[sentiment]++
		comments = append(comments, item.Comment)
	}
	total := len(feedback)
	sentiments := make([]string, 0, len(counts))
	for s := range counts {
		sentiments = append(sentiments, s)
	}
	sort.Strings(sentiments)
	categories := make([]any, 0, len(sentiments))
	for _, s := range sentiments {
		pct := 0.0
		if total > 0 {
			pct = math.Round(float64(counts[s])/float64(total)*10000) / 100
		}
		categories = append(categories, map[string]any{
			"category":   s,
			"count":      counts[s],
			"percentage": pct,
		})
	}
	if len(comments) > 10 {
		comments = comments[:10]
	}
	return map[string]any{
		"property_id":          propertyID,
		"total_feedback_count": total,
		"sentiment_categories": categories,
		"top_comments":         comments,
	}, nil
}

func (t Toolset) checkLedgerArrears(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	tenancyID := stringField(input, "tenancy_id")
	if tenancyID == "" {
		return nil, fmt.Errorf("tenancy_id required")
	}
	ledger, err := t.Ledger.LedgerSummary(ctx, tenancyID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tenancy_id":        ledger.TenancyID,
		"current_balance":   ledger.CurrentBalance,
		"in_arrears":        ledger.CurrentBalance < 0,
		"rent_amount":       ledger.RentAmount,
		"last_payment_date": ledger.LastPaymentDate.Format(time.RFC3339),
		"lease_end":         ledger.LeaseEnd.Format(time.RFC3339),
	}, nil
}

func (t Toolset) calculateBreachStatus(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	tenancyID := stringField(input, "tenancy_id")
	if tenancyID == "" {
		return nil, fmt.Errorf("tenancy_id required")
	}
	ledger, err := t.Ledger.LedgerSummary(ctx, tenancyID)
	if err != nil {
		return nil, err
	}
	daysOverdue := 0
	if !ledger.LastPaymentDate.IsZero() {
		// Rent cycles monthly; anything past 30 days since the last
		// payment counts as overdue.
		sincePayment := int(time.Since(ledger.LastPaymentDate).Hours() / 24)
		if sincePayment > 30 {
			daysOverdue = sincePayment - 30
		}
	}
	var level, legalStatus, action string
	switch {
	case daysOverdue == 0:
		level, legalStatus, action = "low", "compliant", "No action required"
	case daysOverdue <= 7:
		level, legalStatus, action = "medium", "at_risk", "Send reminder notice"
	case daysOverdue <= 14:
		level, legalStatus, action = "high", "at_risk", "Issue breach notice"
	default:
		level, legalStatus, action = "critical", "breached", "Legal action required"
	}
	out := map[string]any{
		"tenancy_id": tenancyID,
		"breach_risk": map[string]any{
			"level":               level,
			"days_overdue":        daysOverdue,
			"breach_legal_status": legalStatus,
			"recommended_action":  action,
		},
	}
	if ledger.CurrentBalance < 0 {
		out["current_balance"] = -ledger.CurrentBalance
	}
	return out, nil
}

func (t Toolset) classifyArrearsRisk(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	risk, _ := input["breach_risk"].(map[string]any)
	level, _ := risk["level"].(string)
	if level == "" {
		level = "low"
	}
	return map[string]any{
		"classification": map[string]any{
			"risk_level":         level,
			"requires_action":    level == "high" || level == "critical",
			"recommended_action": risk["recommended_action"],
		},
		"breach_risk": models.CloneValue(risk),
	}, nil
}

const mockAgreementText = `PROPERTY MANAGEMENT AGREEMENT

This agreement is dated: 15/01/2025
Expiry Date: 15/01/2026

Property Address: 123 Main Street, Brisbane QLD 4000
Owner: John Smith
Manager: Ray White Property Management

Terms and Conditions:
1. Management fee: 8.5% of gross rent
2. Agreement valid until 15/01/2026
3. Renewal requires 30 days notice`

func (t Toolset) ocrDocument(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	documentURL := stringField(input, "document_url")
	if documentURL == "" {
		return nil, fmt.Errorf("document_url required")
	}
	return map[string]any{
		"document_url":     documentURL,
		"extracted_text":   mockAgreementText,
		"confidence_score": 0.95,
		"page_count":       1,
	}, nil
}

var datePatterns = []struct {
	re    *regexp.Regexp
	field string
}{
	{regexp.MustCompile(`(?i)expir(?:y|ation|es)\s*(?:date|on)?\s*:?\s*(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`), "expiry_date"},
	{regexp.MustCompile(`(?i)valid\s+until\s*:?\s*(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`), "valid_until"},
	{regexp.MustCompile(`(?i)end\s+date\s*:?\s*(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`), "end_date"},
}

func (t Toolset) extractExpiryDate(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	text, _ := input["text"].(string)
	extracted := []any{}
	for _, p := range datePatterns {
		for _, match := range p.re.FindAllStringSubmatch(text, -1) {
			parsed, ok := parseDayFirst(match[1])
			if !ok {
				continue
			}
			extracted = append(extracted, map[string]any{
				"field_name": p.field,
				"date_value": parsed.Format(time.RFC3339),
				"confidence": 0.8,
			})
		}
	}
	return map[string]any{"extracted_dates": extracted}, nil
}

// parseDayFirst parses DD/MM/YYYY or DD-MM-YYYY, two-digit years meaning
// this century.
func parseDayFirst(raw string) (time.Time, bool) {
	sep := "/"
	if strings.Contains(raw, "-") {
		sep = "-"
	}
	parts := strings.Split(raw, sep)
	if len(parts) != 3 {
		return time.Time{}, false
	}
	var day, month, year int
	if _, err := fmt.Sscanf(parts[0]+" "+parts[1]+" "+parts[2], "%d %d %d", &day, &month, &year); err != nil {
		return time.Time{}, false
	}
	if year < 100 {
		year += 2000
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

func (t Toolset) listPropertyDocuments(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	propertyID := stringField(input, "property_id")
	if propertyID == "" {
		return nil, fmt.Errorf("property_id required")
	}
	docs, err := t.Properties.Documents(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	list := make([]any, 0, len(docs))
	primary := ""
	for i, d := range docs {
		if i == 0 {
			primary = d.URL
		}
		list = append(list, map[string]any{
			"document_id": d.DocumentID,
			"name":        d.Name,
			"url":         d.URL,
		})
	}
	return map[string]any{
		"property_id":          propertyID,
		"documents":            list,
		"primary_document_url": primary,
	}, nil
}

func (t Toolset) auditDocumentCompliance(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	dates, _ := input["extracted_dates"].([]any)
	now := time.Now().UTC()
	issues := []any{}
	for _, raw := range dates {
		d, _ := raw.(map[string]any)
		value, _ := d["date_value"].(string)
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			continue
		}
		switch {
		case parsed.Before(now):
			issues = append(issues, map[string]any{
				"field_name": d["field_name"],
				"date_value": value,
				"issue":      "expired",
			})
		case parsed.Before(now.AddDate(0, 0, 30)):
			issues = append(issues, map[string]any{
				"field_name": d["field_name"],
				"date_value": value,
				"issue":      "expiring_within_30_days",
			})
		}
	}
	status := "compliant"
	if len(issues) > 0 {
		status = "non_compliant"
	}
	return map[string]any{
		"compliance_status": status,
		"extracted_dates":   models.CloneValue(dates),
		"issues":            issues,
	}, nil
}

func (t Toolset) generateVendorReport(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	propertyID := stringField(input, "property_id")
	if propertyID == "" {
		return nil, fmt.Errorf("property_id required")
	}
	feedback, err := t.Properties.Feedback(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	positive := 0
	for _, item := range feedback {
		if item.Sentiment == "positive" {
			positive++
		}
	}
	total := len(feedback)
	positivePct := 0.0
	if total > 0 {
		positivePct = math.Round(float64(positive)/float64(total)*10000) / 100
	}
	recommendations := []any{}
	if total > 0 && float64(positive)/float64(total) < 0.5 {
		recommendations = append(recommendations, "Consider price adjustment based on negative feedback")
	}
	if total < 5 {
		recommendations = append(recommendations, "Increase marketing to generate more interest")
	}
	return map[string]any{
		"property_id": propertyID,
		"report_date": time.Now().UTC().Format(time.RFC3339),
		"feedback_summary": map[string]any{
			"total_feedback":      total,
			"positive_sentiment":  positive,
			"positive_percentage": positivePct,
		},
		"market_trends": map[string]any{
			"avg_days_on_market": 45,
			"price_trend":        "stable",
		},
		"recommendations": recommendations,
	}, nil
}

func (t Toolset) prepareBreachNotice(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	tenancyID := stringField(input, "tenancy_id")
	if tenancyID == "" {
		return nil, fmt.Errorf("tenancy_id required")
	}
	breachType := stringField(input, "breach_type")
	if breachType == "" {
		breachType = "rent_arrears"
	}
	description := stringField(input, "description")
	if description == "" {
		description = "Rent arrears"
	}
	now := time.Now().UTC()
	return map[string]any{
		"notice_id":          fmt.Sprintf("BN-%s-%s", tenancyID, now.Format("20060102")),
		"tenancy_id":         tenancyID,
		"issue_date":         now.Format(time.RFC3339),
		"breach_type":        breachType,
		"breach_description": description,
		"remedy_period_days": 14,
		"status":             "draft",
		"requires_dispatch":  true,
	}, nil
}

func (t Toolset) archiveListing(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	propertyID := stringField(input, "property_id")
	if propertyID == "" {
		return nil, fmt.Errorf("property_id required")
	}
	if _, err := t.Properties.PropertyDetails(ctx, propertyID); err != nil {
		return nil, err
	}
	return map[string]any{
		"property_id": propertyID,
		"status":      "archived",
		"archived_at": time.Now().UTC().Format(time.RFC3339),
		"archived_by": rc.UserID,
	}, nil
}
