package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fianza-mx/escrow-engine/internal/metrics"
)

// Risk recommendations. Advisory only: a resolution is always an admin
// decision.
const (
	RecommendationApprove     = "approve"
	RecommendationInvestigate = "investigate"
)

// DisputeContext is what the analyzer sees about a disputed payment.
type DisputeContext struct {
	Amount         decimal.Decimal `json:"amount"`
	AccountAgeDays int             `json:"accountAgeDays"`
	KYCApproved    bool            `json:"kycApproved"`
	HasEvidence    bool            `json:"hasEvidence"`
	Reason         string          `json:"reason"`
}

// Assessment is the analyzer's verdict on a dispute.
type Assessment struct {
	Score          int      `json:"score"`
	Recommendation string   `json:"recommendation"`
	Confidence     int      `json:"confidence"`
	Factors        []string `json:"factors"`
}

// RiskAnalyzer scores a dispute for triage.
type RiskAnalyzer interface {
	Analyze(ctx context.Context, dc DisputeContext) (*Assessment, error)
}

// RuleBasedAnalyzer is the local fallback scorer. It never errors.
type RuleBasedAnalyzer struct{}

var highValueThreshold = decimal.NewFromInt(10000)

func (RuleBasedAnalyzer) Analyze(ctx context.Context, dc DisputeContext) (*Assessment, error) {
	score := 30
	var factors []string

	if dc.Amount.GreaterThan(highValueThreshold) {
		score += 15
		factors = append(factors, "high amount")
	}
	if dc.AccountAgeDays < 30 {
		score += 20
		factors = append(factors, "account younger than 30 days")
	}
	if !dc.KYCApproved {
		score += 25
		factors = append(factors, "KYC not approved")
	}
	if !dc.HasEvidence {
		score += 10
		factors = append(factors, "no evidence attached")
	}

	rec := RecommendationApprove
	if score > 40 {
		rec = RecommendationInvestigate
	}
	return &Assessment{
		Score:          score,
		Recommendation: rec,
		Confidence:     65,
		Factors:        factors,
	}, nil
}

// HTTPAnalyzer calls an external risk scoring API, falling back to the
// rule-based scorer when the API is unreachable or answers garbage.
type HTTPAnalyzer struct {
	url      string
	apiKey   string
	client   *http.Client
	fallback RuleBasedAnalyzer
	logger   *slog.Logger
}

// NewHTTPAnalyzer creates an analyzer backed by the risk API at url.
func NewHTTPAnalyzer(url, apiKey string, logger *slog.Logger) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, dc DisputeContext) (*Assessment, error) {
	assessment, err := a.call(ctx, dc)
	if err != nil {
		a.logger.Warn("risk API unavailable, using rule-based scoring", "error", err)
		return a.fallback.Analyze(ctx, dc)
	}
	return assessment, nil
}

func (a *HTTPAnalyzer) call(ctx context.Context, dc DisputeContext) (*Assessment, error) {
	body, err := json.Marshal(dc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	metrics.ObserveExternalCall("risk_api", "analyze", start)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("risk API returned %d", resp.StatusCode)
	}

	var assessment Assessment
	if err := json.NewDecoder(resp.Body).Decode(&assessment); err != nil {
		return nil, err
	}
	if assessment.Recommendation == "" {
		return nil, fmt.Errorf("risk API returned no recommendation")
	}
	return &assessment, nil
}

// NewRiskAnalyzer picks the HTTP analyzer when a risk API is configured,
// the rule-based one otherwise.
func NewRiskAnalyzer(apiURL, apiKey string, logger *slog.Logger) RiskAnalyzer {
	if apiURL == "" {
		return RuleBasedAnalyzer{}
	}
	return NewHTTPAnalyzer(apiURL, apiKey, logger)
}
