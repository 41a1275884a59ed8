// Package policy provides implementations of the validity capability
// consumed before any durable promotion. The contract is deliberately
// soft: an unreachable or slow collaborator yields a deferred verdict,
// never an error, so a policy outage can only delay promotions.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cognimesh/memtier/memory"
)

// HTTPValidator calls an external policy service over HTTP.
type HTTPValidator struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPValidator builds a validator against baseURL with a bounded
// per-call timeout. logger may be nil.
func NewHTTPValidator(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPValidator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPValidator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type validateRequest struct {
	Content string `json:"content"`
}

type validateResponse struct {
	Valid  bool               `json:"valid"`
	Scores map[string]float64 `json:"scores"`
}

// Validate posts the content for a constitutional check. Transport
// failures, timeouts, and non-200 responses all defer.
func (v *HTTPValidator) Validate(ctx context.Context, content string) memory.PolicyVerdict {
	body, err := json.Marshal(validateRequest{Content: content})
	if err != nil {
		return memory.PolicyVerdict{Outcome: memory.PolicyDeferred}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/policy/validate", bytes.NewReader(body))
	if err != nil {
		return memory.PolicyVerdict{Outcome: memory.PolicyDeferred}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("policy validation deferred", zap.Error(err))
		return memory.PolicyVerdict{Outcome: memory.PolicyDeferred}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Warn("policy validation deferred",
			zap.String("status", fmt.Sprintf("%d", resp.StatusCode)))
		return memory.PolicyVerdict{Outcome: memory.PolicyDeferred}
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		v.logger.Warn("policy validation deferred", zap.Error(err))
		return memory.PolicyVerdict{Outcome: memory.PolicyDeferred}
	}

	outcome := memory.PolicyInvalid
	if out.Valid {
		outcome = memory.PolicyValid
	}
	return memory.PolicyVerdict{Outcome: outcome, Scores: out.Scores}
}

// Static returns a fixed verdict. Useful for dev deployments without a
// policy service and for tests.
type Static struct {
	Verdict memory.PolicyVerdict
}

// AlwaysValid approves everything.
func AlwaysValid() *Static {
	return &Static{Verdict: memory.PolicyVerdict{Outcome: memory.PolicyValid}}
}

// Validate returns the fixed verdict.
func (s *Static) Validate(context.Context, string) memory.PolicyVerdict {
	return s.Verdict
}
