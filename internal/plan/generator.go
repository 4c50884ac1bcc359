// Package plan generates and validates remediation plans for cold-chain
// temperature excursions. Generation prefers the reasoning provider and falls
// back to a deterministic rule-based path when the provider is unavailable or
// misbehaves; only a missing SOP document is a hard failure.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coldwatch/internal/alert"
	"github.com/linnemanlabs/coldwatch/internal/region"
	"github.com/linnemanlabs/coldwatch/internal/sop"
)

const (
	// degradedConfidence is assigned when the provider answers with
	// something other than the requested JSON shape.
	degradedConfidence = 0.75

	// maxExtractedSteps caps how many lines of a non-JSON response are
	// taken as plan steps.
	maxExtractedSteps = 5
)

// Provider is the reasoning collaborator used for the AI generation path.
type Provider interface {
	Query(ctx context.Context, system, prompt string) (string, error)
}

// SOPSource supplies parsed SOP data and the raw document text.
// *sop.Repository satisfies it.
type SOPSource interface {
	Load(reg region.Region) (*sop.Data, error)
	Raw() (string, error)
}

// Generator produces remediation plans from alerts and SOP data.
type Generator struct {
	sops     SOPSource
	provider Provider // nil disables the AI path
	logger   log.Logger
}

// NewGenerator creates a Generator. A nil provider restricts generation to
// the deterministic fallback path.
func NewGenerator(sops SOPSource, provider Provider, logger log.Logger) *Generator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Generator{
		sops:     sops,
		provider: provider,
		logger:   logger,
	}
}

// providerResponse is the JSON shape requested from the provider.
type providerResponse struct {
	Plan       []string `json:"plan"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Generate produces a plan for the alert. regenerateReason carries the
// rejection feedback from a previous round, or "" on the first attempt.
//
// Provider failures are absorbed here and answered with the fallback plan.
// sop.ErrUnavailable is not: without SOP data there is no safe plan.
func (g *Generator) Generate(ctx context.Context, al *alert.Alert, regenerateReason string) (*Plan, error) {
	reg := region.Classify(al.Lat, al.Lon)

	data, err := g.sops.Load(reg)
	if err != nil {
		return nil, fmt.Errorf("load sop for region %s: %w", reg, err)
	}

	if g.provider == nil {
		return fallbackPlan(al, data), nil
	}

	raw, err := g.sops.Raw()
	if err != nil {
		return nil, fmt.Errorf("load sop document: %w", err)
	}

	text, err := g.provider.Query(ctx, systemPrompt, buildPrompt(al, raw, regenerateReason))
	if err != nil {
		g.logger.Warn(ctx, "reasoning provider failed, using fallback plan",
			"alert_id", al.ID,
			"error", err.Error(),
		)
		return fallbackPlan(al, data), nil
	}

	steps, confidence := extractSteps(text)
	contact := MatchContact(steps, data)

	return &Plan{
		Steps:        steps,
		Depot:        contact.Depot,
		Facility:     contact.Facility,
		ContactPhone: contact.Phone,
		Confidence:   confidence,
		Strategy:     DetectStrategy(steps),
		Region:       reg,
	}, nil
}

// extractSteps parses the provider response. A valid JSON object wins; any
// malformed-but-present response degrades to taking the first non-empty lines
// as plan steps rather than failing outright.
func extractSteps(text string) (steps []string, confidence float64) {
	var resp providerResponse
	if err := json.Unmarshal([]byte(text), &resp); err == nil && len(resp.Plan) > 0 {
		confidence = resp.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = degradedConfidence
		}
		return resp.Plan, confidence
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		steps = append(steps, line)
		if len(steps) == maxExtractedSteps {
			break
		}
	}
	return steps, degradedConfidence
}
