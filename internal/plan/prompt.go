package plan

import (
	"fmt"

	"github.com/linnemanlabs/coldwatch/internal/alert"
)

const systemPrompt = `You are a cold-chain logistics expert AI. You analyze standard operating procedures and generate actionable emergency response plans. Always respond with a valid JSON object containing a plan array, a confidence score, and your reasoning.`

// buildPrompt constructs the generation request, embedding the alert details,
// any prior-rejection feedback, and the full SOP document.
func buildPrompt(al *alert.Alert, sopText, regenerateReason string) string {
	rejected := ""
	if regenerateReason != "" {
		rejected = fmt.Sprintf("- Previous plan rejected: %s\n", regenerateReason)
	}

	return fmt.Sprintf(`URGENT COLD-CHAIN ALERT - NEED IMMEDIATE ACTION PLAN

Alert Details:
- Pallet ID: %d
- Current Temperature: %.1f°C (threshold: 8°C)
- Minutes until irreversible damage: %d
- Location: %v, %v
- Next stop: %s (ETA: %d minutes)
%s
Based on the SOP below, generate a specific actionable plan with:
1. Regional detection (Americas vs Asia)
2. Time-critical decision (ice delivery vs emergency reroute)
3. Specific contact numbers and steps
4. Confidence score (0-1)

SOP Document:
%s

Return JSON format:
{
  "plan": ["step 1", "step 2", ...],
  "confidence": 0.85,
  "reasoning": "explanation of decision logic"
}`,
		al.ID,
		al.Temp,
		al.MinutesToFailure,
		al.Lat, al.Lon,
		al.NextStop.City,
		al.NextStop.ETAMinutes,
		rejected,
		sopText,
	)
}
