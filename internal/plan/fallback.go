package plan

import (
	"fmt"

	"github.com/linnemanlabs/coldwatch/internal/alert"
	"github.com/linnemanlabs/coldwatch/internal/sop"
)

const (
	// fallbackSafetyBuffer is the slack (minutes) a depot's lead time must
	// leave before the failure deadline to be considered viable.
	fallbackSafetyBuffer = 30

	iceDeliveryConfidence = 0.70
	escalationConfidence  = 0.60
)

// fallbackPlan is the deterministic rule-based path used whenever the
// reasoning provider is unavailable. Same alert and SOP data always produce
// the identical plan.
func fallbackPlan(al *alert.Alert, data *sop.Data) *Plan {
	deadline := al.MinutesToFailure - fallbackSafetyBuffer

	// Depots are kept in document order: the SOP lists them by preference,
	// not by lead time.
	for i := range data.Depots {
		depot := data.Depots[i]
		if depot.LeadMinutes > deadline {
			continue
		}
		return &Plan{
			Steps: []string{
				"FALLBACK PLAN: reasoning service unavailable",
				fmt.Sprintf("Contact %s at %s", depot.Contact, depot.Name),
				"Order 5kg dry ice for delivery",
				fmt.Sprintf("ETA: %d minutes", depot.LeadMinutes),
				"Monitor progress every 15 minutes",
			},
			Depot:        &depot,
			ContactPhone: depot.Phone,
			Confidence:   iceDeliveryConfidence,
			Strategy:     StrategyIceDelivery,
			Region:       data.Region,
		}
	}

	return &Plan{
		Steps: []string{
			"CRITICAL: System fallback mode",
			"No viable depot options available",
			"Emergency manager intervention required",
			fmt.Sprintf("Temperature: %.1f°C, Time: %dmin", al.Temp, al.MinutesToFailure),
		},
		ContactPhone: data.EmergencyManager(),
		Confidence:   escalationConfidence,
		Strategy:     StrategyEscalation,
		Region:       data.Region,
	}
}
