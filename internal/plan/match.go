package plan

import (
	"strings"

	"github.com/linnemanlabs/coldwatch/internal/sop"
)

// Contact is the routing decision extracted from free-text plan steps: at
// most one of Depot/Facility is set, and Phone is always populated.
type Contact struct {
	Depot    *sop.Depot
	Facility *sop.Facility
	Phone    string
}

// MatchContact resolves which regional contact a plan addresses by matching
// its text. Depots win over facilities; a plan mentioning no known party is
// routed to the region's emergency manager.
//
// Text matching against generated prose is fragile by nature, so it lives
// here as a standalone classifier the tests can pin down. A structured
// depot identifier from the provider would supersede it, but the text path
// has to keep working for non-structured responses.
func MatchContact(steps []string, data *sop.Data) Contact {
	text := strings.ToLower(strings.Join(steps, " "))

	for i := range data.Depots {
		depot := &data.Depots[i]
		if strings.Contains(text, strings.ToLower(depot.Name)) ||
			strings.Contains(text, strings.ToLower(depot.Contact)) {
			cp := *depot
			return Contact{Depot: &cp, Phone: depot.Phone}
		}
	}

	for i := range data.Facilities {
		facility := &data.Facilities[i]
		if strings.Contains(text, strings.ToLower(facility.Name)) ||
			strings.Contains(text, "emergency") ||
			strings.Contains(text, "reroute") {
			cp := *facility
			return Contact{Facility: &cp, Phone: facility.Phone}
		}
	}

	return Contact{Phone: data.EmergencyManager()}
}

// DetectStrategy tags a plan from its text, independently of the contact
// match: the same keywords can pick a facility contact while the strategy
// still reads as escalation.
func DetectStrategy(steps []string) Strategy {
	text := strings.ToLower(strings.Join(steps, " "))

	if strings.Contains(text, "ice") || strings.Contains(text, "depot") {
		return StrategyIceDelivery
	}
	if strings.Contains(text, "reroute") || strings.Contains(text, "facility") || strings.Contains(text, "redirect") {
		return StrategyEmergencyReroute
	}
	return StrategyEscalation
}
