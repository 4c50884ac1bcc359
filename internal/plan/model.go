package plan

import (
	"github.com/linnemanlabs/coldwatch/internal/region"
	"github.com/linnemanlabs/coldwatch/internal/sop"
)

// Strategy tags which remediation a plan pursues.
type Strategy string

const (
	StrategyIceDelivery      Strategy = "ice_delivery"
	StrategyEmergencyReroute Strategy = "emergency_reroute"
	StrategyEscalation       Strategy = "escalation"
)

// Plan is one generated remediation attempt. Plans are superseded on
// regeneration, never mutated.
type Plan struct {
	Steps        []string      `json:"plan"`
	Depot        *sop.Depot    `json:"depot,omitempty"`
	Facility     *sop.Facility `json:"emergency_facility,omitempty"`
	ContactPhone string        `json:"contact_phone"`
	Confidence   float64       `json:"confidence"`
	Strategy     Strategy      `json:"strategy"`
	Region       region.Region `json:"region"`
}

// Result is the outcome of validating a plan's timing feasibility.
// Applicable is false for plans without a depot: escalation-strategy plans
// carry no depot ETA, so there is nothing to validate against and the caller
// routes them to escalation directly.
type Result struct {
	Valid      bool   `json:"valid"`
	Applicable bool   `json:"applicable"`
	Reason     string `json:"reason,omitempty"`
}
