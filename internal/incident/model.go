package incident

import (
	"time"

	"github.com/linnemanlabs/coldwatch/internal/alert"
	"github.com/linnemanlabs/coldwatch/internal/plan"
	"github.com/linnemanlabs/coldwatch/internal/region"
)

// State tracks where an incident is in its lifecycle.
type State string

const (
	// StateDetected means the alert was accepted, nothing computed yet.
	StateDetected State = "detected"

	// StateRegionClassified means the operating region is known.
	StateRegionClassified State = "region_classified"

	// StatePlanGenerated means a remediation plan exists for the current round.
	StatePlanGenerated State = "plan_generated"

	// StateAwaitingApproval means the approval call is out and the incident
	// is waiting for a signal.
	StateAwaitingApproval State = "awaiting_approval"

	// StateRegenerating means a rejection arrived and a new plan round is
	// scheduled.
	StateRegenerating State = "regenerating"

	// StateEscalated means the incident was handed to a human emergency
	// manager. Escalated incidents await separate human closure; the
	// automated pipeline stops here.
	StateEscalated State = "escalated"

	// StateExecuted means an approved plan was put into action.
	StateExecuted State = "executed"

	// StateResolved means the incident closed successfully.
	StateResolved State = "resolved"

	// StateFailed means the pipeline hit a fatal configuration error, such
	// as missing SOP data.
	StateFailed State = "failed"
)

// Terminal reports whether the pipeline is done with this incident.
// Escalated is deliberately not terminal: the record stays open for human
// closure even though automation has stopped.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateFailed
}

// Incident is the evolving state of one alert's response. It is mutated only
// by the Service that owns it; everyone else sees copies.
type Incident struct {
	ID         int64         `json:"id"`
	State      State         `json:"state"`
	Region     region.Region `json:"region,omitempty"`
	Alert      alert.Alert   `json:"alert"`
	Plan       *plan.Plan    `json:"plan,omitempty"`
	Validation *plan.Result  `json:"validation,omitempty"`

	// Round counts generation-and-approval cycles, starting at 1.
	// Late callbacks carrying an older round number are discarded.
	Round int `json:"round"`

	CallID      string `json:"call_id,omitempty"`
	Approved    *bool  `json:"approved,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
	CostAvoided int64  `json:"cost_avoided,omitempty"`
	FailReason  string `json:"fail_reason,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Signal is an approval or rejection for an incident's current plan round.
type Signal struct {
	ID       int64  `json:"id"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}
