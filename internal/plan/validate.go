package plan

import "fmt"

// validationBuffer is the minimum slack (minutes) between a depot's delivery
// ETA and the failure deadline for a plan to be executable.
const validationBuffer = 15

// Validate checks a plan's timing feasibility against the alert's remaining
// minutes to failure.
//
// Plans without a depot have no delivery ETA to check; they come back with
// Applicable=false and the caller escalates them instead of treating the
// missing depot as either pass or fail.
func Validate(p *Plan, minutesToFailure int) Result {
	if p.Depot == nil {
		return Result{
			Valid:      false,
			Applicable: false,
			Reason:     "plan has no depot; not validated against depot timing",
		}
	}

	buffer := minutesToFailure - p.Depot.LeadMinutes
	if buffer < validationBuffer {
		return Result{
			Valid:      false,
			Applicable: true,
			Reason: fmt.Sprintf("Depot ETA (%dmin) too close to failure (%dmin). Need %dmin buffer.",
				p.Depot.LeadMinutes, minutesToFailure, validationBuffer),
		}
	}

	return Result{Valid: true, Applicable: true}
}
