package bus

import (
	"time"

	"github.com/linnemanlabs/coldwatch/internal/alert"
	"github.com/linnemanlabs/coldwatch/internal/sop"
)

// Type identifies one of the seven pipeline event kinds.
type Type string

const (
	TypeAlert              Type = "alert"
	TypePlanGenerated      Type = "plan_generated"
	TypeVoiceCallQueued    Type = "voice_call_queued"
	TypeVoiceCallCompleted Type = "voice_call_completed"
	TypeApprovalReceived   Type = "approval_received"
	TypePlanExecuted       Type = "plan_executed"
	TypeResolved           Type = "resolved"
)

// Event is the envelope published on the bus. Timestamp is assigned at
// emission time; Payload is one of the payload structs below, keyed by Type.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// AlertPayload carries the alert exactly as received from monitoring.
type AlertPayload struct {
	alert.Alert
}

// PlanPayload announces a generated (or regenerated) remediation plan.
type PlanPayload struct {
	ID           int64      `json:"id"`
	Plan         []string   `json:"plan"`
	Depot        *sop.Depot `json:"depot,omitempty"`
	Confidence   float64    `json:"confidence"`
	ContactPhone string     `json:"contact_phone"`
}

// CallQueuedPayload announces an outbound voice call entering the queue.
type CallQueuedPayload struct {
	ID      int64  `json:"id"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
}

// CallCompletedPayload carries the final state of a voice call.
type CallCompletedPayload struct {
	ID              int64  `json:"id"`
	CallID          string `json:"call_id"`
	Status          string `json:"status"`
	Transcript      string `json:"transcript,omitempty"`
	Approved        *bool  `json:"approved,omitempty"`
	Feedback        string `json:"feedback,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// ApprovalPayload records an approval or rejection signal.
type ApprovalPayload struct {
	ID        int64     `json:"id"`
	Approved  bool      `json:"approved"`
	Feedback  string    `json:"feedback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionPayload records the outcome of executing an approved plan.
type ExecutionPayload struct {
	ID      int64  `json:"id"`
	Outcome string `json:"outcome"`
	Details string `json:"details"`
}

// ResolutionPayload closes an incident with the averted-loss figure.
type ResolutionPayload struct {
	ID          int64 `json:"id"`
	CostAvoided int64 `json:"cost_avoided"`
}
