// Package voice defines the outbound-call contract used by the approval
// workflow, a polling watcher with a bounded wait, and a timer-driven
// simulator for running without a telephony provider.
package voice

import (
	"context"
	"strings"
)

// Status tracks a call through its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a call can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CallRequest describes one outbound approval or escalation call.
type CallRequest struct {
	IncidentID  int64  `json:"id"`
	Phone       string `json:"phone"`
	Message     string `json:"message"`
	ContactName string `json:"contact_name"`
}

// CallResponse is the last known state of a call. Superseded, not merged, by
// each regeneration round.
type CallResponse struct {
	CallID          string `json:"call_id"`
	Status          Status `json:"status"`
	Transcript      string `json:"transcript,omitempty"`
	Approved        *bool  `json:"approved,omitempty"`
	Feedback        string `json:"feedback,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Dialer is the telephony collaborator. Start returns immediately with a
// queued call; Status reports the last known state and answers unknown ids
// with a synthetic failed response rather than an error.
type Dialer interface {
	Start(ctx context.Context, req CallRequest) (CallResponse, error)
	Status(ctx context.Context, callID string) (CallResponse, error)
}

// FormatPhone normalizes a phone number to E.164. Ten digits are assumed to
// be US numbers.
func FormatPhone(phone string) string {
	if strings.HasPrefix(phone, "+") {
		return phone
	}

	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case len(d) == 10:
		return "+1" + d
	default:
		return "+" + d
	}
}
