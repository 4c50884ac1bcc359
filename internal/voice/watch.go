package voice

import (
	"context"
	"time"
)

// Watch polls a call until it reaches a terminal status. The wait is bounded:
// when the timeout ceiling or the context expires first, the result is a
// failed response, never an indefinite hang.
func Watch(ctx context.Context, d Dialer, callID string, interval, timeout time.Duration) CallResponse {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return CallResponse{CallID: callID, Status: StatusFailed, Feedback: "call watch cancelled"}
		case <-deadline.C:
			return CallResponse{CallID: callID, Status: StatusFailed, Feedback: "call timed out"}
		case <-ticker.C:
			resp, err := d.Status(ctx, callID)
			if err != nil {
				// Transient status-check failure; the deadline bounds retries.
				continue
			}
			if resp.Status.Terminal() {
				return resp
			}
		}
	}
}
