package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
)

const (
	defaultProgressDelay = 1 * time.Second
	defaultCompleteDelay = 3 * time.Second
	defaultCallTTL       = 30 * time.Minute
	janitorInterval      = 1 * time.Minute
)

// Simulator is a Dialer that drives calls through their lifecycle on timers:
// queued at Start, in_progress after progressDelay, completed (with a
// transcript and an approval) after completeDelay more. It stands in for real
// telephony latency without changing the state contract.
//
// Finished calls are evicted after a TTL so the call table does not grow for
// the life of the process.
type Simulator struct {
	logger log.Logger

	progressDelay time.Duration
	completeDelay time.Duration
	ttl           time.Duration

	mu    sync.Mutex
	calls map[string]*simulatedCall

	stopOnce sync.Once
	stop     chan struct{}
}

type simulatedCall struct {
	resp    CallResponse
	expires time.Time
}

// NewSimulator creates a Simulator with production-like delays and starts its
// eviction janitor. Call Close to stop it.
func NewSimulator(logger log.Logger) *Simulator {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Simulator{
		logger:        logger,
		progressDelay: defaultProgressDelay,
		completeDelay: defaultCompleteDelay,
		ttl:           defaultCallTTL,
		calls:         make(map[string]*simulatedCall),
		stop:          make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Close stops the janitor and freezes all in-flight simulated calls.
func (s *Simulator) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Start queues a simulated call and returns immediately.
func (s *Simulator) Start(_ context.Context, req CallRequest) (CallResponse, error) {
	resp := CallResponse{
		// ULIDs sort by creation time, which keeps call logs readable.
		CallID: ulid.Make().String(),
		Status: StatusQueued,
	}

	s.mu.Lock()
	s.calls[resp.CallID] = &simulatedCall{resp: resp, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	time.AfterFunc(s.progressDelay, func() {
		s.transition(resp.CallID, func(c *simulatedCall) {
			c.resp.Status = StatusInProgress
		})
	})
	time.AfterFunc(s.progressDelay+s.completeDelay, func() {
		s.transition(resp.CallID, func(c *simulatedCall) {
			approved := true
			c.resp.Status = StatusCompleted
			c.resp.Transcript = simulatedTranscript(req)
			c.resp.Approved = &approved
			c.resp.Feedback = "Plan approved via voice call"
			c.resp.DurationSeconds = 45
		})
	})

	return resp, nil
}

// Status returns the last known state of a call. Unknown ids produce a
// synthetic failed response.
func (s *Simulator) Status(_ context.Context, callID string) (CallResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return CallResponse{
			CallID:     callID,
			Status:     StatusFailed,
			Transcript: "Call not found",
		}, nil
	}
	return c.resp, nil
}

// Remove drops a call record, used when its incident reaches a terminal state.
func (s *Simulator) Remove(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, callID)
}

func (s *Simulator) transition(callID string, apply func(*simulatedCall)) {
	select {
	case <-s.stop:
		return
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		// Evicted or removed; the timer fires into nothing.
		return
	}
	apply(c)
	c.expires = time.Now().Add(s.ttl)
}

func (s *Simulator) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.prune(now)
		}
	}
}

func (s *Simulator) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.calls {
		if now.After(c.expires) {
			delete(s.calls, id)
		}
	}
}

func simulatedTranscript(req CallRequest) string {
	return fmt.Sprintf(
		"Agent: Hello, this is the cold-chain response line calling about urgent pallet %d.\n"+
			"Contact: %s speaking.\n"+
			"Agent: Temperature alert detected. Pallet %d needs immediate action.\n"+
			"Agent: %s\n"+
			"Contact: Approved, proceed with the plan.",
		req.IncidentID, req.ContactName, req.IncidentID, req.Message,
	)
}
