package incident

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coldwatch/internal/alert"
	"github.com/linnemanlabs/coldwatch/internal/bus"
	"github.com/linnemanlabs/coldwatch/internal/plan"
	"github.com/linnemanlabs/coldwatch/internal/region"
	"github.com/linnemanlabs/coldwatch/internal/voice"
)

// Sentinel errors surfaced to the inbound caller.
var (
	ErrInvalidAlert = errors.New("invalid alert")
	ErrDuplicate    = errors.New("incident already in flight")
	ErrNotFound     = errors.New("incident not found")
	ErrNotAwaiting  = errors.New("incident is not awaiting approval")
)

const (
	defaultRegenDelay     = 5 * time.Second
	defaultMaxRegenRounds = 3
	defaultCallPoll       = 500 * time.Millisecond
	defaultCallTimeout    = 60 * time.Second
	defaultOpsHotline     = "+15550123456"

	costAvoidedBase   = 50_000
	costAvoidedSpread = 100_000
)

// Options tune the workflow timing and escalation targets. The zero value
// gets production defaults.
type Options struct {
	// RegenDelay is the pause before a rejected plan is regenerated.
	RegenDelay time.Duration

	// MaxRegenRounds caps generation-and-approval cycles per incident;
	// rejections past the cap escalate instead of looping.
	MaxRegenRounds int

	// CallPoll and CallTimeout bound the wait on an outbound call.
	CallPoll    time.Duration
	CallTimeout time.Duration

	// OpsHotline receives rejection-feedback calls and emergency calls for
	// plans that failed timing validation.
	OpsHotline string

	// CostAvoided computes the averted-loss figure for a resolution.
	CostAvoided func() int64
}

func (o Options) withDefaults() Options {
	if o.RegenDelay <= 0 {
		o.RegenDelay = defaultRegenDelay
	}
	if o.MaxRegenRounds <= 0 {
		o.MaxRegenRounds = defaultMaxRegenRounds
	}
	if o.CallPoll <= 0 {
		o.CallPoll = defaultCallPoll
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.OpsHotline == "" {
		o.OpsHotline = defaultOpsHotline
	}
	if o.CostAvoided == nil {
		o.CostAvoided = func() int64 {
			return costAvoidedBase + rand.Int64N(costAvoidedSpread)
		}
	}
	return o
}

// callRemover is implemented by dialers that keep per-call state worth
// releasing once an incident settles. The simulator does.
type callRemover interface {
	Remove(callID string)
}

// Service is the incident state machine. It owns every incident record
// exclusively: all mutations flow through here.
type Service struct {
	store   Store
	gen     *plan.Generator
	dialer  voice.Dialer
	bus     *bus.Bus
	metrics *Metrics
	logger  log.Logger
	opts    Options

	// applyMu serializes approval application; a signal can arrive from the
	// HTTP boundary and from the call watcher at the same time.
	applyMu sync.Mutex
}

// NewService creates the incident service. metrics may be nil.
func NewService(store Store, gen *plan.Generator, dialer voice.Dialer, b *bus.Bus, opts Options, metrics *Metrics, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:   store,
		gen:     gen,
		dialer:  dialer,
		bus:     b,
		metrics: metrics,
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// Submit accepts an alert and starts its response pipeline. It returns once
// the incident is recorded and classified; generation and approval run
// asynchronously.
func (s *Service) Submit(ctx context.Context, al *alert.Alert) (*Incident, error) {
	if al == nil || al.ID <= 0 {
		return nil, fmt.Errorf("%w: missing alert id", ErrInvalidAlert)
	}
	if al.MinutesToFailure <= 0 {
		return nil, fmt.Errorf("%w: minutes_to_failure must be positive", ErrInvalidAlert)
	}

	if existing, ok, err := s.store.Get(ctx, al.ID); err != nil {
		return nil, err
	} else if ok && !existing.State.Terminal() {
		return nil, fmt.Errorf("%w: id %d is %s", ErrDuplicate, al.ID, existing.State)
	}

	now := time.Now().UTC()
	inc := &Incident{
		ID:        al.ID,
		State:     StateDetected,
		Alert:     *al,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Put(ctx, inc); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.Event{Type: bus.TypeAlert, Payload: bus.AlertPayload{Alert: *al}})

	// Classification is pure; it cannot fail.
	inc.Region = region.Classify(al.Lat, al.Lon)
	inc.State = StateRegionClassified
	inc.Round = 1
	inc.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, inc); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "incident detected",
		"incident_id", inc.ID,
		"region", inc.Region,
		"temp", al.Temp,
		"minutes_to_failure", al.MinutesToFailure,
	)

	go s.runRound(context.WithoutCancel(ctx), inc.ID, 1, "")

	cp := *inc
	return &cp, nil
}

// Approve applies an external approval or rejection signal to an incident's
// current plan round.
func (s *Service) Approve(ctx context.Context, sig Signal) (*Incident, error) {
	inc, ok, err := s.store.Get(ctx, sig.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, sig.ID)
	}
	if inc.State != StateAwaitingApproval {
		return nil, fmt.Errorf("%w: id %d is %s", ErrNotAwaiting, sig.ID, inc.State)
	}

	s.apply(context.WithoutCancel(ctx), sig, inc.Round)

	updated, ok, err := s.store.Get(ctx, sig.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, sig.ID)
	}
	return updated, nil
}

// Get retrieves one incident.
func (s *Service) Get(ctx context.Context, id int64) (*Incident, bool, error) {
	return s.store.Get(ctx, id)
}

// List retrieves all incidents.
func (s *Service) List(ctx context.Context) ([]*Incident, error) {
	return s.store.List(ctx)
}

// runRound executes one generation-and-approval cycle. The round number tags
// the cycle so a superseded round's callbacks are discarded.
func (s *Service) runRound(ctx context.Context, id int64, round int, regenerateReason string) {
	L := s.logger.With("incident_id", id, "round", round)

	inc, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch incident for plan round")
		return
	}
	if inc.Round != round || (inc.State != StateRegionClassified && inc.State != StateRegenerating) {
		s.metrics.incStaleRound()
		L.Info(ctx, "discarding superseded plan round", "state", inc.State, "current_round", inc.Round)
		return
	}

	p, err := s.gen.Generate(ctx, &inc.Alert, regenerateReason)
	if err != nil {
		// Missing or malformed SOP data: no safe default plan exists.
		inc.State = StateFailed
		inc.FailReason = err.Error()
		inc.UpdatedAt = time.Now().UTC()
		if perr := s.store.Put(ctx, inc); perr != nil {
			L.Error(ctx, perr, "failed to persist incident failure")
		}
		s.metrics.incSettled(inc)
		L.Error(ctx, err, "plan generation failed, incident failed")
		return
	}

	inc.Plan = p
	inc.State = StatePlanGenerated
	inc.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, inc); err != nil {
		L.Error(ctx, err, "failed to persist generated plan")
		return
	}
	s.metrics.incPlan(string(p.Strategy), p.Confidence)
	s.bus.Publish(bus.Event{Type: bus.TypePlanGenerated, Payload: bus.PlanPayload{
		ID:           id,
		Plan:         p.Steps,
		Depot:        p.Depot,
		Confidence:   p.Confidence,
		ContactPhone: p.ContactPhone,
	}})
	L.Info(ctx, "plan generated",
		"strategy", p.Strategy,
		"confidence", p.Confidence,
		"steps", len(p.Steps),
		"contact_phone", p.ContactPhone,
	)

	vr := plan.Validate(p, inc.Alert.MinutesToFailure)
	inc.Validation = &vr
	switch {
	case vr.Valid:
		s.metrics.incValidation("valid")
		s.requestApproval(ctx, inc, L)
	case !vr.Applicable:
		s.metrics.incValidation("not_applicable")
		s.escalate(ctx, inc, vr.Reason, L)
	default:
		s.metrics.incValidation("invalid")
		s.escalate(ctx, inc, vr.Reason, L)
	}
}

// requestApproval places the approval call and parks the incident until a
// signal arrives.
func (s *Service) requestApproval(ctx context.Context, inc *Incident, L log.Logger) {
	req := voice.CallRequest{
		IncidentID:  inc.ID,
		Phone:       inc.Plan.ContactPhone,
		Message:     buildApprovalMessage(inc),
		ContactName: planContactName(inc.Plan),
	}

	resp, err := s.dialer.Start(ctx, req)
	if err != nil {
		// Unreachable contact: hand the incident to a human instead of
		// retrying the call.
		L.Error(ctx, err, "approval call could not be placed, escalating")
		s.escalate(ctx, inc, "approval contact unreachable", L)
		return
	}

	inc.State = StateAwaitingApproval
	inc.CallID = resp.CallID
	inc.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, inc); err != nil {
		L.Error(ctx, err, "failed to persist awaiting_approval")
		return
	}

	s.bus.Publish(bus.Event{Type: bus.TypeVoiceCallQueued, Payload: bus.CallQueuedPayload{
		ID:      inc.ID,
		Phone:   req.Phone,
		Message: req.Message,
		CallID:  resp.CallID,
		Status:  string(resp.Status),
	}})
	L.Info(ctx, "approval call queued", "call_id", resp.CallID, "phone", req.Phone)

	go s.watchCall(ctx, inc.ID, inc.Round, resp.CallID, false)
}

// escalate hands the incident to a human emergency manager and places the
// emergency call, bypassing normal approval.
func (s *Service) escalate(ctx context.Context, inc *Incident, reason string, L log.Logger) {
	inc.State = StateEscalated
	inc.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, inc); err != nil {
		L.Error(ctx, err, "failed to persist escalation")
		return
	}
	s.metrics.incSettled(inc)
	L.Warn(ctx, "incident escalated", "reason", reason)

	// Escalation-strategy plans already carry the emergency-manager number;
	// everything else goes to the operations hotline.
	phone := s.opts.OpsHotline
	if inc.Plan != nil && inc.Plan.Strategy == plan.StrategyEscalation {
		phone = inc.Plan.ContactPhone
	}

	resp, err := s.dialer.Start(ctx, voice.CallRequest{
		IncidentID: inc.ID,
		Phone:      phone,
		Message:    buildEscalationMessage(inc, reason),
	})
	if err != nil {
		L.Error(ctx, err, "emergency call could not be placed")
		return
	}

	s.bus.Publish(bus.Event{Type: bus.TypeVoiceCallQueued, Payload: bus.CallQueuedPayload{
		ID:      inc.ID,
		Phone:   phone,
		Message: buildEscalationMessage(inc, reason),
		CallID:  resp.CallID,
		Status:  string(resp.Status),
	}})

	go s.watchCall(ctx, inc.ID, inc.Round, resp.CallID, true)
}

// watchCall follows an outbound call to a terminal status and feeds the
// outcome back into the incident. Informational calls (escalation, hotline)
// only report their completion.
func (s *Service) watchCall(ctx context.Context, id int64, round int, callID string, informational bool) {
	L := s.logger.With("incident_id", id, "round", round, "call_id", callID)

	resp := voice.Watch(ctx, s.dialer, callID, s.opts.CallPoll, s.opts.CallTimeout)
	s.metrics.incCall(string(resp.Status))

	s.bus.Publish(bus.Event{Type: bus.TypeVoiceCallCompleted, Payload: bus.CallCompletedPayload{
		ID:              id,
		CallID:          callID,
		Status:          string(resp.Status),
		Transcript:      resp.Transcript,
		Approved:        resp.Approved,
		Feedback:        resp.Feedback,
		DurationSeconds: resp.DurationSeconds,
	}})
	L.Info(ctx, "voice call finished", "status", resp.Status, "duration_s", resp.DurationSeconds)

	if informational {
		return
	}

	inc, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch incident after call")
		return
	}
	if inc.Round != round || inc.CallID != callID || inc.State != StateAwaitingApproval {
		s.metrics.incStaleRound()
		L.Info(ctx, "discarding completion of superseded call", "state", inc.State, "current_round", inc.Round)
		return
	}

	if resp.Status == voice.StatusFailed {
		// Same unreachable-contact policy as a failed dial.
		s.escalate(ctx, inc, "approval call failed: "+resp.Transcript, L)
		return
	}

	if resp.Approved != nil {
		s.apply(ctx, Signal{ID: id, Approved: *resp.Approved, Feedback: resp.Feedback}, round)
	}
	// A completed call without a parsed approval leaves the incident
	// awaiting an explicit signal from the dashboard.
}

// apply is the single entry point for approval signals, whether they came
// from the call transcript or the HTTP boundary.
func (s *Service) apply(ctx context.Context, sig Signal, round int) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	L := s.logger.With("incident_id", sig.ID, "round", round)

	inc, ok, err := s.store.Get(ctx, sig.ID)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch incident for approval")
		return
	}
	if inc.State != StateAwaitingApproval || inc.Round != round {
		s.metrics.incStaleRound()
		L.Info(ctx, "discarding approval for superseded round", "state", inc.State, "current_round", inc.Round)
		return
	}

	s.metrics.incApproval(sig.Approved)
	s.bus.Publish(bus.Event{Type: bus.TypeApprovalReceived, Payload: bus.ApprovalPayload{
		ID:        sig.ID,
		Approved:  sig.Approved,
		Feedback:  sig.Feedback,
		Timestamp: time.Now().UTC(),
	}})

	if r, ok := s.dialer.(callRemover); ok && inc.CallID != "" {
		r.Remove(inc.CallID)
	}

	inc.Approved = &sig.Approved
	inc.Feedback = sig.Feedback

	if sig.Approved {
		s.execute(ctx, inc, L)
		return
	}
	s.reject(ctx, inc, sig.Feedback, L)
}

// execute marks the plan executed and immediately resolves the incident with
// the averted-loss figure.
func (s *Service) execute(ctx context.Context, inc *Incident, L log.Logger) {
	inc.State = StateExecuted
	inc.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, inc); err != nil {
		L.Error(ctx, err, "failed to persist execution")
		return
	}
	s.bus.Publish(bus.Event{Type: bus.TypePlanExecuted, Payload: bus.ExecutionPayload{
		ID:      inc.ID,
		Outcome: "success",
		Details: executionDetails(inc.Plan),
	}})

	cost := s.opts.CostAvoided()
	now := time.Now().UTC()
	inc.CostAvoided = cost
	inc.State = StateResolved
	inc.ResolvedAt = now
	inc.UpdatedAt = now
	if err := s.store.Put(ctx, inc); err != nil {
		L.Error(ctx, err, "failed to persist resolution")
		return
	}
	s.metrics.addCostAvoided(cost)
	s.metrics.incSettled(inc)
	s.bus.Publish(bus.Event{Type: bus.TypeResolved, Payload: bus.ResolutionPayload{
		ID:          inc.ID,
		CostAvoided: cost,
	}})
	L.Info(ctx, "incident resolved", "cost_avoided", cost)
}

// reject relays the feedback to the operations hotline and schedules a new
// plan round, or escalates when the round budget is spent.
func (s *Service) reject(ctx context.Context, inc *Incident, feedback string, L log.Logger) {
	hotlineMsg := buildHotlineMessage(inc, feedback)
	if resp, err := s.dialer.Start(ctx, voice.CallRequest{
		IncidentID:  inc.ID,
		Phone:       s.opts.OpsHotline,
		Message:     hotlineMsg,
		ContactName: "Operations",
	}); err != nil {
		L.Error(ctx, err, "hotline call could not be placed")
	} else {
		s.bus.Publish(bus.Event{Type: bus.TypeVoiceCallQueued, Payload: bus.CallQueuedPayload{
			ID:      inc.ID,
			Phone:   s.opts.OpsHotline,
			Message: hotlineMsg,
			CallID:  resp.CallID,
			Status:  string(resp.Status),
		}})
		go s.watchCall(ctx, inc.ID, inc.Round, resp.CallID, true)
	}

	if inc.Round >= s.opts.MaxRegenRounds {
		L.Warn(ctx, "regeneration budget exhausted, escalating", "max_rounds", s.opts.MaxRegenRounds)
		s.escalate(ctx, inc, fmt.Sprintf("plan rejected %d times: %s", inc.Round, feedback), L)
		return
	}

	inc.State = StateRegenerating
	inc.Round++
	inc.CallID = ""
	inc.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, inc); err != nil {
		L.Error(ctx, err, "failed to persist regeneration")
		return
	}
	s.metrics.incRegenRound()

	next := inc.Round
	id := inc.ID
	L.Info(ctx, "plan regeneration scheduled", "next_round", next, "delay", s.opts.RegenDelay)
	time.AfterFunc(s.opts.RegenDelay, func() {
		s.runRound(ctx, id, next, feedback)
	})
}

func planContactName(p *plan.Plan) string {
	if p.Depot != nil {
		return p.Depot.Contact
	}
	if p.Facility != nil {
		return p.Facility.Name
	}
	return "Emergency Manager"
}

func buildApprovalMessage(inc *Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Urgent cold-chain incident %d. Pallet at %.1f degrees with %d minutes to failure. ",
		inc.ID, inc.Alert.Temp, inc.Alert.MinutesToFailure)
	if len(inc.Plan.Steps) > 0 {
		fmt.Fprintf(&b, "Proposed action: %s. ", inc.Plan.Steps[0])
	}
	b.WriteString("Please confirm approval to proceed.")
	return b.String()
}

func buildEscalationMessage(inc *Incident, reason string) string {
	return fmt.Sprintf(
		"Emergency escalation for cold-chain incident %d. %s. Pallet at %.1f degrees, %d minutes to failure. Immediate manual intervention required.",
		inc.ID, reason, inc.Alert.Temp, inc.Alert.MinutesToFailure,
	)
}

func buildHotlineMessage(inc *Incident, feedback string) string {
	return fmt.Sprintf(
		"Remediation plan for incident %d was rejected. Feedback: %s. A revised plan is being prepared.",
		inc.ID, feedback,
	)
}

func executionDetails(p *plan.Plan) string {
	if p == nil {
		return "plan executed"
	}
	switch {
	case p.Depot != nil:
		return fmt.Sprintf("ice delivery dispatched from %s", p.Depot.Name)
	case p.Facility != nil:
		return fmt.Sprintf("shipment rerouted to %s", p.Facility.Name)
	default:
		return "escalation plan executed"
	}
}
