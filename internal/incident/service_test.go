package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coldwatch/internal/alert"
	"github.com/linnemanlabs/coldwatch/internal/bus"
	"github.com/linnemanlabs/coldwatch/internal/plan"
	"github.com/linnemanlabs/coldwatch/internal/region"
	"github.com/linnemanlabs/coldwatch/internal/sop"
	"github.com/linnemanlabs/coldwatch/internal/voice"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	incidents map[int64]*Incident
	putErr    error
	getErr    error
}

func newMockStore() *mockStore {
	return &mockStore{incidents: make(map[int64]*Incident)}
}

func (m *mockStore) Get(_ context.Context, id int64) (*Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	inc, ok := m.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *inc
	return &cp, true, nil
}

func (m *mockStore) Put(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	cp := *inc
	m.incidents[inc.ID] = &cp
	return nil
}

func (m *mockStore) List(_ context.Context) ([]*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		cp := *inc
		out = append(out, &cp)
	}
	return out, nil
}

// fakeSOP implements plan.SOPSource with fixture data.
type fakeSOP struct {
	data map[region.Region]*sop.Data
	err  error
}

func (f *fakeSOP) Load(reg region.Region) (*sop.Data, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[reg], nil
}

func (f *fakeSOP) Raw() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "sop document body", nil
}

func americasSOP(depots ...sop.Depot) *fakeSOP {
	return &fakeSOP{data: map[region.Region]*sop.Data{
		region.Americas: {
			Region: region.Americas,
			Contacts: map[string]string{
				sop.ContactEmergencyManager: "+15550100",
				"ops_hotline":               "+15550123456",
			},
			Depots: depots,
		},
	}}
}

var fresnoDepot = sop.Depot{
	Name:        "Fresno DC",
	Phone:       "+15550789",
	Contact:     "Maria Lopez",
	LeadMinutes: 60,
	Region:      "americas",
}

// fakeProvider answers with a canned body, or an error.
type fakeProvider struct {
	mu       sync.Mutex
	err      error
	respond  func(prompt string) string
	lastSeen string
}

func (p *fakeProvider) Query(_ context.Context, _, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = prompt
	if p.err != nil {
		return "", p.err
	}
	return p.respond(prompt), nil
}

// fakeDialer hands out queued calls and reports a scripted terminal status.
type fakeDialer struct {
	mu       sync.Mutex
	startErr error
	final    voice.CallResponse // template; CallID filled per call
	starts   []voice.CallRequest
	removed  []string
	n        int
}

func (d *fakeDialer) Start(_ context.Context, req voice.CallRequest) (voice.CallResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return voice.CallResponse{}, d.startErr
	}
	d.n++
	d.starts = append(d.starts, req)
	return voice.CallResponse{CallID: fmt.Sprintf("call-%d", d.n), Status: voice.StatusQueued}, nil
}

func (d *fakeDialer) Status(_ context.Context, callID string) (voice.CallResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := d.final
	if resp.Status == "" {
		resp.Status = voice.StatusCompleted
	}
	resp.CallID = callID
	return resp, nil
}

func (d *fakeDialer) Remove(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, callID)
}

func (d *fakeDialer) startedCalls() []voice.CallRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]voice.CallRequest(nil), d.starts...)
}

type fixture struct {
	svc    *Service
	store  *mockStore
	dialer *fakeDialer
	bus    *bus.Bus
	sub    *bus.Subscription
}

func newFixture(t *testing.T, sops plan.SOPSource, provider plan.Provider, dialer *fakeDialer, opts Options) *fixture {
	t.Helper()

	b := bus.New(log.Nop())
	t.Cleanup(b.Close)
	sub := b.Subscribe("test", 64)

	if opts.RegenDelay == 0 {
		opts.RegenDelay = 20 * time.Millisecond
	}
	if opts.CallPoll == 0 {
		opts.CallPoll = 2 * time.Millisecond
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 500 * time.Millisecond
	}

	store := newMockStore()
	gen := plan.NewGenerator(sops, provider, log.Nop())
	svc := NewService(store, gen, dialer, b, opts, nil, log.Nop())

	return &fixture{svc: svc, store: store, dialer: dialer, bus: b, sub: sub}
}

// nextEvent reads from the subscription until an event of the wanted type
// arrives, discarding other types.
func nextEvent(t *testing.T, sub *bus.Subscription, want bus.Type) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("bus closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func waitForState(t *testing.T, svc *Service, id int64, want State) *Incident {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inc, ok, _ := svc.Get(context.Background(), id)
		if ok && inc.State == want {
			return inc
		}
		time.Sleep(5 * time.Millisecond)
	}
	inc, _, _ := svc.Get(context.Background(), id)
	t.Fatalf("incident %d never reached %s, last state %+v", id, want, inc)
	return nil
}

func fresnoAlert() *alert.Alert {
	return &alert.Alert{
		ID:               42,
		Temp:             12.3,
		Lat:              36.73,
		Lon:              -119.70,
		MinutesToFailure: 180,
		NextStop:         alert.NextStop{City: "Fresno", ETAMinutes: 45},
		Product:          "mRNA vaccine",
	}
}

func TestSubmit_InvalidAlert(t *testing.T) {
	t.Parallel()

	f := newFixture(t, americasSOP(fresnoDepot), nil, &fakeDialer{}, Options{})

	for name, al := range map[string]*alert.Alert{
		"nil":            nil,
		"zero id":        {MinutesToFailure: 60},
		"no minutes":     {ID: 1},
		"negative level": {ID: 1, MinutesToFailure: -5},
	} {
		if _, err := f.svc.Submit(context.Background(), al); !errors.Is(err, ErrInvalidAlert) {
			t.Errorf("%s: err = %v, want ErrInvalidAlert", name, err)
		}
	}
}

func TestSubmit_DuplicateInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, americasSOP(fresnoDepot), nil, &fakeDialer{}, Options{})
	f.store.incidents[42] = &Incident{ID: 42, State: StateAwaitingApproval}

	_, err := f.svc.Submit(context.Background(), fresnoAlert())
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestSubmit_AllowsResubmitAfterResolution(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	f := newFixture(t, americasSOP(fresnoDepot), nil, dialer, Options{})
	f.store.incidents[42] = &Incident{ID: 42, State: StateResolved}

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit after resolution: %v", err)
	}
	waitForState(t, f.svc, 42, StateAwaitingApproval)
}

// Reasoning collaborator down: the deterministic fallback picks the first
// viable depot and the incident parks awaiting approval.
func TestPipeline_FallbackIceDelivery(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("llm down")}
	dialer := &fakeDialer{}
	f := newFixture(t, americasSOP(fresnoDepot), provider, dialer, Options{})

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := nextEvent(t, f.sub, bus.TypeAlert)
	if got := ev.Payload.(bus.AlertPayload).ID; got != 42 {
		t.Errorf("alert payload id = %d, want 42", got)
	}

	pp := nextEvent(t, f.sub, bus.TypePlanGenerated).Payload.(bus.PlanPayload)
	if pp.Confidence != 0.70 {
		t.Errorf("confidence = %v, want 0.70", pp.Confidence)
	}
	if pp.ContactPhone != "+15550789" {
		t.Errorf("contact_phone = %q, want Fresno DC number", pp.ContactPhone)
	}
	if pp.Depot == nil || pp.Depot.Name != "Fresno DC" {
		t.Errorf("depot = %+v, want Fresno DC", pp.Depot)
	}
	if pp.Depot != nil && pp.Depot.Region != "americas" {
		t.Errorf("depot region = %q, want americas", pp.Depot.Region)
	}

	cq := nextEvent(t, f.sub, bus.TypeVoiceCallQueued).Payload.(bus.CallQueuedPayload)
	if cq.Phone != "+15550789" {
		t.Errorf("approval call phone = %q, want depot number", cq.Phone)
	}

	inc := waitForState(t, f.svc, 42, StateAwaitingApproval)
	if inc.Region != region.Americas {
		t.Errorf("region = %q, want americas", inc.Region)
	}
	if inc.Plan.Strategy != plan.StrategyIceDelivery {
		t.Errorf("strategy = %q, want ice_delivery", inc.Plan.Strategy)
	}
	if inc.Round != 1 {
		t.Errorf("round = %d, want 1", inc.Round)
	}
}

// No depot can deliver in time: the escalation plan goes straight to the
// emergency manager, bypassing approval.
func TestPipeline_EscalationNoViableDepot(t *testing.T) {
	t.Parallel()

	slow := fresnoDepot
	slow.LeadMinutes = 50

	provider := &fakeProvider{err: errors.New("llm down")}
	dialer := &fakeDialer{}
	f := newFixture(t, americasSOP(slow), provider, dialer, Options{})

	al := fresnoAlert()
	al.MinutesToFailure = 40
	if _, err := f.svc.Submit(context.Background(), al); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	pp := nextEvent(t, f.sub, bus.TypePlanGenerated).Payload.(bus.PlanPayload)
	if pp.Confidence != 0.60 {
		t.Errorf("confidence = %v, want 0.60", pp.Confidence)
	}
	if pp.ContactPhone != "+15550100" {
		t.Errorf("contact_phone = %q, want emergency manager", pp.ContactPhone)
	}

	inc := waitForState(t, f.svc, 42, StateEscalated)
	if inc.Validation == nil || inc.Validation.Applicable {
		t.Errorf("validation = %+v, want not applicable", inc.Validation)
	}

	cq := nextEvent(t, f.sub, bus.TypeVoiceCallQueued).Payload.(bus.CallQueuedPayload)
	if cq.Phone != "+15550100" {
		t.Errorf("emergency call phone = %q, want emergency manager", cq.Phone)
	}
}

// A depot plan that misses the 15-minute buffer escalates to the operations
// hotline rather than the depot.
func TestPipeline_ValidationFailureEscalates(t *testing.T) {
	t.Parallel()

	slow := fresnoDepot
	slow.Name = "Slow Depot"
	slow.LeadMinutes = 170

	provider := &fakeProvider{respond: func(string) string {
		return `{"plan": ["Order ice from Slow Depot", "Monitor"], "confidence": 0.9, "reasoning": "r"}`
	}}
	dialer := &fakeDialer{}
	f := newFixture(t, americasSOP(slow), provider, dialer, Options{OpsHotline: "+15550123456"})

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	inc := waitForState(t, f.svc, 42, StateEscalated)
	if inc.Validation == nil || inc.Validation.Valid || !inc.Validation.Applicable {
		t.Fatalf("validation = %+v, want applicable and invalid", inc.Validation)
	}
	if !strings.Contains(inc.Validation.Reason, "15min buffer") {
		t.Errorf("reason = %q, want mention of 15min buffer", inc.Validation.Reason)
	}

	cq := nextEvent(t, f.sub, bus.TypeVoiceCallQueued).Payload.(bus.CallQueuedPayload)
	if cq.Phone != "+15550123456" {
		t.Errorf("emergency call phone = %q, want ops hotline", cq.Phone)
	}
}

// Approval resolves the incident: exactly one plan_executed with
// outcome=success and one resolved with a positive cost_avoided.
func TestPipeline_ApprovalResolves(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("llm down")}
	dialer := &fakeDialer{final: voice.CallResponse{Status: voice.StatusCompleted}}
	f := newFixture(t, americasSOP(fresnoDepot), provider, dialer, Options{})

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, f.svc, 42, StateAwaitingApproval)

	got, err := f.svc.Approve(context.Background(), Signal{ID: 42, Approved: true})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.State != StateResolved {
		t.Errorf("state after approval = %q, want resolved", got.State)
	}
	if got.CostAvoided <= 0 {
		t.Errorf("cost_avoided = %d, want positive", got.CostAvoided)
	}

	ap := nextEvent(t, f.sub, bus.TypeApprovalReceived).Payload.(bus.ApprovalPayload)
	if !ap.Approved {
		t.Error("approval payload not approved")
	}
	if ap.Timestamp.IsZero() {
		t.Error("approval payload missing timestamp")
	}

	ex := nextEvent(t, f.sub, bus.TypePlanExecuted).Payload.(bus.ExecutionPayload)
	if ex.Outcome != "success" {
		t.Errorf("outcome = %q, want success", ex.Outcome)
	}

	res := nextEvent(t, f.sub, bus.TypeResolved).Payload.(bus.ResolutionPayload)
	if res.CostAvoided != got.CostAvoided {
		t.Errorf("resolved cost = %d, want %d", res.CostAvoided, got.CostAvoided)
	}

	// The dialer's call record is released on settlement.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dialer.mu.Lock()
		n := len(dialer.removed)
		dialer.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected the call record to be removed")
}

// Rejection relays feedback to the operations hotline and regenerates a
// distinct plan for the next round.
func TestPipeline_RejectionRegenerates(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(prompt string) string {
		if strings.Contains(prompt, "Previous plan rejected") {
			return `{"plan": ["Order ice from Fresno DC via alternate route", "Confirm with Maria Lopez"], "confidence": 0.8, "reasoning": "revised"}`
		}
		return `{"plan": ["Order ice from Fresno DC", "Monitor temperature"], "confidence": 0.9, "reasoning": "initial"}`
	}}
	dialer := &fakeDialer{}
	f := newFixture(t, americasSOP(fresnoDepot), provider, dialer, Options{OpsHotline: "+15550123456"})

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	first := nextEvent(t, f.sub, bus.TypePlanGenerated).Payload.(bus.PlanPayload)
	waitForState(t, f.svc, 42, StateAwaitingApproval)

	if _, err := f.svc.Approve(context.Background(), Signal{ID: 42, Approved: false, Feedback: "depot unavailable"}); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// The hotline hears about the rejection before the new round starts.
	var sawHotline bool
	deadline := time.After(2 * time.Second)
	for !sawHotline {
		select {
		case ev := <-f.sub.Events():
			if ev.Type == bus.TypeVoiceCallQueued {
				cq := ev.Payload.(bus.CallQueuedPayload)
				if cq.Phone == "+15550123456" && strings.Contains(cq.Message, "depot unavailable") {
					sawHotline = true
				}
			}
		case <-deadline:
			t.Fatal("no hotline call observed after rejection")
		}
	}

	second := nextEvent(t, f.sub, bus.TypePlanGenerated).Payload.(bus.PlanPayload)
	if strings.Join(second.Plan, "\n") == strings.Join(first.Plan, "\n") {
		t.Error("regenerated plan text matches the rejected plan")
	}
	if second.ContactPhone == "" {
		t.Error("regenerated plan has no contact phone")
	}

	inc := waitForState(t, f.svc, 42, StateAwaitingApproval)
	if inc.Round != 2 {
		t.Errorf("round = %d, want 2", inc.Round)
	}
}

// Once the round budget is spent, another rejection escalates instead of
// looping forever.
func TestPipeline_RegenBudgetEscalates(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("llm down")}
	dialer := &fakeDialer{}
	f := newFixture(t, americasSOP(fresnoDepot), provider, dialer, Options{MaxRegenRounds: 1})

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, f.svc, 42, StateAwaitingApproval)

	if _, err := f.svc.Approve(context.Background(), Signal{ID: 42, Approved: false, Feedback: "no"}); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	inc := waitForState(t, f.svc, 42, StateEscalated)
	if inc.Round != 1 {
		t.Errorf("round = %d, want 1 (no new round after budget)", inc.Round)
	}
}

func TestSubmit_StoreError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, americasSOP(fresnoDepot), nil, &fakeDialer{}, Options{})
	f.store.getErr = errors.New("db down")

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err == nil {
		t.Fatal("expected error from store")
	}

	f.store.getErr = nil
	f.store.putErr = errors.New("db down")
	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err == nil {
		t.Fatal("expected error from store put")
	}
}

func TestApprove_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, americasSOP(fresnoDepot), nil, &fakeDialer{}, Options{})

	if _, err := f.svc.Approve(context.Background(), Signal{ID: 7, Approved: true}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	f.store.incidents[8] = &Incident{ID: 8, State: StateResolved}
	if _, err := f.svc.Approve(context.Background(), Signal{ID: 8, Approved: true}); !errors.Is(err, ErrNotAwaiting) {
		t.Errorf("err = %v, want ErrNotAwaiting", err)
	}
}

func TestPipeline_SOPUnavailableFails(t *testing.T) {
	t.Parallel()

	sops := &fakeSOP{err: fmt.Errorf("document missing: %w", sop.ErrUnavailable)}
	f := newFixture(t, sops, nil, &fakeDialer{}, Options{})

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	inc := waitForState(t, f.svc, 42, StateFailed)
	if inc.FailReason == "" {
		t.Error("expected a failure reason")
	}
}

// An approval call that cannot even be placed hands the incident to a human.
func TestPipeline_UnreachableContactEscalates(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("llm down")}
	dialer := &fakeDialer{startErr: errors.New("telephony down")}
	f := newFixture(t, americasSOP(fresnoDepot), provider, dialer, Options{})

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForState(t, f.svc, 42, StateEscalated)
}

// A call transcript carrying an approval drives the incident to resolution
// without an explicit dashboard signal.
func TestPipeline_ApprovalFromTranscript(t *testing.T) {
	t.Parallel()

	approved := true
	provider := &fakeProvider{err: errors.New("llm down")}
	dialer := &fakeDialer{final: voice.CallResponse{
		Status:     voice.StatusCompleted,
		Transcript: "Contact: approved",
		Approved:   &approved,
	}}
	f := newFixture(t, americasSOP(fresnoDepot), provider, dialer, Options{})

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	inc := waitForState(t, f.svc, 42, StateResolved)
	if inc.CostAvoided <= 0 {
		t.Errorf("cost_avoided = %d, want positive", inc.CostAvoided)
	}
	nextEvent(t, f.sub, bus.TypeResolved)
}

// Stale rejection: a signal for a superseded round is discarded.
func TestApply_StaleRoundIgnored(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("llm down")}
	dialer := &fakeDialer{}
	f := newFixture(t, americasSOP(fresnoDepot), provider, dialer, Options{})

	if _, err := f.svc.Submit(context.Background(), fresnoAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, f.svc, 42, StateAwaitingApproval)

	// Apply with an old round number directly; the state must not move.
	f.svc.apply(context.Background(), Signal{ID: 42, Approved: true}, 0)

	inc, _, _ := f.svc.Get(context.Background(), 42)
	if inc.State != StateAwaitingApproval {
		t.Errorf("state = %q, stale signal must not advance the incident", inc.State)
	}
}

func TestOptions_Defaults(t *testing.T) {
	t.Parallel()

	o := Options{}.withDefaults()
	if o.RegenDelay != 5*time.Second {
		t.Errorf("RegenDelay = %v, want 5s", o.RegenDelay)
	}
	if o.MaxRegenRounds != 3 {
		t.Errorf("MaxRegenRounds = %d, want 3", o.MaxRegenRounds)
	}
	if o.OpsHotline != "+15550123456" {
		t.Errorf("OpsHotline = %q", o.OpsHotline)
	}
	for range 10 {
		cost := o.CostAvoided()
		if cost < 50_000 || cost >= 150_000 {
			t.Fatalf("CostAvoided() = %d, want [50000,150000)", cost)
		}
	}
}
