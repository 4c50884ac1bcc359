package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/coldwatch/internal/alert"
	"github.com/linnemanlabs/coldwatch/internal/incident"
	"github.com/linnemanlabs/coldwatch/internal/incident/pgstore"
	"github.com/linnemanlabs/coldwatch/internal/plan"
	"github.com/linnemanlabs/coldwatch/internal/postgres"
	"github.com/linnemanlabs/coldwatch/internal/region"
	"github.com/linnemanlabs/coldwatch/internal/sop"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("COLDWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("COLDWATCH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	approved := true
	inc := &incident.Incident{
		ID:     9001,
		State:  incident.StateResolved,
		Region: region.Americas,
		Alert: alert.Alert{
			ID:               9001,
			Temp:             12.3,
			Lat:              36.73,
			Lon:              -119.70,
			MinutesToFailure: 180,
			NextStop:         alert.NextStop{City: "Fresno", ETAMinutes: 45},
			Product:          "mRNA vaccine",
		},
		Plan: &plan.Plan{
			Steps:        []string{"Contact Fresno DC", "Order 5kg dry ice"},
			Depot:        &sop.Depot{Name: "Fresno DC", Phone: "+15550789", LeadMinutes: 60},
			ContactPhone: "+15550789",
			Confidence:   0.70,
			Strategy:     plan.StrategyIceDelivery,
			Region:       region.Americas,
		},
		Validation:  &plan.Result{Valid: true, Applicable: true},
		Round:       2,
		CallID:      "call-abc",
		Approved:    &approved,
		Feedback:    "go ahead",
		CostAvoided: 87_500,
		CreatedAt:   now.Add(-time.Minute),
		UpdatedAt:   now,
		ResolvedAt:  now,
	}

	if err := s.Put(ctx, inc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	if got.State != incident.StateResolved {
		t.Errorf("State = %q, want resolved", got.State)
	}
	if got.Region != region.Americas {
		t.Errorf("Region = %q, want americas", got.Region)
	}
	if got.Alert.Temp != 12.3 || got.Alert.NextStop.City != "Fresno" {
		t.Errorf("Alert round-trip mismatch: %+v", got.Alert)
	}
	if got.Plan == nil || got.Plan.Depot == nil || got.Plan.Depot.Name != "Fresno DC" {
		t.Errorf("Plan round-trip mismatch: %+v", got.Plan)
	}
	if got.Validation == nil || !got.Validation.Valid {
		t.Errorf("Validation round-trip mismatch: %+v", got.Validation)
	}
	if got.Round != 2 || got.CallID != "call-abc" {
		t.Errorf("Round/CallID = %d/%q, want 2/call-abc", got.Round, got.CallID)
	}
	if got.Approved == nil || !*got.Approved {
		t.Error("Approved round-trip mismatch")
	}
	if got.CostAvoided != 87_500 {
		t.Errorf("CostAvoided = %d, want 87500", got.CostAvoided)
	}
	if got.ResolvedAt.IsZero() {
		t.Error("ResolvedAt should survive the round trip")
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), 123456789)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for nonexistent id")
	}
}

func TestPutUpsertsOnConflict(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	inc := &incident.Incident{
		ID:        9002,
		State:     incident.StateDetected,
		Alert:     alert.Alert{ID: 9002, MinutesToFailure: 60},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Put(ctx, inc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	inc.State = incident.StateEscalated
	inc.Round = 1
	inc.UpdatedAt = now.Add(time.Second)
	if err := s.Put(ctx, inc); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	got, ok, err := s.Get(ctx, inc.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.State != incident.StateEscalated {
		t.Errorf("State = %q, want escalated", got.State)
	}
	if got.Round != 1 {
		t.Errorf("Round = %d, want 1", got.Round)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	for i, offset := range []time.Duration{-2 * time.Hour, -time.Hour, 0} {
		inc := &incident.Incident{
			ID:        9100 + int64(i),
			State:     incident.StateDetected,
			Alert:     alert.Alert{ID: 9100 + int64(i), MinutesToFailure: 60},
			CreatedAt: now.Add(offset),
			UpdatedAt: now.Add(offset),
		}
		if err := s.Put(ctx, inc); err != nil {
			t.Fatalf("Put %d: %v", inc.ID, err)
		}
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	var prev time.Time
	for _, inc := range got {
		if !prev.IsZero() && inc.CreatedAt.After(prev) {
			t.Fatalf("List not ordered newest first at id %d", inc.ID)
		}
		prev = inc.CreatedAt
	}
}
