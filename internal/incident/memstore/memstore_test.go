package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/coldwatch/internal/incident"
	"github.com/linnemanlabs/coldwatch/internal/plan"
	"github.com/linnemanlabs/coldwatch/internal/sop"
)

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc := &incident.Incident{ID: 42, State: incident.StateDetected, Round: 1}
	if err := s.Put(ctx, inc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected incident to be found")
	}
	if got.ID != 42 {
		t.Errorf("ID = %d, want 42", got.ID)
	}
	if got.State != incident.StateDetected {
		t.Errorf("State = %q, want detected", got.State)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), 999)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing id")
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, &incident.Incident{ID: 7, State: incident.StateDetected})
	_ = s.Put(ctx, &incident.Incident{ID: 7, State: incident.StateResolved, CostAvoided: 60_000})

	got, ok, err := s.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected incident to be found")
	}
	if got.State != incident.StateResolved {
		t.Errorf("State = %q, want resolved", got.State)
	}
	if got.CostAvoided != 60_000 {
		t.Errorf("CostAvoided = %d, want 60000", got.CostAvoided)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, &incident.Incident{
		ID:    1,
		State: incident.StatePlanGenerated,
		Plan: &plan.Plan{
			Steps: []string{"step one"},
			Depot: &sop.Depot{Name: "Fresno DC", LeadMinutes: 60},
		},
	})

	got, _, _ := s.Get(ctx, 1)
	got.State = incident.StateFailed
	got.Plan.Steps[0] = "tampered"
	got.Plan.Depot.Name = "tampered"

	again, _, _ := s.Get(ctx, 1)
	if again.State != incident.StatePlanGenerated {
		t.Errorf("State = %q, stored record was mutated through a copy", again.State)
	}
	if again.Plan.Steps[0] != "step one" {
		t.Errorf("Steps[0] = %q, stored plan was mutated through a copy", again.Plan.Steps[0])
	}
	if again.Plan.Depot.Name != "Fresno DC" {
		t.Errorf("Depot.Name = %q, stored depot was mutated through a copy", again.Plan.Depot.Name)
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now().UTC()
	_ = s.Put(ctx, &incident.Incident{ID: 1, CreatedAt: base})
	_ = s.Put(ctx, &incident.Incident{ID: 2, CreatedAt: base.Add(time.Minute)})
	_ = s.Put(ctx, &incident.Incident{ID: 3, CreatedAt: base.Add(2 * time.Minute)})

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []int64{3, 2, 1} {
		if got[i].ID != want {
			t.Errorf("List[%d].ID = %d, want %d", i, got[i].ID, want)
		}
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := int64(i)

		go func() {
			defer wg.Done()
			_ = s.Put(ctx, &incident.Incident{ID: id, State: incident.StateDetected})
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.Get(ctx, id)
			_, _ = s.List(ctx)
		}()
	}

	wg.Wait()
}
