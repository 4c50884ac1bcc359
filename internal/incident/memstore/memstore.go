// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/coldwatch/internal/incident"
)

// Store holds incidents in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	incidents map[int64]*incident.Incident
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[int64]*incident.Incident),
	}
}

// Get retrieves an incident by alert id. Returns a copy.
func (s *Store) Get(_ context.Context, id int64) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := copyIncident(inc)
	return cp, true, nil
}

// Put stores a copy of the incident.
func (s *Store) Put(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = copyIncident(inc)
	return nil
}

// List returns copies of all incidents, newest first.
func (s *Store) List(_ context.Context) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, copyIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// copyIncident deep-copies the pointer fields so callers cannot reach the
// stored record through a returned copy.
func copyIncident(inc *incident.Incident) *incident.Incident {
	cp := *inc
	if inc.Plan != nil {
		p := *inc.Plan
		if inc.Plan.Depot != nil {
			d := *inc.Plan.Depot
			p.Depot = &d
		}
		if inc.Plan.Facility != nil {
			f := *inc.Plan.Facility
			p.Facility = &f
		}
		p.Steps = append([]string(nil), inc.Plan.Steps...)
		cp.Plan = &p
	}
	if inc.Validation != nil {
		v := *inc.Validation
		cp.Validation = &v
	}
	if inc.Approved != nil {
		a := *inc.Approved
		cp.Approved = &a
	}
	return &cp
}
