package incident

import "context"

// Store is the persistence interface for incidents.
type Store interface {
	Get(ctx context.Context, id int64) (*Incident, bool, error)
	Put(ctx context.Context, inc *Incident) error
	List(ctx context.Context) ([]*Incident, error)
}
