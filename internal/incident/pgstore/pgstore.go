// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/coldwatch/internal/incident"
	"github.com/linnemanlabs/coldwatch/internal/region"
)

var tracer = otel.Tracer("github.com/linnemanlabs/coldwatch/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store on the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const incidentColumns = `id, state, region, alert, plan, validation, round, call_id,
	approved, feedback, cost_avoided, fail_reason, created_at, updated_at, resolved_at`

// Get retrieves an incident by alert id.
func (s *Store) Get(ctx context.Context, id int64) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := scanIncidentRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// Put inserts or updates an incident.
func (s *Store) Put(ctx context.Context, inc *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	alertJSON, err := json.Marshal(inc.Alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	var planJSON, validationJSON []byte
	if inc.Plan != nil {
		if planJSON, err = json.Marshal(inc.Plan); err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
	}
	if inc.Validation != nil {
		if validationJSON, err = json.Marshal(inc.Validation); err != nil {
			return fmt.Errorf("marshal validation: %w", err)
		}
	}

	var resolvedAt *time.Time
	if !inc.ResolvedAt.IsZero() {
		resolvedAt = &inc.ResolvedAt
	}

	query := `INSERT INTO incidents (
		id, state, region, alert, plan, validation, round, call_id,
		approved, feedback, cost_avoided, fail_reason, created_at, updated_at, resolved_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (id) DO UPDATE SET
		state        = EXCLUDED.state,
		region       = EXCLUDED.region,
		alert        = EXCLUDED.alert,
		plan         = EXCLUDED.plan,
		validation   = EXCLUDED.validation,
		round        = EXCLUDED.round,
		call_id      = EXCLUDED.call_id,
		approved     = EXCLUDED.approved,
		feedback     = EXCLUDED.feedback,
		cost_avoided = EXCLUDED.cost_avoided,
		fail_reason  = EXCLUDED.fail_reason,
		created_at   = EXCLUDED.created_at,
		updated_at   = EXCLUDED.updated_at,
		resolved_at  = EXCLUDED.resolved_at`

	_, err = s.pool.Exec(ctx, query,
		inc.ID, string(inc.State), string(inc.Region), alertJSON, planJSON, validationJSON,
		inc.Round, inc.CallID, inc.Approved, inc.Feedback, inc.CostAvoided, inc.FailReason,
		inc.CreatedAt, inc.UpdatedAt, resolvedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert incident: %w", err)
	}
	return nil
}

// List returns all incidents, newest first.
func (s *Store) List(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncidentRow(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}

// scanIncidentRow scans a single row into an incident.Incident.
// Returns (nil, nil) when no row is found.
func scanIncidentRow(row pgx.Row) (*incident.Incident, error) {
	var (
		inc            incident.Incident
		state, reg     string
		alertJSON      []byte
		planJSON       []byte
		validationJSON []byte
		resolvedAt     *time.Time
	)

	err := row.Scan(
		&inc.ID, &state, &reg, &alertJSON, &planJSON, &validationJSON,
		&inc.Round, &inc.CallID, &inc.Approved, &inc.Feedback, &inc.CostAvoided,
		&inc.FailReason, &inc.CreatedAt, &inc.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inc.State = incident.State(state)
	inc.Region = region.Region(reg)

	if err := json.Unmarshal(alertJSON, &inc.Alert); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	if len(planJSON) > 0 {
		if err := json.Unmarshal(planJSON, &inc.Plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
	}
	if len(validationJSON) > 0 {
		if err := json.Unmarshal(validationJSON, &inc.Validation); err != nil {
			return nil, fmt.Errorf("unmarshal validation: %w", err)
		}
	}
	if resolvedAt != nil {
		inc.ResolvedAt = *resolvedAt
	}

	return &inc, nil
}
