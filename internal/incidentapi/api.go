// Package incidentapi exposes the incident pipeline over HTTP: alert
// ingestion, approval signals, incident reads, and the SSE event stream.
package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/coldwatch/internal/alert"
	"github.com/linnemanlabs/coldwatch/internal/incident"
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	Submit(ctx context.Context, al *alert.Alert) (*incident.Incident, error)
	Approve(ctx context.Context, sig incident.Signal) (*incident.Incident, error)
	Get(ctx context.Context, id int64) (*incident.Incident, bool, error)
	List(ctx context.Context) ([]*incident.Incident, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
	stream http.Handler

	// approvalAuth guards the approval endpoint when set.
	approvalAuth func(http.Handler) http.Handler
}

// New creates a new API handler. stream serves GET /api/v1/events;
// approvalAuth may be nil to leave approvals open (dev setups).
func New(logger log.Logger, svc IncidentService, stream http.Handler, approvalAuth func(http.Handler) http.Handler) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger:       logger,
		svc:          svc,
		stream:       stream,
		approvalAuth: approvalAuth,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		if a.stream != nil {
			r.Get("/events", a.stream.ServeHTTP)
		}

		if a.approvalAuth != nil {
			r.Group(func(r chi.Router) {
				r.Use(a.approvalAuth)
				r.Put("/approvals", a.handleApproval)
			})
		} else {
			r.Put("/approvals", a.handleApproval)
		}
	})
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var al alert.Alert
	if err := json.NewDecoder(r.Body).Decode(&al); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int64("coldwatch.alert.id", al.ID))

	inc, err := a.svc.Submit(r.Context(), &al)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to submit alert")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(inc)
}

func (a *API) handleApproval(w http.ResponseWriter, r *http.Request) {
	var sig incident.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int64("coldwatch.incident.id", sig.ID),
		attribute.Bool("coldwatch.approval.approved", sig.Approved),
	)

	inc, err := a.svc.Approve(r.Context(), sig)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to apply approval")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inc)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"invalid incident id"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int64("coldwatch.incident.id", id))

	inc, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("coldwatch.incident.state", string(inc.State)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inc)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incs, err := a.svc.List(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"incidents": incs})
}

// writeServiceError maps service sentinels onto HTTP statuses. Anything
// unrecognized is an internal error; the structured message, never a stack,
// is what the caller sees.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, incident.ErrInvalidAlert):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, incident.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, incident.ErrNotAwaiting):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
