package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/synaptic-labs/neuron/pkg/audit"
	"github.com/synaptic-labs/neuron/pkg/config"
	"github.com/synaptic-labs/neuron/pkg/npi"
	"github.com/synaptic-labs/neuron/pkg/relationship"
	"github.com/synaptic-labs/neuron/pkg/termination"
)

// ProviderSnapshot is one provider as shown to administrators.
type ProviderSnapshot struct {
	NPI            string `json:"npi"`
	DisplayName    string `json:"display_name"`
	AxonProviderID string `json:"axon_provider_id,omitempty"`
}

// OrganizationSnapshot is the admin view of this neuron's identity.
type OrganizationSnapshot struct {
	NPI        string             `json:"npi"`
	Name       string             `json:"name"`
	Type       string             `json:"type"`
	AxonStatus string             `json:"axon_status"`
	Providers  []ProviderSnapshot `json:"providers"`
}

// StatusSnapshot is the admin view of the running service.
type StatusSnapshot struct {
	Status         string               `json:"status"`
	UptimeSeconds  int64                `json:"uptime_seconds"`
	Organization   OrganizationSnapshot `json:"organization"`
	Axon           AxonSnapshot         `json:"axon"`
	ActiveSessions int                  `json:"active_sessions"`
	Providers      []ProviderSnapshot   `json:"providers"`
}

// AxonSnapshot summarizes the directory link.
type AxonSnapshot struct {
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
}

// Backend is the service surface the REST API exposes. The neuron service
// implements it; tests substitute stubs.
type Backend interface {
	Organization(ctx context.Context) (*OrganizationSnapshot, error)
	Status(ctx context.Context) (*StatusSnapshot, error)
	ListRelationships(ctx context.Context, f relationship.Filter) ([]*relationship.Relationship, error)
	GetRelationship(ctx context.Context, id string) (*relationship.Relationship, error)
	VerifyAudit(ctx context.Context) (*audit.Result, error)
	AddProvider(ctx context.Context, providerNPI, displayName string) error
	RemoveProvider(ctx context.Context, providerNPI string) error
	TerminateRelationship(ctx context.Context, id, providerNPI, reason string) (*relationship.TerminationRecord, error)
}

// New assembles the admin API handler with its middleware chain. Mutating
// routes sit behind bearer auth; reads are open to the local network.
func New(cfg config.APIConfig, backend Backend) http.Handler {
	h := &handler{backend: backend}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/organization", h.organization)
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/relationships", h.listRelationships)
	mux.HandleFunc("GET /api/v1/relationships/{id}", h.getRelationship)
	mux.HandleFunc("POST /api/v1/audit/verify", h.verifyAudit)

	authed := BearerAuth(cfg.AuthToken)
	mux.Handle("POST /api/v1/providers", authed(http.HandlerFunc(h.addProvider)))
	mux.Handle("DELETE /api/v1/providers/{npi}", authed(http.HandlerFunc(h.removeProvider)))
	mux.Handle("POST /api/v1/relationships/{id}/terminate", authed(http.HandlerFunc(h.terminate)))

	limiter := NewRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowMs)
	return Chain(mux, RequestID, CORS(cfg.CORS.AllowedOrigins), limiter.Middleware)
}

type handler struct {
	backend Backend
}

func (h *handler) organization(w http.ResponseWriter, r *http.Request) {
	snap, err := h.backend.Organization(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.backend.Status(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) listRelationships(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := relationship.Filter{
		ProviderNPI: q.Get("provider_npi"),
	}
	if status := q.Get("status"); status != "" {
		f.Status = relationship.Status(status)
		if !relationship.ValidStatus(f.Status) {
			WriteBadRequest(w, "unknown status "+status)
			return
		}
	}
	var err error
	if f.Offset, err = queryInt(q.Get("offset"), 0); err != nil {
		WriteBadRequest(w, "offset must be a non-negative integer")
		return
	}
	if f.Limit, err = queryInt(q.Get("limit"), 50); err != nil {
		WriteBadRequest(w, "limit must be a non-negative integer")
		return
	}

	recs, err := h.backend.ListRelationships(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if recs == nil {
		recs = []*relationship.Relationship{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relationships": recs,
		"offset":        f.Offset,
		"limit":         f.Limit,
	})
}

func (h *handler) getRelationship(w http.ResponseWriter, r *http.Request) {
	rec, err := h.backend.GetRelationship(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, relationship.ErrNotFound) {
			WriteNotFound(w, "no such relationship")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) verifyAudit(w http.ResponseWriter, r *http.Request) {
	result, err := h.backend.VerifyAudit(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type addProviderRequest struct {
	NPI         string `json:"npi"`
	DisplayName string `json:"display_name"`
}

func (h *handler) addProvider(w http.ResponseWriter, r *http.Request) {
	var req addProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}
	if !npi.Valid(req.NPI) {
		WriteBadRequest(w, "npi fails CMS Luhn validation")
		return
	}
	if err := h.backend.AddProvider(r.Context(), req.NPI, req.DisplayName); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"npi": req.NPI})
}

func (h *handler) removeProvider(w http.ResponseWriter, r *http.Request) {
	providerNPI := r.PathValue("npi")
	if !npi.Valid(providerNPI) {
		WriteBadRequest(w, "npi fails CMS Luhn validation")
		return
	}
	if err := h.backend.RemoveProvider(r.Context(), providerNPI); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type terminateRequest struct {
	ProviderNPI string `json:"provider_npi"`
	Reason      string `json:"reason"`
}

func (h *handler) terminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}

	record, err := h.backend.TerminateRelationship(r.Context(), r.PathValue("id"), req.ProviderNPI, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, relationship.ErrNotFound):
			WriteNotFound(w, "no such relationship")
		case errors.Is(err, termination.ErrWrongProvider):
			WriteForbidden(w, "relationship belongs to a different provider")
		case errors.Is(err, relationship.ErrAlreadyTerminated):
			WriteConflict(w, "relationship is already terminated")
		case errors.Is(err, relationship.ErrInvalidRecord):
			WriteBadRequest(w, "relationship_id and provider_npi are required")
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
