// Package httpapi exposes the lookup engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/domain"
)

// Engine is the part of lookup.Lookup the API serves.
type Engine interface {
	BlockForActor(ctx context.Context, actor domain.Actor, directAddress string) (domain.Resolution, error)
	BlockForTarget(ctx context.Context, target string, flags domain.LookupFlags, consistency domain.ReadConsistency) (domain.Resolution, error)
	EffectiveBlockID(ctx context.Context, target string, consistency domain.ReadConsistency) (int64, error)
	UserBlockErrors(ctx context.Context, actor domain.Actor, directAddress string) ([]domain.ErrorPayload, error)
}

type Options struct {
	Lookup Engine
	// JWTSecret verifies HS256 bearer tokens; empty treats every caller as anonymous.
	JWTSecret string
	// CacheSize is the per-request lookup cache capacity.
	CacheSize int
	// Gatherer backs /metrics; nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
	Logger   log.Logger
}

type api struct {
	lookup Engine
	secret []byte
	logger log.Logger
}

// NewHandler builds the API routes.
func NewHandler(opts Options) http.Handler {
	a := &api{lookup: opts.Lookup, secret: []byte(opts.JWTSecret), logger: opts.Logger}
	if a.logger == nil {
		a.logger = log.NewNoopLogger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /v1/actor", a.handleActor)
	mux.HandleFunc("GET /v1/actor/errors", a.handleActorErrors)
	mux.HandleFunc("GET /v1/target", a.handleTarget)
	mux.HandleFunc("GET /v1/id", a.handleID)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return withLookupContext(mux, opts.CacheSize, a.logger)
}

// ResolutionResponse is the JSON rendering of a resolution.
type ResolutionResponse struct {
	Blocked                 bool                 `json:"blocked"`
	ID                      int64                `json:"id,omitempty"`
	Attempt                 string               `json:"attempt,omitempty"`
	Address                 string               `json:"address,omitempty"`
	Target                  string               `json:"target,omitempty"`
	Kind                    string               `json:"kind,omitempty"`
	Reason                  string               `json:"reason,omitempty"`
	Blocker                 string               `json:"blocker,omitempty"`
	Expiry                  string               `json:"expiry,omitempty"`
	AnonymousOnly           bool                 `json:"anonymous_only,omitempty"`
	DisablesAccountCreation bool                 `json:"disables_account_creation,omitempty"`
	Error                   *domain.ErrorPayload `json:"error,omitempty"`
}

// NewResolutionResponse flattens res for output.
func NewResolutionResponse(res domain.Resolution) ResolutionResponse {
	if !res.IsBlocked() {
		return ResolutionResponse{}
	}
	rec := res.Block
	expiry := "infinite"
	if !rec.IsIndefinite() {
		expiry = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	payload := res.ErrorPayload
	return ResolutionResponse{
		Blocked:                 true,
		ID:                      rec.ID,
		Attempt:                 res.Attempt.String(),
		Address:                 res.Address,
		Target:                  rec.Target,
		Kind:                    rec.Kind().String(),
		Reason:                  rec.Reason,
		Blocker:                 res.BlockerName,
		Expiry:                  expiry,
		AnonymousOnly:           rec.AnonymousOnly,
		DisablesAccountCreation: rec.DisablesAccountCreation,
		Error:                   &payload,
	}
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleActor(w http.ResponseWriter, r *http.Request) {
	direct := metadataFrom(r).direct
	actor, err := actorFrom(r, a.secret, direct)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.lookup.BlockForActor(r.Context(), actor, direct)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewResolutionResponse(res))
}

func (a *api) handleActorErrors(w http.ResponseWriter, r *http.Request) {
	direct := metadataFrom(r).direct
	actor, err := actorFrom(r, a.secret, direct)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	payloads, err := a.lookup.UserBlockErrors(r.Context(), actor, direct)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": payloads})
}

func (a *api) handleTarget(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flags, err := domain.ParseLookupFlags(q.Get("flags"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	consistency, err := domain.ParseReadConsistency(q.Get("consistency"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	res, err := a.lookup.BlockForTarget(r.Context(), q.Get("target"), flags, consistency)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewResolutionResponse(res))
}

func (a *api) handleID(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	consistency, err := domain.ParseReadConsistency(q.Get("consistency"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	id, err := a.lookup.EffectiveBlockID(r.Context(), q.Get("target"), consistency)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

// writeError maps lookup failures to status codes. Store failures are
// logged; they are never reported as "not blocked".
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error(log.TraceFields(r.Context(), map[string]any{
			"path":   r.URL.Path,
			"status": status,
			"error":  err,
		}), "lookup_failed")
	}
	writeJSON(w, status, errorBody(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": strings.TrimSpace(err.Error())}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
