package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/project-kessel/dirfed/internal/claims"
	"github.com/project-kessel/dirfed/internal/directory"
	"github.com/project-kessel/dirfed/internal/service"
)

// ErrInvalidRequest marks a resolve request that was rejected before federation
var ErrInvalidRequest = errors.New("invalid request")

// maxRequestBytes bounds the resolve request body
const maxRequestBytes = 64 << 10

// ResolveRequest is the body of POST /v1/resolve
type ResolveRequest struct {
	Input      string `json:"input"`
	ExactMatch bool   `json:"exact_match"`

	// Operation is search (default), validate or augment
	Operation string `json:"operation,omitempty"`

	// EntityTypes restricts the search to users or groups; empty means both
	EntityTypes []string `json:"entity_types,omitempty"`

	// Tenants restricts the search to these tenant ids; empty means all
	Tenants []string `json:"tenants,omitempty"`
}

// ResolveResponse is the merged result of a resolve request
type ResolveResponse struct {
	RequestID string             `json:"request_id" yaml:"request_id"`
	Entities  []EntityResult     `json:"entities" yaml:"entities"`
	Tenants   []TenantDiagnostic `json:"tenants" yaml:"tenants"`
}

// EntityResult is one entity with the claim it is selected by
type EntityResult struct {
	Kind       directory.EntityKind `json:"kind" yaml:"kind"`
	ID         string               `json:"id" yaml:"id"`
	TenantID   string               `json:"tenant_id" yaml:"tenant_id"`
	Claim      *claims.Claim        `json:"claim,omitempty" yaml:"claim,omitempty"`
	Properties map[string]any       `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Tenant outcome statuses
const (
	TenantStatusSucceeded = "succeeded"
	TenantStatusSkipped   = "skipped"
	TenantStatusFailed    = "failed"
)

// TenantDiagnostic reports how one tenant settled.
// Remote error text is never exposed, only its class.
type TenantDiagnostic struct {
	ID         string             `json:"id" yaml:"id"`
	Name       string             `json:"name" yaml:"name"`
	Status     string             `json:"status" yaml:"status"`
	ErrorClass service.ErrorClass `json:"error_class,omitempty" yaml:"error_class,omitempty"`
	Entities   int                `json:"entities" yaml:"entities"`
	Attempts   int                `json:"attempts" yaml:"attempts"`
	ElapsedMS  int64              `json:"elapsed_ms" yaml:"elapsed_ms"`
}

// ResolveServerConfig contains the dependencies of a ResolveServer
type ResolveServerConfig struct {
	Federator    *service.Federator
	MappingTable directory.MappingTable
	Tenants      []directory.Tenant
	Observer     service.ResolveObserver

	// PropertyFilter selects the entity properties returned to callers
	PropertyFilter claims.PropertyFilter
}

// ResolveServer turns resolve requests into federated queries
type ResolveServer struct {
	federator      *service.Federator
	table          directory.MappingTable
	tenants        []directory.Tenant
	tenantIndex    map[string]int
	observer       service.ResolveObserver
	propertyFilter claims.PropertyFilter
}

// NewResolveServer creates a resolve server
func NewResolveServer(cfg ResolveServerConfig) *ResolveServer {
	observer := cfg.Observer
	if observer == nil {
		observer = service.NoOpObserver()
	}
	propertyFilter := cfg.PropertyFilter
	if propertyFilter == nil {
		propertyFilter = &claims.PassthroughPropertyFilter{}
	}
	table := cfg.MappingTable
	if table == nil {
		table = directory.DefaultMappingTable()
	}

	index := make(map[string]int, len(cfg.Tenants))
	for i, t := range cfg.Tenants {
		index[t.ID] = i
	}

	return &ResolveServer{
		federator:      cfg.Federator,
		table:          table,
		tenants:        cfg.Tenants,
		tenantIndex:    index,
		observer:       observer,
		propertyFilter: propertyFilter,
	}
}

// Resolve federates one request across the selected tenants.
// Only malformed requests return an error; tenant failures are reported per tenant.
func (s *ResolveServer) Resolve(ctx context.Context, transport string, req *ResolveRequest) (*ResolveResponse, error) {
	ctx, probe := s.observer.ResolveStarted(ctx, transport)
	defer probe.End()

	dreq, tenants, err := s.decode(req)
	if err != nil {
		probe.RequestRejected(err)
		return nil, err
	}

	tenantIDs := make([]string, len(tenants))
	for i, t := range tenants {
		tenantIDs[i] = t.ID
	}
	probe.RequestDecoded(dreq, tenantIDs)

	result := s.federator.Federate(ctx, dreq, tenants)
	return s.respond(dreq, tenants, result), nil
}

func (s *ResolveServer) decode(req *ResolveRequest) (*directory.Request, []directory.Tenant, error) {
	op, err := directory.ParseOperationKind(req.Operation)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	kinds := make([]directory.EntityKind, 0, len(req.EntityTypes))
	for _, et := range req.EntityTypes {
		kind, err := directory.ParseEntityKind(et)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		kinds = append(kinds, kind)
	}

	tenants := s.tenants
	if len(req.Tenants) > 0 {
		tenants = make([]directory.Tenant, 0, len(req.Tenants))
		seen := make(map[string]bool, len(req.Tenants))
		for _, id := range req.Tenants {
			i, ok := s.tenantIndex[id]
			if !ok {
				return nil, nil, fmt.Errorf("%w: unknown tenant %q", ErrInvalidRequest, id)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			tenants = append(tenants, s.tenants[i])
		}
	}

	return &directory.Request{
		ID:         uuid.NewString(),
		Input:      req.Input,
		ExactMatch: req.ExactMatch,
		Operation:  op,
		Rules:      s.table.Active(kinds...),
	}, tenants, nil
}

func (s *ResolveServer) respond(req *directory.Request, tenants []directory.Tenant, result *service.Result) *ResolveResponse {
	extensionAppIDs := make(map[string]string, len(tenants))
	for _, t := range tenants {
		extensionAppIDs[t.ID] = t.ExtensionAttributesApplicationID
	}

	resp := &ResolveResponse{
		RequestID: result.RequestID,
		Entities:  make([]EntityResult, 0, len(result.Entities)),
		Tenants:   make([]TenantDiagnostic, 0, len(result.Outcomes)),
	}

	for _, e := range result.Entities {
		er := EntityResult{
			Kind:       e.Kind,
			ID:         e.ID,
			TenantID:   e.TenantID,
			Properties: s.propertyFilter.Filter(e.Properties),
		}
		if claim, ok := claims.Resolve(e, req.Rules, extensionAppIDs[e.TenantID]); ok {
			er.Claim = &claim
		}
		resp.Entities = append(resp.Entities, er)
	}

	for _, o := range result.Outcomes {
		d := TenantDiagnostic{
			ID:        o.TenantID,
			Name:      o.TenantName,
			Status:    TenantStatusSucceeded,
			Entities:  len(o.Entities),
			Attempts:  o.Attempts,
			ElapsedMS: o.Elapsed.Milliseconds(),
		}
		switch {
		case o.Failed():
			d.Status = TenantStatusFailed
			d.ErrorClass = o.ErrorClass
		case o.Skipped:
			d.Status = TenantStatusSkipped
		}
		resp.Tenants = append(resp.Tenants, d)
	}

	return resp
}

// handleResolve serves POST /v1/resolve
func (s *ResolveServer) handleResolve(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req ResolveRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	resp, err := s.Resolve(r.Context(), "http", &req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
