package lro

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
)

// Service exposes the operation runtime on the bus, scoped to one
// project per subject. Callers only see operations whose scope is the
// addressed project; host- and hub-scoped operations stay on the
// hub-only control service.
type Service struct {
	ops *Runtime
	log *slog.Logger
}

// NewService builds the project-facing operation service.
func NewService(ops *Runtime) *Service {
	return &Service{
		ops: ops,
		log: slog.Default().With("component", "lro-service"),
	}
}

// Definition binds the handlers under the project wildcard. The serving
// client signs in as hub; the bus ACL has already restricted account
// callers to collaborators of the addressed project.
func (s *Service) Definition() *conat.Service {
	return conat.NewService(conat.ProjectSubject("*", "lro", "api")).
		Handle("submit", s.submit).
		Handle("get", s.get).
		Handle("cancel", s.cancel).
		Handle("list", s.list)
}

// scope authorizes the call and pins it to the subject's project.
func (s *Service) scope(req *conat.Request) (Scope, error) {
	projectID, ok := conat.ProjectFromSubject(req.Subject)
	if !ok {
		return Scope{}, &core.ErrInvalidInput{Field: "subject", Message: "missing project id"}
	}
	switch req.Caller.Type {
	case core.UserHub, core.UserAccount:
	case core.UserProject:
		if req.Caller.ID != projectID {
			return Scope{}, &core.PolicyError{Identity: req.Caller, Subject: req.Subject}
		}
	default:
		return Scope{}, &core.PolicyError{Identity: req.Caller, Subject: req.Subject}
	}
	return Scope{Type: ScopeProject, ID: projectID}, nil
}

// owned maps the op id to a summary only when the operation belongs to
// the addressed project. Operations in other scopes are reported as
// missing rather than forbidden so ids do not leak across projects.
func (s *Service) owned(scope Scope, id string) (Summary, error) {
	sum, err := s.ops.Get(id)
	if err != nil {
		return Summary{}, err
	}
	if sum.ScopeType != scope.Type || sum.ScopeID != scope.ID {
		return Summary{}, &core.ErrNotFound{Resource: "operation", ID: id}
	}
	return sum, nil
}

type submitRequest struct {
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (s *Service) submit(ctx context.Context, req *conat.Request) (any, error) {
	scope, err := s.scope(req)
	if err != nil {
		return nil, err
	}
	var in submitRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	owner := Scope{Type: ScopeType(req.Caller.Type), ID: req.Caller.ID}
	if req.Caller.Type == core.UserHub {
		owner = Scope{Type: ScopeHub, ID: "hub"}
	}
	return s.ops.Submit(ctx, SubmitRequest{
		Kind:      in.Kind,
		Scope:     scope,
		Input:     in.Input,
		CreatedBy: req.Caller.String(),
		Owner:     owner,
	})
}

type opRef struct {
	OpID string `json:"op_id"`
}

func (s *Service) get(ctx context.Context, req *conat.Request) (any, error) {
	scope, err := s.scope(req)
	if err != nil {
		return nil, err
	}
	var in opRef
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	return s.owned(scope, in.OpID)
}

type cancelAck struct {
	OK bool `json:"ok"`
}

func (s *Service) cancel(ctx context.Context, req *conat.Request) (any, error) {
	scope, err := s.scope(req)
	if err != nil {
		return nil, err
	}
	var in opRef
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if _, err := s.owned(scope, in.OpID); err != nil {
		return nil, err
	}
	if err := s.ops.Cancel(in.OpID); err != nil {
		return nil, err
	}
	s.log.Info("operation canceled via bus", "op_id", in.OpID, "project_id", scope.ID)
	return cancelAck{OK: true}, nil
}

type listRequest struct {
	IncludeCompleted bool `json:"include_completed"`
}

func (s *Service) list(ctx context.Context, req *conat.Request) (any, error) {
	scope, err := s.scope(req)
	if err != nil {
		return nil, err
	}
	var in listRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	return s.ops.List(scope, in.IncludeCompleted), nil
}
