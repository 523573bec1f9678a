package rpcapi

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/netem"
	"github.com/emunet-dev/emunetd/services"
	"github.com/emunet-dev/emunetd/session"
)

// Server implements the control API against the session registry.
type Server struct {
	sessions *session.Manager
	sampler  *netem.ThroughputSampler
	log      logging.Logger
}

// NewServer constructs the control API server. sampler may be nil, in which
// case the Throughputs stream reports Unimplemented.
func NewServer(sessions *session.Manager, sampler *netem.ThroughputSampler, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{sessions: sessions, sampler: sampler, log: log}
}

func (s *Server) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	sess, err := s.sessions.Create(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &CreateSessionResponse{SessionID: sess.ID(), State: sess.State().String()}, nil
}

func (s *Server) GetSession(ctx context.Context, req *SessionRequest) (*GetSessionResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	nodes := sess.Nodes()
	links := sess.Links()

	hooks := make(map[string][]string)
	for state, hs := range sess.Hooks() {
		for _, h := range hs {
			hooks[state.String()] = append(hooks[state.String()], h.Name)
		}
	}
	return &GetSessionResponse{
		Session: SessionSummary{
			ID:    sess.ID(),
			Name:  sess.Name(),
			State: sess.State().String(),
			Nodes: len(nodes),
			Links: len(links),
		},
		Nodes: nodes,
		Links: links,
		Hooks: hooks,
	}, nil
}

func (s *Server) GetSessions(ctx context.Context, _ *GetSessionsRequest) (*GetSessionsResponse, error) {
	resp := &GetSessionsResponse{}
	for _, id := range s.sessions.IDs() {
		sess, err := s.sessions.Get(id)
		if err != nil {
			continue // evicted between listing and lookup
		}
		resp.Sessions = append(resp.Sessions, SessionSummary{
			ID:    sess.ID(),
			Name:  sess.Name(),
			State: sess.State().String(),
			Nodes: len(sess.Nodes()),
			Links: len(sess.Links()),
		})
	}
	return resp, nil
}

func (s *Server) DeleteSession(ctx context.Context, req *SessionRequest) (*ResultResponse, error) {
	if err := s.sessions.Delete(ctx, req.SessionID); err != nil {
		if _, partial := session.AsCommitError(err); !partial {
			return nil, toStatusError(err)
		}
		// Partial teardown still deletes the session.
		s.log.Warn(ctx, "session delete finished with failures", logging.Err(err))
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) SetSessionState(ctx context.Context, req *SetSessionStateRequest) (*SetSessionStateResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	err = sess.SetState(ctx, session.State(req.State))
	if err == nil {
		return &SetSessionStateResponse{Result: true}, nil
	}
	if ce, ok := session.AsCommitError(err); ok {
		resp := &SetSessionStateResponse{Result: false}
		for _, f := range ce.Failures {
			resp.Failures = append(resp.Failures, EntityFailureMessage{
				Kind: f.Kind, ID: f.ID, Error: f.Err.Error(),
			})
		}
		return resp, nil
	}
	return nil, toStatusError(err)
}

func (s *Server) GetSessionOptions(ctx context.Context, req *SessionRequest) (*SessionOptionsResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &SessionOptionsResponse{Options: sess.Options()}, nil
}

func (s *Server) SetSessionOptions(ctx context.Context, req *SessionOptionsRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if err := sess.SetOptions(req.Options); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) GetSessionLocation(ctx context.Context, req *SessionRequest) (*SessionLocationResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &SessionLocationResponse{Location: sess.Location()}, nil
}

func (s *Server) SetSessionLocation(ctx context.Context, req *SessionLocationRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	sess.SetLocation(req.Location)
	return &ResultResponse{Result: true}, nil
}

func (s *Server) AddNode(ctx context.Context, req *AddNodeRequest) (*AddNodeResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if req.Node == nil {
		return nil, status.Error(codes.InvalidArgument, "node is required")
	}

	id, err := sess.AddNode(ctx, req.Node)
	if err != nil && !isRealizationFailure(err) {
		return nil, toStatusError(err)
	}
	resp := &AddNodeResponse{NodeID: id}
	if err != nil {
		resp.Failures = append(resp.Failures, EntityFailureMessage{Kind: "node", ID: id, Error: err.Error()})
	}
	for _, iface := range req.Interfaces {
		if err := sess.AddInterface(ctx, id, iface); err != nil {
			resp.Failures = append(resp.Failures, EntityFailureMessage{Kind: "interface", ID: iface.ID, Error: err.Error()})
		}
	}
	return resp, nil
}

func (s *Server) GetNode(ctx context.Context, req *NodeRequest) (*GetNodeResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	node, err := sess.GetNode(req.NodeID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &GetNodeResponse{Node: node, Interfaces: sess.Interfaces(req.NodeID)}, nil
}

func (s *Server) EditNode(ctx context.Context, req *EditNodeRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if req.Node == nil {
		return nil, status.Error(codes.InvalidArgument, "node is required")
	}
	if err := sess.EditNode(req.Node); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) DeleteNode(ctx context.Context, req *NodeRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if err := sess.DeleteNode(ctx, req.NodeID); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) AddLink(ctx context.Context, req *AddLinkRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if req.Link == nil {
		return nil, status.Error(codes.InvalidArgument, "link is required")
	}
	if req.InterfaceOne != nil {
		req.Link.InterfaceOne = req.InterfaceOne.ID
		if err := sess.AddInterface(ctx, req.Link.NodeOne, req.InterfaceOne); err != nil {
			return nil, toStatusError(err)
		}
	}
	if req.InterfaceTwo != nil {
		req.Link.InterfaceTwo = req.InterfaceTwo.ID
		if err := sess.AddInterface(ctx, req.Link.NodeTwo, req.InterfaceTwo); err != nil {
			return nil, toStatusError(err)
		}
	}
	if err := sess.AddLink(ctx, req.Link); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) EditLink(ctx context.Context, req *EditLinkRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if err := sess.EditLink(ctx, req.Endpoints.key(), req.Options); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) DeleteLink(ctx context.Context, req *DeleteLinkRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if err := sess.DeleteLink(ctx, req.Endpoints.key()); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) GetNodeLinks(ctx context.Context, req *GetNodeLinksRequest) (*GetNodeLinksResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if _, err := sess.GetNode(req.NodeID); err != nil {
		return nil, toStatusError(err)
	}
	return &GetNodeLinksResponse{Links: sess.NodeLinks(req.NodeID)}, nil
}

func (s *Server) AddHook(ctx context.Context, req *AddHookRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	hook := session.Hook{
		State:  session.State(req.Hook.State),
		Name:   req.Hook.Name,
		Script: req.Hook.Script,
	}
	if err := sess.AddHook(ctx, hook); err != nil {
		// An immediate-run failure is reported, not fatal: the hook stays
		// registered.
		return &ResultResponse{Result: false}, nil
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) GetHooks(ctx context.Context, req *SessionRequest) (*GetHooksResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	resp := &GetHooksResponse{}
	for state := session.Definition; state <= session.Shutdown; state++ {
		for _, hook := range sess.Hooks()[state] {
			resp.Hooks = append(resp.Hooks, HookMessage{
				State:  int(state),
				Name:   hook.Name,
				Script: hook.Script,
			})
		}
	}
	return resp, nil
}

func (s *Server) GetModelConfig(ctx context.Context, req *ModelConfigRequest) (*ModelConfigResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	values, err := sess.ModelConfig(req.NodeID, req.Model)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ModelConfigResponse{Values: values}, nil
}

func (s *Server) SetModelConfig(ctx context.Context, req *ModelConfigRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if err := sess.SetModelConfig(req.NodeID, req.Model, req.Values); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) GetModels(ctx context.Context, req *SessionRequest) (*GetModelsResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &GetModelsResponse{Models: sess.ModelNames()}, nil
}

func (s *Server) MobilityAction(ctx context.Context, req *MobilityActionRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	var action session.MobilityAction
	switch req.Action {
	case "start":
		action = session.MobilityStart
	case "pause":
		action = session.MobilityPause
	case "stop":
		action = session.MobilityStop
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown mobility action %q", req.Action)
	}
	if err := sess.Mobility(action); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) GetServiceDefaults(ctx context.Context, req *SessionRequest) (*ServiceDefaultsResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	defaults := make(map[string][]string)
	for _, nodeModel := range []string{"router", "mdr", "prouter", "host", "PC"} {
		if names := sess.Services().Defaults(nodeModel); len(names) > 0 {
			defaults[nodeModel] = names
		}
	}
	return &ServiceDefaultsResponse{Defaults: defaults}, nil
}

func (s *Server) SetServiceDefaults(ctx context.Context, req *ServiceDefaultsRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	for nodeModel, names := range req.Defaults {
		sess.Services().SetDefaults(nodeModel, names)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) GetNodeService(ctx context.Context, req *NodeServiceRequest) (*NodeServiceResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	svc, err := sess.Services().Get(req.NodeID, req.Service)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &NodeServiceResponse{Service: svc}, nil
}

func (s *Server) SetNodeService(ctx context.Context, req *SetNodeServiceRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if err := sess.Services().SetCustom(req.NodeID, req.Service); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) GetServiceFile(ctx context.Context, req *ServiceFileRequest) (*ServiceFileResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	svc, err := sess.Services().Get(req.NodeID, req.Service)
	if err != nil {
		return nil, toStatusError(err)
	}
	data, ok := svc.Files[req.File]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "service %s has no file %q", req.Service, req.File)
	}
	return &ServiceFileResponse{Data: data}, nil
}

func (s *Server) SetServiceFile(ctx context.Context, req *ServiceFileRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if err := sess.Services().SetServiceFile(req.NodeID, req.Service, req.File, req.Data); err != nil {
		return nil, toStatusError(err)
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) ServiceAction(ctx context.Context, req *ServiceActionRequest) (*ResultResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	var action services.Action
	switch req.Action {
	case "start":
		action = services.ActionStart
	case "stop":
		action = services.ActionStop
	case "restart":
		action = services.ActionRestart
	case "validate":
		action = services.ActionValidate
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown service action %q", req.Action)
	}
	if err := sess.Services().Apply(ctx, req.NodeID, req.Service, action); err != nil {
		return &ResultResponse{Result: false}, nil
	}
	return &ResultResponse{Result: true}, nil
}

func (s *Server) SaveSession(ctx context.Context, req *SessionRequest) (*SaveSessionResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	data, err := sess.SaveDocument()
	if err != nil {
		return nil, toStatusError(err)
	}
	return &SaveSessionResponse{Data: data}, nil
}

func (s *Server) OpenSession(ctx context.Context, req *OpenSessionRequest) (*OpenSessionResponse, error) {
	sess, err := s.sessions.Create(req.SessionID)
	if err != nil {
		return nil, toStatusError(err)
	}
	if err := sess.LoadDocument(ctx, req.Data); err != nil {
		return nil, toStatusError(err)
	}
	return &OpenSessionResponse{SessionID: sess.ID()}, nil
}

// isRealizationFailure distinguishes kernel realization trouble, reported
// per-entity, from reference/validation errors that fail the request.
func isRealizationFailure(err error) bool {
	switch {
	case err == nil,
		isSentinel(err):
		return false
	default:
		return true
	}
}

func isSentinel(err error) bool {
	for _, sentinel := range []error{
		session.ErrSessionShutdown,
		session.ErrNodeExists,
		session.ErrNodeNotFound,
		session.ErrLinkExists,
		session.ErrLinkNotFound,
		session.ErrInterfaceExists,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
