package rpcapi

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "emunet.api.SessionService"

// SessionServiceServer is the server contract for the control API.
type SessionServiceServer interface {
	CreateSession(context.Context, *CreateSessionRequest) (*CreateSessionResponse, error)
	GetSession(context.Context, *SessionRequest) (*GetSessionResponse, error)
	GetSessions(context.Context, *GetSessionsRequest) (*GetSessionsResponse, error)
	DeleteSession(context.Context, *SessionRequest) (*ResultResponse, error)
	SetSessionState(context.Context, *SetSessionStateRequest) (*SetSessionStateResponse, error)
	GetSessionOptions(context.Context, *SessionRequest) (*SessionOptionsResponse, error)
	SetSessionOptions(context.Context, *SessionOptionsRequest) (*ResultResponse, error)
	GetSessionLocation(context.Context, *SessionRequest) (*SessionLocationResponse, error)
	SetSessionLocation(context.Context, *SessionLocationRequest) (*ResultResponse, error)
	AddNode(context.Context, *AddNodeRequest) (*AddNodeResponse, error)
	GetNode(context.Context, *NodeRequest) (*GetNodeResponse, error)
	EditNode(context.Context, *EditNodeRequest) (*ResultResponse, error)
	DeleteNode(context.Context, *NodeRequest) (*ResultResponse, error)
	AddLink(context.Context, *AddLinkRequest) (*ResultResponse, error)
	EditLink(context.Context, *EditLinkRequest) (*ResultResponse, error)
	DeleteLink(context.Context, *DeleteLinkRequest) (*ResultResponse, error)
	GetNodeLinks(context.Context, *GetNodeLinksRequest) (*GetNodeLinksResponse, error)
	AddHook(context.Context, *AddHookRequest) (*ResultResponse, error)
	GetHooks(context.Context, *SessionRequest) (*GetHooksResponse, error)
	GetModelConfig(context.Context, *ModelConfigRequest) (*ModelConfigResponse, error)
	SetModelConfig(context.Context, *ModelConfigRequest) (*ResultResponse, error)
	GetModels(context.Context, *SessionRequest) (*GetModelsResponse, error)
	MobilityAction(context.Context, *MobilityActionRequest) (*ResultResponse, error)
	GetServiceDefaults(context.Context, *SessionRequest) (*ServiceDefaultsResponse, error)
	SetServiceDefaults(context.Context, *ServiceDefaultsRequest) (*ResultResponse, error)
	GetNodeService(context.Context, *NodeServiceRequest) (*NodeServiceResponse, error)
	SetNodeService(context.Context, *SetNodeServiceRequest) (*ResultResponse, error)
	GetServiceFile(context.Context, *ServiceFileRequest) (*ServiceFileResponse, error)
	SetServiceFile(context.Context, *ServiceFileRequest) (*ResultResponse, error)
	ServiceAction(context.Context, *ServiceActionRequest) (*ResultResponse, error)
	SaveSession(context.Context, *SessionRequest) (*SaveSessionResponse, error)
	OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error)
	Events(*EventsRequest, grpc.ServerStream) error
	Throughputs(*ThroughputsRequest, grpc.ServerStream) error
}

// unary builds a MethodDesc for a typed handler. The generated-code
// equivalent is a per-method _Service_Method_Handler function; the generic
// form keeps the descriptor table readable.
func unary[Req any, Resp any](method string, fn func(SessionServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(SessionServiceServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, r interface{}) (interface{}, error) {
				return fn(srv.(SessionServiceServer), ctx, r.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

func eventsHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(EventsRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SessionServiceServer).Events(req, stream)
}

func throughputsHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(ThroughputsRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SessionServiceServer).Throughputs(req, stream)
}

// ServiceDesc wires every control operation to its handler. Registered with
// grpc.Server the same way protoc-generated descriptors are.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", SessionServiceServer.CreateSession),
		unary("GetSession", SessionServiceServer.GetSession),
		unary("GetSessions", SessionServiceServer.GetSessions),
		unary("DeleteSession", SessionServiceServer.DeleteSession),
		unary("SetSessionState", SessionServiceServer.SetSessionState),
		unary("GetSessionOptions", SessionServiceServer.GetSessionOptions),
		unary("SetSessionOptions", SessionServiceServer.SetSessionOptions),
		unary("GetSessionLocation", SessionServiceServer.GetSessionLocation),
		unary("SetSessionLocation", SessionServiceServer.SetSessionLocation),
		unary("AddNode", SessionServiceServer.AddNode),
		unary("GetNode", SessionServiceServer.GetNode),
		unary("EditNode", SessionServiceServer.EditNode),
		unary("DeleteNode", SessionServiceServer.DeleteNode),
		unary("AddLink", SessionServiceServer.AddLink),
		unary("EditLink", SessionServiceServer.EditLink),
		unary("DeleteLink", SessionServiceServer.DeleteLink),
		unary("GetNodeLinks", SessionServiceServer.GetNodeLinks),
		unary("AddHook", SessionServiceServer.AddHook),
		unary("GetHooks", SessionServiceServer.GetHooks),
		unary("GetModelConfig", SessionServiceServer.GetModelConfig),
		unary("SetModelConfig", SessionServiceServer.SetModelConfig),
		unary("GetModels", SessionServiceServer.GetModels),
		unary("MobilityAction", SessionServiceServer.MobilityAction),
		unary("GetServiceDefaults", SessionServiceServer.GetServiceDefaults),
		unary("SetServiceDefaults", SessionServiceServer.SetServiceDefaults),
		unary("GetNodeService", SessionServiceServer.GetNodeService),
		unary("SetNodeService", SessionServiceServer.SetNodeService),
		unary("GetServiceFile", SessionServiceServer.GetServiceFile),
		unary("SetServiceFile", SessionServiceServer.SetServiceFile),
		unary("ServiceAction", SessionServiceServer.ServiceAction),
		unary("SaveSession", SessionServiceServer.SaveSession),
		unary("OpenSession", SessionServiceServer.OpenSession),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
		{StreamName: "Throughputs", Handler: throughputsHandler, ServerStreams: true},
	},
	Metadata: "emunet/api/session.json",
}

// Register attaches the service to a gRPC server.
func Register(g *grpc.Server, srv SessionServiceServer) {
	g.RegisterService(&ServiceDesc, srv)
}
