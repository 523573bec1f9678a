package rpcapi

import (
	"github.com/emunet-dev/emunetd/model"
	"github.com/emunet-dev/emunetd/netem"
	"github.com/emunet-dev/emunetd/services"
	"github.com/emunet-dev/emunetd/session"
)

// The REST gateway and GUI depend on these field names staying stable.

type CreateSessionRequest struct {
	SessionID int `json:"session_id,omitempty"`
}

type CreateSessionResponse struct {
	SessionID int    `json:"session_id"`
	State     string `json:"state"`
}

type SessionRequest struct {
	SessionID int `json:"session_id"`
}

type SessionSummary struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Nodes int    `json:"nodes"`
	Links int    `json:"links"`
}

type GetSessionResponse struct {
	Session SessionSummary      `json:"session"`
	Nodes   []*model.Node       `json:"nodes,omitempty"`
	Links   []*model.Link       `json:"links,omitempty"`
	Hooks   map[string][]string `json:"hooks,omitempty"`
}

type GetSessionsRequest struct{}

type GetSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type ResultResponse struct {
	Result bool `json:"result"`
}

type SetSessionStateRequest struct {
	SessionID int `json:"session_id"`
	State     int `json:"state"`
}

type EntityFailureMessage struct {
	Kind  string `json:"kind"`
	ID    int    `json:"id"`
	Error string `json:"error"`
}

type SetSessionStateResponse struct {
	Result   bool                   `json:"result"`
	Failures []EntityFailureMessage `json:"failures,omitempty"`
}

type SessionOptionsRequest struct {
	SessionID int               `json:"session_id"`
	Options   map[string]string `json:"options,omitempty"`
}

type SessionOptionsResponse struct {
	Options map[string]string `json:"options"`
}

type SessionLocationRequest struct {
	SessionID int              `json:"session_id"`
	Location  session.Location `json:"location"`
}

type SessionLocationResponse struct {
	Location session.Location `json:"location"`
}

type AddNodeRequest struct {
	SessionID  int                `json:"session_id"`
	Node       *model.Node        `json:"node"`
	Interfaces []*model.Interface `json:"interfaces,omitempty"`
}

type AddNodeResponse struct {
	NodeID   int                    `json:"node_id"`
	Failures []EntityFailureMessage `json:"failures,omitempty"`
}

type NodeRequest struct {
	SessionID int `json:"session_id"`
	NodeID    int `json:"node_id"`
}

type GetNodeResponse struct {
	Node       *model.Node        `json:"node"`
	Interfaces []*model.Interface `json:"interfaces,omitempty"`
}

type EditNodeRequest struct {
	SessionID int         `json:"session_id"`
	Node      *model.Node `json:"node"`
}

type AddLinkRequest struct {
	SessionID    int              `json:"session_id"`
	Link         *model.Link      `json:"link"`
	InterfaceOne *model.Interface `json:"interface_one,omitempty"`
	InterfaceTwo *model.Interface `json:"interface_two,omitempty"`
}

type LinkEndpoints struct {
	NodeOne      int `json:"node_one"`
	InterfaceOne int `json:"interface_one"`
	NodeTwo      int `json:"node_two"`
	InterfaceTwo int `json:"interface_two"`
}

func (e LinkEndpoints) key() netem.LinkKey {
	return netem.NewLinkKey(e.NodeOne, e.InterfaceOne, e.NodeTwo, e.InterfaceTwo)
}

type EditLinkRequest struct {
	SessionID int               `json:"session_id"`
	Endpoints LinkEndpoints     `json:"endpoints"`
	Options   model.LinkOptions `json:"options"`
}

type DeleteLinkRequest struct {
	SessionID int           `json:"session_id"`
	Endpoints LinkEndpoints `json:"endpoints"`
}

type GetNodeLinksRequest struct {
	SessionID int `json:"session_id"`
	NodeID    int `json:"node_id"`
}

type GetNodeLinksResponse struct {
	Links []*model.Link `json:"links"`
}

type HookMessage struct {
	State  int    `json:"state"`
	Name   string `json:"name"`
	Script string `json:"script"`
}

type AddHookRequest struct {
	SessionID int         `json:"session_id"`
	Hook      HookMessage `json:"hook"`
}

type GetHooksResponse struct {
	Hooks []HookMessage `json:"hooks"`
}

type ModelConfigRequest struct {
	SessionID int               `json:"session_id"`
	NodeID    int               `json:"node_id"`
	Model     string            `json:"model"`
	Values    map[string]string `json:"values,omitempty"`
}

type ModelConfigResponse struct {
	Values map[string]string `json:"values"`
}

type GetModelsResponse struct {
	Models []string `json:"models"`
}

type MobilityActionRequest struct {
	SessionID int    `json:"session_id"`
	Action    string `json:"action"` // start | pause | stop
}

type ServiceDefaultsRequest struct {
	SessionID int                 `json:"session_id"`
	Defaults  map[string][]string `json:"defaults,omitempty"`
}

type ServiceDefaultsResponse struct {
	Defaults map[string][]string `json:"defaults"`
}

type NodeServiceRequest struct {
	SessionID int    `json:"session_id"`
	NodeID    int    `json:"node_id"`
	Service   string `json:"service"`
}

type NodeServiceResponse struct {
	Service *services.Service `json:"service"`
}

type SetNodeServiceRequest struct {
	SessionID int               `json:"session_id"`
	NodeID    int               `json:"node_id"`
	Service   *services.Service `json:"service"`
}

type ServiceFileRequest struct {
	SessionID int    `json:"session_id"`
	NodeID    int    `json:"node_id"`
	Service   string `json:"service"`
	File      string `json:"file"`
	Data      string `json:"data,omitempty"`
}

type ServiceFileResponse struct {
	Data string `json:"data"`
}

type ServiceActionRequest struct {
	SessionID int    `json:"session_id"`
	NodeID    int    `json:"node_id"`
	Service   string `json:"service"`
	Action    string `json:"action"` // start | stop | restart | validate
}

type SaveSessionResponse struct {
	Data []byte `json:"data"`
}

type OpenSessionRequest struct {
	SessionID int    `json:"session_id,omitempty"`
	Data      []byte `json:"data"`
}

type OpenSessionResponse struct {
	SessionID int `json:"session_id"`
}

type EventsRequest struct {
	SessionID int `json:"session_id"`
}

type ThroughputsRequest struct{}
