package model

// Interface is one attachment point on a node. IDs are unique within the
// owning node only; (NodeID, ID) is the session-wide identity.
type Interface struct {
	ID     int    `json:"id"`
	NodeID int    `json:"node_id"`
	Name   string `json:"name,omitempty"`

	MAC     string `json:"mac,omitempty"`
	IP4     string `json:"ip4,omitempty"`
	IP4Mask int    `json:"ip4_mask,omitempty"`
	IP6     string `json:"ip6,omitempty"`
	IP6Mask int    `json:"ip6_mask,omitempty"`

	MTU int `json:"mtu,omitempty"`

	// FlowID correlates this interface's traffic with its shaping rules.
	// Unique within a session.
	FlowID int `json:"flow_id,omitempty"`
}
