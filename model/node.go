package model

import "gonum.org/v1/gonum/spatial/r3"

// NodeType identifies the closed set of node kinds the emulator knows how
// to realize. Network-class types (switch, hub, WLAN, ...) are realized as
// bridges; device-class types are realized as namespaces.
type NodeType int

const (
	NodeTypeDefault NodeType = iota
	NodeTypePhysical
	NodeTypeSwitch
	NodeTypeHub
	NodeTypeWirelessLAN
	NodeTypeTunnel
	NodeTypeControlNet
	NodeTypeEmaneNet
	NodeTypeRJ45
	NodeTypePeerToPeer
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeDefault:     "default",
	NodeTypePhysical:    "physical",
	NodeTypeSwitch:      "switch",
	NodeTypeHub:         "hub",
	NodeTypeWirelessLAN: "wlan",
	NodeTypeTunnel:      "tunnel",
	NodeTypeControlNet:  "control",
	NodeTypeEmaneNet:    "emane",
	NodeTypeRJ45:        "rj45",
	NodeTypePeerToPeer:  "ptp",
}

// String returns the canonical short name for the node type.
func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// NodeTypeFromString maps a canonical short name back to a NodeType.
func NodeTypeFromString(name string) (NodeType, bool) {
	for t, n := range nodeTypeNames {
		if n == name {
			return t, true
		}
	}
	return NodeTypeDefault, false
}

// IsNetwork reports whether nodes of this type are realized as a network
// segment (bridge) rather than an emulated device.
func (t NodeType) IsNetwork() bool {
	switch t {
	case NodeTypeSwitch, NodeTypeHub, NodeTypeWirelessLAN, NodeTypeTunnel,
		NodeTypeControlNet, NodeTypeEmaneNet, NodeTypePeerToPeer:
		return true
	default:
		return false
	}
}

// Position is a node's location on the emulation canvas, in canvas units.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec converts the position into a gonum vector for geometry math.
func (p Position) Vec() r3.Vec {
	return r3.Vec{X: p.X, Y: p.Y, Z: p.Z}
}

// PositionFromVec converts a gonum vector back into a Position.
func PositionFromVec(v r3.Vec) Position {
	return Position{X: v.X, Y: v.Y, Z: v.Z}
}

// Geo carries optional geographic coordinates for a node. A pointer is used
// on Node so that "no geo position" is distinguishable from coordinates at
// the origin.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Node is the data record for one emulated node. It exists independently of
// any kernel realization; realization handles are owned by the netem layer.
type Node struct {
	ID   int      `json:"id"`
	Name string   `json:"name"`
	Type NodeType `json:"type"`

	// Model selects the service profile for device nodes (router, PC, host,
	// mdr, prouter). Empty for network-class nodes.
	Model string `json:"model,omitempty"`

	Position Position `json:"position"`
	Geo      *Geo     `json:"geo,omitempty"`

	// Services are bound in order; startup ordering within the set is
	// resolved by declared dependencies, not by this slice.
	Services []string `json:"services,omitempty"`

	Icon   string `json:"icon,omitempty"`
	Opaque string `json:"opaque,omitempty"`
}

// Clone returns a deep copy of the node, detached from live topology
// state. Readers hold clones so concurrent position updates never write
// into a record a caller is still consuming.
func (n *Node) Clone() *Node {
	c := *n
	c.Services = append([]string(nil), n.Services...)
	if n.Geo != nil {
		geo := *n.Geo
		c.Geo = &geo
	}
	return &c
}


