package model

// LinkType distinguishes wired links, which are realized as bridge
// membership plus shaping, from wireless links whose parameters are driven
// by a wireless model.
type LinkType int

const (
	LinkTypeWired LinkType = iota
	LinkTypeWireless
)

// String returns the canonical name for the link type.
func (t LinkType) String() string {
	if t == LinkTypeWireless {
		return "wireless"
	}
	return "wired"
}

// LinkOptions carries the traffic-shaping parameters applied to a link's
// kernel realization. Zero values mean "unshaped" for that dimension.
type LinkOptions struct {
	// Bandwidth in bits per second.
	Bandwidth int64 `json:"bandwidth,omitempty"`
	// Delay in microseconds.
	Delay int64 `json:"delay,omitempty"`
	// Jitter in microseconds.
	Jitter int64 `json:"jitter,omitempty"`
	// Loss percentage in [0, 100].
	Loss float64 `json:"loss,omitempty"`
	// Duplicate percentage in [0, 100].
	Duplicate float64 `json:"duplicate,omitempty"`

	Burst  int `json:"burst,omitempty"`
	MBurst int `json:"mburst,omitempty"`

	// Key is the session-unique shaping key correlating the link with its
	// qdisc and, for tunnel endpoints, the tunnel id.
	Key int `json:"key,omitempty"`

	// Unidirectional marks links whose reverse direction carries its own
	// parameter set applied by a second link record.
	Unidirectional bool `json:"unidirectional,omitempty"`
}

// Link connects two node interfaces. For links against a network-class node
// (switch, WLAN, ...) the corresponding interface id is negative.
type Link struct {
	NodeOne      int `json:"node_one"`
	InterfaceOne int `json:"interface_one"`
	NodeTwo      int `json:"node_two"`
	InterfaceTwo int `json:"interface_two"`

	Type    LinkType    `json:"type"`
	Options LinkOptions `json:"options"`
}

// Clone returns a copy of the link detached from live topology state.
func (l *Link) Clone() *Link {
	c := *l
	return &c
}

// Touches reports whether the link references the given node id on either
// endpoint.
func (l *Link) Touches(nodeID int) bool {
	return l.NodeOne == nodeID || l.NodeTwo == nodeID
}
