package session

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/emunet-dev/emunetd/config"
	"github.com/emunet-dev/emunetd/model"
)

// The session document is the portable serialized form of a scenario:
// everything needed to reconstruct the topology in a fresh session. State is
// recorded for information only; opening a document always yields a
// DEFINITION session.

type xmlDocument struct {
	XMLName  xml.Name       `xml:"session"`
	ID       int            `xml:"id,attr"`
	Name     string         `xml:"name,attr"`
	State    string         `xml:"state,attr"`
	Location *Location      `xml:"location,omitempty"`
	Options  []xmlOption    `xml:"options>option,omitempty"`
	Hooks    []xmlHook      `xml:"hooks>hook,omitempty"`
	Nodes    []xmlNode      `xml:"nodes>node"`
	Links    []xmlLink      `xml:"links>link"`
}

type xmlOption struct {
	ID    string `xml:"id,attr"`
	Value string `xml:"value,attr"`
}

type xmlHook struct {
	State  string `xml:"state,attr"`
	Name   string `xml:"name,attr"`
	Script string `xml:",cdata"`
}

type xmlNode struct {
	ID       int            `xml:"id,attr"`
	Name     string         `xml:"name,attr"`
	Type     string         `xml:"type,attr"`
	Model    string         `xml:"model,attr,omitempty"`
	Icon     string         `xml:"icon,attr,omitempty"`
	Position xmlPosition    `xml:"position"`
	Geo      *model.Geo     `xml:"geo,omitempty"`
	Services []string       `xml:"services>service,omitempty"`
	Ifaces   []xmlInterface `xml:"interfaces>interface,omitempty"`
	Opaque   string         `xml:"opaque,omitempty"`
}

type xmlPosition struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
	Z float64 `xml:"z,attr"`
}

type xmlInterface struct {
	ID      int    `xml:"id,attr"`
	Name    string `xml:"name,attr,omitempty"`
	MAC     string `xml:"mac,attr,omitempty"`
	IP4     string `xml:"ip4,attr,omitempty"`
	IP4Mask int    `xml:"ip4_mask,attr,omitempty"`
	IP6     string `xml:"ip6,attr,omitempty"`
	IP6Mask int    `xml:"ip6_mask,attr,omitempty"`
	MTU     int    `xml:"mtu,attr,omitempty"`
	FlowID  int    `xml:"flow_id,attr,omitempty"`
}

type xmlLink struct {
	NodeOne      int        `xml:"node_one,attr"`
	InterfaceOne int        `xml:"interface_one,attr"`
	NodeTwo      int        `xml:"node_two,attr"`
	InterfaceTwo int        `xml:"interface_two,attr"`
	Type         string     `xml:"type,attr"`
	Options      xmlShaping `xml:"options"`
}

type xmlShaping struct {
	Bandwidth      int64   `xml:"bandwidth,attr,omitempty"`
	Delay          int64   `xml:"delay,attr,omitempty"`
	Jitter         int64   `xml:"jitter,attr,omitempty"`
	Loss           float64 `xml:"loss,attr,omitempty"`
	Duplicate      float64 `xml:"duplicate,attr,omitempty"`
	Burst          int     `xml:"burst,attr,omitempty"`
	MBurst         int     `xml:"mburst,attr,omitempty"`
	Key            int     `xml:"key,attr,omitempty"`
	Unidirectional bool    `xml:"unidirectional,attr,omitempty"`
}

// SaveDocument serializes the session's full topology.
func (s *Session) SaveDocument() ([]byte, error) {
	s.mu.Lock()
	doc := xmlDocument{
		ID:    s.id,
		Name:  s.name,
		State: s.state.String(),
	}
	if s.location != (Location{}) {
		loc := s.location
		doc.Location = &loc
	}
	for id, value := range s.registry.GetConfigs(config.NodeAll, OptionsModelName) {
		doc.Options = append(doc.Options, xmlOption{ID: id, Value: value})
	}
	sort.Slice(doc.Options, func(i, j int) bool { return doc.Options[i].ID < doc.Options[j].ID })
	all := s.hooks.All()
	for state := Definition; state <= Shutdown; state++ {
		for _, hook := range all[state] {
			doc.Hooks = append(doc.Hooks, xmlHook{
				State:  state.String(),
				Name:   hook.Name,
				Script: hook.Script,
			})
		}
	}
	for _, node := range s.nodesLocked() {
		xn := xmlNode{
			ID:       node.ID,
			Name:     node.Name,
			Type:     node.Type.String(),
			Model:    node.Model,
			Icon:     node.Icon,
			Position: xmlPosition{X: node.Position.X, Y: node.Position.Y, Z: node.Position.Z},
			Services: append([]string(nil), node.Services...),
			Opaque:   node.Opaque,
		}
		if node.Geo != nil {
			geo := *node.Geo
			xn.Geo = &geo
		}
		for _, iface := range s.interfacesLocked(node.ID) {
			xn.Ifaces = append(xn.Ifaces, xmlInterface{
				ID:      iface.ID,
				Name:    iface.Name,
				MAC:     iface.MAC,
				IP4:     iface.IP4,
				IP4Mask: iface.IP4Mask,
				IP6:     iface.IP6,
				IP6Mask: iface.IP6Mask,
				MTU:     iface.MTU,
				FlowID:  iface.FlowID,
			})
		}
		doc.Nodes = append(doc.Nodes, xn)
	}
	for _, link := range s.linksLocked() {
		doc.Links = append(doc.Links, xmlLink{
			NodeOne:      link.NodeOne,
			InterfaceOne: link.InterfaceOne,
			NodeTwo:      link.NodeTwo,
			InterfaceTwo: link.InterfaceTwo,
			Type:         link.Type.String(),
			Options: xmlShaping{
				Bandwidth:      link.Options.Bandwidth,
				Delay:          link.Options.Delay,
				Jitter:         link.Options.Jitter,
				Loss:           link.Options.Loss,
				Duplicate:      link.Options.Duplicate,
				Burst:          link.Options.Burst,
				MBurst:         link.Options.MBurst,
				Key:            link.Options.Key,
				Unidirectional: link.Options.Unidirectional,
			},
		})
	}
	s.mu.Unlock()

	return xml.MarshalIndent(doc, "", "  ")
}

// LoadDocument populates the session from a saved document. The session
// must still be in DEFINITION with an empty topology.
func (s *Session) LoadDocument(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.state != Definition || len(s.nodes) > 0 || len(s.links) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("session %d is not empty", s.id)
	}
	s.mu.Unlock()

	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("session document: %w", err)
	}

	if doc.Name != "" {
		s.SetName(doc.Name)
	}
	if doc.Location != nil {
		s.SetLocation(*doc.Location)
	}
	if len(doc.Options) > 0 {
		values := make(map[string]string, len(doc.Options))
		for _, opt := range doc.Options {
			values[opt.ID] = opt.Value
		}
		if err := s.SetOptions(values); err != nil {
			return err
		}
	}
	for _, xh := range doc.Hooks {
		state, ok := StateFromString(xh.State)
		if !ok {
			return fmt.Errorf("session document: unknown hook state %q", xh.State)
		}
		s.hooks.Add(Hook{State: state, Name: xh.Name, Script: xh.Script})
	}

	for _, xn := range doc.Nodes {
		typ, ok := model.NodeTypeFromString(xn.Type)
		if !ok {
			return fmt.Errorf("session document: unknown node type %q", xn.Type)
		}
		node := &model.Node{
			ID:       xn.ID,
			Name:     xn.Name,
			Type:     typ,
			Model:    xn.Model,
			Icon:     xn.Icon,
			Position: model.Position{X: xn.Position.X, Y: xn.Position.Y, Z: xn.Position.Z},
			Services: append([]string(nil), xn.Services...),
			Opaque:   xn.Opaque,
		}
		if xn.Geo != nil {
			geo := *xn.Geo
			node.Geo = &geo
		}
		if _, err := s.AddNode(ctx, node); err != nil {
			return err
		}
		for _, xi := range xn.Ifaces {
			iface := &model.Interface{
				ID:      xi.ID,
				Name:    xi.Name,
				MAC:     xi.MAC,
				IP4:     xi.IP4,
				IP4Mask: xi.IP4Mask,
				IP6:     xi.IP6,
				IP6Mask: xi.IP6Mask,
				MTU:     xi.MTU,
				FlowID:  xi.FlowID,
			}
			if err := s.AddInterface(ctx, node.ID, iface); err != nil {
				return err
			}
		}
	}

	for _, xl := range doc.Links {
		typ := model.LinkTypeWired
		if xl.Type == model.LinkTypeWireless.String() {
			typ = model.LinkTypeWireless
		}
		link := &model.Link{
			NodeOne:      xl.NodeOne,
			InterfaceOne: xl.InterfaceOne,
			NodeTwo:      xl.NodeTwo,
			InterfaceTwo: xl.InterfaceTwo,
			Type:         typ,
			Options: model.LinkOptions{
				Bandwidth:      xl.Options.Bandwidth,
				Delay:          xl.Options.Delay,
				Jitter:         xl.Options.Jitter,
				Loss:           xl.Options.Loss,
				Duplicate:      xl.Options.Duplicate,
				Burst:          xl.Options.Burst,
				MBurst:         xl.Options.MBurst,
				Key:            xl.Options.Key,
				Unidirectional: xl.Options.Unidirectional,
			},
		}
		if err := s.AddLink(ctx, link); err != nil {
			return err
		}
	}
	return nil
}
