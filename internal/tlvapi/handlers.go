package tlvapi

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/model"
	"github.com/emunet-dev/emunetd/netem"
	"github.com/emunet-dev/emunetd/session"
)

// dispatch routes one request and returns any reply frames. Handler errors
// become exception messages so a bad request never kills the connection.
func (s *Server) dispatch(ctx context.Context, c *conn, msg *Message) []*Message {
	var replies []*Message
	var err error

	switch msg.Type {
	case MsgSession:
		replies, err = s.handleSession(ctx, c, msg)
	case MsgNode:
		replies, err = s.handleNode(ctx, c, msg)
	case MsgLink:
		replies, err = s.handleLink(ctx, c, msg)
	case MsgEvent:
		replies, err = s.handleEvent(ctx, c, msg)
	case MsgExecute:
		replies, err = s.handleExecute(ctx, c, msg)
	case MsgConfig:
		replies, err = s.handleConfig(ctx, c, msg)
	case MsgFile:
		replies, err = s.handleFile(ctx, c, msg)
	case MsgInterface:
		replies, err = s.handleInterface(ctx, c, msg)
	case MsgRegister:
		replies, err = s.handleRegister(ctx, c, msg)
	case MsgException:
		// Clients report exceptions; log and move on.
		s.log.Warn(ctx, "client exception",
			logging.String("source", msg.GetString(ExcTlvSource)),
			logging.String("text", msg.GetString(ExcTlvText)))
	default:
		err = fmt.Errorf("unknown message type 0x%02x", byte(msg.Type))
	}

	if err != nil {
		s.log.Warn(ctx, "request failed",
			logging.String("type", msg.Type.String()),
			logging.Err(err))
		sid := 0
		if sess := s.sessionFor(c, msg, 0); sess != nil {
			sid = sess.ID()
		}
		replies = append(replies, exceptionMessage(sid, 0, ExcLevelError, msg.Type.String(), err.Error()))
	}
	return replies
}

// sessionFor resolves the target session: an explicit session field wins,
// then the connection's joined session. Returns nil when neither resolves.
func (s *Server) sessionFor(c *conn, msg *Message, tag uint8) *session.Session {
	if tag != 0 {
		if id := msg.GetU32(tag); id != 0 {
			if sess, err := s.sessions.Get(int(id)); err == nil {
				return sess
			}
			return nil
		}
	}
	if c != nil && c.joined != nil {
		return c.joined
	}
	return nil
}

func (s *Server) handleSession(ctx context.Context, c *conn, msg *Message) ([]*Message, error) {
	switch {
	case msg.Flags&FlagAdd != 0:
		ids := parseNumberList(msg.GetString(SessionTlvNumber))
		if len(ids) == 0 {
			return nil, fmt.Errorf("session join without a session number")
		}
		sess, err := s.sessions.GetOrCreate(ids[0])
		if err != nil {
			return nil, err
		}
		if name := msg.GetString(SessionTlvName); name != "" {
			sess.SetName(name)
		}
		if c != nil {
			c.join(sess)
		}
		reply := &Message{Type: MsgSession, Flags: FlagAdd}
		reply.PutString(SessionTlvNumber, strconv.Itoa(sess.ID()))
		return []*Message{reply}, nil

	case msg.Flags&FlagDelete != 0:
		for _, id := range parseNumberList(msg.GetString(SessionTlvNumber)) {
			if err := s.sessions.Delete(ctx, id); err != nil {
				return nil, err
			}
		}
		return nil, nil

	default:
		// Query: one reply listing every session, pipe separated the way
		// the original wire protocol packs parallel lists.
		var ids, names, counts, dates []string
		for _, id := range s.sessions.IDs() {
			sess, err := s.sessions.Get(id)
			if err != nil {
				continue
			}
			ids = append(ids, strconv.Itoa(id))
			names = append(names, sess.Name())
			counts = append(counts, strconv.Itoa(len(sess.Nodes())))
			dates = append(dates, time.Now().UTC().Format(time.RFC3339))
		}
		reply := &Message{Type: MsgSession}
		reply.PutString(SessionTlvNumber, strings.Join(ids, "|"))
		reply.PutString(SessionTlvName, strings.Join(names, "|"))
		reply.PutString(SessionTlvNodeCount, strings.Join(counts, "|"))
		reply.PutString(SessionTlvDate, strings.Join(dates, "|"))
		return []*Message{reply}, nil
	}
}

func (s *Server) handleNode(ctx context.Context, c *conn, msg *Message) ([]*Message, error) {
	sess := s.sessionFor(c, msg, NodeTlvSession)
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	nodeID := int(msg.GetU32(NodeTlvNumber))

	switch {
	case msg.Flags&FlagAdd != 0:
		node := nodeFromMessage(msg)
		id, err := sess.AddNode(ctx, node)
		if err != nil {
			return nil, err
		}
		if msg.Flags&FlagCRI == 0 {
			return nil, nil
		}
		reply := &Message{Type: MsgNode, Flags: FlagAdd}
		reply.PutU32(NodeTlvNumber, uint32(id))
		return []*Message{reply}, nil

	case msg.Flags&FlagDelete != 0:
		if err := sess.DeleteNode(ctx, nodeID); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		node, err := sess.GetNode(nodeID)
		if err != nil {
			return nil, err
		}
		updated := *node
		if msg.Has(NodeTlvName) {
			updated.Name = msg.GetString(NodeTlvName)
		}
		if msg.Has(NodeTlvX) {
			updated.Position.X = float64(msg.GetU16(NodeTlvX))
		}
		if msg.Has(NodeTlvY) {
			updated.Position.Y = float64(msg.GetU16(NodeTlvY))
		}
		if msg.Has(NodeTlvIcon) {
			updated.Icon = msg.GetString(NodeTlvIcon)
		}
		return nil, sess.EditNode(&updated)
	}
}

func nodeFromMessage(msg *Message) *model.Node {
	node := &model.Node{
		ID:     int(msg.GetU32(NodeTlvNumber)),
		Name:   msg.GetString(NodeTlvName),
		Model:  msg.GetString(NodeTlvModel),
		Icon:   msg.GetString(NodeTlvIcon),
		Opaque: msg.GetString(NodeTlvOpaque),
		Position: model.Position{
			X: float64(msg.GetU16(NodeTlvX)),
			Y: float64(msg.GetU16(NodeTlvY)),
		},
	}
	if t, ok := model.NodeTypeFromString(msg.GetString(NodeTlvType)); ok {
		node.Type = t
	}
	if svc := msg.GetString(NodeTlvServices); svc != "" {
		node.Services = strings.Split(svc, "|")
	}
	if msg.Has(NodeTlvLatitude) || msg.Has(NodeTlvLongitude) || msg.Has(NodeTlvAltitude) {
		node.Geo = &model.Geo{
			Lat: parseFloat(msg.GetString(NodeTlvLatitude)),
			Lon: parseFloat(msg.GetString(NodeTlvLongitude)),
			Alt: parseFloat(msg.GetString(NodeTlvAltitude)),
		}
	}
	return node
}

func (s *Server) handleLink(ctx context.Context, c *conn, msg *Message) ([]*Message, error) {
	sess := s.sessionFor(c, msg, LinkTlvSession)
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}

	link := &model.Link{
		NodeOne:      int(msg.GetU32(LinkTlvNode1)),
		NodeTwo:      int(msg.GetU32(LinkTlvNode2)),
		InterfaceOne: -1,
		InterfaceTwo: -1,
		Options: model.LinkOptions{
			Delay:          int64(msg.GetU64(LinkTlvDelay)),
			Bandwidth:      int64(msg.GetU64(LinkTlvBandwidth)),
			Loss:           parseFloat(msg.GetString(LinkTlvLoss)),
			Duplicate:      parseFloat(msg.GetString(LinkTlvDup)),
			Jitter:         int64(msg.GetU64(LinkTlvJitter)),
			Burst:          int(msg.GetU16(LinkTlvBurst)),
			MBurst:         int(msg.GetU16(LinkTlvMBurst)),
			Unidirectional: msg.GetU16(LinkTlvUnidir) == 1,
		},
	}
	if msg.GetU32(LinkTlvType) == uint32(model.LinkTypeWireless) {
		link.Type = model.LinkTypeWireless
	}
	if msg.Has(LinkTlvIface1) {
		link.InterfaceOne = int(msg.GetU16(LinkTlvIface1))
	}
	if msg.Has(LinkTlvIface2) {
		link.InterfaceTwo = int(msg.GetU16(LinkTlvIface2))
	}

	switch {
	case msg.Flags&FlagAdd != 0:
		if msg.Has(LinkTlvIface1) {
			iface := &model.Interface{
				ID:      link.InterfaceOne,
				IP4:     msg.GetString(LinkTlvIface1IP4),
				IP4Mask: int(msg.GetU16(LinkTlvIface1IP4Mask)),
				MAC:     msg.GetString(LinkTlvIface1MAC),
			}
			if err := sess.AddInterface(ctx, link.NodeOne, iface); err != nil {
				return nil, err
			}
		}
		if msg.Has(LinkTlvIface2) {
			iface := &model.Interface{
				ID:      link.InterfaceTwo,
				IP4:     msg.GetString(LinkTlvIface2IP4),
				IP4Mask: int(msg.GetU16(LinkTlvIface2IP4Mask)),
				MAC:     msg.GetString(LinkTlvIface2MAC),
			}
			if err := sess.AddInterface(ctx, link.NodeTwo, iface); err != nil {
				return nil, err
			}
		}
		return nil, sess.AddLink(ctx, link)

	case msg.Flags&FlagDelete != 0:
		return nil, sess.DeleteLink(ctx, linkKey(link))

	default:
		return nil, sess.EditLink(ctx, linkKey(link), link.Options)
	}
}

func linkKey(link *model.Link) netem.LinkKey {
	return netem.KeyFor(link)
}

func (s *Server) handleEvent(ctx context.Context, c *conn, msg *Message) ([]*Message, error) {
	sess := s.sessionFor(c, msg, EventTlvSession)
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}

	evType := int(msg.GetU32(EventTlvType))
	switch {
	case evType >= EventDefinitionState && evType <= EventShutdownState:
		err := sess.SetState(ctx, session.State(evType))
		if _, partial := session.AsCommitError(err); partial {
			// The transition committed; failures already went out as
			// exception events.
			return nil, nil
		}
		return nil, err
	case evType == EventStart:
		return nil, sess.Mobility(session.MobilityStart)
	case evType == EventStop:
		return nil, sess.Mobility(session.MobilityStop)
	case evType == EventPause:
		return nil, sess.Mobility(session.MobilityPause)
	default:
		return nil, fmt.Errorf("unsupported event type %d", evType)
	}
}

func (s *Server) handleExecute(ctx context.Context, c *conn, msg *Message) ([]*Message, error) {
	sess := s.sessionFor(c, msg, ExecTlvSession)
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	nodeID := int(msg.GetU32(ExecTlvNode))
	command := msg.GetString(ExecTlvCommand)
	if command == "" {
		return nil, fmt.Errorf("execute without a command")
	}
	if _, err := sess.GetNode(nodeID); err != nil {
		return nil, err
	}

	ns := netem.NamespaceName(sess.ID(), nodeID)
	res, err := s.runner.Run(ctx, 30*time.Second, "ip", "netns", "exec", ns, "sh", "-c", command)
	if err != nil {
		return nil, err
	}

	reply := &Message{Type: MsgExecute}
	reply.PutU32(ExecTlvNode, uint32(nodeID))
	reply.PutU32(ExecTlvNumber, msg.GetU32(ExecTlvNumber))
	reply.PutString(ExecTlvCommand, command)
	if msg.Flags&FlagText != 0 {
		reply.PutString(ExecTlvResult, res.Stdout)
	}
	reply.PutU32(ExecTlvStatus, uint32(res.ExitCode))
	return []*Message{reply}, nil
}

func (s *Server) handleConfig(ctx context.Context, c *conn, msg *Message) ([]*Message, error) {
	sess := s.sessionFor(c, msg, ConfigTlvSession)
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	object := msg.GetString(ConfigTlvObject)
	nodeID := int(msg.GetU32(ConfigTlvNode))

	switch msg.GetU16(ConfigTlvType) {
	case ConfigTypeUpdate:
		values, err := parseConfigValues(msg.GetString(ConfigTlvValues))
		if err != nil {
			return nil, err
		}
		if object == session.OptionsModelName {
			return nil, sess.SetOptions(values)
		}
		return nil, sess.SetModelConfig(nodeID, object, values)

	default: // request
		var values map[string]string
		var err error
		if object == session.OptionsModelName {
			values = sess.Options()
		} else {
			values, err = sess.ModelConfig(nodeID, object)
			if err != nil {
				return nil, err
			}
		}
		reply := &Message{Type: MsgConfig}
		if nodeID != 0 {
			reply.PutU32(ConfigTlvNode, uint32(nodeID))
		}
		reply.PutString(ConfigTlvObject, object)
		reply.PutU16(ConfigTlvType, ConfigTypeUpdate)
		reply.PutString(ConfigTlvValues, formatConfigValues(values))
		return []*Message{reply}, nil
	}
}

func (s *Server) handleFile(ctx context.Context, c *conn, msg *Message) ([]*Message, error) {
	sess := s.sessionFor(c, msg, FileTlvSession)
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	name := msg.GetString(FileTlvName)

	// A file message with a service-prefixed type field carries a custom
	// service file, e.g. "service:zebra".
	if typ := msg.GetString(FileTlvType); strings.HasPrefix(typ, "service:") {
		svcName := strings.TrimPrefix(typ, "service:")
		nodeID := int(msg.GetU32(FileTlvNode))
		data, _ := msg.Get(FileTlvData)
		return nil, sess.Services().SetServiceFile(nodeID, svcName, name, string(data))
	}

	switch {
	case msg.Flags&FlagAdd != 0:
		// Load a saved topology document into this session.
		data, ok := msg.Get(FileTlvData)
		if !ok {
			return nil, fmt.Errorf("file message without data")
		}
		return nil, sess.LoadDocument(ctx, data)
	default:
		data, err := sess.SaveDocument()
		if err != nil {
			return nil, err
		}
		reply := &Message{Type: MsgFile}
		reply.PutString(FileTlvName, name)
		reply.add(FileTlvData, data)
		return []*Message{reply}, nil
	}
}

func (s *Server) handleInterface(ctx context.Context, c *conn, msg *Message) ([]*Message, error) {
	sess := s.sessionFor(c, msg, IfaceTlvSession)
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	nodeID := int(msg.GetU32(IfaceTlvNode))
	iface := &model.Interface{
		ID:      int(msg.GetU16(IfaceTlvNumber)),
		Name:    msg.GetString(IfaceTlvName),
		IP4:     msg.GetString(IfaceTlvIP4),
		IP4Mask: int(msg.GetU16(IfaceTlvIP4Mask)),
		MAC:     msg.GetString(IfaceTlvMAC),
		IP6:     msg.GetString(IfaceTlvIP6),
		IP6Mask: int(msg.GetU16(IfaceTlvIP6Mask)),
	}
	return nil, sess.AddInterface(ctx, nodeID, iface)
}

func (s *Server) handleRegister(ctx context.Context, c *conn, msg *Message) ([]*Message, error) {
	// Registration announces client capabilities. Reply with the models
	// this daemon provides so a GUI can populate its dialogs.
	reply := &Message{Type: MsgRegister}
	reply.PutString(RegTlvUtility, "session")
	if c != nil && c.joined != nil {
		reply.PutString(RegTlvWireless, strings.Join(c.joined.ModelNames(), "|"))
	}
	return []*Message{reply}, nil
}

// parseNumberList splits a pipe-separated id list.
func parseNumberList(s string) []int {
	var out []int
	for _, part := range strings.Split(s, "|") {
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// parseConfigValues decodes "key=value|key=value" option strings.
func parseConfigValues(s string) (map[string]string, error) {
	values := make(map[string]string)
	if s == "" {
		return values, nil
	}
	for _, pair := range strings.Split(s, "|") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed option %q", pair)
		}
		values[k] = v
	}
	return values, nil
}

func formatConfigValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values[k])
	}
	return strings.Join(pairs, "|")
}
