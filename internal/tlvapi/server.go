package tlvapi

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/emunet-dev/emunetd/internal/cmdexec"
	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/session"
)

// Server speaks the binary control protocol over TCP, with a UDP companion
// for connectionless clients. Both feed the same session registry as the
// gRPC surface.
type Server struct {
	sessions *session.Manager
	runner   cmdexec.Runner
	log      logging.Logger
}

// NewServer constructs the protocol server. runner executes commands for
// execute messages.
func NewServer(sessions *session.Manager, runner cmdexec.Runner, log logging.Logger) *Server {
	if runner == nil {
		runner = cmdexec.System{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Server{sessions: sessions, runner: runner, log: log}
}

// Serve accepts TCP connections until the listener closes or ctx is done.
// Each connection gets its own dispatch goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c := &conn{srv: s, rw: nc}
		go c.serve(ctx)
	}
}

// ServePacket answers datagram requests. Replies go back to the sender;
// datagram clients get no event forwarding.
func (s *Server) ServePacket(ctx context.Context, pc net.PacketConn) error {
	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	buf := make([]byte, headerLen+maxPayload)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			s.log.Warn(ctx, "bad datagram", logging.String("from", addr.String()), logging.Err(err))
			continue
		}
		for _, reply := range s.dispatch(ctx, nil, msg) {
			out, err := reply.Encode()
			if err != nil {
				s.log.Warn(ctx, "encode reply", logging.Err(err))
				continue
			}
			if _, err := pc.WriteTo(out, addr); err != nil {
				s.log.Warn(ctx, "write reply", logging.Err(err))
			}
		}
	}
}

// conn is one TCP client. Frame writes are serialized so handler replies
// and forwarded events do not interleave.
type conn struct {
	srv *Server
	rw  net.Conn

	wmu sync.Mutex

	// joined is the session this client attached to, if any.
	joined      *session.Session
	unsubscribe func()
}

func (c *conn) serve(ctx context.Context) {
	defer func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.rw.Close()
	}()

	for {
		msg, err := ReadMessage(c.rw)
		if err != nil {
			if errors.Is(err, ErrTruncated) {
				// The frame was consumed in full, so the stream is still
				// aligned. Fail the request, keep the connection.
				c.send(exceptionMessage(0, 0, ExcLevelError, "tlvapi", err.Error()))
				continue
			}
			return
		}
		for _, reply := range c.srv.dispatch(ctx, c, msg) {
			if err := c.send(reply); err != nil {
				return
			}
		}
	}
}

func (c *conn) send(m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteMessage(c.rw, m)
}

// join attaches the connection to a session and starts forwarding its
// events as event/node/link/exception messages.
func (c *conn) join(sess *session.Session) {
	if c == nil || c.joined == sess {
		return
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.joined = sess

	id, ch := sess.Events().Subscribe()
	done := make(chan struct{})
	c.unsubscribe = func() {
		sess.Events().Unsubscribe(id)
		close(done)
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if msg := eventToMessage(ev); msg != nil {
					if err := c.send(msg); err != nil {
						return
					}
				}
			}
		}
	}()
}

// eventToMessage converts a broker event to its wire form. Events with no
// protocol representation return nil.
func eventToMessage(ev session.Event) *Message {
	switch ev.Type {
	case session.EventSession:
		msg := &Message{Type: MsgEvent}
		msg.PutU32(EventTlvSession, uint32(ev.SessionID))
		if ev.Complete {
			msg.PutU32(EventTlvType, EventInstantiationDone)
		} else {
			msg.PutU32(EventTlvType, uint32(ev.State))
		}
		msg.PutU64(EventTlvTime, uint64(ev.Time.Unix()))
		return msg
	case session.EventException:
		lvl := ExcLevelError
		if ev.Level == session.LevelWarning {
			lvl = ExcLevelWarning
		}
		return exceptionMessage(ev.SessionID, ev.NodeID, lvl, ev.Source, ev.Message)
	case session.EventNode:
		if ev.Node == nil {
			return nil
		}
		msg := &Message{Type: MsgNode}
		if ev.Deleted {
			msg.Flags = FlagDelete
		}
		msg.PutU32(NodeTlvNumber, uint32(ev.Node.ID))
		msg.PutU32(NodeTlvSession, uint32(ev.SessionID))
		msg.PutString(NodeTlvName, ev.Node.Name)
		msg.PutU16(NodeTlvX, uint16(ev.Node.Position.X))
		msg.PutU16(NodeTlvY, uint16(ev.Node.Position.Y))
		return msg
	case session.EventLink:
		if ev.Link == nil {
			return nil
		}
		msg := &Message{Type: MsgLink}
		if ev.Deleted {
			msg.Flags = FlagDelete
		}
		msg.PutU32(LinkTlvNode1, uint32(ev.Link.NodeOne))
		msg.PutU32(LinkTlvNode2, uint32(ev.Link.NodeTwo))
		msg.PutU32(LinkTlvSession, uint32(ev.SessionID))
		return msg
	default:
		return nil
	}
}

func exceptionMessage(sessionID, nodeID, level int, source, text string) *Message {
	msg := &Message{Type: MsgException}
	if nodeID != 0 {
		msg.PutU32(ExcTlvNode, uint32(nodeID))
	}
	if sessionID != 0 {
		msg.PutU32(ExcTlvSession, uint32(sessionID))
	}
	msg.PutU16(ExcTlvLevel, uint16(level))
	msg.PutString(ExcTlvSource, source)
	msg.PutString(ExcTlvDate, time.Now().UTC().Format(time.RFC3339))
	msg.PutString(ExcTlvText, text)
	return msg
}
