package netem

import (
	"context"
	"fmt"
	"sync"

	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/model"
)

// NodeManager owns the kernel realization of a session's nodes. The
// topology model references realizations through it but never holds them.
type NodeManager struct {
	sessionID int
	realizer  Realizer
	log       logging.Logger

	mu   sync.Mutex
	live map[int]*nodeRealization
}

type nodeRealization struct {
	namespace string
	bridge    string
	// hostDevs are the root-namespace veth ends, keyed by interface id.
	hostDevs map[int]string
}

// NewNodeManager constructs a NodeManager for one session.
func NewNodeManager(sessionID int, realizer Realizer, log logging.Logger) *NodeManager {
	if log == nil {
		log = logging.Noop()
	}
	return &NodeManager{
		sessionID: sessionID,
		realizer:  realizer,
		log:       log,
		live:      make(map[int]*nodeRealization),
	}
}

// IsLive reports whether the node currently has a kernel realization.
func (nm *NodeManager) IsLive(nodeID int) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	_, ok := nm.live[nodeID]
	return ok
}

// LiveCount returns the number of realized nodes.
func (nm *NodeManager) LiveCount() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return len(nm.live)
}

// HostDeviceFor returns the root-namespace device realizing the given node
// interface, if the node is live.
func (nm *NodeManager) HostDeviceFor(nodeID, ifaceID int) (string, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	real, ok := nm.live[nodeID]
	if !ok {
		return "", false
	}
	dev, ok := real.hostDevs[ifaceID]
	return dev, ok
}

// BridgeFor returns the bridge device realizing a network-class node.
func (nm *NodeManager) BridgeFor(nodeID int) (string, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	real, ok := nm.live[nodeID]
	if !ok || real.bridge == "" {
		return "", false
	}
	return real.bridge, true
}

// Realize creates the kernel constructs for one node: a bridge for
// network-class nodes, a namespace plus configured veth pairs for device
// nodes. Already-live nodes are a no-op.
func (nm *NodeManager) Realize(ctx context.Context, node *model.Node, ifaces []*model.Interface) error {
	nm.mu.Lock()
	if _, ok := nm.live[node.ID]; ok {
		nm.mu.Unlock()
		return nil
	}
	nm.mu.Unlock()

	if node.Type.IsNetwork() {
		bridge := BridgeName(nm.sessionID, node.ID)
		if err := nm.realizer.CreateBridge(ctx, bridge); err != nil {
			return fmt.Errorf("node %d (%s): %w", node.ID, node.Name, err)
		}
		nm.mu.Lock()
		nm.live[node.ID] = &nodeRealization{bridge: bridge, hostDevs: map[int]string{}}
		nm.mu.Unlock()
		return nil
	}

	ns := NamespaceName(nm.sessionID, node.ID)
	if err := nm.realizer.CreateNamespace(ctx, ns); err != nil {
		return fmt.Errorf("node %d (%s): %w", node.ID, node.Name, err)
	}

	real := &nodeRealization{namespace: ns, hostDevs: map[int]string{}}
	for _, iface := range ifaces {
		host := HostDevice(nm.sessionID, node.ID, iface.ID)
		peer := nodeDevice(iface.ID)
		// veth peers cannot share a name with an existing device, so the
		// pair is created with a temporary peer name in the root namespace
		// and takes its eth name during the namespace move.
		tmpPeer := host + "p"
		if err := nm.realizer.CreateVeth(ctx, host, tmpPeer); err != nil {
			nm.cleanupPartial(ctx, ns, real)
			return fmt.Errorf("node %d interface %d: %w", node.ID, iface.ID, err)
		}
		real.hostDevs[iface.ID] = host
		if err := nm.realizer.MoveToNamespace(ctx, tmpPeer, ns, peer); err != nil {
			nm.cleanupPartial(ctx, ns, real)
			return fmt.Errorf("node %d interface %d: %w", node.ID, iface.ID, err)
		}
		if err := nm.realizer.ConfigureInterface(ctx, ns, peer, iface); err != nil {
			nm.cleanupPartial(ctx, ns, real)
			return fmt.Errorf("node %d interface %d: %w", node.ID, iface.ID, err)
		}
	}

	nm.mu.Lock()
	nm.live[node.ID] = real
	nm.mu.Unlock()
	return nil
}

// RealizeInterface adds one configured veth pair to an already-live device
// node. Used for interfaces bound after the node was realized. Bridge-backed
// nodes have no per-interface devices and are a no-op.
func (nm *NodeManager) RealizeInterface(ctx context.Context, nodeID int, iface *model.Interface) error {
	nm.mu.Lock()
	real, ok := nm.live[nodeID]
	if !ok {
		nm.mu.Unlock()
		return fmt.Errorf("node %d: not realized", nodeID)
	}
	if real.namespace == "" {
		nm.mu.Unlock()
		return nil
	}
	if _, ok := real.hostDevs[iface.ID]; ok {
		nm.mu.Unlock()
		return nil
	}
	ns := real.namespace
	nm.mu.Unlock()

	host := HostDevice(nm.sessionID, nodeID, iface.ID)
	tmpPeer := host + "p"
	if err := nm.realizer.CreateVeth(ctx, host, tmpPeer); err != nil {
		return fmt.Errorf("node %d interface %d: %w", nodeID, iface.ID, err)
	}
	if err := nm.realizer.MoveToNamespace(ctx, tmpPeer, ns, nodeDevice(iface.ID)); err != nil {
		nm.deleteQuiet(ctx, host)
		return fmt.Errorf("node %d interface %d: %w", nodeID, iface.ID, err)
	}
	if err := nm.realizer.ConfigureInterface(ctx, ns, nodeDevice(iface.ID), iface); err != nil {
		nm.deleteQuiet(ctx, host)
		return fmt.Errorf("node %d interface %d: %w", nodeID, iface.ID, err)
	}

	nm.mu.Lock()
	real.hostDevs[iface.ID] = host
	nm.mu.Unlock()
	return nil
}

func (nm *NodeManager) deleteQuiet(ctx context.Context, dev string) {
	if err := nm.realizer.DeleteDevice(ctx, dev); err != nil {
		nm.log.Warn(ctx, "partial cleanup failed", logging.String("device", dev), logging.Err(err))
	}
}

// cleanupPartial tears down a half-built node realization so the failed
// node leaves nothing behind.
func (nm *NodeManager) cleanupPartial(ctx context.Context, ns string, real *nodeRealization) {
	for _, dev := range real.hostDevs {
		if err := nm.realizer.DeleteDevice(ctx, dev); err != nil {
			nm.log.Warn(ctx, "partial cleanup failed", logging.String("device", dev), logging.Err(err))
		}
	}
	if err := nm.realizer.DeleteNamespace(ctx, ns); err != nil {
		nm.log.Warn(ctx, "partial cleanup failed", logging.String("namespace", ns), logging.Err(err))
	}
}

// Teardown removes the node's kernel realization, best effort: every
// construct is attempted and the first error is returned afterwards.
func (nm *NodeManager) Teardown(ctx context.Context, nodeID int) error {
	nm.mu.Lock()
	real, ok := nm.live[nodeID]
	if !ok {
		nm.mu.Unlock()
		return nil
	}
	delete(nm.live, nodeID)
	nm.mu.Unlock()

	var firstErr error
	if real.bridge != "" {
		if err := nm.realizer.DeleteBridge(ctx, real.bridge); err != nil {
			firstErr = err
		}
		return firstErr
	}

	for _, dev := range real.hostDevs {
		if err := nm.realizer.DeleteDevice(ctx, dev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := nm.realizer.DeleteNamespace(ctx, real.namespace); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// LiveNodes returns the ids of all realized nodes.
func (nm *NodeManager) LiveNodes() []int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	ids := make([]int, 0, len(nm.live))
	for id := range nm.live {
		ids = append(ids, id)
	}
	return ids
}
