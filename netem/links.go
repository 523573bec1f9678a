package netem

import (
	"context"
	"fmt"
	"sync"

	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/model"
)

// LinkKey identifies a link by its endpoints, in canonical order: the
// lower (node, interface) pair always comes first, so a link and its
// reversed statement resolve to the same key.
type LinkKey struct {
	NodeOne, InterfaceOne int
	NodeTwo, InterfaceTwo int
}

// NewLinkKey builds a canonical LinkKey from endpoint coordinates stated
// in either order.
func NewLinkKey(nodeOne, ifaceOne, nodeTwo, ifaceTwo int) LinkKey {
	if nodeTwo < nodeOne || (nodeTwo == nodeOne && ifaceTwo < ifaceOne) {
		nodeOne, ifaceOne, nodeTwo, ifaceTwo = nodeTwo, ifaceTwo, nodeOne, ifaceOne
	}
	return LinkKey{nodeOne, ifaceOne, nodeTwo, ifaceTwo}
}

// KeyFor derives the canonical LinkKey from a link record.
func KeyFor(l *model.Link) LinkKey {
	return NewLinkKey(l.NodeOne, l.InterfaceOne, l.NodeTwo, l.InterfaceTwo)
}

// LinkManager owns the kernel realization of a session's links: bridge
// membership for each endpoint plus the shaping qdiscs carrying the link's
// LinkOptions.
type LinkManager struct {
	sessionID int
	realizer  Realizer
	nodes     *NodeManager
	log       logging.Logger

	mu   sync.Mutex
	live map[LinkKey]*linkRealization
}

type linkRealization struct {
	// ownBridge is set when the link created its own point-to-point bridge
	// and must delete it on teardown.
	ownBridge string
	// trunkDevs are veth ends created to join two bridges.
	trunkDevs []string
	// shapedDevs carry the link's qdiscs. The first device shapes the
	// node-one to node-two direction; asymmetric links shape only it.
	shapedDevs []string
}

// NewLinkManager constructs a LinkManager bound to the session's nodes.
func NewLinkManager(sessionID int, realizer Realizer, nodes *NodeManager, log logging.Logger) *LinkManager {
	if log == nil {
		log = logging.Noop()
	}
	return &LinkManager{
		sessionID: sessionID,
		realizer:  realizer,
		nodes:     nodes,
		log:       log,
		live:      make(map[LinkKey]*linkRealization),
	}
}

// IsLive reports whether the link currently has a kernel realization.
func (lm *LinkManager) IsLive(key LinkKey) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	_, ok := lm.live[key]
	return ok
}

// LiveCount returns the number of realized links.
func (lm *LinkManager) LiveCount() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.live)
}

// Realize creates or joins the bridge for the link's endpoints and applies
// its shaping parameters. Endpoint nodes must already be realized.
func (lm *LinkManager) Realize(ctx context.Context, link *model.Link, nodeOne, nodeTwo *model.Node) error {
	key := KeyFor(link)
	lm.mu.Lock()
	if _, ok := lm.live[key]; ok {
		lm.mu.Unlock()
		return nil
	}
	lm.mu.Unlock()

	real := &linkRealization{}
	var err error
	switch {
	case !nodeOne.Type.IsNetwork() && !nodeTwo.Type.IsNetwork():
		err = lm.joinPeerToPeer(ctx, link, real)
	case nodeOne.Type.IsNetwork() && nodeTwo.Type.IsNetwork():
		err = lm.joinBridges(ctx, link, nodeOne, nodeTwo, real)
	default:
		err = lm.joinDeviceToNet(ctx, link, nodeOne, nodeTwo, real)
	}
	if err == nil {
		err = lm.applyShaping(ctx, link.Options, real)
	}
	if err != nil {
		lm.cleanupPartial(ctx, real)
		return err
	}

	lm.mu.Lock()
	lm.live[key] = real
	lm.mu.Unlock()
	return nil
}

// joinPeerToPeer links two device nodes through a dedicated bridge.
func (lm *LinkManager) joinPeerToPeer(ctx context.Context, link *model.Link, real *linkRealization) error {
	bridge := PeerBridgeName(lm.sessionID, link.Options.Key)
	if err := lm.realizer.CreateBridge(ctx, bridge); err != nil {
		return fmt.Errorf("link %d/%d-%d/%d: %w",
			link.NodeOne, link.InterfaceOne, link.NodeTwo, link.InterfaceTwo, err)
	}
	real.ownBridge = bridge

	for _, ep := range [][2]int{
		{link.NodeOne, link.InterfaceOne},
		{link.NodeTwo, link.InterfaceTwo},
	} {
		dev, ok := lm.nodes.HostDeviceFor(ep[0], ep[1])
		if !ok {
			return fmt.Errorf("link endpoint %d/%d is not realized", ep[0], ep[1])
		}
		if err := lm.realizer.AttachToBridge(ctx, bridge, dev); err != nil {
			return err
		}
		real.shapedDevs = append(real.shapedDevs, dev)
	}
	return nil
}

// joinDeviceToNet attaches a device node's veth to a network node's bridge.
func (lm *LinkManager) joinDeviceToNet(ctx context.Context, link *model.Link, nodeOne, nodeTwo *model.Node, real *linkRealization) error {
	devNode, devIface := link.NodeOne, link.InterfaceOne
	netNode := nodeTwo
	if nodeOne.Type.IsNetwork() {
		devNode, devIface = link.NodeTwo, link.InterfaceTwo
		netNode = nodeOne
	}

	bridge, ok := lm.nodes.BridgeFor(netNode.ID)
	if !ok {
		return fmt.Errorf("network node %d is not realized", netNode.ID)
	}
	dev, ok := lm.nodes.HostDeviceFor(devNode, devIface)
	if !ok {
		return fmt.Errorf("link endpoint %d/%d is not realized", devNode, devIface)
	}
	if err := lm.realizer.AttachToBridge(ctx, bridge, dev); err != nil {
		return err
	}
	real.shapedDevs = append(real.shapedDevs, dev)
	return nil
}

// joinBridges trunks two network nodes together with a dedicated veth pair.
func (lm *LinkManager) joinBridges(ctx context.Context, link *model.Link, nodeOne, nodeTwo *model.Node, real *linkRealization) error {
	bridgeOne, ok := lm.nodes.BridgeFor(nodeOne.ID)
	if !ok {
		return fmt.Errorf("network node %d is not realized", nodeOne.ID)
	}
	bridgeTwo, ok := lm.nodes.BridgeFor(nodeTwo.ID)
	if !ok {
		return fmt.Errorf("network node %d is not realized", nodeTwo.ID)
	}

	devOne := fmt.Sprintf("x%d.%da", lm.sessionID, link.Options.Key)
	devTwo := fmt.Sprintf("x%d.%db", lm.sessionID, link.Options.Key)
	if err := lm.realizer.CreateVeth(ctx, devOne, devTwo); err != nil {
		return err
	}
	real.trunkDevs = []string{devOne, devTwo}

	if err := lm.realizer.AttachToBridge(ctx, bridgeOne, devOne); err != nil {
		return err
	}
	if err := lm.realizer.AttachToBridge(ctx, bridgeTwo, devTwo); err != nil {
		return err
	}
	real.shapedDevs = []string{devOne, devTwo}
	return nil
}

func (lm *LinkManager) applyShaping(ctx context.Context, opts model.LinkOptions, real *linkRealization) error {
	for i, dev := range real.shapedDevs {
		if i > 0 && opts.Unidirectional {
			break
		}
		if err := lm.realizer.ApplyShaping(ctx, dev, opts); err != nil {
			return err
		}
	}
	return nil
}

// Update re-applies shaping parameters on a live link without touching its
// bridge membership. This is the shared path for manual LinkOptions edits
// and wireless model recomputation.
func (lm *LinkManager) Update(ctx context.Context, link *model.Link) error {
	key := KeyFor(link)
	lm.mu.Lock()
	real, ok := lm.live[key]
	lm.mu.Unlock()
	if !ok {
		return fmt.Errorf("link %d/%d-%d/%d is not realized",
			link.NodeOne, link.InterfaceOne, link.NodeTwo, link.InterfaceTwo)
	}
	return lm.applyShaping(ctx, link.Options, real)
}

// Teardown removes the link's realization: shaping rules first, then any
// constructs the link itself created, so no qdisc outlives its device.
func (lm *LinkManager) Teardown(ctx context.Context, key LinkKey) error {
	lm.mu.Lock()
	real, ok := lm.live[key]
	if !ok {
		lm.mu.Unlock()
		return nil
	}
	delete(lm.live, key)
	lm.mu.Unlock()

	var firstErr error
	for _, dev := range real.shapedDevs {
		if err := lm.realizer.ClearShaping(ctx, dev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, dev := range real.trunkDevs {
		if err := lm.realizer.DeleteDevice(ctx, dev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if real.ownBridge != "" {
		if err := lm.realizer.DeleteBridge(ctx, real.ownBridge); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (lm *LinkManager) cleanupPartial(ctx context.Context, real *linkRealization) {
	for _, dev := range real.trunkDevs {
		if err := lm.realizer.DeleteDevice(ctx, dev); err != nil {
			lm.log.Warn(ctx, "partial link cleanup failed", logging.String("device", dev), logging.Err(err))
		}
	}
	if real.ownBridge != "" {
		if err := lm.realizer.DeleteBridge(ctx, real.ownBridge); err != nil {
			lm.log.Warn(ctx, "partial link cleanup failed", logging.String("bridge", real.ownBridge), logging.Err(err))
		}
	}
}

// LiveKeys returns the keys of all realized links.
func (lm *LinkManager) LiveKeys() []LinkKey {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	keys := make([]LinkKey, 0, len(lm.live))
	for key := range lm.live {
		keys = append(keys, key)
	}
	return keys
}
