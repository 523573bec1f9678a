package netem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emunet-dev/emunetd/internal/cmdexec"
	"github.com/emunet-dev/emunetd/model"
)

func deviceNode(id int) *model.Node {
	return &model.Node{ID: id, Name: "n", Type: model.NodeTypeDefault}
}

func switchNode(id int) *model.Node {
	return &model.Node{ID: id, Name: "sw", Type: model.NodeTypeSwitch}
}

func TestNodeManagerRealizeDeviceNode(t *testing.T) {
	fake := NewFake()
	nm := NewNodeManager(1, fake, nil)

	node := deviceNode(3)
	ifaces := []*model.Interface{{ID: 0, NodeID: 3, IP4: "10.0.0.1", IP4Mask: 24}}
	if err := nm.Realize(context.Background(), node, ifaces); err != nil {
		t.Fatalf("Realize: %v", err)
	}

	if !fake.Namespaces["en1.3"] {
		t.Fatal("expected namespace en1.3 to exist")
	}
	if dev, ok := nm.HostDeviceFor(3, 0); !ok || dev != "veth1.3.0" {
		t.Fatalf("HostDeviceFor = %q, %v", dev, ok)
	}

	// realizing again is a no-op
	calls := fake.RealizeCalls
	if err := nm.Realize(context.Background(), node, ifaces); err != nil {
		t.Fatalf("second Realize: %v", err)
	}
	if fake.RealizeCalls != calls {
		t.Fatal("second Realize should not touch the kernel")
	}
}

func TestNodeManagerRealizeNetworkNodeAsBridge(t *testing.T) {
	fake := NewFake()
	nm := NewNodeManager(2, fake, nil)

	if err := nm.Realize(context.Background(), switchNode(5), nil); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	if bridge, ok := nm.BridgeFor(5); !ok || bridge != "b2.5" {
		t.Fatalf("BridgeFor = %q, %v", bridge, ok)
	}
	if len(fake.Namespaces) != 0 {
		t.Fatal("network nodes must not create namespaces")
	}
}

func TestNodeManagerFailureLeavesNothingLive(t *testing.T) {
	fake := NewFake()
	fake.FailNamespaces["en1.9"] = true
	nm := NewNodeManager(1, fake, nil)

	if err := nm.Realize(context.Background(), deviceNode(9), nil); err == nil {
		t.Fatal("expected namespace failure to surface")
	}
	if nm.IsLive(9) {
		t.Fatal("failed node must not be tracked as live")
	}
}

func TestLinkManagerPeerToPeer(t *testing.T) {
	fake := NewFake()
	nm := NewNodeManager(1, fake, nil)
	lm := NewLinkManager(1, fake, nm, nil)
	ctx := context.Background()

	a, b := deviceNode(1), deviceNode(2)
	ifA := []*model.Interface{{ID: 0, NodeID: 1}}
	ifB := []*model.Interface{{ID: 0, NodeID: 2}}
	if err := nm.Realize(ctx, a, ifA); err != nil {
		t.Fatal(err)
	}
	if err := nm.Realize(ctx, b, ifB); err != nil {
		t.Fatal(err)
	}

	link := &model.Link{
		NodeOne: 1, InterfaceOne: 0,
		NodeTwo: 2, InterfaceTwo: 0,
		Options: model.LinkOptions{Key: 7, Bandwidth: 1_000_000, Delay: 50},
	}
	if err := lm.Realize(ctx, link, a, b); err != nil {
		t.Fatalf("Realize link: %v", err)
	}

	if !fake.Bridges["p1.7"] {
		t.Fatal("expected point-to-point bridge p1.7")
	}
	if fake.Members["veth1.1.0"] != "p1.7" || fake.Members["veth1.2.0"] != "p1.7" {
		t.Fatalf("unexpected bridge membership %v", fake.Members)
	}
	if got := fake.Shaping["veth1.1.0"]; got.Bandwidth != 1_000_000 || got.Delay != 50 {
		t.Fatalf("unexpected shaping %+v", got)
	}
	if _, shaped := fake.Shaping["veth1.2.0"]; !shaped {
		t.Fatal("bidirectional link should shape both devices")
	}
}

func TestLinkManagerUnidirectionalShapesOneSide(t *testing.T) {
	fake := NewFake()
	nm := NewNodeManager(1, fake, nil)
	lm := NewLinkManager(1, fake, nm, nil)
	ctx := context.Background()

	a, b := deviceNode(1), deviceNode(2)
	_ = nm.Realize(ctx, a, []*model.Interface{{ID: 0, NodeID: 1}})
	_ = nm.Realize(ctx, b, []*model.Interface{{ID: 0, NodeID: 2}})

	link := &model.Link{
		NodeOne: 1, NodeTwo: 2,
		Options: model.LinkOptions{Key: 1, Delay: 100, Unidirectional: true},
	}
	if err := lm.Realize(ctx, link, a, b); err != nil {
		t.Fatal(err)
	}
	if _, shaped := fake.Shaping["veth1.2.0"]; shaped {
		t.Fatal("unidirectional link must not shape the reverse device")
	}
}

func TestLinkManagerDeviceToNetwork(t *testing.T) {
	fake := NewFake()
	nm := NewNodeManager(1, fake, nil)
	lm := NewLinkManager(1, fake, nm, nil)
	ctx := context.Background()

	dev, sw := deviceNode(1), switchNode(2)
	_ = nm.Realize(ctx, dev, []*model.Interface{{ID: 0, NodeID: 1}})
	_ = nm.Realize(ctx, sw, nil)

	link := &model.Link{NodeOne: 1, InterfaceOne: 0, NodeTwo: 2, InterfaceTwo: -1}
	if err := lm.Realize(ctx, link, dev, sw); err != nil {
		t.Fatal(err)
	}
	if fake.Members["veth1.1.0"] != "b1.2" {
		t.Fatalf("expected veth attached to switch bridge, got %v", fake.Members)
	}
}

func TestLinkTeardownClearsShapingBeforeDevices(t *testing.T) {
	fake := NewFake()
	nm := NewNodeManager(1, fake, nil)
	lm := NewLinkManager(1, fake, nm, nil)
	ctx := context.Background()

	a, b := switchNode(1), switchNode(2)
	_ = nm.Realize(ctx, a, nil)
	_ = nm.Realize(ctx, b, nil)

	link := &model.Link{NodeOne: 1, InterfaceOne: -1, NodeTwo: 2, InterfaceTwo: -1, Options: model.LinkOptions{Key: 3, Delay: 10}}
	if err := lm.Realize(ctx, link, a, b); err != nil {
		t.Fatal(err)
	}
	if err := lm.Teardown(ctx, KeyFor(link)); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	// no shaping op may appear after the delete of its device
	lastUnshape, firstDelete := -1, len(fake.Ops)
	for i, op := range fake.Ops {
		if strings.HasPrefix(op, "unshape") && i > lastUnshape {
			lastUnshape = i
		}
		if strings.HasPrefix(op, "link del x") && i < firstDelete {
			firstDelete = i
		}
	}
	if lastUnshape > firstDelete {
		t.Fatalf("shaping removed after device deletion: %v", fake.Ops)
	}
	if lm.IsLive(KeyFor(link)) {
		t.Fatal("link should no longer be live")
	}
}

func TestLinkManagerUpdateReappliesShaping(t *testing.T) {
	fake := NewFake()
	nm := NewNodeManager(1, fake, nil)
	lm := NewLinkManager(1, fake, nm, nil)
	ctx := context.Background()

	a, b := deviceNode(1), deviceNode(2)
	_ = nm.Realize(ctx, a, []*model.Interface{{ID: 0, NodeID: 1}})
	_ = nm.Realize(ctx, b, []*model.Interface{{ID: 0, NodeID: 2}})

	link := &model.Link{NodeOne: 1, NodeTwo: 2, Options: model.LinkOptions{Key: 2, Delay: 10}}
	if err := lm.Realize(ctx, link, a, b); err != nil {
		t.Fatal(err)
	}

	bridges := len(fake.Bridges)
	link.Options.Delay = 9999
	if err := lm.Update(ctx, link); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fake.Shaping["veth1.1.0"]; got.Delay != 9999 {
		t.Fatalf("expected shaping re-applied, got %+v", got)
	}
	if len(fake.Bridges) != bridges {
		t.Fatal("live edit must not rebuild bridges")
	}
}

func TestExecShapingCommand(t *testing.T) {
	runner := &cmdexec.Fake{}
	e := NewExec(runner)

	opts := model.LinkOptions{Bandwidth: 1_000_000, Delay: 50, Jitter: 5, Loss: 1.5}
	if err := e.ApplyShaping(context.Background(), "veth0", opts); err != nil {
		t.Fatal(err)
	}

	// Bandwidth installs a root tbf; the netem parameters chain under it.
	if len(runner.Calls) != 2 || runner.Calls[0].Name != "tc" || runner.Calls[1].Name != "tc" {
		t.Fatalf("unexpected calls %+v", runner.Calls)
	}
	tbf := strings.Join(runner.Calls[0].Args, " ")
	for _, want := range []string{"qdisc replace dev veth0 root handle 1: tbf", "rate 1000000bit", "burst 3000", "limit 65535"} {
		if !strings.Contains(tbf, want) {
			t.Fatalf("tbf command %q missing %q", tbf, want)
		}
	}
	netem := strings.Join(runner.Calls[1].Args, " ")
	for _, want := range []string{"qdisc replace dev veth0 parent 1:1 handle 10: netem", "delay 50us 5us", "loss 1.5000%"} {
		if !strings.Contains(netem, want) {
			t.Fatalf("netem command %q missing %q", netem, want)
		}
	}
}

func TestExecShapingHonoursExplicitBurst(t *testing.T) {
	runner := &cmdexec.Fake{}
	e := NewExec(runner)

	opts := model.LinkOptions{Bandwidth: 54_000_000, Burst: 16384}
	if err := e.ApplyShaping(context.Background(), "veth0", opts); err != nil {
		t.Fatal(err)
	}
	tbf := strings.Join(runner.Calls[0].Args, " ")
	if !strings.Contains(tbf, "burst 16384") {
		t.Fatalf("tbf command %q missing configured burst", tbf)
	}
}

func TestExecShapingWithoutBandwidthUsesRootNetem(t *testing.T) {
	runner := &cmdexec.Fake{}
	e := NewExec(runner)

	if err := e.ApplyShaping(context.Background(), "veth0", model.LinkOptions{Delay: 100}); err != nil {
		t.Fatal(err)
	}
	if len(runner.Calls) != 1 {
		t.Fatalf("unexpected calls %+v", runner.Calls)
	}
	joined := strings.Join(runner.Calls[0].Args, " ")
	if !strings.Contains(joined, "qdisc replace dev veth0 root netem") {
		t.Fatalf("command %q must install netem at the root", joined)
	}
	if strings.Contains(joined, "tbf") {
		t.Fatalf("command %q must not rate limit an unshaped link", joined)
	}
}

func TestExecRealizeRenamesPeerIntoNamespace(t *testing.T) {
	runner := &cmdexec.Fake{}
	nm := NewNodeManager(1, NewExec(runner), nil)

	node := deviceNode(1)
	ifaces := []*model.Interface{{ID: 0, NodeID: 1, IP4: "10.0.0.1", IP4Mask: 24}}
	if err := nm.Realize(context.Background(), node, ifaces); err != nil {
		t.Fatalf("Realize: %v", err)
	}

	// The namespace move must rename the transient peer to its eth name,
	// since the address configuration that follows targets eth0.
	var cmds []string
	for _, call := range runner.Calls {
		cmds = append(cmds, call.Name+" "+strings.Join(call.Args, " "))
	}
	wantMove := "ip link set veth1.1.0p netns en1.1 name eth0"
	wantAddr := "ip netns exec en1.1 ip addr add 10.0.0.1/24 dev eth0"
	move, addr := -1, -1
	for i, cmd := range cmds {
		if cmd == wantMove {
			move = i
		}
		if cmd == wantAddr {
			addr = i
		}
	}
	if move == -1 {
		t.Fatalf("missing %q in %v", wantMove, cmds)
	}
	if addr == -1 || addr < move {
		t.Fatalf("address configuration must follow the rename: %v", cmds)
	}
}

func TestNewLinkKeyCanonicalizesEndpointOrder(t *testing.T) {
	forward := NewLinkKey(1, 0, 2, 3)
	reversed := NewLinkKey(2, 3, 1, 0)
	if forward != reversed {
		t.Fatalf("reversed endpoints produced distinct keys: %+v vs %+v", forward, reversed)
	}
	if forward.NodeOne != 1 || forward.InterfaceOne != 0 {
		t.Fatalf("canonical key must lead with the lower endpoint: %+v", forward)
	}

	// Same node on both ends orders by interface.
	loop := NewLinkKey(4, 7, 4, 2)
	if loop.InterfaceOne != 2 || loop.InterfaceTwo != 7 {
		t.Fatalf("interface tiebreak wrong: %+v", loop)
	}
}

func TestExecInterfaceStats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev")
	body := `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 1000     10    0    0    0     0          0         0     1000     10    0    0    0     0       0          0
 b1.2:  2048     20    0    0    0     0          0         0     4096     30    0    0    0     0       0          0
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewExec(&cmdexec.Fake{})
	e.ProcNetDev = path
	stats, err := e.InterfaceStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := stats["b1.2"]; got.RxBytes != 2048 || got.TxBytes != 4096 {
		t.Fatalf("unexpected stats %+v", got)
	}
}

func TestThroughputSamplerComputesRates(t *testing.T) {
	fake := NewFake()
	fake.Stats["b1.1"] = InterfaceStats{RxBytes: 0, TxBytes: 0}
	ts := NewThroughputSampler(fake, time.Second, nil, nil)
	_, ch := ts.Subscribe()

	t0 := time.Now()
	ts.sample(context.Background(), t0) // baseline

	fake.mu.Lock()
	fake.Stats["b1.1"] = InterfaceStats{RxBytes: 1000, TxBytes: 250}
	fake.mu.Unlock()
	ts.sample(context.Background(), t0.Add(time.Second))

	select {
	case sample := <-ch:
		// (1000 + 250) bytes over 1s = 10000 bits/s
		if got := sample.Bridges["b1.1"]; got != 10000 {
			t.Fatalf("bridge rate = %v, want 10000", got)
		}
	default:
		t.Fatal("expected a sample to be delivered")
	}
}
