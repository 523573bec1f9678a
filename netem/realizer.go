// Package netem realizes topology records as live kernel constructs:
// network namespaces for device nodes, bridges for network segments, veth
// pairs for interfaces, and netem qdiscs for traffic shaping. All kernel
// access goes through the Realizer capability so sessions can be exercised
// without privileges.
package netem

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emunet-dev/emunetd/internal/cmdexec"
	"github.com/emunet-dev/emunetd/model"
)

// InterfaceStats is a snapshot of one device's byte counters.
type InterfaceStats struct {
	RxBytes uint64
	TxBytes uint64
}

// Realizer is the kernel capability surface used by the node and link
// managers. Implementations must be safe for concurrent use.
type Realizer interface {
	CreateNamespace(ctx context.Context, name string) error
	DeleteNamespace(ctx context.Context, name string) error

	CreateVeth(ctx context.Context, name, peer string) error
	DeleteDevice(ctx context.Context, name string) error
	// MoveToNamespace moves dev into ns and renames it to name in one
	// operation, so the device never exists in the namespace under its
	// transient host-side name.
	MoveToNamespace(ctx context.Context, dev, ns, name string) error
	ConfigureInterface(ctx context.Context, ns, dev string, iface *model.Interface) error

	CreateBridge(ctx context.Context, name string) error
	DeleteBridge(ctx context.Context, name string) error
	AttachToBridge(ctx context.Context, bridge, dev string) error

	ApplyShaping(ctx context.Context, dev string, opts model.LinkOptions) error
	ClearShaping(ctx context.Context, dev string) error

	InterfaceStats(ctx context.Context) (map[string]InterfaceStats, error)
}

// NamespaceName returns the namespace for a device node.
func NamespaceName(sessionID, nodeID int) string {
	return fmt.Sprintf("en%d.%d", sessionID, nodeID)
}

// BridgeName returns the bridge device for a network-class node.
func BridgeName(sessionID, nodeID int) string {
	return fmt.Sprintf("b%d.%d", sessionID, nodeID)
}

// PeerBridgeName returns the bridge device for a peer-to-peer link keyed by
// its shaping key.
func PeerBridgeName(sessionID, key int) string {
	return fmt.Sprintf("p%d.%d", sessionID, key)
}

// HostDevice returns the host-side veth device for a node interface.
func HostDevice(sessionID, nodeID, ifaceID int) string {
	return fmt.Sprintf("veth%d.%d.%d", sessionID, nodeID, ifaceID)
}

// nodeDevice is the device name seen inside the node's namespace.
func nodeDevice(ifaceID int) string {
	return fmt.Sprintf("eth%d", ifaceID)
}

// Exec realizes kernel constructs by shelling out to ip(8) and tc(8), the
// same toolset the node startup scripts themselves rely on.
type Exec struct {
	Runner cmdexec.Runner
	// Timeout bounds each individual command.
	Timeout time.Duration
	// ProcNetDev overrides the statistics source, for tests.
	ProcNetDev string
}

// NewExec constructs an Exec realizer with a default per-command timeout.
func NewExec(runner cmdexec.Runner) *Exec {
	if runner == nil {
		runner = cmdexec.System{}
	}
	return &Exec{Runner: runner, Timeout: 10 * time.Second}
}

func (e *Exec) run(ctx context.Context, name string, args ...string) error {
	_, err := e.Runner.Run(ctx, e.Timeout, name, args...)
	return err
}

func (e *Exec) CreateNamespace(ctx context.Context, name string) error {
	return e.run(ctx, "ip", "netns", "add", name)
}

func (e *Exec) DeleteNamespace(ctx context.Context, name string) error {
	return e.run(ctx, "ip", "netns", "delete", name)
}

func (e *Exec) CreateVeth(ctx context.Context, name, peer string) error {
	return e.run(ctx, "ip", "link", "add", name, "type", "veth", "peer", "name", peer)
}

func (e *Exec) DeleteDevice(ctx context.Context, name string) error {
	return e.run(ctx, "ip", "link", "delete", name)
}

func (e *Exec) MoveToNamespace(ctx context.Context, dev, ns, name string) error {
	return e.run(ctx, "ip", "link", "set", dev, "netns", ns, "name", name)
}

func (e *Exec) ConfigureInterface(ctx context.Context, ns, dev string, iface *model.Interface) error {
	inNS := func(args ...string) error {
		full := append([]string{"netns", "exec", ns, "ip"}, args...)
		return e.run(ctx, "ip", full...)
	}

	if iface.MAC != "" {
		if err := inNS("link", "set", dev, "address", iface.MAC); err != nil {
			return err
		}
	}
	if iface.IP4 != "" {
		addr := fmt.Sprintf("%s/%d", iface.IP4, iface.IP4Mask)
		if err := inNS("addr", "add", addr, "dev", dev); err != nil {
			return err
		}
	}
	if iface.IP6 != "" {
		addr := fmt.Sprintf("%s/%d", iface.IP6, iface.IP6Mask)
		if err := inNS("-6", "addr", "add", addr, "dev", dev); err != nil {
			return err
		}
	}
	if iface.MTU > 0 {
		if err := inNS("link", "set", dev, "mtu", strconv.Itoa(iface.MTU)); err != nil {
			return err
		}
	}
	return inNS("link", "set", dev, "up")
}

func (e *Exec) CreateBridge(ctx context.Context, name string) error {
	if err := e.run(ctx, "ip", "link", "add", "name", name, "type", "bridge"); err != nil {
		return err
	}
	return e.run(ctx, "ip", "link", "set", name, "up")
}

func (e *Exec) DeleteBridge(ctx context.Context, name string) error {
	return e.run(ctx, "ip", "link", "delete", name, "type", "bridge")
}

func (e *Exec) AttachToBridge(ctx context.Context, bridge, dev string) error {
	if err := e.run(ctx, "ip", "link", "set", dev, "master", bridge); err != nil {
		return err
	}
	return e.run(ctx, "ip", "link", "set", dev, "up")
}

// defaultMTU sizes the bucket when a link carries no explicit burst.
const defaultMTU = 1500

// ApplyShaping installs the link's qdiscs on dev. Bandwidth goes through a
// root tbf whose bucket is the link's burst (or a floor of two MTUs, since
// tc-tbf(8) requires at least rate over kernel HZ); delay, jitter, loss and
// duplication go through a netem qdisc chained under it. MBurst only
// parameterizes wireless models and has no tc mapping.
func (e *Exec) ApplyShaping(ctx context.Context, dev string, opts model.LinkOptions) error {
	hasTBF := false
	if opts.Bandwidth > 0 {
		burst := int64(opts.Burst)
		if burst <= 0 {
			burst = opts.Bandwidth / 1000
			if burst < 2*defaultMTU {
				burst = 2 * defaultMTU
			}
		}
		tbf := []string{"qdisc", "replace", "dev", dev, "root", "handle", "1:", "tbf",
			"rate", fmt.Sprintf("%dbit", opts.Bandwidth),
			"burst", strconv.FormatInt(burst, 10),
			"limit", "65535"}
		if err := e.run(ctx, "tc", tbf...); err != nil {
			return err
		}
		hasTBF = true
	}

	args := []string{"qdisc", "replace", "dev", dev}
	if hasTBF {
		args = append(args, "parent", "1:1", "handle", "10:", "netem")
	} else {
		args = append(args, "root", "netem")
	}
	if opts.Delay > 0 {
		args = append(args, "delay", fmt.Sprintf("%dus", opts.Delay))
		if opts.Jitter > 0 {
			args = append(args, fmt.Sprintf("%dus", opts.Jitter))
		}
	}
	if opts.Loss > 0 {
		args = append(args, "loss", fmt.Sprintf("%.4f%%", opts.Loss))
	}
	if opts.Duplicate > 0 {
		args = append(args, "duplicate", fmt.Sprintf("%.4f%%", opts.Duplicate))
	}
	return e.run(ctx, "tc", args...)
}

func (e *Exec) ClearShaping(ctx context.Context, dev string) error {
	return e.run(ctx, "tc", "qdisc", "delete", "dev", dev, "root")
}

// InterfaceStats parses /proc/net/dev for the byte counters of every
// device visible in the root namespace, which covers bridges and the
// host side of each veth pair.
func (e *Exec) InterfaceStats(ctx context.Context) (map[string]InterfaceStats, error) {
	path := e.ProcNetDev
	if path == "" {
		path = "/proc/net/dev"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading interface stats: %w", err)
	}
	defer f.Close()

	stats := make(map[string]InterfaceStats)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		name, rest, found := strings.Cut(line, ":")
		if !found {
			continue // header lines
		}
		fields := strings.Fields(rest)
		if len(fields) < 9 {
			continue
		}
		rx, err1 := strconv.ParseUint(fields[0], 10, 64)
		tx, err2 := strconv.ParseUint(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		stats[strings.TrimSpace(name)] = InterfaceStats{RxBytes: rx, TxBytes: tx}
	}
	return stats, scanner.Err()
}
