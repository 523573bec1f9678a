package netem

import (
	"context"
	"fmt"
	"sync"

	"github.com/emunet-dev/emunetd/model"
)

// Fake is an in-memory Realizer for tests. It tracks live namespaces,
// bridges, devices, and shaping rules, and can be told to fail specific
// operations per namespace or device.
type Fake struct {
	mu sync.Mutex

	Namespaces map[string]bool
	Bridges    map[string]bool
	Devices    map[string]bool
	// Shaping records the last options applied per device.
	Shaping map[string]model.LinkOptions
	// Members records bridge membership per device.
	Members map[string]string

	// FailNamespaces lists namespace names whose creation should fail.
	FailNamespaces map[string]bool
	// FailDevices lists device names whose shaping should fail.
	FailDevices map[string]bool

	// Ops is the ordered log of every operation, for asserting teardown
	// ordering.
	Ops []string

	// Stats is returned verbatim from InterfaceStats.
	Stats map[string]InterfaceStats

	// RealizeCalls counts namespace/bridge creation attempts.
	RealizeCalls int
}

// NewFake constructs an empty fake realizer.
func NewFake() *Fake {
	return &Fake{
		Namespaces:     make(map[string]bool),
		Bridges:        make(map[string]bool),
		Devices:        make(map[string]bool),
		Shaping:        make(map[string]model.LinkOptions),
		Members:        make(map[string]string),
		FailNamespaces: make(map[string]bool),
		FailDevices:    make(map[string]bool),
		Stats:          make(map[string]InterfaceStats),
	}
}

func (f *Fake) record(op string, args ...any) {
	f.Ops = append(f.Ops, fmt.Sprintf(op, args...))
}

func (f *Fake) CreateNamespace(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RealizeCalls++
	f.record("netns add %s", name)
	if f.FailNamespaces[name] {
		return fmt.Errorf("netns add %s: operation not permitted", name)
	}
	f.Namespaces[name] = true
	return nil
}

func (f *Fake) DeleteNamespace(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("netns del %s", name)
	delete(f.Namespaces, name)
	return nil
}

func (f *Fake) CreateVeth(ctx context.Context, name, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("veth add %s peer %s", name, peer)
	f.Devices[name] = true
	f.Devices[peer] = true
	return nil
}

func (f *Fake) DeleteDevice(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("link del %s", name)
	delete(f.Devices, name)
	delete(f.Members, name)
	return nil
}

func (f *Fake) MoveToNamespace(ctx context.Context, dev, ns, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("link set %s netns %s name %s", dev, ns, name)
	delete(f.Devices, dev)
	return nil
}

func (f *Fake) ConfigureInterface(ctx context.Context, ns, dev string, iface *model.Interface) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("iface cfg %s/%s", ns, dev)
	return nil
}

func (f *Fake) CreateBridge(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RealizeCalls++
	f.record("bridge add %s", name)
	f.Bridges[name] = true
	return nil
}

func (f *Fake) DeleteBridge(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("bridge del %s", name)
	delete(f.Bridges, name)
	return nil
}

func (f *Fake) AttachToBridge(ctx context.Context, bridge, dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("bridge %s attach %s", bridge, dev)
	f.Members[dev] = bridge
	return nil
}

func (f *Fake) ApplyShaping(ctx context.Context, dev string, opts model.LinkOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("shape %s", dev)
	if f.FailDevices[dev] {
		return fmt.Errorf("tc qdisc replace %s: no such device", dev)
	}
	f.Shaping[dev] = opts
	return nil
}

func (f *Fake) ClearShaping(ctx context.Context, dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unshape %s", dev)
	delete(f.Shaping, dev)
	return nil
}

func (f *Fake) InterfaceStats(ctx context.Context) (map[string]InterfaceStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]InterfaceStats, len(f.Stats))
	for k, v := range f.Stats {
		out[k] = v
	}
	return out, nil
}
