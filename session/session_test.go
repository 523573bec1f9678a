package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/emunet-dev/emunetd/internal/cmdexec"
	"github.com/emunet-dev/emunetd/mobility"
	"github.com/emunet-dev/emunetd/model"
	"github.com/emunet-dev/emunetd/netem"
	"github.com/emunet-dev/emunetd/services"
)

func newTestSession(t *testing.T, id int) (*Session, *netem.Fake, *cmdexec.Fake) {
	t.Helper()
	fake := netem.NewFake()
	runner := &cmdexec.Fake{}
	s := New(id, fake, runner, nil,
		WithMobilityClock(mobility.NewManualClock()),
		WithMobilityTick(time.Second))
	return s, fake, runner
}

func addDeviceNode(t *testing.T, s *Session, id int) *model.Node {
	t.Helper()
	node := &model.Node{ID: id, Type: model.NodeTypeDefault}
	if _, err := s.AddNode(context.Background(), node); err != nil {
		t.Fatalf("AddNode(%d): %v", id, err)
	}
	iface := &model.Interface{ID: 0, IP4: fmt.Sprintf("10.0.0.%d", id), IP4Mask: 24}
	if err := s.AddInterface(context.Background(), id, iface); err != nil {
		t.Fatalf("AddInterface(%d): %v", id, err)
	}
	return node
}

func TestSetStateIdempotentWithoutDuplicateHooks(t *testing.T) {
	s, _, runner := newTestSession(t, 1)
	ctx := context.Background()

	s.hooks.Add(Hook{State: Configuration, Name: "cfg", Script: "echo configured"})

	if err := s.SetState(ctx, Configuration); err != nil {
		t.Fatalf("SetState(CONFIGURATION): %v", err)
	}
	if err := s.SetState(ctx, Configuration); err != nil {
		t.Fatalf("repeated SetState must be a no-op success, got %v", err)
	}
	if len(runner.Calls) != 1 {
		t.Fatalf("hook ran %d times, want 1", len(runner.Calls))
	}
	if s.State() != Configuration {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSetStateRejectsBackward(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	if err := s.SetState(ctx, Runtime); err != nil {
		t.Fatalf("SetState(RUNTIME): %v", err)
	}
	err := s.SetState(ctx, Definition)
	if !errors.Is(err, ErrStateBackward) {
		t.Fatalf("backward transition error = %v", err)
	}
	if s.State() != Runtime {
		t.Fatalf("state changed on rejected transition: %v", s.State())
	}

	// The SHUTDOWN escape stays legal from any state.
	if err := s.SetState(ctx, Shutdown); err != nil {
		t.Fatalf("SetState(SHUTDOWN): %v", err)
	}
	if err := s.SetState(ctx, Runtime); !errors.Is(err, ErrSessionShutdown) {
		t.Fatalf("shut-down session must be terminal, got %v", err)
	}
}

func TestNoRealizationBeforeInstantiation(t *testing.T) {
	s, fake, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	addDeviceNode(t, s, 2)
	if err := s.AddLink(ctx, &model.Link{NodeOne: 1, NodeTwo: 2}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := s.DeleteNode(ctx, 1); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if err := s.DeleteNode(ctx, 2); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}

	if fake.RealizeCalls != 0 {
		t.Fatalf("kernel realization attempted %d times before INSTANTIATION", fake.RealizeCalls)
	}
}

func TestPartialFailureStillAdvancesState(t *testing.T) {
	s, fake, _ := newTestSession(t, 7)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	addDeviceNode(t, s, 2)
	fake.FailNamespaces[netem.NamespaceName(7, 1)] = true

	err := s.SetState(ctx, Instantiation)
	ce, ok := AsCommitError(err)
	if !ok {
		t.Fatalf("expected CommitError, got %v", err)
	}
	if len(ce.Failures) != 1 || ce.Failures[0].Kind != "node" || ce.Failures[0].ID != 1 {
		t.Fatalf("unexpected failures: %+v", ce.Failures)
	}

	if s.State() != Instantiation {
		t.Fatalf("state must advance despite partial failure, got %v", s.State())
	}
	if fake.Namespaces[netem.NamespaceName(7, 1)] {
		t.Fatal("failed node must not be live")
	}
	if !fake.Namespaces[netem.NamespaceName(7, 2)] {
		t.Fatal("sibling node must survive the other node's failure")
	}
}

func TestConcurrentAddNodeAssignsDistinctIDs(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	const n = 32
	ids := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.AddNode(ctx, &model.Node{Type: model.NodeTypeDefault})
			if err != nil {
				t.Errorf("AddNode: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate node id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n || len(s.Nodes()) != n {
		t.Fatalf("expected %d nodes, got %d assigned and %d stored", n, len(seen), len(s.Nodes()))
	}
}

func TestEndToEndInstantiation(t *testing.T) {
	s, fake, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	addDeviceNode(t, s, 2)
	link := &model.Link{
		NodeOne: 1, NodeTwo: 2,
		Options: model.LinkOptions{Bandwidth: 1000000, Delay: 50},
	}
	if err := s.AddLink(ctx, link); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	if err := s.SetState(ctx, Instantiation); err != nil {
		t.Fatalf("SetState(INSTANTIATION): %v", err)
	}

	links := s.NodeLinks(1)
	if len(links) != 1 {
		t.Fatalf("NodeLinks(1) = %d links, want 1", len(links))
	}
	got := links[0]
	if got.NodeTwo != 2 || got.Options.Bandwidth != 1000000 || got.Options.Delay != 50 {
		t.Fatalf("unexpected link %+v", got)
	}

	// Two device nodes get a dedicated point-to-point bridge, shaped on
	// both host devices.
	bridge := netem.PeerBridgeName(1, got.Options.Key)
	if !fake.Bridges[bridge] {
		t.Fatalf("bridge %s not created", bridge)
	}
	dev := netem.HostDevice(1, 1, 0)
	if opts := fake.Shaping[dev]; opts.Bandwidth != 1000000 || opts.Delay != 50 {
		t.Fatalf("shaping on %s = %+v", dev, opts)
	}
}

func TestRuntimeMutationRealizesImmediately(t *testing.T) {
	s, fake, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	if err := s.SetState(ctx, Instantiation); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.SetState(ctx, Runtime); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	addDeviceNode(t, s, 2)
	if !fake.Namespaces[netem.NamespaceName(1, 2)] {
		t.Fatal("node added at RUNTIME must realize immediately")
	}
	if err := s.AddLink(ctx, &model.Link{NodeOne: 1, NodeTwo: 2}); err != nil {
		t.Fatalf("AddLink at RUNTIME: %v", err)
	}
	if s.linkMgr.LiveCount() != 1 {
		t.Fatal("link added at RUNTIME must realize immediately")
	}
}

func TestEditLinkReappliesShapingWithoutRebuild(t *testing.T) {
	s, fake, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	addDeviceNode(t, s, 2)
	link := &model.Link{NodeOne: 1, NodeTwo: 2, Options: model.LinkOptions{Delay: 100}}
	if err := s.AddLink(ctx, link); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := s.SetState(ctx, Instantiation); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	bridgesBefore := len(fake.Bridges)

	opts := link.Options
	opts.Delay = 2000
	if err := s.EditLink(ctx, netem.KeyFor(link), opts); err != nil {
		t.Fatalf("EditLink: %v", err)
	}

	dev := netem.HostDevice(1, 1, 0)
	if fake.Shaping[dev].Delay != 2000 {
		t.Fatalf("shaping not re-applied: %+v", fake.Shaping[dev])
	}
	if len(fake.Bridges) != bridgesBefore {
		t.Fatal("live edit must not rebuild bridges")
	}
}

func TestDeleteNodeCascadesToLinks(t *testing.T) {
	s, fake, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	addDeviceNode(t, s, 2)
	if err := s.AddLink(ctx, &model.Link{NodeOne: 1, NodeTwo: 2}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := s.SetState(ctx, Instantiation); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	if err := s.DeleteNode(ctx, 1); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if len(s.Links()) != 0 {
		t.Fatal("links referencing a deleted node must be removed")
	}
	if _, err := s.GetNode(1); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("GetNode after delete = %v", err)
	}
	if fake.Namespaces[netem.NamespaceName(1, 1)] {
		t.Fatal("deleted node's namespace must be torn down")
	}
	if !fake.Namespaces[netem.NamespaceName(1, 2)] {
		t.Fatal("unrelated node must stay live")
	}
}

func TestShutdownTearsDownLinksBeforeNodes(t *testing.T) {
	s, fake, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	addDeviceNode(t, s, 2)
	if err := s.AddLink(ctx, &model.Link{NodeOne: 1, NodeTwo: 2, Options: model.LinkOptions{Delay: 10}}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := s.SetState(ctx, Instantiation); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.SetState(ctx, Shutdown); err != nil {
		t.Fatalf("SetState(SHUTDOWN): %v", err)
	}

	if len(fake.Namespaces) != 0 || len(fake.Bridges) != 0 {
		t.Fatalf("kernel state left behind: ns=%v bridges=%v", fake.Namespaces, fake.Bridges)
	}

	// Shaping removal must precede namespace removal so no qdisc outlives
	// its interface.
	unshape, nsDel := -1, -1
	for i, op := range fake.Ops {
		if unshape == -1 && op == "unshape "+netem.HostDevice(1, 1, 0) {
			unshape = i
		}
		if nsDel == -1 && op == "netns del "+netem.NamespaceName(1, 1) {
			nsDel = i
		}
	}
	if unshape == -1 || nsDel == -1 || unshape > nsDel {
		t.Fatalf("teardown order wrong: unshape@%d netns-del@%d", unshape, nsDel)
	}
}

func TestHooksRunInRegistrationOrder(t *testing.T) {
	s, _, runner := newTestSession(t, 1)
	ctx := context.Background()

	s.hooks.Add(Hook{State: Configuration, Name: "a", Script: "first"})
	s.hooks.Add(Hook{State: Configuration, Name: "b", Script: "second"})
	if err := s.SetState(ctx, Configuration); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	if len(runner.Calls) != 2 || runner.Calls[0].Script != "first" || runner.Calls[1].Script != "second" {
		t.Fatalf("hook order wrong: %+v", runner.Calls)
	}
}

func TestHookFailureDoesNotBlockTransition(t *testing.T) {
	s, _, runner := newTestSession(t, 1)
	ctx := context.Background()

	runner.Respond = func(call cmdexec.Call) (cmdexec.Result, error) {
		if call.Script == "fail" {
			return cmdexec.Result{ExitCode: 1, Stderr: "boom"}, nil
		}
		return cmdexec.Result{}, nil
	}
	s.hooks.Add(Hook{State: Configuration, Name: "bad", Script: "fail"})
	s.hooks.Add(Hook{State: Configuration, Name: "good", Script: "ok"})

	_, events := s.Events().Subscribe()
	if err := s.SetState(ctx, Configuration); err != nil {
		t.Fatalf("hook failure must not fail the transition: %v", err)
	}
	if len(runner.Calls) != 2 {
		t.Fatalf("sibling hook skipped, calls=%d", len(runner.Calls))
	}

	sawException := false
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == EventException && ev.Source == "bad" {
				sawException = true
				done = true
			}
		default:
			done = true
		}
	}
	if !sawException {
		t.Fatal("hook failure must surface as an exception event")
	}
}

func TestInstantiationPublishesCompletionEvent(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()
	addDeviceNode(t, s, 1)

	_, events := s.Events().Subscribe()
	if err := s.SetState(ctx, Instantiation); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	var got []Event
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == EventSession {
				got = append(got, ev)
			}
		default:
			done = true
		}
	}
	if len(got) != 2 {
		t.Fatalf("want state event plus completion event, got %d", len(got))
	}
	if got[0].Complete || !got[1].Complete {
		t.Fatalf("completion event must follow the state event: %+v", got)
	}
	if got[1].State != Instantiation {
		t.Fatalf("completion event state = %v", got[1].State)
	}
}

func TestAddHookInCurrentStateRunsImmediately(t *testing.T) {
	s, _, runner := newTestSession(t, 1)
	ctx := context.Background()

	if err := s.AddHook(ctx, Hook{State: Definition, Name: "now", Script: "run now"}); err != nil {
		t.Fatalf("AddHook: %v", err)
	}
	if len(runner.Calls) != 1 || runner.Calls[0].Script != "run now" {
		t.Fatalf("hook for the current state must run immediately: %+v", runner.Calls)
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	s.SetName("lab")
	s.SetLocation(Location{
		RefPoint: model.Position{X: 100, Y: 200},
		RefGeo:   model.Geo{Lat: 47.57, Lon: -122.13, Alt: 2},
		Scale:    150,
	})
	if err := s.SetOptions(map[string]string{"controlnet": "172.16.0.0/24"}); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	s.hooks.Add(Hook{State: Runtime, Name: "startup.sh", Script: "#!/bin/sh\necho up\n"})

	n1 := &model.Node{
		ID: 1, Name: "r1", Type: model.NodeTypeDefault, Model: "router",
		Position: model.Position{X: 10, Y: 20, Z: 3},
		Geo:      &model.Geo{Lat: 1.5, Lon: 2.5, Alt: 30},
		Services: []string{"zebra", "OSPFv2"},
		Icon:     "router.svg",
		Opaque:   "vendor=acme",
	}
	if _, err := s.AddNode(ctx, n1); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := s.AddInterface(ctx, 1, &model.Interface{
		ID: 0, Name: "eth0", MAC: "02:01:00:00:00:01",
		IP4: "10.0.0.1", IP4Mask: 24, IP6: "2001::1", IP6Mask: 64, MTU: 1400,
	}); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if _, err := s.AddNode(ctx, &model.Node{ID: 2, Name: "w1", Type: model.NodeTypeWirelessLAN}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := s.AddLink(ctx, &model.Link{
		NodeOne: 1, NodeTwo: 2, Type: model.LinkTypeWireless,
		Options: model.LinkOptions{
			Bandwidth: 54000000, Delay: 5000, Jitter: 7, Loss: 0.5,
			Duplicate: 1.25, Burst: 16, MBurst: 32, Unidirectional: true,
		},
	}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	data, err := s.SaveDocument()
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	restored, _, _ := newTestSession(t, 2)
	if err := restored.LoadDocument(ctx, data); err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}

	if restored.Name() != "lab" {
		t.Fatalf("name = %q", restored.Name())
	}
	if loc := restored.Location(); loc != s.Location() {
		t.Fatalf("location = %+v", loc)
	}
	if got := restored.Options()["controlnet"]; got != "172.16.0.0/24" {
		t.Fatalf("controlnet option = %q", got)
	}
	if hooks := restored.Hooks()[Runtime]; len(hooks) != 1 || hooks[0].Script != "#!/bin/sh\necho up\n" {
		t.Fatalf("hooks = %+v", hooks)
	}
	if !reflect.DeepEqual(restored.Nodes(), s.Nodes()) {
		t.Fatalf("nodes differ:\n got %+v\nwant %+v", restored.Nodes(), s.Nodes())
	}
	if !reflect.DeepEqual(restored.Interfaces(1), s.Interfaces(1)) {
		t.Fatalf("interfaces differ:\n got %+v\nwant %+v", restored.Interfaces(1), s.Interfaces(1))
	}
	if !reflect.DeepEqual(restored.Links(), s.Links()) {
		t.Fatalf("links differ:\n got %+v\nwant %+v", restored.Links(), s.Links())
	}
}

func TestWirelessLinkQualityFollowsMovement(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	if _, err := s.AddNode(ctx, &model.Node{ID: 1, Type: model.NodeTypeDefault}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := s.AddNode(ctx, &model.Node{ID: 2, Type: model.NodeTypeWirelessLAN}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := s.AddLink(ctx, &model.Link{NodeOne: 1, NodeTwo: 2, Type: model.LinkTypeWireless}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := s.SetModelConfig(2, mobility.BasicRangeModelName, map[string]string{
		"range": "100", "bandwidth": "54000000",
	}); err != nil {
		t.Fatalf("SetModelConfig: %v", err)
	}

	// In range: shaping derives from the model.
	moved := &model.Node{ID: 1, Type: model.NodeTypeDefault, Position: model.Position{X: 50}}
	if err := s.EditNode(moved); err != nil {
		t.Fatalf("EditNode: %v", err)
	}
	link, err := s.GetLink(netem.LinkKey{NodeOne: 1, NodeTwo: 2})
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	if link.Options.Bandwidth != 54000000 || link.Options.Loss == 100 {
		t.Fatalf("in-range options = %+v", link.Options)
	}

	// Out of range: link goes fully lossy but stays in the topology.
	moved = &model.Node{ID: 1, Type: model.NodeTypeDefault, Position: model.Position{X: 500}}
	if err := s.EditNode(moved); err != nil {
		t.Fatalf("EditNode: %v", err)
	}
	link, _ = s.GetLink(netem.LinkKey{NodeOne: 1, NodeTwo: 2})
	if link.Options.Loss != 100 {
		t.Fatalf("out-of-range link must be fully lossy, got %+v", link.Options)
	}
}

func TestMobilityTicksGatedOnRuntime(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	if _, err := s.AddNode(ctx, &model.Node{ID: 1, Type: model.NodeTypeDefault}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	s.SetTrack(1, &mobility.Track{
		Points: []mobility.WayPoint{{Dest: model.Position{X: 100}, Speed: 10}},
	})
	if err := s.Mobility(MobilityStart); err != nil {
		t.Fatalf("Mobility(start): %v", err)
	}

	s.MobilityEngine().Step() // not yet RUNTIME
	node, _ := s.GetNode(1)
	if node.Position.X != 0 {
		t.Fatalf("node moved before RUNTIME: %+v", node.Position)
	}

	if err := s.SetState(ctx, Instantiation); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.SetState(ctx, Runtime); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	s.MobilityEngine().Step() // 1s tick at speed 10
	node, _ = s.GetNode(1)
	if math.Abs(node.Position.X-10) > 1e-9 {
		t.Fatalf("position after one tick = %+v, want x=10", node.Position)
	}

	if err := s.SetState(ctx, DataCollect); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	s.MobilityEngine().Step() // suspended outside RUNTIME
	moved, _ := s.GetNode(1)
	if moved.Position != node.Position {
		t.Fatalf("node moved outside RUNTIME: %+v", moved.Position)
	}
}

func TestServicesBootOnInstantiation(t *testing.T) {
	s, _, runner := newTestSession(t, 1)
	ctx := context.Background()

	if err := s.Services().Register(&services.Service{
		Name:    "zebra",
		Startup: []string{"zebra -d"},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	node := &model.Node{ID: 1, Type: model.NodeTypeDefault, Services: []string{"zebra"}}
	if _, err := s.AddNode(ctx, node); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := s.SetState(ctx, Instantiation); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	// Startup lines run inside the node's namespace, never as a bare host
	// shell.
	booted := false
	for _, call := range runner.Calls {
		if call.Script == "zebra -d" {
			t.Fatalf("service startup ran on the host: %+v", call)
		}
		if call.Name == "ip" && reflect.DeepEqual(call.Args,
			[]string{"netns", "exec", netem.NamespaceName(1, 1), "sh", "-c", "zebra -d"}) {
			booted = true
		}
	}
	if !booted {
		t.Fatal("bound service startup must run during INSTANTIATION")
	}
}

func TestServiceShutdownRunsInNamespace(t *testing.T) {
	s, _, runner := newTestSession(t, 1)
	ctx := context.Background()

	if err := s.Services().Register(&services.Service{
		Name:     "zebra",
		Startup:  []string{"zebra -d"},
		Shutdown: []string{"killall zebra"},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	node := &model.Node{ID: 1, Type: model.NodeTypeDefault, Services: []string{"zebra"}}
	if _, err := s.AddNode(ctx, node); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := s.SetState(ctx, Instantiation); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.SetState(ctx, Shutdown); err != nil {
		t.Fatalf("SetState(SHUTDOWN): %v", err)
	}

	stopped := false
	for _, call := range runner.Calls {
		if call.Script == "killall zebra" {
			t.Fatalf("service shutdown ran on the host: %+v", call)
		}
		if call.Name == "ip" && reflect.DeepEqual(call.Args,
			[]string{"netns", "exec", netem.NamespaceName(1, 1), "sh", "-c", "killall zebra"}) {
			stopped = true
		}
	}
	if !stopped {
		t.Fatal("bound service shutdown must run during SHUTDOWN")
	}
}

func TestReadsReturnDetachedSnapshots(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	addDeviceNode(t, s, 2)
	if err := s.AddLink(ctx, &model.Link{NodeOne: 1, NodeTwo: 2, Options: model.LinkOptions{Delay: 10}}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	// Writes through a returned record must not reach the stored topology.
	node, err := s.GetNode(1)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	node.Position = model.Position{X: 999}
	node.Services = append(node.Services, "rogue")
	stored, _ := s.GetNode(1)
	if stored.Position.X != 0 || len(stored.Services) != 0 {
		t.Fatalf("stored node mutated through a read: %+v", stored)
	}

	link, err := s.GetLink(netem.LinkKey{NodeOne: 1, NodeTwo: 2})
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	link.Options.Delay = 9999
	storedLink, _ := s.GetLink(netem.LinkKey{NodeOne: 1, NodeTwo: 2})
	if storedLink.Options.Delay != 10 {
		t.Fatalf("stored link mutated through a read: %+v", storedLink.Options)
	}

	for _, n := range s.Nodes() {
		n.Position = model.Position{Y: 123}
	}
	for _, got := range s.Nodes() {
		if got.Position.Y != 0 {
			t.Fatalf("stored node mutated through a listing: %+v", got)
		}
	}
}

func TestMovementEventsCarryStablePositions(t *testing.T) {
	s, _, _ := newTestSession(t, 1)

	addDeviceNode(t, s, 1)
	_, events := s.Events().Subscribe()

	s.UpdatePositions(map[int]model.Position{1: {X: 10}})
	s.UpdatePositions(map[int]model.Position{1: {X: 20}})

	var positions []float64
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == EventNode && ev.Node != nil {
				positions = append(positions, ev.Node.Position.X)
			}
		default:
			done = true
		}
	}
	if len(positions) != 2 || positions[0] != 10 || positions[1] != 20 {
		t.Fatalf("movement events = %v, want [10 20]", positions)
	}
}

func TestEventsDeliverInCommitOrder(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	addDeviceNode(t, s, 2)
	key := netem.LinkKey{NodeOne: 1, NodeTwo: 2}
	if err := s.AddLink(ctx, &model.Link{NodeOne: 1, NodeTwo: 2}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	_, events := s.Events().Subscribe()

	const n = 16
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(bw int64) {
			defer wg.Done()
			if err := s.EditLink(ctx, key, model.LinkOptions{Bandwidth: bw}); err != nil {
				t.Errorf("EditLink: %v", err)
			}
		}(int64(i) * 1000)
	}
	wg.Wait()

	// The last delivered link event must describe the final committed
	// options: events are published inside the mutation's critical section.
	var last *model.Link
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == EventLink && ev.Link != nil {
				last = ev.Link
			}
		default:
			done = true
		}
	}
	final, err := s.GetLink(key)
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	if last == nil || last.Options.Bandwidth != final.Options.Bandwidth {
		t.Fatalf("last event bandwidth = %+v, committed = %d", last, final.Options.Bandwidth)
	}
}

func TestExplicitFlowIDsStayUnique(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	if _, err := s.AddNode(ctx, &model.Node{ID: 1, Type: model.NodeTypeDefault}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	explicit := &model.Interface{ID: 0, FlowID: 3}
	if err := s.AddInterface(ctx, 1, explicit); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	auto := &model.Interface{ID: 1}
	if err := s.AddInterface(ctx, 1, auto); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if auto.FlowID <= explicit.FlowID {
		t.Fatalf("auto flow id %d collides with explicit %d", auto.FlowID, explicit.FlowID)
	}
}

func TestReversedLinkIsRejectedAsDuplicate(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	addDeviceNode(t, s, 2)
	if err := s.AddLink(ctx, &model.Link{NodeOne: 1, NodeTwo: 2}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	err := s.AddLink(ctx, &model.Link{NodeOne: 2, NodeTwo: 1})
	if !errors.Is(err, ErrLinkExists) {
		t.Fatalf("reversed duplicate link error = %v", err)
	}
	if len(s.Links()) != 1 {
		t.Fatalf("links = %d, want 1", len(s.Links()))
	}

	// Either endpoint order resolves lookups to the same record.
	if _, err := s.GetLink(netem.LinkKey{NodeOne: 2, NodeTwo: 1}); err != nil {
		t.Fatalf("reversed GetLink: %v", err)
	}
}

func TestDeleteNodeDropsMobilityTrack(t *testing.T) {
	s, _, _ := newTestSession(t, 1)
	ctx := context.Background()

	addDeviceNode(t, s, 1)
	s.SetTrack(1, &mobility.Track{
		Points: []mobility.WayPoint{{Dest: model.Position{X: 100}, Speed: 10}},
	})
	if !s.MobilityEngine().HasTracks() {
		t.Fatal("track not installed")
	}
	if err := s.DeleteNode(ctx, 1); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if s.MobilityEngine().HasTracks() {
		t.Fatal("deleted node's track must leave the engine")
	}
}
