package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/emunet-dev/emunetd/config"
	"github.com/emunet-dev/emunetd/internal/cmdexec"
	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/mobility"
	"github.com/emunet-dev/emunetd/model"
	"github.com/emunet-dev/emunetd/netem"
	"github.com/emunet-dev/emunetd/services"
)

// MetricsRecorder receives topology and lifecycle updates for export.
type MetricsRecorder interface {
	SetTopologyCounts(sessionID, nodes, links int)
	RecordStateChange(sessionID int, state string)
}

const defaultMobilityTick = 50 * time.Millisecond

// Session owns one emulation scenario: the in-memory topology, its
// lifecycle state machine, the configuration registry, and the managers
// realizing nodes and links against the kernel.
//
// mu is the coarse per-session lock. Every mutator, client-issued or
// mobility-issued, serializes through it, so the topology is never
// concurrently written and a state transition holds the lock across its
// entire commit pipeline.
type Session struct {
	mu sync.Mutex

	id        int
	name      string
	state     State
	stateTime time.Time

	nodes  map[int]*model.Node
	ifaces map[int]map[int]*model.Interface
	links  map[netem.LinkKey]*model.Link

	lastNodeID  int
	lastLinkKey int
	lastFlowID  int

	registry *config.Registry
	models   *config.Models
	location Location

	hooks    *HookRunner
	broker   *Broker
	nodeMgr  *netem.NodeManager
	linkMgr  *netem.LinkManager
	services *services.Manager
	mobility *mobility.Engine

	log        logging.Logger
	metrics    MetricsRecorder
	onShutdown func(id int)

	mobilityClock mobility.Clock
	mobilityTick  time.Duration

	serviceDefsDir string
}

// Option customises Session construction.
type Option func(*Session)

// WithMetricsRecorder attaches an optional recorder for topology gauges
// and state-change counters.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Session) { s.metrics = m }
}

// WithShutdownNotify registers a callback invoked after the session
// completes its transition to SHUTDOWN. The session manager uses it to
// evict terminal sessions.
func WithShutdownNotify(fn func(id int)) Option {
	return func(s *Session) { s.onShutdown = fn }
}

// WithServiceManager replaces the default node service manager.
func WithServiceManager(sm *services.Manager) Option {
	return func(s *Session) { s.services = sm }
}

// WithServiceDefinitions loads YAML service definitions from dir into the
// session's service manager at creation. Load failures are logged, not
// fatal: the stock defaults still apply.
func WithServiceDefinitions(dir string) Option {
	return func(s *Session) { s.serviceDefsDir = dir }
}

// WithMobilityClock replaces the mobility engine's tick source. Tests use
// a manual clock to drive ticks deterministically.
func WithMobilityClock(c mobility.Clock) Option {
	return func(s *Session) { s.mobilityClock = c }
}

// WithMobilityTick sets the scripted-movement tick interval.
func WithMobilityTick(d time.Duration) Option {
	return func(s *Session) { s.mobilityTick = d }
}

// New creates a session in DEFINITION state with an empty topology.
func New(id int, realizer netem.Realizer, runner cmdexec.Runner, log logging.Logger, opts ...Option) *Session {
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.Int("session", id))

	s := &Session{
		id:           id,
		name:         fmt.Sprintf("session-%d", id),
		state:        Definition,
		stateTime:    time.Now(),
		nodes:        make(map[int]*model.Node),
		ifaces:       make(map[int]map[int]*model.Interface),
		links:        make(map[netem.LinkKey]*model.Link),
		registry:     config.NewRegistry(),
		models:       config.NewModels(),
		hooks:        NewHookRunner(runner, log),
		broker:       NewBroker(log),
		log:          log,
		mobilityTick: defaultMobilityTick,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.nodeMgr = netem.NewNodeManager(id, realizer, log)
	s.linkMgr = netem.NewLinkManager(id, realizer, s.nodeMgr, log)
	if s.services == nil {
		s.services = services.NewManager(runner, log)
	}
	s.services.UseNamespaces(func(nodeID int) string {
		return netem.NamespaceName(id, nodeID)
	})
	if s.serviceDefsDir != "" {
		if _, err := s.services.LoadDefinitions(s.serviceDefsDir); err != nil {
			log.Warn(context.Background(), "loading service definitions",
				logging.String("dir", s.serviceDefsDir), logging.Err(err))
		}
	}
	if s.mobilityClock == nil {
		s.mobilityClock = mobility.NewClock(s.mobilityTick)
	}
	s.mobility = mobility.NewEngine(s, s.mobilityClock, s.mobilityTick, log)

	// Built-in configuration models. Registration cannot collide on a
	// fresh registry.
	_ = s.models.Register(OptionsModel())
	_ = s.models.Register(mobility.BasicRangeModel())
	_ = s.models.Register(mobility.NS2ScriptModel())

	return s
}

// Run drives the mobility tick loop until the context is cancelled. The
// session manager starts it once per session.
func (s *Session) Run(ctx context.Context) {
	s.mobility.Run(ctx)
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() int { return s.id }

// Name returns the session's display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName updates the session's display name.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events exposes the session's event broker for subscription.
func (s *Session) Events() *Broker { return s.broker }

// Services exposes the node service manager.
func (s *Session) Services() *services.Manager { return s.services }

// MobilityEngine exposes the scripted-movement engine.
func (s *Session) MobilityEngine() *mobility.Engine { return s.mobility }

// SetState drives the lifecycle state machine. A transition to the current
// state is a no-op success. Backward transitions fail with ErrStateBackward
// except the SHUTDOWN escape, which is legal from any live state.
//
// On a valid transition the hooks bound to the target state run first, then
// entering INSTANTIATION commits the topology to the kernel and entering
// SHUTDOWN tears it down. Per-entity kernel failures do not roll the
// lifecycle back: the state advances, survivors stay live, and the failures
// come back aggregated in a CommitError.
func (s *Session) SetState(ctx context.Context, target State) error {
	s.mu.Lock()
	cur := s.state
	if target == cur {
		s.mu.Unlock()
		return nil
	}
	if !target.Valid() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownState, int(target))
	}
	if cur == Shutdown {
		s.mu.Unlock()
		return ErrSessionShutdown
	}
	if !canTransition(cur, target) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s to %s", ErrStateBackward, cur, target)
	}

	s.state = target
	s.stateTime = time.Now()
	s.log.Info(ctx, "state changed",
		logging.String("from", cur.String()),
		logging.String("to", target.String()))
	if s.metrics != nil {
		s.metrics.RecordStateChange(s.id, target.String())
	}

	for _, failure := range s.hooks.RunState(ctx, target) {
		s.publishException(failure.Hook.Name, failure.Err)
	}

	var failures []EntityFailure
	switch target {
	case Instantiation:
		failures = s.instantiateLocked(ctx)
	case Shutdown:
		failures = s.teardownLocked(ctx)
	}
	for _, f := range failures {
		s.publishException(f.Kind, f.Err)
	}

	switch {
	case target == Runtime:
		s.mobility.Resume()
	case cur == Runtime:
		s.mobility.Suspend()
	}

	s.updateMetricsLocked()

	// Published before the lock drops so subscribers observe transitions
	// in commit order. Publish never blocks.
	s.broker.Publish(Event{Type: EventSession, SessionID: s.id, State: target})
	if target == Instantiation {
		s.broker.Publish(Event{Type: EventSession, SessionID: s.id, State: target, Complete: true})
	}
	s.mu.Unlock()

	if target == Shutdown && s.onShutdown != nil {
		s.onShutdown(s.id)
	}
	if len(failures) > 0 {
		return &CommitError{Failures: failures}
	}
	return nil
}

// AddNode inserts a node into the topology, assigning an id when the
// caller passes zero. Past INSTANTIATION the node is realized immediately.
func (s *Session) AddNode(ctx context.Context, node *model.Node) (int, error) {
	s.mu.Lock()
	if s.state == Shutdown {
		s.mu.Unlock()
		return 0, ErrSessionShutdown
	}
	if node.ID <= 0 {
		s.lastNodeID++
		node.ID = s.lastNodeID
	} else {
		if _, ok := s.nodes[node.ID]; ok {
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: %d", ErrNodeExists, node.ID)
		}
		if node.ID > s.lastNodeID {
			s.lastNodeID = node.ID
		}
	}
	if node.Name == "" {
		node.Name = fmt.Sprintf("n%d", node.ID)
	}
	s.nodes[node.ID] = node

	var err error
	if s.state.Live() {
		err = s.realizeNodeLocked(ctx, node)
	}
	s.updateMetricsLocked()
	s.broker.Publish(Event{Type: EventNode, SessionID: s.id, Node: node.Clone()})
	s.mu.Unlock()
	return node.ID, err
}

// GetNode returns a snapshot of the node record for the given id. The
// copy is detached: mobility ticks and edits never write into it.
func (s *Session) GetNode(id int) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return node.Clone(), nil
}

// Nodes returns snapshots of all node records ordered by id.
func (s *Session) Nodes() []*model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.nodesLocked()
	nodes := make([]*model.Node, len(live))
	for i, n := range live {
		nodes[i] = n.Clone()
	}
	return nodes
}

func (s *Session) nodesLocked() []*model.Node {
	nodes := make([]*model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// EditNode replaces the stored record for an existing node. The kernel
// realization is untouched; a position change feeds the wireless
// recomputation path instead.
func (s *Session) EditNode(node *model.Node) error {
	s.mu.Lock()
	prev, ok := s.nodes[node.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNodeNotFound, node.ID)
	}
	moved := prev.Position != node.Position
	s.nodes[node.ID] = node
	if moved {
		s.refreshWirelessLocked(context.Background())
	}
	s.broker.Publish(Event{Type: EventNode, SessionID: s.id, Node: node.Clone()})
	s.mu.Unlock()
	return nil
}

// DeleteNode removes a node, cascading to every link that references it.
// Live links tear down before the node's own realization so no shaping rule
// outlives its interface.
func (s *Session) DeleteNode(ctx context.Context, id int) error {
	s.mu.Lock()
	node, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	var removed []*model.Link
	for key, link := range s.links {
		if !link.Touches(id) {
			continue
		}
		if s.linkMgr.IsLive(key) {
			if err := s.linkMgr.Teardown(ctx, key); err != nil {
				s.log.Warn(ctx, "link teardown failed during node delete",
					logging.Int("node", id), logging.Err(err))
			}
		}
		delete(s.links, key)
		removed = append(removed, link)
	}

	if s.nodeMgr.IsLive(id) {
		s.stopServicesLocked(ctx, node)
		if err := s.nodeMgr.Teardown(ctx, id); err != nil {
			s.log.Warn(ctx, "node teardown failed", logging.Int("node", id), logging.Err(err))
		}
	}

	delete(s.nodes, id)
	delete(s.ifaces, id)
	s.registry.Reset(id)
	s.mobility.RemoveTrack(id)
	s.updateMetricsLocked()

	for _, link := range removed {
		s.broker.Publish(Event{Type: EventLink, SessionID: s.id, Link: link.Clone(), Deleted: true})
	}
	s.broker.Publish(Event{Type: EventNode, SessionID: s.id, Node: node.Clone(), Deleted: true})
	s.mu.Unlock()
	return nil
}

// AddInterface binds an interface to a node, assigning a session-unique
// flow id when the caller passes zero. On a live node the veth pair is
// created immediately.
func (s *Session) AddInterface(ctx context.Context, nodeID int, iface *model.Interface) error {
	s.mu.Lock()
	if _, ok := s.nodes[nodeID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
	}
	byID := s.ifaces[nodeID]
	if byID == nil {
		byID = make(map[int]*model.Interface)
		s.ifaces[nodeID] = byID
	}
	if _, ok := byID[iface.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: node %d interface %d", ErrInterfaceExists, nodeID, iface.ID)
	}
	iface.NodeID = nodeID
	if iface.FlowID == 0 {
		s.lastFlowID++
		iface.FlowID = s.lastFlowID
	} else if iface.FlowID > s.lastFlowID {
		s.lastFlowID = iface.FlowID
	}
	byID[iface.ID] = iface

	var err error
	if s.state.Live() && s.nodeMgr.IsLive(nodeID) {
		err = s.nodeMgr.RealizeInterface(ctx, nodeID, iface)
	}
	s.mu.Unlock()
	return err
}

// Interfaces returns snapshots of a node's interfaces ordered by id.
func (s *Session) Interfaces(nodeID int) []*model.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.interfacesLocked(nodeID)
	out := make([]*model.Interface, len(live))
	for i, iface := range live {
		c := *iface
		out[i] = &c
	}
	return out
}

func (s *Session) interfacesLocked(nodeID int) []*model.Interface {
	out := make([]*model.Interface, 0, len(s.ifaces[nodeID]))
	for _, iface := range s.ifaces[nodeID] {
		out = append(out, iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddLink inserts a link between two existing nodes, assigning a
// session-unique shaping key when the caller passes zero. Past
// INSTANTIATION the link is realized immediately.
func (s *Session) AddLink(ctx context.Context, link *model.Link) error {
	s.mu.Lock()
	if s.state == Shutdown {
		s.mu.Unlock()
		return ErrSessionShutdown
	}
	nodeOne, ok := s.nodes[link.NodeOne]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNodeNotFound, link.NodeOne)
	}
	nodeTwo, ok := s.nodes[link.NodeTwo]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNodeNotFound, link.NodeTwo)
	}
	key := netem.KeyFor(link)
	if _, ok := s.links[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d-%d", ErrLinkExists, link.NodeOne, link.NodeTwo)
	}
	if link.Options.Key == 0 {
		s.lastLinkKey++
		link.Options.Key = s.lastLinkKey
	} else if link.Options.Key > s.lastLinkKey {
		s.lastLinkKey = link.Options.Key
	}
	s.links[key] = link

	var err error
	if s.state.Live() {
		err = s.linkMgr.Realize(ctx, link, nodeOne, nodeTwo)
	}
	s.updateMetricsLocked()
	s.broker.Publish(Event{Type: EventLink, SessionID: s.id, Link: link.Clone()})
	s.mu.Unlock()
	return err
}

// GetLink returns a snapshot of the link between the given endpoints.
// Either endpoint order resolves to the same link.
func (s *Session) GetLink(key netem.LinkKey) (*model.Link, error) {
	key = netem.NewLinkKey(key.NodeOne, key.InterfaceOne, key.NodeTwo, key.InterfaceTwo)
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[key]
	if !ok {
		return nil, ErrLinkNotFound
	}
	return link.Clone(), nil
}

// Links returns snapshots of all link records ordered by shaping key.
func (s *Session) Links() []*model.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.linksLocked()
	links := make([]*model.Link, len(live))
	for i, l := range live {
		links[i] = l.Clone()
	}
	return links
}

func (s *Session) linksLocked() []*model.Link {
	links := make([]*model.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Options.Key < links[j].Options.Key })
	return links
}

// NodeLinks returns snapshots of every link referencing the given node.
func (s *Session) NodeLinks(nodeID int) []*model.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Link
	for _, link := range s.linksLocked() {
		if link.Touches(nodeID) {
			out = append(out, link.Clone())
		}
	}
	return out
}

// EditLink updates a live link's shaping parameters in place. The bridge
// membership is untouched; only the qdiscs are re-applied.
func (s *Session) EditLink(ctx context.Context, key netem.LinkKey, opts model.LinkOptions) error {
	key = netem.NewLinkKey(key.NodeOne, key.InterfaceOne, key.NodeTwo, key.InterfaceTwo)
	s.mu.Lock()
	link, ok := s.links[key]
	if !ok {
		s.mu.Unlock()
		return ErrLinkNotFound
	}
	if opts.Key == 0 {
		opts.Key = link.Options.Key
	}
	link.Options = opts

	var err error
	if s.linkMgr.IsLive(key) {
		err = s.linkMgr.Update(ctx, link)
	}
	s.broker.Publish(Event{Type: EventLink, SessionID: s.id, Link: link.Clone()})
	s.mu.Unlock()
	return err
}

// DeleteLink removes a link, tearing down its realization first.
func (s *Session) DeleteLink(ctx context.Context, key netem.LinkKey) error {
	key = netem.NewLinkKey(key.NodeOne, key.InterfaceOne, key.NodeTwo, key.InterfaceTwo)
	s.mu.Lock()
	link, ok := s.links[key]
	if !ok {
		s.mu.Unlock()
		return ErrLinkNotFound
	}
	var err error
	if s.linkMgr.IsLive(key) {
		err = s.linkMgr.Teardown(ctx, key)
	}
	delete(s.links, key)
	s.updateMetricsLocked()
	s.broker.Publish(Event{Type: EventLink, SessionID: s.id, Link: link.Clone(), Deleted: true})
	s.mu.Unlock()
	return err
}

// AddHook registers a script for a lifecycle state. A hook registered for
// the state the session is already in runs immediately.
func (s *Session) AddHook(ctx context.Context, hook Hook) error {
	if !hook.State.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownState, int(hook.State))
	}
	s.hooks.Add(hook)

	s.mu.Lock()
	runNow := s.state == hook.State
	s.mu.Unlock()
	if !runNow {
		return nil
	}
	if err := s.hooks.RunOne(ctx, hook); err != nil {
		s.publishException(hook.Name, err)
		return err
	}
	return nil
}

// Hooks lists registered hooks grouped by bound state.
func (s *Session) Hooks() map[State][]Hook {
	return s.hooks.All()
}

// instantiateLocked commits the topology to the kernel: every node first,
// then every link. Entities fail independently; one node's failure leaves
// its siblings live. Caller holds s.mu.
func (s *Session) instantiateLocked(ctx context.Context) []EntityFailure {
	var failures []EntityFailure

	for _, node := range s.nodesLocked() {
		if err := s.realizeNodeLocked(ctx, node); err != nil {
			failures = append(failures, EntityFailure{Kind: "node", ID: node.ID, Err: err})
		}
	}

	for _, link := range s.linksLocked() {
		nodeOne := s.nodes[link.NodeOne]
		nodeTwo := s.nodes[link.NodeTwo]
		if !s.nodeMgr.IsLive(link.NodeOne) || !s.nodeMgr.IsLive(link.NodeTwo) {
			failures = append(failures, EntityFailure{
				Kind: "link", ID: link.Options.Key,
				Err: fmt.Errorf("endpoint not realized"),
			})
			continue
		}
		if err := s.linkMgr.Realize(ctx, link, nodeOne, nodeTwo); err != nil {
			failures = append(failures, EntityFailure{Kind: "link", ID: link.Options.Key, Err: err})
		}
	}
	return failures
}

// realizeNodeLocked creates one node's kernel constructs and boots its
// services. Caller holds s.mu.
func (s *Session) realizeNodeLocked(ctx context.Context, node *model.Node) error {
	if err := s.nodeMgr.Realize(ctx, node, s.interfacesLocked(node.ID)); err != nil {
		return err
	}
	if node.Type.IsNetwork() {
		return nil
	}
	names := node.Services
	if len(names) == 0 {
		names = s.services.Defaults(node.Model)
	}
	if len(names) == 0 {
		return nil
	}
	if err := s.services.Boot(ctx, node.ID, names); err != nil {
		return fmt.Errorf("node %d services: %w", node.ID, err)
	}
	return nil
}

// teardownLocked dismantles the kernel topology in reverse order: link
// shaping and bridges before interfaces and namespaces. Failures are
// collected per entity and never stop the sweep. Caller holds s.mu.
func (s *Session) teardownLocked(ctx context.Context) []EntityFailure {
	var failures []EntityFailure

	// Pause rather than StopAction: the latter rewinds node positions
	// through the topology callback, which would re-enter the session lock.
	s.mobility.Pause()

	for _, key := range s.linkMgr.LiveKeys() {
		link := s.links[key]
		if err := s.linkMgr.Teardown(ctx, key); err != nil {
			id := 0
			if link != nil {
				id = link.Options.Key
			}
			failures = append(failures, EntityFailure{Kind: "link", ID: id, Err: err})
		}
	}

	for _, nodeID := range s.nodeMgr.LiveNodes() {
		if node, ok := s.nodes[nodeID]; ok {
			s.stopServicesLocked(ctx, node)
		}
		if err := s.nodeMgr.Teardown(ctx, nodeID); err != nil {
			failures = append(failures, EntityFailure{Kind: "node", ID: nodeID, Err: err})
		}
	}
	return failures
}

// stopServicesLocked runs a device node's service shutdown actions, best
// effort. Caller holds s.mu.
func (s *Session) stopServicesLocked(ctx context.Context, node *model.Node) {
	if node.Type.IsNetwork() {
		return
	}
	names := node.Services
	if len(names) == 0 {
		names = s.services.Defaults(node.Model)
	}
	if len(names) == 0 {
		return
	}
	if err := s.services.StopAll(ctx, node.ID, names); err != nil {
		s.log.Warn(ctx, "service shutdown failed",
			logging.Int("node", node.ID), logging.Err(err))
	}
}

// publishException emits an exception-class event. Delivery is
// non-blocking, so calling it under s.mu is safe.
func (s *Session) publishException(source string, err error) {
	s.broker.Publish(Event{
		Type:      EventException,
		SessionID: s.id,
		Source:    source,
		Level:     LevelError,
		Message:   err.Error(),
	})
}

func (s *Session) updateMetricsLocked() {
	if s.metrics != nil {
		s.metrics.SetTopologyCounts(s.id, len(s.nodes), len(s.links))
	}
}

// SetModelConfig stores a model-scoped option set, validated against the
// model's declared schema. nodeID config.NodeAll targets the session scope.
func (s *Session) SetModelConfig(nodeID int, modelName string, values map[string]string) error {
	mod, ok := s.models.Get(modelName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelName)
	}
	if err := mod.Validate(values); err != nil {
		return err
	}

	s.mu.Lock()
	s.registry.SetConfigs(nodeID, modelName, values)
	wireless := modelName == mobility.BasicRangeModelName && s.state.Live()
	if wireless {
		s.refreshWirelessLocked(context.Background())
	}
	s.broker.Publish(Event{Type: EventConfig, SessionID: s.id, NodeID: nodeID, Source: modelName})
	s.mu.Unlock()
	return nil
}

// ModelConfig returns the effective option values for a model at the given
// scope, merging stored values over the model defaults.
func (s *Session) ModelConfig(nodeID int, modelName string) (map[string]string, error) {
	mod, ok := s.models.Get(modelName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Configured(mod, nodeID), nil
}

// Model returns a registered configuration model's schema.
func (s *Session) Model(name string) (*config.Model, error) {
	mod, ok := s.models.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return mod, nil
}

// ModelNames lists the registered configuration models.
func (s *Session) ModelNames() []string {
	return s.models.Names()
}

// MobilityAction is a client-issued scripted-movement command.
type MobilityAction int

const (
	MobilityStart MobilityAction = iota
	MobilityPause
	MobilityStop
)

func (a MobilityAction) String() string {
	switch a {
	case MobilityStart:
		return "start"
	case MobilityPause:
		return "pause"
	default:
		return "stop"
	}
}

// Mobility issues a scripted-movement action. Start loads the configured
// ns-2 scripts, places every tracked node at its initial position, and
// begins ticking once the session reaches RUNTIME.
func (s *Session) Mobility(action MobilityAction) error {
	switch action {
	case MobilityStart:
		if err := s.loadTracks(); err != nil {
			return err
		}
		s.mobility.Start()
	case MobilityPause:
		s.mobility.Pause()
	case MobilityStop:
		s.mobility.StopAction()
	}
	s.broker.Publish(Event{
		Type:      EventConfig,
		SessionID: s.id,
		Source:    mobility.NS2ScriptModelName,
		Message:   action.String(),
	})
	return nil
}

// loadTracks parses every configured ns-2 script into the engine.
func (s *Session) loadTracks() error {
	s.mu.Lock()
	var files []string
	for _, scope := range s.registry.Scopes(mobility.NS2ScriptModelName) {
		if file := s.registry.GetConfig(scope, mobility.NS2ScriptModelName, "file", ""); file != "" {
			files = append(files, file)
		}
	}
	s.mu.Unlock()

	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("mobility script: %w", err)
		}
		tracks, err := mobility.ParseNS2Script(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("mobility script %s: %w", file, err)
		}
		s.mobility.SetTracks(tracks)
	}
	return nil
}

// SetTrack installs a movement track for one node directly, bypassing
// script files.
func (s *Session) SetTrack(nodeID int, track *mobility.Track) {
	s.mobility.SetTrack(nodeID, track)
}

// UpdatePositions applies a mobility tick's node movements. Implements the
// engine's topology callback; serializes with client mutations through the
// session lock.
func (s *Session) UpdatePositions(moves map[int]model.Position) {
	s.mu.Lock()
	for id, pos := range moves {
		node, ok := s.nodes[id]
		if !ok || node.Position == pos {
			continue
		}
		node.Position = pos
		s.broker.Publish(Event{Type: EventNode, SessionID: s.id, Node: node.Clone()})
	}
	s.mu.Unlock()
}

// RefreshWireless recomputes wireless link quality from current node
// positions and pushes changed parameters through the live-edit path.
func (s *Session) RefreshWireless() {
	s.mu.Lock()
	s.refreshWirelessLocked(context.Background())
	s.mu.Unlock()
}

// refreshWirelessLocked derives each wireless link's shaping parameters
// from the distance between its endpoints, using the range model configured
// on the link's network-side node. Caller holds s.mu.
func (s *Session) refreshWirelessLocked(ctx context.Context) {
	for key, link := range s.links {
		if link.Type != model.LinkTypeWireless {
			continue
		}
		nodeOne, okOne := s.nodes[link.NodeOne]
		nodeTwo, okTwo := s.nodes[link.NodeTwo]
		if !okOne || !okTwo {
			continue
		}

		scope := config.NodeAll
		if nodeOne.Type.IsNetwork() {
			scope = nodeOne.ID
		} else if nodeTwo.Type.IsNetwork() {
			scope = nodeTwo.ID
		}
		params := mobility.RangeParamsFrom(
			s.registry.GetConfigs(scope, mobility.BasicRangeModelName))

		dist := mobility.Distance(nodeOne.Position, nodeTwo.Position)
		opts, _ := params.LinkOptions(dist)
		opts.Key = link.Options.Key
		opts.Unidirectional = link.Options.Unidirectional
		opts.Burst = link.Options.Burst
		opts.MBurst = link.Options.MBurst
		if opts == link.Options {
			continue
		}
		link.Options = opts

		if s.linkMgr.IsLive(key) {
			if err := s.linkMgr.Update(ctx, link); err != nil {
				s.log.Warn(ctx, "wireless shaping update failed",
					logging.Int("key", link.Options.Key), logging.Err(err))
			}
		}
	}
}
