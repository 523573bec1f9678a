// Package services manages the startup programs bound to emulated nodes:
// a registry of service definitions, per-node-model default sets, and
// dependency-ordered start/stop/validate execution inside node namespaces.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emunet-dev/emunetd/internal/cmdexec"
	"github.com/emunet-dev/emunetd/internal/logging"
)

var (
	// ErrServiceNotFound indicates a referenced service is not registered.
	ErrServiceNotFound = errors.New("service not found")
	// ErrServiceExists indicates a duplicate service registration.
	ErrServiceExists = errors.New("service already registered")
	// ErrDependencyCycle indicates a node's bound services cannot be ordered.
	ErrDependencyCycle = errors.New("service dependency cycle")
)

// Service defines one startup program: its shell command lines, validation
// commands, shutdown commands, generated config files, and the services it
// depends on at boot.
type Service struct {
	Name         string            `yaml:"name"`
	Group        string            `yaml:"group,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	Dirs         []string          `yaml:"dirs,omitempty"`
	Files        map[string]string `yaml:"files,omitempty"`
	Startup      []string          `yaml:"startup,omitempty"`
	Validate     []string          `yaml:"validate,omitempty"`
	Shutdown     []string          `yaml:"shutdown,omitempty"`

	// ValidationTimer bounds each validate command; zero uses the manager
	// default.
	ValidationTimer time.Duration `yaml:"validation_timer,omitempty"`
}

// clone returns a deep copy so per-node customization never mutates the
// registered definition.
func (s *Service) clone() *Service {
	out := *s
	out.Dependencies = append([]string(nil), s.Dependencies...)
	out.Dirs = append([]string(nil), s.Dirs...)
	out.Startup = append([]string(nil), s.Startup...)
	out.Validate = append([]string(nil), s.Validate...)
	out.Shutdown = append([]string(nil), s.Shutdown...)
	if s.Files != nil {
		out.Files = make(map[string]string, len(s.Files))
		for k, v := range s.Files {
			out.Files[k] = v
		}
	}
	return &out
}

// Manager holds registered services, default sets per node model, and any
// per-node customized copies.
type Manager struct {
	mu       sync.RWMutex
	services map[string]*Service
	defaults map[string][]string
	// custom holds per-node overrides keyed by node id then service name.
	custom map[int]map[string]*Service

	runner cmdexec.Runner
	log    logging.Logger

	// namespace maps a node id to the network namespace its commands must
	// run in. Unset, or returning "", commands run on the host.
	namespace func(nodeID int) string

	defaultTimeout time.Duration
}

// NewManager constructs a Manager with the stock default service sets.
func NewManager(runner cmdexec.Runner, log logging.Logger) *Manager {
	if runner == nil {
		runner = cmdexec.System{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{
		services: make(map[string]*Service),
		defaults: map[string][]string{
			"router":  {"zebra", "OSPFv2", "OSPFv3", "IPForward"},
			"mdr":     {"zebra", "OSPFv3MDR", "IPForward"},
			"prouter": {"zebra", "OSPFv2", "OSPFv3", "IPForward"},
			"host":    {"DefaultRoute", "SSH"},
			"PC":      {"DefaultRoute"},
		},
		custom:         make(map[int]map[string]*Service),
		runner:         runner,
		log:            log,
		defaultTimeout: 5 * time.Second,
	}
}

// UseNamespaces installs the node-to-namespace mapping. Once set, service
// commands run via ip netns exec inside the node's namespace instead of
// directly on the host.
func (m *Manager) UseNamespaces(fn func(nodeID int) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespace = fn
}

// Register adds a service definition.
func (m *Manager) Register(svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if svc == nil || svc.Name == "" {
		return fmt.Errorf("service requires a name")
	}
	if _, exists := m.services[svc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrServiceExists, svc.Name)
	}
	m.services[svc.Name] = svc
	return nil
}

// Get returns the effective definition of a service for a node: the
// per-node customized copy if one exists, otherwise the registered one.
func (m *Manager) Get(nodeID int, name string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if overrides, ok := m.custom[nodeID]; ok {
		if svc, ok := overrides[name]; ok {
			return svc.clone(), nil
		}
	}
	if svc, ok := m.services[name]; ok {
		return svc.clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
}

// SetCustom stores a per-node customized copy of a service.
func (m *Manager) SetCustom(nodeID int, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[svc.Name]; !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, svc.Name)
	}
	if m.custom[nodeID] == nil {
		m.custom[nodeID] = make(map[string]*Service)
	}
	m.custom[nodeID][svc.Name] = svc.clone()
	return nil
}

// SetServiceFile replaces one generated file body on the node's customized
// copy, creating the copy from the registered definition if needed.
func (m *Manager) SetServiceFile(nodeID int, serviceName, fileName, data string) error {
	svc, err := m.Get(nodeID, serviceName)
	if err != nil {
		return err
	}
	if svc.Files == nil {
		svc.Files = make(map[string]string)
	}
	svc.Files[fileName] = data

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.custom[nodeID] == nil {
		m.custom[nodeID] = make(map[string]*Service)
	}
	m.custom[nodeID][serviceName] = svc
	return nil
}

// Defaults returns the default service names for a node model.
func (m *Manager) Defaults(nodeModel string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.defaults[nodeModel]...)
}

// SetDefaults replaces the default service set for a node model.
func (m *Manager) SetDefaults(nodeModel string, names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[nodeModel] = append([]string(nil), names...)
}

// Names lists registered service names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops all per-node customizations, keeping registered definitions
// and model defaults.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom = make(map[int]map[string]*Service)
}

// BootOrder resolves the given service names for a node into dependency
// order. Dependencies must be within the node's own set; a cycle is a fatal
// configuration error for that node only.
func (m *Manager) BootOrder(nodeID int, names []string) ([]*Service, error) {
	bound := make(map[string]*Service, len(names))
	for _, name := range names {
		svc, err := m.Get(nodeID, name)
		if err != nil {
			return nil, err
		}
		bound[name] = svc
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(bound))
	var ordered []*Service

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w involving %q", ErrDependencyCycle, name)
		}
		state[name] = visiting
		svc := bound[name]
		for _, dep := range svc.Dependencies {
			depSvc, ok := bound[dep]
			if !ok {
				return fmt.Errorf("%w: dependency %q of %q is not bound to the node", ErrServiceNotFound, dep, name)
			}
			if err := visit(depSvc.Name); err != nil {
				return err
			}
		}
		state[name] = done
		ordered = append(ordered, svc)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Action identifies a service control operation.
type Action int

const (
	ActionStart Action = iota
	ActionStop
	ActionRestart
	ActionValidate
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionRestart:
		return "restart"
	case ActionValidate:
		return "validate"
	default:
		return "unknown"
	}
}

// Apply runs the requested action's command lines for one service. With a
// namespace mapping installed, each line runs through the shell inside the
// node's namespace; otherwise it runs on the host. A non-zero exit fails
// the action but has no further effect on the session.
func (m *Manager) Apply(ctx context.Context, nodeID int, name string, action Action) error {
	svc, err := m.Get(nodeID, name)
	if err != nil {
		return err
	}

	var lines []string
	switch action {
	case ActionStart:
		lines = svc.Startup
	case ActionStop:
		lines = svc.Shutdown
	case ActionValidate:
		lines = svc.Validate
	case ActionRestart:
		if err := m.Apply(ctx, nodeID, name, ActionStop); err != nil {
			return err
		}
		lines = svc.Startup
	}

	timeout := svc.ValidationTimer
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	m.mu.RLock()
	ns := ""
	if m.namespace != nil {
		ns = m.namespace(nodeID)
	}
	m.mu.RUnlock()

	for _, line := range lines {
		var runErr error
		if ns != "" {
			_, runErr = m.runner.Run(ctx, timeout, "ip", "netns", "exec", ns, "sh", "-c", line)
		} else {
			_, runErr = m.runner.RunShell(ctx, timeout, line)
		}
		if runErr != nil {
			m.log.Warn(ctx, "service command failed",
				logging.String("service", name),
				logging.String("action", action.String()),
				logging.Int("node", nodeID),
				logging.String("error", runErr.Error()),
			)
			return fmt.Errorf("service %s %s: %w", name, action, runErr)
		}
	}
	return nil
}

// Boot starts the node's services in dependency order, stopping at the
// first failure so a broken prerequisite does not start its dependents.
func (m *Manager) Boot(ctx context.Context, nodeID int, names []string) error {
	ordered, err := m.BootOrder(nodeID, names)
	if err != nil {
		return err
	}
	for _, svc := range ordered {
		if err := m.Apply(ctx, nodeID, svc.Name, ActionStart); err != nil {
			return err
		}
	}
	return nil
}

// StopAll runs shutdown commands for the node's services, best effort: every
// service is attempted and the first error is returned afterwards.
func (m *Manager) StopAll(ctx context.Context, nodeID int, names []string) error {
	var firstErr error
	for _, name := range names {
		if err := m.Apply(ctx, nodeID, name, ActionStop); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
