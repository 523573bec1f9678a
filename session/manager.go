package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emunet-dev/emunetd/internal/cmdexec"
	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/netem"
)

// ManagerMetricsRecorder receives the live session count.
type ManagerMetricsRecorder interface {
	SetSessionCount(n int)
}

// Manager is the process-wide session registry. The registry lock covers
// only insert/lookup/remove; a session's own lock covers its lifetime.
type Manager struct {
	mu      sync.Mutex
	byID    map[int]*managed
	lastID  int
	metrics ManagerMetricsRecorder

	realizer    netem.Realizer
	runner      cmdexec.Runner
	log         logging.Logger
	sessionOpts []Option
}

type managed struct {
	session *Session
	cancel  context.CancelFunc
}

// ManagerOption customises Manager construction.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches a recorder for the live session gauge.
func WithManagerMetrics(m ManagerMetricsRecorder) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithSessionOptions forwards options to every session the manager creates.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(mgr *Manager) { mgr.sessionOpts = append(mgr.sessionOpts, opts...) }
}

// NewManager constructs an empty registry. Sessions it creates share the
// given realizer and command runner.
func NewManager(realizer netem.Realizer, runner cmdexec.Runner, log logging.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	m := &Manager{
		byID:     make(map[int]*managed),
		realizer: realizer,
		runner:   runner,
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create registers a new session. id zero asks the manager to assign one.
// The session's mobility loop runs until the session is evicted.
func (m *Manager) Create(id int) (*Session, error) {
	m.mu.Lock()
	if id <= 0 {
		m.lastID++
		for {
			if _, ok := m.byID[m.lastID]; !ok {
				break
			}
			m.lastID++
		}
		id = m.lastID
	} else {
		if _, ok := m.byID[id]; ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrSessionExists, id)
		}
		if id > m.lastID {
			m.lastID = id
		}
	}

	opts := append([]Option{WithShutdownNotify(m.evict)}, m.sessionOpts...)
	sess := New(id, m.realizer, m.runner, m.log, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	m.byID[id] = &managed{session: sess, cancel: cancel}
	count := len(m.byID)
	m.mu.Unlock()

	go sess.Run(ctx)

	if m.metrics != nil {
		m.metrics.SetSessionCount(count)
	}
	m.log.Info(context.Background(), "session created", logging.Int("session", id))
	return sess, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return entry.session, nil
}

// GetOrCreate returns the session with the given id, creating it when
// absent. The stream protocol uses this for implicit session references.
func (m *Manager) GetOrCreate(id int) (*Session, error) {
	if id > 0 {
		if sess, err := m.Get(id); err == nil {
			return sess, nil
		}
	}
	return m.Create(id)
}

// IDs returns the registered session ids in ascending order.
func (m *Manager) IDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Delete shuts a session down and removes it from the registry. Shutting
// down triggers the eviction callback, so removal here is a safety net for
// sessions whose shutdown transition failed partway.
func (m *Manager) Delete(ctx context.Context, id int) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	err = sess.SetState(ctx, Shutdown)
	m.evict(id)
	return err
}

// Shutdown tears down every registered session. Called on daemon exit.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, id := range m.IDs() {
		if err := m.Delete(ctx, id); err != nil {
			m.log.Warn(ctx, "session shutdown failed", logging.Int("session", id), logging.Err(err))
		}
	}
}

// evict drops a terminal session from the registry and stops its mobility
// loop. Registered as every session's shutdown callback.
func (m *Manager) evict(id int) {
	m.mu.Lock()
	entry, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
	}
	count := len(m.byID)
	m.mu.Unlock()

	if !ok {
		return
	}
	entry.cancel()
	if m.metrics != nil {
		m.metrics.SetSessionCount(count)
	}
	m.log.Info(context.Background(), "session evicted", logging.Int("session", id))
}
