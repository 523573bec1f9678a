// Package mobility advances scripted node positions on a fixed tick and
// recomputes wireless link quality as nodes move. It owns no topology;
// every write goes through the Topology callback under the owning
// session's lock.
package mobility

import (
	"context"
	"sync"
	"time"

	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/model"
)

// Topology is the narrow surface the engine needs from its session. Both
// methods are invoked from the engine's tick goroutine and must serialize
// against client mutations internally.
type Topology interface {
	// UpdatePositions applies scripted positions and broadcasts node events.
	UpdatePositions(moves map[int]model.Position)
	// RefreshWireless recomputes wireless LinkOptions from current
	// positions and pushes updates through the live-edit path.
	RefreshWireless()
}

// Engine drives one session's mobility. It ticks only while both running
// (a start action was issued) and resumed (the session is at RUNTIME);
// leaving RUNTIME suspends the elapsed clock rather than resetting it.
type Engine struct {
	topo Topology
	log  logging.Logger

	mu        sync.Mutex
	tracks    map[int]*Track
	tick      time.Duration
	elapsed   time.Duration
	running   bool
	resumed   bool
	clock     Clock
	clockOnce sync.Once
}

// NewEngine constructs an Engine ticking with the given clock. The tick
// duration is how much scripted time each tick advances, keeping movement
// deterministic regardless of scheduling jitter.
func NewEngine(topo Topology, clock Clock, tick time.Duration, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Noop()
	}
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	return &Engine{
		topo:   topo,
		log:    log,
		tracks: make(map[int]*Track),
		tick:   tick,
		clock:  clock,
	}
}

// SetTrack binds a scripted track to a node, replacing any existing one.
func (e *Engine) SetTrack(nodeID int, track *Track) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks[nodeID] = track
}

// RemoveTrack drops one node's track, as when the node leaves the
// topology. Unknown node ids are a no-op.
func (e *Engine) RemoveTrack(nodeID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tracks, nodeID)
}

// SetTracks replaces all tracks, as when a script file is (re)loaded.
func (e *Engine) SetTracks(tracks map[int]*Track) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks = make(map[int]*Track, len(tracks))
	for id, tr := range tracks {
		e.tracks[id] = tr
	}
}

// HasTracks reports whether any node has scripted mobility.
func (e *Engine) HasTracks() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks) > 0
}

// Start begins (or restarts) scripted movement from elapsed zero and
// places every tracked node at its initial position.
func (e *Engine) Start() {
	e.mu.Lock()
	e.running = true
	e.elapsed = 0
	moves := e.positionsLocked()
	e.mu.Unlock()

	if len(moves) > 0 {
		e.topo.UpdatePositions(moves)
		e.topo.RefreshWireless()
	}
}

// Pause halts movement, keeping the elapsed clock.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}

// StopAction halts movement and rewinds to the start of every track.
func (e *Engine) StopAction() {
	e.mu.Lock()
	e.running = false
	e.elapsed = 0
	moves := e.positionsLocked()
	e.mu.Unlock()

	if len(moves) > 0 {
		e.topo.UpdatePositions(moves)
		e.topo.RefreshWireless()
	}
}

// Resume is called when the owning session enters RUNTIME.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumed = true
}

// Suspend is called when the owning session leaves RUNTIME. Tracks and
// elapsed time survive so a later Resume continues rather than restarts.
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumed = false
}

// Running reports whether a start action is in effect.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run ticks until the context is cancelled. It is started once per
// session and gated by Resume/Suspend rather than restarted.
func (e *Engine) Run(ctx context.Context) {
	defer e.clockStop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.C():
			e.Step()
		}
	}
}

func (e *Engine) clockStop() {
	e.clockOnce.Do(func() { e.clock.Stop() })
}

// Step advances one tick. Exported so tests and manual clocks can drive
// the engine synchronously.
func (e *Engine) Step() {
	e.mu.Lock()
	if !e.running || !e.resumed || len(e.tracks) == 0 {
		e.mu.Unlock()
		return
	}
	e.elapsed += e.tick
	moves := e.positionsLocked()
	e.mu.Unlock()

	e.topo.UpdatePositions(moves)
	e.topo.RefreshWireless()
}

// positionsLocked evaluates every track at the current elapsed time.
func (e *Engine) positionsLocked() map[int]model.Position {
	moves := make(map[int]model.Position, len(e.tracks))
	for id, track := range e.tracks {
		moves[id] = track.PositionAt(e.elapsed)
	}
	return moves
}
