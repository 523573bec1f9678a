package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound indicates a request referenced an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a create request reused a live session id.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionShutdown indicates the session is terminal and cannot be reused.
	ErrSessionShutdown = errors.New("session has shut down")
	// ErrStateBackward indicates an illegal backward lifecycle transition.
	ErrStateBackward = errors.New("illegal backward state transition")
	// ErrUnknownState indicates an out-of-range lifecycle value.
	ErrUnknownState = errors.New("unknown session state")
	// ErrNodeExists indicates a node id is already taken within the session.
	ErrNodeExists = errors.New("node already exists")
	// ErrNodeNotFound indicates a requested node was not found.
	ErrNodeNotFound = errors.New("node not found")
	// ErrInterfaceExists indicates an interface id is already bound on the node.
	ErrInterfaceExists = errors.New("interface already exists")
	// ErrInterfaceNotFound indicates a requested interface was not found.
	ErrInterfaceNotFound = errors.New("interface not found")
	// ErrLinkExists indicates a link between the given endpoints already exists.
	ErrLinkExists = errors.New("link already exists")
	// ErrLinkNotFound indicates a requested link was not found.
	ErrLinkNotFound = errors.New("link not found")
	// ErrModelNotFound indicates a configuration model name is not registered.
	ErrModelNotFound = errors.New("configuration model not found")
)

// EntityFailure records one node or link whose kernel realization or
// teardown failed during a commit.
type EntityFailure struct {
	Kind string // "node" or "link"
	ID   int    // node id, or the link's shaping key
	Err  error
}

func (f EntityFailure) String() string {
	return fmt.Sprintf("%s %d: %v", f.Kind, f.ID, f.Err)
}

// CommitError aggregates per-entity failures from a commit or teardown
// pipeline. The lifecycle transition that triggered the pipeline has still
// taken effect; whatever realized successfully remains live.
type CommitError struct {
	Failures []EntityFailure
}

func (e *CommitError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("commit failed for %d entities: %s",
		len(e.Failures), strings.Join(parts, "; "))
}

// AsCommitError unwraps err into a CommitError if it is one.
func AsCommitError(err error) (*CommitError, bool) {
	var ce *CommitError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
