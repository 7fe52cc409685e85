package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nqdb/nqdb/pkg/nerr"
)

// Registry wires together every node of a single-process cluster: each
// LocalTransport registers itself by ID, and resolves peers by looking
// their handler up in the shared map. This is the transport a test harness
// or a single-binary multi-node demo uses; a real deployment would swap it
// for a transport that crosses a socket, with the same Transport interface
// on both sides of that line.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*LocalTransport
}

// NewRegistry creates an empty cluster registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*LocalTransport)}
}

// Join creates a LocalTransport for nodeID, registers it in the registry,
// and returns it. The caller must call SetHandler before any peer's RPCs
// can be delivered.
func (r *Registry) Join(nodeID string) *LocalTransport {
	t := &LocalTransport{id: nodeID, registry: r}
	r.mu.Lock()
	r.nodes[nodeID] = t
	r.mu.Unlock()
	return t
}

// Leave removes nodeID from the registry; peers calling it afterward see
// it as unreachable, simulating a network partition or crash.
func (r *Registry) Leave(nodeID string) {
	r.mu.Lock()
	delete(r.nodes, nodeID)
	r.mu.Unlock()
}

func (r *Registry) lookup(nodeID string) (*LocalTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.nodes[nodeID]
	return t, ok
}

func (r *Registry) peerIDs(exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	return ids
}

// LocalTransport is a Transport backed by a shared Registry: sending an RPC
// to a peer is a direct call into that peer's registered Handler, with no
// serialization. It still goes through the same request/result struct
// types a networked transport would use, so swapping transports never
// touches the consensus package.
type LocalTransport struct {
	id       string
	registry *Registry

	mu      sync.RWMutex
	handler Handler
}

var _ Transport = (*LocalTransport)(nil)

// SetHandler registers the consensus manager that answers inbound RPCs.
func (t *LocalTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *LocalTransport) LocalID() string { return t.id }

func (t *LocalTransport) Peers() []string { return t.registry.peerIDs(t.id) }

func (t *LocalTransport) SendRequestVote(ctx context.Context, peerID string, req *RequestVote) (*RequestVoteResult, error) {
	peer, ok := t.registry.lookup(peerID)
	if !ok {
		return nil, &nerr.IoError{Op: fmt.Sprintf("send RequestVote to %s", peerID), Err: errUnreachable(peerID)}
	}
	h, ok := peer.currentHandler()
	if !ok {
		return nil, &nerr.IoError{Op: fmt.Sprintf("send RequestVote to %s", peerID), Err: errNoHandler(peerID)}
	}
	return h.HandleRequestVote(ctx, req)
}

func (t *LocalTransport) SendAppendEntries(ctx context.Context, peerID string, req *AppendEntries) (*AppendEntriesResult, error) {
	peer, ok := t.registry.lookup(peerID)
	if !ok {
		return nil, &nerr.IoError{Op: fmt.Sprintf("send AppendEntries to %s", peerID), Err: errUnreachable(peerID)}
	}
	h, ok := peer.currentHandler()
	if !ok {
		return nil, &nerr.IoError{Op: fmt.Sprintf("send AppendEntries to %s", peerID), Err: errNoHandler(peerID)}
	}
	return h.HandleAppendEntries(ctx, req)
}

func (t *LocalTransport) SendTimeoutNow(ctx context.Context, peerID string, req *TimeoutNow) (*TimeoutNowResult, error) {
	peer, ok := t.registry.lookup(peerID)
	if !ok {
		return nil, &nerr.IoError{Op: fmt.Sprintf("send TimeoutNow to %s", peerID), Err: errUnreachable(peerID)}
	}
	h, ok := peer.currentHandler()
	if !ok {
		return nil, &nerr.IoError{Op: fmt.Sprintf("send TimeoutNow to %s", peerID), Err: errNoHandler(peerID)}
	}
	return h.HandleTimeoutNow(ctx, req)
}

func (t *LocalTransport) currentHandler() (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler, t.handler != nil
}

type transportErr string

func (e transportErr) Error() string { return string(e) }

func errUnreachable(peerID string) error { return transportErr(fmt.Sprintf("peer %s unreachable", peerID)) }
func errNoHandler(peerID string) error   { return transportErr(fmt.Sprintf("peer %s has no registered handler", peerID)) }
