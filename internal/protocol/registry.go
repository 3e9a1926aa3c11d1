package protocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Conn is one open client connection as seen by the registry and router.
type Conn interface {
	ID() string
	RemoteAddr() string
	// Send writes one text frame. It must be safe for concurrent use.
	Send(frame []byte) error
}

// Registry tracks the currently open connections. It references but does
// not own them; the connection handler adds and removes its own entry.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Remove deregisters c and reports whether it was present.
func (r *Registry) Remove(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; !ok {
		return false
	}
	delete(r.conns, c.ID())
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the registered connections ordered by ID.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// BroadcastResult summarizes one broadcast.
type BroadcastResult struct {
	// Attempted is the number of connections in the snapshot.
	Attempted int
	Delivered int
	// Err joins the per-connection send failures, if any.
	Err error
}

// Broadcast encodes msg once and sends it to every connection registered
// at call time. A failed send never stops delivery to the others. With no
// connections it is a no-op and Attempted is zero. The returned error is
// non-nil only when msg cannot be encoded.
func (r *Registry) Broadcast(msg Message) (BroadcastResult, error) {
	frame, err := Encode(msg.Path, msg.Data)
	if err != nil {
		return BroadcastResult{}, err
	}

	conns := r.Snapshot()
	res := BroadcastResult{Attempted: len(conns)}
	var errs []error
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			errs = append(errs, fmt.Errorf("%s (%s): %w", c.ID(), c.RemoteAddr(), err))
			continue
		}
		res.Delivered++
	}
	res.Err = errors.Join(errs...)
	return res, nil
}
