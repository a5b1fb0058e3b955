// Package nodetable maps mesh node identifiers to the IP addresses that
// represent them on the virtual interface.
package nodetable

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnresolved      = errors.New("unresolved address")
	ErrMappingConflict = errors.New("mapping conflict")
)

// Origin tags where an entry came from.
type Origin uint8

const (
	Static Origin = iota + 1
	Learned
)

func (o Origin) String() string {
	switch o {
	case Static:
		return "static"
	case Learned:
		return "learned"
	}
	return fmt.Sprintf("Origin(%d)", uint8(o))
}

// Entry is one node/address pair. LastSeen is zero for static entries.
type Entry struct {
	NodeID   string
	Addr     netip.Addr
	Origin   Origin
	LastSeen time.Time
}

// ConflictError reports a mapping that would overwrite an existing entry.
type ConflictError struct {
	NodeID   string
	Addr     netip.Addr
	Existing Entry
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict: %s -> %s collides with %s entry %s -> %s",
		e.NodeID, e.Addr, e.Existing.Origin, e.Existing.NodeID, e.Existing.Addr)
}

func (e *ConflictError) Is(target error) bool { return target == ErrMappingConflict }

// Table is safe for concurrent use. Every node id maps to at most one address
// and every address to at most one node id.
type Table struct {
	mu     sync.Mutex
	byNode map[string]*Entry
	byAddr map[netip.Addr]*Entry
}

func New() *Table {
	return &Table{
		byNode: make(map[string]*Entry),
		byAddr: make(map[netip.Addr]*Entry),
	}
}

// AddStatic installs a configured mapping. Re-adding an identical mapping is
// a no-op; a static entry replaces a learned one that held the same id or
// address.
func (t *Table) AddStatic(nodeID string, addr netip.Addr) error {
	if nodeID == "" || !addr.IsValid() {
		return fmt.Errorf("invalid static mapping %q -> %s", nodeID, addr)
	}
	addr = addr.Unmap()

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byNode[nodeID]; ok && e.Origin == Static {
		if e.Addr == addr {
			return nil
		}
		return &ConflictError{NodeID: nodeID, Addr: addr, Existing: *e}
	}
	if e, ok := t.byAddr[addr]; ok && e.Origin == Static {
		return &ConflictError{NodeID: nodeID, Addr: addr, Existing: *e}
	}

	t.removeLocked(t.byNode[nodeID])
	t.removeLocked(t.byAddr[addr])
	t.insertLocked(&Entry{NodeID: nodeID, Addr: addr, Origin: Static})
	return nil
}

// LoadStatic adds every mapping and returns the joined failures.
func (t *Table) LoadStatic(mappings map[string]netip.Addr) error {
	ids := make([]string, 0, len(mappings))
	for id := range mappings {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		if err := t.AddStatic(id, mappings[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Table) ResolveAddr(nodeID string) (netip.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byNode[nodeID]; ok {
		return e.Addr, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: node %s", ErrUnresolved, nodeID)
}

func (t *Table) ResolveNode(addr netip.Addr) (string, error) {
	addr = addr.Unmap()
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byAddr[addr]; ok {
		return e.NodeID, nil
	}
	return "", fmt.Errorf("%w: address %s", ErrUnresolved, addr)
}

// Learn inserts or refreshes a discovered mapping. It returns a
// *ConflictError, leaving the table unchanged, when a static entry owns the
// node id or the address. A learned entry holding the address under another
// node id is replaced, since the newer announcement wins.
func (t *Table) Learn(nodeID string, addr netip.Addr, now time.Time) error {
	if nodeID == "" || !addr.IsValid() {
		return fmt.Errorf("invalid learned mapping %q -> %s", nodeID, addr)
	}
	addr = addr.Unmap()

	t.mu.Lock()
	defer t.mu.Unlock()

	byNode := t.byNode[nodeID]
	if byNode != nil && byNode.Origin == Static {
		return &ConflictError{NodeID: nodeID, Addr: addr, Existing: *byNode}
	}
	byAddr := t.byAddr[addr]
	if byAddr != nil && byAddr.Origin == Static {
		return &ConflictError{NodeID: nodeID, Addr: addr, Existing: *byAddr}
	}

	if byNode != nil && byNode.Addr == addr {
		byNode.LastSeen = now
		return nil
	}

	t.removeLocked(byNode)
	t.removeLocked(byAddr)
	t.insertLocked(&Entry{NodeID: nodeID, Addr: addr, Origin: Learned, LastSeen: now})
	return nil
}

// EvictStale removes learned entries not seen for longer than ttl and
// returns them. Static entries never expire.
func (t *Table) EvictStale(now time.Time, ttl time.Duration) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []Entry
	for _, e := range t.byNode {
		if e.Origin != Learned || now.Sub(e.LastSeen) <= ttl {
			continue
		}
		evicted = append(evicted, *e)
		t.removeLocked(e)
	}
	slices.SortFunc(evicted, func(a, b Entry) int { return strings.Compare(a.NodeID, b.NodeID) })
	return evicted
}

// Entries returns a snapshot sorted by node id.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.byNode))
	for _, e := range t.byNode {
		out = append(out, *e)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out
}

// Stats returns counts useful for logging.
func (t *Table) Stats() (static int, learned int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.byNode {
		if e.Origin == Static {
			static++
		} else {
			learned++
		}
	}
	return static, learned
}

func (t *Table) insertLocked(e *Entry) {
	t.byNode[e.NodeID] = e
	t.byAddr[e.Addr] = e
}

func (t *Table) removeLocked(e *Entry) {
	if e == nil {
		return
	}
	if t.byNode[e.NodeID] == e {
		delete(t.byNode, e.NodeID)
	}
	if t.byAddr[e.Addr] == e {
		delete(t.byAddr, e.Addr)
	}
}
