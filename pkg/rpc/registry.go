package rpc

import (
	"fmt"
	"sync"
)

type definition struct {
	name    string
	kind    Kind
	handler HandlerFunc
	builtin bool
}

// Registry is the ordered list of protocols a process speaks. Protocols are
// registered at startup; the registry freezes when the first table is built.
type Registry struct {
	mu         *sync.Mutex
	defs       []definition
	byName     map[string]int
	middleware []Middleware
	frozen     bool
	table      *Table
}

func NewRegistry() *Registry {
	r := &Registry{
		mu:     &sync.Mutex{},
		byName: make(map[string]int),
	}
	r.add(definition{name: ReplyName, kind: Variable, handler: handleReply, builtin: true})
	r.add(definition{name: HandshakeName, kind: Variable, handler: handleHandshake, builtin: true})
	return r
}

func (r *Registry) add(def definition) {
	r.byName[def.name] = len(r.defs)
	r.defs = append(r.defs, def)
}

// Register adds a protocol. Stub protocols may have a nil handler.
func (r *Registry) Register(name string, kind Kind, handler HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("protocol name must not be empty")
	}
	if err := kind.validate(); err != nil {
		return fmt.Errorf("protocol %s: %w", name, err)
	}
	if handler == nil && kind.typ != KindStub {
		return fmt.Errorf("protocol %s: handler must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("protocol %s: %w", name, ErrRegistryFrozen)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("protocol %s: %w", name, ErrDuplicateProtocol)
	}
	r.add(definition{name: name, kind: kind, handler: handler})
	return nil
}

func (r *Registry) MustRegister(name string, kind Kind, handler HandlerFunc) {
	if err := r.Register(name, kind, handler); err != nil {
		panic(err)
	}
}

// Use appends middleware applied to every non-builtin protocol handler.
func (r *Registry) Use(m Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	r.middleware = append(r.middleware, m)
	return nil
}

// Names returns the registered protocol names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.defs))
	for i, def := range r.defs {
		names[i] = def.name
	}
	return names
}

func (r *Registry) protocol(id uint32, def definition) *Protocol {
	handler := def.handler
	if handler == nil {
		handler = func(*Request) error { return nil }
	}
	if !def.builtin && len(r.middleware) > 0 {
		handler = buildHandlerFunction(r.middleware, handler)
	}
	return &Protocol{
		ID:      id,
		Name:    def.name,
		Kind:    def.kind,
		handler: handler,
	}
}

// Freeze assigns sequential ids in registration order and returns the
// resulting table. The same table is returned on every call.
func (r *Registry) Freeze() *Table {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
	if r.table != nil {
		return r.table
	}
	t := newTable(len(r.defs))
	for i, def := range r.defs {
		t.set(r.protocol(uint32(i), def))
	}
	r.table = t
	return t
}

// bootstrap returns a table containing only the builtin protocols, used by a
// client until negotiation completes.
func (r *Registry) bootstrap() *Table {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
	t := newTable(int(FirstUserID))
	for i, def := range r.defs[:FirstUserID] {
		t.set(r.protocol(uint32(i), def))
	}
	return t
}

// Negotiate builds a table that places local protocols at the ids the peer
// assigned. Local protocols the peer does not know are left unaddressable.
func (r *Registry) Negotiate(assignments []Assignment) (*Table, error) {
	size := 0
	seen := make(map[uint32]string, len(assignments))
	for _, a := range assignments {
		if other, ok := seen[a.ID]; ok {
			return nil, fmt.Errorf("%w: id %d assigned to both %s and %s", ErrHandshake, a.ID, other, a.Name)
		}
		if uint64(a.ID) >= uint64(len(assignments)) {
			return nil, fmt.Errorf("%w: id %d out of range for %d protocols", ErrHandshake, a.ID, len(assignments))
		}
		seen[a.ID] = a.Name
		if int(a.ID)+1 > size {
			size = int(a.ID) + 1
		}
	}
	if seen[ReplyID] != ReplyName || seen[HandshakeID] != HandshakeName {
		return nil, fmt.Errorf("%w: reserved protocols missing from assignment", ErrHandshake)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
	t := newTable(size)
	for _, a := range assignments {
		idx, ok := r.byName[a.Name]
		if !ok {
			continue
		}
		t.set(r.protocol(a.ID, r.defs[idx]))
	}
	return t, nil
}

// Table is a connection's protocol table indexed by id.
type Table struct {
	protocols []*Protocol
	byName    map[string]*Protocol
}

func newTable(size int) *Table {
	return &Table{
		protocols: make([]*Protocol, size),
		byName:    make(map[string]*Protocol, size),
	}
}

func (t *Table) set(p *Protocol) {
	t.protocols[p.ID] = p
	t.byName[p.Name] = p
}

// Lookup returns the protocol bound to id.
func (t *Table) Lookup(id uint32) (*Protocol, bool) {
	if uint64(id) >= uint64(len(t.protocols)) {
		return nil, false
	}
	p := t.protocols[id]
	return p, p != nil
}

// ID returns the id bound to name.
func (t *Table) ID(name string) (uint32, bool) {
	p, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	return p.ID, true
}

func (t *Table) Protocol(name string) (*Protocol, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// Len returns the number of bound protocols.
func (t *Table) Len() int {
	return len(t.byName)
}

// Assignments returns the bound (name, id) pairs in id order.
func (t *Table) Assignments() []Assignment {
	out := make([]Assignment, 0, len(t.byName))
	for _, p := range t.protocols {
		if p != nil {
			out = append(out, Assignment{Name: p.Name, ID: p.ID})
		}
	}
	return out
}
