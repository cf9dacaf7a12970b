package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/launix-de/NonLockingReadMap"

	"github.com/chazu/fnbridge/pkg/bytecode"
	"github.com/chazu/fnbridge/pkg/descriptor"
	"github.com/chazu/fnbridge/unit"
)

// Primitive implements a member in Go. Arguments arrive as managed values
// (bool, int32, ... for primitives).
type Primitive func(ctx context.Context, self any, args []any) (any, error)

// Method is a member of a defined class.
type Method struct {
	Class  *Class
	Name   string
	Desc   string
	Static bool
	Sig    descriptor.Method
	Member *unit.Member // nil for primitives added from Go

	chunk    *bytecode.Chunk
	fallback *bytecode.Chunk
	prim     Primitive
}

// IsStub reports whether the method's code is a generated call stub.
func (m *Method) IsStub() bool {
	return m.chunk != nil && m.chunk.Flags&bytecode.ChunkFlagStub != 0
}

// IsPrimitive reports whether the method is implemented in Go.
func (m *Method) IsPrimitive() bool { return m.prim != nil }

// Chunk returns the method's code, or nil for primitives and bodiless
// members.
func (m *Method) Chunk() *bytecode.Chunk { return m.chunk }

func (m *Method) String() string {
	return m.Class.Name + "." + m.Name + m.Desc
}

// Class is a defined type: its members and the handle cache of its call
// sites.
type Class struct {
	Name string
	Unit *unit.Unit

	handles *HandleCache
	table   *methodTable
}

// methodTable is kept behind a pointer so Class values can be copied for
// the NonLockingReadMap key methods.
type methodTable struct {
	mu      sync.RWMutex
	methods map[string]*Method // name+desc
	byName  map[string][]*Method
}

func newClass(u *unit.Unit) (*Class, error) {
	c := &Class{
		Name:    u.Name,
		Unit:    u,
		handles: NewHandleCache(u.Slots),
		table: &methodTable{
			methods: make(map[string]*Method),
			byName:  make(map[string][]*Method),
		},
	}
	for _, mem := range u.Members {
		sig, err := mem.Method()
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", u.Name, mem.Name, err)
		}
		m := &Method{Class: c, Name: mem.Name, Desc: mem.Desc, Static: mem.Static, Sig: sig, Member: mem}
		if mem.Code != nil {
			if m.chunk, err = mem.Chunk(); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", u.Name, mem.Name, err)
			}
			if err := m.chunk.Validate(); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", u.Name, mem.Name, err)
			}
		}
		if m.fallback, err = mem.FallbackChunk(); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", u.Name, mem.Name, err)
		}
		c.table.add(m)
	}
	return c, nil
}

func (t *methodTable) add(m *Method) {
	key := m.Name + m.Desc
	if old := t.methods[key]; old != nil {
		list := t.byName[m.Name]
		for i, o := range list {
			if o == old {
				list[i] = m
			}
		}
	} else {
		t.byName[m.Name] = append(t.byName[m.Name], m)
	}
	t.methods[key] = m
}

// Lookup finds a method by name and descriptor.
func (c *Class) Lookup(name, desc string) *Method {
	c.table.mu.RLock()
	defer c.table.mu.RUnlock()
	return c.table.methods[name+desc]
}

// LookupParams finds a method by name and parameter list ("(II)"), any
// return type.
func (c *Class) LookupParams(name, params string) *Method {
	c.table.mu.RLock()
	defer c.table.mu.RUnlock()
	for _, m := range c.table.byName[name] {
		if len(m.Desc) >= len(params) && m.Desc[:len(params)] == params {
			return m
		}
	}
	return nil
}

// Overloads returns every method called name, in declaration order.
func (c *Class) Overloads(name string) []*Method {
	c.table.mu.RLock()
	defer c.table.mu.RUnlock()
	return append([]*Method(nil), c.table.byName[name]...)
}

// Methods returns all methods sorted by name and descriptor.
func (c *Class) Methods() []*Method {
	c.table.mu.RLock()
	defer c.table.mu.RUnlock()
	out := make([]*Method, 0, len(c.table.methods))
	for _, m := range c.table.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Desc < out[j].Desc
	})
	return out
}

// AddPrimitive implements (or replaces) a member in Go.
func (c *Class) AddPrimitive(name, desc string, static bool, fn Primitive) error {
	sig, err := descriptor.ParseMethod(desc)
	if err != nil {
		return err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	c.table.add(&Method{Class: c, Name: name, Desc: desc, Static: static, Sig: sig, prim: fn})
	return nil
}

// Handles returns the class's handle cache.
func (c *Class) Handles() *HandleCache { return c.handles }

// Package returns the dotted package of the class.
func (c *Class) Package() string { return unit.PackageOf(c.Name) }

func (c *Class) String() string { return c.Name }

// GetKey implements NonLockingReadMap.KeyGetter.
func (c Class) GetKey() string { return c.Name }

// ComputeSize implements NonLockingReadMap.Sizable with a rough estimate.
func (c Class) ComputeSize() uint {
	return uint(64 + len(c.Name) + 96*c.handles.Len())
}

// ClassTable is the registry of defined classes. Reads never block;
// definitions are rare.
type ClassTable struct {
	classes NonLockingReadMap.NonLockingReadMap[Class, string]
}

// NewClassTable creates an empty class table.
func NewClassTable() *ClassTable {
	return &ClassTable{classes: NonLockingReadMap.New[Class, string]()}
}

// Register adds c. It returns the class previously registered under the
// same name, or nil.
func (ct *ClassTable) Register(c *Class) *Class {
	return ct.classes.Set(c)
}

// Lookup finds a class by name.
func (ct *ClassTable) Lookup(name string) *Class {
	return ct.classes.Get(name)
}

// Has reports whether a class is registered under name.
func (ct *ClassTable) Has(name string) bool {
	return ct.classes.Get(name) != nil
}

// All returns the registered classes sorted by name.
func (ct *ClassTable) All() []*Class {
	return append([]*Class(nil), ct.classes.GetAll()...)
}

// Len returns the number of registered classes.
func (ct *ClassTable) Len() int {
	return len(ct.classes.GetAll())
}
