// Package vm is the managed runtime: it defines classes from binary units,
// dispatches calls to their members, and owns the handle caches and
// dispatch vectors that call stubs use.
package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/fnbridge/pkg/bytecode"
	"github.com/chazu/fnbridge/pkg/value"
	"github.com/chazu/fnbridge/target"
	"github.com/chazu/fnbridge/unit"
)

var log = commonlog.GetLogger("fnbridge.vm")

var (
	// ErrAlreadyDefined is returned when a unit names a class that exists.
	ErrAlreadyDefined = errors.New("class already defined")

	// ErrClassNotFound is returned when a call names an unknown class.
	ErrClassNotFound = errors.New("class not found")

	// ErrMethodNotFound is returned when a call names an unknown member.
	ErrMethodNotFound = errors.New("method not found")

	// ErrNoBody is returned when calling a member without code.
	ErrNoBody = errors.New("method has no body")
)

// Resolver finds classes that are not defined yet. The loader implements
// it.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*Class, error)
}

// VM holds the defined classes of one runtime.
type VM struct {
	classes *ClassTable

	defineMu sync.Mutex

	mu       sync.Mutex
	vectors  map[string]*value.DispatchVector
	resolver Resolver
}

// New creates an empty runtime.
func New() *VM {
	return &VM{
		classes: NewClassTable(),
		vectors: make(map[string]*value.DispatchVector),
	}
}

// SetResolver installs the resolver used for classes referenced before
// they are defined.
func (vm *VM) SetResolver(r Resolver) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.resolver = r
}

// Classes returns the class table.
func (vm *VM) Classes() *ClassTable { return vm.classes }

// Lookup finds a defined class.
func (vm *VM) Lookup(name string) *Class { return vm.classes.Lookup(name) }

// Define turns a unit into a class. The unit's callback references are
// registered in its package's dispatch vector.
func (vm *VM) Define(u *unit.Unit) (*Class, error) {
	vm.defineMu.Lock()
	defer vm.defineMu.Unlock()
	if vm.classes.Has(u.Name) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDefined, u.Name)
	}
	c, err := newClass(u)
	if err != nil {
		return nil, err
	}
	vm.classes.Register(c)

	dv := vm.Vector(c.Package())
	for _, ref := range u.Callbacks {
		dv.Set(ref.Mangled, vm.callbackEntry(ref))
	}
	log.Infof("defined %s: %d members, %d slots, %d callbacks", u.Name, len(u.Members), c.handles.Len(), len(u.Callbacks))
	return c, nil
}

// Vector returns the dispatch vector of a package, creating it on first
// use.
func (vm *VM) Vector(pkg string) *value.DispatchVector {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	dv := vm.vectors[pkg]
	if dv == nil {
		dv = value.NewDispatchVector(pkg)
		vm.vectors[pkg] = dv
	}
	return dv
}

// Class returns the named class, resolving it through the Resolver if it
// is not defined yet.
func (vm *VM) Class(ctx context.Context, name string) (*Class, error) {
	if c := vm.classes.Lookup(name); c != nil {
		return c, nil
	}
	vm.mu.Lock()
	r := vm.resolver
	vm.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
	}
	return r.Resolve(ctx, name)
}

// Call invokes a member. Primitive arguments are managed Go values
// (int32 for I, bool for Z, ...).
func (vm *VM) Call(ctx context.Context, class, name, desc string, self any, args ...any) (any, error) {
	c, err := vm.Class(ctx, class)
	if err != nil {
		return nil, err
	}
	m := c.Lookup(name, desc)
	if m == nil {
		return nil, fmt.Errorf("%w: %s.%s%s", ErrMethodNotFound, class, name, desc)
	}
	return vm.Invoke(ctx, m, self, args)
}

// Invoke runs m with the given receiver and arguments.
func (vm *VM) Invoke(ctx context.Context, m *Method, self any, args []any) (any, error) {
	if len(args) != len(m.Sig.Params) {
		return nil, fmt.Errorf("%s: %d arguments for %d parameters", m, len(args), len(m.Sig.Params))
	}
	if m.prim != nil {
		return m.prim(ctx, self, args)
	}
	if m.chunk == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBody, m)
	}
	env := &env{ctx: ctx, vm: vm, method: m, frame: bytecode.Frame{Self: self, Params: args}}
	res, err := bytecode.Run(m.chunk, env, env.frame)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m, err)
	}
	return res, nil
}

// ResetHandles empties every handle slot of every class.
func (vm *VM) ResetHandles() {
	for _, c := range vm.classes.All() {
		c.handles.Reset()
	}
}

// Stats aggregates the handle-cache counters of every class.
func (vm *VM) Stats() CacheStats {
	var st CacheStats
	for _, c := range vm.classes.All() {
		st.Merge(c.handles.Stats())
	}
	return st
}

// InstanceOf implements value.ClassResolver for *Object values.
func (vm *VM) InstanceOf(v any, class string) (ok, known bool) {
	obj, isObj := v.(*Object)
	if vm.classes.Has(class) {
		return isObj && obj.Class.Name == class, true
	}
	if isObj && class != "java.lang.Object" {
		return false, true
	}
	return false, false
}

// env is the bytecode environment of one call.
type env struct {
	ctx    context.Context
	vm     *VM
	method *Method
	frame  bytecode.Frame
}

func (e *env) Context() context.Context { return e.ctx }

func (e *env) Owner() string { return e.method.Class.Name }

func (e *env) LoadSlot(name string) target.Handle {
	return e.method.Class.handles.Load(name)
}

func (e *env) StoreSlot(name string, h target.Handle) {
	if !e.method.Class.handles.Store(name, h) {
		log.Errorf("%s: store to undeclared slot %s", e.method, name)
		return
	}
	log.Debugf("%s: cached handle in %s", e.method, name)
}

func (e *env) DispatchVector() *value.DispatchVector {
	return e.vm.Vector(e.method.Class.Package())
}

func (e *env) Classes() value.ClassResolver { return e.vm }

func (e *env) Fallback() (any, error) {
	if e.method.fallback == nil {
		return nil, bytecode.ErrNoFallback
	}
	return bytecode.Run(e.method.fallback, e, e.frame)
}
