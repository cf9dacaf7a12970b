// Package compiler generates the call stubs that replace marked members.
//
// A stub caches one handle per call site. On each call it reads the slot,
// re-checks the handle against the active presenter, and (re)defines the
// function on a miss. Arguments are then boxed, the target is invoked, and
// the result is coerced to the declared return type:
//
//	    LOAD_SLOT slot; DUP; HANDLE_VALID; JUMP_TRUE ready; POP
//	    CONST arg...; DEFINE_HANDLE body argc flags
//	    JUMP_NIL nopresenter
//	    [PRELOAD owner resource]
//	    DUP; STORE_SLOT slot
//	ready:
//	    [LOAD_SELF] (LOAD_PARAM i; [BOX kind])... [LOAD_DISPATCH]
//	    MAKE_ARGS n; INVOKE; coerce; RETURN
//	nopresenter:
//	    POP; FALLBACK | THROW_INACTIVE
//
// With CheckCold the presence of a presenter is only discovered on the cold
// path. CheckEveryCall tests it before the slot read as well.
package compiler

import (
	"errors"
	"fmt"
	"slices"

	"fortio.org/safecast"

	"github.com/chazu/fnbridge/compiler/callback"
	"github.com/chazu/fnbridge/pkg/bytecode"
	"github.com/chazu/fnbridge/pkg/descriptor"
	"github.com/chazu/fnbridge/unit"
)

var (
	// ErrUnsupported is returned for a descriptor the marshaler cannot
	// convert.
	ErrUnsupported = errors.New("unsupported type")

	// ErrInvalidSite is returned for a marker that cannot produce a stub.
	ErrInvalidSite = errors.New("invalid call site")
)

// CheckPolicy selects where a stub tests for an active presenter.
type CheckPolicy uint8

const (
	// CheckCold tests only when the cached handle is unusable.
	CheckCold CheckPolicy = iota
	// CheckEveryCall tests on every invocation, before the slot read.
	CheckEveryCall
)

func (p CheckPolicy) String() string {
	if p == CheckEveryCall {
		return "every-call"
	}
	return "cold"
}

// ParsePolicy parses "cold" or "every-call".
func ParsePolicy(s string) (CheckPolicy, error) {
	switch s {
	case "", "cold":
		return CheckCold, nil
	case "every-call":
		return CheckEveryCall, nil
	}
	return CheckCold, fmt.Errorf("unknown check policy %q (want cold or every-call)", s)
}

// Options configures stub generation.
type Options struct {
	Policy CheckPolicy
}

// Site is everything the generator needs to know about one marked member.
type Site struct {
	CallSite unit.CallSite
	Method   descriptor.Method
	Static   bool
	Marker   *unit.Marker

	// Resource is the owner's resource path, or "".
	Resource string

	// Fallback is set when the member keeps an original body to run
	// without a presenter.
	Fallback bool
}

// Stub is a generated call stub.
type Stub struct {
	Chunk     *bytecode.Chunk
	Body      string // body as defined in the presenter
	Args      []string
	Callbacks []callback.Ref
}

// Generate emits the call stub for site.
func Generate(site Site, opts Options) (*Stub, error) {
	g := &generator{site: site, opts: opts, c: bytecode.NewChunk()}
	if err := g.prepare(); err != nil {
		return nil, fmt.Errorf("%s: %w", site.CallSite, err)
	}
	if err := g.emit(); err != nil {
		return nil, fmt.Errorf("%s: %w", site.CallSite, err)
	}
	if err := g.c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", site.CallSite, err)
	}
	return &Stub{Chunk: g.c, Body: g.body, Args: g.args, Callbacks: g.refs}, nil
}

type generator struct {
	site Site
	opts Options
	c    *bytecode.Chunk
	m    Marshaler

	body string
	args []string
	refs []callback.Ref
}

// prepare validates the marker against the descriptor and resolves the
// body and argument names as they will be defined in the presenter.
func (g *generator) prepare() error {
	mk := g.site.Marker
	if mk == nil {
		return fmt.Errorf("%w: no marker", ErrInvalidSite)
	}
	if mk.Body == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidSite)
	}
	if !mk.Synchronous && g.site.Method.Return.Kind != descriptor.Void {
		return fmt.Errorf("%w: asynchronous member must return void, declares %v", ErrInvalidSite, g.site.Method.Return)
	}

	args := slices.Clone(mk.Args)
	if i := slices.Index(args, unit.VectorArg); i >= 0 {
		if !mk.CallbackMode {
			return fmt.Errorf("%w: argument name %q is reserved for callback bodies", ErrInvalidSite, unit.VectorArg)
		}
		if i != len(args)-1 {
			return fmt.Errorf("%w: %q must be the last argument", ErrInvalidSite, unit.VectorArg)
		}
		args = args[:i]
	}
	if len(args) != len(g.site.Method.Params) {
		return fmt.Errorf("%w: %d argument names for %d parameters", ErrInvalidSite, len(args), len(g.site.Method.Params))
	}
	for i, a := range args {
		if a == "" {
			return fmt.Errorf("%w: argument %d has no name", ErrInvalidSite, i)
		}
		if slices.Contains(args[:i], a) {
			return fmt.Errorf("%w: duplicate argument name %q", ErrInvalidSite, a)
		}
	}

	g.body = mk.Body
	if mk.CallbackMode {
		body, refs, err := callback.Translate(mk.Body)
		if err != nil {
			return err
		}
		g.body, g.refs = body, refs
		args = append(args, unit.VectorArg)
	}
	g.args = args
	return nil
}

func (g *generator) emit() error {
	c := g.c
	mk := g.site.Marker
	slot := g.site.CallSite.Slot()

	c.Flags |= bytecode.ChunkFlagStub
	if !mk.Synchronous {
		c.Flags |= bytecode.ChunkFlagAsync
	}
	if g.site.Fallback {
		c.Flags |= bytecode.ChunkFlagHasFallback
	}

	var inactive []int
	if g.opts.Policy == CheckEveryCall {
		c.Flags |= bytecode.ChunkFlagCheckEveryCall
		c.Emit(bytecode.OpActive)
		warm := c.EmitJump(bytecode.OpJumpTrue)
		c.Emit(bytecode.OpConstNil)
		inactive = append(inactive, c.EmitJump(bytecode.OpJump))
		if err := c.PatchJump(warm); err != nil {
			return err
		}
	}

	// Slot read and validity check.
	if _, err := c.EmitConstOperand(bytecode.OpLoadSlot, slot); err != nil {
		return err
	}
	c.Emit(bytecode.OpDup)
	c.Emit(bytecode.OpHandleValid)
	ready := c.EmitJump(bytecode.OpJumpTrue)
	c.Emit(bytecode.OpPop)

	// Cold path: define, preload, cache.
	if err := g.emitDefine(); err != nil {
		return err
	}
	inactive = append(inactive, c.EmitJump(bytecode.OpJumpNil))
	if g.site.Resource != "" {
		owner, err := c.AddConstant(g.site.CallSite.Type)
		if err != nil {
			return err
		}
		path, err := c.AddConstant(g.site.Resource)
		if err != nil {
			return err
		}
		c.EmitWithOperand(bytecode.OpPreload, byte(owner>>8), byte(owner), byte(path>>8), byte(path))
	}
	c.Emit(bytecode.OpDup)
	if _, err := c.EmitConstOperand(bytecode.OpStoreSlot, slot); err != nil {
		return err
	}

	// Warm path: marshal and invoke.
	if err := c.PatchJump(ready); err != nil {
		return err
	}
	if err := g.emitInvoke(); err != nil {
		return err
	}

	// No presenter.
	for _, j := range inactive {
		if err := c.PatchJump(j); err != nil {
			return err
		}
	}
	c.Emit(bytecode.OpPop)
	if g.site.Fallback {
		c.Emit(bytecode.OpFallback)
	} else {
		c.Emit(bytecode.OpThrowInactive)
	}
	return nil
}

func (g *generator) emitDefine() error {
	c := g.c
	for _, a := range g.args {
		if _, err := c.EmitConstant(a); err != nil {
			return err
		}
	}
	body, err := c.AddConstant(g.body)
	if err != nil {
		return err
	}
	argc, err := safecast.Conv[byte](len(g.args))
	if err != nil {
		return fmt.Errorf("%w: too many arguments (%d)", ErrInvalidSite, len(g.args))
	}
	var flags byte
	if g.site.Marker.Retained {
		flags |= bytecode.DefineRetained
	}
	if !g.site.Static {
		flags |= bytecode.DefineReceiver
	}
	c.EmitWithOperand(bytecode.OpDefineHandle, byte(body>>8), byte(body), argc, flags)
	return nil
}

func (g *generator) emitInvoke() error {
	c := g.c
	n := 0
	if !g.site.Static {
		c.Emit(bytecode.OpLoadSelf)
		n++
	}
	for i, p := range g.site.Method.Params {
		idx, err := safecast.Conv[byte](i)
		if err != nil {
			return fmt.Errorf("%w: too many parameters", ErrInvalidSite)
		}
		c.EmitWithOperand(bytecode.OpLoadParam, idx)
		if err := g.m.Param(c, p); err != nil {
			return err
		}
		n++
	}
	if g.site.Marker.CallbackMode {
		c.Emit(bytecode.OpLoadDispatch)
		n++
	}
	count, err := safecast.Conv[byte](n)
	if err != nil {
		return fmt.Errorf("%w: too many arguments (%d)", ErrInvalidSite, n)
	}
	c.EmitWithOperand(bytecode.OpMakeArgs, count)

	if !g.site.Marker.Synchronous {
		c.Emit(bytecode.OpInvokeAsync)
		c.Emit(bytecode.OpReturnVoid)
		return nil
	}
	c.Emit(bytecode.OpInvoke)
	ret := g.site.Method.Return
	if ret.Kind == descriptor.Void {
		c.Emit(bytecode.OpPop)
		c.Emit(bytecode.OpReturnVoid)
		return nil
	}
	if err := g.m.Return(c, ret); err != nil {
		return err
	}
	c.Emit(bytecode.OpReturn)
	return nil
}
