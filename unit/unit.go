// Package unit models binary units: the per-type container of member
// descriptors, markers, and code that the loader reads, the rewriter
// transforms, and the vm defines.
package unit

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/chazu/fnbridge/pkg/bytecode"
	"github.com/chazu/fnbridge/pkg/descriptor"
)

// SlotPrefix starts every generated handle-slot name. User members may not
// use it.
const SlotPrefix = "$$fn$$"

// Extension is the file extension of encoded units.
const Extension = ".fnu"

// VectorArg is the reserved argument name bound to the dispatch vector in
// callback-mode bodies.
const VectorArg = "vm"

// Marker declares that a member's body lives in the target runtime.
type Marker struct {
	Body         string
	Args         []string
	Synchronous  bool
	Retained     bool
	CallbackMode bool
}

// NewMarker returns a marker with the default flags: synchronous,
// retained, no callback translation.
func NewMarker(body string, args ...string) *Marker {
	return &Marker{Body: body, Args: args, Synchronous: true, Retained: true}
}

// ResourceMarker names a script resource that must run in the presenter
// before any of the type's handles are used.
type ResourceMarker struct {
	Path string
}

// CallSite identifies one marked member.
type CallSite struct {
	Type    string
	Member  string
	Ordinal int
}

// Slot returns the deterministic handle-slot name for the site.
func (c CallSite) Slot() string {
	return SlotPrefix + c.Member + "_" + strconv.Itoa(c.Ordinal)
}

func (c CallSite) String() string {
	return fmt.Sprintf("%s.%s#%d", c.Type, c.Member, c.Ordinal)
}

// Slot is a private static field declared by the rewriter to cache the
// handle of one call site.
type Slot struct {
	Name string
	Site CallSite
}

// CallbackRef is a managed method referenced from a callback-mode body.
type CallbackRef struct {
	Type    string // fully qualified, dotted
	Method  string
	Desc    string // parameter descriptors, with parentheses
	Raw     bool   // called with an explicit receiver
	Mangled string // dispatch-vector entry name
}

// Member is a method of the unit's type.
type Member struct {
	Name   string
	Desc   string
	Static bool
	Marker *Marker

	// Code is the serialized chunk executed for the member. Nil for a
	// marked member that has not been rewritten and has no body.
	Code []byte

	// Fallback is the member's original code, kept by the rewriter and
	// run when no presenter is active.
	Fallback []byte
}

// Method parses the member's descriptor.
func (m *Member) Method() (descriptor.Method, error) {
	return descriptor.ParseMethod(m.Desc)
}

// Chunk decodes the member's code.
func (m *Member) Chunk() (*bytecode.Chunk, error) {
	if m.Code == nil {
		return nil, fmt.Errorf("%s%s has no code", m.Name, m.Desc)
	}
	return bytecode.Deserialize(m.Code)
}

// FallbackChunk decodes the member's original code, or returns nil.
func (m *Member) FallbackChunk() (*bytecode.Chunk, error) {
	if m.Fallback == nil {
		return nil, nil
	}
	return bytecode.Deserialize(m.Fallback)
}

// Unit is a decoded binary unit: one type.
type Unit struct {
	Name      string
	Resource  *ResourceMarker
	Members   []*Member
	Slots     []Slot
	Callbacks []CallbackRef
	Rewritten bool
}

// Lookup returns the member with the given name and descriptor.
func (u *Unit) Lookup(name, desc string) *Member {
	for _, m := range u.Members {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// Marked reports whether any member carries a marker.
func (u *Unit) Marked() bool {
	for _, m := range u.Members {
		if m.Marker != nil {
			return true
		}
	}
	return false
}

// Package returns the dotted package of the unit's type ("" for the root).
func (u *Unit) Package() string {
	return PackageOf(u.Name)
}

// PackageOf returns the dotted package part of a fully qualified type name.
func PackageOf(typeName string) string {
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		return typeName[:i]
	}
	return ""
}

// PathOf maps a fully qualified type name to its unit path: a.b.C -> a/b/C.fnu.
func PathOf(typeName string) string {
	return strings.ReplaceAll(typeName, ".", "/") + Extension
}

// ResolveResource resolves a resource path relative to the package of
// typeName. Paths starting with "/" are absolute and lose the slash.
func ResolveResource(typeName, p string) string {
	if strings.HasPrefix(p, "/") {
		return strings.TrimPrefix(path.Clean(p), "/")
	}
	pkg := strings.ReplaceAll(PackageOf(typeName), ".", "/")
	return path.Join(pkg, p)
}
