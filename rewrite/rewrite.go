// Package rewrite transforms binary units at load time: every member
// carrying a marker has its code replaced with a call stub that invokes
// the marker's body in the active presenter.
//
// Rewriting is two passes over a unit. Scan collects the marked members
// into a SymbolTable and validates them; Rewrite declares one handle slot
// per call site and emits the stubs. Transform runs both on encoded bytes.
package rewrite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/fnbridge/compiler"
	"github.com/chazu/fnbridge/pkg/descriptor"
	"github.com/chazu/fnbridge/unit"
)

var log = commonlog.GetLogger("fnbridge.rewrite")

// ErrConfiguration matches every *ConfigError.
var ErrConfiguration = errors.New("invalid marker configuration")

// ConfigError reports a unit whose markers cannot be rewritten. It aborts
// the whole unit.
type ConfigError struct {
	Type   string
	Member string // empty for type-level problems
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Member == "" {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Type, e.Member, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

func configErr(typ, member string, format string, args ...any) error {
	return &ConfigError{Type: typ, Member: member, Err: fmt.Errorf(format, args...)}
}

// Entry is one marked member found by Scan.
type Entry struct {
	Site   unit.CallSite
	Member *unit.Member
	Method descriptor.Method
}

// SymbolTable is the result of the first pass.
type SymbolTable struct {
	Type     string
	Resource string // resource path, or ""
	Entries  []Entry
}

// Empty reports whether the unit has nothing to rewrite.
func (t *SymbolTable) Empty() bool { return len(t.Entries) == 0 }

// Slots returns the slot names in declaration order.
func (t *SymbolTable) Slots() []string {
	names := make([]string, len(t.Entries))
	for i, e := range t.Entries {
		names[i] = e.Site.Slot()
	}
	return names
}

// Scan is the first pass. It assigns ordinals per member name in
// declaration order and validates every marker.
func Scan(u *unit.Unit) (*SymbolTable, error) {
	tab := &SymbolTable{Type: u.Name}
	if u.Resource != nil {
		if strings.TrimPrefix(u.Resource.Path, "/") == "" {
			return nil, configErr(u.Name, "", "resource marker without a path")
		}
		tab.Resource = u.Resource.Path
	}

	ordinals := make(map[string]int)
	seen := make(map[string]bool)
	for _, m := range u.Members {
		if strings.HasPrefix(m.Name, unit.SlotPrefix) {
			return nil, configErr(u.Name, m.Name, "member name uses the reserved prefix %q", unit.SlotPrefix)
		}
		if seen[m.Name+m.Desc] {
			return nil, configErr(u.Name, m.Name, "duplicate member %s%s", m.Name, m.Desc)
		}
		seen[m.Name+m.Desc] = true

		if m.Marker == nil {
			continue
		}
		if m.Marker.Body == "" {
			return nil, configErr(u.Name, m.Name, "marker has an empty body")
		}
		md, err := m.Method()
		if err != nil {
			return nil, &ConfigError{Type: u.Name, Member: m.Name, Err: err}
		}
		site := unit.CallSite{Type: u.Name, Member: m.Name, Ordinal: ordinals[m.Name]}
		ordinals[m.Name]++
		tab.Entries = append(tab.Entries, Entry{Site: site, Member: m, Method: md})
	}
	return tab, nil
}

// Options configures the second pass.
type Options struct {
	Policy compiler.CheckPolicy

	// Encode selects the output container for Transform. Nil keeps the
	// input's format and compression.
	Encode *unit.EncodeOptions
}

// Rewrite is the second pass. It returns a rewritten copy of u; u itself
// is not modified.
func Rewrite(u *unit.Unit, tab *SymbolTable, opts Options) (*unit.Unit, error) {
	out := &unit.Unit{
		Name:      u.Name,
		Resource:  u.Resource,
		Members:   make([]*unit.Member, len(u.Members)),
		Slots:     append([]unit.Slot(nil), u.Slots...),
		Callbacks: append([]unit.CallbackRef(nil), u.Callbacks...),
		Rewritten: true,
	}
	index := make(map[*unit.Member]int, len(u.Members))
	for i, m := range u.Members {
		cp := *m
		out.Members[i] = &cp
		index[m] = i
	}

	mangled := make(map[string]bool)
	for _, c := range out.Callbacks {
		mangled[c.Mangled] = true
	}

	for _, e := range tab.Entries {
		i, ok := index[e.Member]
		if !ok {
			return nil, configErr(u.Name, e.Site.Member, "symbol table does not belong to this unit")
		}
		m := out.Members[i]

		stub, err := compiler.Generate(compiler.Site{
			CallSite: e.Site,
			Method:   e.Method,
			Static:   m.Static,
			Marker:   m.Marker,
			Resource: tab.Resource,
			Fallback: m.Code != nil,
		}, compiler.Options{Policy: opts.Policy})
		if err != nil {
			return nil, &ConfigError{Type: u.Name, Member: m.Name, Err: err}
		}
		code, err := stub.Chunk.Serialize()
		if err != nil {
			return nil, &ConfigError{Type: u.Name, Member: m.Name, Err: err}
		}

		m.Fallback = m.Code
		m.Code = code
		out.Slots = append(out.Slots, unit.Slot{Name: e.Site.Slot(), Site: e.Site})
		for _, r := range stub.Callbacks {
			if mangled[r.Mangled()] {
				continue
			}
			mangled[r.Mangled()] = true
			out.Callbacks = append(out.Callbacks, unit.CallbackRef{
				Type:    r.Type,
				Method:  r.Method,
				Desc:    r.Params,
				Raw:     r.Raw,
				Mangled: r.Mangled(),
			})
		}
		log.Debugf("stub for %s in slot %s (%d bytes)", e.Site, e.Site.Slot(), len(code))
	}

	log.Infof("rewrote %s: %d call sites, %d callbacks", u.Name, len(tab.Entries), len(out.Callbacks))
	return out, nil
}

// Transform rewrites an encoded unit. Units without markers, and units
// already rewritten, are returned unchanged.
func Transform(data []byte, opts Options) ([]byte, error) {
	u, err := unit.Decode(data)
	if err != nil {
		return nil, err
	}
	if u.Rewritten {
		return data, nil
	}
	tab, err := Scan(u)
	if err != nil {
		return nil, err
	}
	if tab.Empty() {
		return data, nil
	}
	out, err := Rewrite(u, tab, opts)
	if err != nil {
		return nil, err
	}

	enc := opts.Encode
	if enc == nil {
		in, err := unit.Inspect(data)
		if err != nil {
			return nil, err
		}
		enc = &in
	}
	return unit.Encode(out, *enc)
}
