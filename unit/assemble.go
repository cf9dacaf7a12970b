package unit

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/chazu/fnbridge/pkg/bytecode"
)

// Description is the TOML form of a unit, used to author units by hand:
//
//	name = "demo.Calc"
//	resource = "calc.js"
//
//	[[member]]
//	name = "sum"
//	desc = "(II)I"
//	static = true
//	[member.marker]
//	body = "return a + b;"
//	args = ["a", "b"]
//
//	[[member]]
//	name = "answer"
//	desc = "()I"
//	static = true
//	code = ["CONST_INT 42", "RETURN"]
type Description struct {
	Name     string              `toml:"name"`
	Resource string              `toml:"resource"`
	Members  []MemberDescription `toml:"member"`
}

// MemberDescription describes one member. Code is assembler text.
type MemberDescription struct {
	Name   string             `toml:"name"`
	Desc   string             `toml:"desc"`
	Static bool               `toml:"static"`
	Code   []string           `toml:"code"`
	Marker *MarkerDescription `toml:"marker"`
}

// MarkerDescription describes a marker; omitted flags take their defaults.
type MarkerDescription struct {
	Body         string   `toml:"body"`
	Args         []string `toml:"args"`
	Synchronous  *bool    `toml:"synchronous"`
	Retained     *bool    `toml:"retained"`
	CallbackMode *bool    `toml:"callback"`
}

// ParseDescription decodes a TOML unit description.
func ParseDescription(data string) (*Description, error) {
	var d Description
	if _, err := toml.Decode(data, &d); err != nil {
		return nil, fmt.Errorf("unit description: %w", err)
	}
	if d.Name == "" {
		return nil, fmt.Errorf("unit description: missing name")
	}
	return &d, nil
}

// LoadDescription reads and decodes a TOML unit description file.
func LoadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseDescription(string(data))
}

// Build assembles the description into a Unit.
func (d *Description) Build() (*Unit, error) {
	u := &Unit{Name: d.Name}
	if d.Resource != "" {
		u.Resource = &ResourceMarker{Path: d.Resource}
	}
	for _, md := range d.Members {
		m := &Member{Name: md.Name, Desc: md.Desc, Static: md.Static}
		if len(md.Code) > 0 {
			c, err := bytecode.Assemble(md.Code)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", d.Name, md.Name, err)
			}
			if m.Code, err = c.Serialize(); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", d.Name, md.Name, err)
			}
		}
		if mk := md.Marker; mk != nil {
			m.Marker = &Marker{
				Body:         mk.Body,
				Args:         mk.Args,
				Synchronous:  boolOr(mk.Synchronous, true),
				Retained:     boolOr(mk.Retained, true),
				CallbackMode: boolOr(mk.CallbackMode, false),
			}
		}
		u.Members = append(u.Members, m)
	}
	return u, nil
}
