package unit

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/chazu/fnbridge/pkg/bytecode"
)

func sampleUnit(t *testing.T) *Unit {
	t.Helper()
	c, err := bytecode.Assemble([]string{"CONST_INT 42", "RETURN"})
	if err != nil {
		t.Fatal(err)
	}
	code, err := c.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	async := NewMarker("console.log(msg);", "msg")
	async.Synchronous = false
	async.Retained = false

	return &Unit{
		Name:     "demo.ui.Calc",
		Resource: &ResourceMarker{Path: "calc.js"},
		Members: []*Member{
			{Name: "sum", Desc: "(II)I", Static: true, Marker: NewMarker("return a + b;", "a", "b")},
			{Name: "log", Desc: "(Ljava/lang/String;)V", Static: true, Marker: async},
			{Name: "answer", Desc: "()I", Static: true, Code: code},
		},
	}
}

func TestCallSiteSlot(t *testing.T) {
	s := CallSite{Type: "demo.Calc", Member: "sum", Ordinal: 1}
	if got := s.Slot(); got != "$$fn$$sum_1" {
		t.Errorf("Slot() = %q", got)
	}
	if got := s.String(); got != "demo.Calc.sum#1" {
		t.Errorf("String() = %q", got)
	}
}

func TestPaths(t *testing.T) {
	if got := PathOf("a.b.C"); got != "a/b/C.fnu" {
		t.Errorf("PathOf = %q", got)
	}
	if got := PackageOf("C"); got != "" {
		t.Errorf("PackageOf(C) = %q", got)
	}
	tests := []struct{ typ, path, want string }{
		{"a.b.C", "x.js", "a/b/x.js"},
		{"a.b.C", "../lib/x.js", "a/lib/x.js"},
		{"a.b.C", "/lib/x.js", "lib/x.js"},
		{"C", "x.js", "x.js"},
	}
	for _, tt := range tests {
		if got := ResolveResource(tt.typ, tt.path); got != tt.want {
			t.Errorf("ResolveResource(%q, %q) = %q, want %q", tt.typ, tt.path, got, tt.want)
		}
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, opts := range []EncodeOptions{
		{Format: FormatCBOR},
		{Format: FormatMsgpack},
		{Format: FormatCBOR, Compress: true},
		{Format: FormatMsgpack, Compress: true},
	} {
		u := sampleUnit(t)
		u.Slots = []Slot{{Name: "$$fn$$sum_0", Site: CallSite{Type: u.Name, Member: "sum"}}}
		u.Callbacks = []CallbackRef{{Type: "demo.ui.Calc", Method: "answer", Desc: "()I", Mangled: "demo_ui_Calc$answer$"}}
		u.Rewritten = true

		data, err := Encode(u, opts)
		if err != nil {
			t.Fatalf("%v: Encode: %v", opts, err)
		}
		if opts.Compress == bytes.HasPrefix(data, Magic) {
			t.Errorf("%v: compression framing wrong", opts)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("%v: Decode: %v", opts, err)
		}
		if !reflect.DeepEqual(got, u) {
			t.Errorf("%v: round trip mismatch\n got %+v\nwant %+v", opts, got, u)
		}
		info, err := Inspect(data)
		if err != nil || info != opts {
			t.Errorf("%v: Inspect = %+v, %v", opts, info, err)
		}
	}
}

func TestCodecDeterministic(t *testing.T) {
	a, _ := Encode(sampleUnit(t), EncodeOptions{})
	b, _ := Encode(sampleUnit(t), EncodeOptions{})
	if !bytes.Equal(a, b) {
		t.Error("encoding the same unit twice must give the same bytes")
	}
}

func TestMarkerDefaults(t *testing.T) {
	// A marker encoded without flags decodes with the defaults.
	w := &wireUnit{Name: "x.Y", Members: []wireMember{{Name: "f", Desc: "()V", Marker: &wireMarker{Body: "1"}}}}
	payload, err := cborEncMode.Marshal(w)
	if err != nil {
		t.Fatal(err)
	}
	data := append(append(append([]byte{}, Magic...), FormatVersion, byte(FormatCBOR)), payload...)
	u, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	mk := u.Members[0].Marker
	if !mk.Synchronous || !mk.Retained || mk.CallbackMode {
		t.Errorf("defaults not applied: %+v", mk)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte("nope")); !errors.Is(err, ErrBadMagic) {
		t.Errorf("bad magic: %v", err)
	}
	if _, err := Decode([]byte{'F', 'N', 'B', 'U', 9, 'C'}); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("version: %v", err)
	}
	if _, err := Decode([]byte{'F', 'N', 'B', 'U', 1, 'Z', 0}); err == nil {
		t.Error("expected unknown format error")
	}
	if _, err := ParseFormat("yaml"); err == nil {
		t.Error("expected ParseFormat error")
	}
}

func TestMemberAccessors(t *testing.T) {
	u := sampleUnit(t)
	m := u.Lookup("answer", "()I")
	if m == nil {
		t.Fatal("Lookup failed")
	}
	c, err := m.Chunk()
	if err != nil || c.InstructionCount() != 2 {
		t.Errorf("Chunk() = %v, %v", c, err)
	}
	if fc, err := m.FallbackChunk(); fc != nil || err != nil {
		t.Errorf("FallbackChunk() = %v, %v", fc, err)
	}
	if _, err := u.Lookup("sum", "(II)I").Chunk(); err == nil {
		t.Error("marked member without code should fail Chunk()")
	}
	if u.Lookup("sum", "(J)I") != nil {
		t.Error("Lookup must match the descriptor")
	}
	if !u.Marked() || u.Package() != "demo.ui" {
		t.Error("Marked/Package wrong")
	}
}

const calcDescription = `
name = "demo.Calc"
resource = "calc.js"

[[member]]
name = "sum"
desc = "(II)I"
static = true
[member.marker]
body = "return a + b;"
args = ["a", "b"]

[[member]]
name = "log"
desc = "(Ljava/lang/String;)V"
static = true
[member.marker]
body = "console.log(msg);"
args = ["msg"]
synchronous = false

[[member]]
name = "answer"
desc = "()I"
static = true
code = ["CONST_INT 42 ; the answer", "RETURN"]
`

func TestDescriptionBuild(t *testing.T) {
	d, err := ParseDescription(calcDescription)
	if err != nil {
		t.Fatal(err)
	}
	u, err := d.Build()
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "demo.Calc" || u.Resource.Path != "calc.js" || len(u.Members) != 3 {
		t.Fatalf("unit = %+v", u)
	}
	sum := u.Members[0].Marker
	if !sum.Synchronous || !sum.Retained || len(sum.Args) != 2 {
		t.Errorf("sum marker = %+v", sum)
	}
	if u.Members[1].Marker.Synchronous {
		t.Error("log should be asynchronous")
	}
	if u.Members[2].Code == nil {
		t.Error("answer should have code")
	}

	if _, err := ParseDescription(`resource = "x.js"`); err == nil {
		t.Error("missing name should fail")
	}
	bad, _ := ParseDescription("name = \"x.Y\"\n[[member]]\nname = \"f\"\ndesc = \"()V\"\ncode = [\"BOGUS\"]\n")
	if _, err := bad.Build(); err == nil {
		t.Error("bad code should fail")
	}
}
