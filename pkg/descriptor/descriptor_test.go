package descriptor

import (
	"errors"
	"testing"
)

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("(IJ[Ljava/lang/String;[[D)Z")
	if err != nil {
		t.Fatalf("ParseMethod: %v", err)
	}
	if len(m.Params) != 4 {
		t.Fatalf("params = %d, want 4", len(m.Params))
	}
	if m.Params[0].Kind != Int || m.Params[1].Kind != Long {
		t.Errorf("primitive params = %v %v", m.Params[0].Kind, m.Params[1].Kind)
	}
	if m.Params[2].Kind != Array || m.Params[2].Class != "java/lang/String" {
		t.Errorf("param 2 = %+v, want array of String", m.Params[2])
	}
	if got := m.Params[3].Dims(); got != 2 {
		t.Errorf("param 3 dims = %d, want 2", got)
	}
	if m.Params[3].Base().Kind != Double {
		t.Errorf("param 3 base = %v, want double", m.Params[3].Base().Kind)
	}
	if m.Return.Kind != Bool {
		t.Errorf("return = %v, want boolean", m.Return.Kind)
	}
	if got := m.String(); got != "(IJ[Ljava/lang/String;[[D)Z" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseMethodVoid(t *testing.T) {
	m, err := ParseMethod("()V")
	if err != nil {
		t.Fatalf("ParseMethod: %v", err)
	}
	if len(m.Params) != 0 || m.Return.Kind != Void {
		t.Errorf("got %+v", m)
	}
}

func TestParseMethodErrors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrSyntax},
		{"I)V", ErrSyntax},
		{"(I", ErrSyntax},
		{"(V)V", ErrVoidParam},
		{"(Ljava/lang/String)V", ErrSyntax},
		{"(L;)V", ErrSyntax},
		{"(X)V", ErrSyntax},
		{"([V)V", ErrSyntax},
		{"()VV", ErrSyntax},
		{"()", ErrSyntax},
	}
	for _, tt := range tests {
		_, err := ParseMethod(tt.in)
		if !errors.Is(err, tt.want) {
			t.Errorf("ParseMethod(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestParseType(t *testing.T) {
	if _, err := ParseType("V"); !errors.Is(err, ErrVoidParam) {
		t.Errorf("ParseType(V) = %v, want ErrVoidParam", err)
	}
	r, err := ParseReturn("V")
	if err != nil || r.Kind != Void {
		t.Errorf("ParseReturn(V) = %+v, %v", r, err)
	}
	ty, err := ParseType("[[Lpkg/Thing;")
	if err != nil {
		t.Fatalf("ParseType: %v", err)
	}
	if ty.Dims() != 2 || ty.Class != "pkg/Thing" || ty.String() != "[[Lpkg/Thing;" {
		t.Errorf("got %+v (%s)", ty, ty)
	}
}

func TestKindPredicates(t *testing.T) {
	for _, k := range []Kind{Bool, Byte, Char, Short, Int, Long, Float, Double} {
		if !k.IsPrimitive() {
			t.Errorf("%v should be primitive", k)
		}
	}
	if Bool.IsNumeric() || !Char.IsNumeric() {
		t.Error("numeric classification wrong")
	}
	if !Object.IsReference() || !Array.IsReference() || Int.IsReference() {
		t.Error("reference classification wrong")
	}
}
