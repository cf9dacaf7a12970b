package callback

import (
	"errors"
	"strings"
	"testing"
)

func TestMangle(t *testing.T) {
	tests := []struct {
		typ, method, params, want string
	}{
		{"pkg.Type", "method", "(I)", "pkg_Type$method$I"},
		{"a.b_c.D", "get_x", "([Ljava/lang/String;J)", "a_b_1c_D$get_1x$_3Ljava_lang_String_2J"},
		{"T", "m", "()", "T$m$"},
	}
	for _, tt := range tests {
		if got := Mangle(tt.typ, tt.method, tt.params); got != tt.want {
			t.Errorf("Mangle(%q, %q, %q) = %q, want %q", tt.typ, tt.method, tt.params, got, tt.want)
		}
	}
	// '_' is escaped before '.', so these must not collide.
	if Mangle("a_b", "m", "()") == Mangle("a.b", "m", "()") {
		t.Error("mangling is not injective")
	}
}

func TestTranslatePlain(t *testing.T) {
	out, refs, err := Translate("var r = @pkg.Type::method(I)(x); return r;")
	if err != nil {
		t.Fatal(err)
	}
	if want := "var r = vm.pkg_Type$method$I(x); return r;"; out != want {
		t.Errorf("out = %q, want %q", out, want)
	}
	if len(refs) != 1 || refs[0].Raw || refs[0].Type != "pkg.Type" || refs[0].Params != "(I)" {
		t.Errorf("refs = %+v", refs)
	}

	// An identifier glued to '@' without a dot stays in front of the call.
	out, _, err = Translate("o@pkg.Type::method(I)(x)")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "vm.pkg_Type$method$I(x)") {
		t.Errorf("out = %q", out)
	}
}

func TestTranslateRaw(t *testing.T) {
	out, refs, err := Translate("return self.@demo.Counter::add(II)(a, b) + c.@demo.Counter::reset()();")
	if err != nil {
		t.Fatal(err)
	}
	want := "return vm.raw$demo_Counter$add$II(self,a, b) + vm.raw$demo_Counter$reset$(c);"
	if out != want {
		t.Errorf("out = %q\nwant  %q", out, want)
	}
	if len(refs) != 2 || !refs[0].Raw || refs[1].Method != "reset" {
		t.Errorf("refs = %+v", refs)
	}
	if refs[0].Mangled() != "raw$demo_Counter$add$II" {
		t.Errorf("Mangled() = %q", refs[0].Mangled())
	}
}

func TestTranslateMixed(t *testing.T) {
	out, refs, err := Translate("x.@a.B::f(D)(1.5); @a.B::g()();")
	if err != nil {
		t.Fatal(err)
	}
	if out != "vm.raw$a_B$f$D(x,1.5); vm.a_B$g$();" {
		t.Errorf("out = %q", out)
	}
	if len(refs) != 2 || !refs[0].Raw || refs[1].Raw {
		t.Errorf("refs = %+v", refs)
	}
}

func TestTranslatePassThrough(t *testing.T) {
	body := "return a + b; // nothing to see"
	out, refs, err := Translate(body)
	if err != nil || out != body || len(refs) != 0 {
		t.Errorf("Translate = %q, %v, %v", out, refs, err)
	}
}

func TestTranslateMalformed(t *testing.T) {
	for _, body := range []string{
		"@pkg.Type",
		"@pkg.Type::method",
		"@pkg.Type::method(I",
		"@pkg.Type::method(I)",
		"@::m(I)(x)",
		"(1).@pkg.Type::m()()",
		"mail me @ home",
	} {
		if _, _, err := Translate(body); !errors.Is(err, ErrMalformed) {
			t.Errorf("Translate(%q) err = %v, want ErrMalformed", body, err)
		}
	}
}
