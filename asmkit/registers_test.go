package asmkit

import (
	"testing"
)

func TestLookupRegister(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		family string
	}{
		{name: "%rax", width: 8, family: "rax"},
		{name: "eax", width: 4, family: "rax"},
		{name: "%ax", width: 2, family: "rax"},
		{name: "%al", width: 1, family: "rax"},
		{name: "%ah", width: 1, family: "rax"},
		{name: "%spl", width: 1, family: "rsp"},
		{name: "%sp", width: 2, family: "rsp"},
		{name: "%esp", width: 4, family: "rsp"},
		{name: "%dil", width: 1, family: "rdi"},
		{name: "%r8d", width: 4, family: "r8"},
		{name: "%r15w", width: 2, family: "r15"},
		{name: "%r15b", width: 1, family: "r15"},
		{name: "%r15", width: 8, family: "r15"},
	}

	for _, test := range tests {
		reg, hasIt := LookupRegister(test.name)
		if !hasIt {
			t.Fatalf("expected %q to be a register", test.name)
		}

		if reg.Width != test.width {
			t.Fatalf("%q: expected width %d - got %d", test.name, test.width, reg.Width)
		}

		if reg.Family != test.family {
			t.Fatalf("%q: expected family %q - got %q", test.name, test.family, reg.Family)
		}
	}

	for _, notReg := range []string{"%rip", "%xmm0", "%gs", "%r8l", "rbp)"} {
		_, hasIt := LookupRegister(notReg)
		if hasIt {
			t.Fatalf("expected %q to not be a general purpose register", notReg)
		}
	}
}

func TestSizedRegister(t *testing.T) {
	exp := map[int]string{1: "%r15b", 2: "%r15w", 4: "%r15d", 8: "%r15"}

	for width, name := range exp {
		res, hasIt := SizedRegister("r15", width)
		if !hasIt {
			t.Fatalf("expected a %d-byte r15 register", width)
		}

		if res != name {
			t.Fatalf("expected %q - got %q", name, res)
		}
	}

	res, _ := SizedRegister("rax", 1)
	if res != "%al" {
		t.Fatalf("expected the canonical byte register of rax to be %%al - got %q", res)
	}

	res, _ = SizedRegister("rax", 4)
	if res != "%eax" {
		t.Fatalf("expected %%eax - got %q", res)
	}
}

func TestForEachRegister_ReplacesWholeTokens(t *testing.T) {
	toR15 := func(reg Register) string {
		if reg.Family != "rsp" {
			return ""
		}
		name, _ := SizedRegister("r15", reg.Width)
		return name
	}

	tests := map[string]string{
		"\tmovq\t%rsp, %rbp":           "\tmovq\t%r15, %rbp",
		"\tmovb\t%spl, (%rsp)":         "\tmovb\t%r15b, (%r15)",
		"\tleal\t-4(%esp), %esp":       "\tleal\t-4(%r15d), %r15d",
		"\tmovw\t%sp, %ax":             "\tmovw\t%r15w, %ax",
		"\tmovq\t%rax, %rbx":           "\tmovq\t%rax, %rbx",
		"\tmovq\t8(%rsp,%rax,8), %rsi": "\tmovq\t8(%r15,%rax,8), %rsi",
	}

	for input, exp := range tests {
		res := ForEachRegister(input, toR15)
		if res != exp {
			t.Fatalf("expected %q - got %q", exp, res)
		}
	}
}

func TestReferencesFamily(t *testing.T) {
	if !ReferencesFamily("\tmovq\t%rdx, 8(%r15d)", "r15") {
		t.Fatal("expected r15 family to be referenced")
	}

	if ReferencesFamily("\tmovq\t%rdx, 8(%rax)", "r15") {
		t.Fatal("expected r15 family to not be referenced")
	}
}
