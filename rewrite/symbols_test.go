package rewrite

import (
	"errors"
	"strings"
	"testing"

	"gitlab.com/stephen-fox/aslrguard/asmtext"
)

func TestNewSymbolTable(t *testing.T) {
	doc := parseString(t, "\t.text\n"+
		"\t.type\tmain, @function\n"+
		"\t.type\ttable, @object\n"+
		"\t.type\tcounter, %object\n"+
		"\t.type\tweird, @gnu_unique_object\n"+
		"\t.size\tmain, .-main\n"+
		"main:\n"+
		"\tret\n")

	symbols, err := NewSymbolTable(doc)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		exp  SymbolKind
	}{
		{name: "main", exp: Function},
		{name: "table", exp: Object},
		{name: "counter", exp: Object},
		{name: "weird", exp: Object},
	}

	for _, test := range tests {
		kind, isDeclared := symbols.Lookup(test.name)
		if !isDeclared {
			t.Fatalf("expected %q to be declared", test.name)
		}

		if kind != test.exp {
			t.Fatalf("%q: expected %s - got %s", test.name, test.exp, kind)
		}
	}

	if symbols.Len() != len(tests) {
		t.Fatalf("expected %d symbols - got %d", len(tests), symbols.Len())
	}

	_, isDeclared := symbols.Lookup("undeclared")
	if isDeclared {
		t.Fatal("expected undeclared symbol to not be found")
	}
}

func TestNewSymbolTable_AmbiguousType(t *testing.T) {
	doc := parseString(t, "\t.text\n\t.type\tfoo, @Function\n")

	_, err := NewSymbolTable(doc)
	if !errors.Is(err, ErrSymbolType) {
		t.Fatalf("expected ErrSymbolType - got %v", err)
	}

	var lineErr *asmtext.LineError
	if !errors.As(err, &lineErr) {
		t.Fatalf("expected a *asmtext.LineError - got %T", err)
	}

	if lineErr.Line != 2 || lineErr.File != "test.s" {
		t.Fatalf("expected error at test.s:2 - got %s:%d", lineErr.File, lineErr.Line)
	}
}

func TestNewSymbolTable_IgnoresOtherTypes(t *testing.T) {
	doc := parseString(t, "\t.type\tifunc, @gnu_indirect_function\n\t.type\tx, @notype\n")

	symbols, err := NewSymbolTable(doc)
	if err != nil {
		t.Fatal(err)
	}

	kind, _ := symbols.Lookup("ifunc")
	if kind != Function {
		t.Fatalf("expected indirect function to be a function - got %s", kind)
	}

	_, isDeclared := symbols.Lookup("x")
	if isDeclared {
		t.Fatal("expected @notype symbol to be ignored")
	}
}

func parseString(t *testing.T, text string) *asmtext.Document {
	doc, err := asmtext.Parse(strings.NewReader(text), "test.s")
	if err != nil {
		t.Fatal(err)
	}

	return doc
}
