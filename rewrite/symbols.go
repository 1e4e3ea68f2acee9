package rewrite

import (
	"errors"
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/aslrguard/asmtext"
)

const (
	Function SymbolKind = iota + 1
	Object
)

// SymbolKind is the declared type of a symbol.
type SymbolKind int

func (o SymbolKind) String() string {
	switch o {
	case Function:
		return "function"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

var (
	// ErrSymbolType means a ".type" directive declares a type that
	// looks like a function or object type but is neither.
	ErrSymbolType = errors.New("ambiguous symbol type")
)

// SymbolTable holds the function and object symbols declared in a
// document.
type SymbolTable struct {
	kinds map[string]SymbolKind
}

// NewSymbolTable scans the ".type" directives of doc.
func NewSymbolTable(doc *asmtext.Document) (*SymbolTable, error) {
	table := &SymbolTable{
		kinds: make(map[string]SymbolKind),
	}

	for _, line := range doc.Lines {
		if line.Kind != asmtext.Directive {
			continue
		}

		err := table.add(line.Text)
		if err != nil {
			return nil, doc.ErrorAt(line, err)
		}
	}

	return table, nil
}

// add records the symbol declared by a ".type" directive. Other
// directives are ignored.
func (o *SymbolTable) add(text string) error {
	trimmed := strings.TrimSpace(text)

	rest, isType := strings.CutPrefix(trimmed, ".type")
	if !isType || rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
		return nil
	}

	name, typ, hasComma := strings.Cut(rest, ",")
	if !hasComma {
		return nil
	}

	name = strings.TrimSpace(name)

	switch {
	case strings.HasSuffix(trimmed, "function"):
		o.kinds[name] = Function
	case strings.HasSuffix(trimmed, "object"):
		o.kinds[name] = Object
	default:
		lower := strings.ToLower(typ)
		if strings.Contains(lower, "function") || strings.Contains(lower, "object") {
			return fmt.Errorf("symbol %q has type %q - %w",
				name, strings.TrimSpace(typ), ErrSymbolType)
		}
	}

	return nil
}

// Lookup returns the declared kind of name.
func (o *SymbolTable) Lookup(name string) (SymbolKind, bool) {
	kind, hasIt := o.kinds[name]
	return kind, hasIt
}

// Len returns the number of declared symbols.
func (o *SymbolTable) Len() int {
	return len(o.kinds)
}
