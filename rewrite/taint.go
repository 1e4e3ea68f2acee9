package rewrite

import (
	"strings"
)

const ripOperand = "(%rip)"

// loaderResolverPrefix names the dynamic loader's lazy binding
// resolver, which is randomized separately and never encoded.
const loaderResolverPrefix = "_dl_runtime_resolve"

// functionLikePrefixes are name prefixes of internal symbols that are
// assumed to be functions when no ".type" directive says otherwise.
var functionLikePrefixes = []string{
	"__GI__",
	"_dl_",
}

// IsAddressTaking returns true if the mov or lea instruction text
// computes the address of a function through RIP-relative addressing.
//
// Symbols declared in symbols decide the outcome. Otherwise a few
// heuristics apply, and a reference that matches none of them
// is not treated as address taking. This means references to
// undeclared global functions from hand-written assembly are
// left unprotected.
func IsAddressTaking(text string, symbols *SymbolTable) bool {
	trimmed := strings.TrimLeft(text, " \t")

	if !strings.HasPrefix(trimmed, "mov") && !strings.HasPrefix(trimmed, "lea") {
		return false
	}

	if strings.Contains(trimmed, "( %rip ),") || !strings.Contains(trimmed, ripOperand+",") {
		return false
	}

	expr := symbolExpression(trimmed)

	if strings.HasPrefix(expr, loaderResolverPrefix) {
		return false
	}

	var relocation string
	hasRelocation := false

	if at := strings.IndexByte(expr, '@'); at >= 0 {
		// Compilers separate a global function's name from
		// its @GOTPCREL suffix with a space.
		if at > 0 && expr[at-1] == ' ' {
			return true
		}

		relocation = expr[at+1:]
		expr = expr[:at]
		hasRelocation = true
	}

	expr = strings.TrimSpace(expr)

	if symbols != nil {
		kind, isDeclared := symbols.Lookup(expr)
		if isDeclared {
			return kind == Function
		}
	}

	if strings.HasPrefix(expr, ".") || strings.Contains(expr, "+") {
		return false
	}

	if hasRelocation && strings.HasPrefix(relocation, "GOTPCREL") {
		return true
	}

	for _, prefix := range functionLikePrefixes {
		if strings.HasPrefix(expr, prefix) {
			return true
		}
	}

	return false
}

// symbolExpression returns the text between the opcode and the
// "(%rip)" of its source operand, e.g., "foo@GOTPCREL" for
// "movq foo@GOTPCREL(%rip), %rax".
func symbolExpression(insn string) string {
	i := 0
	for i < len(insn) && insn[i] != ' ' && insn[i] != '\t' {
		i++
	}

	rest := insn[i:]

	end := strings.Index(rest, ripOperand)
	if end < 0 {
		return ""
	}

	return strings.TrimLeft(rest[:end], " \t")
}

// ripDestination returns the operand that follows the "(%rip)," of
// a RIP-relative instruction.
func ripDestination(insn string) (string, bool) {
	i := strings.Index(insn, ripOperand+",")
	if i < 0 {
		return "", false
	}

	return insn[i+len(ripOperand)+1:], true
}
