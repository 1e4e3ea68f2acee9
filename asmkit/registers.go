package asmkit

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Register is a general purpose register as it is spelled in AT&T
// syntax, without the leading '%'.
type Register struct {
	// Name is the AT&T name, e.g., "r15d".
	Name string

	// Width is the size of the register in bytes.
	Width int

	// Family is the name of the 64-bit register that
	// contains this register, e.g., "r15" for "r15d".
	Family string

	// Reg is the x86asm representation of the register.
	Reg x86asm.Reg
}

type registerTable struct {
	byName   map[string]Register
	byFamily map[string]map[int]string
}

var amd64Registers = newRegisterTable()

func newRegisterTable() registerTable {
	table := registerTable{
		byName:   make(map[string]Register),
		byFamily: make(map[string]map[int]string),
	}

	for r := x86asm.AL; r <= x86asm.R15; r++ {
		var width int
		var family x86asm.Reg

		switch {
		case r <= x86asm.R15B:
			width = 1
			family = byteRegFamily(r)
		case r <= x86asm.R15W:
			width = 2
			family = x86asm.RAX + (r - x86asm.AX)
		case r <= x86asm.R15L:
			width = 4
			family = x86asm.RAX + (r - x86asm.EAX)
		default:
			width = 8
			family = r
		}

		reg := Register{
			Name:   gnuRegName(r),
			Width:  width,
			Family: gnuRegName(family),
			Reg:    r,
		}

		table.byName[reg.Name] = reg

		// The legacy high byte registers (ah, bh, ...) are
		// addressable, but never the canonical byte register
		// of a family.
		if r >= x86asm.AH && r <= x86asm.BH {
			continue
		}

		widths := table.byFamily[reg.Family]
		if widths == nil {
			widths = make(map[int]string)
			table.byFamily[reg.Family] = widths
		}
		widths[width] = reg.Name
	}

	return table
}

func byteRegFamily(r x86asm.Reg) x86asm.Reg {
	switch {
	case r <= x86asm.BL:
		return x86asm.RAX + (r - x86asm.AL)
	case r <= x86asm.BH:
		return x86asm.RAX + (r - x86asm.AH)
	default:
		// spl, bpl, sil, dil, r8b ... r15b
		return x86asm.RSP + (r - x86asm.SPB)
	}
}

// gnuRegName converts an x86asm register into its AT&T name.
func gnuRegName(r x86asm.Reg) string {
	switch r {
	case x86asm.SPB:
		return "spl"
	case x86asm.BPB:
		return "bpl"
	case x86asm.SIB:
		return "sil"
	case x86asm.DIB:
		return "dil"
	}

	name := strings.ToLower(r.String())
	if r >= x86asm.R8L && r <= x86asm.R15L {
		// x86asm calls r8d "R8L".
		name = strings.TrimSuffix(name, "l") + "d"
	}

	return name
}

// LookupRegister returns the Register for an AT&T register name.
// The name may include the leading '%'.
func LookupRegister(name string) (Register, bool) {
	reg, hasIt := amd64Registers.byName[strings.TrimPrefix(name, "%")]
	return reg, hasIt
}

// IsRegister returns true if operand is exactly one general
// purpose register, e.g., "%rax".
func IsRegister(operand string) bool {
	if !strings.HasPrefix(operand, "%") {
		return false
	}

	_, hasIt := LookupRegister(operand)
	return hasIt
}

// SizedRegister returns the AT&T name (with '%') of the register in
// family that is width bytes wide. For example, ("r15", 4) returns
// "%r15d".
func SizedRegister(family string, width int) (string, bool) {
	widths, hasIt := amd64Registers.byFamily[strings.TrimPrefix(family, "%")]
	if !hasIt {
		return "", false
	}

	name, hasIt := widths[width]
	if !hasIt {
		return "", false
	}

	return "%" + name, true
}

// ReferencesFamily returns true if text mentions any register that
// belongs to family (e.g., "r15" matches "%r15", "%r15d", "%r15w"
// and "%r15b").
func ReferencesFamily(text string, family string) bool {
	family = strings.TrimPrefix(family, "%")

	found := false

	ForEachRegister(text, func(reg Register) string {
		if reg.Family == family {
			found = true
		}
		return ""
	})

	return found
}

// ForEachRegister calls fn for each register token in text. A token is
// a '%' followed by the longest run of lowercase letters and digits.
// If fn returns a non-empty string, the token is replaced with it.
// The scan is a single left-to-right pass, so replacements are never
// rescanned.
func ForEachRegister(text string, fn func(Register) string) string {
	var out strings.Builder
	last := 0

	i := 0
	for i < len(text) {
		if text[i] != '%' {
			i++
			continue
		}

		end := i + 1
		for end < len(text) && isRegNameChar(text[end]) {
			end++
		}

		reg, hasIt := amd64Registers.byName[text[i+1:end]]
		if hasIt {
			replacement := fn(reg)
			if replacement != "" {
				out.WriteString(text[last:i])
				out.WriteString(replacement)
				last = end
			}
		}

		i = end
	}

	if last == 0 {
		return text
	}

	out.WriteString(text[last:])

	return out.String()
}

func isRegNameChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
