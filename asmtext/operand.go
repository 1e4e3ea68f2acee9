package asmtext

import (
	"errors"
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/aslrguard/asmkit"
)

// OperandBufferSize is the maximum length of a single operand.
const OperandBufferSize = 1024

const operandSeparators = " ,\t\n#;/"

var (
	// ErrMalformedOperand means operand text never returned to
	// parenthesis depth zero, or exceeded OperandBufferSize.
	ErrMalformedOperand = errors.New("malformed operand")
)

// Opcode returns the leading run of letters of an instruction,
// e.g., "movq" for "\tmovq\t%rax, %rbx".
func Opcode(text string) string {
	text = strings.TrimLeft(text, " \t\n")

	i := 0
	for i < len(text) && isLetter(text[i]) {
		i++
	}

	return text[:i]
}

// Operand returns operand n (1 or 2) of an instruction. Operands end
// at the first separator (space, tab, comma, '#', ';' or '/') found
// outside of parentheses, so memory operands such as
// "-24(%rbp,%rax,8)" are returned whole. An empty string is returned
// if the instruction has fewer than n operands.
func Operand(text string, n int) (string, error) {
	if n != 1 && n != 2 {
		return "", fmt.Errorf("operand number must be 1 or 2 - got %d", n)
	}

	iter := strings.TrimLeft(text, " \t\n")
	iter = iter[len(Opcode(iter)):]

	var op string

	for ; n > 0; n-- {
		iter = strings.TrimLeft(iter, " ,\t\n")

		end, err := operandEnd(iter)
		if err != nil {
			return "", fmt.Errorf("failed to parse operand in %q - %w", text, err)
		}

		op = iter[:end]
		iter = iter[end:]

		if op == "" {
			return "", nil
		}
	}

	return op, nil
}

// LeadingOperand returns the operand at the start of s, which must
// not include an opcode. Leading separators are skipped.
func LeadingOperand(s string) (string, error) {
	s = strings.TrimLeft(s, " ,\t\n")

	end, err := operandEnd(s)
	if err != nil {
		return "", fmt.Errorf("failed to parse operand in %q - %w", s, err)
	}

	return s[:end], nil
}

func operandEnd(s string) (int, error) {
	depth := 0

	for i := 0; i < len(s); i++ {
		if i >= OperandBufferSize {
			return 0, fmt.Errorf("operand is longer than %d bytes - %w",
				OperandBufferSize, ErrMalformedOperand)
		}

		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return 0, fmt.Errorf("unbalanced ')' at offset %d - %w",
					i, ErrMalformedOperand)
			}
		}

		if depth == 0 && strings.IndexByte(operandSeparators, s[i]) >= 0 {
			return i, nil
		}
	}

	if depth != 0 {
		return 0, fmt.Errorf("unbalanced '(' - %w", ErrMalformedOperand)
	}

	return len(s), nil
}

// OpcodeSuffix returns the character that follows base in opcode,
// or ' ' if opcode is exactly base. For example, ("pushq", "push")
// returns 'q'.
func OpcodeSuffix(opcode string, base string) byte {
	if len(opcode) <= len(base) {
		return ' '
	}

	return opcode[len(base)]
}

// OpcodeSuffixWidth returns the operand width in bytes implied by the
// width suffix that follows base in opcode: 'b' is 1, 'w' is 2,
// 'l' is 4 and anything else (including no suffix) is 8.
func OpcodeSuffixWidth(opcode string, base string) int {
	width := asmkit.SuffixWidth(OpcodeSuffix(opcode, base))
	if width == 0 {
		return 8
	}

	return width
}

// HasBase returns true if opcode is base, optionally followed by one
// AT&T width suffix. For example, "pushq" has base "push" but "pushf"
// and "popcnt" do not have base "push" or "pop".
func HasBase(opcode string, base string) bool {
	if opcode == base {
		return true
	}

	return len(opcode) == len(base)+1 &&
		strings.HasPrefix(opcode, base) &&
		asmkit.SuffixWidth(opcode[len(base)]) > 0
}

// RegisterWidth returns the width in bytes of a register operand.
// ok is false if operand is not a general purpose register.
func RegisterWidth(operand string) (width int, ok bool) {
	reg, ok := asmkit.LookupRegister(operand)
	if !ok {
		return 0, false
	}

	return reg.Width, true
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
