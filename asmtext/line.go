package asmtext

import (
	"strings"
)

const (
	// VolatileMarker is appended to generated instructions that
	// must reach the assembler exactly as written. Volatile lines
	// are never rewritten, not even by the stack pointer
	// substitution.
	VolatileMarker = "#_volatile_"

	// BlockBegin starts a comment line that opens a generated block.
	// It is followed by BlockRule and the block's name.
	BlockBegin = "#>"

	// BlockEnd starts a comment line that closes a generated block.
	// It is followed by BlockRule and the block's name.
	BlockEnd = "#<"

	// BlockRule separates a block marker from the block's name.
	// Comments that start with BlockBegin or BlockEnd but lack the
	// rule are ordinary comments.
	BlockRule = " ================ "

	// RetiredPrefix starts a comment line that preserves an
	// instruction that was replaced.
	RetiredPrefix = "#-"
)

const (
	Blank Kind = iota
	Label
	Directive
	Comment
	Instruction
)

// Kind is the syntactic category of an assembly line.
type Kind int

func (o Kind) String() string {
	switch o {
	case Blank:
		return "blank"
	case Label:
		return "label"
	case Directive:
		return "directive"
	case Comment:
		return "comment"
	case Instruction:
		return "instruction"
	default:
		return "unknown"
	}
}

// Line is one line of an assembly document.
type Line struct {
	// Text is the raw text, without the trailing newline.
	Text string

	// Kind is the line's category.
	Kind Kind

	// Opcode is set for instructions. It contains the leading
	// letters of the instruction (width suffixes are kept).
	Opcode string

	// Volatile is true for instructions that end with
	// VolatileMarker.
	Volatile bool

	// Generated is true for lines produced by the rewriter,
	// either in this run or in a previous one.
	Generated bool

	// Number is the 1-based line number in the source
	// document, or 0 for lines produced by the rewriter.
	Number int
}

// NewLine classifies text and returns the resulting Line.
func NewLine(text string) Line {
	kind := Classify(text)

	line := Line{
		Text: text,
		Kind: kind,
	}

	if kind == Instruction {
		line.Opcode = Opcode(text)
		line.Volatile = strings.HasSuffix(strings.TrimRight(text, " \t"), VolatileMarker)
	}

	return line
}

// Rewritable returns true if the line is an instruction that the
// rewrite pipeline may dispatch on.
func (o Line) Rewritable() bool {
	return o.Kind == Instruction && !o.Volatile && !o.Generated
}

// Operand returns operand number n (1 or 2) of the instruction.
func (o Line) Operand(n int) (string, error) {
	return Operand(o.Text, n)
}

// Classify returns the Kind of a single line of text.
func Classify(text string) Kind {
	trimmed := strings.TrimSpace(text)

	switch {
	case trimmed == "":
		return Blank
	case strings.HasPrefix(trimmed, "#"), strings.HasPrefix(trimmed, "/"):
		// Covers both "#" and "//" comments.
		return Comment
	case labelLen(text) > 0:
		return Label
	case strings.HasPrefix(trimmed, "."):
		return Directive
	case text[0] != ' ' && text[0] != '\t':
		// Unindented text that is not a label, e.g., "x = 1".
		return Directive
	default:
		return Instruction
	}
}

// SplitLabel splits a label that is followed by an instruction on the
// same line into two lines. ok is false if text is not of that form.
func SplitLabel(text string) (label string, insn string, ok bool) {
	n := labelLen(text)
	if n == 0 {
		return "", "", false
	}

	rest := text[n:]
	if strings.TrimSpace(rest) == "" {
		return "", "", false
	}

	if rest[0] != ' ' && rest[0] != '\t' {
		rest = "\t" + rest
	}

	if Classify(rest) != Instruction {
		return "", "", false
	}

	return text[:n], rest, true
}

// labelLen returns the length of the label at the start of text,
// including its ':', or 0 if text does not start with a label.
func labelLen(text string) int {
	i := 0
	for i < len(text) && isLabelChar(text[i]) {
		i++
	}

	if i > 0 && i < len(text) && text[i] == ':' {
		return i + 1
	}

	return 0
}

func isLabelChar(c byte) bool {
	return isAlphanumeric(c) || c == '_' || c == '.' || c == '$'
}

func isAlphanumeric(c byte) bool {
	return (c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}
