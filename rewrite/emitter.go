package rewrite

import (
	"gitlab.com/stephen-fox/aslrguard/asmtext"
)

// emitter accumulates the lines of a rewritten document.
type emitter struct {
	lines []asmtext.Line
}

// keep appends a line of the source document unchanged.
func (o *emitter) keep(line asmtext.Line) {
	o.lines = append(o.lines, line)
}

// retire appends line as a comment that preserves its text.
func (o *emitter) retire(line asmtext.Line) {
	o.generated(asmtext.RetiredPrefix + line.Text)
}

// insn appends an indented instruction.
func (o *emitter) insn(text string) {
	o.generated("\t" + text)
}

// volatile appends an indented instruction that must not be touched
// by any later pass, including the stack pointer substitution.
func (o *emitter) volatile(text string) {
	o.generated("\t" + text + " " + asmtext.VolatileMarker)
}

// label appends a label-column line.
func (o *emitter) label(name string) {
	o.generated(name + ":")
}

// begin opens a generated block.
func (o *emitter) begin(name string) {
	o.generated(asmtext.BlockBegin + asmtext.BlockRule + name)
}

// end closes a generated block.
func (o *emitter) end(name string) {
	o.generated(asmtext.BlockEnd + asmtext.BlockRule + name)
}

func (o *emitter) generated(text string) {
	line := asmtext.NewLine(text)
	line.Generated = true

	o.lines = append(o.lines, line)
}
