package rewrite

import (
	"gitlab.com/stephen-fox/aslrguard/asmkit"
	"gitlab.com/stephen-fox/aslrguard/asmtext"
)

// loaderEntry is the label of the dynamic loader's first function.
const loaderEntry = "_dl_start:"

// safeStackSize is how far below the real stack pointer the loader's
// safe stack starts.
const safeStackSize = 0x10000

// substituteStackPointer replaces every reference to the stack pointer,
// at any width, with the same-width frame pointer register in the
// non-volatile instructions of lines.
func substituteStackPointer(lines []asmtext.Line, target asmkit.Target) int {
	replaced := 0

	for i, line := range lines {
		if line.Kind != asmtext.Instruction || line.Volatile {
			continue
		}

		text := asmkit.ForEachRegister(line.Text, func(reg asmkit.Register) string {
			if reg.Family != target.StackPointer {
				return ""
			}

			replaced++

			return target.Reg(target.FramePointer, reg.Width)
		})

		if text != line.Text {
			substituted := asmtext.NewLine(text)
			substituted.Generated = line.Generated
			substituted.Number = line.Number
			lines[i] = substituted
		}
	}

	return replaced
}

// isLoaderEntry returns true for the label that starts the dynamic
// loader.
func isLoaderEntry(line asmtext.Line) bool {
	return line.Kind == asmtext.Label && line.Text == loaderEntry
}
