package rewrite

import (
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/aslrguard/asmkit"
	"gitlab.com/stephen-fox/aslrguard/asmtext"
	"gitlab.com/stephen-fox/aslrguard/memory"
)

const (
	vptrEncodeBlock = "encode vptr"
	vptrDecodeBlock = "decode vptr"

	// Markers a compiler leaves on operands of instructions that
	// define or use a virtual table pointer.
	vptrDefMarker = "AG_VPTR_DEF"
	vptrUseMarker = "AG_VPTR_USE"
)

// vptrAccess is how a mov instruction touches a virtual table pointer
// field, as described by the compiler's verbose operand comments.
type vptrAccess int

const (
	noVptrAccess vptrAccess = iota
	vptrStore
	vptrLoad
)

func classifyVptrAccess(line asmtext.Line) vptrAccess {
	if !strings.HasPrefix(line.Opcode, "mov") {
		return noVptrAccess
	}

	text := line.Text
	if !strings.Contains(text, "->_vptr.") && !strings.Contains(text, "._vptr.") {
		return noVptrAccess
	}

	loadsFromMemory := strings.Contains(text, "), %") || strings.Contains(text, "),%")

	switch {
	case loadsFromMemory:
		return vptrLoad
	case strings.Contains(text, ", this"):
		return vptrStore
	default:
		return noVptrAccess
	}
}

// encodeVptr replaces a store of a virtual table pointer with an
// encode template that stores the tagged value instead.
func (o *pass) encodeVptr(line asmtext.Line) error {
	value, err := line.Operand(1)
	if err != nil {
		return err
	}

	dest, err := line.Operand(2)
	if err != nil {
		return err
	}

	if value == "" || dest == "" {
		return fmt.Errorf("vptr store needs two operands - %w", ErrUnexpectedShape)
	}

	width := asmkit.SuffixWidth(asmtext.OpcodeSuffix(line.Opcode, "mov"))
	if width == 0 {
		width = 8
		if regWidth, isReg := asmtext.RegisterWidth(value); isReg {
			width = regWidth
		}
	}

	o.out.retire(line)

	return o.encode(encodeSite{
		block: vptrEncodeBlock,
		value: value,
		dest:  dest,
		width: width,
	})
}

// decodeVptr follows a load of a virtual table pointer with code that
// turns the loaded tagged value into the real pointer.
func (o *pass) decodeVptr(line asmtext.Line) error {
	dest, err := line.Operand(2)
	if err != nil {
		return err
	}

	target := o.config.Target

	reg, isReg := asmkit.LookupRegister(dest)
	if !isReg || !strings.HasPrefix(dest, "%") || reg.Width != 8 || reg.Family == target.StackPointer {
		return fmt.Errorf("vptr load into %q, which is not a 64-bit register - %w",
			dest, ErrUnexpectedShape)
	}

	full := target.Reg(reg.Family, 8)
	low := target.Reg(reg.Family, 4)

	o.out.keep(line)
	o.out.begin(vptrDecodeBlock)
	o.skipRedZone()
	o.out.volatile("pushfq")
	o.out.insn(fmt.Sprintf("xorq %s, %s",
		target.TableIndexed(memory.RecordsOffset+memory.NonceFieldOffset, low), full))
	o.out.insn(fmt.Sprintf("movq %s, %s",
		target.TableIndexed(memory.RecordsOffset+memory.RealFieldOffset, full), full))
	o.out.volatile("popfq")
	o.restoreRedZone()
	o.out.end(vptrDecodeBlock)

	return nil
}
