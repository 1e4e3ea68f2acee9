package rewrite

import (
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/aslrguard/asmkit"
	"gitlab.com/stephen-fox/aslrguard/asmtext"
	"gitlab.com/stephen-fox/aslrguard/memory"
)

const decodeBlock = "decode branch target"

// calleeSaved lists the registers whose value survives a call, so a
// register decoded in place can be tagged again afterwards.
var calleeSaved = map[string]struct{}{
	"rbx": {},
	"rbp": {},
	"r12": {},
	"r13": {},
	"r14": {},
	"r15": {},
}

// decodeIndirectBranch replaces an indirect call or jmp through a
// tagged pointer with a sequence that branches to the real target.
// operand is the branch operand including its leading '*'.
func (o *pass) decodeIndirectBranch(line asmtext.Line, operand string) error {
	branch := "call"
	if strings.HasPrefix(line.Opcode, "jmp") {
		branch = "jmp"
	}

	target := strings.TrimPrefix(operand, "*")

	reg, isReg := asmkit.LookupRegister(target)
	switch {
	case isReg && strings.HasPrefix(target, "%"):
		if reg.Width != 8 || reg.Family == o.config.Target.StackPointer {
			return fmt.Errorf("cannot branch through register %s - %w", target, ErrUnexpectedShape)
		}

		o.out.retire(line)
		o.decodeRegisterBranch(branch, reg)
	case isMemoryOperand(target):
		o.out.retire(line)
		o.decodeMemoryBranch(branch, target)
	default:
		return fmt.Errorf("indirect branch operand %q is neither a register nor memory - %w",
			operand, ErrUnexpectedShape)
	}

	return nil
}

// decodeRegisterBranch decodes reg in place and branches through the
// real pointer held in its slot.
func (o *pass) decodeRegisterBranch(branch string, reg asmkit.Register) {
	target := o.config.Target

	full := target.Reg(reg.Family, 8)
	low := target.Reg(reg.Family, 4)
	nonce := target.TableIndexed(memory.RecordsOffset+memory.NonceFieldOffset, low)

	o.out.begin(decodeBlock)
	o.out.insn(fmt.Sprintf("xorq %s, %s", nonce, full))
	o.out.insn(fmt.Sprintf("%s *%s", branch,
		target.TableIndexed(memory.RecordsOffset+memory.RealFieldOffset, full)))

	if _, survives := calleeSaved[reg.Family]; survives && branch == "call" {
		o.out.insn(fmt.Sprintf("xorq %s, %s", nonce, full))
	}

	o.out.end(decodeBlock)
}

// decodeMemoryBranch loads a tagged pointer from mem into the staging
// register, decodes it and branches through a copy stored below the
// real stack pointer. The staging register is preserved.
func (o *pass) decodeMemoryBranch(branch string, mem string) {
	target := o.config.Target

	staging := target.Reg(target.StagingRegister, 8)
	stagingLow := target.Reg(target.StagingRegister, 4)

	o.out.begin(decodeBlock)
	o.out.volatile(fmt.Sprintf("movq %s, -0x8(%%rsp)", staging))
	o.out.insn(fmt.Sprintf("movq %s, %s", mem, staging))
	o.out.insn(fmt.Sprintf("xorq %s, %s",
		target.TableIndexed(memory.RecordsOffset+memory.NonceFieldOffset, stagingLow), staging))
	o.out.insn(fmt.Sprintf("movq %s, %s",
		target.TableIndexed(memory.RecordsOffset+memory.RealFieldOffset, staging), staging))
	o.out.volatile(fmt.Sprintf("movq %s, -0x10(%%rsp)", staging))
	o.out.volatile(fmt.Sprintf("movq -0x8(%%rsp), %s", staging))
	o.out.volatile(branch + " *-0x10(%rsp)")
	o.out.end(decodeBlock)
}

// isMemoryOperand returns true for operands with an addressing
// expression or a segment override.
func isMemoryOperand(operand string) bool {
	return strings.HasSuffix(operand, ")") ||
		strings.HasPrefix(operand, "%fs:") ||
		strings.HasPrefix(operand, "%gs:")
}
