package rewrite

import (
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/aslrguard/asmkit"
	"gitlab.com/stephen-fox/aslrguard/asmtext"
)

const (
	pushBlock = "safe-stack push"
	popBlock  = "safe-stack pop"
)

// stackOperand is the operand of a push or pop instruction.
type stackOperand struct {
	text  string
	width int
	reg   asmkit.Register
	isReg bool
	isImm bool
}

func (o *pass) parseStackOperand(line asmtext.Line, base string) (stackOperand, error) {
	text, err := line.Operand(1)
	if err != nil {
		return stackOperand{}, err
	}

	if text == "" {
		return stackOperand{}, fmt.Errorf("%s without an operand - %w", base, ErrUnexpectedShape)
	}

	op := stackOperand{
		text:  text,
		isImm: strings.HasPrefix(text, "$"),
	}

	if strings.HasPrefix(text, "%") {
		op.reg, op.isReg = asmkit.LookupRegister(text)
		if !op.isReg {
			return stackOperand{}, fmt.Errorf("%s of unsupported register %s - %w",
				base, text, ErrUnexpectedShape)
		}
	}

	op.width = asmkit.SuffixWidth(asmtext.OpcodeSuffix(line.Opcode, base))
	if op.width == 0 && op.isReg {
		op.width = op.reg.Width
	}
	if op.width == 0 {
		op.width = 8
	}

	return op, nil
}

// replacePush replaces a push with a store below the stack pointer
// followed by an explicit adjustment.
func (o *pass) replacePush(line asmtext.Line) error {
	op, err := o.parseStackOperand(line, "push")
	if err != nil {
		return err
	}

	target := o.config.Target
	suffix := asmkit.MovSuffix(op.width)

	stagingFamily, err := o.pickStaging(op)
	if err != nil {
		return err
	}

	o.out.retire(line)
	o.out.begin(pushBlock)

	switch {
	case op.isReg && op.reg.Family == target.StackPointer:
		// The stored value is the stack pointer before the push.
		o.out.insn(fmt.Sprintf("mov%s %s, -%d(%%rsp)", suffix, op.text, op.width))
		o.out.insn(fmt.Sprintf("leaq -%d(%%rsp), %%rsp", op.width))
	case op.isReg, op.isImm:
		o.out.insn(fmt.Sprintf("leaq -%d(%%rsp), %%rsp", op.width))
		o.out.insn(fmt.Sprintf("mov%s %s, (%%rsp)", suffix, op.text))
	default:
		staging64 := target.Reg(stagingFamily, 8)
		staging := target.Reg(stagingFamily, op.width)

		o.out.volatile("pushq " + staging64)
		o.out.insn(fmt.Sprintf("mov%s %s, %s", suffix, op.text, staging))
		o.out.insn(fmt.Sprintf("leaq -%d(%%rsp), %%rsp", op.width))
		o.out.insn(fmt.Sprintf("mov%s %s, (%%rsp)", suffix, staging))
		o.out.volatile("popq " + staging64)
	}

	o.out.end(pushBlock)
	o.stats.SafeStackPushes++

	return nil
}

// replacePop replaces a pop with a load from the stack pointer
// followed by an explicit adjustment.
func (o *pass) replacePop(line asmtext.Line) error {
	op, err := o.parseStackOperand(line, "pop")
	if err != nil {
		return err
	}

	if op.isImm {
		return fmt.Errorf("pop into immediate %s - %w", op.text, ErrUnexpectedShape)
	}

	target := o.config.Target
	suffix := asmkit.MovSuffix(op.width)

	stagingFamily, err := o.pickStaging(op)
	if err != nil {
		return err
	}

	o.out.retire(line)
	o.out.begin(popBlock)

	switch {
	case op.isReg && op.reg.Family == target.StackPointer:
		// The loaded value replaces the stack pointer, so no
		// adjustment follows.
		o.out.insn(fmt.Sprintf("mov%s (%%rsp), %s", suffix, op.text))
	case op.isReg:
		o.out.insn(fmt.Sprintf("mov%s (%%rsp), %s", suffix, op.text))
		o.out.insn(fmt.Sprintf("leaq %d(%%rsp), %%rsp", op.width))
	default:
		staging64 := target.Reg(stagingFamily, 8)
		staging := target.Reg(stagingFamily, op.width)

		o.out.volatile("pushq " + staging64)
		o.out.insn(fmt.Sprintf("mov%s (%%rsp), %s", suffix, staging))
		o.out.insn(fmt.Sprintf("leaq %d(%%rsp), %%rsp", op.width))
		o.out.insn(fmt.Sprintf("mov%s %s, %s", suffix, staging, op.text))
		o.out.volatile("popq " + staging64)
	}

	o.out.end(popBlock)
	o.stats.SafeStackPops++

	return nil
}

// pickStaging returns the register that moves a memory operand
// through a push or pop replacement. The staging register is
// preferred, then the encode scratch registers. A register that the
// operand's address refers to is never used, since the store or load
// would use the staged value as its address.
func (o *pass) pickStaging(op stackOperand) (string, error) {
	target := o.config.Target

	if op.isReg || op.isImm {
		return target.StagingRegister, nil
	}

	candidates := append([]string{target.StagingRegister}, target.EncodeScratch...)

	for _, family := range candidates {
		if family == target.FramePointer || family == target.StackPointer {
			continue
		}

		if !asmkit.ReferencesFamily(op.text, family) {
			return family, nil
		}
	}

	return "", fmt.Errorf("every staging register is used by %q - %w",
		op.text, ErrUnexpectedShape)
}
