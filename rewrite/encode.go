package rewrite

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/stephen-fox/aslrguard/asmkit"
	"gitlab.com/stephen-fox/aslrguard/asmtext"
	"gitlab.com/stephen-fox/aslrguard/memory"
)

const (
	// redZone is the number of bytes below the stack pointer that
	// leaf functions may use without moving it.
	redZone = 128

	encodeBlock = "encode pointer"
)

// encodeSite describes one encode template instantiation.
type encodeSite struct {
	// block names the generated block.
	block string

	// value is the operand holding the real pointer.
	value string

	// dest is the operand that receives the tagged value.
	dest string

	// width is the operand width in bytes.
	width int
}

// encodeFunctionPointer emits the encode template after an address
// taking instruction. The instruction's destination register is
// replaced by its tagged value.
func (o *pass) encodeFunctionPointer(text string) error {
	rest, _ := ripDestination(text)

	dest, err := asmtext.LeadingOperand(rest)
	if err != nil {
		return err
	}

	reg, isReg := asmkit.LookupRegister(dest)
	if !isReg || !strings.HasPrefix(dest, "%") {
		return fmt.Errorf("address taking instruction writes to %q, which is not a register - %w",
			dest, ErrUnexpectedShape)
	}

	return o.encode(encodeSite{
		block: encodeBlock,
		value: dest,
		dest:  dest,
		width: reg.Width,
	})
}

// encode emits code that reserves a slot, stores site.value in it,
// derives a nonce and writes the tagged value to site.dest. The
// scratch register and the flags are preserved.
func (o *pass) encode(site encodeSite) error {
	target := o.config.Target

	scratch, err := o.pickScratch(site.value, site.dest)
	if err != nil {
		return err
	}

	value := site.value
	dest := site.dest

	// Without safe-stack, the saves below move the real stack
	// pointer, so stack relative operands must be adjusted.
	if !o.config.SafeStack {
		shift := int64(redZone + 16)

		value, err = shiftStackOperand(value, target.StackPointer, shift)
		if err != nil {
			return err
		}

		dest, err = shiftStackOperand(dest, target.StackPointer, shift)
		if err != nil {
			return err
		}
	}

	scratch64 := target.Reg(scratch, 8)
	suffix := asmkit.MovSuffix(site.width)

	o.out.begin(site.block)
	o.skipRedZone()
	o.out.volatile("pushfq")
	o.out.volatile("pushq " + scratch64)
	o.out.insn(fmt.Sprintf("movq $0x%x, %s", memory.SlotStride, scratch64))
	o.out.insn(fmt.Sprintf("lock xaddq %s, %s", scratch64, target.TableAbs(memory.CounterOffset)))
	o.out.insn(fmt.Sprintf("mov%s %s, %s", suffix, value,
		target.TableIndexed(memory.RecordsOffset+memory.RealFieldOffset, scratch64)))

	err = o.emitNonce(scratch64)
	if err != nil {
		return err
	}

	o.out.insn(fmt.Sprintf("mov%s %s, %s", suffix, target.Reg(scratch, site.width), dest))
	o.out.volatile("popq " + scratch64)
	o.out.volatile("popfq")
	o.restoreRedZone()
	o.out.end(site.block)

	return nil
}

// emitNonce emits code that derives a mask, stores it in the nonce
// field of the slot whose offset is in scratch and ORs it into scratch.
func (o *pass) emitNonce(scratch string) error {
	target := o.config.Target
	nonceField := target.TableIndexed(memory.RecordsOffset+memory.NonceFieldOffset, scratch)

	switch target.Nonce {
	case asmkit.FixedNonce:
		o.out.volatile("pushq %rax")
		o.out.insn(fmt.Sprintf("movabsq $0x%x, %%rax", memory.FixedNonceMask))
	case asmkit.HardwareNonce:
		o.out.volatile("pushq %rax")
		o.out.label("1")
		o.out.insn("rdrand %eax")
		o.out.insn("jnc 1b")
		o.out.insn(fmt.Sprintf("shlq $%d, %%rax", memory.NonceShift))
		o.out.insn("btsq $63, %rax")
	case asmkit.DeviceNonce:
		// read(2) clobbers rcx and r11.
		saved := []string{"%rdi", "%rsi", "%rdx", "%rax", "%rcx", "%r11"}
		for _, reg := range saved {
			o.out.volatile("pushq " + reg)
		}

		o.out.insn(fmt.Sprintf("movq %s, %%rdi", target.TableAbs(memory.DeviceOffset)))
		o.out.volatile("leaq -8(%rsp), %rsi")
		o.out.insn("movl $4, %edx")
		o.out.insn("movl $0, %eax")
		o.out.insn("syscall")
		o.out.volatile("movl -8(%rsp), %eax")
		o.out.insn(fmt.Sprintf("shlq $%d, %%rax", memory.NonceShift))
		o.out.insn("btsq $63, %rax")
		o.out.insn("movq %rax, " + nonceField)
		o.out.insn("orq %rax, " + scratch)

		for i := len(saved) - 1; i >= 0; i-- {
			o.out.volatile("popq " + saved[i])
		}

		return nil
	default:
		return fmt.Errorf("unsupported nonce source %q - %w", target.Nonce, ErrUnexpectedShape)
	}

	o.out.insn("movq %rax, " + nonceField)
	o.out.insn("orq %rax, " + scratch)
	o.out.volatile("popq %rax")

	return nil
}

// pickScratch returns the first encode scratch register that none of
// operands refer to. When safe-stack is enabled, a stack pointer
// reference counts as a reference to the frame pointer.
func (o *pass) pickScratch(operands ...string) (string, error) {
	target := o.config.Target

	for _, family := range target.EncodeScratch {
		used := false

		for _, op := range operands {
			if asmkit.ReferencesFamily(op, family) {
				used = true
				break
			}

			if o.config.SafeStack && family == target.FramePointer &&
				asmkit.ReferencesFamily(op, target.StackPointer) {
				used = true
				break
			}
		}

		if !used {
			return family, nil
		}
	}

	return "", fmt.Errorf("every scratch register is used by %q - %w",
		operands, ErrUnexpectedShape)
}

// skipRedZone moves the real stack pointer past the red zone before
// generated code pushes to it. Safe-stack builds keep no data below
// the real stack pointer.
func (o *pass) skipRedZone() {
	if !o.config.SafeStack {
		o.out.volatile(fmt.Sprintf("leaq -%d(%%rsp), %%rsp", redZone))
	}
}

func (o *pass) restoreRedZone() {
	if !o.config.SafeStack {
		o.out.volatile(fmt.Sprintf("leaq %d(%%rsp), %%rsp", redZone))
	}
}

// shiftStackOperand adds delta to the displacement of a memory
// operand based on the stack pointer. Other operands are returned
// unchanged.
func shiftStackOperand(operand string, stackPointer string, delta int64) (string, error) {
	if asmkit.IsRegister(operand) || !asmkit.ReferencesFamily(operand, stackPointer) {
		return operand, nil
	}

	open := strings.IndexByte(operand, '(')
	if open < 0 {
		return "", fmt.Errorf("cannot adjust stack operand %q - %w", operand, ErrUnexpectedShape)
	}

	disp := int64(0)
	if open > 0 {
		var err error
		disp, err = strconv.ParseInt(operand[:open], 0, 64)
		if err != nil {
			return "", fmt.Errorf("cannot adjust stack operand %q with symbolic displacement - %w",
				operand, ErrUnexpectedShape)
		}
	}

	return fmt.Sprintf("%d%s", disp+delta, operand[open:]), nil
}
