package rewrite

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/stephen-fox/aslrguard/asmkit"
	"gitlab.com/stephen-fox/aslrguard/asmtext"
)

type memKey struct {
	gs   bool
	addr uint64
}

// machine executes the small instruction subset that generated code
// uses, one quad word per memory cell.
type machine struct {
	regs    map[string]uint64
	mem     map[memKey]uint64
	flags   uint64
	symbols map[string]uint64

	called   uint64
	hasCall  bool
	checkpts map[string]machineState
}

type machineState struct {
	regs  map[string]uint64
	flags uint64
}

func newMachine(symbols map[string]uint64) *machine {
	return &machine{
		regs: map[string]uint64{
			"rsp": 0x7ffc00000000,
		},
		mem:      make(map[memKey]uint64),
		flags:    0x246,
		symbols:  symbols,
		checkpts: make(map[string]machineState),
	}
}

func (o *machine) snapshot() machineState {
	regs := make(map[string]uint64, len(o.regs))
	for k, v := range o.regs {
		regs[k] = v
	}

	return machineState{
		regs:  regs,
		flags: o.flags,
	}
}

// run executes lines until the first call. The machine state is
// recorded under a block's name each time the block ends.
func (o *machine) run(lines []asmtext.Line) error {
	for _, line := range lines {
		if line.Kind == asmtext.Comment {
			rest, isEnd := strings.CutPrefix(strings.TrimSpace(line.Text), asmtext.BlockEnd+asmtext.BlockRule)
			if isEnd {
				o.checkpts[rest] = o.snapshot()
			}
			continue
		}

		if line.Kind != asmtext.Instruction {
			continue
		}

		err := o.step(line.Text)
		if err != nil {
			return fmt.Errorf("%q: %w", line.Text, err)
		}

		if o.hasCall {
			return nil
		}
	}

	return nil
}

func (o *machine) step(text string) error {
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), asmtext.VolatileMarker))
	text = strings.TrimPrefix(text, "lock ")

	opcode := asmtext.Opcode(text)

	src, err := asmtext.Operand(text, 1)
	if err != nil {
		return err
	}

	dst, err := asmtext.Operand(text, 2)
	if err != nil {
		return err
	}

	switch opcode {
	case "pushfq":
		o.push(o.flags)
	case "popfq":
		o.flags = o.pop()
	case "pushq":
		v, err := o.read(src)
		if err != nil {
			return err
		}
		o.push(v)
	case "popq":
		return o.write(src, o.pop())
	case "leaq":
		key, err := o.address(src)
		if err != nil {
			return err
		}
		return o.write(dst, key.addr)
	case "movq", "movl", "movabsq":
		v, err := o.read(src)
		if err != nil {
			return err
		}
		return o.write(dst, v)
	case "xaddq":
		a, err := o.read(src)
		if err != nil {
			return err
		}
		b, err := o.read(dst)
		if err != nil {
			return err
		}
		o.flags = 0
		err = o.write(dst, a+b)
		if err != nil {
			return err
		}
		return o.write(src, b)
	case "orq", "xorq":
		a, err := o.read(src)
		if err != nil {
			return err
		}
		b, err := o.read(dst)
		if err != nil {
			return err
		}
		o.flags = 0
		if opcode == "orq" {
			return o.write(dst, a|b)
		}
		return o.write(dst, a^b)
	case "call":
		v, err := o.read(strings.TrimPrefix(src, "*"))
		if err != nil {
			return err
		}
		o.called = v
		o.hasCall = true
	default:
		return fmt.Errorf("unsupported opcode %q", opcode)
	}

	return nil
}

func (o *machine) push(v uint64) {
	o.regs["rsp"] -= 8
	o.mem[memKey{addr: o.regs["rsp"]}] = v
}

func (o *machine) pop() uint64 {
	v := o.mem[memKey{addr: o.regs["rsp"]}]
	o.regs["rsp"] += 8
	return v
}

func (o *machine) read(op string) (uint64, error) {
	switch {
	case strings.HasPrefix(op, "$"):
		return strconv.ParseUint(op[1:], 0, 64)
	case asmkit.IsRegister(op):
		reg, _ := asmkit.LookupRegister(op)
		v := o.regs[reg.Family]
		if reg.Width == 4 {
			v &= 0xffffffff
		}
		return v, nil
	default:
		key, err := o.address(op)
		if err != nil {
			return 0, err
		}
		return o.mem[key], nil
	}
}

func (o *machine) write(op string, v uint64) error {
	if asmkit.IsRegister(op) {
		reg, _ := asmkit.LookupRegister(op)
		if reg.Width == 4 {
			v &= 0xffffffff
		} else if reg.Width != 8 {
			return fmt.Errorf("unsupported register width %d", reg.Width)
		}
		o.regs[reg.Family] = v
		return nil
	}

	key, err := o.address(op)
	if err != nil {
		return err
	}

	o.mem[key] = v

	return nil
}

func (o *machine) address(op string) (memKey, error) {
	var key memKey
	op, key.gs = strings.CutPrefix(op, "%gs:")

	open := strings.IndexByte(op, '(')
	if open < 0 {
		addr, err := strconv.ParseUint(op, 0, 64)
		if err != nil {
			return memKey{}, err
		}
		key.addr = addr
		return key, nil
	}

	base := strings.TrimSuffix(op[open+1:], ")")
	disp := op[:open]

	if base == "%rip" {
		addr, hasIt := o.symbols[disp]
		if !hasIt {
			return memKey{}, fmt.Errorf("unknown symbol %q", disp)
		}
		key.addr = addr
		return key, nil
	}

	baseValue, err := o.read(base)
	if err != nil {
		return memKey{}, err
	}

	offset := int64(0)
	if disp != "" {
		offset, err = strconv.ParseInt(disp, 0, 64)
		if err != nil {
			return memKey{}, err
		}
	}

	key.addr = baseValue + uint64(offset)

	return key, nil
}
