// Package asmkit describes the instruction set that the rewriter targets.
//
// A Target bundles the register knowledge that generated code depends
// on: which register stands in for the stack pointer, which registers
// may be borrowed as scratch, where the pointer table lives, and how
// nonces are produced. Only x86-64 (AT&T syntax) is provided.
package asmkit

import (
	"fmt"
)

const (
	// FixedNonce mixes a well-known constant into every tag.
	// It is deterministic and intended for tests.
	FixedNonce NonceSource = "fixed"

	// DeviceNonce reads four bytes from a random device
	// whose descriptor is stored in the table header.
	DeviceNonce NonceSource = "devrand"

	// HardwareNonce uses the rdrand instruction.
	HardwareNonce NonceSource = "rdrand"
)

// NonceSource selects how generated code derives a pointer's nonce.
type NonceSource string

func (o NonceSource) validate() error {
	switch o {
	case FixedNonce, DeviceNonce, HardwareNonce:
		return nil
	default:
		return fmt.Errorf("unsupported nonce source: %q", o)
	}
}

// Target describes the register conventions and pointer table
// location used by generated code.
type Target struct {
	// FramePointer is the 64-bit register (without '%') that
	// replaces the stack pointer when safe-stack is enabled.
	FramePointer string

	// StackPointer is the architectural stack pointer.
	StackPointer string

	// StagingRegister is borrowed to move memory operands
	// for push/pop replacements and indirect branches.
	StagingRegister string

	// EncodeScratch lists, in order of preference, the registers
	// that an encode template may borrow to hold the slot offset.
	// The first register not referenced by the rewritten
	// instruction is used.
	EncodeScratch []string

	// TableSegment is the segment register (without '%') whose
	// base addresses the pointer table region.
	TableSegment string

	// TableDisplacement is the segment-relative address of
	// the pointer table region.
	TableDisplacement uint64

	// Nonce selects the nonce source.
	Nonce NonceSource
}

// AMD64 returns the x86-64 Target with r15 as the frame pointer.
func AMD64(nonce NonceSource) Target {
	return Target{
		FramePointer:      "r15",
		StackPointer:      "rsp",
		StagingRegister:   "r10",
		EncodeScratch:     []string{"r15", "r14", "r13", "r12"},
		TableSegment:      "gs",
		TableDisplacement: 0x100000,
		Nonce:             nonce,
	}
}

// Validate returns a non-nil error if the Target is unusable.
func (o Target) Validate() error {
	err := o.Nonce.validate()
	if err != nil {
		return err
	}

	for _, family := range []string{o.FramePointer, o.StackPointer, o.StagingRegister} {
		_, isFull := SizedRegister(family, 8)
		if !isFull {
			return fmt.Errorf("%q is not a 64-bit general purpose register", family)
		}
	}

	if o.FramePointer == o.StackPointer {
		return fmt.Errorf("frame pointer cannot be the stack pointer")
	}

	if len(o.EncodeScratch) == 0 {
		return fmt.Errorf("at least one encode scratch register is required")
	}

	for _, family := range o.EncodeScratch {
		_, isFull := SizedRegister(family, 8)
		if !isFull {
			return fmt.Errorf("encode scratch register %q is not a 64-bit general purpose register",
				family)
		}
	}

	if o.TableSegment != "fs" && o.TableSegment != "gs" {
		return fmt.Errorf("unsupported table segment: %q", o.TableSegment)
	}

	return nil
}

// Reg returns the AT&T spelling of the width-byte register in family.
// It panics if family is unknown, which indicates a programming error
// (Validate checks every register a Target names).
func (o Target) Reg(family string, width int) string {
	name, hasIt := SizedRegister(family, width)
	if !hasIt {
		panic(fmt.Sprintf("no %d-byte register in family %q", width, family))
	}
	return name
}

// TableAbs returns a segment-relative absolute reference to byte
// offset off of the table region, e.g., "%gs:0x100000".
func (o Target) TableAbs(off uint64) string {
	return fmt.Sprintf("%%%s:0x%x", o.TableSegment, o.TableDisplacement+off)
}

// TableIndexed returns a segment-relative reference to byte offset off
// of the table region, indexed by a base register, e.g.,
// "%gs:0x100010(%rax)".
func (o Target) TableIndexed(off uint64, base string) string {
	return fmt.Sprintf("%%%s:0x%x(%s)", o.TableSegment, o.TableDisplacement+off, base)
}

// MovSuffix returns the AT&T operand size suffix for width bytes.
func MovSuffix(width int) string {
	switch width {
	case 1:
		return "b"
	case 2:
		return "w"
	case 4:
		return "l"
	default:
		return "q"
	}
}

// SuffixWidth returns the operand width in bytes implied by an AT&T
// size suffix, or 0 if suffix is not a size suffix.
func SuffixWidth(suffix byte) int {
	switch suffix {
	case 'b':
		return 1
	case 'w':
		return 2
	case 'l':
		return 4
	case 'q':
		return 8
	default:
		return 0
	}
}
