// Package loader implements the dynamic loader hooks that cooperate
// with the pointer encoding protocol: resolving indirect functions
// whose resolvers may return tagged pointers, and moving module code to
// randomized addresses.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/aslrguard/memory"
)

var (
	// ErrUnexpectedRelocation means a relocation other than
	// R_X86_64_IRELATIVE was handed to the indirect function hook.
	ErrUnexpectedRelocation = errors.New("unexpected relocation type")

	// ErrNoResolver means no resolver is known for an
	// IRELATIVE relocation's addend.
	ErrNoResolver = errors.New("no resolver for relocation")
)

// Resolver is an indirect function resolver. It returns the address of
// the selected implementation, which may be tagged if the resolver was
// built with pointer encoding.
type Resolver func() uint64

// ResolverTable maps a resolver's address (an IRELATIVE addend) to
// the resolver.
type ResolverTable map[uint64]Resolver

// IFuncInvoker calls indirect function resolvers and turns their
// results into real addresses.
type IFuncInvoker struct {
	// Protocol decodes resolver results that are not plain
	// addresses.
	Protocol *memory.Protocol
}

// Invoke calls resolver. A result strictly between
// memory.LeastAddress and memory.LargestAddress is returned as is.
// Anything else is treated as a tagged pointer and decoded.
func (o IFuncInvoker) Invoke(resolver Resolver) (uint64, error) {
	result := resolver()

	if result > memory.LeastAddress && result < memory.LargestAddress {
		return result, nil
	}

	if o.Protocol == nil {
		return 0, fmt.Errorf("resolver returned 0x%x, which needs decoding, but no protocol is set",
			result)
	}

	real, err := o.Protocol.Decode(result)
	if err != nil {
		return 0, fmt.Errorf("failed to decode resolver result - %w", err)
	}

	return real, nil
}

// Image is a loaded module's memory.
type Image struct {
	// Base is the virtual address of Mem[0].
	Base uint64

	Mem []byte
}

// ApplyIRelative resolves one R_X86_64_IRELATIVE relocation and writes
// the resulting address into image.
func (o IFuncInvoker) ApplyIRelative(rela elf.Rela64, image Image, resolvers ResolverTable) error {
	relType := elf.R_X86_64(elf.R_TYPE64(rela.Info))
	if relType != elf.R_X86_64_IRELATIVE {
		return fmt.Errorf("relocation at 0x%x has type %s - %w",
			rela.Off, relType, ErrUnexpectedRelocation)
	}

	resolver, hasIt := resolvers[uint64(rela.Addend)]
	if !hasIt {
		return fmt.Errorf("resolver 0x%x (relocation at 0x%x) - %w",
			uint64(rela.Addend), rela.Off, ErrNoResolver)
	}

	value, err := o.Invoke(resolver)
	if err != nil {
		return fmt.Errorf("failed to resolve relocation at 0x%x - %w", rela.Off, err)
	}

	if rela.Off < image.Base {
		return fmt.Errorf("relocation at 0x%x is below the image base 0x%x",
			rela.Off, image.Base)
	}

	err = memory.PointerMakerForX86_64().FromUint(value).PutAt(image.Mem, rela.Off-image.Base)
	if err != nil {
		return fmt.Errorf("failed to write relocation at 0x%x - %w", rela.Off, err)
	}

	return nil
}

// ApplyIRelativeOrExit calls ApplyIRelative. memory.DefaultExitFn is
// invoked if an error occurs.
func (o IFuncInvoker) ApplyIRelativeOrExit(rela elf.Rela64, image Image, resolvers ResolverTable) {
	err := o.ApplyIRelative(rela, image, resolvers)
	if err != nil {
		memory.DefaultExitFn(err)
	}
}

// ParseRela64 decodes a little endian SHT_RELA section body.
func ParseRela64(data []byte) ([]elf.Rela64, error) {
	const entSize = 24

	if len(data)%entSize != 0 {
		return nil, fmt.Errorf("rela section size %d is not a multiple of %d",
			len(data), entSize)
	}

	relas := make([]elf.Rela64, len(data)/entSize)

	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, relas)
	if err != nil {
		return nil, fmt.Errorf("failed to read rela entries - %w", err)
	}

	return relas, nil
}

// IRelativeRelocations returns every R_X86_64_IRELATIVE entry of f's
// SHT_RELA sections.
func IRelativeRelocations(f *elf.File) ([]elf.Rela64, error) {
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported elf file: %s %s", f.Class, f.Machine)
	}

	var irelative []elf.Rela64

	for _, section := range f.Sections {
		if section.Type != elf.SHT_RELA {
			continue
		}

		data, err := section.Data()
		if err != nil {
			return nil, fmt.Errorf("failed to read section %s - %w", section.Name, err)
		}

		relas, err := ParseRela64(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse section %s - %w", section.Name, err)
		}

		for _, rela := range relas {
			if elf.R_X86_64(elf.R_TYPE64(rela.Info)) == elf.R_X86_64_IRELATIVE {
				irelative = append(irelative, rela)
			}
		}
	}

	return irelative, nil
}
