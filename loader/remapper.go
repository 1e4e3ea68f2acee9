package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"gitlab.com/stephen-fox/aslrguard/memory"
)

const (
	// MapBaseBias is added to the random value before it
	// is shifted to a page address.
	MapBaseBias uint64 = 0x7f00000000

	// MapBaseMask limits a randomized base to page aligned
	// user space addresses.
	MapBaseMask uint64 = memory.LargestAddress &^ 0xfff

	// DefaultMaxAttempts is the number of random bases a Remapper
	// tries for one range before giving up.
	DefaultMaxAttempts = 64
)

// ErrNoRoom means a Remapper could not find a free randomized range.
var ErrNoRoom = errors.New("no free randomized range")

// RandomMapBase returns a randomized page address derived from four
// bytes read from r.
func RandomMapBase(r io.Reader) (uint64, error) {
	var buf [4]byte

	_, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, fmt.Errorf("failed to read random value - %w", err)
	}

	v := uint64(binary.LittleEndian.Uint32(buf[:]))

	return ((v + MapBaseBias) << 12) & MapBaseMask, nil
}

// Section is an address range of a module.
type Section struct {
	Base uint64
	Size uint64
}

func (o Section) end() uint64 {
	return o.Base + o.Size
}

func (o Section) overlaps(other Section) bool {
	return o.Base < other.end() && other.Base < o.end()
}

// Module describes the ranges of a freshly loaded module.
type Module struct {
	LoadAddress uint64
	Code        Section
	GotPlt      Section
	RelRo       Section
}

// Remapper moves module ranges to randomized, non-overlapping
// addresses and records the moves in a memory.RemapTable.
type Remapper struct {
	// Table receives one record per remapped module.
	Table *memory.RemapTable

	// Rand supplies randomness for RandomMapBase.
	Rand io.Reader

	// MaxAttempts is the number of bases tried per range.
	// Zero selects DefaultMaxAttempts.
	MaxAttempts int

	// Verbose, if non-nil, receives diagnostic messages.
	Verbose *log.Logger

	mu       sync.Mutex
	occupied []Section
}

// Remap picks new bases for module's code, GOT.PLT and RELRO ranges
// and adds the resulting record to the table. Ranges of size zero
// keep their original base. It returns the record and its index.
func (o *Remapper) Remap(module Module) (memory.RemapRecord, int, error) {
	if o.Table == nil || o.Rand == nil {
		return memory.RemapRecord{}, 0, fmt.Errorf("remapper needs a table and a random source")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.occupied) == 0 {
		for _, record := range o.Table.Records() {
			o.occupied = append(o.occupied,
				Section{Base: record.NewCodeBase, Size: record.CodeSize},
				Section{Base: record.NewGotPltBase, Size: record.GotPltSize},
				Section{Base: record.NewRelRoBase, Size: record.RelRoSize})
		}
	}

	original := []Section{module.Code, module.GotPlt, module.RelRo}
	placed := make([]Section, 0, len(original))

	for _, section := range original {
		if section.Size == 0 {
			placed = append(placed, section)
			continue
		}

		base, err := o.pick(section.Size, original, placed)
		if err != nil {
			return memory.RemapRecord{}, 0, fmt.Errorf("failed to remap 0x%x byte range of module at 0x%x - %w",
				section.Size, module.LoadAddress, err)
		}

		placed = append(placed, Section{Base: base, Size: section.Size})
	}

	record := memory.RemapRecord{
		LoadAddress:   module.LoadAddress,
		OldCodeBase:   module.Code.Base,
		NewCodeBase:   placed[0].Base,
		OldGotPltBase: module.GotPlt.Base,
		NewGotPltBase: placed[1].Base,
		CodeSize:      module.Code.Size,
		GotPltSize:    module.GotPlt.Size,
		OldRelRoBase:  module.RelRo.Base,
		NewRelRoBase:  placed[2].Base,
		RelRoSize:     module.RelRo.Size,
	}

	index, err := o.Table.Add(record)
	if err != nil {
		return memory.RemapRecord{}, 0, err
	}

	for _, section := range placed {
		if section.Size > 0 {
			o.occupied = append(o.occupied, section)
		}
	}

	if o.Verbose != nil {
		o.Verbose.Printf("module at 0x%x: code 0x%x -> 0x%x (0x%x bytes)",
			module.LoadAddress, record.OldCodeBase, record.NewCodeBase, record.CodeSize)
	}

	return record, index, nil
}

// RemapOrExit calls Remap. memory.DefaultExitFn is invoked if an
// error occurs.
func (o *Remapper) RemapOrExit(module Module) (memory.RemapRecord, int) {
	record, index, err := o.Remap(module)
	if err != nil {
		memory.DefaultExitFn(err)
	}
	return record, index
}

func (o *Remapper) pick(size uint64, original []Section, placed []Section) (uint64, error) {
	attempts := o.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	for i := 0; i < attempts; i++ {
		base, err := RandomMapBase(o.Rand)
		if err != nil {
			return 0, err
		}

		candidate := Section{Base: base, Size: size}

		if candidate.end() < base || candidate.end() > memory.LargestAddress+1 {
			continue
		}

		if overlapsAny(candidate, o.occupied) ||
			overlapsAny(candidate, original) ||
			overlapsAny(candidate, placed) {
			continue
		}

		return base, nil
	}

	return 0, fmt.Errorf("gave up after %d attempts - %w", attempts, ErrNoRoom)
}

func overlapsAny(s Section, others []Section) bool {
	for _, other := range others {
		if other.Size > 0 && s.overlaps(other) {
			return true
		}
	}

	return false
}
