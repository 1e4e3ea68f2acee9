package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// RemapAreaSize is the size in bytes of the loader's remap
	// record area.
	RemapAreaSize = 0x100000

	// RemapRecordFields is the number of address-sized fields
	// in a RemapRecord.
	RemapRecordFields = 10

	// DefaultRemapCapacity is the number of records that fit in
	// the remap area after its 8-byte count.
	DefaultRemapCapacity = (RemapAreaSize - 8) / (RemapRecordFields * 8)
)

var (
	// ErrRemapTableFull means a RemapTable cannot accept
	// more records.
	ErrRemapTableFull = errors.New("remap table is full")
)

// RemapRecord describes how one loaded module was moved. The field
// order is the loader's record layout and must not change.
type RemapRecord struct {
	LoadAddress   uint64
	OldCodeBase   uint64
	NewCodeBase   uint64
	OldGotPltBase uint64
	NewGotPltBase uint64
	CodeSize      uint64
	GotPltSize    uint64
	OldRelRoBase  uint64
	NewRelRoBase  uint64
	RelRoSize     uint64
}

// InCode returns true if addr is in the module's original code range.
func (o RemapRecord) InCode(addr uint64) bool {
	return inRange(addr, o.OldCodeBase, o.CodeSize)
}

// InGotPlt returns true if addr is in the module's original
// GOT.PLT range.
func (o RemapRecord) InGotPlt(addr uint64) bool {
	return inRange(addr, o.OldGotPltBase, o.GotPltSize)
}

// InRelRo returns true if addr is in the module's original
// read-only data range.
func (o RemapRecord) InRelRo(addr uint64) bool {
	return inRange(addr, o.OldRelRoBase, o.RelRoSize)
}

// CodeDelta is the distance the module's code moved.
func (o RemapRecord) CodeDelta() int64 {
	return int64(o.NewCodeBase - o.OldCodeBase)
}

// GotPltDelta is the distance the module's GOT.PLT moved.
func (o RemapRecord) GotPltDelta() int64 {
	return int64(o.NewGotPltBase - o.OldGotPltBase)
}

func (o RemapRecord) validate() error {
	ranges := []struct {
		name string
		base uint64
		size uint64
	}{
		{name: "old code", base: o.OldCodeBase, size: o.CodeSize},
		{name: "new code", base: o.NewCodeBase, size: o.CodeSize},
		{name: "old GOT.PLT", base: o.OldGotPltBase, size: o.GotPltSize},
		{name: "new GOT.PLT", base: o.NewGotPltBase, size: o.GotPltSize},
		{name: "old RELRO", base: o.OldRelRoBase, size: o.RelRoSize},
		{name: "new RELRO", base: o.NewRelRoBase, size: o.RelRoSize},
	}

	for _, r := range ranges {
		if r.base+r.size < r.base {
			return fmt.Errorf("%s range 0x%x + 0x%x overflows", r.name, r.base, r.size)
		}
	}

	return nil
}

func inRange(addr uint64, base uint64, size uint64) bool {
	return base <= addr && addr < base+size
}

// NewRemapTable creates an empty RemapTable that holds up to capacity
// records. A capacity of zero selects DefaultRemapCapacity.
func NewRemapTable(capacity int) *RemapTable {
	if capacity <= 0 {
		capacity = DefaultRemapCapacity
	}

	table := &RemapTable{
		capacity: capacity,
	}

	empty := make([]RemapRecord, 0)
	table.records.Store(&empty)

	return table
}

// RemapTable is the process-wide, ordered list of RemapRecords, one
// per loaded module.
//
// Records are added while modules are loaded and are never removed.
// Readers see an immutable snapshot, so lookups never take a lock and
// may run concurrently with Add.
type RemapTable struct {
	mu       sync.Mutex
	capacity int
	records  atomic.Pointer[[]RemapRecord]
}

// Add appends a record and returns its index.
func (o *RemapTable) Add(record RemapRecord) (int, error) {
	err := record.validate()
	if err != nil {
		return 0, fmt.Errorf("invalid remap record for module at 0x%x - %w",
			record.LoadAddress, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	current := *o.records.Load()
	if len(current) >= o.capacity {
		return 0, fmt.Errorf("cannot add module at 0x%x (capacity: %d) - %w",
			record.LoadAddress, o.capacity, ErrRemapTableFull)
	}

	next := make([]RemapRecord, len(current), len(current)+1)
	copy(next, current)
	next = append(next, record)

	o.records.Store(&next)

	return len(next) - 1, nil
}

// AddOrExit calls Add. DefaultExitFn is invoked if an error occurs.
func (o *RemapTable) AddOrExit(record RemapRecord) int {
	i, err := o.Add(record)
	if err != nil {
		DefaultExitFn(err)
	}
	return i
}

// Records returns the current records in load order. The returned
// slice must not be modified.
func (o *RemapTable) Records() []RemapRecord {
	return *o.records.Load()
}

// Len returns the number of records.
func (o *RemapTable) Len() int {
	return len(o.Records())
}

// At returns the record at index i.
func (o *RemapTable) At(i int) (RemapRecord, bool) {
	records := o.Records()
	if i < 0 || i >= len(records) {
		return RemapRecord{}, false
	}

	return records[i], true
}

// ByLoadAddress returns the record of the module loaded at lAddr.
func (o *RemapTable) ByLoadAddress(lAddr uint64) (RemapRecord, bool) {
	for _, record := range o.Records() {
		if record.LoadAddress == lAddr {
			return record, true
		}
	}

	return RemapRecord{}, false
}

// ByCodeAddress returns the record whose original code range
// contains addr, along with its index.
func (o *RemapTable) ByCodeAddress(addr uint64) (RemapRecord, int, bool) {
	for i, record := range o.Records() {
		if record.InCode(addr) {
			return record, i, true
		}
	}

	return RemapRecord{}, 0, false
}
