package memory

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrTableExhausted means every slot of a SlotTable
	// has been issued.
	ErrTableExhausted = errors.New("pointer table exhausted")

	// ErrNotIssued means a slot offset does not name a slot
	// that was handed out by Reserve.
	ErrNotIssued = errors.New("slot was never issued")
)

// Slot is one pointer table entry. Its layout matches the
// {real pointer, mask} record that generated code reads and writes.
type Slot struct {
	real atomic.Uint64
	mask atomic.Uint64
}

// SlotTable is an append-only table of Slots stored in a dedicated
// memory region. It is safe for concurrent use.
type SlotTable struct {
	region  *region
	counter *atomic.Uint64
	device  *atomic.Uint64
	slots   []Slot
}

// NewSlotTable maps a region large enough for capacity slots.
// A capacity of zero selects DefaultSlotCapacity.
func NewSlotTable(capacity int) (*SlotTable, error) {
	if capacity == 0 {
		capacity = DefaultSlotCapacity
	}

	if capacity < 0 {
		return nil, fmt.Errorf("slot capacity cannot be negative")
	}

	if uint64(capacity)*SlotStride > SlotOffsetMask {
		return nil, fmt.Errorf("slot capacity %d does not fit in the low half of a tag",
			capacity)
	}

	reg, err := mapRegion(int(RecordsOffset) + capacity*int(SlotStride))
	if err != nil {
		return nil, err
	}

	base := unsafe.Pointer(&reg.mem[0])

	return &SlotTable{
		region:  reg,
		counter: (*atomic.Uint64)(unsafe.Add(base, CounterOffset)),
		device:  (*atomic.Uint64)(unsafe.Add(base, DeviceOffset)),
		slots:   unsafe.Slice((*Slot)(unsafe.Add(base, RecordsOffset)), capacity),
	}, nil
}

// Reserve issues the next slot and returns its offset. Every call
// returns a distinct offset.
func (o *SlotTable) Reserve() (uint64, error) {
	off := o.counter.Add(SlotStride) - SlotStride

	if off >= uint64(len(o.slots))*SlotStride {
		return 0, fmt.Errorf("all %d slots are in use - %w", len(o.slots), ErrTableExhausted)
	}

	return off, nil
}

// Store populates the slot at offset off. The mask is written last,
// so a reader that observes the mask also observes the real value.
func (o *SlotTable) Store(off uint64, real uint64, mask uint64) error {
	slot, err := o.slot(off)
	if err != nil {
		return err
	}

	slot.real.Store(real)
	slot.mask.Store(mask)

	return nil
}

// Load returns the real value and mask stored in the slot at off.
func (o *SlotTable) Load(off uint64) (real uint64, mask uint64, err error) {
	slot, err := o.slot(off)
	if err != nil {
		return 0, 0, err
	}

	mask = slot.mask.Load()
	real = slot.real.Load()

	return real, mask, nil
}

func (o *SlotTable) slot(off uint64) (*Slot, error) {
	if off%SlotStride != 0 || off >= o.counter.Load() || off/SlotStride >= uint64(len(o.slots)) {
		return nil, fmt.Errorf("slot offset 0x%x - %w", off, ErrNotIssued)
	}

	return &o.slots[off/SlotStride], nil
}

// Issued returns the number of slots handed out so far.
func (o *SlotTable) Issued() int {
	issued := o.counter.Load() / SlotStride
	if issued > uint64(len(o.slots)) {
		return len(o.slots)
	}

	return int(issued)
}

// Capacity returns the maximum number of slots.
func (o *SlotTable) Capacity() int {
	return len(o.slots)
}

// SetDevice stores a random device file descriptor in the table
// header for use by generated code.
func (o *SlotTable) SetDevice(fd uint64) {
	o.device.Store(fd)
}

// Region returns the raw bytes of the table region. The returned
// slice must be treated as read-only.
func (o *SlotTable) Region() []byte {
	return o.region.mem
}

// Close unmaps the table region. The SlotTable must not be used
// afterwards.
func (o *SlotTable) Close() error {
	o.slots = nil

	err := o.region.release()
	if err != nil {
		return fmt.Errorf("failed to release pointer table region - %w", err)
	}

	return nil
}
