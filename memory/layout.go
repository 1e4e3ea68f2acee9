package memory

import (
	"fmt"
	"unsafe"
)

const (
	// RegionSize is the size in bytes of the pointer table region.
	RegionSize = 0x100000

	// CounterOffset is the offset of the 8-byte slot counter.
	CounterOffset uint64 = 0x0

	// DeviceOffset is the offset of the header word that holds
	// the random device's file descriptor.
	DeviceOffset uint64 = 0x8

	// RecordsOffset is the offset of slot 0.
	RecordsOffset uint64 = 0x10

	// SlotStride is the size of a slot in bytes.
	SlotStride uint64 = 0x10

	// RealFieldOffset is the offset of the real pointer within a slot.
	RealFieldOffset uint64 = 0x0

	// NonceFieldOffset is the offset of the mask within a slot.
	NonceFieldOffset uint64 = 0x8

	// DefaultSlotCapacity is the number of slots that fit in
	// the region after the header.
	DefaultSlotCapacity = int((RegionSize - RecordsOffset) / SlotStride)
)

const (
	// LeastAddress is the lowest value that Encode treats as a
	// real code address.
	LeastAddress uint64 = 0x7fffffff

	// LargestAddress is the highest user space address. Anything
	// above it is an encoded value.
	LargestAddress uint64 = 0x7fffffffffff

	// MagicCode is the "AGECP" constant that fixed-nonce builds
	// mix into tags. Only its high half is used (see
	// FixedNonceMask) so that the slot offset stays intact.
	MagicCode uint64 = 0x4147454350000000

	// FixedNonceMask is the mask used by FixedNonce.
	FixedNonceMask = MagicCode &^ SlotOffsetMask

	// TagBit is set in every random mask.
	TagBit uint64 = 1 << 63

	// NonceShift is the position of a random nonce within the mask.
	NonceShift = 32

	// SlotOffsetMask selects the slot offset from a tagged value.
	SlotOffsetMask uint64 = 0xffffffff
)

func init() {
	var s Slot

	if unsafe.Sizeof(s) != uintptr(SlotStride) {
		panic(fmt.Sprintf("slot is %d bytes - expected %d", unsafe.Sizeof(s), SlotStride))
	}

	if unsafe.Offsetof(s.real) != uintptr(RealFieldOffset) ||
		unsafe.Offsetof(s.mask) != uintptr(NonceFieldOffset) {
		panic("slot field offsets do not match the table layout")
	}

	if uint64(DefaultSlotCapacity)*SlotStride > SlotOffsetMask {
		panic("slot offsets do not fit in the low half of a tag")
	}
}

// IsEncoded returns true if v is above the user space address range,
// meaning it can only be a tagged value.
func IsEncoded(v uint64) bool {
	return v > LargestAddress
}

// IsRealAddress returns true if v lies in the range of addresses that
// Encode will protect.
func IsRealAddress(v uint64) bool {
	return v >= LeastAddress && v <= LargestAddress
}
