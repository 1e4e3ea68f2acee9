// Package memory implements the runtime half of ASLR-Guard: the code
// pointer encoding protocol and the code remapping table.
//
// Encoded pointers
//
// A code pointer never needs to exist in its real form outside of the
// pointer table. Encode stores the real value in a fresh slot of the
// table and returns a tagged substitute:
//
//	tagged = slotOffset | mask
//
// The slot offset occupies the low 32 bits. The mask is a per-pointer
// nonce shifted into the high 32 bits (with bit 63 always set), or a
// well-known constant when FixedNonce is used. Real addresses are
// always at or below LargestAddress, so a tagged value can be told
// apart from a plain address by magnitude alone (see IsEncoded).
//
// Decode reverses the process by looking up the slot named by the
// low half of the tag and checking that the mask stored there matches.
//
// Table layout
//
// The table lives in a dedicated region that generated code reaches
// through a segment register. Its layout is shared with generated code
// and must not change:
//
//	offset 0x00: slot counter (next free slot offset, 8 bytes)
//	offset 0x08: random device descriptor (DeviceNonce only)
//	offset 0x10: slot 0 {real pointer, mask}
//	offset 0x20: slot 1 {real pointer, mask}
//	...
//
// Slot k is found at RecordsOffset + k*SlotStride. Slots are issued
// exactly once, in order, by an atomic increment of the counter, and
// are never reused. Running out of slots is an error
// (ErrTableExhausted); EncodeOrExit treats it as fatal.
//
// Remapping
//
// When the loader moves a module's code, it records the old and new
// bases of the module's code, GOT.PLT and RELRO ranges in a
// RemapTable. TranslateCodeAddress uses these records to turn an
// address in the original code range into its remapped (and optionally
// encoded) counterpart.
//
// Known gap: Encode cannot tell whether its argument is already a
// tagged value that happens to look like a real address. Encoding a
// value twice is not detected.
package memory
