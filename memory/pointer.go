package memory

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// PointerMakerForX86_64 returns a PointerMaker for little endian,
// 8-byte pointers.
func PointerMakerForX86_64() PointerMaker {
	return PointerMaker{
		byteOrder: binary.LittleEndian,
		ptrSize:   8,
	}
}

// PointerMakerFor returns a PointerMaker for the given byte order and
// pointer size. Only 4 and 8-byte pointers are supported.
func PointerMakerFor(byteOrder binary.ByteOrder, pointerSize int) (PointerMaker, error) {
	if byteOrder == nil {
		return PointerMaker{}, fmt.Errorf("byte order cannot be nil")
	}

	if pointerSize != 4 && pointerSize != 8 {
		return PointerMaker{}, fmt.Errorf("unsupported pointer size: %d", pointerSize)
	}

	return PointerMaker{
		byteOrder: byteOrder,
		ptrSize:   pointerSize,
	}, nil
}

// PointerMaker converts between addresses and their in-memory
// representation.
type PointerMaker struct {
	byteOrder binary.ByteOrder
	ptrSize   int
}

// Size returns the pointer size in bytes.
func (o PointerMaker) Size() int {
	return o.ptrSize
}

// FromUint returns the in-memory form of address.
func (o PointerMaker) FromUint(address uint64) Pointer {
	out := make([]byte, o.ptrSize)

	switch o.ptrSize {
	case 4:
		o.byteOrder.PutUint32(out, uint32(address))
	default:
		o.byteOrder.PutUint64(out, address)
	}

	return Pointer{
		b:     out,
		order: o.byteOrder,
	}
}

// FromHexString parses a "0x"-prefixed or bare hexadecimal address,
// such as a tag printed by a diagnostic.
func (o PointerMaker) FromHexString(hexStr string) (Pointer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexStr), "0x")
	if trimmed == "" {
		return Pointer{}, fmt.Errorf("hex string cannot be empty")
	}

	address, err := strconv.ParseUint(trimmed, 16, o.ptrSize*8)
	if err != nil {
		return Pointer{}, fmt.Errorf("failed to parse hex address %q - %w", hexStr, err)
	}

	return o.FromUint(address), nil
}

// Read returns the pointer stored at the start of b.
func (o PointerMaker) Read(b []byte) (Pointer, error) {
	if len(b) < o.ptrSize {
		return Pointer{}, fmt.Errorf("need %d bytes to read a pointer - got %d",
			o.ptrSize, len(b))
	}

	out := make([]byte, o.ptrSize)
	copy(out, b)

	return Pointer{
		b:     out,
		order: o.byteOrder,
	}, nil
}

// Pointer is the in-memory representation of an address.
type Pointer struct {
	b     []byte
	order binary.ByteOrder
}

// Bytes returns the pointer's bytes.
func (o Pointer) Bytes() []byte {
	return o.b
}

// Uint returns the pointer as an address.
func (o Pointer) Uint() uint64 {
	switch len(o.b) {
	case 4:
		return uint64(o.order.Uint32(o.b))
	case 8:
		return o.order.Uint64(o.b)
	default:
		return 0
	}
}

// PutAt copies the pointer into dst at offset off.
func (o Pointer) PutAt(dst []byte, off uint64) error {
	if off > uint64(len(dst)) || uint64(len(dst))-off < uint64(len(o.b)) {
		return fmt.Errorf("cannot write %d-byte pointer at offset 0x%x of %d-byte buffer",
			len(o.b), off, len(dst))
	}

	copy(dst[off:], o.b)

	return nil
}

// HexString returns the pointer's address in hexadecimal.
func (o Pointer) HexString() string {
	return fmt.Sprintf("0x%x", o.Uint())
}
