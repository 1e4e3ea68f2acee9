// Package glibckit reads and writes the remap information area that
// the dynamic loader shares with the pointer encoding runtime.
//
// The area starts with an 8-byte record count followed by a flat
// array of records. Each record is memory.RemapRecordFields
// little endian, address-sized fields in memory.RemapRecord's
// declaration order:
//
//	l_addr, oldCodeBase, newCodeBase, oldGotPltBase, newGotPltBase,
//	codeSize, gotPltSize, oldRelRoBase, newRelRoBase, relRoSize
package glibckit

import (
	"encoding/binary"
	"fmt"

	"gitlab.com/stephen-fox/aslrguard/bstruct"
	"gitlab.com/stephen-fox/aslrguard/memory"
)

const (
	// RemapCountSize is the size of the record count that
	// starts the area.
	RemapCountSize = 8

	// RemapRecordSize is the size of one encoded record.
	RemapRecordSize = memory.RemapRecordFields * 8
)

var areaByteOrder = binary.LittleEndian

func init() {
	size, err := bstruct.Size(memory.RemapRecord{})
	if err != nil {
		panic(err)
	}

	if size != RemapRecordSize {
		panic(fmt.Sprintf("remap record encodes to %d bytes - expected %d", size, RemapRecordSize))
	}
}

// RecordFieldOffset returns the byte offset of the named
// memory.RemapRecord field within an encoded record.
func RecordFieldOffset(fieldName string) (int, error) {
	fields, err := bstruct.Fields(memory.RemapRecord{})
	if err != nil {
		return 0, err
	}

	for _, field := range fields {
		if field.Name == fieldName {
			return field.Offset, nil
		}
	}

	return 0, fmt.Errorf("remap record has no field named %q", fieldName)
}

// RecordOffset returns the byte offset of record index within the area.
func RecordOffset(index int) int {
	return RemapCountSize + index*RemapRecordSize
}

// EncodeRemapArea encodes records as a remap information area.
func EncodeRemapArea(records []memory.RemapRecord) ([]byte, error) {
	area := make([]byte, RemapCountSize, RecordOffset(len(records)))
	areaByteOrder.PutUint64(area, uint64(len(records)))

	for i, record := range records {
		b, err := bstruct.StructToBytes(record, areaByteOrder, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to encode remap record %d - %w", i, err)
		}

		area = append(area, b...)
	}

	return area, nil
}

// EncodeRemapAreaOrExit calls EncodeRemapArea. bstruct.DefaultExitFn
// is invoked if an error occurs.
func EncodeRemapAreaOrExit(records []memory.RemapRecord) []byte {
	area, err := EncodeRemapArea(records)
	if err != nil {
		bstruct.DefaultExitFn(err)
	}
	return area
}

// DecodeRemapArea decodes a remap information area. Bytes after the
// last record are ignored.
func DecodeRemapArea(area []byte) ([]memory.RemapRecord, error) {
	if len(area) < RemapCountSize {
		return nil, fmt.Errorf("remap area is %d bytes - too short for the record count",
			len(area))
	}

	count := areaByteOrder.Uint64(area)
	if count > uint64(memory.DefaultRemapCapacity) {
		return nil, fmt.Errorf("remap area claims %d records - more than the %d that fit",
			count, memory.DefaultRemapCapacity)
	}

	need := RecordOffset(int(count))
	if len(area) < need {
		return nil, fmt.Errorf("remap area claims %d records (%d bytes) - got %d bytes",
			count, need, len(area))
	}

	records := make([]memory.RemapRecord, count)

	for i := range records {
		_, err := bstruct.BytesToStruct(area[RecordOffset(i):], areaByteOrder, &records[i])
		if err != nil {
			return nil, fmt.Errorf("failed to decode remap record %d - %w", i, err)
		}
	}

	return records, nil
}

// LoadRemapArea decodes area and adds its records to table.
func LoadRemapArea(area []byte, table *memory.RemapTable) (int, error) {
	records, err := DecodeRemapArea(area)
	if err != nil {
		return 0, err
	}

	for i, record := range records {
		_, err := table.Add(record)
		if err != nil {
			return i, fmt.Errorf("failed to add remap record %d - %w", i, err)
		}
	}

	return len(records), nil
}
