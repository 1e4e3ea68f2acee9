package glibckit

import (
	"encoding/binary"
	"testing"

	"gitlab.com/stephen-fox/aslrguard/memory"
)

var testRecords = []memory.RemapRecord{
	{
		LoadAddress:   0x555555554000,
		OldCodeBase:   0x555555555000,
		NewCodeBase:   0x7f3a11200000,
		OldGotPltBase: 0x555555558000,
		NewGotPltBase: 0x7f3a22300000,
		CodeSize:      0x2000,
		GotPltSize:    0x40,
		OldRelRoBase:  0x555555557000,
		NewRelRoBase:  0x7f3a33400000,
		RelRoSize:     0x800,
	},
	{
		LoadAddress: 0x7ffff7dd0000,
		OldCodeBase: 0x7ffff7dd1000,
		NewCodeBase: 0x7fe000001000,
		CodeSize:    0x1f000,
	},
}

func TestEncodeRemapArea_Layout(t *testing.T) {
	area, err := EncodeRemapArea(testRecords)
	if err != nil {
		t.Fatal(err)
	}

	if len(area) != RemapCountSize+2*RemapRecordSize {
		t.Fatalf("expected %d bytes - got %d", RemapCountSize+2*RemapRecordSize, len(area))
	}

	if count := binary.LittleEndian.Uint64(area); count != 2 {
		t.Fatalf("expected count 2 - got %d", count)
	}

	codeSize := binary.LittleEndian.Uint64(area[RecordOffset(0)+5*8:])
	if codeSize != 0x2000 {
		t.Fatalf("expected code size 0x2000 at field 5 - got 0x%x", codeSize)
	}

	newCodeBase := binary.LittleEndian.Uint64(area[RecordOffset(1)+2*8:])
	if newCodeBase != 0x7fe000001000 {
		t.Fatalf("expected new code base 0x7fe000001000 at field 2 - got 0x%x", newCodeBase)
	}
}

func TestDecodeRemapArea(t *testing.T) {
	area := EncodeRemapAreaOrExit(testRecords)

	records, err := DecodeRemapArea(append(area, 0xff, 0xff))
	if err != nil {
		t.Fatal(err)
	}

	if len(records) != len(testRecords) {
		t.Fatalf("expected %d records - got %d", len(testRecords), len(records))
	}

	for i := range records {
		if records[i] != testRecords[i] {
			t.Fatalf("record %d: expected %+v - got %+v", i, testRecords[i], records[i])
		}
	}
}

func TestDecodeRemapArea_Truncated(t *testing.T) {
	area := EncodeRemapAreaOrExit(testRecords)

	_, err := DecodeRemapArea(area[:len(area)-1])
	if err == nil {
		t.Fatal("expected an error for a truncated area")
	}

	_, err = DecodeRemapArea(area[:4])
	if err == nil {
		t.Fatal("expected an error for an area without a full count")
	}
}

func TestRecordFieldOffset(t *testing.T) {
	expected := map[string]int{
		"LoadAddress":   0,
		"OldCodeBase":   8,
		"NewCodeBase":   16,
		"OldGotPltBase": 24,
		"NewGotPltBase": 32,
		"CodeSize":      40,
		"GotPltSize":    48,
		"OldRelRoBase":  56,
		"NewRelRoBase":  64,
		"RelRoSize":     72,
	}

	for name, exp := range expected {
		off, err := RecordFieldOffset(name)
		if err != nil {
			t.Fatal(err)
		}

		if off != exp {
			t.Fatalf("%s: expected offset %d - got %d", name, exp, off)
		}
	}

	_, err := RecordFieldOffset("Nope")
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestLoadRemapArea(t *testing.T) {
	table := memory.NewRemapTable(0)

	n, err := LoadRemapArea(EncodeRemapAreaOrExit(testRecords), table)
	if err != nil {
		t.Fatal(err)
	}

	if n != 2 || table.Len() != 2 {
		t.Fatalf("expected 2 records - got %d (table: %d)", n, table.Len())
	}

	record, index, found := table.ByCodeAddress(0x7ffff7dd2000)
	if !found || index != 1 || record.LoadAddress != 0x7ffff7dd0000 {
		t.Fatalf("expected record 1 to own 0x7ffff7dd2000 - got %+v (index %d, found %t)",
			record, index, found)
	}
}
