package memory

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

const (
	// NotEncode applies the module's code delta without encoding.
	NotEncode TranslateMode = 1

	// MayEncode applies the module's code delta and encodes
	// the result.
	MayEncode TranslateMode = 2

	// AlwaysEncode encodes the address even if it does not belong
	// to any remapped module.
	AlwaysEncode TranslateMode = 4
)

// TranslateMode is a bit set controlling TranslateCodeAddress.
type TranslateMode uint

func (o TranslateMode) String() string {
	switch o {
	case NotEncode:
		return "not-encode"
	case MayEncode:
		return "may-encode"
	case AlwaysEncode:
		return "always-encode"
	default:
		return fmt.Sprintf("mode(%d)", uint(o))
	}
}

var (
	// ErrNonceMismatch means a tagged value's high half does not
	// match the mask recorded in its slot, i.e., the value was
	// forged or corrupted.
	ErrNonceMismatch = errors.New("tag does not match slot nonce")

	// ErrNotInitialized means Default was called before Init.
	ErrNotInitialized = errors.New("protocol is not initialized")
)

// ProtocolConfig configures a Protocol.
type ProtocolConfig struct {
	// SlotCapacity is the number of pointer table slots.
	// Zero selects DefaultSlotCapacity.
	SlotCapacity int

	// RemapCapacity is the maximum number of remap records.
	// Zero selects DefaultRemapCapacity.
	RemapCapacity int

	// Nonce produces the mask of each encoded pointer.
	Nonce NonceSource

	// Verbose, if non-nil, receives diagnostic messages.
	Verbose *log.Logger
}

func (o ProtocolConfig) validate() error {
	if o.Nonce == nil {
		return fmt.Errorf("nonce source cannot be nil")
	}

	if o.SlotCapacity < 0 {
		return fmt.Errorf("slot capacity cannot be negative")
	}

	if o.SlotCapacity > DefaultSlotCapacity {
		return fmt.Errorf("slot capacity %d exceeds the region's %d slots",
			o.SlotCapacity, DefaultSlotCapacity)
	}

	if o.RemapCapacity < 0 {
		return fmt.Errorf("remap capacity cannot be negative")
	}

	return nil
}

// NewProtocol creates the pointer table and the remap table described
// by config.
func NewProtocol(config ProtocolConfig) (*Protocol, error) {
	err := config.validate()
	if err != nil {
		return nil, fmt.Errorf("invalid protocol config - %w", err)
	}

	slots, err := NewSlotTable(config.SlotCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create pointer table - %w", err)
	}

	if dev, isDev := config.Nonce.(*DeviceNonce); isDev {
		fd, hasFd := dev.descriptor()
		if hasFd {
			slots.SetDevice(fd)
		}
	}

	if config.Verbose != nil {
		config.Verbose.Printf("pointer table ready with %d slots (nonce: %T)",
			slots.Capacity(), config.Nonce)
	}

	return &Protocol{
		slots: slots,
		remap: NewRemapTable(config.RemapCapacity),
		nonce: config.Nonce,
		log:   config.Verbose,
	}, nil
}

// Protocol is the process-wide pointer encoding context. It owns the
// pointer table and the remap table. All methods are safe for
// concurrent use.
type Protocol struct {
	slots *SlotTable
	remap *RemapTable
	nonce NonceSource
	log   *log.Logger

	encodes      atomic.Uint64
	decodes      atomic.Uint64
	translations atomic.Uint64
	fast         atomic.Uint64
}

// Slots returns the pointer table.
func (o *Protocol) Slots() *SlotTable {
	return o.slots
}

// Remap returns the remap table.
func (o *Protocol) Remap() *RemapTable {
	return o.remap
}

// Encode stores ptr in a new slot and returns its tagged substitute.
// Values outside of [LeastAddress, LargestAddress] are returned
// unchanged.
func (o *Protocol) Encode(ptr uint64) (uint64, error) {
	if !IsRealAddress(ptr) {
		return ptr, nil
	}

	off, err := o.slots.Reserve()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve slot for 0x%x - %w", ptr, err)
	}

	mask, err := o.nonce.NextMask()
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce for 0x%x - %w", ptr, err)
	}

	err = o.slots.Store(off, ptr, mask)
	if err != nil {
		return 0, fmt.Errorf("failed to store 0x%x - %w", ptr, err)
	}

	o.encodes.Add(1)

	return off | mask, nil
}

// EncodeOrExit calls Encode. DefaultExitFn is invoked if an error
// occurs.
func (o *Protocol) EncodeOrExit(ptr uint64) uint64 {
	tagged, err := o.Encode(ptr)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to encode pointer - %w", err))
	}
	return tagged
}

// Decode returns the real pointer behind tagged.
func (o *Protocol) Decode(tagged uint64) (uint64, error) {
	off := tagged & SlotOffsetMask

	real, mask, err := o.slots.Load(off)
	if err != nil {
		return 0, fmt.Errorf("failed to decode 0x%x - %w", tagged, err)
	}

	// A zero mask is a reserved slot that was never populated.
	if mask == 0 || tagged^mask != off {
		return 0, fmt.Errorf("failed to decode 0x%x (slot 0x%x) - %w",
			tagged, off, ErrNonceMismatch)
	}

	o.decodes.Add(1)

	return real, nil
}

// DecodeOrExit calls Decode. DefaultExitFn is invoked if an error
// occurs.
func (o *Protocol) DecodeOrExit(tagged uint64) uint64 {
	real, err := o.Decode(tagged)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to decode pointer - %w", err))
	}
	return real
}

// IsGotPlt returns true if addr is in the original GOT.PLT range of
// any remapped module.
func (o *Protocol) IsGotPlt(addr uint64) bool {
	if IsEncoded(addr) {
		return false
	}

	for _, record := range o.remap.Records() {
		if record.InGotPlt(addr) {
			return true
		}
	}

	return false
}

// IsRodata returns true if addr is in the original read-only data
// range of any remapped module.
func (o *Protocol) IsRodata(addr uint64) bool {
	if IsEncoded(addr) {
		return false
	}

	for _, record := range o.remap.Records() {
		if record.InRelRo(addr) {
			return true
		}
	}

	return false
}

// TranslateCodeAddress maps addr, an address in a module's original
// code range, to the module's remapped code. from is the address of
// the location that will hold the result (0 if unknown). If from is
// in the module's GOT.PLT, addr is returned unchanged since GOT.PLT
// entries are never tagged.
//
// With MayEncode (or AlwaysEncode) the translated address is encoded.
// With NotEncode only the delta is applied. An address that matches
// no module is returned unchanged unless mode includes AlwaysEncode.
// Encoded values are always returned unchanged.
func (o *Protocol) TranslateCodeAddress(addr uint64, mode TranslateMode, from uint64) (uint64, error) {
	if IsEncoded(addr) {
		return addr, nil
	}

	record, _, found := o.remap.ByCodeAddress(addr)
	if !found {
		if mode&AlwaysEncode != 0 {
			return o.Encode(addr)
		}

		return addr, nil
	}

	if from > 0 && record.InGotPlt(from) {
		return addr, nil
	}

	o.translations.Add(1)

	moved := addr + uint64(record.CodeDelta())

	if mode&(MayEncode|AlwaysEncode) != 0 {
		return o.Encode(moved)
	}

	if mode&NotEncode != 0 {
		return moved, nil
	}

	return addr, nil
}

// TranslateFast applies the code delta of the record at index to addr
// without searching the remap table. addr is returned unchanged if
// the index is unknown or addr is already encoded.
func (o *Protocol) TranslateFast(addr uint64, index int) uint64 {
	if IsEncoded(addr) {
		return addr
	}

	record, hasIt := o.remap.At(index)
	if !hasIt {
		return addr
	}

	o.translations.Add(1)
	o.fast.Add(1)

	return addr + uint64(record.CodeDelta())
}

// CodeDeltaForLoadAddress returns how far the code of the module loaded
// at lAddr moved, or 0 if there is no such module.
func (o *Protocol) CodeDeltaForLoadAddress(lAddr uint64) int64 {
	record, hasIt := o.remap.ByLoadAddress(lAddr)
	if !hasIt {
		return 0
	}

	return record.CodeDelta()
}

// CodeDelta returns how far the code containing addr moved, or 0 if
// addr belongs to no remapped module.
func (o *Protocol) CodeDelta(addr uint64) int64 {
	record, _, hasIt := o.remap.ByCodeAddress(addr)
	if !hasIt {
		return 0
	}

	return record.CodeDelta()
}

// GotPltDeltaForLoadAddress returns how far the GOT.PLT of the module
// loaded at lAddr moved, or 0 if there is no such module.
func (o *Protocol) GotPltDeltaForLoadAddress(lAddr uint64) int64 {
	record, hasIt := o.remap.ByLoadAddress(lAddr)
	if !hasIt {
		return 0
	}

	return record.GotPltDelta()
}

// Stats is a snapshot of a Protocol's counters.
type Stats struct {
	Encodes          uint64
	Decodes          uint64
	Translations     uint64
	FastTranslations uint64
	SlotsIssued      int
	Modules          int
}

// Stats returns the current counter values.
func (o *Protocol) Stats() Stats {
	return Stats{
		Encodes:          o.encodes.Load(),
		Decodes:          o.decodes.Load(),
		Translations:     o.translations.Load(),
		FastTranslations: o.fast.Load(),
		SlotsIssued:      o.slots.Issued(),
		Modules:          o.remap.Len(),
	}
}

// WriteStats writes a human-readable summary of Stats to w.
func (o *Protocol) WriteStats(w io.Writer) error {
	stats := o.Stats()

	_, err := fmt.Fprintf(w, "encodes: %d\ndecodes: %d\ntranslations: %d (fast: %d)\nslots: %d/%d\nmodules: %d\n",
		stats.Encodes, stats.Decodes, stats.Translations, stats.FastTranslations,
		stats.SlotsIssued, o.slots.Capacity(), stats.Modules)

	return err
}

// Close releases the pointer table. The Protocol must not be
// used afterwards.
func (o *Protocol) Close() error {
	if o.log != nil {
		o.log.Printf("releasing pointer table (%d of %d slots issued)",
			o.slots.Issued(), o.slots.Capacity())
	}

	return o.slots.Close()
}

var (
	defaultMu       sync.Mutex
	defaultProtocol atomic.Pointer[Protocol]
)

// Init creates the process-wide Protocol. It fails if one already
// exists.
func Init(config ProtocolConfig) (*Protocol, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultProtocol.Load() != nil {
		return nil, fmt.Errorf("protocol is already initialized")
	}

	p, err := NewProtocol(config)
	if err != nil {
		return nil, err
	}

	defaultProtocol.Store(p)

	return p, nil
}

// InitOrExit calls Init. DefaultExitFn is invoked if an error occurs.
func InitOrExit(config ProtocolConfig) *Protocol {
	p, err := Init(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to initialize protocol - %w", err))
	}
	return p
}

// Default returns the process-wide Protocol created by Init.
func Default() (*Protocol, error) {
	p := defaultProtocol.Load()
	if p == nil {
		return nil, ErrNotInitialized
	}

	return p, nil
}

// Teardown releases the process-wide Protocol. It is a no-op if Init
// was never called.
func Teardown() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	p := defaultProtocol.Swap(nil)
	if p == nil {
		return nil
	}

	return p.Close()
}
