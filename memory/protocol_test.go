package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestProtocol(t *testing.T, config ProtocolConfig) *Protocol {
	t.Helper()

	if config.Nonce == nil {
		config.Nonce = FixedNonce{}
	}

	p, err := NewProtocol(config)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Close()
	})

	return p
}

func TestProtocol_EncodeDecodeInverse(t *testing.T) {
	nonces := map[string]NonceSource{
		"fixed":  FixedNonce{},
		"device": NewDeviceNonce(bytes.NewReader(bytes.Repeat([]byte{0xa5, 0x17, 0x3c, 0x99}, 10000))),
	}

	for name, nonce := range nonces {
		t.Run(name, func(t *testing.T) {
			p := newTestProtocol(t, ProtocolConfig{Nonce: nonce})

			tagged := make(map[uint64]uint64, 10000)

			for i := uint64(0); i < 10000; i++ {
				ptr := 0x7f1234560000 + i*0x10
				tag, err := p.Encode(ptr)
				require.NoError(t, err)
				require.True(t, IsEncoded(tag), "tag 0x%x is not above LargestAddress", tag)
				tagged[ptr] = tag
			}

			for ptr, tag := range tagged {
				real, err := p.Decode(tag)
				require.NoError(t, err)
				require.Equal(t, ptr, real)
			}

			stats := p.Stats()
			require.Equal(t, uint64(10000), stats.Encodes)
			require.Equal(t, uint64(10000), stats.Decodes)
			require.Equal(t, 10000, stats.SlotsIssued)
		})
	}
}

func TestProtocol_EncodeIgnoresOutOfRangeValues(t *testing.T) {
	p := newTestProtocol(t, ProtocolConfig{})

	for _, v := range []uint64{0, 0x1000, LeastAddress - 1, LargestAddress + 1, 0xffffffffffffffff} {
		tag, err := p.Encode(v)
		require.NoError(t, err)
		require.Equal(t, v, tag)
	}

	require.Equal(t, 0, p.Slots().Issued())
}

func TestProtocol_FixedNonceTagLayout(t *testing.T) {
	p := newTestProtocol(t, ProtocolConfig{})

	first, err := p.Encode(0x7f0000001000)
	require.NoError(t, err)
	require.Equal(t, FixedNonceMask, first)

	second, err := p.Encode(0x7f0000002000)
	require.NoError(t, err)
	require.Equal(t, FixedNonceMask|SlotStride, second)

	region := p.Slots().Region()
	require.Equal(t, 2*SlotStride, binary.LittleEndian.Uint64(region[CounterOffset:]))

	slot1 := RecordsOffset + SlotStride
	require.Equal(t, uint64(0x7f0000002000), binary.LittleEndian.Uint64(region[slot1+RealFieldOffset:]))
	require.Equal(t, FixedNonceMask, binary.LittleEndian.Uint64(region[slot1+NonceFieldOffset:]))
}

func TestProtocol_DecodeRejectsForgedTag(t *testing.T) {
	p := newTestProtocol(t, ProtocolConfig{
		Nonce: NewDeviceNonce(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})),
	})

	tag, err := p.Encode(0x7f0000001000)
	require.NoError(t, err)

	_, err = p.Decode(tag ^ (1 << 40))
	require.ErrorIs(t, err, ErrNonceMismatch)

	_, err = p.Decode(tag + 2*SlotStride)
	require.ErrorIs(t, err, ErrNotIssued)

	_, err = p.Decode(tag + 1)
	require.ErrorIs(t, err, ErrNotIssued)
}

func TestProtocol_DecodeRejectsUnpopulatedSlot(t *testing.T) {
	p := newTestProtocol(t, ProtocolConfig{})

	off, err := p.Slots().Reserve()
	require.NoError(t, err)

	_, err = p.Decode(off)
	require.ErrorIs(t, err, ErrNonceMismatch)
}

func TestProtocol_ConcurrentEncodesGetUniqueSlots(t *testing.T) {
	const workers = 8
	const perWorker = 1000

	p := newTestProtocol(t, ProtocolConfig{})

	var mu sync.Mutex
	offsets := make(map[uint64]struct{}, workers*perWorker)

	var group errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		group.Go(func() error {
			local := make([]uint64, 0, perWorker)

			for i := 0; i < perWorker; i++ {
				ptr := 0x7f0000000000 + uint64(w)<<24 + uint64(i)*8
				tag, err := p.Encode(ptr)
				if err != nil {
					return err
				}

				real, err := p.Decode(tag)
				if err != nil {
					return err
				}

				if real != ptr {
					return errors.New("decoded pointer does not match")
				}

				local = append(local, tag&SlotOffsetMask)
			}

			mu.Lock()
			defer mu.Unlock()

			for _, off := range local {
				offsets[off] = struct{}{}
			}

			return nil
		})
	}

	require.NoError(t, group.Wait())
	require.Len(t, offsets, workers*perWorker)
	require.Equal(t, workers*perWorker, p.Slots().Issued())
}

func TestProtocol_TableExhaustion(t *testing.T) {
	p := newTestProtocol(t, ProtocolConfig{SlotCapacity: 4})

	for i := 0; i < 4; i++ {
		_, err := p.Encode(0x7f0000000000 + uint64(i))
		require.NoError(t, err)
	}

	_, err := p.Encode(0x7f0000000100)
	require.ErrorIs(t, err, ErrTableExhausted)
}

func TestProtocol_EncodeOrExit(t *testing.T) {
	p := newTestProtocol(t, ProtocolConfig{SlotCapacity: 1})

	var exitErr error
	orig := DefaultExitFn
	DefaultExitFn = func(err error) {
		exitErr = err
	}
	t.Cleanup(func() {
		DefaultExitFn = orig
	})

	p.EncodeOrExit(0x7f0000000000)
	require.NoError(t, exitErr)

	p.EncodeOrExit(0x7f0000000010)
	require.ErrorIs(t, exitErr, ErrTableExhausted)
}

func TestProtocol_TranslateCodeAddress(t *testing.T) {
	p := newTestProtocol(t, ProtocolConfig{})

	_, err := p.Remap().Add(RemapRecord{
		LoadAddress:   0x400000,
		OldCodeBase:   0x1000,
		NewCodeBase:   0x9000,
		CodeSize:      0x500,
		OldGotPltBase: 0x3000,
		NewGotPltBase: 0xb000,
		GotPltSize:    0x100,
	})
	require.NoError(t, err)

	moved, err := p.TranslateCodeAddress(0x1200, NotEncode, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x9200), moved)

	outside, err := p.TranslateCodeAddress(0x2000, NotEncode, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), outside)

	fromGotPlt, err := p.TranslateCodeAddress(0x1200, MayEncode, 0x3010)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1200), fromGotPlt)

	tagged := uint64(0xc000000000000010)
	same, err := p.TranslateCodeAddress(tagged, MayEncode, 0)
	require.NoError(t, err)
	require.Equal(t, tagged, same)

	require.Equal(t, uint64(0x9200), p.TranslateFast(0x1200, 0))
	require.Equal(t, uint64(0x1200), p.TranslateFast(0x1200, 7))

	stats := p.Stats()
	require.Equal(t, uint64(2), stats.Translations)
	require.Equal(t, uint64(1), stats.FastTranslations)
}

func TestProtocol_TranslateAndEncode(t *testing.T) {
	p := newTestProtocol(t, ProtocolConfig{})

	_, err := p.Remap().Add(RemapRecord{
		LoadAddress: 0x7f0000000000,
		OldCodeBase: 0x7f0000001000,
		NewCodeBase: 0x7f5500001000,
		CodeSize:    0x10000,
	})
	require.NoError(t, err)

	tag, err := p.TranslateCodeAddress(0x7f0000001234, MayEncode, 0)
	require.NoError(t, err)
	require.True(t, IsEncoded(tag))

	real, err := p.Decode(tag)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7f5500001234), real)

	unmapped, err := p.TranslateCodeAddress(0x7f1000000000, AlwaysEncode, 0)
	require.NoError(t, err)
	require.True(t, IsEncoded(unmapped))

	real, err = p.Decode(unmapped)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7f1000000000), real)

	notEncoded, err := p.TranslateCodeAddress(0x7f1000000000, MayEncode, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7f1000000000), notEncoded)
}

func TestProtocol_RangeQueriesAndDeltas(t *testing.T) {
	p := newTestProtocol(t, ProtocolConfig{})

	_, err := p.Remap().Add(RemapRecord{
		LoadAddress:   0x400000,
		OldCodeBase:   0x401000,
		NewCodeBase:   0x7f0000401000,
		CodeSize:      0x2000,
		OldGotPltBase: 0x404000,
		NewGotPltBase: 0x7f1000404000,
		GotPltSize:    0x80,
		OldRelRoBase:  0x405000,
		NewRelRoBase:  0x7f2000405000,
		RelRoSize:     0x400,
	})
	require.NoError(t, err)

	require.True(t, p.IsGotPlt(0x404000))
	require.False(t, p.IsGotPlt(0x404080))
	require.True(t, p.IsRodata(0x4053ff))
	require.False(t, p.IsRodata(0x401000))
	require.False(t, p.IsGotPlt(0x8000000000404000))

	require.Equal(t, int64(0x7f0000000000), p.CodeDeltaForLoadAddress(0x400000))
	require.Equal(t, int64(0), p.CodeDeltaForLoadAddress(0x500000))
	require.Equal(t, int64(0x7f0000000000), p.CodeDelta(0x402fff))
	require.Equal(t, int64(0), p.CodeDelta(0x403000))
	require.Equal(t, int64(0x7f1000000000), p.GotPltDeltaForLoadAddress(0x400000))
}

func TestProtocol_DeviceDescriptorInHeader(t *testing.T) {
	nonce := &DeviceNonce{
		r:  bytes.NewReader(make([]byte, 16)),
		fd: 9,
	}

	p := newTestProtocol(t, ProtocolConfig{Nonce: nonce})

	region := p.Slots().Region()
	require.Equal(t, uint64(9), binary.LittleEndian.Uint64(region[DeviceOffset:]))
}

func TestInitDefaultTeardown(t *testing.T) {
	_, err := Default()
	require.ErrorIs(t, err, ErrNotInitialized)

	p, err := Init(ProtocolConfig{Nonce: FixedNonce{}})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = Teardown()
	})

	_, err = Init(ProtocolConfig{Nonce: FixedNonce{}})
	require.Error(t, err)

	current, err := Default()
	require.NoError(t, err)
	require.Same(t, p, current)

	require.NoError(t, Teardown())

	_, err = Default()
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, Teardown())
}

func TestProtocolConfig_Validate(t *testing.T) {
	_, err := NewProtocol(ProtocolConfig{})
	require.Error(t, err)

	_, err = NewProtocol(ProtocolConfig{Nonce: FixedNonce{}, SlotCapacity: DefaultSlotCapacity + 1})
	require.Error(t, err)
}
