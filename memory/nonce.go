package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// NonceSource produces the mask that Encode combines with
// a slot offset.
type NonceSource interface {
	// NextMask returns a mask whose low 32 bits are zero and
	// which places the tagged value above LargestAddress.
	NextMask() (uint64, error)
}

// randomMask turns a 32-bit nonce into a mask.
func randomMask(nonce uint32) uint64 {
	return uint64(nonce)<<NonceShift | TagBit
}

var _ NonceSource = FixedNonce{}

// FixedNonce always returns FixedNonceMask. Tags produced with it are
// deterministic, which makes it suitable for tests only.
type FixedNonce struct{}

func (FixedNonce) NextMask() (uint64, error) {
	return FixedNonceMask, nil
}

var _ NonceSource = (*DeviceNonce)(nil)

// DeviceNonce reads 4-byte nonces from a random device.
type DeviceNonce struct {
	mu sync.Mutex
	r  io.Reader
	fd uint64
}

// NewDeviceNonce returns a DeviceNonce that reads nonces from r.
func NewDeviceNonce(r io.Reader) *DeviceNonce {
	return &DeviceNonce{
		r: r,
	}
}

// OpenDeviceNonce opens the random device at devicePath (normally
// "/dev/urandom"). The caller is responsible for closing the
// returned file once the DeviceNonce is no longer used.
func OpenDeviceNonce(devicePath string) (*DeviceNonce, *os.File, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open random device - %w", err)
	}

	return &DeviceNonce{
		r:  f,
		fd: uint64(f.Fd()),
	}, f, nil
}

func (o *DeviceNonce) NextMask() (uint64, error) {
	var buf [4]byte

	o.mu.Lock()
	_, err := io.ReadFull(o.r, buf[:])
	o.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to read nonce from random device - %w", err)
	}

	return randomMask(binary.LittleEndian.Uint32(buf[:])), nil
}

// descriptor returns the device's file descriptor, if it has one.
func (o *DeviceNonce) descriptor() (uint64, bool) {
	return o.fd, o.fd != 0
}

var _ NonceSource = HardwareNonce{}

// ErrNoHardwareRandom means the CPU does not implement rdrand.
var ErrNoHardwareRandom = errors.New("cpu does not support rdrand")

// rdrandRetries is the number of times rdrand is retried after it
// reports that no random value was ready.
const rdrandRetries = 10

// HardwareNonce draws nonces from the CPU's rdrand instruction.
type HardwareNonce struct{}

// NewHardwareNonce returns a HardwareNonce, or ErrNoHardwareRandom
// if the CPU lacks rdrand.
func NewHardwareNonce() (HardwareNonce, error) {
	if !hasRDRAND() {
		return HardwareNonce{}, ErrNoHardwareRandom
	}

	return HardwareNonce{}, nil
}

func (HardwareNonce) NextMask() (uint64, error) {
	if !hasRDRAND() {
		return 0, ErrNoHardwareRandom
	}

	for i := 0; i < rdrandRetries; i++ {
		nonce, ok := rdrand32()
		if ok {
			return randomMask(nonce), nil
		}
	}

	return 0, fmt.Errorf("rdrand returned no value after %d attempts", rdrandRetries)
}
