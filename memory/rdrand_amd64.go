package memory

import (
	"golang.org/x/sys/cpu"
)

func hasRDRAND() bool {
	return cpu.X86.HasRDRAND
}

// rdrand32 executes rdrand once. ok is false when the CPU had no
// random value ready.
func rdrand32() (value uint32, ok bool)
