//go:build !amd64

package memory

func hasRDRAND() bool {
	return false
}

func rdrand32() (uint32, bool) {
	return 0, false
}
