// Package config holds the compile-time settings of the rewrite stage.
//
// The variables are strings so they can be set when building
// a command, for example:
//
//	go build -ldflags "-X gitlab.com/stephen-fox/aslrguard/config.NonceSource=fixed" ./cmd/agas
package config

import (
	"fmt"
	"log"
	"strconv"

	"gitlab.com/stephen-fox/aslrguard/asmkit"
	"gitlab.com/stephen-fox/aslrguard/rewrite"
)

var (
	// EncodeCodePointers enables the code pointer templates.
	EncodeCodePointers = "true"

	// SafeStack enables the safe-stack templates.
	SafeStack = "true"

	// NonceSource is one of "fixed", "devrand" or "rdrand".
	NonceSource = "rdrand"

	// FramePointer is the register that replaces the stack pointer
	// in rewritten code.
	FramePointer = "r15"
)

// Build validates the compile-time settings and returns the
// resulting rewrite.Config. verbose may be nil.
func Build(verbose *log.Logger) (rewrite.Config, error) {
	encode, err := strconv.ParseBool(EncodeCodePointers)
	if err != nil {
		return rewrite.Config{}, fmt.Errorf("failed to parse EncodeCodePointers setting %q - %w",
			EncodeCodePointers, err)
	}

	safeStack, err := strconv.ParseBool(SafeStack)
	if err != nil {
		return rewrite.Config{}, fmt.Errorf("failed to parse SafeStack setting %q - %w",
			SafeStack, err)
	}

	target := asmkit.AMD64(asmkit.NonceSource(NonceSource))
	target.FramePointer = FramePointer

	err = target.Validate()
	if err != nil {
		return rewrite.Config{}, fmt.Errorf("failed to validate target settings - %w", err)
	}

	return rewrite.Config{
		EncodeCodePointers: encode,
		SafeStack:          safeStack,
		Target:             target,
		Verbose:            verbose,
	}, nil
}
