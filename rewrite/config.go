package rewrite

import (
	"fmt"
	"log"

	"gitlab.com/stephen-fox/aslrguard/asmkit"
)

// Config controls which protections a Rewriter applies.
type Config struct {
	// EncodeCodePointers enables the function pointer encode,
	// indirect branch decode and virtual pointer templates.
	EncodeCodePointers bool

	// SafeStack enables the push/pop replacement, the loader
	// prologue and the stack pointer substitution.
	SafeStack bool

	// Target describes the registers and the pointer table
	// location used by generated code.
	Target asmkit.Target

	// Verbose, if non-nil, receives diagnostic messages.
	Verbose *log.Logger
}

func (o Config) validate() error {
	err := o.Target.Validate()
	if err != nil {
		return fmt.Errorf("invalid target - %w", err)
	}

	if o.SafeStack && o.Target.StagingRegister == o.Target.FramePointer {
		return fmt.Errorf("staging register cannot be the frame pointer when safe-stack is enabled")
	}

	return nil
}
