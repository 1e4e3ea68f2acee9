package rewrite

import (
	"errors"
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/aslrguard/asmtext"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnexpectedShape means an instruction selected for rewriting
	// has operands that no template can handle.
	ErrUnexpectedShape = errors.New("unexpected instruction shape")
)

// Stats counts the templates applied to a document.
type Stats struct {
	FunctionPointerEncodes int
	IndirectBranchDecodes  int
	VptrEncodes            int
	VptrDecodes            int
	VptrMarkersRemoved     int
	SafeStackPushes        int
	SafeStackPops          int
	StackPointerRefs       int
}

// New returns a Rewriter for config.
func New(config Config) (*Rewriter, error) {
	err := config.validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate rewrite config - %w", err)
	}

	return &Rewriter{
		config: config,
	}, nil
}

// Rewriter rewrites AT&T x86-64 assembly documents so that code
// pointers are stored encoded and the real stack pointer is hidden.
//
// A Rewriter is safe for concurrent use.
type Rewriter struct {
	config Config
}

// RewriteFile rewrites the assembly file at filePath in place. If
// mirrorPath is not empty, the rewritten document is also written there.
func (o *Rewriter) RewriteFile(filePath string, mirrorPath string) error {
	doc, err := asmtext.ParseFile(filePath)
	if err != nil {
		return err
	}

	rewritten, _, err := o.Rewrite(doc)
	if err != nil {
		return err
	}

	var writers errgroup.Group

	writers.Go(func() error {
		return rewritten.WriteFile(filePath)
	})

	if mirrorPath != "" {
		writers.Go(func() error {
			return rewritten.WriteFile(mirrorPath)
		})
	}

	return writers.Wait()
}

// Rewrite returns a rewritten copy of doc. doc is not modified.
//
// Lines that were produced by a previous rewrite are copied as they
// are, so rewriting a document twice produces the same output as
// rewriting it once.
func (o *Rewriter) Rewrite(doc *asmtext.Document) (*asmtext.Document, Stats, error) {
	symbols, err := NewSymbolTable(doc)
	if err != nil {
		return nil, Stats{}, err
	}

	p := &pass{
		config:  o.config,
		doc:     doc,
		symbols: symbols,
	}

	p.out.lines = make([]asmtext.Line, 0, len(doc.Lines))

	for i, line := range doc.Lines {
		err = p.dispatch(i, line)
		if err != nil {
			return nil, Stats{}, doc.ErrorAt(line, err)
		}
	}

	if o.config.SafeStack {
		p.stats.StackPointerRefs = substituteStackPointer(p.out.lines, o.config.Target)
	}

	if o.config.Verbose != nil {
		o.config.Verbose.Printf("%s: %+v", doc.Name, p.stats)
	}

	return &asmtext.Document{
		Name:  doc.Name,
		Lines: p.out.lines,
	}, p.stats, nil
}

// pass holds the state of one Rewrite call.
type pass struct {
	config  Config
	doc     *asmtext.Document
	symbols *SymbolTable
	out     emitter
	stats   Stats
}

// dispatch emits line, or its replacement, to the output.
func (o *pass) dispatch(i int, line asmtext.Line) error {
	if o.config.SafeStack && isLoaderEntry(line) {
		o.out.keep(line)

		if !o.hasLoaderPrologue(i) {
			o.out.volatile(fmt.Sprintf("leaq -0x%x(%%rsp), %s",
				safeStackSize, o.config.Target.Reg(o.config.Target.FramePointer, 8)))
		}

		return nil
	}

	if !line.Rewritable() {
		o.out.keep(line)
		return nil
	}

	if o.config.EncodeCodePointers {
		done, err := o.dispatchCodePointer(i, line)
		if err != nil || done {
			return err
		}
	}

	if o.config.SafeStack {
		switch {
		case asmtext.HasBase(line.Opcode, "push"):
			return o.replacePush(line)
		case asmtext.HasBase(line.Opcode, "pop"):
			return o.replacePop(line)
		}
	}

	o.out.keep(line)

	return nil
}

// dispatchCodePointer applies the code pointer templates. done is true
// if line was handled.
func (o *pass) dispatchCodePointer(i int, line asmtext.Line) (done bool, err error) {
	if IsAddressTaking(line.Text, o.symbols) {
		o.out.keep(line)

		if o.instrumented(i) {
			return true, nil
		}

		err = o.encodeFunctionPointer(line.Text)
		if err != nil {
			return true, err
		}

		o.stats.FunctionPointerEncodes++

		return true, nil
	}

	if isBranch(line) {
		operand, err := line.Operand(1)
		if err != nil {
			return true, err
		}

		target := strings.TrimPrefix(operand, "*")

		switch {
		case strings.HasPrefix(target, "%fs:"), strings.HasPrefix(target, "%gs:"):
			return false, nil
		case strings.HasPrefix(operand, "*"):
			err = o.decodeIndirectBranch(line, operand)
			if err != nil {
				return true, err
			}

			o.stats.IndirectBranchDecodes++

			return true, nil
		case strings.Contains(operand, vptrDefMarker), strings.Contains(operand, vptrUseMarker):
			o.out.retire(line)
			o.stats.VptrMarkersRemoved++

			return true, nil
		}

		return false, nil
	}

	switch classifyVptrAccess(line) {
	case vptrStore:
		err = o.encodeVptr(line)
		if err != nil {
			return true, err
		}

		o.stats.VptrEncodes++

		return true, nil
	case vptrLoad:
		if o.instrumented(i) {
			o.out.keep(line)
			return true, nil
		}

		err = o.decodeVptr(line)
		if err != nil {
			return true, err
		}

		o.stats.VptrDecodes++

		return true, nil
	}

	return false, nil
}

// isBranch returns true for calls and for jumps that the compiler
// marked as tail calls.
func isBranch(line asmtext.Line) bool {
	if strings.HasPrefix(line.Opcode, "call") {
		return true
	}

	return strings.HasPrefix(line.Opcode, "jmp") &&
		strings.HasSuffix(strings.TrimSpace(line.Text), "_tail_")
}

// instrumented returns true if the source line at index i is already
// followed by a generated block, which means a previous rewrite
// instrumented it.
func (o *pass) instrumented(i int) bool {
	if i+1 >= len(o.doc.Lines) {
		return false
	}

	next := o.doc.Lines[i+1]

	return next.Generated && strings.HasPrefix(strings.TrimSpace(next.Text), asmtext.BlockBegin+asmtext.BlockRule)
}

// hasLoaderPrologue returns true if the loader entry label at index i
// is already followed by the safe-stack prologue.
func (o *pass) hasLoaderPrologue(i int) bool {
	if i+1 >= len(o.doc.Lines) {
		return false
	}

	next := o.doc.Lines[i+1]

	return next.Volatile && strings.Contains(next.Text, fmt.Sprintf("-0x%x(%%rsp)", safeStackSize))
}
