// Package rewrite instruments compiler-generated AT&T x86-64 assembly.
//
// A Rewriter walks a document line by line. Instructions that take
// the address of a function are followed by code that stores the
// address in a segment-relative pointer table and replaces it with an
// encoded value. Indirect calls and tail jumps are replaced by code
// that decodes their target through the same table. Virtual table
// pointer stores and loads are handled the same way.
//
// When safe-stack is enabled, push and pop instructions become explicit
// moves and every remaining reference to the stack pointer is replaced
// with a frame pointer register, so the real stack pointer is only
// used by the generated code marked with asmtext.VolatileMarker.
//
// Generated lines are bracketed by asmtext.BlockBegin and
// asmtext.BlockEnd comments and replaced instructions are kept as
// asmtext.RetiredPrefix comments. Rewriting an already rewritten
// document does not change it.
package rewrite
