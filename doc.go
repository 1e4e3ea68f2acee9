// Package aslrguard hides code locations from memory disclosure.
//
// Code pointers held in data memory are replaced by encoded values
// that index a segment-relative pointer table, and modules are
// remapped to randomized bases. The rewrite package instruments
// compiler-generated assembly to use the table, the memory package
// implements the table and the remap bookkeeping at runtime, and the
// loader package hooks the parts of dynamic loading that see code
// addresses.
//
// APIs are separated into subpackages, and documented accordingly.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package aslrguard
