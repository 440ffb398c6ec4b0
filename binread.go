// Package binread decodes compiled-binary container formats (ELF, Mach-O,
// PE/COFF) from in-memory buffers, recovering section layout and a
// best-effort table of function symbols for size-profiling tools.
//
// Input is untrusted: every read is bounds-checked and offset arithmetic is
// overflow-checked, so malformed or truncated files produce typed errors
// instead of panics. Decoders borrow the input buffer; returned names and
// byte ranges reference it directly.
package binread

import (
	"github.com/ianlancetaylor/demangle"
)

// Symbol is one function symbol recovered from a binary.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
}

// demangleName converts a raw symbol name to its display form. Unrecognized
// manglings pass through unchanged.
func demangleName(name string) string {
	return demangle.Filter(name)
}

// addressed is implemented by the per-format raw symbol records so size
// inference can be shared between the formats that don't store symbol sizes.
type addressed interface {
	addr() uint64
}

// nextDistinctAddress returns the first address after index i whose value
// differs from the address at i. Entries sharing an address don't terminate
// the scan; the size of a symbol is always measured against the next
// distinct address.
func nextDistinctAddress[S addressed](syms []S, i int) (uint64, bool) {
	cur := syms[i].addr()
	for j := i + 1; j < len(syms); j++ {
		if a := syms[j].addr(); a != cur {
			return a, true
		}
	}
	return 0, false
}
