package binread

// Section and symbol constants shared by the 32- and 64-bit ELF decoders.
const (
	elfSectionTypeSymtab = 2 // SHT_SYMTAB
	elfSectionTypeStrtab = 3 // SHT_STRTAB

	elfSymbolTypeMask = 0xf
	elfSymbolTypeFunc = 2 // STT_FUNC
)

// Cap for pre-allocation when a header claims a huge table; parsing still
// processes the declared count as long as bytes remain.
const maxPrealloc = 1024

var elfMachineNames = map[uint16]string{
	3:   "x86",
	8:   "mips",
	20:  "ppc",
	21:  "ppc64",
	40:  "arm",
	62:  "x86_64",
	183: "arm64",
}

func preallocHint(count uint64) int {
	if count > maxPrealloc {
		return maxPrealloc
	}
	return int(count)
}
