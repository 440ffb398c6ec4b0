package binread

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// FormatKind identifies which decoder applies to a buffer.
type FormatKind int

const (
	FormatUnknown FormatKind = iota
	FormatELF32
	FormatELF64
	FormatMachO
	FormatPE
)

func (k FormatKind) String() string {
	switch k {
	case FormatELF32:
		return "elf32"
	case FormatELF64:
		return "elf64"
	case FormatMachO:
		return "macho"
	case FormatPE:
		return "pe"
	default:
		return "unknown"
	}
}

// Format is the result of magic-byte detection. Order is only meaningful for
// ELF, which may be either endianness; Mach-O and PE are decoded
// little-endian.
type Format struct {
	Kind  FormatKind
	Order binary.ByteOrder
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

var machoMagics = [][]byte{
	{0xfe, 0xed, 0xfa, 0xce},
	{0xfe, 0xed, 0xfa, 0xcf},
	{0xce, 0xfa, 0xed, 0xfe},
	{0xcf, 0xfa, 0xed, 0xfe},
}

var peMagic = []byte{'M', 'Z'}

func MatchELF(data []byte) bool {
	return bytes.HasPrefix(data, elfMagic)
}

func MatchMachO(data []byte) bool {
	for _, magic := range machoMagics {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}

func MatchPE(data []byte) bool {
	return bytes.HasPrefix(data, peMagic)
}

// DetectFormat classifies a buffer by its leading magic bytes. It never reads
// past the available bytes; anything too short or unrecognized comes back as
// FormatUnknown.
func DetectFormat(data []byte) Format {
	if MatchELF(data) {
		if len(data) < 6 {
			return Format{Kind: FormatUnknown}
		}
		var order binary.ByteOrder
		switch data[5] {
		case 1:
			order = binary.LittleEndian
		case 2:
			order = binary.BigEndian
		default:
			return Format{Kind: FormatUnknown}
		}
		switch data[4] {
		case 1:
			return Format{Kind: FormatELF32, Order: order}
		case 2:
			return Format{Kind: FormatELF64, Order: order}
		}
		return Format{Kind: FormatUnknown}
	}
	if MatchMachO(data) {
		return Format{Kind: FormatMachO}
	}
	if MatchPE(data) {
		return Format{Kind: FormatPE}
	}
	return Format{Kind: FormatUnknown}
}

// Sniff routes a buffer to the decoder matching its magic and returns the
// extracted function symbols plus the total .text size.
func Sniff(data []byte) ([]Symbol, uint64, error) {
	switch f := DetectFormat(data); f.Kind {
	case FormatELF32:
		e, err := ParseELF32(data, f.Order)
		if err != nil {
			return nil, 0, err
		}
		return e.Symbols()
	case FormatELF64:
		e, err := ParseELF64(data, f.Order)
		if err != nil {
			return nil, 0, err
		}
		return e.Symbols()
	case FormatMachO:
		m, err := ParseMachO(data)
		if err != nil {
			return nil, 0, err
		}
		return m.Symbols()
	case FormatPE:
		p, err := ParsePE(data)
		if err != nil {
			return nil, 0, err
		}
		return p.Symbols()
	default:
		return nil, 0, errors.WithStack(UnknownMagic)
	}
}
