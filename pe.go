package binread

import (
	"bytes"
	"encoding/binary"
	"sort"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// See https://github.com/m4b/goblin/blob/master/src/pe/symbol.rs for the
// COFF symbol layout.
const (
	pePointerOffset     = 0x3c
	peMagicSize         = 4 // "PE\0\0"
	peCOFFHeaderSize    = 20
	peSectionRecordSize = 40
	peCOFFSymbolSize    = 18
	peSymClassExternal  = 2
	peSymDtypeShift     = 4
	peSymDtypeFunction  = 2
)

// PEHeader holds the COFF file header fields, value-copied.
type PEHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// PESection is one 40-byte section-table record, reduced to the fields the
// symbol walk needs. Index is 0-based; COFF symbol records refer to sections
// 1-based.
type PESection struct {
	Name        string
	Index       int
	RawDataSize uint32
}

// PE is a decoded handle over a PE/COFF buffer.
type PE struct {
	data     []byte
	header   PEHeader
	sections []PESection
}

// ParsePE follows the DOS-stub pointer at 0x3c to the PE header and walks
// the section table. Unlike the other decoders the COFF symbol table lives
// outside any section, so symbol extraction happens in Symbols.
func ParsePE(data []byte) (*PE, error) {
	s, err := NewStreamAt(data, pePointerOffset, binary.LittleEndian)
	if err != nil {
		return nil, errors.Wrap(err, "pe pointer")
	}
	pePointer32, err := s.ReadUint32()
	if err != nil {
		return nil, errors.Wrap(err, "pe pointer")
	}
	pePointer, err := toInt(uint64(pePointer32))
	if err != nil {
		return nil, err
	}

	hs, err := NewStreamAt(data, pePointer, binary.LittleEndian)
	if err != nil {
		return nil, errors.Wrap(err, "pe header")
	}
	header, err := parsePEHeader(hs)
	if err != nil {
		return nil, errors.Wrap(err, "pe header")
	}

	sectionsOffset := pePointer + peMagicSize + peCOFFHeaderSize + int(header.SizeOfOptionalHeader)
	sections := make([]PESection, 0, preallocHint(uint64(header.NumberOfSections)))
	if header.NumberOfSections > 0 {
		ss, err := NewStreamAt(data, sectionsOffset, binary.LittleEndian)
		if err != nil {
			return nil, errors.Wrap(err, "pe section table")
		}
		for i := 0; i < int(header.NumberOfSections); i++ {
			rawName, err := ss.ReadBytes(8)
			if err != nil {
				return nil, err
			}
			if err := ss.Skip(8); err != nil { // virtual size, virtual address
				return nil, err
			}
			sizeOfRawData, err := ss.ReadUint32()
			if err != nil {
				return nil, err
			}
			if err := ss.Skip(20); err != nil { // pointers, counts, characteristics
				return nil, err
			}
			sections = append(sections, PESection{
				Name:        trimSectionName(rawName),
				Index:       i,
				RawDataSize: sizeOfRawData,
			})
		}
	}

	return &PE{data: data, header: header, sections: sections}, nil
}

func parsePEHeader(s *Stream) (PEHeader, error) {
	var h PEHeader
	if s.Remaining() < peMagicSize+peCOFFHeaderSize {
		return h, ErrUnexpectedEOF
	}
	// Length checked above; these reads cannot fail.
	s.Skip(peMagicSize) // "PE\0\0"
	h.Machine, _ = s.ReadUint16()
	h.NumberOfSections, _ = s.ReadUint16()
	h.TimeDateStamp, _ = s.ReadUint32()
	h.PointerToSymbolTable, _ = s.ReadUint32()
	h.NumberOfSymbols, _ = s.ReadUint32()
	h.SizeOfOptionalHeader, _ = s.ReadUint16()
	h.Characteristics, _ = s.ReadUint16()
	return h, nil
}

// trimSectionName cuts an 8-byte section name at its first NUL.
func trimSectionName(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

// Header returns the decoded COFF file header.
func (p *PE) Header() PEHeader {
	return p.header
}

// Sections returns the section table in on-disk order.
func (p *PE) Sections() []PESection {
	return p.sections
}

// SectionWithName returns the first section literally named name, or nil.
func (p *PE) SectionWithName(name string) *PESection {
	for i := range p.sections {
		if p.sections[i].Name == name {
			out := p.sections[i]
			return &out
		}
	}
	return nil
}

// peRawSymbol is transient; it exists only for the sort-and-diff pass.
// seed marks the synthetic entry carrying the .text end boundary.
type peRawSymbol struct {
	name    string
	address uint64
	seed    bool
}

func (r peRawSymbol) addr() uint64 {
	return r.address
}

// Symbols extracts external function symbols from the COFF symbol table,
// inferring sizes by address-sorting, plus the raw size of .text.
func (p *PE) Symbols() ([]Symbol, uint64, error) {
	text := p.SectionWithName(".text")
	if text == nil {
		return nil, 0, errors.Wrap(ErrMalformedInput, "no .text section")
	}

	count := int(p.header.NumberOfSymbols)
	total := count * peCOFFSymbolSize
	if count != 0 && total/count != peCOFFSymbolSize {
		return nil, 0, errors.Wrap(ErrMalformedInput, "pe symbol count overflows")
	}
	symStart, err := toInt(uint64(p.header.PointerToSymbolTable))
	if err != nil {
		return nil, 0, err
	}
	s, err := NewStreamAt(p.data, symStart, binary.LittleEndian)
	if err != nil {
		return nil, 0, errors.Wrap(err, "pe symbol table")
	}
	symbolsData, err := s.ReadBytes(total)
	if err != nil {
		return nil, 0, errors.Wrap(err, "pe symbol table")
	}
	// The string table sits immediately after the symbol table.
	stringTableOffset := s.Offset()

	raw := make([]peRawSymbol, 0, preallocHint(uint64(count))+1)
	// Seed the boundary for the last real symbol with the .text size.
	raw = append(raw, peRawSymbol{
		name:    ".text",
		address: uint64(text.RawDataSize),
		seed:    true,
	})

	ss := NewStream(symbolsData, binary.LittleEndian)
	for !ss.AtEnd() {
		rawName, err := ss.ReadBytes(8)
		if err != nil {
			return nil, 0, err
		}
		value, err := ss.ReadUint32()
		if err != nil {
			return nil, 0, err
		}
		sectionNumber, err := ss.ReadInt16()
		if err != nil {
			return nil, 0, err
		}
		kind, err := ss.ReadUint16()
		if err != nil {
			return nil, 0, err
		}
		storageClass, err := ss.ReadUint8()
		if err != nil {
			return nil, 0, err
		}
		auxCount, err := ss.ReadUint8()
		if err != nil {
			return nil, 0, err
		}
		if err := ss.Skip(int(auxCount) * peCOFFSymbolSize); err != nil {
			return nil, 0, err
		}

		if kind>>peSymDtypeShift != peSymDtypeFunction {
			continue
		}
		if storageClass != peSymClassExternal {
			continue
		}
		// COFF section numbers start from 1.
		if int(sectionNumber)-1 != text.Index {
			continue
		}

		name, ok := resolvePESymbolName(rawName, p.data, stringTableOffset)
		if !ok {
			continue
		}
		raw = append(raw, peRawSymbol{name: name, address: uint64(value)})
	}

	sort.SliceStable(raw, func(i, j int) bool {
		return raw[i].address < raw[j].address
	})

	symbols := make([]Symbol, 0, len(raw)-1)
	for i := range raw {
		if raw[i].seed {
			continue
		}
		// Entries sharing an address are coalesced; the first one wins.
		if i > 0 && raw[i-1].address == raw[i].address {
			continue
		}
		var size uint64
		if next, ok := nextDistinctAddress(raw, i); ok {
			size = next - raw[i].address
		}
		symbols = append(symbols, Symbol{
			Name:    demangleName(raw[i].name),
			Address: raw[i].address,
			Size:    size,
		})
	}
	return symbols, uint64(text.RawDataSize), nil
}

// resolvePESymbolName decodes the 8-byte COFF name field: inline ASCII, or,
// when the leading 4 bytes are zero, an offset into the trailing string
// table.
func resolvePESymbolName(rawName, data []byte, stringTableOffset int) (string, bool) {
	if !bytes.HasPrefix(rawName, []byte{0, 0, 0, 0}) {
		name := rawName
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		if len(name) == 0 || !utf8.Valid(name) {
			return "", false
		}
		return string(name), true
	}
	nameOffset := binary.LittleEndian.Uint32(rawName[4:8])
	start, err := toInt(uint64(stringTableOffset) + uint64(nameOffset))
	if err != nil {
		return "", false
	}
	return ParseNullString(data, start)
}
