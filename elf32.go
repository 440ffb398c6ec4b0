package binread

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	elf32HeaderSize        = 36
	elf32SectionHeaderSize = 40
	elf32SymbolSize        = 16
)

// ELF32Header mirrors ELF64Header with 32-bit address and offset fields.
type ELF32Header struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type ELF32Section struct {
	Index   uint16
	Name    uint32
	Kind    uint32
	Link    int
	Offset  uint32
	Size    uint32
	Entries uint32
}

// Range returns the section's file range; offset+size is overflow-checked.
func (s *ELF32Section) Range() (start, end int, err error) {
	return sectionRange(uint64(s.Offset), uint64(s.Size))
}

// ELF32 is a decoded handle over a 32-bit ELF buffer.
type ELF32 struct {
	data     []byte
	order    binary.ByteOrder
	header   ELF32Header
	sections []ELF32Section
}

// ParseELF32 decodes the header and section table of a 32-bit ELF image.
func ParseELF32(data []byte, order binary.ByteOrder) (*ELF32, error) {
	header, err := parseELF32Header(data, order)
	if err != nil {
		return nil, err
	}
	sections, err := parseELF32Sections(data, order, header)
	if err != nil {
		return nil, err
	}
	return &ELF32{data: data, order: order, header: header, sections: sections}, nil
}

func parseELF32Header(data []byte, order binary.ByteOrder) (ELF32Header, error) {
	var h ELF32Header
	if len(data) < 16 {
		return h, errors.Wrap(ErrUnexpectedEOF, "elf32 header")
	}
	s := NewStream(data[16:], order)
	if s.Remaining() < elf32HeaderSize {
		return h, errors.Wrap(ErrUnexpectedEOF, "elf32 header")
	}
	// Length checked above; these reads cannot fail.
	h.Type, _ = s.ReadUint16()
	h.Machine, _ = s.ReadUint16()
	h.Version, _ = s.ReadUint32()
	h.Entry, _ = s.ReadUint32()
	h.Phoff, _ = s.ReadUint32()
	h.Shoff, _ = s.ReadUint32()
	h.Flags, _ = s.ReadUint32()
	h.Ehsize, _ = s.ReadUint16()
	h.Phentsize, _ = s.ReadUint16()
	h.Phnum, _ = s.ReadUint16()
	h.Shentsize, _ = s.ReadUint16()
	h.Shnum, _ = s.ReadUint16()
	h.Shstrndx, _ = s.ReadUint16()
	return h, nil
}

func parseELF32Sections(data []byte, order binary.ByteOrder, header ELF32Header) ([]ELF32Section, error) {
	count := int(header.Shnum)
	offset, err := toInt(uint64(header.Shoff))
	if err != nil {
		return nil, errors.Wrap(err, "elf32 section table offset")
	}
	s, err := NewStreamAt(data, offset, order)
	if err != nil {
		return nil, errors.Wrap(err, "elf32 section table")
	}
	sections := make([]ELF32Section, 0, preallocHint(uint64(count)))
	for len(sections) < count && s.Remaining() >= elf32SectionHeaderSize {
		// Length checked by the loop condition.
		name, _ := s.ReadUint32()
		kind, _ := s.ReadUint32()
		s.Skip(4) // flags
		s.Skip(4) // addr
		offset, _ := s.ReadUint32()
		size, _ := s.ReadUint32()
		link, _ := s.ReadUint32()
		s.Skip(4) // info
		s.Skip(4) // addralign
		entrySize, _ := s.ReadUint32()

		var entries uint32
		if entrySize != 0 {
			entries = size / entrySize
		}
		sections = append(sections, ELF32Section{
			Index:   uint16(len(sections)),
			Name:    name,
			Kind:    kind,
			Link:    int(link),
			Offset:  offset,
			Size:    size,
			Entries: entries,
		})
	}
	return sections, nil
}

func (e *ELF32) Header() ELF32Header {
	return e.header
}

func (e *ELF32) Sections() []ELF32Section {
	return e.sections
}

func (e *ELF32) Entry() uint64 {
	return uint64(e.header.Entry)
}

func (e *ELF32) Machine() string {
	return elfMachineNames[e.header.Machine]
}

// SectionWithName resolves section names through the shstrndx string table
// and returns the first section matching name, or nil if there is none.
func (e *ELF32) SectionWithName(name string) (*ELF32Section, error) {
	idx := int(e.header.Shstrndx)
	if idx >= len(e.sections) {
		return nil, nil
	}
	start, end, err := e.sections[idx].Range()
	if err != nil {
		return nil, err
	}
	if end > len(e.data) {
		return nil, nil
	}
	table := e.data[start:end]
	for i := range e.sections {
		sec := &e.sections[i]
		if n, ok := ParseNullString(table, int(sec.Name)); ok && n == name {
			out := *sec
			return &out, nil
		}
	}
	return nil, nil
}

// Symbols extracts function symbols from the symbol table, along with the
// total size of the .text section.
func (e *ELF32) Symbols() ([]Symbol, uint64, error) {
	text, err := e.SectionWithName(".text")
	if err != nil {
		return nil, 0, err
	}
	if text == nil {
		return nil, 0, errors.Wrap(ErrMalformedInput, "no .text section")
	}
	var symtab *ELF32Section
	for i := range e.sections {
		if e.sections[i].Kind == elfSectionTypeSymtab {
			symtab = &e.sections[i]
			break
		}
	}
	if symtab == nil {
		return nil, 0, errors.Wrap(ErrMalformedInput, "no symbol table")
	}
	if symtab.Link < 0 || symtab.Link >= len(e.sections) {
		return nil, 0, errors.Wrap(ErrMalformedInput, "symbol table link out of range")
	}
	strtab := &e.sections[symtab.Link]
	if strtab.Kind != elfSectionTypeStrtab {
		return nil, 0, errors.Wrap(ErrMalformedInput, "symbol table not linked to a string table")
	}
	strStart, strEnd, err := strtab.Range()
	if err != nil {
		return nil, 0, err
	}
	if strEnd > len(e.data) {
		return nil, 0, errors.Wrap(ErrUnexpectedEOF, "string table out of bounds")
	}
	strings := e.data[strStart:strEnd]
	symStart, symEnd, err := symtab.Range()
	if err != nil {
		return nil, 0, err
	}
	if symEnd > len(e.data) {
		return nil, 0, errors.Wrap(ErrUnexpectedEOF, "symbol table out of bounds")
	}
	s := NewStream(e.data[symStart:symEnd], e.order)
	symbols, err := parseELF32Symbols(s, symtab.Entries, strings, text)
	if err != nil {
		return nil, 0, err
	}
	return symbols, uint64(text.Size), nil
}

func parseELF32Symbols(s *Stream, count uint32, strings []byte, text *ELF32Section) ([]Symbol, error) {
	symbols := make([]Symbol, 0, preallocHint(uint64(count)))
	for !s.AtEnd() {
		// Note: the order of fields in 32- and 64-bit ELF is different.
		nameOffset, err := s.ReadUint32()
		if err != nil {
			return nil, err
		}
		value, err := s.ReadUint32()
		if err != nil {
			return nil, err
		}
		size, err := s.ReadUint32()
		if err != nil {
			return nil, err
		}
		info, err := s.ReadUint8()
		if err != nil {
			return nil, err
		}
		if err := s.Skip(1); err != nil { // other
			return nil, err
		}
		shndx, err := s.ReadUint16()
		if err != nil {
			return nil, err
		}

		if shndx != text.Index {
			continue
		}
		if size == 0 {
			continue
		}
		if nameOffset == 0 {
			continue
		}
		if info&elfSymbolTypeMask != elfSymbolTypeFunc {
			continue
		}
		if name, ok := ParseNullString(strings, int(nameOffset)); ok {
			symbols = append(symbols, Symbol{
				Name:    demangleName(name),
				Address: uint64(value),
				Size:    uint64(size),
			})
		}
	}
	return symbols, nil
}
