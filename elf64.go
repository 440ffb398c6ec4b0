package binread

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Raw sizes of the on-disk records. The header size excludes the 16-byte
// e_ident block, which is consumed during format detection.
const (
	elf64HeaderSize        = 48
	elf64SectionHeaderSize = 64
	elf64SymbolSize        = 24
)

// ELF64Header holds the fields read verbatim from the file header,
// value-copied.
type ELF64Header struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ELF64Section is one section-header entry. Name is a raw byte offset into
// the section-name string table; Link is an index into the section list.
type ELF64Section struct {
	Index   uint16
	Name    uint32
	Kind    uint32
	Link    int
	Offset  uint64
	Size    uint64
	Entries uint64
}

// Range returns the section's file range, checking that offset+size fits the
// host address width without wrapping. It does not check the range against
// the buffer; callers do that before slicing.
func (s *ELF64Section) Range() (start, end int, err error) {
	return sectionRange(s.Offset, s.Size)
}

func sectionRange(offset, size uint64) (start, end int, err error) {
	start, err = toInt(offset)
	if err != nil {
		return 0, 0, err
	}
	n, err := toInt(size)
	if err != nil {
		return 0, 0, err
	}
	if start > maxInt-n {
		return 0, 0, errors.WithStack(ErrMalformedInput)
	}
	return start, start + n, nil
}

// ELF64 is a decoded handle over a 64-bit ELF buffer. It borrows the input
// and is read-only after parse.
type ELF64 struct {
	data     []byte
	order    binary.ByteOrder
	header   ELF64Header
	sections []ELF64Section
}

// ParseELF64 decodes the header and section table of a 64-bit ELF image.
// The byte order comes from format detection (e_ident's data-encoding byte).
func ParseELF64(data []byte, order binary.ByteOrder) (*ELF64, error) {
	header, err := parseELF64Header(data, order)
	if err != nil {
		return nil, err
	}
	sections, err := parseELF64Sections(data, order, header)
	if err != nil {
		return nil, err
	}
	return &ELF64{data: data, order: order, header: header, sections: sections}, nil
}

func parseELF64Header(data []byte, order binary.ByteOrder) (ELF64Header, error) {
	var h ELF64Header
	if len(data) < 16 {
		return h, errors.Wrap(ErrUnexpectedEOF, "elf64 header")
	}
	s := NewStream(data[16:], order)
	if s.Remaining() < elf64HeaderSize {
		return h, errors.Wrap(ErrUnexpectedEOF, "elf64 header")
	}
	// Length checked above; these reads cannot fail.
	h.Type, _ = s.ReadUint16()
	h.Machine, _ = s.ReadUint16()
	h.Version, _ = s.ReadUint32()
	h.Entry, _ = s.ReadUint64()
	h.Phoff, _ = s.ReadUint64()
	h.Shoff, _ = s.ReadUint64()
	h.Flags, _ = s.ReadUint32()
	h.Ehsize, _ = s.ReadUint16()
	h.Phentsize, _ = s.ReadUint16()
	h.Phnum, _ = s.ReadUint16()
	h.Shentsize, _ = s.ReadUint16()
	h.Shnum, _ = s.ReadUint16()
	h.Shstrndx, _ = s.ReadUint16()
	return h, nil
}

func parseELF64Sections(data []byte, order binary.ByteOrder, header ELF64Header) ([]ELF64Section, error) {
	count := int(header.Shnum)
	offset, err := toInt(header.Shoff)
	if err != nil {
		return nil, errors.Wrap(err, "elf64 section table offset")
	}
	s, err := NewStreamAt(data, offset, order)
	if err != nil {
		return nil, errors.Wrap(err, "elf64 section table")
	}
	sections := make([]ELF64Section, 0, preallocHint(uint64(count)))
	for len(sections) < count && s.Remaining() >= elf64SectionHeaderSize {
		// Length checked by the loop condition.
		name, _ := s.ReadUint32()
		kind, _ := s.ReadUint32()
		s.Skip(8) // flags
		s.Skip(8) // addr
		offset, _ := s.ReadUint64()
		size, _ := s.ReadUint64()
		link, _ := s.ReadUint32()
		s.Skip(4) // info
		s.Skip(8) // addralign
		entrySize, _ := s.ReadUint64()

		var entries uint64
		if entrySize != 0 {
			entries = size / entrySize
		}
		sections = append(sections, ELF64Section{
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

// Header returns the decoded file header.
func (e *ELF64) Header() ELF64Header {
	return e.header
}

// Sections returns the section list in on-disk order.
func (e *ELF64) Sections() []ELF64Section {
	return e.sections
}

// Entry returns the entry-point address from the header.
func (e *ELF64) Entry() uint64 {
	return e.header.Entry
}

// Machine returns a short architecture name for the header's machine field,
// or "" if it isn't one we know.
func (e *ELF64) Machine() string {
	return elfMachineNames[e.header.Machine]
}

// SectionWithName resolves section names through the shstrndx string table
// and returns the first section matching name, or nil if there is none (or
// the name table itself can't be resolved).
func (e *ELF64) SectionWithName(name string) (*ELF64Section, error) {
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
// total size of the .text section. Individually malformed records are
// skipped; a missing .text section, missing symbol table, or bad string
// table link fails the whole call.
func (e *ELF64) Symbols() ([]Symbol, uint64, error) {
	text, err := e.SectionWithName(".text")
	if err != nil {
		return nil, 0, err
	}
	if text == nil {
		return nil, 0, errors.Wrap(ErrMalformedInput, "no .text section")
	}
	var symtab *ELF64Section
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
	symbols, err := parseELF64Symbols(s, symtab.Entries, strings, text)
	if err != nil {
		return nil, 0, err
	}
	return symbols, text.Size, nil
}

func parseELF64Symbols(s *Stream, count uint64, strings []byte, text *ELF64Section) ([]Symbol, error) {
	symbols := make([]Symbol, 0, preallocHint(count))
	for !s.AtEnd() {
		// Field order differs from 32-bit ELF: name/info/other/shndx
		// come before value/size.
		nameOffset, err := s.ReadUint32()
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
		value, err := s.ReadUint64()
		if err != nil {
			return nil, err
		}
		size, err := s.ReadUint64()
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
				Address: value,
				Size:    size,
			})
		}
	}
	return symbols, nil
}
