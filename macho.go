package binread

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

const (
	machoLoadCmdSymtab    = 0x2
	machoLoadCmdSegment64 = 0x19

	machoHeaderSize = 32 // magic through reserved
	machoNlistSize  = 16

	machoSymTypeMask     = 0x0e // N_TYPE bits relevant here
	machoSymTypeIndirect = 0x0a
	machoSymTypeSection  = 0x0e
)

// machoCmd records where a load command's body starts in the buffer.
type machoCmd struct {
	kind   uint32
	offset int
}

// MachOHeader holds the fields read verbatim from the Mach-O header.
type MachOHeader struct {
	CPUType    uint32
	CPUSubtype uint32
	FileType   uint32
	Ncmds      uint32
	Sizeofcmds uint32
	Flags      uint32
}

// MachOSection is one section record from an LC_SEGMENT_64 load command.
// Names are resolved at parse time; sections whose names aren't valid
// null-terminated UTF-8 are dropped.
type MachOSection struct {
	SegmentName string
	SectionName string
	Address     uint64
	Offset      uint32
	Size        uint64
}

// Range returns the section's file range; offset+size is overflow-checked.
func (s *MachOSection) Range() (start, end int, err error) {
	return sectionRange(uint64(s.Offset), s.Size)
}

// MachO is a decoded handle over a 64-bit little-endian Mach-O buffer.
type MachO struct {
	data     []byte
	header   MachOHeader
	commands []machoCmd
	sections []MachOSection
}

// ParseMachO decodes the header, load commands, and LC_SEGMENT_64 sections
// of a Mach-O image. A load command whose declared size is smaller than its
// own 8-byte header fails the whole parse with ErrMalformedInput; running
// out of bytes mid-walk fails with ErrUnexpectedEOF.
func ParseMachO(data []byte) (*MachO, error) {
	s := NewStream(data, binary.LittleEndian)
	header, err := parseMachOHeader(s)
	if err != nil {
		return nil, errors.Wrap(err, "macho header")
	}

	commands := make([]machoCmd, 0, preallocHint(uint64(header.Ncmds)))
	for i := uint32(0); i < header.Ncmds; i++ {
		kind, err := s.ReadUint32()
		if err != nil {
			return nil, errors.Wrap(err, "macho load command")
		}
		cmdSize, err := s.ReadUint32()
		if err != nil {
			return nil, errors.Wrap(err, "macho load command")
		}
		commands = append(commands, machoCmd{kind: kind, offset: s.Offset()})
		// cmdSize covers the whole command including its 8-byte header.
		if cmdSize < 8 {
			return nil, errors.Wrap(ErrMalformedInput, "macho load command size underflow")
		}
		if err := s.Skip(int(cmdSize - 8)); err != nil {
			return nil, errors.Wrap(err, "macho load command body")
		}
	}

	var sections []MachOSection
	for _, cmd := range commands {
		if cmd.kind != machoLoadCmdSegment64 {
			continue
		}
		cs, err := NewStreamAt(data, cmd.offset, binary.LittleEndian)
		if err != nil {
			return nil, errors.Wrap(err, "macho segment command")
		}
		if err := cs.Skip(16); err != nil { // segname
			return nil, err
		}
		if err := cs.Skip(32); err != nil { // vmaddr, vmsize, fileoff, filesize
			return nil, err
		}
		if err := cs.Skip(8); err != nil { // maxprot, initprot
			return nil, err
		}
		sectionCount, err := cs.ReadUint32()
		if err != nil {
			return nil, err
		}
		if err := cs.Skip(4); err != nil { // flags
			return nil, err
		}
		for j := uint32(0); j < sectionCount; j++ {
			rawSectName, err := cs.ReadBytes(16)
			if err != nil {
				return nil, err
			}
			rawSegName, err := cs.ReadBytes(16)
			if err != nil {
				return nil, err
			}
			address, err := cs.ReadUint64()
			if err != nil {
				return nil, err
			}
			size, err := cs.ReadUint64()
			if err != nil {
				return nil, err
			}
			offset, err := cs.ReadUint32()
			if err != nil {
				return nil, err
			}
			if err := cs.Skip(16); err != nil { // align, reloff, nreloc, flags
				return nil, err
			}
			if err := cs.Skip(12); err != nil { // padding
				return nil, err
			}
			sectName, ok1 := ParseNullString(rawSectName, 0)
			segName, ok2 := ParseNullString(rawSegName, 0)
			if ok1 && ok2 {
				sections = append(sections, MachOSection{
					SegmentName: segName,
					SectionName: sectName,
					Address:     address,
					Offset:      offset,
					Size:        size,
				})
			}
		}
	}

	return &MachO{
		data:     data,
		header:   header,
		commands: commands,
		sections: sections,
	}, nil
}

func parseMachOHeader(s *Stream) (MachOHeader, error) {
	var h MachOHeader
	if s.Remaining() < machoHeaderSize {
		return h, ErrUnexpectedEOF
	}
	// Length checked above; these reads cannot fail.
	s.Skip(4) // magic
	h.CPUType, _ = s.ReadUint32()
	h.CPUSubtype, _ = s.ReadUint32()
	h.FileType, _ = s.ReadUint32()
	h.Ncmds, _ = s.ReadUint32()
	h.Sizeofcmds, _ = s.ReadUint32()
	h.Flags, _ = s.ReadUint32()
	s.Skip(4) // reserved
	return h, nil
}

// Header returns the decoded file header.
func (m *MachO) Header() MachOHeader {
	return m.header
}

// Sections returns the sections in discovery order across all
// LC_SEGMENT_64 commands.
func (m *MachO) Sections() []MachOSection {
	return m.sections
}

// SectionWithName returns the section matching both the segment and section
// name exactly, or nil.
func (m *MachO) SectionWithName(segment, section string) *MachOSection {
	for i := range m.sections {
		s := &m.sections[i]
		if s.SegmentName == segment && s.SectionName == section {
			out := *s
			return &out
		}
	}
	return nil
}

// machoRawSymbol is a transient nlist record used only for size inference.
type machoRawSymbol struct {
	stringIndex uint32
	kind        byte
	section     byte
	address     uint64
}

func (r machoRawSymbol) addr() uint64 {
	return r.address
}

// Symbols extracts function symbols from the LC_SYMTAB command, inferring
// sizes by address-sorting, plus the total size of __TEXT,__text. The first
// parsed section must be __TEXT,__text with a non-zero size; a file that
// violates that is reported as malformed, not assumed away.
func (m *MachO) Symbols() ([]Symbol, uint64, error) {
	if len(m.sections) == 0 ||
		m.sections[0].SegmentName != "__TEXT" ||
		m.sections[0].SectionName != "__text" {
		return nil, 0, errors.Wrap(ErrMalformedInput, "first section is not __TEXT,__text")
	}
	text := m.sections[0]
	if text.Size == 0 {
		return nil, 0, errors.Wrap(ErrMalformedInput, "__text section is empty")
	}
	if text.Address > ^uint64(0)-text.Size {
		return nil, 0, errors.Wrap(ErrMalformedInput, "__text section end overflows")
	}

	var symtab *machoCmd
	for i := range m.commands {
		if m.commands[i].kind == machoLoadCmdSymtab {
			symtab = &m.commands[i]
			break
		}
	}
	if symtab == nil {
		return nil, 0, nil
	}

	s, err := NewStreamAt(m.data, symtab.offset, binary.LittleEndian)
	if err != nil {
		return nil, 0, errors.Wrap(err, "macho symtab command")
	}
	symbolsOffset, err := s.ReadUint32()
	if err != nil {
		return nil, 0, err
	}
	symbolCount, err := s.ReadUint32()
	if err != nil {
		return nil, 0, err
	}
	stringsOffset, err := s.ReadUint32()
	if err != nil {
		return nil, 0, err
	}
	stringsSize, err := s.ReadUint32()
	if err != nil {
		return nil, 0, err
	}

	strStart, strEnd, err := sectionRange(uint64(stringsOffset), uint64(stringsSize))
	if err != nil {
		return nil, 0, err
	}
	if strEnd > len(m.data) {
		return nil, 0, errors.Wrap(ErrUnexpectedEOF, "macho string table out of bounds")
	}
	strings := m.data[strStart:strEnd]

	symStart, err := toInt(uint64(symbolsOffset))
	if err != nil {
		return nil, 0, err
	}
	if symStart > len(m.data) {
		return nil, 0, errors.Wrap(ErrUnexpectedEOF, "macho symbol table out of bounds")
	}
	symbols, err := parseMachOSymbols(m.data[symStart:], symbolCount, strings, text)
	if err != nil {
		return nil, 0, err
	}
	return symbols, text.Size, nil
}

func parseMachOSymbols(data []byte, count uint32, strings []byte, text MachOSection) ([]Symbol, error) {
	raw := make([]machoRawSymbol, 0, preallocHint(uint64(count)))
	s := NewStream(data, binary.LittleEndian)
	for i := uint32(0); i < count; i++ {
		stringIndex, err := s.ReadUint32()
		if err != nil {
			return nil, err
		}
		kind, err := s.ReadUint8()
		if err != nil {
			return nil, err
		}
		section, err := s.ReadUint8()
		if err != nil {
			return nil, err
		}
		if err := s.Skip(2); err != nil { // description
			return nil, err
		}
		value, err := s.ReadUint64()
		if err != nil {
			return nil, err
		}
		if value == 0 {
			continue
		}
		raw = append(raw, machoRawSymbol{
			stringIndex: stringIndex,
			kind:        kind,
			section:     section,
			address:     value,
		})
	}

	// Sizes are inferred by diffing adjacent addresses, so sort first. The
	// sentinel at the __text end supplies the boundary for the last symbol.
	sort.SliceStable(raw, func(i, j int) bool {
		return raw[i].address < raw[j].address
	})
	raw = append(raw, machoRawSymbol{address: text.Address + text.Size})

	symbols := make([]Symbol, 0, len(raw)-1)
	for i := 0; i < len(raw)-1; i++ {
		sym := raw[i]
		if sym.stringIndex == 0 {
			continue
		}
		subType := sym.kind & machoSymTypeMask
		if subType&machoSymTypeIndirect == 0 {
			continue
		}
		if subType&machoSymTypeSection == 0 {
			continue
		}
		// Only the first section, conventionally __TEXT,__text.
		if sym.section != 1 {
			continue
		}
		// Kept entries sharing an address are coalesced; the first one wins.
		// Filtered entries at the same address must not shadow a kept one, so
		// this check runs after the filters.
		if n := len(symbols); n > 0 && symbols[n-1].Address == sym.address {
			continue
		}
		next, ok := nextDistinctAddress(raw, i)
		if !ok || next < sym.address {
			// No later boundary (or only the sentinel, below us because the
			// symbol sits past the __text end); the size is unknowable.
			continue
		}
		if name, ok := ParseNullString(strings, int(sym.stringIndex)); ok {
			symbols = append(symbols, Symbol{
				Name:    demangleName(name),
				Address: sym.address,
				Size:    next - sym.address,
			})
		}
	}
	return symbols, nil
}
