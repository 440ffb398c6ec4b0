package binread

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

type testELFSymbol struct {
	name  string
	info  byte
	shndx uint16
	value uint64
	size  uint64
}

// elfEncodingByte maps a byte order to the e_ident data-encoding byte.
func elfEncodingByte(order binary.ByteOrder) byte {
	if order == binary.ByteOrder(binary.BigEndian) {
		return 2
	}
	return 1
}

// makeTestELF64 builds a minimal ELF64 image in the given byte order with
// five sections (null, .text, .symtab, .strtab, .shstrtab) and the given
// symbol table. A symbol with an empty name gets string-table offset zero.
func makeTestELF64(order binary.ByteOrder, textSize uint64, syms []testELFSymbol) []byte {
	shstr := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	strtab := []byte{0}
	nameOffsets := make([]uint32, len(syms))
	for i, sym := range syms {
		if sym.name == "" {
			continue
		}
		nameOffsets[i] = uint32(len(strtab))
		strtab = append(strtab, sym.name...)
		strtab = append(strtab, 0)
	}

	const shnum = 5
	shoff := 64
	shstrOff := shoff + shnum*64
	strtabOff := shstrOff + len(shstr)
	symtabOff := strtabOff + len(strtab)
	symtabSize := len(syms) * elf64SymbolSize

	w := newWriter(order)
	w.bytes(0x7f, 'E', 'L', 'F', 2, elfEncodingByte(order))
	w.pad(10)
	w.u16(2)        // type: EXEC
	w.u16(62)       // machine: x86_64
	w.u32(1)        // version
	w.u64(0x400000) // entry
	w.u64(0)        // phoff
	w.u64(uint64(shoff))
	w.u32(0)  // flags
	w.u16(64) // ehsize
	w.u16(0)  // phentsize
	w.u16(0)  // phnum
	w.u16(64) // shentsize
	w.u16(shnum)
	w.u16(4) // shstrndx

	shdr := func(name, kind uint32, off, size uint64, link uint32, entsize uint64) {
		w.u32(name)
		w.u32(kind)
		w.u64(0) // flags
		w.u64(0) // addr
		w.u64(off)
		w.u64(size)
		w.u32(link)
		w.u32(0) // info
		w.u64(0) // addralign
		w.u64(entsize)
	}
	shdr(0, 0, 0, 0, 0, 0)
	shdr(1, 1, 0, textSize, 0, 0) // .text
	shdr(7, elfSectionTypeSymtab, uint64(symtabOff), uint64(symtabSize), 3, elf64SymbolSize)
	shdr(15, elfSectionTypeStrtab, uint64(strtabOff), uint64(len(strtab)), 0, 0)
	shdr(23, elfSectionTypeStrtab, uint64(shstrOff), uint64(len(shstr)), 0, 0)

	w.bytes(shstr...)
	w.bytes(strtab...)
	for i, sym := range syms {
		w.u32(nameOffsets[i])
		w.bytes(sym.info, 0) // info, other
		w.u16(sym.shndx)
		w.u64(sym.value)
		w.u64(sym.size)
	}
	return w.buf
}

// makeTestELF32 mirrors makeTestELF64 with 32-bit field widths and the
// 32-bit symbol record layout.
func makeTestELF32(order binary.ByteOrder, textSize uint32, syms []testELFSymbol) []byte {
	shstr := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	strtab := []byte{0}
	nameOffsets := make([]uint32, len(syms))
	for i, sym := range syms {
		if sym.name == "" {
			continue
		}
		nameOffsets[i] = uint32(len(strtab))
		strtab = append(strtab, sym.name...)
		strtab = append(strtab, 0)
	}

	const shnum = 5
	shoff := 52
	shstrOff := shoff + shnum*40
	strtabOff := shstrOff + len(shstr)
	symtabOff := strtabOff + len(strtab)
	symtabSize := len(syms) * elf32SymbolSize

	w := newWriter(order)
	w.bytes(0x7f, 'E', 'L', 'F', 1, elfEncodingByte(order))
	w.pad(10)
	w.u16(2)       // type: EXEC
	w.u16(3)       // machine: x86
	w.u32(1)       // version
	w.u32(0x8048000)
	w.u32(0) // phoff
	w.u32(uint32(shoff))
	w.u32(0)  // flags
	w.u16(52) // ehsize
	w.u16(0)  // phentsize
	w.u16(0)  // phnum
	w.u16(40) // shentsize
	w.u16(shnum)
	w.u16(4) // shstrndx

	shdr := func(name, kind, off, size, link, entsize uint32) {
		w.u32(name)
		w.u32(kind)
		w.u32(0) // flags
		w.u32(0) // addr
		w.u32(off)
		w.u32(size)
		w.u32(link)
		w.u32(0) // info
		w.u32(0) // addralign
		w.u32(entsize)
	}
	shdr(0, 0, 0, 0, 0, 0)
	shdr(1, 1, 0, textSize, 0, 0) // .text
	shdr(7, elfSectionTypeSymtab, uint32(symtabOff), uint32(symtabSize), 3, elf32SymbolSize)
	shdr(15, elfSectionTypeStrtab, uint32(strtabOff), uint32(len(strtab)), 0, 0)
	shdr(23, elfSectionTypeStrtab, uint32(shstrOff), uint32(len(shstr)), 0, 0)

	w.bytes(shstr...)
	w.bytes(strtab...)
	for i, sym := range syms {
		// Note: the order of fields in 32- and 64-bit ELF is different.
		w.u32(nameOffsets[i])
		w.u32(uint32(sym.value))
		w.u32(uint32(sym.size))
		w.bytes(sym.info, 0) // info, other
		w.u16(sym.shndx)
	}
	return w.buf
}

func TestELF64Truncated(t *testing.T) {
	full := makeTestELF64(binary.LittleEndian, 0x100, nil)
	for _, n := range []int{0, 4, 15, 40, 63} {
		if _, err := ParseELF64(full[:n], binary.LittleEndian); !errors.Is(err, ErrUnexpectedEOF) {
			t.Fatalf("ParseELF64 with %d bytes: error = %v, want ErrUnexpectedEOF", n, err)
		}
	}
}

func TestELF32Truncated(t *testing.T) {
	full := makeTestELF32(binary.LittleEndian, 0x100, nil)
	for _, n := range []int{0, 4, 15, 30, 51} {
		if _, err := ParseELF32(full[:n], binary.LittleEndian); !errors.Is(err, ErrUnexpectedEOF) {
			t.Fatalf("ParseELF32 with %d bytes: error = %v, want ErrUnexpectedEOF", n, err)
		}
	}
}

func TestELF64Sections(t *testing.T) {
	e, err := ParseELF64(makeTestELF64(binary.LittleEndian, 0x100, nil), binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	sections := e.Sections()
	if len(sections) != 5 {
		t.Fatalf("len(sections) = %d, want 5", len(sections))
	}
	for i, s := range sections {
		if int(s.Index) != i {
			t.Fatalf("section %d has index %d", i, s.Index)
		}
	}
	wantKinds := []uint32{0, 1, elfSectionTypeSymtab, elfSectionTypeStrtab, elfSectionTypeStrtab}
	for i, want := range wantKinds {
		if sections[i].Kind != want {
			t.Fatalf("section %d kind = %d, want %d", i, sections[i].Kind, want)
		}
	}
	if e.Machine() != "x86_64" {
		t.Fatalf("Machine = %q", e.Machine())
	}
	if e.Entry() != 0x400000 {
		t.Fatalf("Entry = %#x", e.Entry())
	}
}

func TestELF64SectionWithName(t *testing.T) {
	e, err := ParseELF64(makeTestELF64(binary.LittleEndian, 0x123, nil), binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	text, err := e.SectionWithName(".text")
	if err != nil {
		t.Fatal(err)
	}
	if text == nil || text.Size != 0x123 || text.Index != 1 {
		t.Fatalf("SectionWithName(.text) = %+v", text)
	}
	missing, err := e.SectionWithName(".bogus")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatalf("SectionWithName(.bogus) = %+v, want nil", missing)
	}
}

func TestELF64Symbols(t *testing.T) {
	data := makeTestELF64(binary.LittleEndian, 0x100, []testELFSymbol{
		{name: "alpha", info: 0x12, shndx: 1, value: 0x40, size: 0x10},
		{name: "zero_size", info: 0x12, shndx: 1, value: 0x50, size: 0},
		{name: "not_text", info: 0x12, shndx: 2, value: 0x60, size: 0x8},
		{name: "object", info: 0x11, shndx: 1, value: 0x70, size: 0x8},
		{name: "", info: 0x12, shndx: 1, value: 0x80, size: 0x8},
	})
	e, err := ParseELF64(data, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	syms, textSize, err := e.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	if textSize != 0x100 {
		t.Fatalf("textSize = %#x, want 0x100", textSize)
	}
	want := []Symbol{{Name: "alpha", Address: 0x40, Size: 0x10}}
	if diff := cmp.Diff(want, syms); diff != "" {
		t.Fatalf("symbols mismatch (-want +got):\n%s", diff)
	}
}

func TestELF32Symbols(t *testing.T) {
	data := makeTestELF32(binary.LittleEndian, 0x200, []testELFSymbol{
		{name: "init", info: 0x12, shndx: 1, value: 0x1000, size: 0x24},
		{name: "data_sym", info: 0x11, shndx: 1, value: 0x2000, size: 0x4},
	})
	e, err := ParseELF32(data, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	syms, textSize, err := e.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	if textSize != 0x200 {
		t.Fatalf("textSize = %#x, want 0x200", textSize)
	}
	want := []Symbol{{Name: "init", Address: 0x1000, Size: 0x24}}
	if diff := cmp.Diff(want, syms); diff != "" {
		t.Fatalf("symbols mismatch (-want +got):\n%s", diff)
	}
}

func TestELF64BigEndian(t *testing.T) {
	data := makeTestELF64(binary.BigEndian, 0x100, []testELFSymbol{
		{name: "alpha", info: 0x12, shndx: 1, value: 0x40, size: 0x10},
	})
	f := DetectFormat(data)
	if f.Kind != FormatELF64 || f.Order != binary.ByteOrder(binary.BigEndian) {
		t.Fatalf("DetectFormat = %+v", f)
	}
	e, err := ParseELF64(data, f.Order)
	if err != nil {
		t.Fatal(err)
	}
	if e.Machine() != "x86_64" || e.Entry() != 0x400000 {
		t.Fatalf("Machine = %q, Entry = %#x", e.Machine(), e.Entry())
	}
	syms, textSize, err := e.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	if textSize != 0x100 {
		t.Fatalf("textSize = %#x, want 0x100", textSize)
	}
	want := []Symbol{{Name: "alpha", Address: 0x40, Size: 0x10}}
	if diff := cmp.Diff(want, syms); diff != "" {
		t.Fatalf("symbols mismatch (-want +got):\n%s", diff)
	}
}

func TestELF64SymbolsNoText(t *testing.T) {
	data := makeTestELF64(binary.LittleEndian, 0x100, nil)
	// Corrupt the ".text" entry in the section-name table.
	shstrOff := 64 + 5*64
	data[shstrOff+1] = 'X'
	e, err := ParseELF64(data, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Symbols(); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("Symbols error = %v, want ErrMalformedInput", err)
	}
}

func TestELF64SymbolsBadLink(t *testing.T) {
	// The symtab section header's link field is at shoff + 2*64 + 40.
	linkOff := 64 + 2*64 + 40

	data := makeTestELF64(binary.LittleEndian, 0x100, []testELFSymbol{
		{name: "f", info: 0x12, shndx: 1, value: 1, size: 1},
	})
	binary.LittleEndian.PutUint32(data[linkOff:], 99)
	e, err := ParseELF64(data, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Symbols(); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("out-of-range link: error = %v, want ErrMalformedInput", err)
	}

	// Link in range but pointing at a non-strtab section.
	data = makeTestELF64(binary.LittleEndian, 0x100, []testELFSymbol{
		{name: "f", info: 0x12, shndx: 1, value: 1, size: 1},
	})
	binary.LittleEndian.PutUint32(data[linkOff:], 1)
	e, err = ParseELF64(data, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Symbols(); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("non-strtab link: error = %v, want ErrMalformedInput", err)
	}
}

func TestELF64SectionRangeOverflow(t *testing.T) {
	s := ELF64Section{Offset: math.MaxUint64, Size: 8}
	if _, _, err := s.Range(); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("Range error = %v, want ErrMalformedInput", err)
	}
	s = ELF64Section{Offset: uint64(maxInt), Size: 1}
	if _, _, err := s.Range(); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("Range error = %v, want ErrMalformedInput", err)
	}
}

func TestELF64HugeSectionCount(t *testing.T) {
	data := makeTestELF64(binary.LittleEndian, 0x100, nil)
	// shnum lives at offset 60. A huge claimed count must not OOM or fail;
	// parsing stops when the bytes run out.
	binary.LittleEndian.PutUint16(data[60:], 0xffff)
	if _, err := ParseELF64(data, binary.LittleEndian); err != nil {
		t.Fatal(err)
	}
}
