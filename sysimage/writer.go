// Multi-ELF system image assembler
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sysimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// The Go standard library can read ELF (debug/elf) but has no writer.
// This package hand-rolls one: a fixed, ELF32-only layout sufficient
// for the statically-linked, non-relocatable images this assembler
// targets. Relocating position-independent code is out of scope.

const (
	elf32Ehsize = 52
	elf32Phsize = 32
	elf32Shsize = 40
	elf32Symsize = 16
)

// write serializes the merged image to w. Section layout is
// sequential in arena order, each section's file offset advanced to
// satisfy its own addralign; synthesized .strtab, .symtab and
// .shstrtab are appended last. Output segments carry the addresses
// preserved from their source ELF; this writer never derives sh_addr
// or p_vaddr from file layout, so no ELF loader alignment constraint
// between sh_offset and sh_addr is enforced. The boot sequence that
// consumes this image reads p_paddr/p_vaddr directly, not a generic
// loader's offset arithmetic.
func (si *systemImage) write(w io.Writer) error {
	if si.class != elf.ELFCLASS32 {
		return &UnsupportedDataError{Type: si.class.String(), Section: "<file class>"}
	}

	var (
		shstrtab   = newStringTable()
		strtab     = newStringTable()
		fileLayout []outSection
		offset     = uint32(elf32Ehsize + elf32Phsize*len(si.segments))
	)

	for _, sec := range si.sections {
		if sec.skipped {
			continue
		}

		out := outSection{sec: sec, nameOff: shstrtab.add(sec.name)}

		switch d := sec.data.(type) {
		case uninitData:
			out.fileOffset = offset
			out.bytes = nil
		case rawData:
			if sec.addrAlign > 1 {
				offset = alignUp32(offset, uint32(sec.addrAlign))
			}
			out.fileOffset = offset
			out.bytes = d.bytes
			offset += uint32(len(d.bytes))
		case attributesData:
			encoded := d.sec.encode()
			if sec.addrAlign > 1 {
				offset = alignUp32(offset, uint32(sec.addrAlign))
			}
			out.fileOffset = offset
			out.bytes = encoded
			offset += uint32(len(encoded))
		default:
			return &UnsupportedDataError{Section: sec.name, Type: "unknown"}
		}

		fileLayout = append(fileLayout, out)
	}

	symOff := alignUp32(offset, 4)
	symBytes, symCount := si.encodeSymbols(strtab)
	strtabOff := symOff + uint32(len(symBytes))
	strtabBytes := strtab.bytes()
	shstrtabOff := strtabOff + uint32(len(strtabBytes))
	shstrtabNameOff := shstrtab.add(".shstrtab")
	strtabNameOff := shstrtab.add(".strtab")
	symtabNameOff := shstrtab.add(".symtab")
	shstrtabBytes := shstrtab.bytes()

	shoff := alignUp32(shstrtabOff+uint32(len(shstrtabBytes)), 4)

	sectionIndex := make(map[sectionID]uint16, len(fileLayout)+4)
	for i, out := range fileLayout {
		sectionIndex[out.sec.id] = uint16(i + 1)
	}
	strtabIdx := uint16(len(fileLayout) + 1)
	shstrtabIdx := uint16(len(fileLayout) + 3)

	buf := &bytes.Buffer{}

	if err := writeEhdr(buf, si, uint32(len(fileLayout)+4), uint32(len(si.segments)), shoff, shstrtabIdx); err != nil {
		return &IoError{Op: "write ELF header", Err: err}
	}

	for _, seg := range si.segments {
		phdr := elf32Phdr{
			Type:   uint32(elf.PT_LOAD),
			Off:    segmentFileOffset(seg, fileLayout),
			Vaddr:  uint32(seg.vaddr),
			Paddr:  uint32(seg.paddr),
			Filesz: uint32(segmentFilesz(seg, si.sections)),
			Memsz:  uint32(segmentMemsz(seg, si.sections)),
			Flags:  seg.flags,
			Align:  uint32(seg.align),
		}
		if err := binary.Write(buf, binary.LittleEndian, phdr); err != nil {
			return &IoError{Op: "write program header", Err: err}
		}
	}

	for _, out := range fileLayout {
		if out.bytes == nil {
			continue
		}
		if err := padTo(buf, int(out.fileOffset)); err != nil {
			return &IoError{Op: "pad section data", Err: err}
		}
		if _, err := buf.Write(out.bytes); err != nil {
			return &IoError{Op: "write section data", Err: err}
		}
	}

	if err := padTo(buf, int(symOff)); err != nil {
		return &IoError{Op: "pad symbol table", Err: err}
	}
	if _, err := buf.Write(symBytes); err != nil {
		return &IoError{Op: "write symbol table", Err: err}
	}
	if _, err := buf.Write(strtabBytes); err != nil {
		return &IoError{Op: "write string table", Err: err}
	}
	if _, err := buf.Write(shstrtabBytes); err != nil {
		return &IoError{Op: "write section string table", Err: err}
	}

	if err := padTo(buf, int(shoff)); err != nil {
		return &IoError{Op: "pad section headers", Err: err}
	}

	nullShdr := elf32Shdr{}
	if err := binary.Write(buf, binary.LittleEndian, nullShdr); err != nil {
		return &IoError{Op: "write null section header", Err: err}
	}

	for _, out := range fileLayout {
		shdr := si.sectionHeader(out, sectionIndex, uint32(out.nameOff))
		if err := binary.Write(buf, binary.LittleEndian, shdr); err != nil {
			return &IoError{Op: "write section header", Err: err}
		}
	}

	strtabShdr := elf32Shdr{
		Name: uint32(strtabNameOff), Type: uint32(elf.SHT_STRTAB),
		Offset: strtabOff, Size: uint32(len(strtabBytes)), Addralign: 1,
	}
	if err := binary.Write(buf, binary.LittleEndian, strtabShdr); err != nil {
		return &IoError{Op: "write .strtab header", Err: err}
	}

	symtabShdr := elf32Shdr{
		Name: uint32(symtabNameOff), Type: uint32(elf.SHT_SYMTAB),
		Offset: symOff, Size: uint32(len(symBytes)),
		Link: uint32(strtabIdx), Info: uint32(symCount), Addralign: 4, Entsize: elf32Symsize,
	}
	if err := binary.Write(buf, binary.LittleEndian, symtabShdr); err != nil {
		return &IoError{Op: "write .symtab header", Err: err}
	}

	shstrtabShdr := elf32Shdr{
		Name: uint32(shstrtabNameOff), Type: uint32(elf.SHT_STRTAB),
		Offset: shstrtabOff, Size: uint32(len(shstrtabBytes)), Addralign: 1,
	}
	if err := binary.Write(buf, binary.LittleEndian, shstrtabShdr); err != nil {
		return &IoError{Op: "write .shstrtab header", Err: err}
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return &IoError{Op: "write output file", Err: err}
	}

	return nil
}

type outSection struct {
	sec        *section
	nameOff    int
	fileOffset uint32
	bytes      []byte
}

func (si *systemImage) sectionHeader(out outSection, idx map[sectionID]uint16, nameOff uint32) elf32Shdr {
	sec := out.sec
	shdr := elf32Shdr{
		Name:      nameOff,
		Type:      sec.shType,
		Flags:     uint32(sec.flags),
		Addr:      uint32(sec.addr),
		Offset:    out.fileOffset,
		Size:      uint32(sec.size),
		Addralign: uint32(sec.addrAlign),
		Entsize:   uint32(sec.entSize),
	}
	if sec.link != nil {
		shdr.Link = uint32(idx[*sec.link])
	}
	if sec.info != nil {
		shdr.Info = uint32(idx[*sec.info])
	}
	return shdr
}

func (si *systemImage) encodeSymbols(strtab *stringTable) ([]byte, int) {
	buf := &bytes.Buffer{}

	// Reserved null symbol at index 0.
	binary.Write(buf, binary.LittleEndian, elf32Sym{})

	sectionIndex := make(map[sectionID]uint16, len(si.sections))
	next := uint16(1)
	for _, sec := range si.sections {
		if sec.skipped {
			continue
		}
		sectionIndex[sec.id] = next
		next++
	}

	count := 1
	for _, sym := range si.symbols {
		shndx := sym.rawShndx
		if sym.section != nil {
			shndx = sectionIndex[*sym.section]
		}

		entry := elf32Sym{
			Name:  uint32(strtab.add(sym.name)),
			Value: uint32(sym.value),
			Size:  uint32(sym.size),
			Info:  sym.info,
			Other: sym.other,
			Shndx: shndx,
		}
		binary.Write(buf, binary.LittleEndian, entry)
		count++
	}

	return buf.Bytes(), count
}

func writeEhdr(buf *bytes.Buffer, si *systemImage, shnum, phnum, shoff uint32, shstrndx uint16) error {
	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	ident[elf.EI_DATA] = byte(si.data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(si.osABI)
	ident[elf.EI_ABIVERSION] = si.abiVersion

	ehdr := elf32Ehdr{
		Ident:     ident,
		Type:      uint16(si.typ),
		Machine:   uint16(si.machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     uint32(si.entry),
		Phoff:     elf32Ehsize,
		Shoff:     shoff,
		Flags:     si.flags,
		Ehsize:    elf32Ehsize,
		Phentsize: elf32Phsize,
		Phnum:     uint16(phnum),
		Shentsize: elf32Shsize,
		Shnum:     uint16(shnum),
		Shstrndx:  shstrndx,
	}

	return binary.Write(buf, binary.LittleEndian, ehdr)
}

func segmentFileOffset(seg *segment, layout []outSection) uint32 {
	var min uint32
	found := false
	for _, id := range seg.sections {
		for _, out := range layout {
			if out.sec.id == id && out.bytes != nil {
				if !found || out.fileOffset < min {
					min = out.fileOffset
					found = true
				}
			}
		}
	}
	return min
}

func segmentFilesz(seg *segment, sections []*section) uint64 {
	var max uint64
	for _, id := range seg.sections {
		sec := sections[id]
		if _, nobits := sec.data.(uninitData); nobits {
			continue
		}
		end := sec.addr + sec.size
		if end-seg.vaddr > max {
			max = end - seg.vaddr
		}
	}
	return max
}

func segmentMemsz(seg *segment, sections []*section) uint64 {
	var max uint64
	for _, id := range seg.sections {
		sec := sections[id]
		end := sec.addr + sec.size
		if end-seg.vaddr > max {
			max = end - seg.vaddr
		}
	}
	return max
}

func alignUp32(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func padTo(buf *bytes.Buffer, offset int) error {
	if buf.Len() > offset {
		return fmt.Errorf("sysimage: section layout overlap at offset %#x", offset)
	}
	for buf.Len() < offset {
		buf.WriteByte(0)
	}
	return nil
}

// stringTable accumulates a NUL-separated ELF string table, starting
// with the mandatory empty string at offset 0.
type stringTable struct {
	buf    bytes.Buffer
	offset map[string]int
}

func newStringTable() *stringTable {
	st := &stringTable{offset: make(map[string]int)}
	st.buf.WriteByte(0)
	return st
}

func (st *stringTable) add(s string) int {
	if off, ok := st.offset[s]; ok {
		return off
	}
	off := st.buf.Len()
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	st.offset[s] = off
	return off
}

func (st *stringTable) bytes() []byte {
	return st.buf.Bytes()
}

type elf32Ehdr struct {
	Ident     [16]byte
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

type elf32Phdr struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

type elf32Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	Addralign uint32
	Entsize   uint32
}

type elf32Sym struct {
	Name  uint32
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}
