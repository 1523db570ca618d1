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
	"fmt"
	"strings"
)

// tokenizerPrefix identifies a non-allocatable tokenized-log section.
// At most one such section survives the merge; later occurrences are
// byte-concatenated into the first.
const tokenizerPrefix = ".pw_tokenizer."

// shtARMAttributes is the ARM EABI SHT_ARM_ATTRIBUTES section type,
// which debug/elf does not define.
const shtARMAttributes = elf.SectionType(0x70000003)

func isTokenizerSection(s *elf.Section) bool {
	return s.Flags&elf.SHF_ALLOC == 0 && strings.HasPrefix(s.Name, tokenizerPrefix)
}

func isSkippedSectionName(name string) bool {
	switch name {
	case ".symtab", ".strtab", ".shstrtab":
		return true
	default:
		return false
	}
}

// infoIsSectionRef reports whether sh_info, for a section of the given
// type, is itself a section index rather than an unrelated integer
// (e.g. SHT_SYMTAB's sh_info is "one past the last local symbol",
// not a section reference). Only relocation sections carry a genuine
// sh_info section reference in this assembler's input space.
func infoIsSectionRef(shType uint32) bool {
	switch elf.SectionType(shType) {
	case elf.SHT_REL, elf.SHT_RELA:
		return true
	default:
		return false
	}
}

// systemImage is the in-progress merged ELF: a kernel image with zero
// or more application images folded into it. Sections, segments and
// symbols are held in flat, ID-indexed arenas so that cross-references
// survive the two-pass per-app merge without holding pointers into
// another ELF's buffer.
type systemImage struct {
	class      elf.Class
	data       elf.Data
	osABI      elf.OSABI
	abiVersion uint8
	typ        elf.Type
	machine    elf.Machine
	entry      uint64
	flags      uint32

	sections []*section
	segments []*segment
	symbols  []*symbol

	tokenizedSection *sectionID
}

// newSystemImage parses the kernel ELF and seeds the output arenas
// with its sections, segments and symbols, preserved verbatim (the
// kernel is never renamed or remapped; only application images are
// merged on top of it).
func newSystemImage(kernelPath string, kernelBytes []byte) (*systemImage, error) {
	f, err := elf.NewFile(bytes.NewReader(kernelBytes))
	if err != nil {
		return nil, &ParseError{Path: kernelPath, Err: err}
	}

	si := &systemImage{
		class:      f.Class,
		data:       f.Data,
		osABI:      f.OSABI,
		abiVersion: f.ABIVersion,
		typ:        f.Type,
		machine:    f.Machine,
		entry:      f.Entry,
		flags:      rawEFlags(kernelBytes, f),
	}

	for _, s := range f.Sections {
		sec := &section{
			name:      s.Name,
			shType:    uint32(s.Type),
			flags:     uint64(s.Flags),
			addr:      s.Addr,
			size:      s.Size,
			addrAlign: s.Addralign,
			entSize:   s.Entsize,
		}

		if s.Type == elf.SHT_NULL || isSkippedSectionName(s.Name) {
			sec.skipped = true
		} else {
			if s.Link != 0 {
				id := sectionID(s.Link)
				sec.link = &id
			}
			if s.Info != 0 && infoIsSectionRef(uint32(s.Type)) {
				id := sectionID(s.Info)
				sec.info = &id
			}

			data, err := readSectionPayload(s)
			if err != nil {
				return nil, &ParseError{Path: kernelPath, Err: err}
			}
			sec.data = data
		}

		sec.id = sectionID(len(si.sections))
		si.sections = append(si.sections, sec)
	}

	for i, sec := range si.sections {
		if !sec.skipped && isTokenizerSection(f.Sections[i]) {
			id := sectionID(i)
			si.tokenizedSection = &id
			break
		}
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		seg := &segment{flags: uint32(p.Flags), align: p.Align, paddr: p.Paddr, vaddr: p.Vaddr}
		for idx, s := range f.Sections {
			if !sectionBelongsToSegment(s, p) {
				continue
			}
			seg.sections = append(seg.sections, sectionID(idx))
		}
		si.segments = append(si.segments, seg)
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, &ParseError{Path: kernelPath, Err: err}
	}
	for _, sym := range syms {
		si.symbols = append(si.symbols, kernelSymbol(sym))
	}

	return si, nil
}

// rawEFlags reads e_flags directly out of the raw header bytes:
// debug/elf's FileHeader does not expose it, but the ARM EABI
// conformance flags it carries (float ABI, EABI version) must survive
// the merge unchanged.
func rawEFlags(raw []byte, f *elf.File) uint32 {
	if f.Class != elf.ELFCLASS32 || len(raw) < 40 {
		return 0
	}
	return f.ByteOrder.Uint32(raw[36:40])
}

func sectionBelongsToSegment(s *elf.Section, p *elf.Prog) bool {
	if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
		return false
	}
	return s.Addr >= p.Vaddr && s.Addr < p.Vaddr+p.Memsz
}

func kernelSymbol(sym elf.Symbol) *symbol {
	s := &symbol{name: sym.Name, info: sym.Info, other: sym.Other, size: sym.Size, value: sym.Value}
	switch sym.Section {
	case elf.SHN_UNDEF, elf.SHN_ABS, elf.SHN_COMMON, elf.SHN_XINDEX:
		s.rawShndx = uint16(sym.Section)
	default:
		id := sectionID(sym.Section)
		s.section = &id
	}
	return s
}

func readSectionPayload(s *elf.Section) (sectionData, error) {
	switch s.Type {
	case elf.SHT_NOBITS:
		return uninitData{size: s.Size}, nil
	case shtARMAttributes:
		raw, err := s.Data()
		if err != nil {
			return nil, err
		}
		parsed, err := parseAttributes(raw)
		if err != nil {
			return nil, err
		}
		return attributesData{sec: parsed}, nil
	default:
		raw, err := s.Data()
		if err != nil {
			return nil, err
		}
		return rawData{bytes: append([]byte(nil), raw...)}, nil
	}
}

// addAppImage merges one application ELF into the system image,
// following a fixed five-phase procedure: sections, segments, then
// symbols, with attribute-section remapping folded into the section
// pass.
func (si *systemImage) addAppImage(appPath string, appBytes []byte, name string) error {
	f, err := elf.NewFile(bytes.NewReader(appBytes))
	if err != nil {
		return &ParseError{Path: appPath, Err: err}
	}

	sm := make(sectionMap)

	if err := si.addAppSections(f, name, sm); err != nil {
		return err
	}
	if err := si.addAppSegments(f, name, sm); err != nil {
		return err
	}
	if err := si.addAppSymbols(f, name, sm); err != nil {
		return err
	}

	return nil
}

// addAppSections copies sections (merging tokenizer sections into the
// surviving one), then fixes up sh_link/sh_info cross-references now
// that every section has a destination identifier.
func (si *systemImage) addAppSections(f *elf.File, appName string, sm sectionMap) error {
	var fixups []sectionID

	for idx, s := range f.Sections {
		isTok := isTokenizerSection(s)

		if isTok {
			merged, err := si.mergeTokenizerSection(s, idx, sm)
			if err != nil {
				return err
			}
			if merged {
				continue
			}
		} else if s.Type == elf.SHT_NULL || isSkippedSectionName(s.Name) {
			continue
		}

		data, err := si.copySectionData(appName, s, sm)
		if err != nil {
			return err
		}

		newID := sectionID(len(si.sections))
		ns := &section{
			id:        newID,
			shType:    uint32(s.Type),
			flags:     uint64(s.Flags),
			addr:      s.Addr,
			size:      s.Size,
			addrAlign: s.Addralign,
			entSize:   s.Entsize,
			data:      data,
		}

		if isTok {
			ns.name = s.Name
			id := newID
			si.tokenizedSection = &id
		} else {
			ns.name = fmt.Sprintf("%s.%s", s.Name, appName)
		}

		needsFixup := false
		if s.Link != 0 {
			id := sectionID(s.Link)
			ns.link = &id
			needsFixup = true
		}
		if s.Info != 0 && infoIsSectionRef(uint32(s.Type)) {
			id := sectionID(s.Info)
			ns.info = &id
			needsFixup = true
		}

		sm[idx] = newID
		si.sections = append(si.sections, ns)
		if needsFixup {
			fixups = append(fixups, newID)
		}
	}

	for _, id := range fixups {
		sec := si.sections[id]
		if sec.link != nil {
			mapped, err := sm.lookup(appName, int(*sec.link), sec.name)
			if err != nil {
				return err
			}
			sec.link = &mapped
		}
		if sec.info != nil {
			mapped, err := sm.lookup(appName, int(*sec.info), sec.name)
			if err != nil {
				return err
			}
			sec.info = &mapped
		}
	}

	return nil
}

// mergeTokenizerSection appends a tokenizer section's bytes to the
// surviving tokenizer section if one already exists, and maps the
// source index onto it. Returns true when the caller should skip
// adding a new section.
func (si *systemImage) mergeTokenizerSection(s *elf.Section, idx int, sm sectionMap) (bool, error) {
	if si.tokenizedSection == nil {
		return false, nil
	}

	survivor := si.sections[*si.tokenizedSection]
	rd, ok := survivor.data.(rawData)
	if !ok {
		return false, &UnsupportedDataError{App: "", Section: survivor.name, Type: "tokenizer-survivor"}
	}

	raw, err := s.Data()
	if err != nil {
		return false, &IoError{Op: fmt.Sprintf("read section %s", s.Name), Err: err}
	}

	rd.bytes = append(rd.bytes, raw...)
	survivor.data = rd
	survivor.size += s.Size

	sm[idx] = *si.tokenizedSection

	return true, nil
}

func (si *systemImage) copySectionData(appName string, s *elf.Section, sm sectionMap) (sectionData, error) {
	switch s.Type {
	case elf.SHT_NOBITS:
		return uninitData{size: s.Size}, nil
	case shtARMAttributes:
		raw, err := s.Data()
		if err != nil {
			return nil, &IoError{Op: fmt.Sprintf("read section %s", s.Name), Err: err}
		}
		parsed, err := parseAttributes(raw)
		if err != nil {
			return nil, &ParseError{Path: s.Name, Err: err}
		}
		remapped, err := si.remapAttributeSections(appName, parsed, sm)
		if err != nil {
			return nil, err
		}
		return attributesData{sec: remapped}, nil
	default:
		raw, err := s.Data()
		if err != nil {
			return nil, &UnsupportedDataError{App: appName, Section: s.Name, Type: s.Type.String()}
		}
		return rawData{bytes: append([]byte(nil), raw...)}, nil
	}
}

// remapAttributeSections deep-copies an attribute tree, translating
// every Tag_Section sub-subsection's section-number list through the
// in-progress section map. Attribute sections that reference a
// section not yet added fail the same way sh_link/sh_info fixups do.
func (si *systemImage) remapAttributeSections(appName string, as *attributesSection, sm sectionMap) (*attributesSection, error) {
	out := &attributesSection{}

	for _, sub := range as.subsections {
		newSub := attributesSubsection{vendor: sub.vendor}

		for _, sss := range sub.subsubsections {
			newSSS := attributesSubsubsection{tag: sss.tag, data: sss.data, symbolNumbers: sss.symbolNumbers}

			if sss.tag == tagSection {
				for _, n := range sss.sectionNumbers {
					mapped, err := sm.lookup(appName, int(n), fmt.Sprintf("attribute section #%d", n))
					if err != nil {
						return nil, err
					}
					newSSS.sectionNumbers = append(newSSS.sectionNumbers, uint32(mapped))
				}
			}

			newSub.subsubsections = append(newSub.subsubsections, newSSS)
		}

		out.subsections = append(out.subsections, newSub)
	}

	return out, nil
}

// addAppSegments copies each loadable program header, remapping its
// section list through sm. Section addresses were already preserved
// verbatim by addAppSections: this writer never derives an output
// sh_addr from a segment's p_vaddr, so there is no recomputed address
// that needs to be reconciled here.
func (si *systemImage) addAppSegments(f *elf.File, appName string, sm sectionMap) error {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		seg := &segment{flags: uint32(p.Flags), align: p.Align, paddr: p.Paddr, vaddr: p.Vaddr}

		for idx, s := range f.Sections {
			if !sectionBelongsToSegment(s, p) {
				continue
			}
			mapped, err := sm.lookup(appName, idx, s.Name)
			if err != nil {
				return err
			}
			seg.sections = append(seg.sections, mapped)
		}

		si.segments = append(si.segments, seg)
	}

	return nil
}

// addAppSymbols renames global symbols per app and translates every
// symbol's value to its new, merged-section-relative address.
func (si *systemImage) addAppSymbols(f *elf.File, appName string, sm sectionMap) error {
	syms, err := f.Symbols()
	if err != nil {
		if err == elf.ErrNoSymbols {
			return nil
		}
		return &ParseError{Path: appName, Err: err}
	}

	for _, sym := range syms {
		ns := &symbol{info: sym.Info, other: sym.Other, size: sym.Size}

		if elf.ST_BIND(sym.Info) == elf.STB_GLOBAL {
			ns.name = fmt.Sprintf("%s_%s", sym.Name, appName)
		} else {
			ns.name = sym.Name
		}

		switch sym.Section {
		case elf.SHN_UNDEF, elf.SHN_ABS, elf.SHN_COMMON, elf.SHN_XINDEX:
			ns.rawShndx = uint16(sym.Section)
			ns.value = si.absoluteSymbolValue(f, appName, sym.Value, sm)
		default:
			oldIdx := int(sym.Section)
			mapped, err := sm.lookup(appName, oldIdx, sym.Name)
			if err != nil {
				return err
			}
			id := mapped
			ns.section = &id

			oldSection := f.Sections[oldIdx]
			newSection := si.sections[mapped]
			ns.value = newSection.addr + (sym.Value - oldSection.Addr)
		}

		si.symbols = append(si.symbols, ns)
	}

	return nil
}

// absoluteSymbolValue handles symbols with no associated section:
// scan allocatable source
// sections for one containing the symbol's value, and apply the same
// offset translation. A symbol outside every allocatable section (or
// whose containing section was dropped) keeps its original value.
func (si *systemImage) absoluteSymbolValue(f *elf.File, appName string, value uint64, sm sectionMap) uint64 {
	for idx, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}

		start := s.Addr
		end := start + s.Size
		if value < start || value >= end {
			continue
		}

		mapped, err := sm.lookup(appName, idx, s.Name)
		if err != nil {
			break
		}

		newSection := si.sections[mapped]
		return newSection.addr + (value - start)
	}

	return value
}
