// Multi-ELF system image assembler
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sysimage

import "debug/elf"

// sectionID identifies a section within the in-progress output image.
// Modeled as an arena of entities indexed by integer identifiers, with
// a per-merge remap table, rather than a pointer graph: sections
// reference each other via sh_link/sh_info, segments reference
// sections, attribute tags reference sections, and symbols reference
// sections, so a flat identifier space is the only representation
// that survives the two-pass add-then-fixup merge without aliasing
// problems.
type sectionID int

// sectionData is the payload of an output section. Exactly one of the
// concrete types below is stored per section.
type sectionData interface {
	isSectionData()
}

// rawData is a deep-copied byte payload (SHT_PROGBITS and similar).
type rawData struct {
	bytes []byte
}

func (rawData) isSectionData() {}

// uninitData is an SHT_NOBITS section: only a size, no file content.
type uninitData struct {
	size uint64
}

func (uninitData) isSectionData() {}

// attributesData is an SHT_ARM_ATTRIBUTES section whose sub-sections
// may reference other sections by identifier (Phase 3).
type attributesData struct {
	sec *attributesSection
}

func (attributesData) isSectionData() {}

// section is one output section in the arena.
type section struct {
	id        sectionID
	name      string
	shType    uint32
	flags     uint64
	addr      uint64
	size      uint64
	addrAlign uint64
	entSize   uint64

	// link and info mirror the object crate's sh_link_section /
	// sh_info_section: both are Option<SectionId>-shaped (nil means
	// "no cross-reference", not "reference section zero").
	link *sectionID
	info *sectionID

	data sectionData

	// skipped marks an arena slot kept only to preserve index
	// alignment with the source ELF's section header table (so that
	// sh_link/sh_info numbering among sibling sections stays valid
	// during parsing). Sections named .symtab, .strtab and .shstrtab
	// are always skipped: their final content is synthesized fresh
	// by the writer from the merged symbol table, not copied.
	skipped bool
}

func (s *section) isAlloc() bool {
	return s.flags&uint64(elf.SHF_ALLOC) != 0
}

// segment is an output PT_LOAD segment. Only load segments are
// represented; every other program header type is dropped by the
// merge.
type segment struct {
	flags    uint32
	align    uint64
	paddr    uint64
	vaddr    uint64
	sections []sectionID
}

// symbol is one output symbol table entry.
type symbol struct {
	name  string
	info  uint8
	other uint8
	size  uint64
	value uint64

	// section is the output section this symbol's value is relative
	// to. nil means the symbol carries one of the reserved pseudo
	// section indices (SHN_UNDEF, SHN_ABS, SHN_COMMON) instead,
	// preserved verbatim in rawShndx.
	section   *sectionID
	rawShndx  uint16
}

// sectionMap is the per-app mapping table from a source section's
// index (within its own ELF file's section header table) to the
// output sectionID it was copied into. It is owned by the in-progress
// per-app merge and discarded at the app boundary.
type sectionMap map[int]sectionID

func (m sectionMap) lookup(appName string, sourceIndex int, sourceName string) (sectionID, error) {
	id, ok := m[sourceIndex]
	if !ok {
		return 0, &RemapError{App: appName, Section: sourceName}
	}
	return id, nil
}
