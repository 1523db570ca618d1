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
	"testing"
)

// The fixtures below hand-assemble minimal, valid ELF32/ARM images
// using the same low-level structs the writer itself emits
// (elf32Ehdr/elf32Phdr/elf32Shdr/elf32Sym). This exercises the parser
// (newSystemImage/addAppImage) against a standards-shaped input
// independent of this package's own writer, and the writer against a
// realistic multi-section, multi-segment, multi-symbol layout.

type fixSection struct {
	name      string
	shType    elf.SectionType
	flags     elf.SectionFlag
	addr      uint64
	data      []byte
	nobits    uint64
	addralign uint64
}

type fixSymbol struct {
	name       string
	bind       elf.SymBind
	sectionIdx int // index into the fixSection slice, -1 for SHN_UNDEF
	value      uint64
	size       uint64
}

type fixSegment struct {
	vaddr, paddr uint64
	flags        uint32
	align        uint64
	sectionIdxs  []int
}

func buildFixtureELF(t *testing.T, secs []fixSection, syms []fixSymbol, segs []fixSegment) []byte {
	t.Helper()

	shstrtab := newStringTable()
	strtab := newStringTable()

	nameOffs := make([]int, len(secs))
	for i, s := range secs {
		nameOffs[i] = shstrtab.add(s.name)
	}
	textShstrtabOff := shstrtab.add(".symtab")
	strtabShstrtabOff := shstrtab.add(".strtab")
	shstrtabShstrtabOff := shstrtab.add(".shstrtab")

	buf := &bytes.Buffer{}
	offset := uint32(elf32Ehsize + elf32Phsize*len(segs))

	type placed struct {
		offset uint32
		size   uint32
		nobits bool
	}
	layout := make([]placed, len(secs))

	var body bytes.Buffer
	for i, s := range secs {
		align := s.addralign
		if align == 0 {
			align = 1
		}
		if s.shType == elf.SHT_NOBITS {
			layout[i] = placed{offset: offset + uint32(body.Len()), size: uint32(s.nobits), nobits: true}
			continue
		}
		for (offset+uint32(body.Len()))%uint32(align) != 0 {
			body.WriteByte(0)
		}
		layout[i] = placed{offset: offset + uint32(body.Len()), size: uint32(len(s.data))}
		body.Write(s.data)
	}

	symBuf := &bytes.Buffer{}
	binary.Write(symBuf, binary.LittleEndian, elf32Sym{})
	for _, sym := range syms {
		shndx := uint16(0)
		if sym.sectionIdx >= 0 {
			shndx = uint16(sym.sectionIdx + 1)
		}
		info := uint8(sym.bind)<<4 | uint8(elf.STT_FUNC)
		entry := elf32Sym{
			Name:  uint32(strtab.add(sym.name)),
			Value: uint32(sym.value),
			Size:  uint32(sym.size),
			Info:  info,
			Shndx: shndx,
		}
		binary.Write(symBuf, binary.LittleEndian, entry)
	}

	symOff := offset + uint32(body.Len())
	strtabOff := symOff + uint32(symBuf.Len())
	shstrtabOff := strtabOff + uint32(len(strtab.bytes()))
	shoff := shstrtabOff + uint32(len(shstrtab.bytes()))

	ident := [16]byte{}
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	ehdr := elf32Ehdr{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0,
		Phoff:     elf32Ehsize,
		Shoff:     shoff,
		Ehsize:    elf32Ehsize,
		Phentsize: elf32Phsize,
		Phnum:     uint16(len(segs)),
		Shentsize: elf32Shsize,
		Shnum:     uint16(len(secs) + 4),
		Shstrndx:  uint16(len(secs) + 3),
	}
	binary.Write(buf, binary.LittleEndian, ehdr)

	for _, seg := range segs {
		var off, filesz, memsz uint32
		first := true
		for _, idx := range seg.sectionIdxs {
			p := layout[idx]
			if first || p.offset < off {
				off = p.offset
				first = false
			}
			end := p.offset + p.size
			if !p.nobits && end-off > filesz {
				filesz = end - off
			}
			if end-off > memsz {
				memsz = end - off
			}
		}
		phdr := elf32Phdr{
			Type: uint32(elf.PT_LOAD), Off: off, Vaddr: uint32(seg.vaddr), Paddr: uint32(seg.paddr),
			Filesz: filesz, Memsz: memsz, Flags: seg.flags, Align: uint32(seg.align),
		}
		binary.Write(buf, binary.LittleEndian, phdr)
	}

	buf.Write(body.Bytes())
	buf.Write(symBuf.Bytes())
	buf.Write(strtab.bytes())
	buf.Write(shstrtab.bytes())

	binary.Write(buf, binary.LittleEndian, elf32Shdr{})
	for i, s := range secs {
		shdr := elf32Shdr{
			Name: uint32(nameOffs[i]), Type: uint32(s.shType), Flags: uint32(s.flags),
			Addr: uint32(s.addr), Offset: layout[i].offset, Size: layout[i].size,
			Addralign: uint32(maxU64(s.addralign, 1)),
		}
		binary.Write(buf, binary.LittleEndian, shdr)
	}
	binary.Write(buf, binary.LittleEndian, elf32Shdr{
		Name: uint32(textShstrtabOff), Type: uint32(elf.SHT_SYMTAB), Offset: symOff,
		Size: uint32(symBuf.Len()), Link: uint32(len(secs) + 2), Info: 1, Addralign: 4, Entsize: elf32Symsize,
	})
	binary.Write(buf, binary.LittleEndian, elf32Shdr{
		Name: uint32(strtabShstrtabOff), Type: uint32(elf.SHT_STRTAB), Offset: strtabOff,
		Size: uint32(len(strtab.bytes())), Addralign: 1,
	})
	binary.Write(buf, binary.LittleEndian, elf32Shdr{
		Name: uint32(shstrtabShstrtabOff), Type: uint32(elf.SHT_STRTAB), Offset: shstrtabOff,
		Size: uint32(len(shstrtab.bytes())), Addralign: 1,
	})

	return buf.Bytes()
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// TestAssembleSingleApp checks segment address and symbol value
// preservation, and global symbol renaming, across one kernel and one
// app image.
func TestAssembleSingleApp(t *testing.T) {
	kernel := buildFixtureELF(t,
		[]fixSection{
			{name: ".text", shType: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: 0x08000000, data: bytes.Repeat([]byte{0xaa}, 16), addralign: 4},
		},
		[]fixSymbol{
			{name: "kernel_entry", bind: elf.STB_GLOBAL, sectionIdx: 0, value: 0x08000000, size: 4},
		},
		[]fixSegment{
			{vaddr: 0x08000000, paddr: 0x08000000, flags: uint32(elf.PF_R | elf.PF_X), align: 0x1000, sectionIdxs: []int{0}},
		},
	)

	app := buildFixtureELF(t,
		[]fixSection{
			{name: ".code", shType: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: 0x40420, data: bytes.Repeat([]byte{0xbb}, 32), addralign: 4},
			{name: ".pw_tokenizer.entries", shType: elf.SHT_PROGBITS, data: bytes.Repeat([]byte{0x11}, 0x40)},
		},
		[]fixSymbol{
			{name: "_start", bind: elf.STB_GLOBAL, sectionIdx: 0, value: 0x40420, size: 4},
			{name: "helper", bind: elf.STB_LOCAL, sectionIdx: 0, value: 0x40428, size: 4},
		},
		[]fixSegment{
			// segment base 0x40000, first section begins 0x420 bytes in:
			// the address-preservation case this merge must get right.
			{vaddr: 0x40000, paddr: 0x40000, flags: uint32(elf.PF_R | elf.PF_X), align: 0x40000, sectionIdxs: []int{0}},
		},
	)

	out, err := Assemble("kernel.elf", kernel, []App{{Name: "app_0", Bytes: app}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("re-parsing merged image: %v", err)
	}

	var appProg *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr == 0x40000 {
			appProg = p
		}
	}
	if appProg == nil {
		t.Fatal("app load segment not found in merged image")
	}
	if appProg.Paddr != 0x40000 {
		t.Errorf("p_paddr = %#x, want %#x", appProg.Paddr, 0x40000)
	}

	var codeSection *elf.Section
	for _, s := range f.Sections {
		if s.Name == ".code.app_0" {
			codeSection = s
		}
	}
	if codeSection == nil {
		t.Fatal(".code.app_0 section not found in merged image")
	}
	if codeSection.Addr != 0x40420 {
		t.Errorf(".code.app_0 sh_addr = %#x, want %#x (segment address preservation)", codeSection.Addr, 0x40420)
	}

	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("reading merged symbols: %v", err)
	}

	var start, helper *elf.Symbol
	for i := range syms {
		switch syms[i].Name {
		case "_start_app_0":
			start = &syms[i]
		case "helper":
			helper = &syms[i]
		}
	}
	if start == nil {
		t.Fatal("expected renamed global symbol _start_app_0")
	}
	if start.Value != 0x40420 {
		t.Errorf("_start_app_0 value = %#x, want %#x", start.Value, 0x40420)
	}
	if helper == nil {
		t.Fatal("expected local symbol helper to survive unrenamed")
	}
	if helper.Value != 0x40428 {
		t.Errorf("helper value = %#x, want %#x", helper.Value, 0x40428)
	}

	var tok *elf.Section
	for _, s := range f.Sections {
		if s.Name == ".pw_tokenizer.entries" {
			tok = s
		}
	}
	if tok == nil {
		t.Fatal("tokenizer section missing from merged image")
	}
	if tok.Size != 0x40 {
		t.Errorf("tokenizer section size = %#x, want %#x", tok.Size, 0x40)
	}
}

// TestAssembleTokenizerConcatenation checks that two apps each
// contributing a tokenizer section produce exactly one output section
// whose contents are their byte-concatenation in app order.
func TestAssembleTokenizerConcatenation(t *testing.T) {
	kernel := buildFixtureELF(t,
		[]fixSection{{name: ".text", shType: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: 0x08000000, data: []byte{0, 0, 0, 0}, addralign: 4}},
		nil,
		[]fixSegment{{vaddr: 0x08000000, paddr: 0x08000000, flags: uint32(elf.PF_R | elf.PF_X), align: 0x1000, sectionIdxs: []int{0}}},
	)

	app0 := buildFixtureELF(t,
		[]fixSection{{name: ".pw_tokenizer.entries", shType: elf.SHT_PROGBITS, data: bytes.Repeat([]byte{0xaa}, 0x40)}},
		nil, nil,
	)
	app1 := buildFixtureELF(t,
		[]fixSection{{name: ".pw_tokenizer.entries", shType: elf.SHT_PROGBITS, data: bytes.Repeat([]byte{0xbb}, 0x20)}},
		nil, nil,
	)

	out, err := Assemble("kernel.elf", kernel, []App{
		{Name: "app_0", Bytes: app0},
		{Name: "app_1", Bytes: app1},
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("re-parsing merged image: %v", err)
	}

	var found int
	for _, s := range f.Sections {
		if s.Name == ".pw_tokenizer.entries" {
			found++
			data, err := s.Data()
			if err != nil {
				t.Fatalf("reading tokenizer section: %v", err)
			}
			if len(data) != 0x60 {
				t.Fatalf("tokenizer section length = %#x, want %#x", len(data), 0x60)
			}
			for i := 0; i < 0x40; i++ {
				if data[i] != 0xaa {
					t.Fatalf("byte %d = %#x, want 0xaa (app 0's contents)", i, data[i])
				}
			}
			for i := 0x40; i < 0x60; i++ {
				if data[i] != 0xbb {
					t.Fatalf("byte %d = %#x, want 0xbb (app 1's contents)", i, data[i])
				}
			}
		}
	}
	if found != 1 {
		t.Fatalf("found %d tokenizer sections in merged image, want 1", found)
	}
}

func TestAppNameSanitization(t *testing.T) {
	cases := []struct {
		path  string
		index int
		want  string
	}{
		{"/builds/blink.elf", 0, "blink_0"},
		{"apps/sensor-hub.v2.elf", 3, "sensor_hub_v2_3"},
	}

	for _, c := range cases {
		got, err := AppName(c.path, c.index)
		if err != nil {
			t.Fatalf("AppName(%q, %d): %v", c.path, c.index, err)
		}
		if got != c.want {
			t.Errorf("AppName(%q, %d) = %q, want %q", c.path, c.index, got, c.want)
		}
	}
}
