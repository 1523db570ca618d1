// Multi-ELF system image assembler
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sysimage

import (
	"encoding/binary"
	"fmt"
)

// ARM build-attribute sub-subsection tags (ARM IHI 0045, "Addenda to,
// and Errata in, the ABI for the ARM Architecture").
const (
	tagFile    = 1
	tagSection = 2
	tagSymbol  = 3
)

// attributesSection is the parsed form of an SHT_ARM_ATTRIBUTES
// section: a tree of vendor -> tag -> data triples, some of which
// reference other section identifiers.
type attributesSection struct {
	subsections []attributesSubsection
}

type attributesSubsection struct {
	vendor        string
	subsubsections []attributesSubsubsection
}

type attributesSubsubsection struct {
	tag int

	// sectionNumbers is populated only when tag == tagSection: the
	// list of (1-based) source section indices this sub-subsection's
	// attributes apply to. Remapped through the per-app sectionMap
	// at copy time (Phase 3).
	sectionNumbers []uint32

	// symbolNumbers is populated only when tag == tagSymbol. Symbol
	// numbers are never remapped by this assembler (no symbol
	// renumbering scheme is defined for attribute sub-sections in
	// the source format this project targets).
	symbolNumbers []uint32

	data []byte
}

// parseAttributes decodes a raw SHT_ARM_ATTRIBUTES payload.
func parseAttributes(raw []byte) (*attributesSection, error) {
	if len(raw) == 0 || raw[0] != 'A' {
		return nil, fmt.Errorf("sysimage: unrecognized attributes format version")
	}

	as := &attributesSection{}
	pos := 1

	for pos < len(raw) {
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("sysimage: truncated attributes subsection header")
		}
		length := int(binary.LittleEndian.Uint32(raw[pos:]))
		if length < 4 || pos+length > len(raw) {
			return nil, fmt.Errorf("sysimage: invalid attributes subsection length %d", length)
		}
		section := raw[pos : pos+length]

		vendorEnd := indexByte(section[4:], 0)
		if vendorEnd < 0 {
			return nil, fmt.Errorf("sysimage: unterminated attributes vendor name")
		}
		vendor := string(section[4 : 4+vendorEnd])
		body := section[4+vendorEnd+1:]

		sub := attributesSubsection{vendor: vendor}

		bpos := 0
		for bpos < len(body) {
			if bpos+5 > len(body) {
				return nil, fmt.Errorf("sysimage: truncated attributes sub-subsection header")
			}
			tag := int(body[bpos])
			subLen := int(binary.LittleEndian.Uint32(body[bpos+1:]))
			if subLen < 5 || bpos+subLen > len(body) {
				return nil, fmt.Errorf("sysimage: invalid attributes sub-subsection length %d", subLen)
			}
			content := body[bpos+5 : bpos+subLen]

			sss := attributesSubsubsection{tag: tag}
			switch tag {
			case tagSection:
				nums, rest, err := readULEB128List(content)
				if err != nil {
					return nil, err
				}
				sss.sectionNumbers = nums
				sss.data = rest
			case tagSymbol:
				nums, rest, err := readULEB128List(content)
				if err != nil {
					return nil, err
				}
				sss.symbolNumbers = nums
				sss.data = rest
			default:
				// tagFile and any vendor-specific tag: the
				// remainder is opaque attribute data.
				sss.data = append([]byte(nil), content...)
			}

			sub.subsubsections = append(sub.subsubsections, sss)
			bpos += subLen
		}

		as.subsections = append(as.subsections, sub)
		pos += length
	}

	return as, nil
}

// encode serializes an attributesSection back to raw bytes, with all
// length fields recomputed.
func (as *attributesSection) encode() []byte {
	out := []byte{'A'}

	for _, sub := range as.subsections {
		var body []byte
		for _, sss := range sub.subsubsections {
			var content []byte
			switch sss.tag {
			case tagSection:
				content = append(content, encodeULEB128List(sss.sectionNumbers)...)
				content = append(content, sss.data...)
			case tagSymbol:
				content = append(content, encodeULEB128List(sss.symbolNumbers)...)
				content = append(content, sss.data...)
			default:
				content = sss.data
			}

			sssLen := 5 + len(content)
			header := make([]byte, 5)
			header[0] = byte(sss.tag)
			binary.LittleEndian.PutUint32(header[1:], uint32(sssLen))
			body = append(body, header...)
			body = append(body, content...)
		}

		vendorBytes := append([]byte(sub.vendor), 0)
		subLen := 4 + len(vendorBytes) + len(body)
		subHeader := make([]byte, 4)
		binary.LittleEndian.PutUint32(subHeader, uint32(subLen))

		out = append(out, subHeader...)
		out = append(out, vendorBytes...)
		out = append(out, body...)
	}

	return out
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// readULEB128List reads a NUL-terminated (i.e. 0-terminated) list of
// ULEB128-encoded section or symbol numbers, as used by Tag_Section
// and Tag_Symbol sub-subsections, and returns the remaining bytes
// (the sub-subsection's own attribute data).
func readULEB128List(b []byte) (nums []uint32, rest []byte, err error) {
	pos := 0
	for {
		if pos >= len(b) {
			return nil, nil, fmt.Errorf("sysimage: unterminated attribute section/symbol number list")
		}
		v, n := decodeULEB128(b[pos:])
		if n == 0 {
			return nil, nil, fmt.Errorf("sysimage: malformed ULEB128 in attribute number list")
		}
		pos += n
		if v == 0 {
			break
		}
		nums = append(nums, v)
	}
	return nums, b[pos:], nil
}

func encodeULEB128List(nums []uint32) []byte {
	var out []byte
	for _, n := range nums {
		out = append(out, encodeULEB128(n)...)
	}
	out = append(out, 0)
	return out
}

func decodeULEB128(b []byte) (uint32, int) {
	var result uint32
	var shift uint
	for i, by := range b {
		result |= uint32(by&0x7f) << shift
		if by&0x80 == 0 {
			return result, i + 1
		}
		shift += 7
		if shift >= 32 {
			return 0, 0
		}
	}
	return 0, 0
}

func encodeULEB128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}
