// Multi-ELF system image assembler
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sysimage merges one kernel ELF and N application ELFs into a
// single system image, preserving per-app symbol addresses, remapping
// section and segment identifiers across the merge, and concatenating
// tokenized-log string tables into one combined section.
package sysimage

import "fmt"

// ParseError wraps a failure to decode an input ELF file.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RemapError indicates a section cross-reference (sh_link, sh_info, or
// an attribute-section tag) points at a section that was dropped by
// the skip set, meaning the skip set is incompatible with this input.
type RemapError struct {
	App     string
	Section string
}

func (e *RemapError) Error() string {
	return fmt.Sprintf("app %s: section %s references a section that was not copied into the system image", e.App, e.Section)
}

// UnsupportedDataError indicates the input uses an ELF section-data
// variant this assembler cannot deep-copy.
type UnsupportedDataError struct {
	App     string
	Section string
	Type    string
}

func (e *UnsupportedDataError) Error() string {
	return fmt.Sprintf("app %s: section %s has unsupported data kind %s", e.App, e.Section, e.Type)
}

// IoError wraps a read or write failure against the filesystem.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }
