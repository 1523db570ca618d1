// PMSAv7 (ARMv7-M) memory protection support
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// +build tamago,arm7m staticcheck

package armv7m

import "fmt"

// MemoryRegionType selects the MPU attribute encoding (TEX/S/C/B/AP/XN)
// applied to a MemoryRegion.
type MemoryRegionType int

const (
	ReadOnlyData MemoryRegionType = iota
	ReadWriteData
	ReadOnlyExecutable
	ReadWriteExecutable
	Device
)

func (t MemoryRegionType) String() string {
	switch t {
	case ReadOnlyData:
		return "ReadOnlyData"
	case ReadWriteData:
		return "ReadWriteData"
	case ReadOnlyExecutable:
		return "ReadOnlyExecutable"
	case ReadWriteExecutable:
		return "ReadWriteExecutable"
	case Device:
		return "Device"
	default:
		return "invalid"
	}
}

// MemoryRegion is a logical request: a typed, half-open range of the
// 32-bit address space. It carries no alignment or power-of-two
// constraint; RegionCompiler is responsible for realizing it in
// hardware.
type MemoryRegion struct {
	Type  MemoryRegionType
	Start uint32
	End   uint32
}

// NewMemoryRegion validates and constructs a MemoryRegion.
func NewMemoryRegion(t MemoryRegionType, start uint32, end uint32) (MemoryRegion, error) {
	r := MemoryRegion{Type: t, Start: start, End: end}
	if err := r.validate(); err != nil {
		return MemoryRegion{}, err
	}
	return r, nil
}

func (r MemoryRegion) validate() error {
	if r.End <= r.Start {
		return fmt.Errorf("armv7m: invalid region [%#08x, %#08x): end must exceed start", r.Start, r.End)
	}
	return nil
}

// contains reports whether r fully covers [start, end).
func (r MemoryRegion) contains(start, end uint32) bool {
	return start >= r.Start && end <= r.End
}

// permits reports whether a region of type r.Type grants the access
// implied by requested.
func (r MemoryRegion) permits(requested MemoryRegionType) bool {
	if r.Type == requested {
		return true
	}
	// A read/write region also satisfies a read-only request of the
	// matching data/executable class.
	switch {
	case r.Type == ReadWriteData && requested == ReadOnlyData:
		return true
	case r.Type == ReadWriteExecutable && requested == ReadOnlyExecutable:
		return true
	}
	return false
}

// alignedRegion is the intermediate solution found by
// calculateAlignedRegion: a naturally-aligned, power-of-two hardware
// region plus the sub-region disable mask needed to shrink it down to
// the requested logical range.
type alignedRegion struct {
	base     uint32
	size     uint32 // power of two, in [minRegionSize, maxRegionSize]
	sizeField uint8 // log2(size) - 1, clamped to a minimum of 4
	srdMask  uint8
}

// wholeAddressSpace is the fallback aligned region used both for
// requests spanning (near) the full 4GiB address space and as the
// terminal fallback when doubling the region size would otherwise
// exceed the architectural maximum.
var wholeAddressSpace = alignedRegion{
	base:      0,
	size:      maxRegionSize,
	sizeField: 30,
	srdMask:   0,
}

// calculateAlignedRegion computes the smallest power-of-two, naturally
// aligned hardware region (plus sub-region disable mask) that covers
// the half-open logical range [start, end).
//
// The doubling loop and the cross-boundary guard interact: growing the
// candidate size can push the naive aligned base below the frame
// containing start, so the guard is re-applied on every iteration
// rather than computed once up front.
func calculateAlignedRegion(start, end uint32) alignedRegion {
	requested := end - start

	if requested >= maxRegionSize {
		return wholeAddressSpace
	}

	size := uint32(minRegionSize)
	for size < requested {
		size *= 2
		if size > maxRegionSize {
			return wholeAddressSpace
		}
	}

	// The base must be aligned to size, but must never be aligned
	// down across the 256KiB frame containing start: on this class
	// of SoC flash and RAM sit in adjacent frames, and naive
	// downward alignment can push the base into the wrong memory
	// type.
	startPage := start &^ (crossBoundaryPage - 1)

	base := alignBase(start, size, startPage)

	// Grow the region until it covers end from a base that is a
	// multiple of size, re-applying the cross-boundary guard at each
	// candidate size. A base clamped up to startPage is never such a
	// multiple, so it also forces growth.
	for base+size < end || base%size != 0 {
		if size == maxRegionSize {
			return wholeAddressSpace
		}
		size *= 2
		base = alignBase(start, size, startPage)
	}

	return alignedRegion{
		base:      base,
		size:      size,
		sizeField: sizeField(size),
		srdMask:   subRegionMask(base, size, start, end),
	}
}

// alignBase aligns start down to size, clamped so the result never
// falls below startPage (the cross-boundary guard).
func alignBase(start, size, startPage uint32) uint32 {
	naive := start &^ (size - 1)
	if naive < startPage {
		return startPage
	}
	return naive
}

// sizeField converts a power-of-two region size to the MPU RASR.SIZE
// encoding (log2(size) - 1), clamped to the architectural minimum of
// 4 (32 bytes).
func sizeField(size uint32) uint8 {
	bits := 0
	for s := size; s > 1; s >>= 1 {
		bits++
	}
	if bits < 5 {
		return 4
	}
	return uint8(bits - 1)
}

// subRegionMask divides [base, base+size) into NumSubRegions equal
// slices and disables (sets the bit for) every slice that does not
// overlap [start, end). A slice overlaps iff subStart < end && subEnd
// > start; partial overlaps are left enabled, so a sub-region can
// grant access to bytes outside the requested range. RangeHasAccess
// sidesteps this by consulting the logical region list directly
// rather than decoding the hardware mask back out.
func subRegionMask(base, size, start, end uint32) uint8 {
	subSize := size / NumSubRegions

	var mask uint8
	for i := uint32(0); i < NumSubRegions; i++ {
		subStart := base + i*subSize
		subEnd := subStart + subSize
		if !(subStart < end && subEnd > start) {
			mask |= 1 << i
		}
	}
	return mask
}
