// PMSAv7 (ARMv7-M) memory protection support
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// +build tamago,arm7m staticcheck

package armv7m

// MemoryConfig is the fixed-capacity compiled form of a logical region
// table: NumMpuRegions hardware register images, plus the source
// logical regions retained for RangeHasAccess.
//
// NewMemoryConfig is meant to be called once, from a package-level var
// initializer, at program startup, before any thread is scheduled and
// well before the first MPU write, the same way board packages build
// their static memory maps as package vars rather than recomputing
// them at runtime.
type MemoryConfig struct {
	regions [NumMpuRegions]MpuRegion
	generic []MemoryRegion
}

// NewMemoryConfig compiles regions into a MemoryConfig. It panics if
// more regions are supplied than the hardware has MPU slots for: this
// is a configuration-time programmer error, not a runtime condition.
func NewMemoryConfig(regions []MemoryRegion) *MemoryConfig {
	if len(regions) > NumMpuRegions {
		panic("armv7m: too many memory regions for available MPU hardware regions")
	}

	cfg := &MemoryConfig{generic: regions}
	for i, r := range regions {
		cfg.regions[i] = newMpuRegion(r)
	}

	return cfg
}

// KernelThreadMemoryConfig covers the full address space as
// read/write/executable: the kernel's own privileged thread context,
// which needs no MPU restriction of its own.
var KernelThreadMemoryConfig = NewMemoryConfig([]MemoryRegion{
	{Type: ReadWriteExecutable, Start: 0x0000_0000, End: 0xffff_ffff},
})

// RangeHasAccess is the software-side access predicate consulted by
// syscall validation: it returns true iff [start, end) is fully
// covered by one of the config's logical regions with a type that
// permits the requested access. It is consulted instead of decoding
// the hardware MPU registers because the SRD encoding over-approximates
// coverage in the overhang case; the logical region list has no such
// ambiguity.
func (cfg *MemoryConfig) RangeHasAccess(t MemoryRegionType, start, end uint32) bool {
	for _, r := range cfg.generic {
		if r.permits(t) && r.contains(start, end) {
			return true
		}
	}
	return false
}
