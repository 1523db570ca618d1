// PMSAv7 (ARMv7-M) memory protection support
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// +build tamago,arm7m staticcheck

package armv7m

// MpuRegion is the hardware image produced by RegionCompiler: the pair
// of 32-bit values written to MPU_RBAR and MPU_RASR for one hardware
// region. It is immutable once constructed.
type MpuRegion struct {
	rbar uint32
	rasr uint32
}

// attrs is the TEX/S/C/B/AP/XN attribute encoding for one
// MemoryRegionType.
type attrs struct {
	xn  bool
	tex uint32
	s   bool
	c   bool
	b   bool
	ap  uint32
}

func attrsFor(t MemoryRegionType) attrs {
	switch t {
	case ReadOnlyData:
		return attrs{xn: true, tex: 0b001, s: true, c: true, b: true, ap: AP_RO_ANY}
	case ReadWriteData:
		// Shareable is intentionally 0 here (unlike every other
		// normal-memory entry) to match uniprocessor cache
		// behavior.
		return attrs{xn: true, tex: 0b001, s: false, c: true, b: true, ap: AP_RW_ANY}
	case ReadOnlyExecutable:
		return attrs{xn: false, tex: 0b001, s: true, c: true, b: true, ap: AP_RO_ANY}
	case ReadWriteExecutable:
		return attrs{xn: false, tex: 0b001, s: true, c: true, b: true, ap: AP_RW_ANY}
	case Device:
		return attrs{xn: true, tex: 0b000, s: true, c: false, b: true, ap: AP_RO_ANY}
	default:
		panic("armv7m: unreachable memory region type")
	}
}

// newMpuRegion implements RegionCompiler: compile(region) -> MpuRegion.
// It is pure, allocates nothing, and panics only on the unreachable
// default case of attrsFor (every MemoryRegionType constant is handled
// above). Malformed regions (end <= start) are rejected earlier, by
// NewMemoryRegion.
func newMpuRegion(region MemoryRegion) MpuRegion {
	aligned := calculateAlignedRegion(region.Start, region.End)
	a := attrsFor(region.Type)

	rbar := uint32(0) // VALID=0: region selected by RNR, not by RBAR.REGION
	rbar |= aligned.base &^ (minAddrAlign - 1)

	rasr := uint32(1) << RASR_ENABLE
	rasr |= uint32(aligned.sizeField) << RASR_SIZE
	rasr |= uint32(aligned.srdMask) << RASR_SRD
	rasr |= boolBit(a.b) << RASR_B
	rasr |= boolBit(a.c) << RASR_C
	rasr |= boolBit(a.s) << RASR_S
	rasr |= a.tex << RASR_TEX
	rasr |= a.ap << RASR_AP
	rasr |= boolBit(a.xn) << RASR_XN

	return MpuRegion{rbar: rbar, rasr: rasr}
}

// minAddrAlign is the RBAR.ADDR field's bit granularity (bit 5 and
// up); the low 5 bits are REGION/VALID and must stay clear in a base
// address, which calculateAlignedRegion already guarantees since every
// region size is at least 32 bytes.
const minAddrAlign = 1 << RBAR_ADDR

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
