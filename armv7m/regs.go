// PMSAv7 (ARMv7-M) memory protection support
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// +build tamago,arm7m staticcheck

package armv7m

// MPU register offsets, relative to the System Control Space base
// (0xe000e000 on ARMv7-M).
const (
	MPU_TYPE = 0x90
	MPU_CTRL = 0x94
	MPU_RNR  = 0x98
	MPU_RBAR = 0x9c
	MPU_RASR = 0xa0
)

const SCS_BASE = 0xe000e000

// MPU_CTRL fields
const (
	CTRL_ENABLE    = 0
	CTRL_HFNMIENA  = 1
	CTRL_PRIVDEFENA = 2
)

// MPU_RBAR fields
const (
	RBAR_REGION = 0
	RBAR_VALID  = 4
	RBAR_ADDR   = 5
)

// MPU_RASR fields (Table B3-10 ARM Architecture Reference Manual ARMv7-M)
const (
	RASR_ENABLE = 0
	RASR_SIZE   = 1
	RASR_SRD    = 8
	RASR_B      = 16
	RASR_C      = 17
	RASR_S      = 18
	RASR_TEX    = 19
	RASR_AP     = 24
	RASR_XN     = 28
)

// RASR access-permission encodings (Table B3-8), the only two used by
// this implementation: read-only and read/write, both for any
// privilege level.
const (
	AP_RW_ANY = 0b011
	AP_RO_ANY = 0b110
)

// NumMpuRegions is the number of hardware MPU regions on a PMSAv7
// implementation with 8 regions (MPU_TYPE.DREGION on all targets this
// package supports).
const NumMpuRegions = 8

// NumSubRegions is the fixed number of sub-regions each MPU region is
// divided into for SRD purposes.
const NumSubRegions = 8

// minRegionSize is the smallest size PMSAv7 can encode (SIZE field 4,
// 2^(4+1) = 32 bytes).
const minRegionSize = 32

// maxRegionSize is the largest size this compiler will synthesize
// before falling back to the whole-address-space encoding (2GiB, SIZE
// field 30).
const maxRegionSize = 0x8000_0000

// crossBoundaryPage is the frame size used by the cross-boundary
// guard: on this class of SoC flash and RAM occupy adjacent 256KiB
// frames, and a region must never be aligned down across that
// boundary.
const crossBoundaryPage = 0x40000
