// PMSAv7 (ARMv7-M) memory protection support
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// +build tamago,arm7m staticcheck

// Package armv7m implements the PMSAv7 memory protection unit (MPU)
// region compiler and writer for ARMv7-M (Cortex-M) targets.
//
// A static table of logical MemoryRegion descriptors is compiled, at
// package initialization, into a MemoryConfig of hardware MpuRegion
// images. (*MemoryConfig).Write programs that MemoryConfig into the
// MPU.
package armv7m

// CPU is an empty type with no methods; MPU programming is done by
// (*MemoryConfig).Write.
type CPU struct{}

// defined in barriers.s
func dsb()
func isb()

// barrier issues the DSB;ISB pair required after any MPU
// reprogramming, per ARM DDI 0403E.e Section B3.5.8: DSB retires all
// prior MPU register writes, ISB flushes the pipeline so that
// subsequent instruction fetches observe the new protection view.
func barrier() {
	dsb()
	isb()
}
