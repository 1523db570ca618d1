// PMSAv7 (ARMv7-M) memory protection support
// https://github.com/usbarmory/mpukernel
//
// Copyright (c) The mpukernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// +build tamago,arm7m staticcheck

package armv7m

import "github.com/usbarmory/mpukernel/internal/reg"

// Write programs every hardware MPU region from cfg, in a fixed order,
// without ever disabling protection mid-update.
//
// The caller is responsible for ensuring that applying this
// configuration is sound, in particular that the current stack
// remains reachable under the new regions. Write itself cannot fail;
// a wrong configuration surfaces later as a MemManage fault at the
// first offending access, not as a return value here.
func (cfg *MemoryConfig) Write() {
	base := uint32(SCS_BASE)

	// The MPU is never disabled during reprogramming: disabling it
	// would remove protection for speculative accesses, risking
	// stack or exception-frame corruption during the narrow window
	// before regions are rewritten. PRIVDEFENA lets privileged code
	// keep accessing unmapped regions throughout.
	ctrl := uint32(1)<<CTRL_ENABLE | uint32(1)<<CTRL_PRIVDEFENA
	reg.Write(base+MPU_CTRL, ctrl)

	for i, r := range cfg.regions {
		reg.Write(base+MPU_RNR, uint32(i))
		reg.Write(base+MPU_RBAR, r.rbar)
		reg.Write(base+MPU_RASR, r.rasr)
	}

	// Re-write CTRL as a serialization anchor: idempotent, but
	// ensures the final region write has retired before the
	// barriers below.
	reg.Write(base+MPU_CTRL, ctrl)

	// DSB retires all prior MPU register writes; ISB flushes the
	// pipeline so subsequent fetches observe the new protection
	// view. Omitting either permits execution of instructions
	// fetched under the previous MPU state, producing spurious
	// faults.
	barrier()
}
