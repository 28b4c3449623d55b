package main

import (
	"tbcache/pkg/constants"
	"tbcache/pkg/testisa"
	"tbcache/pkg/types"
)

const (
	// counterAddr holds the counter every CPU increments atomically.
	counterAddr = 0xF000
	// maxCPUs keeps every code page and the counter below 64 KiB, the reach
	// of a 16-bit immediate.
	maxCPUs = 14
	// patchedInsn is the instruction each loop iteration rewrites.
	patchedInsn = 8
)

func codeBase(cpu int) types.GuestAddr {
	return types.GuestAddr((cpu + 1) * constants.PageSize)
}

// smcProgram loops iterations times. Each pass executes `li r1, k`, adds k
// to r2, then rewrites that instruction's immediate to k+1 and atomically
// increments the shared counter. Stale code would leave r2 short of
// iterations*(iterations-1)/2.
func smcProgram(base types.GuestAddr, iterations uint16) []byte {
	return testisa.Assemble(
		testisa.LoadImm(0, iterations),
		testisa.LoadImm(6, uint16(base)),
		testisa.LoadImm(7, counterAddr),
		testisa.LoadImm(5, 0x8000),
		testisa.Add(5, 5, 5), // r5 = 1 << 16, one step of the immediate
		testisa.LoadImm(4, 0x0101),
		testisa.LoadImm(3, 1),
		testisa.Jump(1),
		// loop:
		testisa.LoadImm(1, 0), // patched
		testisa.Add(2, 2, 1),
		testisa.Add(4, 4, 5),
		testisa.Store(4, 6, patchedInsn*testisa.InsnSize),
		testisa.AtomicAdd(3, 7),
		testisa.AddImm(0, 0, -1),
		testisa.BranchNZ(0, -6),
		testisa.Halt(),
	)
}

// expectedSum is the value r2 holds when the program halts.
func expectedSum(iterations uint16) uint64 {
	n := uint64(iterations)
	return n * (n - 1) / 2
}
