package testisa

import (
	"encoding/binary"

	"tbcache/pkg/constants"
	"tbcache/pkg/cpu"
	"tbcache/pkg/ram"
	"tbcache/pkg/tb"
	"tbcache/pkg/tbcache"
	"tbcache/pkg/types"
)

// Guest exceptions
const (
	ExcpIllegal  = 1
	ExcpMemFault = 2
)

// State is the architectural state of one test CPU. Guest virtual
// addresses map one to one onto RAM.
type State struct {
	Regs [NumRegs]uint64
	PC   types.GuestAddr

	RAM   *ram.RAM
	Cache *tbcache.Cache

	// FaultAddr is the data address of the last memory fault.
	FaultAddr uint64
}

func NewState(r *ram.RAM, cache *tbcache.Cache, pc types.GuestAddr) *State {
	return &State{RAM: r, Cache: cache, PC: pc}
}

func (s *State) TBState() (types.GuestAddr, uint64, uint32) {
	return s.PC, 0, 0
}

func (s *State) PhysAddr(pc types.GuestAddr) (types.PageAddr, bool) {
	if uint64(pc) >= s.RAM.Size() {
		return 0, false
	}
	return types.PageAddr(pc), true
}

// RestoreState rewinds to pc. Blocks update the state one whole instruction
// at a time, so only the PC needs restoring.
func (s *State) RestoreState(_ *tb.TB, pc types.GuestAddr) {
	s.PC = pc
}

func (s *State) memFault(c *cpu.CPU, pc types.GuestAddr, addr uint64) {
	s.FaultAddr = addr
	c.ExceptionIndex = ExcpMemFault
	c.ExitRestoring(pc)
}

func (s *State) load32(c *cpu.CPU, pc types.GuestAddr, addr uint64) uint32 {
	b, err := s.RAM.InspectRange(addr, 4)
	if err != nil {
		s.memFault(c, pc, addr)
	}
	return binary.LittleEndian.Uint32(b)
}

// store32 is the guest store path. Stores that touch a code page first go
// through invalidation, which may leave the current block.
func (s *State) store32(c *cpu.CPU, pc types.GuestAddr, addr uint64, v uint32) {
	if err := s.RAM.CheckWrite(addr, 4); err != nil {
		s.memFault(c, pc, addr)
	}
	if s.RAM.RangeHasCode(addr, 4) {
		c.FaultPC = pc
		for off := uint64(0); off < 4; {
			a := types.PageAddr(addr + off)
			n := min(4-off, constants.PageSize-a.PageOffset())
			s.Cache.InvalidatePageFast(c, a, int(n))
			off += n
		}
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if err := s.RAM.MutateRange(addr, b[:]); err != nil {
		s.memFault(c, pc, addr)
	}
}
