package testisa

import (
	"tbcache/pkg/constants"
	"tbcache/pkg/cpu"
	"tbcache/pkg/errors"
	"tbcache/pkg/jit"
	"tbcache/pkg/ram"
	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

// Translator turns test ISA code into blocks. A block ends after a control
// transfer, at the instruction limit, or before it would touch a third page.
type Translator struct {
	RAM *ram.RAM
	// MaxInsns caps blocks whose compile flags carry no count. Zero means
	// constants.MaxInsnsPerTB.
	MaxInsns int
}

type decoded struct {
	pc types.GuestAddr
	in Insn
}

func (tr *Translator) Translate(_ *cpu.CPU, code *jit.ExecutableMemory, pc types.GuestAddr, csBase uint64, flags uint32, cflags tb.CFlags) (*tb.TB, error) {
	limit := int(cflags & tb.CFCountMask)
	if limit == 0 {
		limit = tr.MaxInsns
		if limit == 0 {
			limit = constants.MaxInsnsPerTB
		}
	}

	lastPage := pc.PageBase() + constants.PageSize
	var insns []decoded
	next := pc
	for len(insns) < limit {
		end := next + InsnSize - 1
		if end.PageBase() > lastPage || end < next {
			break
		}
		raw, err := tr.RAM.InspectRange(uint64(next), InsnSize)
		if err != nil {
			if len(insns) == 0 {
				return nil, errors.Wrapf(err, "fetching instruction at %#x", uint64(next))
			}
			break
		}
		in := Decode(raw)
		insns = append(insns, decoded{pc: next, in: in})
		next += InsnSize
		if in.Op.endsBlock() {
			break
		}
	}

	t := tb.New(pc, csBase, flags, cflags)
	t.Size = uint32(len(insns) * InsnSize)
	t.PageAddr[0] = types.PageAddr(pc).PageBase()
	if lastByte := types.PageAddr(next - 1); lastByte.PageBase() != t.PageAddr[0] {
		t.PageAddr[1] = lastByte.PageBase()
	}

	off, buf, err := code.Allocate(int(t.Size))
	if err != nil {
		return nil, err
	}
	for i, d := range insns {
		copy(buf[i*InsnSize:], d.in.Encode())
	}
	t.CodeOffset = off
	t.Code = buf

	final := insns[len(insns)-1]
	switch {
	case final.in.Op == OpBranchNZ:
		t.HasJump = [2]bool{true, true}
	case final.in.Op == OpJump, !final.in.Op.endsBlock():
		t.HasJump[0] = true
	}
	t.Body = body(insns, cflags&tb.CFParallel != 0)
	return t, nil
}

// body returns the executable form of a block. The state is updated one
// whole instruction at a time with the PC always naming the next
// instruction to run.
func body(insns []decoded, parallel bool) tb.Body {
	return func(env any) int {
		c := env.(*cpu.CPU)
		s := c.Arch.(*State)
		for _, d := range insns {
			pc, in := d.pc, d.in
			s.PC = pc
			next := pc + InsnSize
			r := &s.Regs
			switch in.Op {
			case OpHalt:
				c.ExceptionIndex = cpu.ExcpHLT
				c.Exit()
			case OpLoadImm:
				r[in.A%NumRegs] = uint64(uint16(in.imm16()))
			case OpAdd:
				r[in.A%NumRegs] = r[in.B%NumRegs] + r[in.C%NumRegs]
			case OpAddImm:
				r[in.A%NumRegs] = r[in.B%NumRegs] + uint64(int64(int8(in.C)))
			case OpStore:
				s.store32(c, pc, r[in.B%NumRegs]+uint64(in.C), uint32(r[in.A%NumRegs]))
			case OpLoad:
				r[in.A%NumRegs] = uint64(s.load32(c, pc, r[in.B%NumRegs]+uint64(in.C)))
			case OpJump:
				s.PC = pc + types.GuestAddr(int64(in.imm16())*InsnSize)
				return 0
			case OpBranchNZ:
				if r[in.A%NumRegs] != 0 {
					s.PC = pc + types.GuestAddr(int64(in.imm16())*InsnSize)
					return 0
				}
				s.PC = next
				return 1
			case OpAtomicAdd:
				if parallel {
					c.ExitAtomic(pc)
				}
				addr := r[in.B%NumRegs]
				s.store32(c, pc, addr, s.load32(c, pc, addr)+uint32(r[in.A%NumRegs]))
			default:
				c.ExceptionIndex = ExcpIllegal
				c.ExitRestoring(pc)
			}
			s.PC = next
		}
		return 0
	}
}
