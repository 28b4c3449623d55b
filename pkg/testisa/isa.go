// Package testisa is a toy guest instruction set used to drive the
// dispatch loop. Every instruction is four bytes: an opcode and three
// operand bytes.
package testisa

import (
	"encoding/binary"
	"fmt"
)

const InsnSize = 4

type Opcode byte

const (
	OpHalt Opcode = iota
	// LoadImm rA = imm16(b, c)
	OpLoadImm
	// Add rA = rB + rC
	OpAdd
	// AddImm rA = rB + int8(c)
	OpAddImm
	// Store mem32[rB + c] = rA
	OpStore
	// Load rA = mem32[rB + c]
	OpLoad
	// Jump pc += 4 * int16(b, c); leaves through edge 0
	OpJump
	// BranchNZ if rA != 0 { pc += 4 * int16(b, c) }; taken is edge 0,
	// fall-through edge 1
	OpBranchNZ
	// AtomicAdd mem32[rB] += rA, atomically with respect to other CPUs
	OpAtomicAdd
)

var opcodeNames = [...]string{
	OpHalt:      "halt",
	OpLoadImm:   "li",
	OpAdd:       "add",
	OpAddImm:    "addi",
	OpStore:     "st",
	OpLoad:      "ld",
	OpJump:      "j",
	OpBranchNZ:  "bnz",
	OpAtomicAdd: "amoadd",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("op(%#x)", byte(op))
}

// endsBlock reports whether translation stops after op.
func (op Opcode) endsBlock() bool {
	return op == OpHalt || op == OpJump || op == OpBranchNZ
}

const NumRegs = 8

// Insn is one decoded instruction.
type Insn struct {
	Op      Opcode
	A, B, C byte
}

func Decode(b []byte) Insn {
	return Insn{Op: Opcode(b[0]), A: b[1], B: b[2], C: b[3]}
}

func (in Insn) Encode() []byte {
	return []byte{byte(in.Op), in.A, in.B, in.C}
}

func (in Insn) imm16() int16 {
	return int16(binary.LittleEndian.Uint16([]byte{in.B, in.C}))
}

func (in Insn) String() string {
	return fmt.Sprintf("%s %d,%d,%d", in.Op, in.A, in.B, in.C)
}

// Assembler helpers

func Halt() Insn { return Insn{Op: OpHalt} }

func LoadImm(ra byte, imm uint16) Insn {
	return Insn{Op: OpLoadImm, A: ra, B: byte(imm), C: byte(imm >> 8)}
}

func Add(ra, rb, rc byte) Insn { return Insn{Op: OpAdd, A: ra, B: rb, C: rc} }

func AddImm(ra, rb byte, imm int8) Insn {
	return Insn{Op: OpAddImm, A: ra, B: rb, C: byte(imm)}
}

func Store(ra, rb, off byte) Insn { return Insn{Op: OpStore, A: ra, B: rb, C: off} }

func Load(ra, rb, off byte) Insn { return Insn{Op: OpLoad, A: ra, B: rb, C: off} }

// Jump jumps by insns instructions relative to itself.
func Jump(insns int16) Insn {
	return Insn{Op: OpJump, B: byte(insns), C: byte(uint16(insns) >> 8)}
}

func BranchNZ(ra byte, insns int16) Insn {
	return Insn{Op: OpBranchNZ, A: ra, B: byte(insns), C: byte(uint16(insns) >> 8)}
}

func AtomicAdd(ra, rb byte) Insn { return Insn{Op: OpAtomicAdd, A: ra, B: rb} }

// Assemble encodes a program.
func Assemble(prog ...Insn) []byte {
	out := make([]byte, 0, len(prog)*InsnSize)
	for _, in := range prog {
		out = append(out, in.Encode()...)
	}
	return out
}
