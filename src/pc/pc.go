/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package pc implements the method program counter cursor of spec.md
// §4.1: a pointer-equivalent index into a method's bytecode array, with
// big-endian multi-byte reads and bounds-checked advancement. Grounded
// on the teacher's inline f.PC handling in jvm/run.go (e.g. the SIPUSH
// and branch-offset cases), generalized into its own type instead of a
// bare int field so every read site shares one bounds check.
package pc

import "jcvmcore/src/vmerrors"

// PC is a cursor into a method's code array.
type PC struct {
	code []byte
	ptr  int
}

// New creates a PC over code, starting at offset 0.
func New(code []byte) PC {
	return PC{code: code, ptr: 0}
}

// Get returns the current cursor position.
func (p *PC) Get() int { return p.ptr }

// Set moves the cursor to an absolute position.
func (p *PC) Set(ptr int) { p.ptr = ptr }

// Code exposes the underlying bytecode array (read-only use: dispatch
// needs it to fetch the opcode byte itself before advancing operands).
func (p *PC) Code() []byte { return p.code }

func (p *PC) checkReadable(width int) error {
	if p.ptr < 0 || p.ptr+width > len(p.code) {
		return vmerrors.New(vmerrors.IndexOutOfBounds, "PC read past end of method")
	}
	return nil
}

// NextByte reads one signed byte and advances the cursor by 1, for
// operands that are themselves signed data (e.g. bspush's constant,
// sinc's increment).
func (p *PC) NextByte() (int8, error) {
	if err := p.checkReadable(1); err != nil {
		return 0, err
	}
	v := int8(p.code[p.ptr])
	p.ptr++
	return v, nil
}

// NextUnsignedByte reads one byte as an unsigned 0-255 value and
// advances the cursor by 1, for operands that index or count something
// (a local variable slot, a field token, an argument count) rather than
// carry a signed numeric value -- capfile's MaxLocals/Nargs/field counts
// are all uint8, so treating their operand encodings as NextByte's
// signed int8 would turn index 128-255 negative.
func (p *PC) NextUnsignedByte() (uint8, error) {
	if err := p.checkReadable(1); err != nil {
		return 0, err
	}
	v := p.code[p.ptr]
	p.ptr++
	return v, nil
}

// NextShort reads a big-endian 16-bit value and advances the cursor by 2.
func (p *PC) NextShort() (int16, error) {
	if err := p.checkReadable(2); err != nil {
		return 0, err
	}
	v := int16(uint16(p.code[p.ptr])<<8 | uint16(p.code[p.ptr+1]))
	p.ptr += 2
	return v, nil
}

// NextInt reads a big-endian 32-bit value and advances the cursor by 4.
func (p *PC) NextInt() (int32, error) {
	if err := p.checkReadable(4); err != nil {
		return 0, err
	}
	v := int32(uint32(p.code[p.ptr])<<24 | uint32(p.code[p.ptr+1])<<16 |
		uint32(p.code[p.ptr+2])<<8 | uint32(p.code[p.ptr+3]))
	p.ptr += 4
	return v, nil
}

// Skip moves the cursor by a signed, relative offset. Used by branch
// opcodes whose target is computed relative to the opcode's own address;
// callers pass offset - (bytes already consumed reading the operand) as
// needed, matching the teacher's "f.PC = f.PC + jumpTo - 1" idiom.
func (p *PC) Skip(offset int16) {
	p.ptr += int(offset)
}
