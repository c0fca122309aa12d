/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package frame implements a single method activation (spec.md §3
// "Frame", §4.2): locals base, operand-stack base, top, end, program
// counter, and the saved-PC list jsr/ret consumes. Grounded on the
// teacher's *frames.Frame (src/jvm/run.go's f.PC/f.Locals/f.OpStack
// fields and push/pop helpers), but reworked per SPEC_FULL.md §3 to hold
// indices into a buffer it does not own (the owning stack.Stack's word
// array) instead of the teacher's own growable opStack slice per frame --
// this is what lets push_frame allocate frames contiguously as spec.md
// §4.3 requires.
package frame

import (
	"jcvmcore/src/pc"
	"jcvmcore/src/vmerrors"
)

// OldPC is one saved-PC slot appended by jsr and consumed by ret
// (spec.md §3 "Old-PC slot").
type OldPC struct {
	Used bool
	PC   pc.PC
}

// Frame is one method activation. FP <= OP <= TOS <= EOS at every
// instruction boundary (spec.md §3 invariant).
type Frame struct {
	Buf []int16 // shared word buffer owned by the context's stack.Stack

	FP  int
	OP  int
	TOS int
	EOS int
	PC  pc.PC

	OldPCs []OldPC

	ClassName    string
	MethodName   string
	PackageID    uint8
	MethodOffset uint16 // this frame's method, for exception-handler-table lookup on unwind
}

// New constructs a frame over buf with the given region boundaries.
func New(buf []int16, fp, op, tos, eos int, code []byte, methodOffset uint16) *Frame {
	return &Frame{
		Buf:          buf,
		FP:           fp,
		OP:           op,
		TOS:          tos,
		EOS:          eos,
		PC:           pc.New(code),
		MethodOffset: methodOffset,
	}
}

// PushValue stores w at TOS and increments TOS. Raises StackOverflow if
// the operand stack region is full.
func (f *Frame) PushValue(w int16) error {
	if f.TOS == f.EOS {
		return vmerrors.New(vmerrors.StackOverflow, "operand stack full")
	}
	f.Buf[f.TOS] = w
	f.TOS++
	return nil
}

// PopValue decrements TOS and returns the word there. Raises
// StackUnderflow if the operand stack region is empty. The check
// happens before the decrement (SPEC_FULL.md §4.10), unlike the source
// this was distilled from.
func (f *Frame) PopValue() (int16, error) {
	if f.TOS == f.OP {
		return 0, vmerrors.New(vmerrors.StackUnderflow, "pop from empty operand stack")
	}
	f.TOS--
	return f.Buf[f.TOS], nil
}

// PeekValue returns the top-of-stack word without popping it.
func (f *Frame) PeekValue() (int16, error) {
	if f.TOS == f.OP {
		return 0, vmerrors.New(vmerrors.StackUnderflow, "peek on empty operand stack")
	}
	return f.Buf[f.TOS-1], nil
}

// PeekAt returns the operand-stack word depth words below the top
// without popping anything; depth 0 is the same word PeekValue returns.
// Used by invokevirtual/invokeinterface to read 'this' out from under
// the argument words still sitting above it.
func (f *Frame) PeekAt(depth int) (int16, error) {
	i := f.TOS - 1 - depth
	if i < f.OP || i >= f.TOS {
		return 0, vmerrors.New(vmerrors.StackUnderflow, "peek below operand stack base")
	}
	return f.Buf[i], nil
}

// ReadLocal accesses local variable n. Locals crossing into the operand
// region are a StackOverflow per spec.md §4.2 and §4.10 (grouped, not a
// distinct "locals corruption" kind).
func (f *Frame) ReadLocal(n int) (int16, error) {
	if f.FP+n < f.FP || f.FP+n >= f.OP {
		return 0, vmerrors.New(vmerrors.StackOverflow, "local variable index escapes locals region")
	}
	return f.Buf[f.FP+n], nil
}

// WriteLocal writes local variable n.
func (f *Frame) WriteLocal(n int, w int16) error {
	if f.FP+n < f.FP || f.FP+n >= f.OP {
		return vmerrors.New(vmerrors.StackOverflow, "local variable index escapes locals region")
	}
	f.Buf[f.FP+n] = w
	return nil
}

// SavePC appends a new, unused saved-PC slot at the current PC and
// returns its index for use as a jsr `returnAddress` stack value.
func (f *Frame) SavePC() uint8 {
	f.OldPCs = append(f.OldPCs, OldPC{Used: false, PC: f.PC})
	return uint8(len(f.OldPCs) - 1)
}

// RestorePC marks slot index used and returns its PC, for ret. Raises
// IndexOutOfBounds if the index is out of range, and Security if the
// slot was already consumed by an earlier ret (spec.md §3 invariant,
// §4.2).
func (f *Frame) RestorePC(index uint8) (pc.PC, error) {
	i := int(index)
	if i < 0 || i >= len(f.OldPCs) {
		return pc.PC{}, vmerrors.New(vmerrors.IndexOutOfBounds, "ret: saved-PC slot out of range")
	}
	if f.OldPCs[i].Used {
		return pc.PC{}, vmerrors.New(vmerrors.Security, "ret: saved-PC slot already consumed")
	}
	f.OldPCs[i].Used = true
	return f.OldPCs[i].PC, nil
}

// OperandDepth returns the number of words currently on the operand
// stack, used by the method handler to marshal return values.
func (f *Frame) OperandDepth() int { return f.TOS - f.OP }
