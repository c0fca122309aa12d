/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package stack implements the fixed-size per-context word buffer that
// frames are allocated out of contiguously (spec.md §3 "Stack", §4.3).
// Grounded on the teacher's thread.ExecThread.Stack, a *list.List of
// *frames.Frame (src/jvm/run.go's runThread/runFrame), but the teacher's
// frames own their own growable opStack slices; here, per SPEC_FULL.md
// §3, frames are carved out of one shared buffer so push_frame/pop_frame
// can be bounds-checked against a single ceiling the way spec.md §4.3
// describes.
package stack

import (
	"jcvmcore/src/frame"
	"jcvmcore/src/vmerrors"
)

// Stack is a bounded word buffer for one context, plus the LIFO list of
// live frame descriptors allocated within it.
type Stack struct {
	buf    []int16
	frames []*frame.Frame
}

// New creates a Stack with sizeWords words of capacity (default 256 per
// spec.md §3).
func New(sizeWords int) *Stack {
	return &Stack{buf: make([]int16, sizeWords)}
}

// Len returns the number of live frames.
func (s *Stack) Len() int { return len(s.frames) }

// Current returns the top-of-stack (currently executing) frame, or nil
// if the stack is empty.
func (s *Stack) Current() *frame.Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// PushInitialFrame installs the bottommost frame of a new context (used
// to seed a context with its entry-point method). No caller operand
// stack exists yet; nargs does not affect the reservation, whose locals
// region is sized by maxLocals alone.
func (s *Stack) PushInitialFrame(nargs, maxLocals, maxStack int, code []byte, methodOffset uint16) (*frame.Frame, error) {
	fp := 0
	return s.reserve(fp, nargs, maxLocals, maxStack, code, methodOffset)
}

// PushFrame constructs a new callee Frame per spec.md §4.3:
//  1. new FP = caller's TOS - calleeNargs (arguments already in place as
//     locals 0..nargs-1)
//  2. new OP = FP + maxLocals
//  3. new TOS = OP
//  4. new EOS = OP + maxStack
//
// Raises StackOverflow if the reservation would exceed the buffer. On
// secure-clean builds, the locals region beyond the marshalled arguments
// is zeroed by the caller (package method), since only it knows which
// check toggle applies.
func (s *Stack) PushFrame(calleeNargs, maxLocals, maxStack int, code []byte, methodOffset uint16) (*frame.Frame, error) {
	caller := s.Current()
	if caller == nil {
		return nil, vmerrors.New(vmerrors.Security, "push_frame with no caller frame")
	}
	fp := caller.TOS - calleeNargs
	if fp < caller.OP {
		return nil, vmerrors.New(vmerrors.StackUnderflow, "push_frame: caller stack underflow marshalling arguments")
	}
	return s.reserve(fp, calleeNargs, maxLocals, maxStack, code, methodOffset)
}

func (s *Stack) reserve(fp, nargs, maxLocals, maxStack int, code []byte, methodOffset uint16) (*frame.Frame, error) {
	op := fp + maxLocals
	tos := op
	eos := op + maxStack
	if eos > len(s.buf) {
		return nil, vmerrors.New(vmerrors.StackOverflow, "push_frame: frame reservation exceeds stack buffer")
	}

	f := frame.New(s.buf, fp, op, tos, eos, code, methodOffset)
	s.frames = append(s.frames, f)
	return f, nil
}

// Frames exposes the live frame list, top-of-stack last, for unwind to
// walk when searching for a handler.
func (s *Stack) Frames() []*frame.Frame { return s.frames }

// TruncateTo discards frames above (and not including) index keepBelow,
// used by unwind to drop frames a handler was not found in.
func (s *Stack) TruncateTo(keepBelow int) {
	if keepBelow < 0 {
		keepBelow = 0
	}
	if keepBelow < len(s.frames) {
		s.frames = s.frames[:keepBelow]
	}
}

// PopFrame copies returnWords from the callee's (current) operand stack
// to the caller's operand stack, then discards the callee frame,
// restoring the caller as current (spec.md §4.3).
func (s *Stack) PopFrame(returnWords int) error {
	if len(s.frames) < 2 {
		return vmerrors.New(vmerrors.Security, "pop_frame with no caller to return to")
	}
	callee := s.frames[len(s.frames)-1]
	caller := s.frames[len(s.frames)-2]

	if callee.OperandDepth() < returnWords {
		return vmerrors.New(vmerrors.StackUnderflow, "pop_frame: callee operand stack underflow")
	}
	start := callee.TOS - returnWords
	// The callee's arguments became its locals 0..nargs-1, so they leave
	// the caller's operand stack: its new top is the callee's FP.
	caller.TOS = callee.FP
	for i := 0; i < returnWords; i++ {
		if caller.TOS == caller.EOS {
			return vmerrors.New(vmerrors.StackOverflow, "pop_frame: caller operand stack full receiving return value")
		}
		caller.Buf[caller.TOS] = callee.Buf[start+i]
		caller.TOS++
	}

	s.frames = s.frames[:len(s.frames)-1]
	return nil
}

// PopEmptyFrame discards the current frame without copying any return
// value (used by `return`).
func (s *Stack) PopEmptyFrame() error {
	if len(s.frames) == 0 {
		return vmerrors.New(vmerrors.Security, "pop_frame with no frame present")
	}
	if len(s.frames) >= 2 {
		s.frames[len(s.frames)-2].TOS = s.frames[len(s.frames)-1].FP
	}
	s.frames = s.frames[:len(s.frames)-1]
	return nil
}

// ZeroRange zeroes buf[from:to), used by the method handler to implement
// the "secure-clean builds" locals-zeroing and clean-stack-on-return
// toggles (spec.md §4.3 item 6, SPEC_FULL.md §10).
func (s *Stack) ZeroRange(from, to int) {
	for i := from; i < to && i < len(s.buf); i++ {
		s.buf[i] = 0
	}
}
