/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package method prepares callee frames and handles the normal-return
// bookkeeping of spec.md §4.7. Grounded on the teacher's StartExec
// (src/jvm/run.go), which reads a method's header (MaxStack, MaxLocals,
// code), allocates locals, and pushes a frame -- generalized here from
// "the program's one entry method" to "any invoke family opcode's
// callee", and extended with the cross-package context-swap bookkeeping
// spec.md §4.7 item 4 requires.
package method

import (
	"jcvmcore/src/capfile"
	"jcvmcore/src/frame"
	"jcvmcore/src/globals"
	"jcvmcore/src/stack"
	"jcvmcore/src/vmerrors"
)

// Handler prepares callee frames given a resolved method offset.
type Handler struct {
	registry *capfile.Registry
	checks   globals.Checks
}

// New constructs a method Handler.
func New(registry *capfile.Registry, checks globals.Checks) *Handler {
	return &Handler{registry: registry, checks: checks}
}

// PreparedCall is the outcome of resolving and reserving a callee frame:
// whether the call crosses a package boundary, and the frame itself.
type PreparedCall struct {
	Frame           *frame.Frame
	CalleePackageID capfile.PackageID
	CrossesPackage  bool
	IsStatic        bool
}

// PrepareInvoke reads methodOffset's header from calleePkg's Method
// component, installs a new frame on s via push_frame, and -- for
// virtual methods -- verifies local 0 ("this") is non-null (spec.md
// §4.7 item 3). callerPkg is the package the invoking instruction lives
// in, used only to decide CrossesPackage.
func (h *Handler) PrepareInvoke(s *stack.Stack, callerPkg, calleePkg capfile.PackageID, methodOffset uint16, nargs int, isStatic bool) (*PreparedCall, error) {
	cap, err := h.registry.Get(calleePkg)
	if err != nil {
		return nil, err
	}
	mi, err := cap.GetMethod(methodOffset)
	if err != nil {
		return nil, err
	}
	if int(mi.Nargs) != nargs {
		return nil, vmerrors.New(vmerrors.Security, "invoke: argument count does not match method's nargs")
	}

	f, err := s.PushFrame(nargs, int(mi.MaxLocals), int(mi.MaxStack), mi.Code, methodOffset)
	if err != nil {
		return nil, err
	}
	f.PackageID = uint8(calleePkg)

	if h.checks.CleanStackOnReturn {
		s.ZeroRange(f.FP+nargs, f.OP)
	}

	if !isStatic {
		this, err := f.ReadLocal(0)
		if err != nil {
			return nil, err
		}
		if this == 0 {
			return nil, vmerrors.New(vmerrors.NullPointer, "invoke: 'this' is null")
		}
	}

	return &PreparedCall{
		Frame:           f,
		CalleePackageID: calleePkg,
		CrossesPackage:  callerPkg != calleePkg,
		IsStatic:        isStatic,
	}, nil
}

// PopArgs removes nargs words from f's operand stack in call order:
// args[0] is the word nargs-1 words below the top (`this`, for an
// instance call), args[len-1] is the word that was on top. A
// cross-context invoke cannot rely on PushFrame's same-buffer argument
// overlap (the callee's frame lives on a different context's Stack
// entirely, spec.md §4.9), so its arguments are popped explicitly here
// and rewritten into the callee's locals by PrepareCrossContextInvoke.
func (h *Handler) PopArgs(f *frame.Frame, nargs int) ([]int16, error) {
	args := make([]int16, nargs)
	for i := nargs - 1; i >= 0; i-- {
		v, err := f.PopValue()
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// PrepareCrossContextInvoke installs the callee's entry frame on a
// freshly pushed context's own Stack (there is no caller frame there to
// overlap with, since it belongs to a different applet context), writing
// args into locals 0..len(args)-1, and otherwise performing the same
// validation as PrepareInvoke.
func (h *Handler) PrepareCrossContextInvoke(s *stack.Stack, calleePkg capfile.PackageID, methodOffset uint16, args []int16, isStatic bool) (*frame.Frame, error) {
	cap, err := h.registry.Get(calleePkg)
	if err != nil {
		return nil, err
	}
	mi, err := cap.GetMethod(methodOffset)
	if err != nil {
		return nil, err
	}
	if int(mi.Nargs) != len(args) {
		return nil, vmerrors.New(vmerrors.Security, "invoke: argument count does not match method's nargs")
	}

	f, err := s.PushInitialFrame(len(args), int(mi.MaxLocals), int(mi.MaxStack), mi.Code, methodOffset)
	if err != nil {
		return nil, err
	}
	f.PackageID = uint8(calleePkg)
	for i, v := range args {
		if err := f.WriteLocal(i, v); err != nil {
			return nil, err
		}
	}

	if h.checks.CleanStackOnReturn {
		s.ZeroRange(f.FP+len(args), f.OP)
	}

	if !isStatic {
		this, err := f.ReadLocal(0)
		if err != nil {
			return nil, err
		}
		if this == 0 {
			return nil, vmerrors.New(vmerrors.NullPointer, "invoke: 'this' is null")
		}
	}

	return f, nil
}

// Return family width, in words, for each return opcode shape (spec.md
// §4.8 "Return family").
const (
	ReturnVoid  = 0
	ReturnWord  = 1 // sreturn/areturn
	ReturnWide  = 2 // ireturn; no opcode of this core returns two words
)

// FinishReturn copies returnWords back to the caller's operand stack and
// pops the callee frame (spec.md §4.8 "Return family").
func (h *Handler) FinishReturn(s *stack.Stack, returnWords int) error {
	callee := s.Current()
	var err error
	if returnWords == 0 {
		err = s.PopEmptyFrame()
	} else {
		err = s.PopFrame(returnWords)
	}
	if err == nil && h.checks.CleanStackOnReturn && s.Current() != nil {
		s.ZeroRange(s.Current().TOS, callee.EOS)
	}
	return err
}

// FinishCrossContextReturn is FinishReturn's cross-context analogue: a
// context pushed for a cross-context invoke has exactly one frame at the
// point its entry method returns, so there is no caller frame in the same
// Stack for PopFrame to copy into. The return words are instead read
// directly off that frame and handed back for the interpreter to push
// onto the resumed context's frame once this one is popped.
func (h *Handler) FinishCrossContextReturn(s *stack.Stack, returnWords int) ([]int16, error) {
	f := s.Current()
	if f == nil {
		return nil, vmerrors.New(vmerrors.Security, "pop_frame with no frame present")
	}
	if f.OperandDepth() < returnWords {
		return nil, vmerrors.New(vmerrors.StackUnderflow, "pop_frame: callee operand stack underflow")
	}
	vals := make([]int16, returnWords)
	for i := returnWords - 1; i >= 0; i-- {
		v, err := f.PopValue()
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	if err := s.PopEmptyFrame(); err != nil {
		return nil, err
	}
	return vals, nil
}
