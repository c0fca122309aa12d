/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

package interpreter

import (
	"jcvmcore/src/capfile"
	"jcvmcore/src/context"
	"jcvmcore/src/frame"
	"jcvmcore/src/heap"
	"jcvmcore/src/vmerrors"
)

// thrown wraps a user-raised athrow exception with the heap reference
// being thrown, so unwind can checkcast it against a handler's
// CatchType. VM-detected faults (NullPointer, StackOverflow, ...) carry
// no such object and so only match CatchAny handlers -- this core has no
// portable mapping from a fault Kind to one CAP image's exception class
// hierarchy, so typed handlers only ever catch exceptions the applet
// itself threw.
type thrown struct {
	*vmerrors.Fault
	Ref heap.Ref
}

// athrow implements spec.md §4.8 "throw": pop the exception reference,
// raise NullPointer if it is null (throwing null is itself a fault), and
// otherwise hand a typed, catchable fault to unwind.
func (in *Interpreter) athrow(ctx *context.Context, f *frame.Frame) (bool, error) {
	oref, err := f.PopValue()
	if err != nil {
		return false, err
	}
	ref := heap.Ref(oref)
	if ref.IsNull() {
		return false, vmerrors.New(vmerrors.NullPointer, "athrow: exception reference is null")
	}
	return false, &thrown{Fault: vmerrors.New(vmerrors.Thrown, "application exception"), Ref: ref}
}

// unwind searches ctx's live frames, innermost first, for an exception
// handler whose PC range covers the fault site and whose CatchType
// matches (spec.md §7 "matched by PC range and by catch-type
// compatibility"). On a match it truncates the stack to the catching
// frame, clears its operand stack, parks its PC at the handler, pushes
// the exception reference (Null for an uncatchable-by-type VM fault
// caught by a catch-all), and reports handled=true. On no match
// anywhere in ctx, reports handled=false and returns raw for the caller
// to propagate.
func (in *Interpreter) unwind(ctx *context.Context, instrPC int, raw error) (bool, error) {
	frames := ctx.Stack.Frames()
	top := len(frames) - 1

	for i := top; i >= 0; i-- {
		f := frames[i]
		pkg := capfile.PackageID(f.PackageID)
		cap, err := in.Registry.Get(pkg)
		if err != nil {
			return false, err
		}
		mi, err := cap.GetMethod(f.MethodOffset)
		if err != nil {
			return false, err
		}

		searchPC := instrPC
		if i != top {
			searchPC = f.PC.Get()
		}

		for _, h := range mi.Handlers {
			if searchPC < h.StartPC || searchPC >= h.EndPC {
				continue
			}
			if !h.CatchAny {
				t, ok := raw.(*thrown)
				if !ok {
					continue
				}
				ok, err := in.exceptionMatches(pkg, t.Ref, h.CatchType)
				if err != nil {
					return false, err
				}
				if !ok {
					continue
				}
			}

			ctx.Stack.TruncateTo(i + 1)
			f.TOS = f.OP
			f.PC.Set(h.HandlerPC)

			var pushRef heap.Ref
			if t, ok := raw.(*thrown); ok {
				pushRef = t.Ref
			}
			if err := f.PushValue(int16(pushRef)); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	return false, raw
}

// unwindAcrossContexts continues an exception search in progressively
// outer contexts once unwind has already searched the current context's
// own frames and found no handler (spec.md §7: "if unwinding crosses a
// context boundary, the firewall allows the search to continue in the
// caller; if no handler anywhere catches it, the interpreter surfaces the
// fault"). Each context searched without a match is popped -- mirroring a
// normal cross-context return -- before the search continues in what is
// now current.
func (in *Interpreter) unwindAcrossContexts(raw error) (bool, error) {
	for in.Contexts.Len() > 1 {
		if err := in.Contexts.Pop(); err != nil {
			return false, err
		}
		ctx := in.Contexts.Current()
		if ctx == nil {
			return false, raw
		}
		f := ctx.Stack.Current()
		if f == nil {
			continue
		}
		handled, herr := in.unwind(ctx, f.PC.Get(), raw)
		if handled {
			return true, nil
		}
		raw = herr
	}
	return false, raw
}

func (in *Interpreter) exceptionMatches(pkg capfile.PackageID, ref heap.Ref, catchType capfile.CPEntry) (bool, error) {
	if ref.IsNull() {
		return false, nil
	}
	inst, err := in.Heap.GetInstance(ref, 0, false)
	if err != nil {
		return false, err
	}
	sourceCi, err := sourceClassInfo(in, capfile.PackageID(inst.PackageID), inst.ClassIndex)
	if err != nil {
		return false, err
	}
	targetPkg, targetCi, err := in.CP.ClassRefToClass(pkg, catchType)
	if err != nil {
		return false, err
	}
	return in.Class.Checkcast(capfile.PackageID(inst.PackageID), sourceCi, targetPkg, targetCi)
}
