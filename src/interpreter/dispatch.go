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
	"jcvmcore/src/method"
	"jcvmcore/src/vmerrors"
)

// dispatch executes one opcode against f, the current context ctx's top
// frame. It returns returned=true when f is no longer the frame to keep
// executing: a return-family opcode popped it, or an invoke pushed a
// callee frame (possibly in a new context) that is now current. runFrame
// then stops iterating on f.
func (in *Interpreter) dispatch(ctx *context.Context, f *frame.Frame, opcode byte) (bool, error) {
	switch opcode {
	case NOP:
		return false, nil

	case ACONST_NULL:
		return false, f.PushValue(int16(heap.Null))

	case SCONST_M1, SCONST_0, SCONST_1, SCONST_2, SCONST_3, SCONST_4, SCONST_5:
		return false, f.PushValue(int16(opcode) - SCONST_0)

	case BSPUSH:
		b, err := f.PC.NextByte()
		if err != nil {
			return false, err
		}
		return false, f.PushValue(int16(b))

	case SSPUSH:
		s, err := f.PC.NextShort()
		if err != nil {
			return false, err
		}
		return false, f.PushValue(s)

	case ALOAD, SLOAD:
		n, err := f.PC.NextUnsignedByte()
		if err != nil {
			return false, err
		}
		v, err := f.ReadLocal(int(n))
		if err != nil {
			return false, err
		}
		return false, f.PushValue(v)

	case ALOAD_0, ALOAD_1, ALOAD_2, ALOAD_3:
		return false, in.loadLocal(f, int(opcode-ALOAD_0))
	case SLOAD_0, SLOAD_1, SLOAD_2, SLOAD_3:
		return false, in.loadLocal(f, int(opcode-SLOAD_0))

	case AALOAD, BALOAD, SALOAD:
		return false, in.arrayLoad(ctx, f, opcode)

	case ASTORE, SSTORE:
		n, err := f.PC.NextUnsignedByte()
		if err != nil {
			return false, err
		}
		v, err := f.PopValue()
		if err != nil {
			return false, err
		}
		return false, f.WriteLocal(int(n), v)

	case ASTORE_0, ASTORE_1, ASTORE_2, ASTORE_3:
		return false, in.storeLocal(f, int(opcode-ASTORE_0))
	case SSTORE_0, SSTORE_1, SSTORE_2, SSTORE_3:
		return false, in.storeLocal(f, int(opcode-SSTORE_0))

	case AASTORE, BASTORE, SASTORE:
		return false, in.arrayStore(ctx, f, opcode)

	case POP:
		_, err := f.PopValue()
		return false, err
	case POP2:
		if _, err := f.PopValue(); err != nil {
			return false, err
		}
		_, err := f.PopValue()
		return false, err

	case DUP:
		v, err := f.PeekValue()
		if err != nil {
			return false, err
		}
		return false, f.PushValue(v)

	case DUP2:
		b, err := f.PopValue()
		if err != nil {
			return false, err
		}
		a, err := f.PopValue()
		if err != nil {
			return false, err
		}
		for _, w := range [4]int16{a, b, a, b} {
			if err := f.PushValue(w); err != nil {
				return false, err
			}
		}
		return false, nil

	case SWAP_X:
		b, err := f.PopValue()
		if err != nil {
			return false, err
		}
		a, err := f.PopValue()
		if err != nil {
			return false, err
		}
		if err := f.PushValue(b); err != nil {
			return false, err
		}
		return false, f.PushValue(a)

	case SADD, SSUB, SMUL, SDIV, SREM, SAND, SOR, SXOR, SSHL, SSHR, SUSHR:
		return false, in.binaryOp(f, opcode)

	case SNEG:
		v, err := f.PopValue()
		if err != nil {
			return false, err
		}
		return false, f.PushValue(-v)

	case SINC:
		n, err := f.PC.NextUnsignedByte()
		if err != nil {
			return false, err
		}
		delta, err := f.PC.NextByte()
		if err != nil {
			return false, err
		}
		v, err := f.ReadLocal(int(n))
		if err != nil {
			return false, err
		}
		return false, f.WriteLocal(int(n), v+int16(delta))

	case IFEQ, IFNE, IFLT, IFGE, IFGT, IFLE, IFNULL, IFNONNULL:
		return false, in.branchUnary(f, opcode)

	case IF_SCMPEQ, IF_SCMPNE, IF_SCMPLT, IF_SCMPGE, IF_SCMPGT, IF_SCMPLE, IF_ACMPEQ, IF_ACMPNE:
		return false, in.branchBinary(f, opcode)

	case GOTO:
		target, err := f.PC.NextShort()
		if err != nil {
			return false, err
		}
		f.PC.Skip(target - 3)
		return false, nil

	case JSR:
		target, err := f.PC.NextShort()
		if err != nil {
			return false, err
		}
		slot := f.SavePC()
		if err := f.PushValue(int16(slot)); err != nil {
			return false, err
		}
		f.PC.Skip(target - 3)
		return false, nil

	case RET:
		n, err := f.PC.NextUnsignedByte()
		if err != nil {
			return false, err
		}
		slot, err := f.ReadLocal(int(n))
		if err != nil {
			return false, err
		}
		restored, err := f.RestorePC(uint8(slot))
		if err != nil {
			return false, err
		}
		f.PC = restored
		return false, nil

	case ARETURN, SRETURN:
		return in.doReturn(ctx, method.ReturnWord)
	case RETURN:
		return in.doReturn(ctx, method.ReturnVoid)

	case GETSTATIC_A, GETSTATIC_S:
		return false, in.getStatic(f)
	case PUTSTATIC_A, PUTSTATIC_S:
		return false, in.putStatic(f)

	case GETFIELD_A, GETFIELD_S:
		return false, in.getField(ctx, f)
	case PUTFIELD_A, PUTFIELD_S:
		return false, in.putField(ctx, f)

	case INVOKESTATIC:
		return in.invokeStatic(ctx, f)
	case INVOKESPECIAL:
		return in.invokeSpecial(ctx, f)
	case INVOKEVIRTUAL:
		return in.invokeVirtual(ctx, f)
	case INVOKEINTERFACE:
		return in.invokeInterface(ctx, f)

	case NEW:
		return false, in.opNew(ctx, f)
	case NEWARRAY:
		return false, in.opNewArray(ctx, f)
	case ANEWARRAY:
		return false, in.opANewArray(ctx, f)
	case ARRAYLENGTH:
		return false, in.opArrayLength(ctx, f)

	case ATHROW:
		return in.athrow(ctx, f)

	case CHECKCAST:
		return false, in.checkcastOp(ctx, f)
	case INSTANCEOF:
		return false, in.instanceofOp(ctx, f)

	default:
		return false, vmerrors.New(vmerrors.Security, "unimplemented or reserved opcode")
	}
}

func (in *Interpreter) loadLocal(f *frame.Frame, n int) error {
	v, err := f.ReadLocal(n)
	if err != nil {
		return err
	}
	return f.PushValue(v)
}

func (in *Interpreter) storeLocal(f *frame.Frame, n int) error {
	v, err := f.PopValue()
	if err != nil {
		return err
	}
	return f.WriteLocal(n, v)
}

func (in *Interpreter) binaryOp(f *frame.Frame, opcode byte) error {
	b, err := f.PopValue()
	if err != nil {
		return err
	}
	a, err := f.PopValue()
	if err != nil {
		return err
	}
	var r int16
	switch opcode {
	case SADD:
		r = a + b
	case SSUB:
		r = a - b
	case SMUL:
		r = a * b
	case SDIV:
		if b == 0 {
			return vmerrors.New(vmerrors.Arithmetic, "division by zero")
		}
		r = a / b
	case SREM:
		if b == 0 {
			return vmerrors.New(vmerrors.Arithmetic, "division by zero")
		}
		r = a % b
	case SAND:
		r = a & b
	case SOR:
		r = a | b
	case SXOR:
		r = a ^ b
	case SSHL:
		r = a << (uint16(b) & 0xF)
	case SSHR:
		r = a >> (uint16(b) & 0xF)
	case SUSHR:
		r = int16(uint16(a) >> (uint16(b) & 0xF))
	}
	return f.PushValue(r)
}

func (in *Interpreter) branchUnary(f *frame.Frame, opcode byte) error {
	target, err := f.PC.NextShort()
	if err != nil {
		return err
	}
	v, err := f.PopValue()
	if err != nil {
		return err
	}
	var taken bool
	switch opcode {
	case IFEQ:
		taken = v == 0
	case IFNE:
		taken = v != 0
	case IFLT:
		taken = v < 0
	case IFGE:
		taken = v >= 0
	case IFGT:
		taken = v > 0
	case IFLE:
		taken = v <= 0
	case IFNULL:
		taken = heap.Ref(v).IsNull()
	case IFNONNULL:
		taken = !heap.Ref(v).IsNull()
	}
	if taken {
		f.PC.Skip(target - 3)
	}
	return nil
}

func (in *Interpreter) branchBinary(f *frame.Frame, opcode byte) error {
	target, err := f.PC.NextShort()
	if err != nil {
		return err
	}
	b, err := f.PopValue()
	if err != nil {
		return err
	}
	a, err := f.PopValue()
	if err != nil {
		return err
	}
	var taken bool
	switch opcode {
	case IF_SCMPEQ, IF_ACMPEQ:
		taken = a == b
	case IF_SCMPNE, IF_ACMPNE:
		taken = a != b
	case IF_SCMPLT:
		taken = a < b
	case IF_SCMPGE:
		taken = a >= b
	case IF_SCMPGT:
		taken = a > b
	case IF_SCMPLE:
		taken = a <= b
	}
	if taken {
		f.PC.Skip(target - 3)
	}
	return nil
}

func (in *Interpreter) doReturn(ctx *context.Context, width int) (bool, error) {
	// A context only ever has exactly one frame at the point its entry
	// method returns when it was pushed for a cross-context invoke (the
	// bootstrap context from Run is the only other context, and it is
	// never len()==1 alongside a sibling context); such a return has no
	// caller frame in the same Stack for FinishReturn/PopFrame to copy
	// into, so it is handled separately (spec.md §4.9).
	if ctx.Stack.Len() == 1 && in.Contexts.Len() > 1 {
		return in.returnAcrossContext(ctx, width)
	}

	if err := in.Method.FinishReturn(ctx.Stack, width); err != nil {
		return false, err
	}
	if ctx.Stack.Len() == 0 && in.Contexts.Len() > 1 {
		if err := in.Contexts.Pop(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// returnAcrossContext pops the callee's pushed context, restoring the
// caller's context as current, and pushes the return value(s) (if any)
// onto the resumed context's now-current frame.
func (in *Interpreter) returnAcrossContext(ctx *context.Context, width int) (bool, error) {
	vals, err := in.Method.FinishCrossContextReturn(ctx.Stack, width)
	if err != nil {
		return false, err
	}
	if err := in.Contexts.Pop(); err != nil {
		return false, err
	}
	resumed := in.Contexts.Current()
	if resumed == nil {
		return true, nil
	}
	f := resumed.Stack.Current()
	if f == nil {
		return true, nil
	}
	for _, v := range vals {
		if err := f.PushValue(v); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (in *Interpreter) firewallEnabled() bool { return in.Globals.Checks.Firewall }

func (in *Interpreter) currentPackage(f *frame.Frame) capfile.PackageID {
	return capfile.PackageID(f.PackageID)
}
