/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

package interpreter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jcvmcore/src/capfile"
	"jcvmcore/src/context"
	"jcvmcore/src/globals"
	"jcvmcore/src/vmerrors"
)

func newTestInterpreter(reg *capfile.Registry) *Interpreter {
	return New(reg, globals.InitGlobals("test"))
}

// runUntilDepth drives runFrame until ctx's frame stack unwinds back to
// depth frames (the synthetic caller the test harness pushed beneath the
// method under test), surfacing any error raised along the way.
func runUntilDepth(in *Interpreter, ctx *context.Context, depth int) error {
	for ctx.Stack.Len() > depth {
		if err := in.runFrame(ctx); err != nil {
			return err
		}
	}
	return nil
}

// runAcrossContexts is runUntilDepth's cross-context analogue: a
// cross-context invoke makes a different context current partway
// through, so driving runFrame on a fixed ctx reference would never see
// the callee execute at all. This instead follows Contexts.Current() the
// same way runLoop does, stopping once control is back on ctx with its
// stack at depth frames.
func runAcrossContexts(in *Interpreter, ctx *context.Context, depth int) error {
	for {
		cur := in.Contexts.Current()
		if cur == nil || (cur == ctx && ctx.Stack.Len() <= depth) {
			return nil
		}
		if cur.Stack.Len() == 0 {
			if err := in.Contexts.Pop(); err != nil {
				return err
			}
			continue
		}
		if err := in.runFrame(cur); err != nil {
			handled, herr := in.unwindAcrossContexts(err)
			if !handled {
				return herr
			}
		}
	}
}

// invokeEntry seeds a context with a synthetic outer frame (so a method
// that returns a value has somewhere to put it) and installs the named
// method as a callee frame above it, mirroring how invoke-family opcodes
// themselves prepare a call.
func invokeEntry(t *testing.T, in *Interpreter, pkg capfile.PackageID, methodOffset uint16, nargs int, isStatic bool, args ...int16) (*context.Context, error) {
	t.Helper()
	ctx := in.Contexts.PushFresh(0, pkg, 64)
	outer, err := ctx.Stack.PushInitialFrame(0, 0, 4, []byte{}, 0)
	require.NoError(t, err)
	outer.PackageID = uint8(pkg)
	for _, a := range args {
		require.NoError(t, outer.PushValue(a))
	}
	_, err = in.Method.PrepareInvoke(ctx.Stack, pkg, pkg, methodOffset, nargs, isStatic)
	return ctx, err
}

func TestStaticAddReturnsSum(t *testing.T) {
	code := []byte{
		SSPUSH, 0x00, 0x03,
		SSPUSH, 0x00, 0x04,
		SADD,
		SRETURN,
	}
	reg := capfile.NewRegistry(1)
	pkg, err := reg.Install(&capfile.Cap{
		Methods: []capfile.MethodInfo{{Nargs: 0, MaxLocals: 0, MaxStack: 2, Code: code}},
	})
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx, err := invokeEntry(t, in, pkg, 0, 0, true)
	require.NoError(t, err)
	require.NoError(t, runUntilDepth(in, ctx, 1))

	v, err := ctx.Stack.Frames()[0].PeekValue()
	require.NoError(t, err)
	assert.Equal(t, int16(7), v)
}

// TestLocalIndexAbove127IsNotSignExtended stores and loads local 200 --
// capfile.MethodInfo.MaxLocals is a uint8, so 128-255 are legal local
// indices, and reading the sstore/sload operand byte as a signed int8
// would turn 200 negative and fault it as a locals-region escape.
func TestLocalIndexAbove127IsNotSignExtended(t *testing.T) {
	code := []byte{
		SSPUSH, 0x00, 0x2A, // push 42
		SSTORE, 200,
		SLOAD, 200,
		SRETURN,
	}
	reg := capfile.NewRegistry(1)
	pkg, err := reg.Install(&capfile.Cap{
		Methods: []capfile.MethodInfo{{Nargs: 0, MaxLocals: 201, MaxStack: 1, Code: code}},
	})
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx := in.Contexts.PushFresh(0, pkg, 512)
	outer, err := ctx.Stack.PushInitialFrame(0, 0, 4, []byte{}, 0)
	require.NoError(t, err)
	outer.PackageID = uint8(pkg)
	_, err = in.Method.PrepareInvoke(ctx.Stack, pkg, pkg, 0, 0, true)
	require.NoError(t, err)
	require.NoError(t, runUntilDepth(in, ctx, 1))

	v, err := ctx.Stack.Frames()[0].PeekValue()
	require.NoError(t, err)
	assert.Equal(t, int16(42), v)
}

// TestInvokeSpecialPrivateMethodResolvesLikeStatic builds a private
// method referenced through a StaticMethodref CP entry and a caller doing
// `new C; invokespecial`. Resolution must go through the same
// internal-offset path invokestatic uses (spec.md §4.7 item 5), not the
// SuperMethodref/VirtualMethodref table walk.
func TestInvokeSpecialPrivateMethodResolvesLikeStatic(t *testing.T) {
	reg := capfile.NewRegistry(1)
	cap := &capfile.Cap{
		Classes: []capfile.ClassInfo{
			{SuperClassRef: capfile.ObjectClassIndex}, // C
		},
		ConstantPool: []capfile.CPEntry{
			{Tag: capfile.TagClassref, ClassToken: 0},                              // [0] C
			{Tag: capfile.TagStaticMethodref, External: false, InternalOffset: 0}, // [1] C.privateMethod
		},
		Methods: []capfile.MethodInfo{
			{Nargs: 1, MaxLocals: 1, MaxStack: 1, Code: []byte{BSPUSH, 9, SRETURN}}, // C's private method
			{Nargs: 0, MaxLocals: 0, MaxStack: 2, Code: []byte{ // caller
				NEW, 0x00, 0x00, // new C
				INVOKESPECIAL, 0x00, 0x01,
				SRETURN,
			}},
		},
	}
	pkg, err := reg.Install(cap)
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx, err := invokeEntry(t, in, pkg, 1, 0, true)
	require.NoError(t, err)
	require.NoError(t, runUntilDepth(in, ctx, 1))

	v, err := ctx.Stack.Frames()[0].PeekValue()
	require.NoError(t, err)
	assert.Equal(t, int16(9), v)
}

// TestVirtualDispatchCallsOverride builds A.foo() -> 1, B extends A
// overriding foo() -> 2, and a caller doing `new B; invokevirtual A.foo`.
// Dispatch must land on B's override because it walks from the
// receiver's actual runtime class, not the static classref at the call
// site.
func TestVirtualDispatchCallsOverride(t *testing.T) {
	reg := capfile.NewRegistry(1)
	cap := &capfile.Cap{
		Classes: []capfile.ClassInfo{
			{ // A
				SuperClassRef:         capfile.ObjectClassIndex,
				PublicMethodTableBase: 0,
				PublicVirtualMethods:  []uint16{0}, // foo -> Methods[0]
			},
			{ // B extends A, overrides foo
				SuperClassRef:         0, // CP[0] -> A
				PublicMethodTableBase: 0,
				PublicVirtualMethods:  []uint16{1}, // foo -> Methods[1]
			},
		},
		ConstantPool: []capfile.CPEntry{
			{Tag: capfile.TagClassref, ClassToken: 0},                         // [0] A
			{Tag: capfile.TagClassref, ClassToken: 1},                         // [1] B
			{Tag: capfile.TagVirtualMethodref, ClassIndex: 0, Token: 0x80},    // [2] A.foo ref
		},
		Methods: []capfile.MethodInfo{
			{Nargs: 1, MaxLocals: 1, MaxStack: 1, Code: []byte{SCONST_1, SRETURN}}, // A.foo
			{Nargs: 1, MaxLocals: 1, MaxStack: 1, Code: []byte{SCONST_2, SRETURN}}, // B.foo
			{Nargs: 0, MaxLocals: 0, MaxStack: 2, Code: []byte{ // caller
				NEW, 0x00, 0x01, // new B
				INVOKEVIRTUAL, 0x00, 0x02, 0x01, // cp[2], nargs=1
				SRETURN,
			}},
		},
	}
	pkg, err := reg.Install(cap)
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx, err := invokeEntry(t, in, pkg, 2, 0, true)
	require.NoError(t, err)
	require.NoError(t, runUntilDepth(in, ctx, 1))

	v, err := ctx.Stack.Frames()[0].PeekValue()
	require.NoError(t, err)
	assert.Equal(t, int16(2), v)
}

// TestInterfaceDispatchResolvesThroughImplementationTable builds
// interface I{m()}, class C implements I{m() -> 42}, and a caller doing
// `new C; invokeinterface`.
func TestInterfaceDispatchResolvesThroughImplementationTable(t *testing.T) {
	reg := capfile.NewRegistry(1)
	cap := &capfile.Cap{
		Classes: []capfile.ClassInfo{
			{IsInterface: true}, // I
			{ // C implements I
				SuperClassRef:         capfile.ObjectClassIndex,
				PublicMethodTableBase: 0,
				PublicVirtualMethods:  []uint16{0}, // m -> Methods[0]
				Interfaces: []capfile.InterfaceImpl{
					{Interface: 1, Indexes: []uint16{0}}, // CP[1] -> I, token 0
				},
			},
		},
		ConstantPool: []capfile.CPEntry{
			{Tag: capfile.TagClassref, ClassToken: 1}, // [0] C
			{Tag: capfile.TagClassref, ClassToken: 0}, // [1] I
		},
		Methods: []capfile.MethodInfo{
			{Nargs: 1, MaxLocals: 1, MaxStack: 1, Code: []byte{BSPUSH, 42, SRETURN}}, // C.m
			{Nargs: 0, MaxLocals: 0, MaxStack: 2, Code: []byte{ // caller
				NEW, 0x00, 0x00, // new C
				INVOKEINTERFACE, 0x01, 0x00, 0x01, 0x00, // nargs=1, ifaceOffset=1, implIdx=0
				SRETURN,
			}},
		},
	}
	pkg, err := reg.Install(cap)
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx, err := invokeEntry(t, in, pkg, 1, 0, true)
	require.NoError(t, err)
	require.NoError(t, runUntilDepth(in, ctx, 1))

	v, err := ctx.Stack.Frames()[0].PeekValue()
	require.NoError(t, err)
	assert.Equal(t, int16(42), v)
}

// TestInvokeInterfaceWithZeroNargsIsSecurityFault reads invokeinterface's
// inline operands (nargs, ifaceOffset, implIdx) like any other call, but
// with nargs=0; the check fires before any constant-pool lookup, so the
// other operand bytes never need to resolve to anything.
func TestInvokeInterfaceWithZeroNargsIsSecurityFault(t *testing.T) {
	code := []byte{
		INVOKEINTERFACE, 0x00, 0x00, 0x00, 0x00,
	}
	reg := capfile.NewRegistry(1)
	pkg, err := reg.Install(&capfile.Cap{
		Methods: []capfile.MethodInfo{{Nargs: 0, MaxLocals: 0, MaxStack: 1, Code: code}},
	})
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx, err := invokeEntry(t, in, pkg, 0, 0, true)
	require.NoError(t, err)

	err = runUntilDepth(in, ctx, 1)
	require.Error(t, err)
	assert.True(t, vmerrors.Is(err, vmerrors.Security))
}

// TestInvokeVirtualCrossContextWithoutGrantIsSecurityFault builds a
// caller in context 0 holding a direct reference to an instance owned by
// context 1 (bypassing new/heap allocation the way a smart card applet
// never could, just to put a foreign-owned ref on the operand stack) and
// invokes a virtual method on it. With no Grant on record, dispatchInvoke
// must deny the call before ever pushing a callee context.
func TestInvokeVirtualCrossContextWithoutGrantIsSecurityFault(t *testing.T) {
	reg := capfile.NewRegistry(1)
	cap := &capfile.Cap{
		Classes: []capfile.ClassInfo{
			{ // C
				SuperClassRef:         capfile.ObjectClassIndex,
				PublicMethodTableBase: 0,
				PublicVirtualMethods:  []uint16{0}, // m -> Methods[0]
			},
		},
		ConstantPool: []capfile.CPEntry{
			{Tag: capfile.TagClassref, ClassToken: 0},                      // [0] C
			{Tag: capfile.TagVirtualMethodref, ClassIndex: 0, Token: 0x80}, // [1] C.m ref
		},
		Methods: []capfile.MethodInfo{
			{Nargs: 1, MaxLocals: 1, MaxStack: 1, Code: []byte{BSPUSH, 7, SRETURN}}, // C.m
			{Nargs: 0, MaxLocals: 0, MaxStack: 1, Code: []byte{ // caller, ref pushed via SSPUSH below
				SSPUSH, 0x00, 0x00, // placeholder, patched to the instance's ref bits
				INVOKEVIRTUAL, 0x00, 0x01, 0x01, // cp[1], nargs=1
				SRETURN,
			}},
		},
	}
	pkg, err := reg.Install(cap)
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ref, err := in.Heap.AllocateInstance(uint8(pkg), 0, 0, 1) // owned by context 1
	require.NoError(t, err)
	cap.Methods[1].Code[1] = byte(uint16(ref) >> 8)
	cap.Methods[1].Code[2] = byte(uint16(ref))

	ctx, err := invokeEntry(t, in, pkg, 1, 0, true) // ctx's AppletID is 0
	require.NoError(t, err)

	err = runUntilDepth(in, ctx, 1)
	require.Error(t, err)
	assert.True(t, vmerrors.Is(err, vmerrors.Security))
}

// TestInvokeVirtualCrossContextWithGrantSwitchesContextAndReturns runs
// the same setup as the without-grant case, but records a Grant(0, 1)
// first; the call must switch context, run the callee in its own
// context, and return its value back onto the caller's frame once
// Contexts has unwound back to the original context.
func TestInvokeVirtualCrossContextWithGrantSwitchesContextAndReturns(t *testing.T) {
	reg := capfile.NewRegistry(1)
	cap := &capfile.Cap{
		Classes: []capfile.ClassInfo{
			{ // C
				SuperClassRef:         capfile.ObjectClassIndex,
				PublicMethodTableBase: 0,
				PublicVirtualMethods:  []uint16{0}, // m -> Methods[0]
			},
		},
		ConstantPool: []capfile.CPEntry{
			{Tag: capfile.TagClassref, ClassToken: 0},                      // [0] C
			{Tag: capfile.TagVirtualMethodref, ClassIndex: 0, Token: 0x80}, // [1] C.m ref
		},
		Methods: []capfile.MethodInfo{
			{Nargs: 1, MaxLocals: 1, MaxStack: 1, Code: []byte{BSPUSH, 7, SRETURN}}, // C.m
			{Nargs: 0, MaxLocals: 0, MaxStack: 1, Code: []byte{ // caller
				SSPUSH, 0x00, 0x00, // placeholder, patched to the instance's ref bits
				INVOKEVIRTUAL, 0x00, 0x01, 0x01, // cp[1], nargs=1
				SRETURN,
			}},
		},
	}
	pkg, err := reg.Install(cap)
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ref, err := in.Heap.AllocateInstance(uint8(pkg), 0, 0, 1) // owned by context 1
	require.NoError(t, err)
	cap.Methods[1].Code[1] = byte(uint16(ref) >> 8)
	cap.Methods[1].Code[2] = byte(uint16(ref))

	in.Grant(0, 1)

	ctx, err := invokeEntry(t, in, pkg, 1, 0, true) // ctx's AppletID is 0
	require.NoError(t, err)
	require.NoError(t, runAcrossContexts(in, ctx, 1))

	v, err := ctx.Stack.Frames()[0].PeekValue()
	require.NoError(t, err)
	assert.Equal(t, int16(7), v)
	assert.Equal(t, 1, in.Contexts.Len())
}

// TestNullDerefRaisesNullPointerBeforeClassLookup builds `aconst_null;
// invokevirtual` and asserts the fault fires off the peeked receiver
// before the method ref is even resolved (an out-of-range CP offset
// would itself fault if reached, so a passing test here depends on the
// null check coming first).
func TestNullDerefRaisesNullPointerBeforeClassLookup(t *testing.T) {
	reg := capfile.NewRegistry(1)
	cap := &capfile.Cap{
		Methods: []capfile.MethodInfo{
			{Nargs: 0, MaxLocals: 0, MaxStack: 1, Code: []byte{
				ACONST_NULL,
				INVOKEVIRTUAL, 0x7F, 0xFF, 0x01, // deliberately out-of-range CP offset
			}},
		},
	}
	pkg, err := reg.Install(cap)
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx, err := invokeEntry(t, in, pkg, 0, 0, true)
	require.NoError(t, err)

	err = runUntilDepth(in, ctx, 1)
	require.Error(t, err)
	assert.True(t, vmerrors.Is(err, vmerrors.NullPointer))
}

// TestJsrRetResumesAfterSubroutine builds `jsr sub; sspush 0x55;
// sreturn` with a subroutine `astore_1; ret 1` and expects 0x55 back.
func TestJsrRetResumesAfterSubroutine(t *testing.T) {
	code := []byte{
		JSR, 0x00, 0x07, // 0: jump to subroutine at 7
		SSPUSH, 0x00, 0x55, // 3: resumes here after ret
		SRETURN, // 6
		ASTORE_1, // 7: subroutine
		RET, 0x01, // 8
	}
	reg := capfile.NewRegistry(1)
	pkg, err := reg.Install(&capfile.Cap{
		Methods: []capfile.MethodInfo{{Nargs: 0, MaxLocals: 2, MaxStack: 2, Code: code}},
	})
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx, err := invokeEntry(t, in, pkg, 0, 0, true)
	require.NoError(t, err)
	require.NoError(t, runUntilDepth(in, ctx, 1))

	v, err := ctx.Stack.Frames()[0].PeekValue()
	require.NoError(t, err)
	assert.Equal(t, int16(0x55), v)
}

// TestRetOnAlreadyConsumedSlotIsSecurityFault runs the subroutine once via
// jsr, then goto's straight back into `ret 1` without going through jsr or
// astore_1 again, reusing local 1's already-consumed saved-PC slot.
func TestRetOnAlreadyConsumedSlotIsSecurityFault(t *testing.T) {
	code := []byte{
		JSR, 0x00, 0x06, // 0: jump to subroutine at 6
		GOTO, 0x00, 0x04, // 3: second pass jumps straight to ret at 7, reusing the consumed slot
		ASTORE_1, // 6: subroutine entry (first pass only)
		RET, 0x01, // 7
	}
	reg := capfile.NewRegistry(1)
	pkg, err := reg.Install(&capfile.Cap{
		Methods: []capfile.MethodInfo{{Nargs: 0, MaxLocals: 2, MaxStack: 2, Code: code}},
	})
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx, err := invokeEntry(t, in, pkg, 0, 0, true)
	require.NoError(t, err)

	err = runUntilDepth(in, ctx, 1)
	require.Error(t, err)
	assert.True(t, vmerrors.Is(err, vmerrors.Security))
}

// TestCrossPackageStaticCallSwapsCurrentPackage has package A's main
// invokestatic an exported method of package B returning 0xBEEF, and
// checks the executing frame's package is B mid-call and A again after
// return.
func TestCrossPackageStaticCallSwapsCurrentPackage(t *testing.T) {
	reg := capfile.NewRegistry(2)

	pkgB, err := reg.Install(&capfile.Cap{
		Classes: make([]capfile.ClassInfo, 1),
		Exports: map[uint16]capfile.ExportedClass{
			0: {ClassOffset: 0, StaticMethodOffsets: []uint16{0}},
		},
		Methods: []capfile.MethodInfo{
			{Nargs: 0, MaxLocals: 0, MaxStack: 1, Code: []byte{
				SSPUSH, 0xBE, 0xEF,
				SRETURN,
			}},
		},
	})
	require.NoError(t, err)

	pkgA, err := reg.Install(&capfile.Cap{
		Imports: []uint8{uint8(pkgB)},
		ConstantPool: []capfile.CPEntry{
			{Tag: capfile.TagStaticMethodref, External: true, PackageToken: 0, ClassToken: 0, Token: 0},
		},
		Methods: []capfile.MethodInfo{
			{Nargs: 0, MaxLocals: 0, MaxStack: 1, Code: []byte{
				INVOKESTATIC, 0x00, 0x00,
				SRETURN,
			}},
		},
	})
	require.NoError(t, err)

	in := newTestInterpreter(reg)
	ctx, err := invokeEntry(t, in, pkgA, 0, 0, true)
	require.NoError(t, err)

	require.NoError(t, in.runFrame(ctx)) // executes invokestatic, pushes B's callee frame
	require.Equal(t, 3, ctx.Stack.Len())
	assert.Equal(t, uint8(pkgB), ctx.Stack.Current().PackageID)

	require.NoError(t, in.runFrame(ctx)) // callee runs to sreturn, pops back to A's main
	require.Equal(t, 2, ctx.Stack.Len())
	assert.Equal(t, uint8(pkgA), ctx.Stack.Current().PackageID)

	require.NoError(t, runUntilDepth(in, ctx, 1))
	v, err := ctx.Stack.Frames()[0].PeekValue()
	require.NoError(t, err)
	assert.Equal(t, int16(-16657), v) // two's complement of 0xBEEF
}
