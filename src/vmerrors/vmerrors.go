/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package vmerrors defines the fault kinds a Java Card applet can raise
// (spec.md §7) and the Fault type used to propagate them. Grounded on
// the teacher's jacobin/exceptions package (Throw(kind, msg) style), but
// returned through the call chain instead of calling shutdown.Exit
// directly, since a fault must be locally recoverable via the current
// method's exception-handler table before it is allowed to escape.
package vmerrors

import "fmt"

// Kind enumerates the fault kinds of spec.md §7.
type Kind int

const (
	NullPointer Kind = iota
	IndexOutOfBounds
	ArrayStore
	ClassCast
	NegativeArraySize
	StackOverflow
	StackUnderflow
	Security
	Arithmetic
	Thrown // a user-level exception raised by athrow, as opposed to a VM-detected fault
)

func (k Kind) String() string {
	switch k {
	case NullPointer:
		return "NullPointerException"
	case IndexOutOfBounds:
		return "ArrayIndexOutOfBoundsException"
	case ArrayStore:
		return "ArrayStoreException"
	case ClassCast:
		return "ClassCastException"
	case NegativeArraySize:
		return "NegativeArraySizeException"
	case StackOverflow:
		return "SystemException.NO_RESOURCE"
	case StackUnderflow:
		return "SystemException.NO_RESOURCE"
	case Security:
		return "SecurityException"
	case Arithmetic:
		return "ArithmeticException"
	case Thrown:
		return "Exception"
	default:
		return "UnknownFault"
	}
}

// Fault is the error type every VM operation raises on a hard error.
// Hard errors abort the current applet via the unwind machinery in
// package interpreter (spec.md §4.2, §7).
type Fault struct {
	Kind Kind
	Msg  string
}

func (f *Fault) Error() string {
	if f.Msg == "" {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

// New constructs a Fault of the given kind.
func New(k Kind, msg string) *Fault {
	return &Fault{Kind: k, Msg: msg}
}

// Is reports whether err is a Fault of kind k.
func Is(err error, k Kind) bool {
	f, ok := err.(*Fault)
	return ok && f.Kind == k
}
