/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package capfile provides read-only structural views over an installed
// CAP image's components (spec.md §6): Class, Method, ConstantPool,
// Import, Export and StaticField. The ReferenceLocation and Descriptor
// components have no view here; Cap carries no data from them. Physical
// loading of the image bytes is out of scope (spec.md §1); this package
// only interprets bytes already resident in memory, grounded on the
// teacher's classloader package (parserUtils.go's intFrom2Bytes/
// intFrom4Bytes big-endian readers, and parsedClass's cpIndex/utf8Refs/
// classRefs slices), generalized from a single classfile's constant pool
// to the eleven-component CAP layout spec.md §6 names.
package capfile

import "jcvmcore/src/vmerrors"

// CP entry tags (spec.md §6 table + §4.4 table).
type CPTag uint8

const (
	TagClassref CPTag = iota
	TagInstanceFieldref
	TagVirtualMethodref
	TagSuperMethodref
	TagStaticFieldref
	TagStaticMethodref
)

// CPEntry is one constant-pool entry, discriminated by Tag.
type CPEntry struct {
	Tag CPTag

	// Classref: internal class token, or external (package_token, class_token).
	External     bool
	PackageToken uint8
	ClassToken   uint8

	// field/method refs
	ClassIndex uint16 // index of a Classref entry this ref belongs to
	Token      uint8  // virtual method token, or export-table index when External

	// static field/method refs, internal case: direct offset, bypassing
	// the export table (an internal reference never needs one).
	InternalOffset uint16
}

// ClassInfo mirrors the Class component's per-class/interface descriptor
// fields named in spec.md §6.
type ClassInfo struct {
	IsInterface bool

	InterfaceCount          int
	SuperClassRef           uint16 // CP offset into Classref entries, 0xFFFF if none (Object)
	DeclaredInstanceSize    uint8
	PublicMethodTableBase   uint8
	PublicMethodTableCount  uint8
	PackageMethodTableBase  uint8
	PackageMethodTableCount uint8
	PublicVirtualMethods    []uint16 // method offsets, 0xFFFF marks an inherited abstract slot
	PackageVirtualMethods   []uint16

	Interfaces []InterfaceImpl

	// interface-only: super-interfaces this interface extends
	SuperInterfaces []uint16 // CP offsets into Classref entries
}

// InterfaceImpl is one entry of a class's implemented-interfaces table.
type InterfaceImpl struct {
	Interface uint16   // CP offset into Classref entries for the interface
	Indexes   []uint16 // public-method tokens, one per interface method
}

// ExceptionHandler is one entry of a method's exception-handler table
// (spec.md §7 "matched by PC range and by catch-type compatibility").
// CatchAny is set for a handler that catches every exception type
// (Java's `finally` block compiles to one of these).
type ExceptionHandler struct {
	StartPC   int
	EndPC     int
	HandlerPC int
	CatchAny  bool
	CatchType CPEntry // a Classref entry; meaningless if CatchAny
}

// MethodInfo is one Method component entry's header plus code.
type MethodInfo struct {
	Flags      uint8
	MaxStack   uint8
	Nargs      uint8
	MaxLocals  uint8
	Code       []byte
	IsStatic   bool
	IsAbstract bool
	Handlers   []ExceptionHandler
}

// ExportedClass is one Export component entry.
type ExportedClass struct {
	ClassOffset        uint16
	StaticFieldOffsets []uint16
	StaticMethodOffsets []uint16
}

// Cap is a read-only view over one installed package's components.
type Cap struct {
	PackageAID []byte
	Version    [2]uint8

	ConstantPool []CPEntry
	Classes      []ClassInfo
	Methods      []MethodInfo

	// Import: package_token -> imported package id, the PackageID the
	// imported package has in the Registry.
	Imports []uint8

	// Export: keyed by local class offset.
	Exports map[uint16]ExportedClass

	StaticFieldImageSize int
	StaticFieldData      []int16
}

// ObjectClassIndex is the sentinel class index meaning java.lang.Object,
// terminating every superclass walk.
const ObjectClassIndex = 0xFFFF

func boundsErr(what string) error {
	return vmerrors.New(vmerrors.Security, "malformed CAP image: "+what)
}

// GetCPEntry reads one CP entry with bounds checking (spec.md §4.4).
func (c *Cap) GetCPEntry(offset int) (CPEntry, error) {
	if offset < 0 || offset >= len(c.ConstantPool) {
		return CPEntry{}, boundsErr("constant pool index out of range")
	}
	return c.ConstantPool[offset], nil
}

// GetClass reads one Class component entry with bounds checking.
func (c *Cap) GetClass(index uint16) (*ClassInfo, error) {
	if index == ObjectClassIndex {
		return nil, boundsErr("attempt to index Object as a concrete class entry")
	}
	if int(index) >= len(c.Classes) {
		return nil, boundsErr("class index out of range")
	}
	return &c.Classes[index], nil
}

// GetMethod reads one Method component entry with bounds checking.
func (c *Cap) GetMethod(offset uint16) (*MethodInfo, error) {
	if int(offset) >= len(c.Methods) {
		return nil, boundsErr("method offset out of range")
	}
	return &c.Methods[offset], nil
}

// ClassIndexOf finds ci's own index within c.Classes, for callers (like
// `new`) that resolved a ClassInfo pointer and now need the index back
// to stamp a heap instance's owning-class tag.
func (c *Cap) ClassIndexOf(ci *ClassInfo) (uint16, bool) {
	for i := range c.Classes {
		if &c.Classes[i] == ci {
			return uint16(i), true
		}
	}
	return 0, false
}

// GetExport looks up an exported class's offsets by its local class
// offset within the exporting package.
func (c *Cap) GetExport(classOffset uint16) (ExportedClass, error) {
	ex, ok := c.Exports[classOffset]
	if !ok {
		return ExportedClass{}, boundsErr("export table: unknown class offset")
	}
	return ex, nil
}

// ImportedPackageToken resolves an Import-component package_token to the
// imported package's PackageID in the Registry.
func (c *Cap) ImportedPackageToken(token uint8) (uint8, error) {
	if int(token) >= len(c.Imports) {
		return 0, boundsErr("import table: package token out of range")
	}
	return c.Imports[token], nil
}
