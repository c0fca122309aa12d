/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package heap implements object storage for instances and arrays,
// transient or persistent, keyed by a 16-bit tagged reference
// (spec.md §3 "Reference (objectref)", §4.6). Grounded in shape on the
// teacher's object.Object/object.Field (src/object/String.go shows the
// Fields-as-typed-slots layout this package generalizes), but the
// reference representation itself -- a tagged 16-bit handle instead of a
// Go pointer -- follows spec.md §3 and §9 exactly, since the CAP bytecode
// domain must keep objectref distinct from a native pointer.
package heap

import "jcvmcore/src/vmerrors"

// Kind is the objectref kind tag.
type Kind uint8

const (
	KindNull Kind = iota
	KindInstance
	KindArrayPrimitive
	KindArrayReference
)

// Storage is the objectref storage tag.
type Storage uint8

const (
	StorageTransient Storage = iota
	StoragePersistent
)

// Ref is a 16-bit tagged handle: 2 bits kind, 1 bit storage, 13 bits index.
// Null is the all-zero value and is distinct from any valid non-null
// encoding (kind KindNull is never produced by an allocator).
type Ref uint16

const (
	kindShift    = 14
	storageShift = 13
	indexMask    = 0x1FFF
)

// Null is the sentinel reference.
const Null Ref = 0

// NewRef packs kind/storage/index into a tagged reference.
func NewRef(kind Kind, storage Storage, index int) Ref {
	return Ref(uint16(kind&0x3)<<kindShift | uint16(storage&0x1)<<storageShift | uint16(index&indexMask))
}

// IsNull reports whether r is the null reference.
func (r Ref) IsNull() bool { return r == Null }

// Kind extracts the kind tag.
func (r Ref) Kind() Kind { return Kind(uint16(r) >> kindShift & 0x3) }

// Storage extracts the storage tag.
func (r Ref) Storage() Storage { return Storage(uint16(r) >> storageShift & 0x1) }

// Index extracts the heap/flash index.
func (r Ref) Index() int { return int(uint16(r) & indexMask) }

// ElementType enumerates the primitive element types an array can hold.
type ElementType uint8

const (
	ElemBoolean ElementType = iota
	ElemByte
	ElemShort
	ElemInt
	ElemReference
)

// Instance is a heap-resident object: its owning package/class and its
// field words.
type Instance struct {
	PackageID    uint8
	ClassIndex   uint16
	Fields       []int16
	IsPersistent bool
	OwnerContext uint8 // context that allocated this instance; firewall compares against this
}

// Array is a heap-resident array.
type Array struct {
	ElementType  ElementType
	Data         []int16 // for ElemReference, each word is the low 16 bits of a Ref
	IsPersistent bool
	OwnerContext uint8
}

// Heap stores instances and arrays behind Ref handles, with a fixed
// payload ceiling (spec.md §3 "the heap has a fixed ceiling").
type Heap struct {
	instances  []*Instance
	arrays     []*Array
	freeSlots  []int // reusable instance/array table slots after deallocation
	maxPayload int
	used       int
}

// New creates a Heap with the given payload ceiling in bytes.
func New(maxPayloadBytes int) *Heap {
	return &Heap{maxPayload: maxPayloadBytes}
}

func wordsToBytes(n int) int { return n * 2 }

// AllocateInstance reserves storage for an instance with fieldCount
// fields, all zero-initialized, tagged transient (spec.md §4.6).
func (h *Heap) AllocateInstance(packageID uint8, classIndex uint16, fieldCount int, ownerContext uint8) (Ref, error) {
	size := wordsToBytes(fieldCount)
	if h.used+size > h.maxPayload {
		return Null, vmerrors.New(vmerrors.StackOverflow, "heap exhausted allocating instance")
	}
	inst := &Instance{
		PackageID:    packageID,
		ClassIndex:   classIndex,
		Fields:       make([]int16, fieldCount),
		IsPersistent: false,
		OwnerContext: ownerContext,
	}
	idx := h.allocSlot(len(h.instances))
	if idx == len(h.instances) {
		h.instances = append(h.instances, inst)
	} else {
		h.instances[idx] = inst
	}
	h.used += size
	return NewRef(KindInstance, StorageTransient, idx), nil
}

// AllocateArray reserves storage for an array of length elements of the
// given primitive type, zero-initialized. length == 0 is legal; a
// negative length raises NegativeArraySize (spec.md §8 boundary case).
func (h *Heap) AllocateArray(elemType ElementType, length int, ownerContext uint8) (Ref, error) {
	if length < 0 {
		return Null, vmerrors.New(vmerrors.NegativeArraySize, "array length < 0")
	}
	size := wordsToBytes(length)
	if h.used+size > h.maxPayload {
		return Null, vmerrors.New(vmerrors.StackOverflow, "heap exhausted allocating array")
	}
	arr := &Array{
		ElementType:  elemType,
		Data:         make([]int16, length),
		IsPersistent: false,
		OwnerContext: ownerContext,
	}
	idx := h.allocSlot(len(h.arrays))
	kind := KindArrayPrimitive
	if elemType == ElemReference {
		kind = KindArrayReference
	}
	if idx == len(h.arrays) {
		h.arrays = append(h.arrays, arr)
	} else {
		h.arrays[idx] = arr
	}
	h.used += size
	return NewRef(kind, StorageTransient, idx), nil
}

func (h *Heap) allocSlot(tableLen int) int {
	if len(h.freeSlots) == 0 {
		return tableLen
	}
	idx := h.freeSlots[len(h.freeSlots)-1]
	h.freeSlots = h.freeSlots[:len(h.freeSlots)-1]
	return idx
}

// GetInstance performs a firewall-checked dereference: null raises
// NullPointer; a reference whose owning context differs from
// currentContext (and which does not carry Shareable-interface access,
// enforced by the caller in package context/class) raises Security.
func (h *Heap) GetInstance(r Ref, currentContext uint8, firewallEnabled bool) (*Instance, error) {
	if r.IsNull() {
		return nil, vmerrors.New(vmerrors.NullPointer, "dereference of null objectref")
	}
	if r.Kind() != KindInstance {
		return nil, vmerrors.New(vmerrors.Security, "objectref does not refer to an instance")
	}
	idx := r.Index()
	if idx < 0 || idx >= len(h.instances) || h.instances[idx] == nil {
		return nil, vmerrors.New(vmerrors.Security, "dangling instance reference")
	}
	inst := h.instances[idx]
	if firewallEnabled && inst.OwnerContext != currentContext {
		return nil, vmerrors.New(vmerrors.Security, "firewall: cross-context instance access")
	}
	return inst, nil
}

// GetArray performs the array analogue of GetInstance.
func (h *Heap) GetArray(r Ref, currentContext uint8, firewallEnabled bool) (*Array, error) {
	if r.IsNull() {
		return nil, vmerrors.New(vmerrors.NullPointer, "dereference of null objectref")
	}
	if r.Kind() != KindArrayPrimitive && r.Kind() != KindArrayReference {
		return nil, vmerrors.New(vmerrors.Security, "objectref does not refer to an array")
	}
	idx := r.Index()
	if idx < 0 || idx >= len(h.arrays) || h.arrays[idx] == nil {
		return nil, vmerrors.New(vmerrors.Security, "dangling array reference")
	}
	arr := h.arrays[idx]
	if firewallEnabled && arr.OwnerContext != currentContext {
		return nil, vmerrors.New(vmerrors.Security, "firewall: cross-context array access")
	}
	return arr, nil
}

// ReadField performs a bounds-checked instance field read.
func (inst *Instance) ReadField(index int) (int16, error) {
	if index < 0 || index >= len(inst.Fields) {
		return 0, vmerrors.New(vmerrors.IndexOutOfBounds, "field index out of range")
	}
	return inst.Fields[index], nil
}

// WriteField performs a bounds-checked instance field write. Persistent
// instances are read-only views; writes raise Security.
func (inst *Instance) WriteField(index int, value int16) error {
	if inst.IsPersistent {
		return vmerrors.New(vmerrors.Security, "write to persistent (flash) instance field")
	}
	if index < 0 || index >= len(inst.Fields) {
		return vmerrors.New(vmerrors.IndexOutOfBounds, "field index out of range")
	}
	inst.Fields[index] = value
	return nil
}

// ReadElement performs a bounds-checked array element read.
func (a *Array) ReadElement(index int) (int16, error) {
	if index < 0 || index >= len(a.Data) {
		return 0, vmerrors.New(vmerrors.IndexOutOfBounds, "array index out of range")
	}
	return a.Data[index], nil
}

// WriteElement performs a bounds-checked array element write, rejecting
// writes to persistent arrays and type-incompatible reference stores
// (the ArrayStore check itself -- reference-type compatibility -- is
// performed by the caller in package class via checkcast, since only it
// knows the element's static type).
func (a *Array) WriteElement(index int, value int16) error {
	if a.IsPersistent {
		return vmerrors.New(vmerrors.Security, "write to persistent (flash) array element")
	}
	if index < 0 || index >= len(a.Data) {
		return vmerrors.New(vmerrors.IndexOutOfBounds, "array index out of range")
	}
	a.Data[index] = value
	return nil
}

// Len returns the array's length.
func (a *Array) Len() int { return len(a.Data) }
