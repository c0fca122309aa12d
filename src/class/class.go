/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package class implements checkcast/instanceof, superclass walks for
// public and package method tables, interface-method table lookup, and
// instance-field size computation across the class chain (spec.md
// §4.5). Grounded on the teacher's object/classloader pairing (a class's
// fields and superclass chain are walked in jvm/instantiate.go's
// instantiateClass, which climbs "superclass until we hit
// java/lang/Object" exactly as this package's walks do), generalized
// from single-inheritance JVM classes to the CAP format's public/package
// virtual-method-table split and interface-implementation tables.
package class

import (
	"jcvmcore/src/cache"
	"jcvmcore/src/capfile"
	"jcvmcore/src/constantpool"
	"jcvmcore/src/vmerrors"
)

// AbstractSlot marks an inherited-but-unimplemented virtual method slot
// in a class's method table.
const AbstractSlot uint16 = 0xFFFF

// Handler resolves class hierarchy questions for one package at a time.
type Handler struct {
	cp    *constantpool.Handler
	cache *cache.Resolver
}

// New constructs a Handler over a constant-pool handler and an optional
// resolution cache.
func New(cp *constantpool.Handler, c *cache.Resolver) *Handler {
	return &Handler{cp: cp, cache: c}
}

// resolveSuper follows a class's super_class_ref (a Classref CP offset
// in the class's own package) to the superclass's (package, ClassInfo).
// Returns ok=false when ci's super_class_ref is the Object sentinel, i.e.
// ci's superclass is Object, which has no ClassInfo of its own.
func (h *Handler) resolveSuper(pkg capfile.PackageID, ci *capfile.ClassInfo) (capfile.PackageID, *capfile.ClassInfo, bool, error) {
	if ci.SuperClassRef == capfile.ObjectClassIndex {
		return 0, nil, false, nil
	}
	entry, err := h.cp.GetClassRef(pkg, int(ci.SuperClassRef))
	if err != nil {
		return 0, nil, false, err
	}
	superPkg, superCi, err := h.cp.ClassRefToClass(pkg, entry)
	if err != nil {
		return 0, nil, false, err
	}
	return superPkg, superCi, true, nil
}

// GetInstanceFieldsSize sums declared_instance_size across class and all
// its ancestors up to but not including Object (spec.md §4.5, used at
// `new` to size the heap allocation).
func (h *Handler) GetInstanceFieldsSize(pkg capfile.PackageID, ci *capfile.ClassInfo) (int, error) {
	total := 0
	curPkg, cur := pkg, ci
	for {
		total += int(cur.DeclaredInstanceSize) & 0xFF
		superPkg, superCi, ok, err := h.resolveSuper(curPkg, cur)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		curPkg, cur = superPkg, superCi
	}
	return total, nil
}

// VirtualMethodRef is the decoded operand of invokevirtual/invokespecial
// dispatch: a class ref plus a token whose sign bit distinguishes public
// from package method tables (spec.md §4.5).
type VirtualMethodRef struct {
	ClassEntry capfile.CPEntry
	Token      uint8
}

// IsPublicMethod reports whether the token addresses the public method
// table (high bit set), vs. the package method table.
func (r VirtualMethodRef) IsPublicMethod() bool {
	return r.Token&0x80 != 0
}

// GetMethodOffset resolves a virtual-method-ref to (owning package,
// method offset in that package's Method component), per spec.md §4.5's
// walk algorithm: distinguish public vs. package by the token's sign
// bit, walk the superclass chain until the token falls within the
// current class's table, then chase abstract (0xFFFF) slots upward.
func (h *Handler) GetMethodOffset(currentPkg capfile.PackageID, ref VirtualMethodRef) (capfile.PackageID, uint16, error) {
	if ref.IsPublicMethod() {
		return h.getPublicMethodOffset(currentPkg, ref)
	}
	return h.getPackageMethodOffset(currentPkg, ref)
}

// getPublicMethodOffset resolves a public virtual method. SPEC_FULL.md
// §4.10 resolves the source's inverted guard: this raises Security when
// the ref is NOT public, consistent with GetMethodOffset's dispatch.
func (h *Handler) getPublicMethodOffset(currentPkg capfile.PackageID, ref VirtualMethodRef) (capfile.PackageID, uint16, error) {
	if !ref.IsPublicMethod() {
		return 0, 0, vmerrors.New(vmerrors.Security, "getPublicMethodOffset: ref is not a public method token")
	}
	pkg, ci, err := h.cp.ClassRefToClass(currentPkg, ref.ClassEntry)
	if err != nil {
		return 0, 0, err
	}
	return h.walkPublicMethodTable(pkg, ci, ref.Token&^0x80)
}

// GetMethodOffsetForClass runs the same table walk as GetMethodOffset
// but starting from an already-resolved class, rather than a Classref CP
// entry. invokevirtual uses this to dispatch against the receiver's
// runtime class (read off the heap object) instead of the static class
// named at the call site, so that an overriding subclass method is
// actually reached.
func (h *Handler) GetMethodOffsetForClass(pkg capfile.PackageID, ci *capfile.ClassInfo, token uint8) (capfile.PackageID, uint16, error) {
	public := token&0x80 != 0
	plainToken := token &^ 0x80

	var classIndex uint16
	haveIndex := false
	if h.cache != nil {
		if idx, ok := h.classIndexOf(pkg, ci); ok {
			classIndex, haveIndex = idx, true
			key := cache.MethodOffsetKey{FromPackage: uint8(pkg), ClassIndex: classIndex, Token: plainToken, Public: public}
			if v, ok := h.cache.GetMethodOffset(key); ok {
				return capfile.PackageID(v.Package), v.Offset, nil
			}
		}
	}

	var calleePkg capfile.PackageID
	var offset uint16
	var err error
	if public {
		calleePkg, offset, err = h.walkPublicMethodTable(pkg, ci, plainToken)
	} else {
		calleePkg, offset, err = h.walkPackageMethodTable(pkg, ci, token)
	}
	if err != nil {
		return 0, 0, err
	}

	if h.cache != nil && haveIndex {
		key := cache.MethodOffsetKey{FromPackage: uint8(pkg), ClassIndex: classIndex, Token: plainToken, Public: public}
		h.cache.PutMethodOffset(key, cache.MethodOffsetValue{Package: uint8(calleePkg), Offset: offset})
	}
	return calleePkg, offset, nil
}

// classIndexOf recovers ci's index within pkg's Class component, the way
// opNew recovers one from a freshly resolved ClassInfo, so a method
// offset resolved through an already-resolved class can still be keyed
// and memoized by (package, classIndex, token) the same as a
// Classref-based lookup.
func (h *Handler) classIndexOf(pkg capfile.PackageID, ci *capfile.ClassInfo) (uint16, bool) {
	ownerCap, err := h.cp.Cap(pkg)
	if err != nil {
		return 0, false
	}
	return ownerCap.ClassIndexOf(ci)
}

func (h *Handler) walkPublicMethodTable(pkg capfile.PackageID, ci *capfile.ClassInfo, token uint8) (capfile.PackageID, uint16, error) {
	for {
		if token >= ci.PublicMethodTableBase {
			break
		}
		superPkg, superCi, ok, err := h.resolveSuper(pkg, ci)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return 0, 0, vmerrors.New(vmerrors.Security, "getPublicMethodOffset: walk reached Object without resolving")
		}
		pkg, ci = superPkg, superCi
	}

	for {
		idx := int(token) - int(ci.PublicMethodTableBase)
		if idx < 0 || idx >= len(ci.PublicVirtualMethods) {
			return 0, 0, vmerrors.New(vmerrors.Security, "getPublicMethodOffset: table index out of range")
		}
		offset := ci.PublicVirtualMethods[idx]
		if offset != AbstractSlot {
			return pkg, offset, nil
		}
		superPkg, superCi, ok, err := h.resolveSuper(pkg, ci)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return 0, 0, vmerrors.New(vmerrors.Security, "getPublicMethodOffset: abstract slot chain reached Object")
		}
		pkg, ci = superPkg, superCi
	}
}

// getPackageMethodOffset resolves a package-private virtual method. Per
// SPEC_FULL.md §4.10, raises Security when the ref IS public.
func (h *Handler) getPackageMethodOffset(currentPkg capfile.PackageID, ref VirtualMethodRef) (capfile.PackageID, uint16, error) {
	if ref.IsPublicMethod() {
		return 0, 0, vmerrors.New(vmerrors.Security, "getPackageMethodOffset: ref is a public method token")
	}
	pkg, ci, err := h.cp.ClassRefToClass(currentPkg, ref.ClassEntry)
	if err != nil {
		return 0, 0, err
	}
	return h.walkPackageMethodTable(pkg, ci, ref.Token)
}

func (h *Handler) walkPackageMethodTable(pkg capfile.PackageID, ci *capfile.ClassInfo, token uint8) (capfile.PackageID, uint16, error) {
	for {
		if token >= ci.PackageMethodTableBase {
			break
		}
		superPkg, superCi, ok, err := h.resolveSuper(pkg, ci)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return 0, 0, vmerrors.New(vmerrors.Security, "getPackageMethodOffset: walk reached Object without resolving")
		}
		pkg, ci = superPkg, superCi
	}

	for {
		idx := int(token) - int(ci.PackageMethodTableBase)
		if idx < 0 || idx >= len(ci.PackageVirtualMethods) {
			return 0, 0, vmerrors.New(vmerrors.Security, "getPackageMethodOffset: table index out of range")
		}
		offset := ci.PackageVirtualMethods[idx]
		if offset != AbstractSlot {
			return pkg, offset, nil
		}
		superPkg, superCi, ok, err := h.resolveSuper(pkg, ci)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return 0, 0, vmerrors.New(vmerrors.Security, "getPackageMethodOffset: abstract slot chain reached Object")
		}
		pkg, ci = superPkg, superCi
	}
}

// ObjectClassOf climbs classref's superclass chain to Object, used by
// GetImplementedInterfaceMethodOffset's isArray path (SPEC_FULL.md §10,
// grounded on original_source's getObjectClassFromAnObjectRef).
func (h *Handler) ObjectClassOf(currentPkg capfile.PackageID, entry capfile.CPEntry) (capfile.PackageID, *capfile.ClassInfo, error) {
	pkg, ci, err := h.cp.ResolveClassRef(currentPkg, entry)
	if err != nil {
		return 0, nil, err
	}
	for {
		superPkg, superCi, ok, err := h.resolveSuper(pkg, ci)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			return pkg, ci, nil
		}
		pkg, ci = superPkg, superCi
	}
}

// GetImplementedInterfaceMethodOffset resolves invokeinterface dispatch
// (spec.md §4.5): find interfaceRef in class's interfaces table, read
// implIdx's public-method token, then dispatch through the public-method
// table. isArray routes through Object's implemented-interfaces table
// first.
func (h *Handler) GetImplementedInterfaceMethodOffset(
	currentPkg capfile.PackageID,
	classEntry capfile.CPEntry,
	interfaceEntry capfile.CPEntry,
	implIdx int,
	isArray bool,
) (capfile.PackageID, uint16, error) {
	var pkg capfile.PackageID
	var ci *capfile.ClassInfo
	var err error

	if isArray {
		pkg, ci, err = h.ObjectClassOf(currentPkg, classEntry)
	} else {
		pkg, ci, err = h.cp.ClassRefToClass(currentPkg, classEntry)
	}
	if err != nil {
		return 0, 0, err
	}

	return h.GetImplementedInterfaceMethodOffsetForClass(pkg, ci, interfaceEntry, implIdx)
}

// GetImplementedInterfaceMethodOffsetForClass runs the same
// interfaces-table walk as GetImplementedInterfaceMethodOffset but
// starting from an already-resolved class, the way GetMethodOffsetForClass
// does for invokevirtual: real invokeinterface dispatch carries no class
// operand at all (nargs, an interface CP index, and a method index --
// the class comes from the receiver read off the heap at the call site).
func (h *Handler) GetImplementedInterfaceMethodOffsetForClass(
	pkg capfile.PackageID,
	ci *capfile.ClassInfo,
	interfaceEntry capfile.CPEntry,
	implIdx int,
) (capfile.PackageID, uint16, error) {
	ifacePkg, ifaceCi, err := h.cp.ClassRefToInterface(pkg, interfaceEntry)
	if err != nil {
		return 0, 0, err
	}

	for _, impl := range ci.Interfaces {
		implEntry, err := h.cp.GetClassRef(pkg, int(impl.Interface))
		if err != nil {
			return 0, 0, err
		}
		implPkg, implCi, err := h.cp.ClassRefToInterface(pkg, implEntry)
		if err != nil {
			return 0, 0, err
		}
		if implPkg == ifacePkg && sameInterface(implCi, ifaceCi) {
			if implIdx < 0 || implIdx >= len(impl.Indexes) {
				return 0, 0, vmerrors.New(vmerrors.Security, "invokeinterface: impl index out of range")
			}
			publicToken := impl.Indexes[implIdx]
			return h.GetMethodOffsetForClass(pkg, ci, uint8(publicToken)|0x80)
		}
	}

	return 0, 0, vmerrors.New(vmerrors.Security, "invokeinterface: interface not implemented by class")
}

func sameInterface(a, b *capfile.ClassInfo) bool {
	return a == b
}

// Checkcast implements spec.md §4.5's checkcast(S, T) algorithm for a
// class or interface S and T. It has no array case: package
// interpreter's instanceOfRef decides array sources itself, without
// calling Checkcast.
func (h *Handler) Checkcast(sPkg capfile.PackageID, s *capfile.ClassInfo, tPkg capfile.PackageID, t *capfile.ClassInfo) (bool, error) {
	if !s.IsInterface {
		if !t.IsInterface {
			return h.classAssignableToClass(sPkg, s, tPkg, t)
		}
		return h.classImplementsInterface(sPkg, s, tPkg, t)
	}

	if !t.IsInterface {
		return isObjectClass(t), nil
	}
	return h.checkInterfaceCast(sPkg, s, tPkg, t)
}

func isObjectClass(ci *capfile.ClassInfo) bool {
	return ci.SuperClassRef == capfile.ObjectClassIndex && !ci.IsInterface
}

func (h *Handler) classAssignableToClass(sPkg capfile.PackageID, s *capfile.ClassInfo, tPkg capfile.PackageID, t *capfile.ClassInfo) (bool, error) {
	if isObjectClass(t) {
		return true, nil
	}
	curPkg, cur := sPkg, s
	for !isObjectClass(cur) {
		if curPkg == tPkg && cur == t {
			return true, nil
		}
		superPkg, superCi, ok, err := h.resolveSuper(curPkg, cur)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		curPkg, cur = superPkg, superCi
	}
	return curPkg == tPkg && cur == t, nil
}

func (h *Handler) classImplementsInterface(sPkg capfile.PackageID, s *capfile.ClassInfo, tPkg capfile.PackageID, t *capfile.ClassInfo) (bool, error) {
	if len(s.Interfaces) == 0 {
		return false, nil
	}
	for _, impl := range s.Interfaces {
		entry, err := h.cp.GetClassRef(sPkg, int(impl.Interface))
		if err != nil {
			return false, err
		}
		implPkg, implCi, err := h.cp.ClassRefToInterface(sPkg, entry)
		if err != nil {
			return false, err
		}
		ok, err := h.checkInterfaceCast(implPkg, implCi, tPkg, t)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CheckInterfaceCast walks sub's super-interfaces and returns true iff
// sup appears among them; raises Security if either operand is not
// structurally an interface (spec.md §4.5).
func (h *Handler) checkInterfaceCast(subPkg capfile.PackageID, sub *capfile.ClassInfo, supPkg capfile.PackageID, sup *capfile.ClassInfo) (bool, error) {
	if !sub.IsInterface || !sup.IsInterface {
		return false, vmerrors.New(vmerrors.Security, "check_interface_cast: operand is not an interface")
	}
	for _, superRef := range sub.SuperInterfaces {
		entry, err := h.cp.GetClassRef(subPkg, int(superRef))
		if err != nil {
			return false, err
		}
		superPkg, superCi, err := h.cp.ClassRefToInterface(subPkg, entry)
		if err != nil {
			return false, err
		}
		if !superCi.IsInterface {
			return false, vmerrors.New(vmerrors.Security, "check_interface_cast: super-interface entry is not an interface")
		}
		if superPkg == supPkg && superCi == sup {
			return true, nil
		}
	}
	return false, nil
}

// CheckInterfaceCast exposes checkInterfaceCast to callers outside the
// package (e.g. the array-of-reference recursive rule in interpreter).
func (h *Handler) CheckInterfaceCast(subPkg capfile.PackageID, sub *capfile.ClassInfo, supPkg capfile.PackageID, sup *capfile.ClassInfo) (bool, error) {
	return h.checkInterfaceCast(subPkg, sub, supPkg, sup)
}
