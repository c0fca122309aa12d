/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package cache holds bounded LRU caches of expensive cross-package
// resolutions, so a hot virtual method invoked from inside a loop does
// not re-walk the Import/Export tables and superclass chain on every
// call (SPEC_FULL.md §9). Grounded on github.com/hashicorp/golang-lru,
// a dependency the retrieval pack's go-probe (an Ethereum client) uses
// for exactly this shape of "cache a derived lookup, bounded, evict
// oldest" problem.
package cache

import lru "github.com/hashicorp/golang-lru/v2"

// ClassRefKey identifies a resolved class reference: which package the
// reference was resolved from, plus the raw class-ref token bytes.
type ClassRefKey struct {
	FromPackage  uint8
	PackageToken uint8
	ClassToken   uint8
}

// ClassRefValue is the resolved (package, class index) pair.
type ClassRefValue struct {
	Package    uint8
	ClassIndex uint16
}

// MethodOffsetKey identifies a resolved virtual/package method lookup.
type MethodOffsetKey struct {
	FromPackage uint8
	ClassIndex  uint16
	Token       uint8
	Public      bool
}

// MethodOffsetValue is the resolved (package, method offset) pair.
type MethodOffsetValue struct {
	Package uint8
	Offset  uint16
}

// Resolver wraps two small LRU caches used by constantpool.Handler and
// class.Handler. Zero value is not usable; construct with New.
type Resolver struct {
	classRefs *lru.Cache[ClassRefKey, ClassRefValue]
	methods   *lru.Cache[MethodOffsetKey, MethodOffsetValue]
}

// DefaultSize is a conservative cache size in entries, chosen to fit
// comfortably in a constrained-memory target without dominating the
// heap budget (spec.md §6 JCVM_MAX_HEAP_SIZE).
const DefaultSize = 64

// New creates a Resolver with DefaultSize-entry caches.
func New() *Resolver {
	cr, _ := lru.New[ClassRefKey, ClassRefValue](DefaultSize)
	mo, _ := lru.New[MethodOffsetKey, MethodOffsetValue](DefaultSize)
	return &Resolver{classRefs: cr, methods: mo}
}

// GetClassRef returns a cached resolution, if any.
func (r *Resolver) GetClassRef(k ClassRefKey) (ClassRefValue, bool) {
	return r.classRefs.Get(k)
}

// PutClassRef stores a resolution.
func (r *Resolver) PutClassRef(k ClassRefKey, v ClassRefValue) {
	r.classRefs.Add(k, v)
}

// GetMethodOffset returns a cached resolution, if any.
func (r *Resolver) GetMethodOffset(k MethodOffsetKey) (MethodOffsetValue, bool) {
	return r.methods.Get(k)
}

// PutMethodOffset stores a resolution.
func (r *Resolver) PutMethodOffset(k MethodOffsetKey, v MethodOffsetValue) {
	r.methods.Add(k, v)
}
