/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

package capfile

import "jcvmcore/src/vmerrors"

// PackageID is an opaque handle into the table of installed CAP images
// (spec.md §3 "Package"). Invariant: PackageID < JCVM_MAX_PACKAGES.
type PackageID uint8

// Registry is the table of installed packages, indexed by PackageID.
// Grounded on the teacher's classloader.MethAreaFetch pattern (a global
// lookup from name/id to loaded class data), generalized to whole CAP
// images instead of single classes.
type Registry struct {
	packages []*Cap
	maxSize  int
}

// NewRegistry creates an empty registry with room for maxPackages
// entries (JCVM_MAX_PACKAGES, spec.md §6).
func NewRegistry(maxPackages int) *Registry {
	return &Registry{maxSize: maxPackages}
}

// Install registers cap under a freshly assigned PackageID.
func (r *Registry) Install(cap *Cap) (PackageID, error) {
	if len(r.packages) >= r.maxSize {
		return 0, vmerrors.New(vmerrors.Security, "package table full")
	}
	r.packages = append(r.packages, cap)
	return PackageID(len(r.packages) - 1), nil
}

// Get resolves a PackageID to its Cap, bounds-checked.
func (r *Registry) Get(id PackageID) (*Cap, error) {
	if int(id) >= len(r.packages) {
		return nil, vmerrors.New(vmerrors.Security, "reference to unregistered package")
	}
	return r.packages[id], nil
}

// Len returns the number of installed packages.
func (r *Registry) Len() int { return len(r.packages) }
