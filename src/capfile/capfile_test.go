/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

package capfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCPEntryOutOfRangeIsBoundsErr(t *testing.T) {
	c := &Cap{ConstantPool: []CPEntry{{Tag: TagClassref}}}
	_, err := c.GetCPEntry(1)
	assert.Error(t, err)
}

func TestGetClassRejectsObjectSentinel(t *testing.T) {
	c := &Cap{Classes: []ClassInfo{{}}}
	_, err := c.GetClass(ObjectClassIndex)
	assert.Error(t, err)
}

func TestGetClassInRangeSucceeds(t *testing.T) {
	c := &Cap{Classes: []ClassInfo{{DeclaredInstanceSize: 4}}}
	ci, err := c.GetClass(0)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), ci.DeclaredInstanceSize)
}

func TestClassIndexOfFindsOwnIndex(t *testing.T) {
	c := &Cap{Classes: []ClassInfo{{}, {IsInterface: true}, {}}}
	idx, ok := c.ClassIndexOf(&c.Classes[1])
	require.True(t, ok)
	assert.Equal(t, uint16(1), idx)
}

func TestClassIndexOfMissesForeignPointer(t *testing.T) {
	c := &Cap{Classes: []ClassInfo{{}}}
	foreign := &ClassInfo{}
	_, ok := c.ClassIndexOf(foreign)
	assert.False(t, ok)
}

func TestGetExportUnknownOffsetIsBoundsErr(t *testing.T) {
	c := &Cap{Exports: map[uint16]ExportedClass{}}
	_, err := c.GetExport(5)
	assert.Error(t, err)
}

func TestImportedPackageTokenOutOfRangeIsBoundsErr(t *testing.T) {
	c := &Cap{Imports: []uint8{3}}
	_, err := c.ImportedPackageToken(1)
	assert.Error(t, err)
}

func TestRegistryInstallAssignsSequentialPackageIDs(t *testing.T) {
	r := NewRegistry(2)
	id1, err := r.Install(&Cap{})
	require.NoError(t, err)
	id2, err := r.Install(&Cap{})
	require.NoError(t, err)
	assert.Equal(t, PackageID(0), id1)
	assert.Equal(t, PackageID(1), id2)
}

func TestRegistryInstallBeyondMaxSizeIsSecurityFault(t *testing.T) {
	r := NewRegistry(1)
	_, err := r.Install(&Cap{})
	require.NoError(t, err)
	_, err = r.Install(&Cap{})
	assert.Error(t, err)
}

func TestRegistryGetUnregisteredPackageIsSecurityFault(t *testing.T) {
	r := NewRegistry(1)
	_, err := r.Get(0)
	assert.Error(t, err)
}
