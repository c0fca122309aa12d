/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jcvmcore/src/vmerrors"
)

func TestRefPacksAndUnpacksKindStorageIndex(t *testing.T) {
	r := NewRef(KindInstance, StoragePersistent, 123)
	assert.Equal(t, KindInstance, r.Kind())
	assert.Equal(t, StoragePersistent, r.Storage())
	assert.Equal(t, 123, r.Index())
	assert.False(t, r.IsNull())
}

func TestNullRefIsDistinctFromAnyAllocation(t *testing.T) {
	assert.True(t, Null.IsNull())
	r := NewRef(KindInstance, StorageTransient, 0)
	assert.False(t, r.IsNull())
}

func TestAllocateInstanceZeroInitializesFields(t *testing.T) {
	h := New(1024)
	ref, err := h.AllocateInstance(1, 2, 3, 9)
	require.NoError(t, err)

	inst, err := h.GetInstance(ref, 9, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), inst.PackageID)
	assert.Equal(t, uint16(2), inst.ClassIndex)
	assert.Len(t, inst.Fields, 3)
	assert.Equal(t, []int16{0, 0, 0}, inst.Fields)
}

func TestAllocateInstanceExceedingPayloadIsStackOverflow(t *testing.T) {
	h := New(2)
	_, err := h.AllocateInstance(0, 0, 4, 0)
	assert.Error(t, err)
}

func TestAllocateArrayNegativeLengthIsNegativeArraySize(t *testing.T) {
	h := New(1024)
	_, err := h.AllocateArray(ElemByte, -1, 0)
	assert.True(t, vmerrors.Is(err, vmerrors.NegativeArraySize))
}

func TestAllocateArrayZeroLengthIsLegal(t *testing.T) {
	h := New(1024)
	ref, err := h.AllocateArray(ElemShort, 0, 0)
	require.NoError(t, err)
	arr, err := h.GetArray(ref, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 0, arr.Len())
}

func TestGetInstanceOnNullRefIsNullPointer(t *testing.T) {
	h := New(1024)
	_, err := h.GetInstance(Null, 0, true)
	assert.True(t, vmerrors.Is(err, vmerrors.NullPointer))
}

func TestGetInstanceCrossContextWithFirewallEnabledIsDenied(t *testing.T) {
	h := New(1024)
	ref, err := h.AllocateInstance(0, 0, 1, 1)
	require.NoError(t, err)
	_, err = h.GetInstance(ref, 2, true)
	assert.Error(t, err)
}

func TestGetInstanceCrossContextWithFirewallDisabledSucceeds(t *testing.T) {
	h := New(1024)
	ref, err := h.AllocateInstance(0, 0, 1, 1)
	require.NoError(t, err)
	_, err = h.GetInstance(ref, 2, false)
	assert.NoError(t, err)
}

func TestWriteFieldToPersistentInstanceIsSecurityFault(t *testing.T) {
	h := New(1024)
	ref, err := h.AllocateInstance(0, 0, 1, 0)
	require.NoError(t, err)
	inst, err := h.GetInstance(ref, 0, false)
	require.NoError(t, err)
	inst.IsPersistent = true
	err = inst.WriteField(0, 7)
	assert.Error(t, err)
}

func TestArrayElementOutOfBoundsIsIndexOutOfBounds(t *testing.T) {
	h := New(1024)
	ref, err := h.AllocateArray(ElemByte, 2, 0)
	require.NoError(t, err)
	arr, err := h.GetArray(ref, 0, false)
	require.NoError(t, err)
	_, err = arr.ReadElement(5)
	assert.Error(t, err)
}

func TestSuccessiveAllocationsGetDistinctRefs(t *testing.T) {
	h := New(1024)
	ref1, err := h.AllocateInstance(0, 0, 1, 0)
	require.NoError(t, err)

	ref2, err := h.AllocateInstance(0, 0, 1, 0)
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2)
}
