/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

package pc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextByteAdvancesOneAndIsSigned(t *testing.T) {
	p := New([]byte{0xFF, 0x02})
	b, err := p.NextByte()
	assert.NoError(t, err)
	assert.Equal(t, int8(-1), b)
	assert.Equal(t, 1, p.Get())
}

func TestNextUnsignedByteDoesNotSignExtend(t *testing.T) {
	p := New([]byte{0xFF, 0x02})
	b, err := p.NextUnsignedByte()
	assert.NoError(t, err)
	assert.Equal(t, uint8(255), b)
	assert.Equal(t, 1, p.Get())
}

func TestNextShortIsBigEndian(t *testing.T) {
	p := New([]byte{0x01, 0x02})
	s, err := p.NextShort()
	assert.NoError(t, err)
	assert.Equal(t, int16(0x0102), s)
	assert.Equal(t, 2, p.Get())
}

func TestNextIntIsBigEndian(t *testing.T) {
	p := New([]byte{0x00, 0x00, 0x01, 0x00})
	v, err := p.NextInt()
	assert.NoError(t, err)
	assert.Equal(t, int32(256), v)
}

func TestReadPastEndIsIndexOutOfBounds(t *testing.T) {
	p := New([]byte{0x01})
	_, err := p.NextShort()
	assert.Error(t, err)
}

func TestSkipMovesCursorByRelativeOffset(t *testing.T) {
	p := New(make([]byte, 10))
	p.Set(3)
	p.Skip(-2)
	assert.Equal(t, 1, p.Get())
}

func TestSetMovesToAbsolutePosition(t *testing.T) {
	p := New(make([]byte, 10))
	p.Set(7)
	assert.Equal(t, 7, p.Get())
}
