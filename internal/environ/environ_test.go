package environ

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetReplacesInPlace(t *testing.T) {
	l, err := New("A=1", "B=2", "C=3")
	require.NoError(t, err)

	require.NoError(t, l.Set("B", "20"))
	require.NoError(t, l.Set("D", "4"))

	assert.Equal(t, []string{"A=1", "B=20", "C=3", "D=4"}, l.Slice())
	v, ok := l.Get("B")
	assert.True(t, ok)
	assert.Equal(t, "20", v)
}

func TestNewDuplicateKeepsFirstPosition(t *testing.T) {
	l, err := New("X=1", "Y=2", "X=3")
	require.NoError(t, err)
	assert.Equal(t, []string{"X=3", "Y=2"}, l.Slice())
}

func TestSetRejectsBadNames(t *testing.T) {
	var l List
	assert.Error(t, l.Set("", "v"))
	assert.Error(t, l.Set("A=B", "v"))
	assert.Error(t, l.Set("A", "v\x00w"))
	assert.Equal(t, 0, l.Len())
}

func TestSetfBadFormat(t *testing.T) {
	var l List
	assert.Error(t, l.Setf("N", "%d"))
	require.NoError(t, l.Setf("N", "%d", 4))
	v, _ := l.Get("N")
	assert.Equal(t, "4", v)
}

func TestMalformedEntry(t *testing.T) {
	_, err := New("NOEQUALS")
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	l, err := New("A=1")
	require.NoError(t, err)

	c := l.Clone()
	require.NoError(t, c.Set("A", "2"))
	require.NoError(t, c.Set("B", "3"))

	assert.Equal(t, []string{"A=1"}, l.Slice())
	assert.Equal(t, []string{"A=2", "B=3"}, c.Slice())
}

func TestMergeOrder(t *testing.T) {
	base, _ := New("PATH=/bin", "HOME=/root")
	over, _ := New("HOME=/home/u", "LANG=C")

	require.NoError(t, base.Merge(over))
	assert.Equal(t, []string{"PATH=/bin", "HOME=/home/u", "LANG=C"}, base.Slice())
}

func TestNilListAccessors(t *testing.T) {
	var l *List
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, []string{}, l.Slice())
	_, ok := l.Get("A")
	assert.False(t, ok)
}
