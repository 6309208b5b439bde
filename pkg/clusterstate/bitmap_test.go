package clusterstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeBitmapSetClearIsSet(t *testing.T) {
	b := NewNodeBitmap(8)
	require.Equal(t, 0, b.Popcount())

	b.Set(1)
	b.Set(4)
	assert.True(t, b.IsSet(1))
	assert.True(t, b.IsSet(4))
	assert.False(t, b.IsSet(2))
	assert.Equal(t, 2, b.Popcount())

	b.Clear(1)
	assert.False(t, b.IsSet(1))
	assert.Equal(t, 1, b.Popcount())
}

func TestNodeBitmapBooleanOps(t *testing.T) {
	tests := []struct {
		name string
		a    []int
		b    []int
		want func(a, b *NodeBitmap) *NodeBitmap
		expect []int
	}{
		{
			name: "and",
			a:    []int{0, 1, 2},
			b:    []int{1, 2, 3},
			want: func(a, b *NodeBitmap) *NodeBitmap { return a.And(b) },
			expect: []int{1, 2},
		},
		{
			name: "or",
			a:    []int{0, 1},
			b:    []int{1, 2},
			want: func(a, b *NodeBitmap) *NodeBitmap { return a.Or(b) },
			expect: []int{0, 1, 2},
		},
		{
			name: "andnot",
			a:    []int{0, 1, 2},
			b:    []int{1},
			want: func(a, b *NodeBitmap) *NodeBitmap { return a.AndNot(b) },
			expect: []int{0, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewNodeBitmap(8)
			for _, i := range tt.a {
				a.Set(i)
			}
			b := NewNodeBitmap(8)
			for _, i := range tt.b {
				b.Set(i)
			}

			got := tt.want(a, b)
			expected := NewNodeBitmap(8)
			for _, i := range tt.expect {
				expected.Set(i)
			}
			assert.True(t, got.Equal(expected), "got %s want %s", got, expected)
		})
	}
}

func TestNodeBitmapNot(t *testing.T) {
	b := NewNodeBitmap(4)
	b.Set(0)
	b.Set(2)

	not := b.Not()
	assert.False(t, not.IsSet(0))
	assert.True(t, not.IsSet(1))
	assert.False(t, not.IsSet(2))
	assert.True(t, not.IsSet(3))
	assert.Equal(t, 2, not.Popcount())
}

func TestNodeBitmapSupersetAndOverlaps(t *testing.T) {
	full := NewNodeBitmap(8)
	for i := 0; i < 8; i++ {
		full.Set(i)
	}
	sub := NewNodeBitmap(8)
	sub.Set(2)
	sub.Set(5)

	assert.True(t, full.Superset(sub))
	assert.False(t, sub.Superset(full))
	assert.True(t, full.Overlaps(sub))

	disjoint := NewNodeBitmap(8)
	disjoint.Set(7)
	disjoint.Clear(7)
	assert.False(t, sub.Overlaps(disjoint))
}

func TestNodeBitmapCopyIsIndependent(t *testing.T) {
	a := NewNodeBitmap(8)
	a.Set(3)
	b := a.Copy()
	b.Set(4)

	assert.True(t, a.IsSet(3))
	assert.False(t, a.IsSet(4))
	assert.True(t, b.IsSet(3))
	assert.True(t, b.IsSet(4))
}

func TestNodeBitmapNodeNames(t *testing.T) {
	b := NewNodeBitmap(4)
	b.Set(0)
	b.Set(3)

	got := b.NodeNames(func(i int) string {
		return "n" + string(rune('0'+i))
	})
	assert.Equal(t, "node[n0,n3]", got)

	empty := NewNodeBitmap(4)
	assert.Equal(t, "(null)", empty.NodeNames(nil))
}
