// Package clusterstate holds the core's view of the external collaborator
// data model: nodes, jobs, partitions and associations. All of it is
// borrowed state — the core never owns the lifecycle of a Job or
// Partition, only a validated reference to one.
package clusterstate

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// NodeBitmap is a fixed-width set of cluster nodes. Node i is present
// in the set iff bit i is set. Storage mirrors the word-sliced layout
// used elsewhere in this codebase for bit-level set membership (see
// the bloom filter precedent): one word per 64 nodes.
type NodeBitmap struct {
	words []uint64
	size  int // number of addressable node slots
}

// NewNodeBitmap allocates an empty bitmap sized to hold `size` nodes.
func NewNodeBitmap(size int) *NodeBitmap {
	if size < 0 {
		size = 0
	}
	return &NodeBitmap{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

// Size returns the number of addressable node slots.
func (b *NodeBitmap) Size() int {
	if b == nil {
		return 0
	}
	return b.size
}

// Set marks node i as present.
func (b *NodeBitmap) Set(i int) {
	if b == nil || i < 0 || i >= b.size {
		return
	}
	b.words[i/64] |= 1 << uint(i%64)
}

// Clear marks node i as absent.
func (b *NodeBitmap) Clear(i int) {
	if b == nil || i < 0 || i >= b.size {
		return
	}
	b.words[i/64] &^= 1 << uint(i%64)
}

// IsSet reports whether node i is present.
func (b *NodeBitmap) IsSet(i int) bool {
	if b == nil || i < 0 || i >= b.size {
		return false
	}
	return b.words[i/64]&(1<<uint(i%64)) != 0
}

// Copy returns an independent copy of the bitmap.
func (b *NodeBitmap) Copy() *NodeBitmap {
	if b == nil {
		return nil
	}
	out := &NodeBitmap{
		words: make([]uint64, len(b.words)),
		size:  b.size,
	}
	copy(out.words, b.words)
	return out
}

// And returns the bitwise AND of b and other. Both must have the same size.
func (b *NodeBitmap) And(other *NodeBitmap) *NodeBitmap {
	out := b.Copy()
	if out == nil || other == nil {
		return out
	}
	for i := range out.words {
		if i < len(other.words) {
			out.words[i] &= other.words[i]
		} else {
			out.words[i] = 0
		}
	}
	return out
}

// Or returns the bitwise OR of b and other.
func (b *NodeBitmap) Or(other *NodeBitmap) *NodeBitmap {
	out := b.Copy()
	if out == nil || other == nil {
		return out
	}
	for i := range out.words {
		if i < len(other.words) {
			out.words[i] |= other.words[i]
		}
	}
	return out
}

// Not returns the bitwise complement of b, restricted to b.size bits.
func (b *NodeBitmap) Not() *NodeBitmap {
	if b == nil {
		return nil
	}
	out := NewNodeBitmap(b.size)
	for i := range out.words {
		out.words[i] = ^b.words[i]
	}
	out.maskTrailing()
	return out
}

// AndNot returns b &^ other (nodes in b that are not in other).
func (b *NodeBitmap) AndNot(other *NodeBitmap) *NodeBitmap {
	out := b.Copy()
	if out == nil || other == nil {
		return out
	}
	for i := range out.words {
		if i < len(other.words) {
			out.words[i] &^= other.words[i]
		}
	}
	return out
}

// maskTrailing clears any bits beyond `size` in the final word, so
// Popcount and Equal aren't thrown off by complement-induced garbage.
func (b *NodeBitmap) maskTrailing() {
	if b.size%64 == 0 {
		return
	}
	last := len(b.words) - 1
	if last < 0 {
		return
	}
	validBits := uint(b.size % 64)
	b.words[last] &= (1 << validBits) - 1
}

// Popcount returns the number of set bits.
func (b *NodeBitmap) Popcount() int {
	if b == nil {
		return 0
	}
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Equal reports whether two bitmaps have identical set bits.
func (b *NodeBitmap) Equal(other *NodeBitmap) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.size != other.size {
		return false
	}
	for i := range b.words {
		if b.words[i] != other.words[i] {
			return false
		}
	}
	return true
}

// Superset reports whether b contains every node set in other.
func (b *NodeBitmap) Superset(other *NodeBitmap) bool {
	if b == nil || other == nil {
		return false
	}
	for i := range other.words {
		var bw uint64
		if i < len(b.words) {
			bw = b.words[i]
		}
		if other.words[i]&^bw != 0 {
			return false
		}
	}
	return true
}

// Overlaps reports whether b and other share at least one node.
func (b *NodeBitmap) Overlaps(other *NodeBitmap) bool {
	if b == nil || other == nil {
		return false
	}
	for i := 0; i < len(b.words) && i < len(other.words); i++ {
		if b.words[i]&other.words[i] != 0 {
			return true
		}
	}
	return false
}

// IsZero reports whether no bit is set.
func (b *NodeBitmap) IsZero() bool {
	return b.Popcount() == 0
}

// NodeNames renders the set nodes as "node[a,b,c]" style text, using
// the supplied naming function for each index.
func (b *NodeBitmap) NodeNames(name func(i int) string) string {
	if b == nil {
		return ""
	}
	var names []string
	for i := 0; i < b.size; i++ {
		if b.IsSet(i) {
			if name != nil {
				names = append(names, name(i))
			} else {
				names = append(names, strconv.Itoa(i))
			}
		}
	}
	if len(names) == 0 {
		return "(null)"
	}
	return fmt.Sprintf("node[%s]", strings.Join(names, ","))
}

// String renders set bit indices, primarily for debugging/logging.
func (b *NodeBitmap) String() string {
	return b.NodeNames(nil)
}
