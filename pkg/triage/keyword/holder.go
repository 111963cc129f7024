package keyword

import "sync/atomic"

// Generation is an index together with its load sequence number.
type Generation struct {
	Index *Index
	Seq   uint64
}

// Holder publishes the current index generation. Readers call Current once
// per document and use that generation throughout, so a concurrent reload
// is never observed half-applied.
type Holder struct {
	current atomic.Pointer[Generation]
	seq     atomic.Uint64
}

// NewHolder creates a holder serving idx as generation 1.
func NewHolder(idx *Index) *Holder {
	h := &Holder{}
	h.Swap(idx)
	return h
}

// Current returns the active generation.
func (h *Holder) Current() *Generation {
	return h.current.Load()
}

// Swap installs idx as a new generation and returns the previous one.
func (h *Holder) Swap(idx *Index) *Generation {
	gen := &Generation{Index: idx, Seq: h.seq.Add(1)}
	return h.current.Swap(gen)
}
