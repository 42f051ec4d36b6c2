package sorter

import (
	"fmt"
	"sync/atomic"
)

// Owner identifies which side of the worker protocol may touch an Arena.
type Owner int32

const (
	OwnerHost Owner = iota
	OwnerWorker
)

func (o Owner) String() string {
	if o == OwnerWorker {
		return "worker"
	}
	return "host"
}

// Handoff is a single-writer token. Exactly one owner holds it at a time and
// only the holder may pass it on.
type Handoff struct {
	owner atomic.Int32
}

func (h *Handoff) Owner() Owner {
	return Owner(h.owner.Load())
}

func (h *Handoff) Holds(o Owner) bool {
	return h.Owner() == o
}

// Transfer passes the token from one owner to the other. It panics when from
// does not hold it.
func (h *Handoff) Transfer(from, to Owner) {
	if !h.owner.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("sorter: %s passed a handoff token held by %s", from, h.Owner()))
	}
}

func (h *Handoff) mustHold(o Owner) {
	if !h.Holds(o) {
		panic(fmt.Sprintf("sorter: %s touched the arena while %s holds it", o, h.Owner()))
	}
}

// Arena is the memory shared between the engine and its worker in shared
// mode. The host writes the input regions (centers, indexes, distances) and
// the worker writes the output region (order), each only while holding the
// token.
type Arena struct {
	Handoff

	centers   []float32
	indexes   []uint32
	distances []float32
	order     []uint32
}

// NewArena returns an empty arena held by the host.
func NewArena() *Arena {
	return &Arena{}
}

func (a *Arena) WriteCenters(o Owner, centers []float32) {
	a.mustHold(o)
	if o != OwnerHost {
		panic("sorter: centers are a host region")
	}
	a.centers = append(a.centers[:0], centers...)
}

// WriteRequest stores the splats to sort and optional precomputed distances.
func (a *Arena) WriteRequest(o Owner, indexes []uint32, distances []float32) {
	a.mustHold(o)
	if o != OwnerHost {
		panic("sorter: requests are a host region")
	}
	a.indexes = append(a.indexes[:0], indexes...)
	if distances == nil {
		a.distances = a.distances[:0]
	} else {
		a.distances = append(a.distances[:0], distances...)
	}
}

// Inputs returns views of the host regions. The worker must hold the token.
func (a *Arena) Inputs(o Owner) (centers []float32, indexes []uint32, distances []float32) {
	a.mustHold(o)
	if len(a.distances) > 0 {
		distances = a.distances
	}
	return a.centers, a.indexes, distances
}

// Order returns the output region sized to n for the worker to fill.
func (a *Arena) Order(o Owner, n int) []uint32 {
	a.mustHold(o)
	if o != OwnerWorker {
		panic("sorter: order is a worker region")
	}
	a.order = grow(a.order, n)
	return a.order
}

// ReadOrder copies the last order into dst. The host must hold the token.
func (a *Arena) ReadOrder(o Owner, dst []uint32) []uint32 {
	a.mustHold(o)
	return append(dst[:0], a.order...)
}
