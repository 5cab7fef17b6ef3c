package sandbox

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Heap layout. Objects are laid out at objectAlign-byte strides starting at
// heapBase; Compact moves every unpinned object to a fresh address.
const (
	heapBase    = 0x10000
	objectAlign = 0x20
)

// Object is one sandbox heap object. Value is set for boxed primitives and
// Fields for everything else.
type Object struct {
	Type   *Type
	Value  any
	Fields map[string]any
	Hash   int32
}

// Heap stores objects by address and tracks pins.
type Heap struct {
	mu      sync.RWMutex
	objects map[uint64]*Object
	addrs   map[*Object]uint64
	pins    map[*Object]struct{}
	next    uint64
	seed    uint32
}

// NewHeap creates an empty heap. Hash codes are derived from a random seed
// so they differ between runs, like a real runtime.
func NewHeap() *Heap {
	return &Heap{
		objects: make(map[uint64]*Object),
		addrs:   make(map[*Object]uint64),
		pins:    make(map[*Object]struct{}),
		next:    heapBase,
		seed:    uuid.New().ID(),
	}
}

func (h *Heap) allocLocked(o *Object) uint64 {
	addr := h.next
	h.next += objectAlign
	h.objects[addr] = o
	h.addrs[o] = addr
	return addr
}

// Alloc places o on the heap and returns its address.
func (h *Heap) Alloc(o *Object) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o.Hash == 0 {
		o.Hash = int32((h.next * 2654435761) ^ uint64(h.seed))
	}
	return h.allocLocked(o)
}

// AllocAt places o at addr. It is meant for fixtures and replaces whatever
// lived there.
func (h *Heap) AllocAt(addr uint64, o *Object) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.objects[addr]; ok {
		delete(h.addrs, old)
	}
	if o.Hash == 0 {
		o.Hash = int32((addr * 2654435761) ^ uint64(h.seed))
	}
	h.objects[addr] = o
	h.addrs[o] = addr
	if addr >= h.next {
		h.next = addr + objectAlign
	}
}

// At returns the object at addr.
func (h *Heap) At(addr uint64) (*Object, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.objects[addr]
	return o, ok
}

// AddressOf returns the current address of o.
func (h *Heap) AddressOf(o *Object) (uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	addr, ok := h.addrs[o]
	return addr, ok
}

// ByHash finds an object of typeName with the given hash code.
func (h *Heap) ByHash(typeName string, hash int32) (*Object, uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for addr, o := range h.objects {
		if o.Hash == hash && (typeName == "" || o.Type.Name == typeName) {
			return o, addr, true
		}
	}
	return nil, 0, false
}

// Pin keeps o at its current address until it is unpinned. Pinning an
// already pinned object returns the same address and changes nothing.
func (h *Heap) Pin(o *Object) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pins[o] = struct{}{}
	return h.addrs[o]
}

// Unpin releases the object at addr, however many times it was pinned.
func (h *Heap) Unpin(addr uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.objects[addr]
	if !ok {
		return false
	}
	if _, pinned := h.pins[o]; !pinned {
		return false
	}
	delete(h.pins, o)
	return true
}

// Pinned reports whether o is pinned.
func (h *Heap) Pinned(o *Object) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.pins[o]
	return ok
}

// Compact relocates every unpinned object, as a moving GC would, and
// returns how many moved.
func (h *Heap) Compact() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var movable []uint64
	for addr, o := range h.objects {
		if _, pinned := h.pins[o]; !pinned {
			movable = append(movable, addr)
		}
	}
	sort.Slice(movable, func(i, j int) bool { return movable[i] < movable[j] })
	for _, addr := range movable {
		o := h.objects[addr]
		delete(h.objects, addr)
		h.allocLocked(o)
	}
	return len(movable)
}

// Each calls fn for every object in address order.
func (h *Heap) Each(fn func(addr uint64, o *Object)) {
	h.mu.RLock()
	addrs := make([]uint64, 0, len(h.objects))
	for addr := range h.objects {
		addrs = append(addrs, addr)
	}
	objs := make(map[uint64]*Object, len(h.objects))
	for k, v := range h.objects {
		objs[k] = v
	}
	h.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		fn(addr, objs[addr])
	}
}

// Len returns the number of live objects.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}
