// File: pool/slab_pool.go
// Package pool implements bounded slab allocation of fixed-size buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"
	"sync/atomic"
)

const defaultPoolCapacity = 1024

// Stats are cumulative pool counters.
type Stats struct {
	TotalAlloc int64 // buffers allocated because the free list was empty
	TotalGet   int64
	TotalPut   int64
	Dropped    int64 // returned buffers released to the GC
	Free       int64 // buffers on the free list
}

// SlabPool hands out buffers of one size class. The free list is bounded;
// buffers returned to a full pool are left to the garbage collector.
type SlabPool struct {
	size     int
	capacity int

	mu   sync.Mutex
	free [][]byte

	totalAlloc atomic.Int64
	totalGet   atomic.Int64
	totalPut   atomic.Int64
	dropped    atomic.Int64
}

// NewSlabPool creates a pool of size-byte buffers keeping at most capacity
// idle buffers. capacity <= 0 selects the default.
func NewSlabPool(size, capacity int) *SlabPool {
	if capacity <= 0 {
		capacity = defaultPoolCapacity
	}
	return &SlabPool{size: size, capacity: capacity}
}

// Size is the length of every buffer handed out.
func (sp *SlabPool) Size() int { return sp.size }

// Get returns a buffer of Size bytes. Its contents are undefined.
func (sp *SlabPool) Get() []byte {
	sp.totalGet.Add(1)
	sp.mu.Lock()
	if n := len(sp.free); n > 0 {
		buf := sp.free[n-1]
		sp.free[n-1] = nil
		sp.free = sp.free[:n-1]
		sp.mu.Unlock()
		return buf
	}
	sp.mu.Unlock()
	sp.totalAlloc.Add(1)
	return make([]byte, sp.size)
}

// Put returns buf. Buffers of a foreign size class are dropped.
func (sp *SlabPool) Put(buf []byte) {
	if cap(buf) != sp.size {
		sp.dropped.Add(1)
		return
	}
	sp.totalPut.Add(1)
	sp.mu.Lock()
	if len(sp.free) < sp.capacity {
		sp.free = append(sp.free, buf[:sp.size])
		sp.mu.Unlock()
		return
	}
	sp.mu.Unlock()
	sp.dropped.Add(1)
}

// Stats returns a snapshot of the counters.
func (sp *SlabPool) Stats() Stats {
	sp.mu.Lock()
	free := int64(len(sp.free))
	sp.mu.Unlock()
	return Stats{
		TotalAlloc: sp.totalAlloc.Load(),
		TotalGet:   sp.totalGet.Load(),
		TotalPut:   sp.totalPut.Load(),
		Dropped:    sp.dropped.Load(),
		Free:       free,
	}
}
