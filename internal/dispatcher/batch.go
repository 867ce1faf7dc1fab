package dispatcher

import (
	"runtime"
	"sync"
	"time"
)

// MemReader returns the current heap usage in bytes.
type MemReader func() uint64

// HeapReader reads the live heap from the runtime, at most once per interval.
func HeapReader(interval time.Duration) MemReader {
	var (
		mu     sync.Mutex
		last   time.Time
		cached uint64
	)
	return func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(last) >= interval {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			cached = m.HeapAlloc
			last = time.Now()
		}
		return cached
	}
}

// SmartBatch sizes the dispatch window. It grows additively while fetches are fast and
// halves on slow fetches, failures or heap pressure, always staying within [min, max].
type SmartBatch struct {
	min, max int
	size     int

	slow     time.Duration
	memLimit uint64
	mem      MemReader
}

// NewSmartBatch starts at min. A zero memLimit disables the heap check.
func NewSmartBatch(minSize, maxSize int, slow time.Duration, memLimit uint64, mem MemReader) *SmartBatch {
	if minSize < 1 {
		minSize = 1
	}
	if maxSize < minSize {
		maxSize = minSize
	}
	if mem == nil {
		mem = HeapReader(time.Second)
	}

	b := &SmartBatch{
		min:      minSize,
		max:      maxSize,
		size:     minSize,
		slow:     slow,
		memLimit: memLimit,
		mem:      mem,
	}
	BatchSizeSet(b.size)
	return b
}

// Size returns the current batch size.
func (b *SmartBatch) Size() int {
	return b.size
}

// Pressure reports whether the heap is above the configured limit.
func (b *SmartBatch) Pressure() bool {
	return b.memLimit > 0 && b.mem() >= b.memLimit
}

// Observe adjusts the size after a successful fetch that took latency.
func (b *SmartBatch) Observe(latency time.Duration) {
	switch {
	case b.Pressure(), b.slow > 0 && latency >= b.slow:
		b.shrink()
	case b.slow == 0 || latency <= b.slow/2:
		b.grow()
	}
}

// Failure shrinks the size after a failed fetch.
func (b *SmartBatch) Failure() {
	b.shrink()
}

func (b *SmartBatch) grow() {
	b.size = min(b.max, b.size+1+b.size/4)
	BatchSizeSet(b.size)
}

func (b *SmartBatch) shrink() {
	b.size = max(b.min, b.size/2)
	BatchSizeSet(b.size)
}
