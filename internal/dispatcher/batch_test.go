package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func constMem(v uint64) MemReader {
	return func() uint64 { return v }
}

func TestSmartBatch_GrowsWhenFast(t *testing.T) {
	b := NewSmartBatch(5, 100, time.Second, 0, constMem(0))
	require.Equal(t, 5, b.Size())

	b.Observe(10 * time.Millisecond)
	require.Equal(t, 7, b.Size())

	for range 50 {
		b.Observe(10 * time.Millisecond)
	}
	require.Equal(t, 100, b.Size())
}

func TestSmartBatch_ShrinksWhenSlowOrFailing(t *testing.T) {
	b := NewSmartBatch(5, 100, time.Second, 0, constMem(0))
	for range 50 {
		b.Observe(time.Millisecond)
	}
	require.Equal(t, 100, b.Size())

	b.Observe(2 * time.Second)
	require.Equal(t, 50, b.Size())

	// between slow/2 and slow the size holds
	b.Observe(700 * time.Millisecond)
	require.Equal(t, 50, b.Size())

	b.Failure()
	require.Equal(t, 25, b.Size())
	for range 10 {
		b.Failure()
	}
	require.Equal(t, 5, b.Size())
}

func TestSmartBatch_MemoryPressure(t *testing.T) {
	var used uint64
	b := NewSmartBatch(2, 64, time.Second, 1000, func() uint64 { return used })

	for range 20 {
		b.Observe(time.Millisecond)
	}
	require.Equal(t, 64, b.Size())
	require.False(t, b.Pressure())

	used = 1000
	require.True(t, b.Pressure())
	b.Observe(time.Millisecond)
	require.Equal(t, 32, b.Size())
}

func TestSmartBatch_Bounds(t *testing.T) {
	b := NewSmartBatch(0, 0, 0, 0, constMem(0))
	require.Equal(t, 1, b.Size())

	b.Observe(time.Hour)
	require.Equal(t, 1, b.Size())
	b.Failure()
	require.Equal(t, 1, b.Size())
}
