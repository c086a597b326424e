package metadata_test

import (
	"math"
	"testing"
	"unsafe"

	"github.com/memkit/poolalloc/memutils"
	"github.com/memkit/poolalloc/memutils/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMetadata initializes a FreeListBlockMetadata over a plain Go buffer. The metadata
// does not care where its block came from, which keeps these tests off the OS mapping path.
func newTestMetadata(t *testing.T, size int) (*metadata.FreeListBlockMetadata, []byte) {
	t.Helper()

	block := make([]byte, size)
	md := metadata.NewFreeListBlockMetadata()
	md.Init(unsafe.Pointer(&block[0]), size)

	require.NoError(t, md.Validate())
	return md, block
}

// recordPrefix recovers the per-span bookkeeping footprint from a freshly-initialized block.
func recordPrefix(md *metadata.FreeListBlockMetadata) int {
	return md.Size() - md.SumFreeSize()
}

// reqSpace mirrors the worst-case footprint an allocation consumes inside a free span.
func reqSpace(prefix, size int, alignment uint) int {
	return size + prefix + int(alignment) + 1 + memutils.DebugMargin
}

func TestFreeListInit(t *testing.T) {
	md, _ := newTestMetadata(t, 4096)
	prefix := recordPrefix(md)

	require.Equal(t, 4096, md.Size())
	require.Equal(t, 4096-prefix, md.SumFreeSize())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.Equal(t, 0, md.AllocationCount())
	require.True(t, md.IsEmpty())

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      4096,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 4096 - prefix,
		UnusedRangeSizeMax: 4096 - prefix,
	}, stats)
}

func TestFreeListBasicAlloc(t *testing.T) {
	md, block := newTestMetadata(t, 4096)
	prefix := recordPrefix(md)
	initialFree := md.SumFreeSize()

	ptr, err := md.Alloc(100, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	require.Zero(t, uintptr(ptr)%8)
	base := uintptr(unsafe.Pointer(&block[0]))
	require.GreaterOrEqual(t, uint64(uintptr(ptr)), uint64(base))
	require.LessOrEqual(t, uint64(uintptr(ptr))+100, uint64(base)+4096)

	require.Equal(t, 1, md.AllocationCount())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.Equal(t, initialFree-reqSpace(prefix, 100, 8), md.SumFreeSize())
	require.False(t, md.IsEmpty())
	require.NoError(t, md.Validate())

	// The payload must be usable without disturbing the bookkeeping.
	payload := unsafe.Slice((*byte)(ptr), 100)
	for i := range payload {
		payload[i] = 0xA5
	}
	require.NoError(t, md.Validate())
	require.NoError(t, md.CheckCorruption())

	require.NoError(t, md.Free(ptr))
	require.Equal(t, initialFree, md.SumFreeSize())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.True(t, md.IsEmpty())
	require.NoError(t, md.Validate())
}

func TestFreeListAlignmentSweep(t *testing.T) {
	md, _ := newTestMetadata(t, 16384)

	for _, alignment := range []uint{1, 2, 8, 16, 32, 64, 128, 256} {
		ptr, err := md.Alloc(100, alignment)
		require.NoError(t, err)
		require.NotNil(t, ptr)
		require.Zero(t, uintptr(ptr)%uintptr(alignment), "pointer %p is not %d-byte aligned", ptr, alignment)
		require.NoError(t, md.Validate())

		require.NoError(t, md.Free(ptr))
	}

	require.Equal(t, 1, md.FreeRegionsCount())
}

func TestFreeListAllocInvalidArguments(t *testing.T) {
	md, _ := newTestMetadata(t, 4096)

	ptr, err := md.Alloc(0, 8)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, memutils.InvalidArgumentError)

	ptr, err = md.Alloc(-100, 8)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, memutils.InvalidArgumentError)

	ptr, err = md.Alloc(1024, 0)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, memutils.InvalidArgumentError)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	ptr, err = md.Alloc(1024, 7)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, memutils.InvalidArgumentError)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	ptr, err = md.Alloc(1024, 512)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, memutils.InvalidArgumentError)

	// Failed calls must leave the block untouched.
	require.Equal(t, 0, md.AllocationCount())
	require.NoError(t, md.Validate())
}

func TestFreeListAllocExhausted(t *testing.T) {
	md, _ := newTestMetadata(t, 4096)

	// The bookkeeping overhead makes a full-region allocation unsatisfiable.
	ptr, err := md.Alloc(4096, 8)
	require.NoError(t, err)
	require.Nil(t, ptr)

	require.Equal(t, 0, md.AllocationCount())
	require.NoError(t, md.Validate())
}

func TestFreeListExactFitConsumesNode(t *testing.T) {
	md, _ := newTestMetadata(t, 4096)
	prefix := recordPrefix(md)

	// Size the request so reqSpace lands exactly on the single free node.
	size := md.SumFreeSize() - prefix - 8 - 1 - memutils.DebugMargin
	ptr, err := md.Alloc(size, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	require.Equal(t, 0, md.FreeRegionsCount())
	require.Equal(t, 0, md.SumFreeSize())
	require.NoError(t, md.Validate())

	next, err := md.Alloc(1, 1)
	require.NoError(t, err)
	require.Nil(t, next)

	require.NoError(t, md.Free(ptr))
	require.Equal(t, 1, md.FreeRegionsCount())
	require.Equal(t, 4096-prefix, md.SumFreeSize())
	require.NoError(t, md.Validate())
}

func TestFreeListSmallResidualConsumedWhole(t *testing.T) {
	md, _ := newTestMetadata(t, 4096)
	prefix := recordPrefix(md)
	initialFree := md.SumFreeSize()

	// Leave a residual smaller than a free node record. It cannot hold its own bookkeeping,
	// so the allocation must absorb it.
	size := initialFree - prefix - 8 - 1 - memutils.DebugMargin - (prefix / 2)
	ptr, err := md.Alloc(size, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	require.Equal(t, 0, md.FreeRegionsCount())
	require.Equal(t, 0, md.SumFreeSize())
	require.NoError(t, md.Validate())

	require.NoError(t, md.Free(ptr))
	require.Equal(t, initialFree, md.SumFreeSize())
	require.Equal(t, 1, md.FreeRegionsCount())
}

func TestFreeListFirstFitReusesLowestAddress(t *testing.T) {
	md, _ := newTestMetadata(t, 4096)

	first, err := md.Alloc(200, 8)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := md.Alloc(200, 8)
	require.NoError(t, err)
	require.NotNil(t, second)
	third, err := md.Alloc(200, 8)
	require.NoError(t, err)
	require.NotNil(t, third)

	require.NoError(t, md.Free(first))
	require.Equal(t, 2, md.FreeRegionsCount())

	// A smaller request must land in the hole at the lowest address, not at the tail.
	reused, err := md.Alloc(50, 8)
	require.NoError(t, err)
	require.NotNil(t, reused)
	require.Equal(t, first, reused)
	require.NoError(t, md.Validate())
}

func TestFreeListRoundTrip(t *testing.T) {
	freeOrders := map[string][]int{
		"InOrder":     {0, 1, 2, 3, 4},
		"Reverse":     {4, 3, 2, 1, 0},
		"MiddleFirst": {2, 0, 4, 1, 3},
	}

	for name, order := range freeOrders {
		t.Run(name, func(t *testing.T) {
			md, _ := newTestMetadata(t, 4096)
			initialFree := md.SumFreeSize()

			ptrs := make([]unsafe.Pointer, 5)
			for i := range ptrs {
				ptr, err := md.Alloc(101, 8)
				require.NoError(t, err)
				require.NotNil(t, ptr)
				ptrs[i] = ptr
			}
			require.Equal(t, 5, md.AllocationCount())
			require.NoError(t, md.Validate())

			for _, i := range order {
				require.NoError(t, md.Free(ptrs[i]))
				require.NoError(t, md.Validate())
			}

			// Merging must collapse the region back into a single free node of the
			// original size.
			require.True(t, md.IsEmpty())
			require.Equal(t, 1, md.FreeRegionsCount())
			require.Equal(t, initialFree, md.SumFreeSize())
		})
	}
}

func TestFreeListFreeInvalid(t *testing.T) {
	md, block := newTestMetadata(t, 4096)
	prefix := recordPrefix(md)

	err := md.Free(nil)
	require.ErrorIs(t, err, memutils.InvalidOperationError)

	stray := make([]byte, 256)
	err = md.Free(unsafe.Pointer(&stray[255]))
	require.ErrorIs(t, err, memutils.InvalidOperationError)

	ptr, err := md.Alloc(100, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.NoError(t, md.Free(ptr))

	err = md.Free(ptr)
	require.ErrorIs(t, err, memutils.InvalidOperationError, "double free must be rejected")

	// Scribbling over an allocation's header must be caught by the magic check.
	ptr, err = md.Alloc(100, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	offset := int(uintptr(ptr) - uintptr(unsafe.Pointer(&block[0])))
	skipped := int(block[offset-1])
	headerOffset := offset - 1 - skipped - prefix
	for i := headerOffset; i < headerOffset+prefix; i++ {
		block[i] = 0xFF
	}

	err = md.Free(ptr)
	require.ErrorIs(t, err, memutils.InvalidOperationError)
}

func TestFreeListVisitAllRegions(t *testing.T) {
	md, _ := newTestMetadata(t, 4096)
	prefix := recordPrefix(md)

	ptrs := make([]unsafe.Pointer, 3)
	for i := range ptrs {
		ptr, err := md.Alloc(150, 8)
		require.NoError(t, err)
		require.NotNil(t, ptr)
		ptrs[i] = ptr
	}
	require.NoError(t, md.Free(ptrs[1]))

	expectedOffset := 0
	var freeRegions, allocRegions int
	err := md.VisitAllRegions(func(offset, size int, free bool) error {
		assert.Equal(t, expectedOffset, offset, "regions must be contiguous and address-ordered")
		expectedOffset = offset + size

		if free {
			freeRegions++
		} else {
			allocRegions++
		}
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, 4096-prefix, expectedOffset)
	require.Equal(t, 2, freeRegions)
	require.Equal(t, 2, allocRegions)
}

func TestFreeListStats(t *testing.T) {
	md, _ := newTestMetadata(t, 4096)
	prefix := recordPrefix(md)

	small, err := md.Alloc(50, 8)
	require.NoError(t, err)
	require.NotNil(t, small)
	large, err := md.Alloc(500, 8)
	require.NoError(t, err)
	require.NotNil(t, large)

	smallSpan := reqSpace(prefix, 50, 8)
	largeSpan := reqSpace(prefix, 500, 8)

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      4096,
			AllocationCount: 2,
			AllocationBytes: smallSpan + largeSpan,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  smallSpan,
		AllocationSizeMax:  largeSpan,
		UnusedRangeSizeMin: 4096 - prefix - smallSpan - largeSpan,
		UnusedRangeSizeMax: 4096 - prefix - smallSpan - largeSpan,
	}, stats)

	var summary memutils.Statistics
	summary.Clear()
	md.AddStatistics(&summary)
	require.Equal(t, stats.Statistics, summary)
}

func TestFreeListClear(t *testing.T) {
	md, _ := newTestMetadata(t, 4096)
	initialFree := md.SumFreeSize()

	for i := 0; i < 4; i++ {
		ptr, err := md.Alloc(100, 8)
		require.NoError(t, err)
		require.NotNil(t, ptr)
	}
	require.Equal(t, 4, md.AllocationCount())

	md.Clear()

	require.True(t, md.IsEmpty())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.Equal(t, initialFree, md.SumFreeSize())
	require.NoError(t, md.Validate())
}

func TestFreeListChurnKeepsInvariants(t *testing.T) {
	md, block := newTestMetadata(t, 65536)
	base := uintptr(unsafe.Pointer(&block[0]))

	// A deterministic alloc/free churn. Every outstanding payload must stay disjoint from
	// every other and inside the block, and the bookkeeping must validate after each step.
	type live struct {
		ptr  unsafe.Pointer
		size int
	}
	var outstanding []live

	sizes := []int{1, 17, 64, 100, 255, 301, 1024}
	alignments := []uint{1, 8, 16, 64, 256}

	for step := 0; step < 400; step++ {
		if step%3 == 2 && len(outstanding) > 0 {
			victim := (step * 7) % len(outstanding)
			require.NoError(t, md.Free(outstanding[victim].ptr))
			outstanding = append(outstanding[:victim], outstanding[victim+1:]...)
		} else {
			size := sizes[step%len(sizes)]
			alignment := alignments[step%len(alignments)]

			ptr, err := md.Alloc(size, alignment)
			require.NoError(t, err)
			if ptr == nil {
				// Out of memory, drain one and keep churning.
				require.NotEmpty(t, outstanding)
				require.NoError(t, md.Free(outstanding[0].ptr))
				outstanding = outstanding[1:]
				continue
			}

			require.Zero(t, uintptr(ptr)%uintptr(alignment))
			require.GreaterOrEqual(t, uint64(uintptr(ptr)), uint64(base))
			require.LessOrEqual(t, uint64(uintptr(ptr))+uint64(size), uint64(base)+65536)

			for _, other := range outstanding {
				disjoint := uintptr(ptr)+uintptr(size) <= uintptr(other.ptr) ||
					uintptr(other.ptr)+uintptr(other.size) <= uintptr(ptr)
				require.True(t, disjoint, "allocation %p+%d overlaps %p+%d", ptr, size, other.ptr, other.size)
			}

			outstanding = append(outstanding, live{ptr: ptr, size: size})
		}

		require.NoError(t, md.Validate())
	}

	for _, alloc := range outstanding {
		require.NoError(t, md.Free(alloc.ptr))
	}
	require.Equal(t, 1, md.FreeRegionsCount())
	require.NoError(t, md.Validate())
	require.NoError(t, md.CheckCorruption())
}
