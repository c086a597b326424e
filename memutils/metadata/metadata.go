package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memkit/poolalloc/memutils"
)

// RegionVisitor is the callback passed to BlockMetadata.VisitAllRegions. It is invoked once
// per region of memory in address order. For free regions, size covers the whole free span,
// including the bookkeeping record embedded at its start. For allocations, size covers the
// whole allocated span, including its header, padding, and debug margin. Returning an error
// aborts the walk.
type RegionVisitor func(offset, size int, free bool) error

// BlockMetadata manages suballocations within a single contiguous block of memory, allowing
// allocations to be requested and freed, as well as enumerated and queried.
//
// Unlike bookkeeping schemes that hold their records in separate structures, implementations
// of this interface are permitted to write their records into the managed memory itself, so
// Init accepts a pointer to the block's first byte in addition to its size.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. base must point to the first byte
	// of a writable block of at least size bytes, which the implementation takes ownership of
	// for its bookkeeping.
	Init(base unsafe.Pointer, size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. When the implementation
	// is functioning correctly, it should not be possible for this method to return an error,
	// but this may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the block.
	// Adjacent regions of free memory are always merged into a single region, so two
	// consecutive regions reported by this count are never physically contiguous.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region
	// in the block, in ascending address order.
	VisitAllRegions(handleRegion RegionVisitor) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently
	// present in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations and returns the block to its freshly-initialized state
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CheckCorruption returns nil if anti-corruption memory markers are present after every
	// suballocation in the block. Markers are only written when this module is built with the
	// debug_mem_utils build tag, so this method cannot fail in prod builds.
	CheckCorruption() error

	// Alloc carves a suballocation of the requested size out of the block's free memory and
	// returns a pointer to its first usable byte, aligned to the requested alignment. It
	// returns a nil pointer and a nil error when the block does not have a free region large
	// enough to satisfy the request.
	Alloc(size int, alignment uint) (unsafe.Pointer, error)
	// Free releases a suballocation previously returned by Alloc, making its bytes available
	// to future allocations.
	Free(ptr unsafe.Pointer) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in this module.
type BlockMetadataBase struct {
	size int
}

// Init sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this block
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
