package pool

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memkit/poolalloc/memutils"
	"github.com/memkit/poolalloc/memutils/metadata"
	"github.com/memkit/poolalloc/pool/internal/vmem"
	"golang.org/x/exp/slog"
)

// DefaultAlignment is the alignment applied by Alloc. AllocAligned accepts any power-of-two
// alignment up to metadata.MaxShimAlignment.
const DefaultAlignment uint = 8

// noCopy makes `go vet` report copies of a containing struct, in the same way the sync
// package guards its types.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Allocator owns a fixed-size region of anonymous memory obtained from the OS once at
// construction and services all allocations out of that region with no further OS
// interaction until Destroy.
//
// An Allocator is a single-owner resource: it is not internally synchronized, and calling
// its methods from multiple goroutines without external locking is a data race. Wrap it in a
// sync.Mutex when it must be shared. Copying an Allocator is forbidden and reported by
// `go vet`; use Move to transfer ownership.
type Allocator struct {
	noCopy noCopy

	logger *slog.Logger

	region     []byte
	regionSize int
	metadata   *metadata.FreeListBlockMetadata
}

// RegionSize returns the page-rounded size of the mapped region in bytes, or 0 once the
// region has been moved out of this Allocator or destroyed.
func (a *Allocator) RegionSize() int {
	return a.regionSize
}

// Alloc allocates size bytes out of the managed region, aligned to DefaultAlignment. It
// returns a nil pointer and a nil error when the region does not have enough contiguous
// free memory left to satisfy the request, leaving the retry policy to the caller.
func (a *Allocator) Alloc(size int) (unsafe.Pointer, error) {
	return a.AllocAligned(size, DefaultAlignment)
}

// AllocAligned allocates size bytes out of the managed region, aligned to the requested
// power-of-two alignment. It returns a nil pointer and a nil error when the region does not
// have enough contiguous free memory left to satisfy the request.
func (a *Allocator) AllocAligned(size int, alignment uint) (unsafe.Pointer, error) {
	if a.metadata == nil {
		return nil, cerrors.Wrap(memutils.InvalidOperationError, "allocator no longer owns a region, it has been moved from or destroyed")
	}

	ptr, err := a.metadata.Alloc(size, alignment)
	if err != nil {
		return nil, err
	}
	if ptr == nil {
		a.logger.Debug("pool.Allocator: out of memory",
			slog.Int("RequestedBytes", size),
			slog.Int("FreeBytes", a.metadata.SumFreeSize()),
		)
	}

	return ptr, nil
}

// Free returns the allocation ptr was returned for to the region's free memory. The
// neighbors of the freed span are merged immediately, so repeated alloc/free cycles do not
// fragment the region.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if a.metadata == nil {
		return cerrors.Wrap(memutils.InvalidOperationError, "allocator no longer owns a region, it has been moved from or destroyed")
	}

	return a.metadata.Free(ptr)
}

// Move transfers the region and all bookkeeping to a new Allocator and returns it. The
// receiver is left empty: RegionSize reports 0, Destroy is a no-op, and Alloc and Free fail
// until the zombie is discarded.
func (a *Allocator) Move() *Allocator {
	moved := &Allocator{
		logger:     a.logger,
		region:     a.region,
		regionSize: a.regionSize,
		metadata:   a.metadata,
	}

	a.region = nil
	a.regionSize = 0
	a.metadata = nil

	return moved
}

// Destroy releases the mapped region back to the OS. Pointers obtained from Alloc must not
// be used afterward. A failure to unmap is logged rather than returned, since the caller is
// tearing down and has no recourse. Destroy is safe to call on an Allocator that has already
// been destroyed or moved from.
func (a *Allocator) Destroy() {
	if a.region == nil {
		return
	}

	if err := vmem.Unmap(a.region); err != nil {
		a.logger.Error("pool.Allocator: failed to release region",
			slog.Int("RegionBytes", a.regionSize),
			slog.Any("error", err),
		)
	}

	a.region = nil
	a.regionSize = 0
	a.metadata = nil
}

// Validate performs internal consistency checks on the allocator's bookkeeping. It is a
// diagnostic aid and should not be able to fail outside of memory corruption.
func (a *Allocator) Validate() error {
	if a.metadata == nil {
		return nil
	}
	return a.metadata.Validate()
}

// CheckCorruption verifies the anti-corruption markers written after each allocation when
// the module is built with the debug_mem_utils build tag. Without the tag it always
// succeeds.
func (a *Allocator) CheckCorruption() error {
	if a.metadata == nil {
		return nil
	}
	return a.metadata.CheckCorruption()
}

// Stats gathers detailed statistics about the region's allocations and free ranges.
func (a *Allocator) Stats() memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()

	if a.metadata != nil {
		a.metadata.AddDetailedStatistics(&stats)
	}

	return stats
}

// BuildStatsString writes a json description of the region to the provided writer: the
// region's summary counters followed by every free range and live allocation in address
// order.
func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("RegionSize").Int(a.regionSize)
	if a.metadata == nil {
		return
	}

	a.metadata.BlockJsonData(obj)

	arrayState := obj.Name("Regions").Array()
	defer arrayState.End()

	_ = a.metadata.VisitAllRegions(func(offset, size int, free bool) error {
		regionObj := arrayState.Object()
		defer regionObj.End()

		regionObj.Name("Offset").Int(offset)
		regionObj.Name("Size").Int(size)
		if free {
			regionObj.Name("Type").String("Free")
		} else {
			regionObj.Name("Type").String("Allocated")
		}
		return nil
	})
}
