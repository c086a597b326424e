package pool

import (
	"fmt"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/memkit/poolalloc/memutils"
	"github.com/memkit/poolalloc/memutils/metadata"
	"github.com/memkit/poolalloc/pool/internal/vmem"
	"golang.org/x/exp/slog"
)

// CreateOptions contains optional parameters for New. It is valid to leave all the fields
// blank.
type CreateOptions struct {
	// Logger receives debug output and teardown failures. slog.Default() is used when nil.
	Logger *slog.Logger
}

// New maps an anonymous read/write region of at least n bytes from the OS and returns an
// Allocator that services allocations out of it. The request is rounded up to a whole number
// of OS pages, so RegionSize on the returned Allocator may report more than n.
//
// When the OS refuses the mapping, the returned error matches
// memutils.ResourceAcquisitionError and carries the OS reason.
func New(n int, options CreateOptions) (*Allocator, error) {
	if n <= 0 {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "region size request is %d, must be positive", n)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	regionSize := memutils.RoundUpToMultiple(n, vmem.PageSize())

	region, err := vmem.Map(regionSize)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping a %d-byte anonymous region: %w",
			memutils.ResourceAcquisitionError, regionSize, err)
	}

	md := metadata.NewFreeListBlockMetadata()
	md.Init(unsafe.Pointer(&region[0]), regionSize)

	logger.Debug("pool.New",
		slog.Int("RequestedBytes", n),
		slog.Int("RegionBytes", regionSize),
	)

	return &Allocator{
		logger:     logger,
		region:     region,
		regionSize: regionSize,
		metadata:   md,
	}, nil
}
