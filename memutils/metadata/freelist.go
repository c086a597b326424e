package metadata

import (
	"fmt"
	"sort"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memkit/poolalloc/memutils"
	"github.com/pkg/errors"
)

const (
	// MaxShimAlignment is the largest alignment Alloc will accept. The count of padding bytes
	// skipped to reach an aligned address is stored in the single byte preceding the returned
	// pointer, so the count must stay below 256.
	MaxShimAlignment uint = 256

	// blockMagic marks the header of every live allocation for the lifetime of the allocation.
	blockMagic uint32 = 0xDEADBEEF

	// noNode terminates the free list.
	noNode int = -1
)

// freeNode is the record embedded at the start of every free span. size covers the whole
// span, the record included. next holds the block offset of the next free node in ascending
// address order.
type freeNode struct {
	size int
	next int
}

// blockHeader is the record written at the start of every allocated span. size covers the
// bytes from just past the header to the end of the span.
type blockHeader struct {
	magic uint32
	size  int
}

const freeNodeSize = int(unsafe.Sizeof(freeNode{}))
const blockHeaderSize = int(unsafe.Sizeof(blockHeader{}))

// reservedPrefix is the number of bytes set aside at the start of every span, free or
// allocated. An allocated span must be reinterpretable as a free span in place at Free time,
// so the prefix is the larger of the two record footprints and is used uniformly on both
// paths.
const reservedPrefix = max(freeNodeSize, blockHeaderSize)

// FreeListBlockMetadata is a BlockMetadata implementation that threads an address-ordered
// singly-linked list of free spans through the free bytes of the block itself. Allocation is
// first-fit with splitting; freeing reinserts the span in address order and then merges any
// physically adjacent neighbors, so fragmentation stays bounded by the allocation pattern
// rather than growing with the free/alloc count.
//
// All list records live inside the managed memory. The only bookkeeping held outside the
// block is the registry of live allocations, which backs statistics, enumeration, and
// corruption checks.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	base unsafe.Pointer
	head int

	sumFreeSize int
	freeCount   int
	allocCount  int

	// liveAllocs maps the block offset of each live allocation's header to the full size of
	// its span.
	liveAllocs *swiss.Map[int, int]
}

var _ BlockMetadata = &FreeListBlockMetadata{}

// NewFreeListBlockMetadata creates a new FreeListBlockMetadata. Init must be called before use.
func NewFreeListBlockMetadata() *FreeListBlockMetadata {
	return &FreeListBlockMetadata{
		head: noNode,
	}
}

// Init takes ownership of the block at base and seeds the free list with a single node at
// offset 0 whose size is the block size minus reservedPrefix.
func (m *FreeListBlockMetadata) Init(base unsafe.Pointer, size int) {
	m.BlockMetadataBase.Init(size)
	m.base = base
	m.liveAllocs = swiss.NewMap[int, int](42)
	m.reset()
}

func (m *FreeListBlockMetadata) reset() {
	m.head = 0
	first := m.nodeAt(0)
	first.size = m.Size() - reservedPrefix
	first.next = noNode

	m.sumFreeSize = first.size
	m.freeCount = 1
	m.allocCount = 0
}

// nodeAt, headerAt and byteAt are the only places raw block memory is reinterpreted as
// bookkeeping records. Callers are responsible for passing offsets inside the block.
func (m *FreeListBlockMetadata) nodeAt(offset int) *freeNode {
	return (*freeNode)(unsafe.Add(m.base, offset))
}

func (m *FreeListBlockMetadata) headerAt(offset int) *blockHeader {
	return (*blockHeader)(unsafe.Add(m.base, offset))
}

func (m *FreeListBlockMetadata) byteAt(offset int) *uint8 {
	return (*uint8)(unsafe.Add(m.base, offset))
}

// SumFreeSize returns the number of free bytes of memory in the block.
func (m *FreeListBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

// FreeRegionsCount returns the number of nodes in the free list.
func (m *FreeListBlockMetadata) FreeRegionsCount() int {
	return m.freeCount
}

// AllocationCount returns the number of suballocations currently live in the block.
func (m *FreeListBlockMetadata) AllocationCount() int {
	return m.allocCount
}

// IsEmpty will return true if this block has no live suballocations
func (m *FreeListBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

// Alloc carves size bytes out of the first free span large enough to hold them, laying down
// an allocation header and an alignment shim so that Free can recover the bookkeeping from
// the bare pointer. It returns a nil pointer and a nil error when no free span can satisfy
// the request.
func (m *FreeListBlockMetadata) Alloc(size int, alignment uint) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "requested size is %d, must be positive", size)
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, fmt.Errorf("%w: %w", memutils.InvalidArgumentError, err)
	}
	if alignment > MaxShimAlignment {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "alignment is %d, the padding count must fit a single byte so alignments above %d are not supported", alignment, MaxShimAlignment)
	}

	// Worst case the aligned pointer sits alignment-1 bytes past the first candidate byte,
	// and one extra byte is always reserved for the shim.
	reqSpace := size + reservedPrefix + int(alignment) + 1 + memutils.DebugMargin

	prev := noNode
	curr := m.head
	for curr != noNode {
		if m.nodeAt(curr).size >= reqSpace {
			break
		}
		prev = curr
		curr = m.nodeAt(curr).next
	}

	if curr == noNode {
		return nil, nil
	}

	node := m.nodeAt(curr)
	spanSize := reqSpace

	if node.size-reqSpace >= reservedPrefix {
		// Split: the residual free node takes over the slot curr occupied in the list.
		splitOffset := curr + reqSpace
		split := m.nodeAt(splitOffset)
		split.size = node.size - reqSpace
		split.next = node.next
		m.relink(prev, splitOffset)
	} else {
		// Consume the node whole. A residual smaller than a free node record cannot hold its
		// own bookkeeping, so it is handed to the allocation instead of the free list.
		spanSize = node.size
		m.relink(prev, node.next)
		m.freeCount--
	}

	header := m.headerAt(curr)
	header.magic = blockMagic
	header.size = spanSize - reservedPrefix

	// One byte past the header is reserved for the shim, then the pointer is aligned up
	// within the span. Alignment is applied to the absolute address, not the block offset,
	// so the block's own base alignment never leaks into the result. The padding count lands
	// in the byte just before the returned pointer.
	unaligned := int(uintptr(m.base)) + curr + reservedPrefix + 1
	skipped := memutils.AlignUp(unaligned, alignment) - unaligned
	userOffset := curr + reservedPrefix + 1 + skipped
	*m.byteAt(userOffset - 1) = uint8(skipped)

	memutils.WriteMagicValue(m.base, curr+spanSize-memutils.DebugMargin)

	m.liveAllocs.Put(curr, spanSize)
	m.allocCount++
	m.sumFreeSize -= spanSize

	memutils.DebugValidate(m)
	return unsafe.Add(m.base, userOffset), nil
}

// Free releases the allocation that ptr was returned for. The padding count in the byte
// before ptr leads back to the allocation header, whose magic value screens out pointers
// that never came from this block.
func (m *FreeListBlockMetadata) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return cerrors.Wrap(memutils.InvalidOperationError, "cannot free a nil pointer")
	}
	if uintptr(ptr) <= uintptr(m.base) || uintptr(ptr) >= uintptr(m.base)+uintptr(m.Size()) {
		return cerrors.Wrapf(memutils.InvalidOperationError, "pointer %p does not fall inside the managed region", ptr)
	}

	offset := int(uintptr(ptr) - uintptr(m.base))
	skipped := int(*m.byteAt(offset - 1))
	headerOffset := offset - 1 - skipped - reservedPrefix
	if headerOffset < 0 {
		return cerrors.Wrapf(memutils.InvalidOperationError, "pointer %p does not point at a live allocation", ptr)
	}

	header := m.headerAt(headerOffset)
	if header.magic != blockMagic {
		return cerrors.Wrapf(memutils.InvalidOperationError, "bad magic number in the header of the block at offset %d", headerOffset)
	}

	spanSize := header.size + reservedPrefix
	trackedSize, live := m.liveAllocs.Get(headerOffset)
	if !live {
		return cerrors.Wrapf(memutils.InvalidOperationError, "block at offset %d is not a live allocation, was it freed twice?", headerOffset)
	}
	if trackedSize != spanSize {
		return cerrors.Wrapf(memutils.InvalidOperationError, "header of the block at offset %d reports %d bytes, but %d were allocated", headerOffset, spanSize, trackedSize)
	}

	m.liveAllocs.Delete(headerOffset)
	m.allocCount--

	node := m.nodeAt(headerOffset)
	node.size = spanSize
	node.next = noNode

	m.insertFreeNode(headerOffset)
	m.mergeAdjacent()
	m.sumFreeSize += spanSize

	memutils.DebugValidate(m)
	return nil
}

// relink points the free list at to, either from the node at prev or from the list head when
// prev is noNode.
func (m *FreeListBlockMetadata) relink(prev, to int) {
	if prev == noNode {
		m.head = to
	} else {
		m.nodeAt(prev).next = to
	}
}

// insertFreeNode splices the node at offset into the free list just before the first node
// that starts at or past the new node's end, keeping the list sorted by address.
func (m *FreeListBlockMetadata) insertFreeNode(offset int) {
	end := offset + m.nodeAt(offset).size

	prev := noNode
	curr := m.head
	for curr != noNode && curr < end {
		prev = curr
		curr = m.nodeAt(curr).next
	}

	m.nodeAt(offset).next = curr
	m.relink(prev, offset)
	m.freeCount++
}

// mergeAdjacent makes a single left-to-right pass over the free list, absorbing every node
// that starts exactly where its predecessor ends. After the pass no two consecutive nodes
// are physically contiguous.
func (m *FreeListBlockMetadata) mergeAdjacent() {
	curr := m.head
	if curr == noNode {
		return
	}

	for {
		node := m.nodeAt(curr)
		next := node.next
		if next == noNode {
			return
		}

		if curr+node.size == next {
			absorbed := m.nodeAt(next)
			node.size += absorbed.size
			node.next = absorbed.next
			m.freeCount--
		} else {
			curr = next
		}
	}
}

// Validate performs internal consistency checks on the metadata: the free list must be
// strictly ascending with no physically adjacent nodes, every span must sit inside the
// block, live headers must be intact, and free, allocated, and reserved bytes must account
// for the whole block.
func (m *FreeListBlockMetadata) Validate() error {
	// Walk the raw list first. The ascending-order requirement also bounds the walk, so a
	// corrupted next link cannot loop forever.
	lastOffset := noNode
	for curr := m.head; curr != noNode; curr = m.nodeAt(curr).next {
		if curr <= lastOffset {
			return errors.Errorf("free node at offset %d breaks the ascending address order of the free list", curr)
		}
		if curr < 0 || curr+m.nodeAt(curr).size > m.Size() {
			return errors.Errorf("free node at offset %d spans outside the block", curr)
		}
		lastOffset = curr
	}

	var freeBytes, freeRegions, allocBytes, allocRegions int
	expectedOffset := 0
	prevWasFree := false

	err := m.VisitAllRegions(func(offset, size int, free bool) error {
		if offset != expectedOffset {
			return errors.Errorf("region at offset %d should start at offset %d, the block has a gap or an overlap", offset, expectedOffset)
		}
		if size <= 0 {
			return errors.Errorf("region at offset %d has non-positive size %d", offset, size)
		}

		if free {
			if prevWasFree {
				return errors.Errorf("free regions at offsets %d and %d are physically adjacent but were not merged", lastOffset, offset)
			}
			if size < reservedPrefix {
				return errors.Errorf("free region at offset %d is too small to hold its own record", offset)
			}
			freeBytes += size
			freeRegions++
		} else {
			header := m.headerAt(offset)
			if header.magic != blockMagic {
				return errors.Errorf("live allocation at offset %d has a corrupted header", offset)
			}
			if header.size+reservedPrefix != size {
				return errors.Errorf("live allocation at offset %d reports %d bytes in its header, but %d are tracked", offset, header.size+reservedPrefix, size)
			}
			allocBytes += size
			allocRegions++
		}

		prevWasFree = free
		lastOffset = offset
		expectedOffset = offset + size
		return nil
	})
	if err != nil {
		return err
	}

	if expectedOffset != m.Size()-reservedPrefix {
		return errors.Errorf("regions cover %d bytes, expected %d", expectedOffset, m.Size()-reservedPrefix)
	}
	if freeBytes != m.sumFreeSize {
		return errors.Errorf("free regions hold %d bytes, but %d are recorded", freeBytes, m.sumFreeSize)
	}
	if freeRegions != m.freeCount {
		return errors.Errorf("found %d free regions, but %d are recorded", freeRegions, m.freeCount)
	}
	if allocRegions != m.allocCount {
		return errors.Errorf("found %d live allocations, but %d are recorded", allocRegions, m.allocCount)
	}

	return nil
}

// VisitAllRegions will call the provided callback once for each allocation and free region
// in the block, in ascending address order.
func (m *FreeListBlockMetadata) VisitAllRegions(handleRegion RegionVisitor) error {
	allocOffsets := make([]int, 0, m.allocCount)
	m.liveAllocs.Iter(func(offset int, _ int) bool {
		allocOffsets = append(allocOffsets, offset)
		return false
	})
	sort.Ints(allocOffsets)

	freeOffset := m.head
	allocIndex := 0
	for freeOffset != noNode || allocIndex < len(allocOffsets) {
		if freeOffset != noNode && (allocIndex >= len(allocOffsets) || freeOffset < allocOffsets[allocIndex]) {
			node := m.nodeAt(freeOffset)
			next := node.next
			if err := handleRegion(freeOffset, node.size, true); err != nil {
				return err
			}
			freeOffset = next
		} else {
			offset := allocOffsets[allocIndex]
			spanSize, _ := m.liveAllocs.Get(offset)
			if err := handleRegion(offset, spanSize, false); err != nil {
				return err
			}
			allocIndex++
		}
	}

	return nil
}

// AddStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.Statistics object.
func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.Size() - reservedPrefix - m.sumFreeSize
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently
// present in the provided memutils.DetailedStatistics object.
func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for curr := m.head; curr != noNode; curr = m.nodeAt(curr).next {
		stats.AddUnusedRange(m.nodeAt(curr).size)
	}

	m.liveAllocs.Iter(func(_ int, spanSize int) bool {
		stats.AddAllocation(spanSize)
		return false
	})
}

// Clear instantly frees all allocations and returns the block to its freshly-initialized state
func (m *FreeListBlockMetadata) Clear() {
	m.liveAllocs = swiss.NewMap[int, int](42)
	m.reset()
}

// BlockJsonData populates a json object with information about this block
func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.sumFreeSize, m.allocCount, m.freeCount)
}

// CheckCorruption returns nil if anti-corruption memory markers are present after every
// suballocation in the block. Markers are only written when this module is built with the
// debug_mem_utils build tag, so this method cannot fail in prod builds.
func (m *FreeListBlockMetadata) CheckCorruption() error {
	var err error
	m.liveAllocs.Iter(func(offset int, spanSize int) bool {
		if !memutils.ValidateMagicValue(m.base, offset+spanSize-memutils.DebugMargin) {
			err = errors.Errorf("corruption detected after the allocation at offset %d", offset)
			return true
		}
		return false
	})
	return err
}
