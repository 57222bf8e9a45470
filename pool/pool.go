// Package pool implements a fixed-block-size allocator over a single
// preallocated byte arena.
//
// Allocation is O(1): a block is handed out from a never-used ("unlinked")
// region first, falling back to a free list of previously released blocks.
// Release is O(1): the block is pushed back onto the free list. No block
// carries an in-place link pointer the way a C implementation would
// (overlapping a free-list pointer onto raw block storage is not idiomatic
// or safe in Go); instead the free list is a plain slice of block indices,
// which gives the same allocation policy without unsafe aliasing.
package pool

import "fmt"

// Block is a handle to one allocated slot. Data is a view into the pool's
// backing array sized exactly blockSize; callers must not retain Data past
// a Free call.
type Block struct {
	index int
	Data  []byte
}

// Pool is a single fixed-block-size arena. It is not safe for concurrent
// use on its own: callers that allocate/free from more than one goroutine
// must serialize access themselves (the event bus does this with its own
// critical-section mutex).
type Pool struct {
	blockSize int
	blocks    int
	storage   []byte

	free []int // stack of released block indices
	next int    // index of the next never-used block

	count     int // live allocations
	highWater int
}

// New prepares a pool of blockCount blocks of blockSize bytes each, backed
// by a freshly allocated arena. It fails if blockSize cannot hold at least
// one byte (a zero or negative size is never valid) or blockCount is not
// positive.
func New(blockSize, blockCount int) (*Pool, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("pool: block size must be positive, got %d", blockSize)
	}
	if blockCount <= 0 {
		return nil, fmt.Errorf("pool: block count must be positive, got %d", blockCount)
	}
	return &Pool{
		blockSize: blockSize,
		blocks:    blockCount,
		storage:   make([]byte, blockSize*blockCount),
	}, nil
}

// BlockSize returns the fixed size of every block in the pool.
func (p *Pool) BlockSize() int { return p.blockSize }

// BlockCount returns the total number of blocks the pool was built with.
func (p *Pool) BlockCount() int { return p.blocks }

// Allocate hands out the next never-used block if one remains, otherwise
// pops the free list, otherwise reports exhaustion via ok=false.
func (p *Pool) Allocate() (blk *Block, ok bool) {
	var idx int
	switch {
	case p.next < p.blocks:
		idx = p.next
		p.next++
	case len(p.free) > 0:
		idx = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	default:
		return nil, false
	}

	p.count++
	if p.count > p.highWater {
		p.highWater = p.count
	}

	start := idx * p.blockSize
	return &Block{index: idx, Data: p.storage[start : start+p.blockSize]}, true
}

// Free returns a block to the pool. The caller guarantees the block
// originated from this pool; a block freed twice corrupts the free list
// (callers such as the event bus guard against double-free with their own
// reference counting before ever calling Free).
func (p *Pool) Free(blk *Block) {
	p.free = append(p.free, blk.index)
	p.count--
}

// Info is a snapshot of pool utilization, used by diagnostics and the
// Prometheus collector.
type Info struct {
	BlockSize     int
	BlockCount    int
	Count         int // live allocations
	FreeCount     int // blocks on the free list
	HighWater     int
	UnlinkedLeft  int // never-used blocks remaining
}

// Integrity walks the free list, checks every index it holds is in range,
// and verifies the pool-wide block accounting identity:
//
//	blockCount - count == freeListLength + unlinkedRemaining
//
// It returns false (along with a populated Info) if either check fails,
// indicating corruption of the free list or an accounting bug.
func (p *Pool) Integrity() (Info, bool) {
	info := Info{
		BlockSize:    p.blockSize,
		BlockCount:   p.blocks,
		Count:        p.count,
		HighWater:    p.highWater,
		FreeCount:    len(p.free),
		UnlinkedLeft: p.blocks - p.next,
	}
	seen := make(map[int]struct{}, len(p.free))
	for _, idx := range p.free {
		if idx < 0 || idx >= p.blocks {
			return info, false
		}
		if _, dup := seen[idx]; dup {
			return info, false
		}
		seen[idx] = struct{}{}
	}
	valid := p.blocks-p.count == info.FreeCount+info.UnlinkedLeft
	return info, valid
}
