package pagedsched

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cespare/xxhash/v2"
)

// BlockManager is the paged KV block allocator the Scheduler consumes.
// The scheduler only ever calls these primitives, never touches block
// bookkeeping directly.
type BlockManager interface {
	NumFreeBlocks() int
	CanAllocateBlocks(n int) bool
	CanAppendSlots(group *SequenceGroup) bool
	RequiredBlocksCount(group *SequenceGroup) int
	Allocate(seq *Sequence, nBlocks int, promptIDs []int)
	AppendSlots(group *SequenceGroup) map[int][]int
	FreeSequence(seqID int64)
	FreeGroupPartially(group *SequenceGroup, blocksNeeded int) int
	GetNumberOfBlocksOccupiedBySequence(group *SequenceGroup) int
	GetBlockTable(seqID int64) []int
	HasBlockTable(seqID int64) bool
	ForkSequence(parentID, childID int64)
	RestoreCachedBlocks(group *SequenceGroup, blockSize int)
	GetUsedPercentage() float64
}

// Block is a fixed-size slab of KV cache memory, paged and pooled.
type Block struct {
	ID       int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

// PagedBlockManager is the concrete BlockManager: an arena of blocks,
// a free list, per-sequence block tables, and a prefix-cache hash index.
type PagedBlockManager struct {
	blockSize           int
	enablePrefixCaching bool

	blocks       []*Block
	freeBlockIDs []int
	usedBlockIDs map[int]bool

	// hashToBlockID is the authoritative, unbounded prefix-cache index —
	// stale entries here are harmless, they just point at a block that
	// may have been reclaimed and reused for different content, which
	// lookupHash catches by checking the block's current Hash and
	// blockMatches by checking its tokens. hotIndex is the bounded LRU consulted first;
	// a miss there always falls through to the authoritative map.
	hashToBlockID map[uint64]int
	hotIndex      *lru.Cache[uint64, int]

	blockTables map[int64][]int
}

// NewPagedBlockManager creates a manager with numBlocks blocks of
// blockSize tokens each.
func NewPagedBlockManager(numBlocks, blockSize int, enablePrefixCaching bool) *PagedBlockManager {
	if numBlocks <= 0 {
		panic(fmt.Errorf("pagedsched: num_kv_blocks must be positive, got %d", numBlocks))
	}
	if blockSize <= 0 {
		panic(fmt.Errorf("pagedsched: block_size must be positive, got %d", blockSize))
	}

	blocks := make([]*Block, numBlocks)
	freeIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = &Block{ID: i}
		freeIDs[i] = i
	}

	hotIndex, err := lru.New[uint64, int](hotIndexCapacity(numBlocks))
	if err != nil {
		panic(fmt.Errorf("pagedsched: constructing prefix-cache index: %w", err))
	}

	return &PagedBlockManager{
		blockSize:           blockSize,
		enablePrefixCaching: enablePrefixCaching,
		blocks:              blocks,
		freeBlockIDs:        freeIDs,
		usedBlockIDs:        make(map[int]bool),
		hashToBlockID:       make(map[uint64]int),
		hotIndex:            hotIndex,
		blockTables:         make(map[int64][]int),
	}
}

func hotIndexCapacity(numBlocks int) int {
	if numBlocks < 64 {
		return 64
	}
	return numBlocks
}

// computeHash hashes tokenIDs chained onto an optional prefix hash, the
// opaque hashing service the block manager exposes to the scheduler.
func (m *PagedBlockManager) computeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}
	buf := make([]byte, 4)
	for _, id := range tokenIDs {
		binary.LittleEndian.PutUint32(buf, uint32(id))
		h.Write(buf)
	}
	return h.Sum64()
}

func (m *PagedBlockManager) lookupHash(h uint64) (int, bool) {
	if id, ok := m.hotIndex.Get(h); ok && m.blocks[id].Hash == h {
		return id, true
	}
	id, ok := m.hashToBlockID[h]
	if !ok || m.blocks[id].Hash != h {
		return 0, false
	}
	m.hotIndex.Add(h, id)
	return id, true
}

func (m *PagedBlockManager) recordHash(h uint64, id int) {
	m.hashToBlockID[h] = id
	m.hotIndex.Add(h, id)
}

func (m *PagedBlockManager) blockMatches(id int, tokenIDs []int) bool {
	block := m.blocks[id]
	if len(block.TokenIDs) != len(tokenIDs) {
		return false
	}
	for i, t := range tokenIDs {
		if block.TokenIDs[i] != t {
			return false
		}
	}
	return true
}

// popFreeBlock removes and resets an arbitrary free block, marking it used.
func (m *PagedBlockManager) popFreeBlock() int {
	if len(m.freeBlockIDs) == 0 {
		panic("pagedsched: popFreeBlock called with no free blocks")
	}
	id := m.freeBlockIDs[0]
	m.freeBlockIDs = m.freeBlockIDs[1:]
	block := m.blocks[id]
	block.RefCount = 1
	block.Hash = 0
	block.TokenIDs = nil
	m.usedBlockIDs[id] = true
	return id
}

// claimFreeBlock removes a specific free block id (used when reusing a
// prefix-cached block that happens to be currently unused).
func (m *PagedBlockManager) claimFreeBlock(id int) {
	for i, fid := range m.freeBlockIDs {
		if fid == id {
			m.freeBlockIDs = append(m.freeBlockIDs[:i], m.freeBlockIDs[i+1:]...)
			break
		}
	}
	m.usedBlockIDs[id] = true
}

// freeBlockLogical decrements a block's refcount, physically freeing it
// once nothing references it anymore.
func (m *PagedBlockManager) freeBlockLogical(id int) {
	block := m.blocks[id]
	block.RefCount--
	if block.RefCount <= 0 {
		block.RefCount = 0
		delete(m.usedBlockIDs, id)
		m.freeBlockIDs = append(m.freeBlockIDs, id)
	}
}

func (m *PagedBlockManager) NumFreeBlocks() int {
	return len(m.freeBlockIDs)
}

func (m *PagedBlockManager) CanAllocateBlocks(n int) bool {
	return len(m.freeBlockIDs) >= n
}

func (m *PagedBlockManager) blockCapacity(seq *Sequence) int {
	return len(m.blockTables[seq.ID]) * m.blockSize
}

// CanAppendSlots is true iff appending one logical token to each running
// sibling of group fits within the current free-block pool.
func (m *PagedBlockManager) CanAppendSlots(group *SequenceGroup) bool {
	return m.RequiredBlocksCount(group) <= len(m.freeBlockIDs)
}

// RequiredBlocksCount is the number of fresh blocks needed to append one
// token to every running sibling of group: either the sibling's table is
// full and needs a new tail block, or its tail block is still shared with
// another sequence (RefCount > 1) and the next write must copy-on-write it.
func (m *PagedBlockManager) RequiredBlocksCount(group *SequenceGroup) int {
	needed := 0
	for _, seq := range group.Sequences {
		if seq.Status != StatusRunning {
			continue
		}
		table := m.blockTables[seq.ID]
		switch {
		case seq.Len() >= m.blockCapacity(seq):
			needed++
		case len(table) > 0 && m.blocks[table[len(table)-1]].RefCount > 1:
			needed++
		}
	}
	return needed
}

// Allocate reserves nBlocks additional prompt blocks for seq, reusing
// prefix-cached blocks where the content matches.
func (m *PagedBlockManager) Allocate(seq *Sequence, nBlocks int, promptIDs []int) {
	if nBlocks <= 0 {
		return
	}
	table := m.blockTables[seq.ID]
	startIdx := len(table)

	var chainHash uint64
	if startIdx > 0 {
		chainHash = m.blocks[table[startIdx-1]].Hash
	}

	for i := 0; i < nBlocks; i++ {
		blockIdx := startIdx + i
		start := blockIdx * m.blockSize
		if start > len(promptIDs) {
			start = len(promptIDs)
		}
		end := start + m.blockSize
		if end > len(promptIDs) {
			end = len(promptIDs)
		}
		tokens := promptIDs[start:end]
		full := len(tokens) == m.blockSize

		var blockID int
		reused := false
		var h uint64
		if full && m.enablePrefixCaching {
			h = m.computeHash(tokens, chainHash)
			if id, ok := m.lookupHash(h); ok && m.blockMatches(id, tokens) {
				blockID = id
				reused = true
			}
		}

		switch {
		case reused && m.usedBlockIDs[blockID]:
			m.blocks[blockID].RefCount++
		case reused:
			m.claimFreeBlock(blockID)
			m.blocks[blockID].RefCount = 1
		default:
			blockID = m.popFreeBlock()
			m.blocks[blockID].TokenIDs = append([]int(nil), tokens...)
			if full && m.enablePrefixCaching {
				m.blocks[blockID].Hash = h
				m.recordHash(h, blockID)
			}
		}

		if full {
			chainHash = m.blocks[blockID].Hash
		} else {
			chainHash = 0
		}
		table = append(table, blockID)
	}

	m.blockTables[seq.ID] = table
}

// AppendSlots reserves one slot per running sibling of group, returning a
// src->dst copy-on-write map for any blocks that had to be duplicated
// because a sibling was about to write into a block still shared with
// another sequence.
func (m *PagedBlockManager) AppendSlots(group *SequenceGroup) map[int][]int {
	copyMap := make(map[int][]int)
	for _, seq := range group.Sequences {
		if seq.Status != StatusRunning {
			continue
		}
		table := m.blockTables[seq.ID]
		if seq.Len() >= len(table)*m.blockSize {
			id := m.popFreeBlock()
			table = append(table, id)
			m.blockTables[seq.ID] = table
			continue
		}
		if len(table) == 0 {
			continue
		}
		lastID := table[len(table)-1]
		last := m.blocks[lastID]
		if last.RefCount > 1 {
			newID := m.popFreeBlock()
			newBlock := m.blocks[newID]
			newBlock.TokenIDs = append([]int(nil), last.TokenIDs...)
			last.RefCount--
			table[len(table)-1] = newID
			m.blockTables[seq.ID] = table
			copyMap[lastID] = append(copyMap[lastID], newID)
		}
	}
	return copyMap
}

// FreeSequence releases every block owned by seqID.
func (m *PagedBlockManager) FreeSequence(seqID int64) {
	table := m.blockTables[seqID]
	for i := len(table) - 1; i >= 0; i-- {
		m.freeBlockLogical(table[i])
	}
	delete(m.blockTables, seqID)
}

// longestTableSequence returns the sibling of group with the longest
// current block table, or nil if every sibling is empty.
func (m *PagedBlockManager) longestTableSequence(group *SequenceGroup) *Sequence {
	var best *Sequence
	bestLen := 0
	for _, seq := range group.Sequences {
		if n := len(m.blockTables[seq.ID]); n > bestLen {
			best = seq
			bestLen = n
		}
	}
	return best
}

// FreeGroupPartially trims blocks from the tail of group's sequences
// until at least blocksNeeded additional blocks are free, or the group
// runs out of blocks to give up. Returns the number of logical block-
// table entries released.
func (m *PagedBlockManager) FreeGroupPartially(group *SequenceGroup, blocksNeeded int) int {
	freeBefore := len(m.freeBlockIDs)
	released := 0
	for len(m.freeBlockIDs)-freeBefore < blocksNeeded {
		seq := m.longestTableSequence(group)
		if seq == nil {
			break
		}
		table := m.blockTables[seq.ID]
		lastID := table[len(table)-1]
		m.blockTables[seq.ID] = table[:len(table)-1]
		m.freeBlockLogical(lastID)
		released++
	}
	return released
}

// GetNumberOfBlocksOccupiedBySequence sums the block-table length across
// every sibling of group.
func (m *PagedBlockManager) GetNumberOfBlocksOccupiedBySequence(group *SequenceGroup) int {
	total := 0
	for _, seq := range group.Sequences {
		total += len(m.blockTables[seq.ID])
	}
	return total
}

func (m *PagedBlockManager) GetBlockTable(seqID int64) []int {
	table := m.blockTables[seqID]
	out := make([]int, len(table))
	copy(out, table)
	return out
}

func (m *PagedBlockManager) HasBlockTable(seqID int64) bool {
	return len(m.blockTables[seqID]) > 0
}

// ForkSequence gives childID a ref-counted share of parentID's block
// table up to the fork point; the next write into a shared tail block
// triggers copy-on-write in AppendSlots.
func (m *PagedBlockManager) ForkSequence(parentID, childID int64) {
	parentTable := m.blockTables[parentID]
	childTable := make([]int, len(parentTable))
	copy(childTable, parentTable)
	for _, id := range parentTable {
		m.blocks[id].RefCount++
	}
	m.blockTables[childID] = childTable
}

// RestoreCachedBlocks reattaches the longest run of prefix-cached blocks
// available for group's prompt before scheduling begins, advancing
// processedTokens for each full block reused so those tokens don't need
// to be recomputed.
func (m *PagedBlockManager) RestoreCachedBlocks(group *SequenceGroup, blockSize int) {
	if !m.enablePrefixCaching || len(group.Sequences) == 0 {
		return
	}
	seq := group.Sequences[0]
	if len(m.blockTables[seq.ID]) > 0 {
		return
	}

	var table []int
	var chainHash uint64
	restored := 0
	for start := 0; start+blockSize <= len(group.PromptIDs); start += blockSize {
		tokens := group.PromptIDs[start : start+blockSize]
		h := m.computeHash(tokens, chainHash)
		id, ok := m.lookupHash(h)
		if !ok || !m.blockMatches(id, tokens) {
			break
		}
		if m.usedBlockIDs[id] {
			m.blocks[id].RefCount++
		} else {
			m.claimFreeBlock(id)
			m.blocks[id].RefCount = 1
		}
		table = append(table, id)
		chainHash = h
		restored += blockSize
	}

	if restored > 0 {
		m.blockTables[seq.ID] = table
		group.AdvanceProcessedTokens(restored)
	}
}

// GetUsedPercentage returns the fraction of blocks currently in use, 0-100.
func (m *PagedBlockManager) GetUsedPercentage() float64 {
	total := len(m.blocks)
	if total == 0 {
		return 0
	}
	used := total - len(m.freeBlockIDs)
	return 100 * float64(used) / float64(total)
}
