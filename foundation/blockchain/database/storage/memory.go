package storage

import (
	"errors"
	"sync"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
)

// Memory represents the serialization implementation for keeping blocks in
// memory only. Used by tests and nodes run without a durable store. This
// implements the database.Serializer interface.
type Memory struct {
	mu     sync.RWMutex
	blocks []database.BlockData
}

// NewMemory constructs a Memory value for use.
func NewMemory() (*Memory, error) {
	return &Memory{}, nil
}

// Close in this implementation has nothing to do.
func (m *Memory) Close() error {
	return nil
}

// Write appends a new block to the in memory log.
func (m *Memory) Write(blockData database.BlockData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks = append(m.blocks, blockData)
	return nil
}

// GetBlock returns the specified block by number.
func (m *Memory) GetBlock(num uint64) (database.BlockData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, blockData := range m.blocks {
		if blockData.Header.Number == num {
			return blockData, nil
		}
	}

	return database.BlockData{}, errors.New("block not found")
}

// ForEach returns an iterator to walk through all the blocks
// starting with block number 1.
func (m *Memory) ForEach() database.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blocks := make([]database.BlockData, len(m.blocks))
	copy(blocks, m.blocks)

	return &MemoryIterator{blocks: blocks}
}

// Reset clears the in memory log.
func (m *Memory) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks = nil
	return nil
}

// =============================================================================

// MemoryIterator represents the iteration implementation for walking through
// the blocks held in memory. This implements the database.Iterator interface.
type MemoryIterator struct {
	blocks  []database.BlockData
	current int
	eoc     bool
}

// Next retrieves the next block from memory. Like the disk iterator, the end
// of the chain is only reported after a read past the last block.
func (mi *MemoryIterator) Next() (database.BlockData, error) {
	if mi.current >= len(mi.blocks) {
		mi.eoc = true
		return database.BlockData{}, errors.New("end of chain")
	}

	blockData := mi.blocks[mi.current]
	mi.current++

	return blockData, nil
}

// Done returns the end of chain value.
func (mi *MemoryIterator) Done() bool {
	return mi.eoc
}
