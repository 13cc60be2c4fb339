package database

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/blocknetics/ledger/foundation/blockchain/merkle"
	"github.com/blocknetics/ledger/foundation/blockchain/signature"
)

// Timestamp bounds applied during block validation.
const (
	// parentTimeTolerance is how many seconds before its parent's timestamp
	// a block's timestamp is still tolerated. Clocks across miners drift.
	parentTimeTolerance = 30

	// maxClockDrift is how many seconds into the local future a block's
	// timestamp may reach before the block is rejected.
	maxClockDrift = 120
)

// =============================================================================

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	PrevBlockHash string    `json:"prev_block_hash"` // Hash of the previous block in the chain.
	TimeStamp     uint64    `json:"timestamp"`       // Time the block was mined.
	Nonce         uint64    `json:"nonce"`           // Value identified to solve the hash solution.
	BeneficiaryID AccountID `json:"beneficiary"`     // The account receiving the mining reward and fees.
	Difficulty    uint64    `json:"difficulty"`      // Difficulty target in force when the block was mined.
	Number        uint64    `json:"number"`          // Block number in the chain, genesis is 0.
	TransRoot     string    `json:"trans_root"`      // Merkle tree root hash for the transactions in this block.
}

// Block represents a group of transactions bundled together.
type Block struct {
	Header BlockHeader
	Trans  *merkle.Tree[BlockTx]
}

// POW constructs a new Block and performs the work to find a nonce that
// solves the cryptographic POW puzzle.
func POW(ctx context.Context, beneficiaryID AccountID, difficulty uint64, prevBlock Block, trans []BlockTx, evHandler func(v string, args ...any)) (Block, error) {

	// When mining the first block, the previous block's hash will be zero.
	prevHash := prevBlock.Hash()

	// Construct a merkle tree from the transactions for this block. The
	// root of this tree will be part of the block to be mined.
	tree, err := merkle.NewTree(trans)
	if err != nil {
		return Block{}, err
	}

	// Construct the block to be mined.
	nb := Block{
		Header: BlockHeader{
			PrevBlockHash: prevHash,
			TimeStamp:     uint64(time.Now().UTC().Unix()),
			Nonce:         0, // Will be identified by the POW algorithm.
			BeneficiaryID: beneficiaryID,
			Difficulty:    difficulty,
			Number:        prevBlock.Header.Number + 1,
			TransRoot:     tree.RootHex(),
		},
		Trans: tree,
	}

	// Perform the proof of work mining operation.
	if err := nb.performPOW(ctx, evHandler); err != nil {
		return Block{}, err
	}

	return nb, nil
}

// performPOW does the work of mining to find a valid hash for a specified
// block. Pointer semantics are being used since a nonce is being discovered.
func (b *Block) performPOW(ctx context.Context, ev func(v string, args ...any)) error {
	ev("database: performPOW: MINING: started")
	defer ev("database: performPOW: MINING: completed")

	// Choose a random starting point for the nonce. After this, the nonce
	// will be incremented by 1 until a solution is found.
	nBig, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return err
	}
	b.Header.Nonce = nBig.Uint64()

	// Loop until we find a solution or the search is cancelled because
	// another node extended the tip first.
	var attempts uint64
	for {
		attempts++
		if attempts%1_000_000 == 0 {
			ev("database: performPOW: MINING: attempts[%d]", attempts)
		}

		if ctx.Err() != nil {
			ev("database: performPOW: MINING: CANCELLED")
			return ctx.Err()
		}

		// Hash the block and check if we have solved the puzzle.
		hash := b.Hash()
		if !isHashSolved(b.Header.Difficulty, hash) {
			b.Header.Nonce++
			continue
		}

		ev("database: performPOW: MINING: SOLVED: prevBlk[%s]: newBlk[%s]", b.Header.PrevBlockHash, hash)
		ev("database: performPOW: MINING: attempts[%d]", attempts)

		return nil
	}
}

// Hash returns the unique hash for the Block. Only the header is hashed so
// the chain can be cryptographically checked with block headers alone.
func (b Block) Hash() string {
	if b.Header.Number == 0 {
		return signature.ZeroHash
	}

	return signature.Hash(b.Header)
}

// =============================================================================

// ValidateBlock takes a block and validates it to be included into the
// blockchain after its specified parent. The accounts map carries the
// balance/nonce state as of the parent block and is mutated by the
// validation, which catches double spends within the block itself.
func (b Block) ValidateBlock(parent Block, parentHash string, accounts map[AccountID]Account, chainID uint16, maxBlockSize int, evHandler func(v string, args ...any)) error {
	evHandler("database: ValidateBlock: blk[%d]: check: block number is the next number", b.Header.Number)

	nextNumber := parent.Header.Number + 1
	if b.Header.Number != nextNumber {
		return fmt.Errorf("this block is not the next number, got %d, exp %d", b.Header.Number, nextNumber)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: parent hash does match parent block", b.Header.Number)

	if b.Header.PrevBlockHash != parentHash {
		return fmt.Errorf("parent block hash doesn't match our known parent, got %s, exp %s", b.Header.PrevBlockHash, parentHash)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: beneficiary is properly formatted", b.Header.Number)

	if !b.Header.BeneficiaryID.IsAccountID() {
		return fmt.Errorf("beneficiary %q is not properly formatted", b.Header.BeneficiaryID)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: block hash has been solved", b.Header.Number)

	hash := b.Hash()
	if !isHashSolved(b.Header.Difficulty, hash) {
		return fmt.Errorf("%s invalid block hash for difficulty %d", hash, b.Header.Difficulty)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: merkle root does match transactions", b.Header.Number)

	if b.Header.TransRoot != b.Trans.RootHex() {
		return fmt.Errorf("merkle root does not match transactions, got %s, exp %s", b.Trans.RootHex(), b.Header.TransRoot)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: block timestamp is within bounds", b.Header.Number)

	if parent.Header.TimeStamp > parentTimeTolerance && b.Header.TimeStamp < parent.Header.TimeStamp-parentTimeTolerance {
		return fmt.Errorf("block timestamp %d is before parent block %d", b.Header.TimeStamp, parent.Header.TimeStamp)
	}
	if now := uint64(time.Now().UTC().Unix()); b.Header.TimeStamp > now+maxClockDrift {
		return fmt.Errorf("block timestamp %d is too far in the future, now %d", b.Header.TimeStamp, now)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: transactions fit the block size", b.Header.Number)

	var size int
	for _, tx := range b.Trans.Values() {
		size += tx.Size()
	}
	if maxBlockSize > 0 && size > maxBlockSize {
		return fmt.Errorf("block size %d exceeds the max block size %d", size, maxBlockSize)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: transactions validate against the parent state", b.Header.Number)

	for _, tx := range b.Trans.Values() {
		if err := tx.Validate(chainID); err != nil {
			return fmt.Errorf("tx %s invalid signature: %w", tx.UniqueID(), err)
		}

		// Applying each transaction in order catches double spends inside
		// the block as well as against the confirmed state.
		if err := applyTransaction(accounts, b.Header.BeneficiaryID, tx); err != nil {
			return fmt.Errorf("tx %s: %w", tx.UniqueID(), err)
		}
	}

	return nil
}

// =============================================================================

// BlockData represents what can be serialized to disk and over the network.
type BlockData struct {
	Hash   string      `json:"hash"`
	Header BlockHeader `json:"block"`
	Trans  []BlockTx   `json:"trans"`
}

// NewBlockData constructs block data from a block for serialization.
func NewBlockData(block Block) BlockData {
	blockData := BlockData{
		Hash:   block.Hash(),
		Header: block.Header,
		Trans:  block.Trans.Values(),
	}

	return blockData
}

// ToBlock converts a storage block into a database block.
func ToBlock(blockData BlockData) (Block, error) {
	tree, err := merkle.NewTree(blockData.Trans)
	if err != nil {
		return Block{}, err
	}

	nb := Block{
		Header: blockData.Header,
		Trans:  tree,
	}

	return nb, nil
}
