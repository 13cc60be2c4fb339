// Package database handles all the lower level support for maintaining the
// blockchain, including validation, fork choice and the in memory database
// of account balances.
package database

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/blocknetics/ledger/foundation/blockchain/genesis"
	"github.com/blocknetics/ledger/foundation/blockchain/signature"
)

// Bounds for the orphan side table. Orphans are blocks whose parent hasn't
// arrived yet. They are held for a retention window and dropped when the
// table is full, oldest first.
const (
	maxOrphanBlocks = 100
	orphanRetention = 10 * time.Minute
)

// ErrKnownBlock is returned when a block being accepted is already part of
// the block arena. Accepting the same block twice is a no-op.
var ErrKnownBlock = errors.New("block is already known")

// =============================================================================

// Serializer interface represents the behavior required to be implemented by
// any package providing support for storing and reading the blockchain.
type Serializer interface {
	Write(blockData BlockData) error
	GetBlock(num uint64) (BlockData, error)
	ForEach() Iterator
	Close() error
	Reset() error
}

// Iterator interface represents the behavior required to be implemented by
// any package providing support to iterate over the blocks.
type Iterator interface {
	Next() (BlockData, error)
	Done() bool
}

// =============================================================================

// AcceptStatus describes what happened to a block handed to AcceptBlock.
type AcceptStatus int

// The set of statuses a block acceptance can produce.
const (
	StatusAccepted   AcceptStatus = iota + 1 // Extended the canonical tip.
	StatusReorganized                        // Became canonical by out-working the old tip.
	StatusSideBranch                         // Valid, stored on a non-canonical branch.
	StatusOrphaned                           // Parent unknown, held in the orphan table.
)

// Acceptance carries the outcome of accepting a block.
type Acceptance struct {
	Status AcceptStatus

	// DroppedTxs are transactions that were confirmed on the old canonical
	// branch but are not part of the new one after a reorganization. The
	// caller re-submits them through the mempool.
	DroppedTxs []BlockTx
}

// orphanBlock is an entry in the orphan side table.
type orphanBlock struct {
	block      Block
	receivedAt time.Time
}

// =============================================================================

// Database manages the block arena, fork choice and the account state at
// the canonical tip.
type Database struct {
	mu sync.RWMutex

	genesis   genesis.Genesis
	blocks    map[string]Block    // Every validated block keyed by hash.
	work      map[string]*big.Int // Cumulative work keyed by block hash.
	tipHash   string              // Hash of the canonical tip.
	accounts  map[AccountID]Account
	orphans   map[string][]orphanBlock // Keyed by the missing parent hash.
	evHandler func(v string, args ...any)

	serializer Serializer
}

// New constructs a new database, applies the genesis balances and replays
// the blockchain from storage if blocks exist on disk.
func New(genesis genesis.Genesis, serializer Serializer, evHandler func(v string, args ...any)) (*Database, error) {
	if evHandler == nil {
		evHandler = func(v string, args ...any) {}
	}

	db := Database{
		genesis:    genesis,
		blocks:     make(map[string]Block),
		work:       make(map[string]*big.Int),
		accounts:   make(map[AccountID]Account),
		orphans:    make(map[string][]orphanBlock),
		evHandler:  evHandler,
		serializer: serializer,
	}

	// The genesis block is synthetic. It anchors the arena at the zero
	// hash so every real chain of blocks shares the same root.
	db.blocks[signature.ZeroHash] = db.genesisBlock()
	db.work[signature.ZeroHash] = big.NewInt(0)
	db.tipHash = signature.ZeroHash

	// Update the database with account balance information from genesis.
	for accountStr, balance := range genesis.Balances {
		accountID, err := ToAccountID(accountStr)
		if err != nil {
			return nil, err
		}
		db.accounts[accountID] = newAccount(accountID, balance)
	}

	// Replay any blocks found in storage. They flow through the same
	// acceptance path as network blocks, storage is a log and not a
	// source of truth.
	iter := db.serializer.ForEach()
	for blockData, err := iter.Next(); !iter.Done(); blockData, err = iter.Next() {
		if err != nil {
			return nil, err
		}

		block, err := ToBlock(blockData)
		if err != nil {
			return nil, err
		}

		if _, err := db.acceptBlock(block, false); err != nil {
			return nil, fmt.Errorf("replaying block %d from storage: %w", blockData.Header.Number, err)
		}
	}

	return &db, nil
}

// Close closes the open blocks database.
func (db *Database) Close() {
	db.serializer.Close()
}

// genesisBlock constructs the synthetic block 0 every chain is rooted at.
func (db *Database) genesisBlock() Block {
	var ts uint64
	if !db.genesis.Date.IsZero() {
		ts = uint64(db.genesis.Date.UTC().Unix())
	}

	return Block{
		Header: BlockHeader{
			TimeStamp:  ts,
			Difficulty: db.genesis.Difficulty,
			Number:     0,
		},
	}
}

// =============================================================================

// AcceptBlock validates the specified block and adds it to the block arena.
// The canonical tip moves when the block extends it or when the block's
// branch accumulates more work than the current tip, which triggers a
// reorganization. A block whose parent is unknown is held as an orphan.
func (db *Database) AcceptBlock(block Block) (Acceptance, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.acceptBlock(block, true)
}

// acceptBlock implements block acceptance. The caller must hold the lock.
func (db *Database) acceptBlock(block Block, persist bool) (Acceptance, error) {
	hash := block.Hash()

	if _, exists := db.blocks[hash]; exists {
		return Acceptance{}, ErrKnownBlock
	}

	// A block with an unknown parent can't be validated yet. Hold it in
	// the orphan table keyed by the hash it's waiting for.
	parentHash := block.Header.PrevBlockHash
	parent, exists := db.blocks[parentHash]
	if !exists {
		db.addOrphan(block)
		db.evHandler("database: acceptBlock: blk[%d]: ORPHAN: waiting for parent %s", block.Header.Number, parentHash)
		return Acceptance{Status: StatusOrphaned}, nil
	}

	// The difficulty in force for this height is derived from the parent
	// branch. Mining at a higher difficulty than required is allowed, it
	// only makes the miner's own job harder.
	expected := db.difficultyForNext(parent, parentHash)
	if block.Header.Difficulty < expected {
		return Acceptance{}, fmt.Errorf("block difficulty %d is below the difficulty %d in force for height %d", block.Header.Difficulty, expected, block.Header.Number)
	}

	// Validate the block against the account state as of its parent. The
	// state copy is mutated by validation, leaving it at this block when
	// validation succeeds.
	accounts := db.accountsAt(parentHash)
	if err := block.ValidateBlock(parent, parentHash, accounts, db.genesis.ChainID, db.genesis.MaxBlockSize, db.evHandler); err != nil {
		return Acceptance{}, err
	}
	applyMiningReward(accounts, block.Header.BeneficiaryID, db.genesis.MiningReward)

	// The block is valid. Add it to the arena with its cumulative work.
	db.blocks[hash] = block
	db.work[hash] = new(big.Int).Add(db.work[parentHash], blockWork(block.Header.Difficulty))

	acceptance := Acceptance{Status: StatusSideBranch}

	switch {
	case parentHash == db.tipHash:
		// The common case, the block extends the canonical tip.
		db.tipHash = hash
		db.accounts = accounts
		if persist {
			if err := db.serializer.Write(NewBlockData(block)); err != nil {
				return Acceptance{}, err
			}
		}
		acceptance.Status = StatusAccepted

	case db.work[hash].Cmp(db.work[db.tipHash]) > 0:
		// A side branch now carries more cumulative work than the
		// canonical chain. Switch to it.
		dropped := db.reorganize(hash)
		db.accounts = accounts
		if persist {
			if err := db.rewriteStorage(); err != nil {
				return Acceptance{}, err
			}
		}
		acceptance.Status = StatusReorganized
		acceptance.DroppedTxs = dropped
		db.evHandler("database: acceptBlock: blk[%d]: REORG: new tip %s, %d transactions dropped", block.Header.Number, hash, len(dropped))
	}

	// This block may be the parent an orphan is waiting for. Attach any
	// waiting orphans transitively, in ascending height order.
	dropped := db.adoptOrphans(hash, persist)
	acceptance.DroppedTxs = append(acceptance.DroppedTxs, dropped...)

	return acceptance, nil
}

// reorganize switches the canonical tip to the specified block and returns
// the transactions that were confirmed on the old branch but are not part
// of the new one. The caller must hold the lock.
func (db *Database) reorganize(newTip string) []BlockTx {
	oldPath := db.pathFromGenesis(db.tipHash)
	newPath := db.pathFromGenesis(newTip)

	// Index the transaction identities on the new branch so old branch
	// transactions that made it onto the new branch are not re-queued.
	confirmed := make(map[string]struct{})
	for _, hash := range newPath {
		for _, tx := range db.blocks[hash].Trans.Values() {
			confirmed[tx.UniqueID()] = struct{}{}
		}
	}

	// Walk the old branch past the common ancestor and collect the
	// transactions the new branch doesn't confirm.
	var dropped []BlockTx
	for i, hash := range oldPath {
		if i < len(newPath) && newPath[i] == hash {
			continue
		}
		for _, tx := range db.blocks[hash].Trans.Values() {
			if _, exists := confirmed[tx.UniqueID()]; !exists {
				dropped = append(dropped, tx)
			}
		}
	}

	db.tipHash = newTip

	return dropped
}

// adoptOrphans attaches orphans waiting on the specified parent hash and
// cascades through any orphans waiting on those in turn. The caller must
// hold the lock.
func (db *Database) adoptOrphans(parentHash string, persist bool) []BlockTx {
	waiting, exists := db.orphans[parentHash]
	if !exists {
		return nil
	}
	delete(db.orphans, parentHash)

	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].block.Header.Number < waiting[j].block.Header.Number
	})

	var dropped []BlockTx
	for _, orphan := range waiting {
		acceptance, err := db.acceptBlock(orphan.block, persist)
		if err != nil {
			db.evHandler("database: adoptOrphans: blk[%d]: rejected: %s", orphan.block.Header.Number, err)
			continue
		}
		dropped = append(dropped, acceptance.DroppedTxs...)
	}

	return dropped
}

// addOrphan stores a block in the bounded orphan side table, pruning expired
// entries and evicting the oldest when the table is full. The caller must
// hold the lock.
func (db *Database) addOrphan(block Block) {
	now := time.Now()

	count := 0
	var oldestKey string
	var oldestIdx int
	var oldestAt time.Time

	for key, waiting := range db.orphans {
		kept := waiting[:0]
		for _, orphan := range waiting {
			if now.Sub(orphan.receivedAt) > orphanRetention {
				continue
			}
			if oldestAt.IsZero() || orphan.receivedAt.Before(oldestAt) {
				oldestKey, oldestIdx, oldestAt = key, len(kept), orphan.receivedAt
			}
			kept = append(kept, orphan)
		}
		if len(kept) == 0 {
			delete(db.orphans, key)
			continue
		}
		db.orphans[key] = kept
		count += len(kept)
	}

	if count >= maxOrphanBlocks && oldestKey != "" {
		waiting := db.orphans[oldestKey]
		db.orphans[oldestKey] = append(waiting[:oldestIdx], waiting[oldestIdx+1:]...)
		if len(db.orphans[oldestKey]) == 0 {
			delete(db.orphans, oldestKey)
		}
	}

	parentHash := block.Header.PrevBlockHash
	db.orphans[parentHash] = append(db.orphans[parentHash], orphanBlock{block: block, receivedAt: now})
}

// rewriteStorage replaces the on disk log with the current canonical chain.
// Used after a reorganization. The caller must hold the lock.
func (db *Database) rewriteStorage() error {
	if err := db.serializer.Reset(); err != nil {
		return err
	}

	for _, hash := range db.pathFromGenesis(db.tipHash) {
		if err := db.serializer.Write(NewBlockData(db.blocks[hash])); err != nil {
			return err
		}
	}

	return nil
}

// =============================================================================

// pathFromGenesis returns the block hashes from the first real block to the
// specified block, walking parent links iteratively. The synthetic genesis
// block is not included. The caller must hold the lock.
func (db *Database) pathFromGenesis(hash string) []string {
	var path []string
	for hash != signature.ZeroHash {
		path = append(path, hash)
		hash = db.blocks[hash].Header.PrevBlockHash
	}

	// Reverse into ascending height order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path
}

// accountsAt rebuilds the account state as of the specified block by folding
// the transactions on its ancestry over the genesis balances. When the block
// is the canonical tip the current state is copied instead. The caller must
// hold the lock.
func (db *Database) accountsAt(hash string) map[AccountID]Account {
	if hash == db.tipHash {
		return copyAccounts(db.accounts)
	}

	accounts := make(map[AccountID]Account)
	for accountStr, balance := range db.genesis.Balances {
		accountID, _ := ToAccountID(accountStr)
		accounts[accountID] = newAccount(accountID, balance)
	}

	for _, blockHash := range db.pathFromGenesis(hash) {
		block := db.blocks[blockHash]
		for _, tx := range block.Trans.Values() {
			// These transactions validated when the block was accepted.
			if err := applyTransaction(accounts, block.Header.BeneficiaryID, tx); err != nil {
				db.evHandler("database: accountsAt: blk[%d]: tx[%s]: WARNING: %s", block.Header.Number, tx, err)
			}
		}
		applyMiningReward(accounts, block.Header.BeneficiaryID, db.genesis.MiningReward)
	}

	return accounts
}

// difficultyForNext returns the difficulty in force for the block following
// the specified parent. At retarget boundaries the difficulty is recomputed
// from the time the previous interval actually took. The caller must hold
// the lock.
func (db *Database) difficultyForNext(parent Block, parentHash string) uint64 {
	interval := db.genesis.RetargetInterval
	if interval == 0 {
		return db.genesis.Difficulty
	}

	nextNumber := parent.Header.Number + 1
	if nextNumber%interval != 0 || nextNumber < interval {
		if parent.Header.Number == 0 {
			return db.genesis.Difficulty
		}
		return parent.Header.Difficulty
	}

	// Walk back to the block that opened the interval.
	first := parent
	firstHash := parentHash
	for i := uint64(0); i < interval-1; i++ {
		firstHash = first.Header.PrevBlockHash
		first = db.blocks[firstHash]
	}

	var actualSpan uint64
	if parent.Header.TimeStamp > first.Header.TimeStamp {
		actualSpan = parent.Header.TimeStamp - first.Header.TimeStamp
	}
	targetSpan := interval * db.genesis.TargetBlockTime

	return RetargetDifficulty(parent.Header.Difficulty, actualSpan, targetSpan, db.genesis.RetargetClamp)
}

// =============================================================================

// LatestBlock returns the block at the canonical tip.
func (db *Database) LatestBlock() Block {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.blocks[db.tipHash]
}

// TipHash returns the hash of the canonical tip.
func (db *Database) TipHash() string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.tipHash
}

// ChainWork returns the cumulative work of the canonical chain.
func (db *Database) ChainWork() *big.Int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return new(big.Int).Set(db.work[db.tipHash])
}

// NextDifficulty returns the difficulty a new block on the canonical tip
// must be mined at.
func (db *Database) NextDifficulty() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.difficultyForNext(db.blocks[db.tipHash], db.tipHash)
}

// HasBlock reports whether the specified block hash is in the arena.
func (db *Database) HasBlock(hash string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	_, exists := db.blocks[hash]
	return exists
}

// CopyAccounts makes a copy of the current canonical account state.
func (db *Database) CopyAccounts() map[AccountID]Account {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return copyAccounts(db.accounts)
}

// Query returns the account and whether it exists in the canonical state.
func (db *Database) Query(accountID AccountID) (Account, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	account, exists := db.accounts[accountID]
	return account, exists
}

// CanonicalBlocks returns the canonical blocks in the inclusive number range
// in ascending order. A zero to value means through the tip.
func (db *Database) CanonicalBlocks(from uint64, to uint64) []BlockData {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if to == 0 {
		to = db.blocks[db.tipHash].Header.Number
	}

	var blocks []BlockData
	for _, hash := range db.pathFromGenesis(db.tipHash) {
		number := db.blocks[hash].Header.Number
		if number < from || number > to {
			continue
		}
		blocks = append(blocks, NewBlockData(db.blocks[hash]))
	}

	return blocks
}

// =============================================================================

// applyTransaction performs the business logic for applying a transaction to
// an account state. The specified map is mutated.
func applyTransaction(accounts map[AccountID]Account, beneficiaryID AccountID, tx BlockTx) error {

	// Capture the from address from the signature of the transaction.
	fromID, err := tx.FromAccount()
	if err != nil {
		return fmt.Errorf("invalid signature, %s", err)
	}

	if fromID == tx.ToID {
		return fmt.Errorf("transaction invalid, sending money to yourself, from %s, to %s", fromID, tx.ToID)
	}

	from := accounts[fromID]

	if tx.Nonce <= from.Nonce {
		return fmt.Errorf("transaction invalid, nonce too small, current %d, provided %d", from.Nonce, tx.Nonce)
	}

	// No account may spend more than its confirmed balance, the fee
	// included.
	cost := tx.Value + tx.Fee
	if from.Balance < cost {
		return fmt.Errorf("transaction invalid, insufficient funds, bal %d, needed %d", from.Balance, cost)
	}

	from.Balance -= cost
	from.Nonce = tx.Nonce
	from.AccountID = fromID
	accounts[fromID] = from

	to := accounts[tx.ToID]
	to.Balance += tx.Value
	to.AccountID = tx.ToID
	accounts[tx.ToID] = to

	bnfc := accounts[beneficiaryID]
	bnfc.Balance += tx.Fee
	bnfc.AccountID = beneficiaryID
	accounts[beneficiaryID] = bnfc

	return nil
}

// applyMiningReward gives the beneficiary account the mining reward.
func applyMiningReward(accounts map[AccountID]Account, beneficiaryID AccountID, reward uint64) {
	account := accounts[beneficiaryID]
	account.Balance += reward
	account.AccountID = beneficiaryID

	accounts[beneficiaryID] = account
}

// copyAccounts makes a deep copy of an account state map.
func copyAccounts(accounts map[AccountID]Account) map[AccountID]Account {
	cpy := make(map[AccountID]Account, len(accounts))
	for accountID, account := range accounts {
		cpy[accountID] = account
	}

	return cpy
}
