// Package mempool maintains the mempool of unconfirmed transactions for the
// blockchain.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/mempool/selector"
)

// The set of reasons a transaction can be refused admission.
var (
	ErrDuplicate         = errors.New("transaction already in the mempool")
	ErrFeeTooLow         = errors.New("transaction fee below the configured minimum")
	ErrNonceTooLow       = errors.New("transaction nonce does not exceed all pooled and confirmed nonces for the sender")
	ErrInsufficientFunds = errors.New("sender balance cannot cover the pooled transactions plus this one")
	ErrOutbidByPooled    = errors.New("a pooled transaction with the same nonce carries an equal or higher fee")
)

// ChainReader provides read access to confirmed account state at the
// canonical tip. The mempool consults it and never mutates it.
type ChainReader interface {
	Query(accountID database.AccountID) (database.Account, bool)
}

// Config represents the set of knobs the mempool runs with.
type Config struct {
	ChainReader    ChainReader
	MinFee         uint64
	MaxPoolSize    int    // Max number of pooled transactions, 0 means unbounded.
	SelectStrategy string // Empty selects the fee rate strategy.
}

// entry represents a pooled transaction with its arrival bookkeeping.
type entry struct {
	tx      database.BlockTx
	arrived time.Time
	seq     uint64 // Total order of arrival, breaks fee ties.
}

// Mempool represents a cache of transactions organized by account:nonce.
type Mempool struct {
	mu       sync.RWMutex
	pool     map[string]entry
	seq      uint64
	chain    ChainReader
	minFee   uint64
	maxSize  int
	selectFn selector.Func
}

// New constructs a new mempool.
func New(cfg Config) (*Mempool, error) {
	strategy := cfg.SelectStrategy
	if strategy == "" {
		strategy = selector.StrategyFeeRate
	}

	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	mp := Mempool{
		pool:     make(map[string]entry),
		chain:    cfg.ChainReader,
		minFee:   cfg.MinFee,
		maxSize:  cfg.MaxPoolSize,
		selectFn: selectFn,
	}

	return &mp, nil
}

// Count returns the current number of transactions in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// =============================================================================

// Upsert runs a transaction through admission control and adds it to the
// pool. Admission is idempotent, re-submitting an identical transaction is
// refused as a duplicate. A transaction with the same sender and nonce as a
// pooled one replaces it only when it carries a strictly higher fee.
func (mp *Mempool) Upsert(tx database.BlockTx) error {
	if tx.Fee < mp.minFee {
		return fmt.Errorf("%w: fee %d, minimum %d", ErrFeeTooLow, tx.Fee, mp.minFee)
	}

	fromID, err := tx.FromAccount()
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	key := mapKey(fromID, tx.Nonce)

	// Same sender and nonce as a pooled transaction is either a duplicate
	// or a double spend attempt. The higher fee wins, ties keep the
	// earlier arrival. The pooled transaction is not displaced until the
	// replacement clears every admission check, a failed replacement must
	// leave the pool as it was.
	if pooled, exists := mp.pool[key]; exists {
		if pooled.tx.Equals(tx) {
			return ErrDuplicate
		}
		if tx.Fee <= pooled.tx.Fee {
			return fmt.Errorf("%w: pooled fee %d, offered %d", ErrOutbidByPooled, pooled.tx.Fee, tx.Fee)
		}
	}

	// Per sender ordering: the nonce must exceed the sender's confirmed
	// nonce and every other nonce already pooled for the sender.
	var confirmed database.Account
	if mp.chain != nil {
		confirmed, _ = mp.chain.Query(fromID)
	}
	if tx.Nonce <= confirmed.Nonce {
		return fmt.Errorf("%w: confirmed %d, provided %d", ErrNonceTooLow, confirmed.Nonce, tx.Nonce)
	}

	// The transaction being replaced does not count against its sender's
	// nonce ordering or pending spend.
	var pending uint64
	for poolKey, pooled := range mp.pool {
		if poolKey == key {
			continue
		}
		pooledFrom, err := pooled.tx.FromAccount()
		if err != nil || pooledFrom != fromID {
			continue
		}
		if tx.Nonce <= pooled.tx.Nonce {
			return fmt.Errorf("%w: pooled %d, provided %d", ErrNonceTooLow, pooled.tx.Nonce, tx.Nonce)
		}
		pending += pooled.tx.Value + pooled.tx.Fee
	}

	// The sender's confirmed balance must cover everything already pooled
	// plus this transaction.
	if mp.chain != nil {
		if cost := pending + tx.Value + tx.Fee; confirmed.Balance < cost {
			return fmt.Errorf("%w: bal %d, needed %d", ErrInsufficientFunds, confirmed.Balance, cost)
		}
	}

	mp.seq++
	mp.pool[key] = entry{tx: tx, arrived: time.Now(), seq: mp.seq}

	mp.evictOverCapacity()

	return nil
}

// Delete removes a transaction from the mempool. Used when the transaction
// was confirmed in an accepted block.
func (mp *Mempool) Delete(tx database.BlockTx) error {
	fromID, err := tx.FromAccount()
	if err != nil {
		return err
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	delete(mp.pool, mapKey(fromID, tx.Nonce))

	return nil
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[string]entry)
}

// Prune drops pooled transactions that are no longer valid against the
// confirmed state, because their nonce was consumed by an accepted block.
func (mp *Mempool) Prune() {
	if mp.chain == nil {
		return
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	for key, pooled := range mp.pool {
		fromID, err := pooled.tx.FromAccount()
		if err != nil {
			delete(mp.pool, key)
			continue
		}
		confirmed, _ := mp.chain.Query(fromID)
		if pooled.tx.Nonce <= confirmed.Nonce {
			delete(mp.pool, key)
		}
	}
}

// =============================================================================

// PickBest uses the configured select strategy to return the transactions
// for the next block within the specified byte budget. A budget of zero
// means no limit.
func (mp *Mempool) PickBest(maxBytes int) []database.BlockTx {

	// Group the transactions by account.
	m := make(map[database.AccountID][]database.BlockTx)
	mp.mu.RLock()
	{
		for _, pooled := range mp.pool {
			fromID, err := pooled.tx.FromAccount()
			if err != nil {
				continue
			}
			m[fromID] = append(m[fromID], pooled.tx)
		}
	}
	mp.mu.RUnlock()

	return mp.selectFn(m, maxBytes)
}

// Copy returns a list of the current transactions in the pool.
func (mp *Mempool) Copy() []database.BlockTx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	txs := make([]database.BlockTx, 0, len(mp.pool))
	for _, pooled := range mp.pool {
		txs = append(txs, pooled.tx)
	}

	return txs
}

// =============================================================================

// evictOverCapacity drops the lowest fee rate entries, oldest first among
// equals, until the pool is back under its configured bound. The caller
// must hold the lock.
func (mp *Mempool) evictOverCapacity() {
	if mp.maxSize <= 0 || len(mp.pool) <= mp.maxSize {
		return
	}

	type keyed struct {
		key string
		ent entry
	}

	entries := make([]keyed, 0, len(mp.pool))
	for key, ent := range mp.pool {
		entries = append(entries, keyed{key: key, ent: ent})
	}

	sort.Slice(entries, func(i, j int) bool {
		ri, rj := entries[i].ent.tx.FeeRate(), entries[j].ent.tx.FeeRate()
		if ri != rj {
			return ri < rj
		}
		return entries[i].ent.seq < entries[j].ent.seq
	})

	for _, candidate := range entries {
		if len(mp.pool) <= mp.maxSize {
			break
		}
		delete(mp.pool, candidate.key)
	}
}

// mapKey is used to generate the map key.
func mapKey(accountID database.AccountID, nonce uint64) string {
	return fmt.Sprintf("%s:%d", accountID, nonce)
}
