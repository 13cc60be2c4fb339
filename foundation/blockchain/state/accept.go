package state

import (
	"context"
	"errors"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
)

// ErrNoTransactions is returned when a block is requested to be created
// and there are not enough transactions.
var ErrNoTransactions = errors.New("no transactions in mempool")

// =============================================================================

// MineNewBlock attempts to create a new block with a proper hash that can
// become the next block in the chain.
func (s *State) MineNewBlock(ctx context.Context) (database.Block, error) {
	s.evHandler("state: MineNewBlock: MINING: check mempool count")

	// Are there enough transactions in the pool.
	if s.mempool.Count() == 0 {
		return database.Block{}, ErrNoTransactions
	}

	s.evHandler("state: MineNewBlock: MINING: perform POW")

	// Attempt to create a new block by solving the POW puzzle.
	// This can be cancelled.
	trans := s.mempool.PickBest(s.genesis.MaxBlockSize)
	difficulty := s.db.NextDifficulty()

	block, err := database.POW(ctx, s.beneficiaryID, difficulty, s.db.LatestBlock(), trans, s.evHandler)
	if err != nil {
		return database.Block{}, err
	}

	// Just check one more time we were not cancelled.
	if ctx.Err() != nil {
		return database.Block{}, ctx.Err()
	}

	s.evHandler("state: MineNewBlock: MINING: accept block")

	if _, err := s.acceptBlock(block); err != nil {
		return database.Block{}, err
	}

	return block, nil
}

// ProcessPeerBlock takes a block received from a peer, runs it through the
// same admission path a locally mined block takes, and keeps the mempool
// consistent with the outcome.
func (s *State) ProcessPeerBlock(blockData database.BlockData) (database.Acceptance, error) {
	s.evHandler("state: ProcessPeerBlock: started: block[%s]", blockData.Hash)
	defer s.evHandler("state: ProcessPeerBlock: completed")

	// If the runMiningOperation function is being executed it needs to stop
	// immediately. The G executing runMiningOperation will not return from
	// the function until done is called. That allows this function to
	// complete its state changes before a new mining operation takes place.
	if s.Worker != nil {
		done := s.Worker.SignalCancelMining()
		defer func() {
			s.evHandler("state: ProcessPeerBlock: signal runMiningOperation to terminate")
			done()
		}()
	}

	block, err := database.ToBlock(blockData)
	if err != nil {
		return database.Acceptance{}, err
	}

	return s.acceptBlock(block)
}

// =============================================================================

// acceptBlock runs a candidate block through fork-choice and, when the
// canonical tip moves, reconciles the mempool: confirmed transactions
// leave the pool and transactions dropped by a reorganization are
// re-queued.
func (s *State) acceptBlock(block database.Block) (database.Acceptance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acceptance, err := s.db.AcceptBlock(block)
	if err != nil {
		return database.Acceptance{}, err
	}

	switch acceptance.Status {
	case database.StatusSideBranch:
		s.evHandler("state: acceptBlock: side branch: block[%s]", block.Hash())
		return acceptance, nil

	case database.StatusOrphaned:
		s.evHandler("state: acceptBlock: orphaned: block[%s]", block.Hash())
		return acceptance, nil
	}

	// The canonical tip moved. Remove the confirmed transactions from the
	// mempool.
	for _, tx := range block.Trans.Values() {
		s.mempool.Delete(tx)
	}

	// A reorganization returns the transactions that were confirmed on the
	// abandoned branch only. Give them a chance to be mined again.
	for _, tx := range acceptance.DroppedTxs {
		if err := s.mempool.Upsert(tx); err != nil {
			s.evHandler("state: acceptBlock: re-queue dropped tx[%s]: %s", tx, err)
		}
	}

	// Drop pooled transactions the new canonical state has made stale.
	s.mempool.Prune()

	s.evHandler("state: acceptBlock: tip[%s] height[%d]", s.db.TipHash(), s.db.LatestBlock().Header.Number)

	return acceptance, nil
}
