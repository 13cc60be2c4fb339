package state

import (
	"errors"
	"math/big"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/genesis"
	"github.com/blocknetics/ledger/foundation/blockchain/peer"
)

// QueryLatest represents to query the latest block in the chain.
const QueryLatest = ^uint64(0) >> 1

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("account not found")

// =============================================================================

// Host returns the network address the node runs on.
func (s *State) Host() string {
	return s.host
}

// NodeID returns the unique identity of this node on the network.
func (s *State) NodeID() string {
	return s.nodeID
}

// Genesis returns a copy of the genesis information.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// LatestBlock returns a copy of the current canonical tip block.
func (s *State) LatestBlock() database.Block {
	return s.db.LatestBlock()
}

// ChainWork returns the cumulative work of the canonical chain.
func (s *State) ChainWork() *big.Int {
	return s.db.ChainWork()
}

// Accounts returns a copy of the confirmed account set.
func (s *State) Accounts() map[database.AccountID]database.Account {
	return s.db.CopyAccounts()
}

// QueryAccount returns a copy of the specified account from the confirmed
// state.
func (s *State) QueryAccount(accountID database.AccountID) (database.Account, error) {
	account, exists := s.db.Query(accountID)
	if !exists {
		return database.Account{}, ErrNotFound
	}

	return account, nil
}

// CanonicalBlocks returns the canonical blocks in the inclusive number
// range. QueryLatest for either bound anchors the range at the tip.
func (s *State) CanonicalBlocks(from uint64, to uint64) []database.BlockData {
	latest := s.db.LatestBlock().Header.Number

	if from == QueryLatest {
		from = latest
		to = latest
	}
	if to == QueryLatest {
		to = latest
	}

	return s.db.CanonicalBlocks(from, to)
}

// MempoolLength returns the current length of the mempool.
func (s *State) MempoolLength() int {
	return s.mempool.Count()
}

// Mempool returns a copy of the mempool.
func (s *State) Mempool() []database.BlockTx {
	return s.mempool.Copy()
}

// KnownPeers retrieves a copy of the known peer list.
func (s *State) KnownPeers() []peer.Peer {
	return s.knownPeers.Copy(s.host)
}

// AddKnownPeer provides the ability to add a new peer to the known peer
// list.
func (s *State) AddKnownPeer(p peer.Peer) bool {
	return s.knownPeers.Add(p)
}
