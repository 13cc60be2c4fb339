// Package state is the core API for the ledger node and implements all the
// business rules and processing.
package state

import (
	"sync"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/genesis"
	"github.com/blocknetics/ledger/foundation/blockchain/mempool"
	"github.com/blocknetics/ledger/foundation/blockchain/peer"
)

// EventHandler defines a function that is called when events
// occur in the processing of blocks and transactions.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for mining, peer liveness, and transaction
// sharing.
type Worker interface {
	Shutdown()
	SignalStartMining()
	SignalCancelMining() (done func())
	SignalShareTx(signedTx database.SignedTx)
}

// =============================================================================

// Config represents the configuration required to start
// the ledger node.
type Config struct {
	BeneficiaryID  database.AccountID
	Host           string
	NodeID         string
	Genesis        genesis.Genesis
	Serializer     database.Serializer
	SelectStrategy string
	MaxPoolSize    int
	KnownPeers     *peer.PeerSet
	EvHandler      EventHandler
}

// State manages the ledger node.
type State struct {
	mu sync.Mutex

	beneficiaryID database.AccountID
	host          string
	nodeID        string
	evHandler     EventHandler

	genesis    genesis.Genesis
	db         *database.Database
	mempool    *mempool.Mempool
	knownPeers *peer.PeerSet

	Worker Worker
}

// New constructs a new ledger state for data management.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	// Open the database, replaying any blocks already on disk.
	db, err := database.New(cfg.Genesis, cfg.Serializer, ev)
	if err != nil {
		return nil, err
	}

	// Construct the mempool over the confirmed account state.
	mpool, err := mempool.New(mempool.Config{
		ChainReader:    db,
		MinFee:         cfg.Genesis.MinTxFee,
		MaxPoolSize:    cfg.MaxPoolSize,
		SelectStrategy: cfg.SelectStrategy,
	})
	if err != nil {
		return nil, err
	}

	state := State{
		beneficiaryID: cfg.BeneficiaryID,
		host:          cfg.Host,
		nodeID:        cfg.NodeID,
		evHandler:     ev,

		genesis:    cfg.Genesis,
		db:         db,
		mempool:    mpool,
		knownPeers: cfg.KnownPeers,
	}

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the node.

	return &state, nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	// Make sure the database is properly closed.
	defer func() {
		s.db.Close()
	}()

	// Stop all block writing activity.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	return nil
}
