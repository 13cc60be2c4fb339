package state

import (
	"github.com/blocknetics/ledger/foundation/blockchain/database"
)

// UpsertWalletTransaction accepts a transaction submitted through the node's
// own API. On admission the transaction is shared with the network and a
// mining attempt is signalled.
func (s *State) UpsertWalletTransaction(signedTx database.SignedTx) error {
	s.evHandler("state: UpsertWalletTransaction: started: tx[%s]", signedTx)
	defer s.evHandler("state: UpsertWalletTransaction: completed")

	if err := signedTx.Validate(s.genesis.ChainID); err != nil {
		return err
	}

	if err := s.mempool.Upsert(database.NewBlockTx(signedTx)); err != nil {
		return err
	}

	if s.Worker != nil {
		s.Worker.SignalShareTx(signedTx)
		s.Worker.SignalStartMining()
	}

	return nil
}

// ProcessPeerTx accepts a transaction that arrived over gossip. Unlike a
// wallet submission it is not re-shared here, relaying is the gossip
// layer's call.
func (s *State) ProcessPeerTx(signedTx database.SignedTx) error {
	s.evHandler("state: ProcessPeerTx: started: tx[%s]", signedTx)
	defer s.evHandler("state: ProcessPeerTx: completed")

	if err := signedTx.Validate(s.genesis.ChainID); err != nil {
		return err
	}

	if err := s.mempool.Upsert(database.NewBlockTx(signedTx)); err != nil {
		return err
	}

	if s.Worker != nil {
		s.Worker.SignalStartMining()
	}

	return nil
}
