package state_test

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/database/storage"
	"github.com/blocknetics/ledger/foundation/blockchain/genesis"
	"github.com/blocknetics/ledger/foundation/blockchain/peer"
	"github.com/blocknetics/ledger/foundation/blockchain/state"
	"github.com/ethereum/go-ethereum/crypto"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

const chainID = 1

// =============================================================================

type accountKey struct {
	key *ecdsa.PrivateKey
	id  database.AccountID
}

func newAccountKey(t *testing.T) accountKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to generate a private key: %v", failed, err)
	}

	return accountKey{
		key: key,
		id:  database.PublicKeyToAccountID(key.PublicKey),
	}
}

func signTx(t *testing.T, from accountKey, nonce uint64, to database.AccountID, value uint64, fee uint64) database.SignedTx {
	tx, err := database.NewTx(chainID, nonce, to, value, fee, nil)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct a transaction: %v", failed, err)
	}

	signedTx, err := tx.Sign(from.key)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign a transaction: %v", failed, err)
	}

	return signedTx
}

// testGenesis keeps the difficulty at one so mining in tests is instant, and
// disables retargeting.
func testGenesis(balances map[string]uint64) genesis.Genesis {
	return genesis.Genesis{
		Date:            time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		ChainID:         chainID,
		Difficulty:      1,
		TargetBlockTime: 10,
		MiningReward:    100,
		Balances:        balances,
	}
}

func newState(t *testing.T, beneficiaryID database.AccountID, gen genesis.Genesis) *state.State {
	strg, err := storage.NewMemory()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct memory storage: %v", failed, err)
	}

	st, err := state.New(state.Config{
		BeneficiaryID: beneficiaryID,
		Host:          "test:9080",
		NodeID:        "test-node",
		Genesis:       gen,
		Serializer:    strg,
		KnownPeers:    peer.NewPeerSet(0),
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the state: %v", failed, err)
	}

	return st
}

// =============================================================================

func Test_MineAndSyncBlock(t *testing.T) {
	t.Log("Given the need to mine a block and sync it to a peer node.")
	{
		alice := newAccountKey(t)
		bob := newAccountKey(t)
		miner := newAccountKey(t)

		gen := testGenesis(map[string]uint64{string(alice.id): 1000})

		nodeA := newState(t, miner.id, gen)
		defer nodeA.Shutdown()

		nodeB := newState(t, miner.id, gen)
		defer nodeB.Shutdown()

		signedTx := signTx(t, alice, 1, bob.id, 100, 15)
		if err := nodeA.UpsertWalletTransaction(signedTx); err != nil {
			t.Fatalf("\t%s\tShould be able to submit a wallet transaction: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to submit a wallet transaction.", success)

		block, err := nodeA.MineNewBlock(context.Background())
		if err != nil {
			t.Fatalf("\t%s\tShould be able to mine a block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to mine a block.", success)

		if nodeA.MempoolLength() != 0 {
			t.Errorf("\t%s\tShould have removed the confirmed transaction from the pool, got %d.", failed, nodeA.MempoolLength())
		} else {
			t.Logf("\t%s\tShould have removed the confirmed transaction from the pool.", success)
		}

		acceptance, err := nodeB.ProcessPeerBlock(database.NewBlockData(block))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to process the block on the peer: %v", failed, err)
		}
		if acceptance.Status != database.StatusAccepted {
			t.Fatalf("\t%s\tShould accept the block on the peer, got %v.", failed, acceptance.Status)
		}
		t.Logf("\t%s\tShould accept the block on the peer.", success)

		if nodeB.LatestBlock().Hash() != block.Hash() {
			t.Fatalf("\t%s\tShould agree on the canonical tip.", failed)
		}
		t.Logf("\t%s\tShould agree on the canonical tip.", success)

		checks := map[database.AccountID]uint64{
			alice.id: 885,
			bob.id:   100,
			miner.id: 115,
		}
		for accountID, want := range checks {
			account, err := nodeB.QueryAccount(accountID)
			if err != nil {
				t.Fatalf("\t%s\tShould be able to query account %s: %v", failed, accountID, err)
			}
			if account.Balance != want {
				t.Errorf("\t%s\tShould have balance %d for %s, got %d.", failed, want, accountID, account.Balance)
			}
		}
		t.Logf("\t%s\tShould agree on the resulting balances.", success)
	}
}

func Test_MineRequiresTransactions(t *testing.T) {
	t.Log("Given the need to refuse mining an empty block.")
	{
		miner := newAccountKey(t)

		st := newState(t, miner.id, testGenesis(nil))
		defer st.Shutdown()

		if _, err := st.MineNewBlock(context.Background()); err != state.ErrNoTransactions {
			t.Errorf("\t%s\tShould refuse to mine with an empty pool, got %v.", failed, err)
		} else {
			t.Logf("\t%s\tShould refuse to mine with an empty pool.", success)
		}
	}
}

func Test_ReorgRequeuesDroppedTransactions(t *testing.T) {
	t.Log("Given the need to re-queue transactions dropped by a reorganization.")
	{
		alice := newAccountKey(t)
		bob := newAccountKey(t)
		carol := newAccountKey(t)
		miner := newAccountKey(t)
		rival := newAccountKey(t)

		gen := testGenesis(map[string]uint64{
			string(alice.id): 1000,
			string(carol.id): 1000,
		})

		st := newState(t, miner.id, gen)
		defer st.Shutdown()

		// Mine two blocks confirming alice's transactions.
		for nonce := uint64(1); nonce <= 2; nonce++ {
			if err := st.UpsertWalletTransaction(signTx(t, alice, nonce, bob.id, 100, 15)); err != nil {
				t.Fatalf("\t%s\tShould be able to submit transaction %d: %v", failed, nonce, err)
			}
			if _, err := st.MineNewBlock(context.Background()); err != nil {
				t.Fatalf("\t%s\tShould be able to mine block %d: %v", failed, nonce, err)
			}
		}
		t.Logf("\t%s\tShould be able to mine two blocks.", success)

		// A rival block on the genesis parent carrying enough work to
		// out-weigh both mined blocks.
		rivalTx := database.NewBlockTx(signTx(t, carol, 1, bob.id, 50, 15))
		rivalBlock, err := database.POW(context.Background(), rival.id, 3, database.Block{}, []database.BlockTx{rivalTx}, func(v string, args ...any) {})
		if err != nil {
			t.Fatalf("\t%s\tShould be able to mine the rival block: %v", failed, err)
		}

		acceptance, err := st.ProcessPeerBlock(database.NewBlockData(rivalBlock))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to process the rival block: %v", failed, err)
		}
		if acceptance.Status != database.StatusReorganized {
			t.Fatalf("\t%s\tShould reorganize to the heavier branch, got %v.", failed, acceptance.Status)
		}
		t.Logf("\t%s\tShould reorganize to the heavier branch.", success)

		if st.LatestBlock().Hash() != rivalBlock.Hash() {
			t.Fatalf("\t%s\tShould have the rival block as the canonical tip.", failed)
		}
		t.Logf("\t%s\tShould have the rival block as the canonical tip.", success)

		if len(acceptance.DroppedTxs) != 2 {
			t.Fatalf("\t%s\tShould report both abandoned transactions, got %d.", failed, len(acceptance.DroppedTxs))
		}
		t.Logf("\t%s\tShould report both abandoned transactions.", success)

		if st.MempoolLength() != 2 {
			t.Errorf("\t%s\tShould have re-queued the abandoned transactions, got %d pooled.", failed, st.MempoolLength())
		} else {
			t.Logf("\t%s\tShould have re-queued the abandoned transactions.", success)
		}
	}
}

func Test_PeerTxAdmission(t *testing.T) {
	t.Log("Given the need to admit transactions arriving over gossip.")
	{
		alice := newAccountKey(t)
		bob := newAccountKey(t)
		miner := newAccountKey(t)

		st := newState(t, miner.id, testGenesis(map[string]uint64{string(alice.id): 1000}))
		defer st.Shutdown()

		if err := st.ProcessPeerTx(signTx(t, alice, 1, bob.id, 100, 15)); err != nil {
			t.Fatalf("\t%s\tShould admit a valid peer transaction: %v", failed, err)
		}
		t.Logf("\t%s\tShould admit a valid peer transaction.", success)

		if st.MempoolLength() != 1 {
			t.Errorf("\t%s\tShould have the transaction pooled, got %d.", failed, st.MempoolLength())
		} else {
			t.Logf("\t%s\tShould have the transaction pooled.", success)
		}

		// A transaction signed for another chain must be refused.
		wrongTx, err := database.NewTx(chainID+1, 2, bob.id, 100, 15, nil)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to construct a transaction: %v", failed, err)
		}
		wrongSigned, err := wrongTx.Sign(alice.key)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign a transaction: %v", failed, err)
		}

		if err := st.ProcessPeerTx(wrongSigned); err == nil {
			t.Errorf("\t%s\tShould refuse a transaction for another chain.", failed)
		} else {
			t.Logf("\t%s\tShould refuse a transaction for another chain.", success)
		}
	}
}

func Test_CanonicalBlockRange(t *testing.T) {
	t.Log("Given the need to serve canonical blocks by number range.")
	{
		alice := newAccountKey(t)
		bob := newAccountKey(t)
		miner := newAccountKey(t)

		st := newState(t, miner.id, testGenesis(map[string]uint64{string(alice.id): 1000}))
		defer st.Shutdown()

		for nonce := uint64(1); nonce <= 3; nonce++ {
			if err := st.UpsertWalletTransaction(signTx(t, alice, nonce, bob.id, 10, 15)); err != nil {
				t.Fatalf("\t%s\tShould be able to submit transaction %d: %v", failed, nonce, err)
			}
			if _, err := st.MineNewBlock(context.Background()); err != nil {
				t.Fatalf("\t%s\tShould be able to mine block %d: %v", failed, nonce, err)
			}
		}
		t.Logf("\t%s\tShould be able to mine three blocks.", success)

		blocks := st.CanonicalBlocks(1, 2)
		if len(blocks) != 2 || blocks[0].Header.Number != 1 || blocks[1].Header.Number != 2 {
			t.Errorf("\t%s\tShould return the requested range in order.", failed)
		} else {
			t.Logf("\t%s\tShould return the requested range in order.", success)
		}

		latest := st.CanonicalBlocks(state.QueryLatest, state.QueryLatest)
		if len(latest) != 1 || latest[0].Header.Number != 3 {
			t.Errorf("\t%s\tShould resolve the latest marker to the tip.", failed)
		} else {
			t.Logf("\t%s\tShould resolve the latest marker to the tip.", success)
		}
	}
}
