package database_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/database/storage"
	"github.com/blocknetics/ledger/foundation/blockchain/genesis"
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

func signTx(t *testing.T, from accountKey, nonce uint64, to database.AccountID, value uint64, fee uint64) database.BlockTx {
	tx, err := database.NewTx(chainID, nonce, to, value, fee, nil)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct a transaction: %v", failed, err)
	}

	signedTx, err := tx.Sign(from.key)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign a transaction: %v", failed, err)
	}

	return database.NewBlockTx(signedTx)
}

func mineBlock(t *testing.T, beneficiaryID database.AccountID, difficulty uint64, prevBlock database.Block, trans []database.BlockTx) database.Block {
	block, err := database.POW(context.Background(), beneficiaryID, difficulty, prevBlock, trans, func(v string, args ...any) {})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to mine a block: %v", failed, err)
	}

	return block
}

func newDatabase(t *testing.T, gen genesis.Genesis, serializer database.Serializer) *database.Database {
	db, err := database.New(gen, serializer, nil)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to open the database: %v", failed, err)
	}

	return db
}

func testGenesis(balances map[string]uint64) genesis.Genesis {
	return genesis.Genesis{
		ChainID:      chainID,
		Difficulty:   1,
		MiningReward: 100,
		Balances:     balances,
	}
}

// =============================================================================

func Test_AcceptExtendTip(t *testing.T) {
	t.Log("Given the need to accept a mined block that extends the tip.")
	{
		miner := newAccountKey(t)
		alice := newAccountKey(t)
		bob := newAccountKey(t)

		gen := testGenesis(map[string]uint64{string(alice.id): 1000})

		strg, err := storage.NewMemory()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open memory storage: %v", failed, err)
		}
		db := newDatabase(t, gen, strg)

		tx := signTx(t, alice, 1, bob.id, 200, 15)
		block := mineBlock(t, miner.id, 1, db.LatestBlock(), []database.BlockTx{tx})

		acceptance, err := db.AcceptBlock(block)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to accept the block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to accept the block.", success)

		if acceptance.Status != database.StatusAccepted {
			t.Fatalf("\t%s\tShould report the tip was extended, got status %d.", failed, acceptance.Status)
		}
		t.Logf("\t%s\tShould report the tip was extended.", success)

		if db.LatestBlock().Header.Number != 1 {
			t.Errorf("\t%s\tShould have the tip at height 1, got %d.", failed, db.LatestBlock().Header.Number)
		} else {
			t.Logf("\t%s\tShould have the tip at height 1.", success)
		}

		accounts := db.CopyAccounts()

		if got := accounts[alice.id].Balance; got != 1000-200-15 {
			t.Errorf("\t%s\tShould have the sender debited value and fee, got %d, exp %d.", failed, got, 1000-200-15)
		} else {
			t.Logf("\t%s\tShould have the sender debited value and fee.", success)
		}

		if got := accounts[bob.id].Balance; got != 200 {
			t.Errorf("\t%s\tShould have the receiver credited the value, got %d, exp %d.", failed, got, 200)
		} else {
			t.Logf("\t%s\tShould have the receiver credited the value.", success)
		}

		if got := accounts[miner.id].Balance; got != 100+15 {
			t.Errorf("\t%s\tShould have the miner credited reward and fee, got %d, exp %d.", failed, got, 100+15)
		} else {
			t.Logf("\t%s\tShould have the miner credited reward and fee.", success)
		}

		if _, err := db.AcceptBlock(block); !errors.Is(err, database.ErrKnownBlock) {
			t.Errorf("\t%s\tShould refuse a block that is already known, got %v.", failed, err)
		} else {
			t.Logf("\t%s\tShould refuse a block that is already known.", success)
		}
	}
}

func Test_Reorganize(t *testing.T) {
	t.Log("Given the need to switch to a side branch that out-works the tip.")
	{
		miner := newAccountKey(t)
		rival := newAccountKey(t)
		alice := newAccountKey(t)
		bob := newAccountKey(t)

		gen := testGenesis(map[string]uint64{string(alice.id): 1000})

		strg, err := storage.NewMemory()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open memory storage: %v", failed, err)
		}
		db := newDatabase(t, gen, strg)

		// Two blocks mined at the minimum difficulty make the first branch.
		txA1 := signTx(t, alice, 1, bob.id, 100, 10)
		blockA1 := mineBlock(t, miner.id, 1, db.LatestBlock(), []database.BlockTx{txA1})
		if _, err := db.AcceptBlock(blockA1); err != nil {
			t.Fatalf("\t%s\tShould be able to accept block A1: %v", failed, err)
		}

		txA2 := signTx(t, alice, 2, bob.id, 50, 10)
		blockA2 := mineBlock(t, miner.id, 1, db.LatestBlock(), []database.BlockTx{txA2})
		if _, err := db.AcceptBlock(blockA2); err != nil {
			t.Fatalf("\t%s\tShould be able to accept block A2: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to build a two block branch.", success)

		// A single rival block mined at a higher difficulty carries more
		// work than both blocks of the first branch together.
		txB1 := signTx(t, alice, 1, bob.id, 300, 20)
		blockB1 := mineBlock(t, rival.id, 3, database.Block{}, []database.BlockTx{txB1})

		acceptance, err := db.AcceptBlock(blockB1)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to accept the rival block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to accept the rival block.", success)

		if acceptance.Status != database.StatusReorganized {
			t.Fatalf("\t%s\tShould report a reorganization, got status %d.", failed, acceptance.Status)
		}
		t.Logf("\t%s\tShould report a reorganization.", success)

		if db.TipHash() != blockB1.Hash() {
			t.Errorf("\t%s\tShould have the rival block as the tip.", failed)
		} else {
			t.Logf("\t%s\tShould have the rival block as the tip.", success)
		}

		if len(acceptance.DroppedTxs) != 2 {
			t.Errorf("\t%s\tShould return the two abandoned transactions, got %d.", failed, len(acceptance.DroppedTxs))
		} else {
			t.Logf("\t%s\tShould return the two abandoned transactions.", success)
		}

		// The account state must reflect the new branch only.
		accounts := db.CopyAccounts()

		if got := accounts[alice.id].Balance; got != 1000-300-20 {
			t.Errorf("\t%s\tShould have the sender state from the new branch, got %d, exp %d.", failed, got, 1000-300-20)
		} else {
			t.Logf("\t%s\tShould have the sender state from the new branch.", success)
		}

		if got := accounts[miner.id].Balance; got != 0 {
			t.Errorf("\t%s\tShould have no balance for the abandoned branch miner, got %d.", failed, got)
		} else {
			t.Logf("\t%s\tShould have no balance for the abandoned branch miner.", success)
		}
	}
}

func Test_SideBranchStaysStored(t *testing.T) {
	t.Log("Given the need to keep a valid side branch block without moving the tip.")
	{
		miner := newAccountKey(t)
		rival := newAccountKey(t)
		alice := newAccountKey(t)
		bob := newAccountKey(t)

		gen := testGenesis(map[string]uint64{string(alice.id): 1000})

		strg, err := storage.NewMemory()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open memory storage: %v", failed, err)
		}
		db := newDatabase(t, gen, strg)

		txA1 := signTx(t, alice, 1, bob.id, 100, 10)
		blockA1 := mineBlock(t, miner.id, 2, db.LatestBlock(), []database.BlockTx{txA1})
		if _, err := db.AcceptBlock(blockA1); err != nil {
			t.Fatalf("\t%s\tShould be able to accept block A1: %v", failed, err)
		}

		// A rival block at the same height with less work stays on the side.
		txB1 := signTx(t, alice, 1, bob.id, 100, 5)
		blockB1 := mineBlock(t, rival.id, 1, database.Block{}, []database.BlockTx{txB1})

		acceptance, err := db.AcceptBlock(blockB1)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to accept the rival block: %v", failed, err)
		}

		if acceptance.Status != database.StatusSideBranch {
			t.Fatalf("\t%s\tShould report a side branch, got status %d.", failed, acceptance.Status)
		}
		t.Logf("\t%s\tShould report a side branch.", success)

		if db.TipHash() != blockA1.Hash() {
			t.Errorf("\t%s\tShould keep the original tip.", failed)
		} else {
			t.Logf("\t%s\tShould keep the original tip.", success)
		}

		if !db.HasBlock(blockB1.Hash()) {
			t.Errorf("\t%s\tShould keep the side branch block in the arena.", failed)
		} else {
			t.Logf("\t%s\tShould keep the side branch block in the arena.", success)
		}
	}
}

func Test_OrphanResolution(t *testing.T) {
	t.Log("Given the need to hold a block until its parent arrives.")
	{
		miner := newAccountKey(t)
		alice := newAccountKey(t)
		bob := newAccountKey(t)

		gen := testGenesis(map[string]uint64{string(alice.id): 1000})

		strg, err := storage.NewMemory()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open memory storage: %v", failed, err)
		}
		db := newDatabase(t, gen, strg)

		tx1 := signTx(t, alice, 1, bob.id, 100, 10)
		block1 := mineBlock(t, miner.id, 1, db.LatestBlock(), []database.BlockTx{tx1})

		tx2 := signTx(t, alice, 2, bob.id, 50, 10)
		block2 := mineBlock(t, miner.id, 1, block1, []database.BlockTx{tx2})

		// Deliver the child first.
		acceptance, err := db.AcceptBlock(block2)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to take in the early block: %v", failed, err)
		}
		if acceptance.Status != database.StatusOrphaned {
			t.Fatalf("\t%s\tShould report the early block as orphaned, got status %d.", failed, acceptance.Status)
		}
		t.Logf("\t%s\tShould report the early block as orphaned.", success)

		if db.LatestBlock().Header.Number != 0 {
			t.Fatalf("\t%s\tShould not move the tip for an orphan.", failed)
		}
		t.Logf("\t%s\tShould not move the tip for an orphan.", success)

		// Delivering the parent adopts the orphan.
		if _, err := db.AcceptBlock(block1); err != nil {
			t.Fatalf("\t%s\tShould be able to accept the parent block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to accept the parent block.", success)

		if db.LatestBlock().Header.Number != 2 {
			t.Errorf("\t%s\tShould have the tip at height 2 after adoption, got %d.", failed, db.LatestBlock().Header.Number)
		} else {
			t.Logf("\t%s\tShould have the tip at height 2 after adoption.", success)
		}

		if db.TipHash() != block2.Hash() {
			t.Errorf("\t%s\tShould have the adopted block as the tip.", failed)
		} else {
			t.Logf("\t%s\tShould have the adopted block as the tip.", success)
		}
	}
}

func Test_ReplayFromStorage(t *testing.T) {
	t.Log("Given the need to rebuild the same chain state from storage.")
	{
		miner := newAccountKey(t)
		alice := newAccountKey(t)
		bob := newAccountKey(t)

		gen := testGenesis(map[string]uint64{string(alice.id): 1000})

		strg, err := storage.NewMemory()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open memory storage: %v", failed, err)
		}
		db := newDatabase(t, gen, strg)

		tx1 := signTx(t, alice, 1, bob.id, 100, 10)
		block1 := mineBlock(t, miner.id, 1, db.LatestBlock(), []database.BlockTx{tx1})
		if _, err := db.AcceptBlock(block1); err != nil {
			t.Fatalf("\t%s\tShould be able to accept block 1: %v", failed, err)
		}

		tx2 := signTx(t, alice, 2, bob.id, 50, 10)
		block2 := mineBlock(t, miner.id, 1, db.LatestBlock(), []database.BlockTx{tx2})
		if _, err := db.AcceptBlock(block2); err != nil {
			t.Fatalf("\t%s\tShould be able to accept block 2: %v", failed, err)
		}

		// A second database over the same storage must land on the same tip
		// with the same balances.
		db2 := newDatabase(t, gen, strg)
		t.Logf("\t%s\tShould be able to replay the chain from storage.", success)

		if db2.TipHash() != db.TipHash() {
			t.Errorf("\t%s\tShould land on the same tip, got %s, exp %s.", failed, db2.TipHash(), db.TipHash())
		} else {
			t.Logf("\t%s\tShould land on the same tip.", success)
		}

		want := db.CopyAccounts()
		got := db2.CopyAccounts()
		for accountID, account := range want {
			if got[accountID].Balance != account.Balance {
				t.Errorf("\t%s\tShould have matching balance for %s, got %d, exp %d.", failed, accountID, got[accountID].Balance, account.Balance)
			}
		}
		t.Logf("\t%s\tShould have matching balances after the replay.", success)

		if db2.ChainWork().Cmp(db.ChainWork()) != 0 {
			t.Errorf("\t%s\tShould have matching chain work after the replay.", failed)
		} else {
			t.Logf("\t%s\tShould have matching chain work after the replay.", success)
		}
	}
}

func Test_RejectBadBlocks(t *testing.T) {
	t.Log("Given the need to reject blocks that break the rules.")
	{
		miner := newAccountKey(t)
		alice := newAccountKey(t)
		bob := newAccountKey(t)

		gen := testGenesis(map[string]uint64{string(alice.id): 100})

		strg, err := storage.NewMemory()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open memory storage: %v", failed, err)
		}
		db := newDatabase(t, gen, strg)

		// Overspending the confirmed balance must fail validation.
		tx := signTx(t, alice, 1, bob.id, 500, 10)
		block := mineBlock(t, miner.id, 1, db.LatestBlock(), []database.BlockTx{tx})

		if _, err := db.AcceptBlock(block); err == nil {
			t.Errorf("\t%s\tShould reject a block whose sender overspends.", failed)
		} else {
			t.Logf("\t%s\tShould reject a block whose sender overspends: %v", success, err)
		}

		// A double spend of the same nonce within one block must fail too.
		tx1 := signTx(t, alice, 1, bob.id, 40, 5)
		tx2 := signTx(t, alice, 1, bob.id, 30, 5)
		block = mineBlock(t, miner.id, 1, db.LatestBlock(), []database.BlockTx{tx1, tx2})

		if _, err := db.AcceptBlock(block); err == nil {
			t.Errorf("\t%s\tShould reject a block with a repeated nonce.", failed)
		} else {
			t.Logf("\t%s\tShould reject a block with a repeated nonce: %v", success, err)
		}

		if db.LatestBlock().Header.Number != 0 {
			t.Errorf("\t%s\tShould not move the tip for rejected blocks.", failed)
		} else {
			t.Logf("\t%s\tShould not move the tip for rejected blocks.", success)
		}
	}
}
