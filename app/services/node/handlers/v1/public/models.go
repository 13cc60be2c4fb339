package public

import (
	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/peer"
)

// nodeStatus summarizes the node's view of the chain and the network.
type nodeStatus struct {
	NodeID        string      `json:"node_id"`
	Host          string      `json:"host"`
	LatestHash    string      `json:"latest_hash"`
	LatestNumber  uint64      `json:"latest_number"`
	ChainWork     string      `json:"chain_work"`
	MempoolLength int         `json:"mempool_length"`
	KnownPeers    []peer.Peer `json:"known_peers"`
}

// info represents an account and its balance.
type info struct {
	Account database.AccountID `json:"account"`
	Name    string             `json:"name"`
	Balance uint64             `json:"balance"`
	Nonce   uint64             `json:"nonce"`
}

// actInfo wraps the set of accounts with chain context.
type actInfo struct {
	LatestBlock string `json:"latest_block"`
	Uncommitted int    `json:"uncommitted"`
	Accounts    []info `json:"accounts"`
}

// tx represents a transaction in API responses.
type tx struct {
	FromAccount database.AccountID `json:"from"`
	FromName    string             `json:"from_name"`
	To          database.AccountID `json:"to"`
	ToName      string             `json:"to_name"`
	ChainID     uint16             `json:"chain_id"`
	Nonce       uint64             `json:"nonce"`
	Value       uint64             `json:"value"`
	Fee         uint64             `json:"fee"`
	Data        []byte             `json:"data"`
	TimeStamp   uint64             `json:"timestamp"`
	Sig         string             `json:"sig"`
}

// block represents a block in API responses.
type block struct {
	Hash          string             `json:"hash"`
	PrevBlockHash string             `json:"prev_block_hash"`
	Number        uint64             `json:"number"`
	BeneficiaryID database.AccountID `json:"beneficiary"`
	Difficulty    uint64             `json:"difficulty"`
	Nonce         uint64             `json:"nonce"`
	TimeStamp     uint64             `json:"timestamp"`
	TransRoot     string             `json:"trans_root"`
	Transactions  []tx               `json:"txs"`
}
