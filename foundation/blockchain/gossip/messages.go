package gossip

import (
	"github.com/blocknetics/ledger/foundation/blockchain/database"
)

// ProtocolVersion is the gossip wire version this node speaks. Peers
// announcing a different version are refused rather than misinterpreted.
const ProtocolVersion = "1.0"

// Set of message kinds carried on the gossip wire.
const (
	TypeHello     = "HELLO"
	TypePeerList  = "PEER_LIST"
	TypeNewBlock  = "NEW_BLOCK"
	TypeNewTx     = "NEW_TRANSACTION"
	TypeGetBlocks = "GET_BLOCKS"
	TypeBlocks    = "BLOCKS"
)

// KnownPeer carries the advertised address of a peer inside a PEER_LIST
// message.
type KnownPeer struct {
	Host string `json:"host" validate:"required,hostname_port"`
}

// Message is the single envelope exchanged between nodes as a JSON
// datagram. The Type field selects which payload fields are meaningful.
type Message struct {
	Type    string `json:"type" validate:"required"`
	NodeID  string `json:"node_id" validate:"required,uuid4"`
	Host    string `json:"host" validate:"required,hostname_port"`
	Version string `json:"version,omitempty"`
	Height  uint64 `json:"height,omitempty"`

	Peers      []KnownPeer          `json:"peers,omitempty"`
	Block      *database.BlockData  `json:"block,omitempty"`
	Tx         *database.SignedTx   `json:"tx,omitempty"`
	FromNumber uint64               `json:"from_number,omitempty"`
	Blocks     []database.BlockData `json:"blocks,omitempty"`
}
