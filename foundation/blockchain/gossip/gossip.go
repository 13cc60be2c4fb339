// Package gossip implements the UDP based protocol the node uses to
// exchange peers, blocks and transactions with the rest of the network.
// Inbound payloads are handed to the ledger for admission, never applied
// directly, and accepted payloads are relayed to every active peer except
// the one they arrived from.
package gossip

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/peer"
	"github.com/go-playground/validator/v10"
)

// maxBlocksPerBatch caps how many blocks a single BLOCKS message carries.
// Larger ranges are served across repeated GET_BLOCKS requests.
const maxBlocksPerBatch = 25

// maxDatagramSize is the read buffer for inbound datagrams.
const maxDatagramSize = 1024 * 1024

// maxSeenIDs bounds the dedup record of recently seen block and
// transaction identities.
const maxSeenIDs = 4096

// EventHandler defines a function that is called when events occur in the
// processing of gossip messages.
type EventHandler func(v string, args ...any)

// Ledger represents the admission surface the gossip layer hands inbound
// payloads to. The state package implements this interface.
type Ledger interface {
	ProcessPeerBlock(blockData database.BlockData) (database.Acceptance, error)
	ProcessPeerTx(signedTx database.SignedTx) error
	LatestBlock() database.Block
	CanonicalBlocks(from uint64, to uint64) []database.BlockData
}

// Config represents the set of mandatory settings required to run gossip.
type Config struct {
	NodeID     string
	Host       string
	Ledger     Ledger
	KnownPeers *peer.PeerSet
	EvHandler  EventHandler
}

// Gossip manages the UDP endpoint and the message handling for the node.
type Gossip struct {
	nodeID    string
	host      string
	ledger    Ledger
	peers     *peer.PeerSet
	seen      *seenSet
	validate  *validator.Validate
	evHandler EventHandler

	conn *net.UDPConn
	wg   sync.WaitGroup
}

// New constructs a gossip engine and binds its UDP endpoint.
func New(cfg Config) (*Gossip, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve host %q: %w", cfg.Host, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.Host, err)
	}

	g := Gossip{
		nodeID:    cfg.NodeID,
		host:      cfg.Host,
		ledger:    cfg.Ledger,
		peers:     cfg.KnownPeers,
		seen:      newSeenSet(maxSeenIDs),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		evHandler: ev,
		conn:      conn,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.listen()
	}()

	return &g, nil
}

// Shutdown closes the UDP endpoint and waits for message handling to drain.
func (g *Gossip) Shutdown() {
	g.evHandler("gossip: shutdown: started")
	defer g.evHandler("gossip: shutdown: completed")

	g.conn.Close()
	g.wg.Wait()
}

// =============================================================================

// SendHello introduces this node to the specified host and marks the host
// as contacted so an answer can activate it.
func (g *Gossip) SendHello(host string) {
	g.peers.Add(peer.Peer{Host: host})
	g.peers.Contacted(host)
	g.send(host, g.helloMessage())
}

// BroadcastStatus sends a HELLO carrying the current tip height to every
// active peer. Peers that have fallen behind answer with GET_BLOCKS.
func (g *Gossip) BroadcastStatus() {
	msg := g.helloMessage()
	for _, p := range g.peers.Active("") {
		g.send(p.Host, msg)
	}
}

// BroadcastBlock relays a block to every active peer except the one it was
// received from. Pass an empty exceptHost for locally mined blocks.
func (g *Gossip) BroadcastBlock(blockData database.BlockData, exceptHost string) {
	g.seen.MarkSeen(blockData.Hash)

	msg := Message{
		Type:   TypeNewBlock,
		NodeID: g.nodeID,
		Host:   g.host,
		Block:  &blockData,
	}

	for _, p := range g.peers.Active(exceptHost) {
		g.send(p.Host, msg)
	}
}

// BroadcastTx relays a signed transaction to every active peer except the
// one it was received from. Pass an empty exceptHost for local submissions.
func (g *Gossip) BroadcastTx(signedTx database.SignedTx, exceptHost string) {
	g.seen.MarkSeen(signedTx.UniqueID())

	msg := Message{
		Type:   TypeNewTx,
		NodeID: g.nodeID,
		Host:   g.host,
		Tx:     &signedTx,
	}

	for _, p := range g.peers.Active(exceptHost) {
		g.send(p.Host, msg)
	}
}

// RequestBlocks asks the specified host for canonical blocks starting at
// the given number.
func (g *Gossip) RequestBlocks(host string, fromNumber uint64) {
	g.send(host, Message{
		Type:       TypeGetBlocks,
		NodeID:     g.nodeID,
		Host:       g.host,
		FromNumber: fromNumber,
	})
}

// =============================================================================

// listen reads datagrams off the UDP endpoint until the connection is
// closed by Shutdown.
func (g *Gossip) listen() {
	g.evHandler("gossip: listen: started: host[%s]", g.host)
	defer g.evHandler("gossip: listen: completed")

	buf := make([]byte, maxDatagramSize)

	for {
		n, remote, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.evHandler("gossip: listen: ERROR: %s", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		g.handleDatagram(data, remote)
	}
}

// handleDatagram decodes and dispatches a single inbound datagram. A
// datagram that fails decoding or validation counts as a protocol
// violation against the sender.
func (g *Gossip) handleDatagram(data []byte, remote *net.UDPAddr) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		g.evHandler("gossip: handle: malformed datagram from[%s]: ERROR: %s", remote, err)
		g.peers.MarkViolation(remote.String())
		return
	}

	if err := g.validate.Struct(msg); err != nil {
		g.evHandler("gossip: handle: invalid message from[%s]: ERROR: %s", remote, err)
		g.peers.MarkViolation(msg.Host)
		return
	}

	// Datagrams looped back from this node are dropped outright.
	if msg.NodeID == g.nodeID {
		return
	}

	// Any validated message is proof of life for the sender. HELLO owns
	// its own activation so the handshake version check still gates it.
	if msg.Type != TypeHello {
		g.peers.Activate(msg.Host, msg.NodeID, "", msg.Height)
	}

	switch msg.Type {
	case TypeHello:
		g.handleHello(msg)
	case TypePeerList:
		g.handlePeerList(msg)
	case TypeNewBlock:
		g.handleNewBlock(msg)
	case TypeNewTx:
		g.handleNewTx(msg)
	case TypeGetBlocks:
		g.handleGetBlocks(msg)
	case TypeBlocks:
		g.handleBlocks(msg)
	default:
		g.evHandler("gossip: handle: unknown type[%s] from[%s]", msg.Type, msg.Host)
		g.peers.MarkViolation(msg.Host)
	}
}

// handleHello activates the sender and answers with this node's own HELLO
// and known peers. A height ahead of the local tip triggers a sync request.
func (g *Gossip) handleHello(msg Message) {
	if msg.Version != ProtocolVersion {
		g.evHandler("gossip: hello: version mismatch host[%s] version[%s]", msg.Host, msg.Version)
		g.peers.MarkViolation(msg.Host)
		return
	}

	firstContact := g.peers.Status(msg.Host) != peer.StatusActive

	if !g.peers.Activate(msg.Host, msg.NodeID, msg.Version, msg.Height) {
		return
	}

	g.evHandler("gossip: hello: host[%s] height[%d]", msg.Host, msg.Height)

	if firstContact {
		g.send(msg.Host, g.helloMessage())
		g.sendPeerList(msg.Host)
	}

	latest := g.ledger.LatestBlock()
	if msg.Height > latest.Header.Number {
		g.RequestBlocks(msg.Host, latest.Header.Number+1)
	}
}

// handlePeerList records any unknown hosts and introduces this node to
// them.
func (g *Gossip) handlePeerList(msg Message) {
	for _, kp := range msg.Peers {
		if kp.Host == g.host {
			continue
		}
		if g.peers.Status(kp.Host) != peer.StatusUnknown {
			continue
		}
		if !g.peers.Add(peer.Peer{Host: kp.Host}) {
			continue
		}
		g.SendHello(kp.Host)
	}
}

// handleNewBlock hands the block to the ledger and relays it on
// acceptance. Orphaned blocks trigger a catch-up request back to the
// sender.
func (g *Gossip) handleNewBlock(msg Message) {
	if msg.Block == nil {
		g.peers.MarkViolation(msg.Host)
		return
	}

	// Dedup and relay key on the advertised identity, so a forged one
	// must never enter the seen set or ride a re-broadcast.
	if !verifyBlockIdentity(*msg.Block) {
		g.evHandler("gossip: new block: forged identity host[%s] block[%s]", msg.Host, msg.Block.Hash)
		g.peers.MarkViolation(msg.Host)
		return
	}

	if g.seen.MarkSeen(msg.Block.Hash) {
		return
	}

	acceptance, err := g.ledger.ProcessPeerBlock(*msg.Block)
	if err != nil {
		if errors.Is(err, database.ErrKnownBlock) {
			return
		}
		g.evHandler("gossip: new block: rejected host[%s] block[%s]: ERROR: %s", msg.Host, msg.Block.Hash, err)
		g.peers.MarkViolation(msg.Host)
		return
	}

	switch acceptance.Status {
	case database.StatusOrphaned:
		latest := g.ledger.LatestBlock()
		g.RequestBlocks(msg.Host, latest.Header.Number+1)

	case database.StatusAccepted, database.StatusReorganized:
		g.BroadcastBlock(*msg.Block, msg.Host)
	}
}

// handleNewTx hands the transaction to the ledger and relays it on
// acceptance. Admission failures are not violations since honest peers can
// race each other on nonces and balances.
func (g *Gossip) handleNewTx(msg Message) {
	if msg.Tx == nil {
		g.peers.MarkViolation(msg.Host)
		return
	}

	if g.seen.MarkSeen(msg.Tx.UniqueID()) {
		return
	}

	if err := g.ledger.ProcessPeerTx(*msg.Tx); err != nil {
		g.evHandler("gossip: new tx: not admitted host[%s] tx[%s]: %s", msg.Host, msg.Tx, err)
		return
	}

	g.BroadcastTx(*msg.Tx, msg.Host)
}

// handleGetBlocks answers with a batch of canonical blocks starting at the
// requested number.
func (g *Gossip) handleGetBlocks(msg Message) {
	blocks := g.ledger.CanonicalBlocks(msg.FromNumber, msg.FromNumber+maxBlocksPerBatch-1)
	if len(blocks) == 0 {
		return
	}

	g.evHandler("gossip: get blocks: host[%s] from[%d] sending[%d]", msg.Host, msg.FromNumber, len(blocks))

	g.send(msg.Host, Message{
		Type:   TypeBlocks,
		NodeID: g.nodeID,
		Host:   g.host,
		Blocks: blocks,
	})
}

// handleBlocks replays a received batch in order. The ledger resolves any
// that arrive as orphans once their ancestors land.
func (g *Gossip) handleBlocks(msg Message) {
	var lastNumber uint64

	for _, blockData := range msg.Blocks {
		if !verifyBlockIdentity(blockData) {
			g.evHandler("gossip: blocks: forged identity host[%s] block[%s]", msg.Host, blockData.Hash)
			g.peers.MarkViolation(msg.Host)
			return
		}

		g.seen.MarkSeen(blockData.Hash)

		if _, err := g.ledger.ProcessPeerBlock(blockData); err != nil {
			if errors.Is(err, database.ErrKnownBlock) {
				// Known blocks still advance the pull anchor, a whole
				// batch of them must not restart the pull at zero.
				lastNumber = blockData.Header.Number
				continue
			}
			g.evHandler("gossip: blocks: rejected host[%s] block[%s]: ERROR: %s", msg.Host, blockData.Hash, err)
			g.peers.MarkViolation(msg.Host)
			return
		}

		lastNumber = blockData.Header.Number
	}

	// The batch may be a slice of a longer chain. Keep pulling until the
	// peer has nothing newer.
	if len(msg.Blocks) == maxBlocksPerBatch {
		g.RequestBlocks(msg.Host, lastNumber+1)
	}
}

// =============================================================================

// verifyBlockIdentity recomputes the block hash from the payload and checks
// it against the advertised identity.
func verifyBlockIdentity(blockData database.BlockData) bool {
	block, err := database.ToBlock(blockData)
	if err != nil {
		return false
	}

	return block.Hash() == blockData.Hash
}

// helloMessage builds the HELLO announcement with the current tip height.
func (g *Gossip) helloMessage() Message {
	latest := g.ledger.LatestBlock()

	return Message{
		Type:    TypeHello,
		NodeID:  g.nodeID,
		Host:    g.host,
		Version: ProtocolVersion,
		Height:  latest.Header.Number,
	}
}

// sendPeerList shares every active peer with the specified host.
func (g *Gossip) sendPeerList(host string) {
	active := g.peers.Active(host)
	if len(active) == 0 {
		return
	}

	kps := make([]KnownPeer, 0, len(active))
	for _, p := range active {
		kps = append(kps, KnownPeer{Host: p.Host})
	}

	g.send(host, Message{
		Type:   TypePeerList,
		NodeID: g.nodeID,
		Host:   g.host,
		Peers:  kps,
	})
}

// send marshals and writes a single message to the specified host. Send
// failures are logged and left to the peer health sweep.
func (g *Gossip) send(host string, msg Message) {
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		g.evHandler("gossip: send: resolve host[%s]: ERROR: %s", host, err)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		g.evHandler("gossip: send: marshal type[%s]: ERROR: %s", msg.Type, err)
		return
	}

	if _, err := g.conn.WriteToUDP(data, addr); err != nil {
		g.evHandler("gossip: send: write host[%s]: ERROR: %s", host, err)
	}
}
