// Package worker implements the background operations a running node needs.
// It owns the mining lifecycle, the transaction sharing queue, the periodic
// status gossip and the peer liveness sweep.
package worker

import (
	"sync"
	"time"

	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/gossip"
	"github.com/blocknetics/ledger/foundation/blockchain/peer"
	"github.com/blocknetics/ledger/foundation/blockchain/state"
)

// maxTxShareRequests represents the max number of pending tx share requests
// that can be outstanding before share requests are dropped. If the channel
// does become full, requests for new transactions to be shared will not be
// accepted.
const maxTxShareRequests = 100

// Config represents the settings required to run the worker.
type Config struct {
	State          *state.State
	Gossip         *gossip.Gossip
	KnownPeers     *peer.PeerSet
	StatusInterval time.Duration
	SyncInterval   time.Duration
	SweepInterval  time.Duration
	PeerTimeout    time.Duration
	EvHandler      state.EventHandler
}

// Worker manages the background operations for the node.
type Worker struct {
	state  *state.State
	gossip *gossip.Gossip
	peers  *peer.PeerSet

	wg           sync.WaitGroup
	shut         chan struct{}
	startMining  chan bool
	cancelMining chan chan struct{}
	txSharing    chan database.SignedTx

	statusTicker *time.Ticker
	syncTicker   *time.Ticker
	sweepTicker  *time.Ticker
	peerTimeout  time.Duration
	evHandler    state.EventHandler
}

// Run creates a worker, registers it with the state and starts all the
// operational G's.
func Run(cfg Config) *Worker {
	w := Worker{
		state:  cfg.State,
		gossip: cfg.Gossip,
		peers:  cfg.KnownPeers,

		shut:         make(chan struct{}),
		startMining:  make(chan bool, 1),
		cancelMining: make(chan chan struct{}, 1),
		txSharing:    make(chan database.SignedTx, maxTxShareRequests),

		statusTicker: time.NewTicker(cfg.StatusInterval),
		syncTicker:   time.NewTicker(cfg.SyncInterval),
		sweepTicker:  time.NewTicker(cfg.SweepInterval),
		peerTimeout:  cfg.PeerTimeout,
		evHandler:    cfg.EvHandler,
	}

	// Register this worker with the state. The state signals mining and
	// transaction sharing through this registration.
	cfg.State.Worker = &w

	// Introduce this node to every peer it was configured with before
	// starting any support G's.
	w.bootstrap()

	// Load the set of operations we need to run.
	operations := []func(){
		w.miningOperations,
		w.shareTxOperations,
		w.statusOperations,
		w.syncOperations,
		w.sweepOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	for i := 0; i < g; i++ {
		<-hasStarted
	}

	return &w
}

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: stop tickers")
	w.statusTicker.Stop()
	w.syncTicker.Stop()
	w.sweepTicker.Stop()

	w.evHandler("worker: shutdown: signal cancel mining")
	done := w.SignalCancelMining()
	done()

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.wg.Wait()
}

// =============================================================================

// SignalStartMining starts a mining operation. If there is already a signal
// pending in the channel, just return since a mining operation will start.
func (w *Worker) SignalStartMining() {
	select {
	case w.startMining <- true:
	default:
	}
	w.evHandler("worker: SignalStartMining: mining signaled")
}

// SignalCancelMining signals the G executing the runMiningOperation function
// to stop immediately. That G will not return from the function until done
// is called. This allows the caller to complete any state changes before a
// new mining operation takes place.
func (w *Worker) SignalCancelMining() (done func()) {
	wait := make(chan struct{})

	select {
	case w.cancelMining <- wait:
	default:
	}
	w.evHandler("worker: SignalCancelMining: cancel mining signaled")

	return func() { close(wait) }
}

// SignalShareTx queues up a share transaction operation. If
// maxTxShareRequests signals exist in the channel, this transaction
// won't be shared.
func (w *Worker) SignalShareTx(signedTx database.SignedTx) {
	select {
	case w.txSharing <- signedTx:
		w.evHandler("worker: SignalShareTx: share tx signaled")
	default:
		w.evHandler("worker: SignalShareTx: queue full, transaction won't be shared")
	}
}

// =============================================================================

// bootstrap introduces this node to its configured peers. Each answered
// HELLO activates the peer and pulls any blocks this node is missing.
func (w *Worker) bootstrap() {
	w.evHandler("worker: bootstrap: started")
	defer w.evHandler("worker: bootstrap: completed")

	for _, p := range w.state.KnownPeers() {
		w.evHandler("worker: bootstrap: hello: peer[%s]", p.Host)
		w.gossip.SendHello(p.Host)
	}
}

// miningOperations handles mining.
func (w *Worker) miningOperations() {
	w.evHandler("worker: miningOperations: G started")
	defer w.evHandler("worker: miningOperations: G completed")

	for {
		select {
		case <-w.startMining:
			if !w.isShutdown() {
				w.runMiningOperation()
			}
		case <-w.shut:
			w.evHandler("worker: miningOperations: received shut signal")
			return
		}
	}
}

// shareTxOperations handles sharing new user transactions.
func (w *Worker) shareTxOperations() {
	w.evHandler("worker: shareTxOperations: G started")
	defer w.evHandler("worker: shareTxOperations: G completed")

	for {
		select {
		case signedTx := <-w.txSharing:
			if !w.isShutdown() {
				w.runShareTxOperation(signedTx)
			}
		case <-w.shut:
			w.evHandler("worker: shareTxOperations: received shut signal")
			return
		}
	}
}

// statusOperations periodically announces the current tip height to the
// network so peers that have fallen behind can catch up.
func (w *Worker) statusOperations() {
	w.evHandler("worker: statusOperations: G started")
	defer w.evHandler("worker: statusOperations: G completed")

	for {
		select {
		case <-w.statusTicker.C:
			if !w.isShutdown() {
				w.runStatusOperation()
			}
		case <-w.shut:
			w.evHandler("worker: statusOperations: received shut signal")
			return
		}
	}
}

// syncOperations periodically pulls any canonical blocks this node is
// missing from an active peer.
func (w *Worker) syncOperations() {
	w.evHandler("worker: syncOperations: G started")
	defer w.evHandler("worker: syncOperations: G completed")

	for {
		select {
		case <-w.syncTicker.C:
			if !w.isShutdown() {
				w.runSyncOperation()
			}
		case <-w.shut:
			w.evHandler("worker: syncOperations: received shut signal")
			return
		}
	}
}

// sweepOperations periodically retires peers that have gone silent.
func (w *Worker) sweepOperations() {
	w.evHandler("worker: sweepOperations: G started")
	defer w.evHandler("worker: sweepOperations: G completed")

	for {
		select {
		case <-w.sweepTicker.C:
			if !w.isShutdown() {
				w.runSweepOperation()
			}
		case <-w.shut:
			w.evHandler("worker: sweepOperations: received shut signal")
			return
		}
	}
}

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
