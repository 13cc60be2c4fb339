package worker

import "math/rand/v2"

// runStatusOperation announces the node's tip height to every active peer.
// A peer that sees a higher height than its own answers with a request for
// the blocks it's missing.
func (w *Worker) runStatusOperation() {
	w.evHandler("worker: runStatusOperation: started")
	defer w.evHandler("worker: runStatusOperation: completed")

	w.gossip.BroadcastStatus()
}

// runSyncOperation asks one active peer for any canonical blocks past the
// local tip. Replies flow through the normal block acceptance path, so a
// node that is already caught up hears nothing back.
func (w *Worker) runSyncOperation() {
	w.evHandler("worker: runSyncOperation: started")
	defer w.evHandler("worker: runSyncOperation: completed")

	active := w.peers.Active(w.state.Host())
	if len(active) == 0 {
		return
	}

	p := active[rand.IntN(len(active))]
	from := w.state.LatestBlock().Header.Number + 1

	w.evHandler("worker: runSyncOperation: peer[%s] from[%d]", p.Host, from)
	w.gossip.RequestBlocks(p.Host, from)
}

// runSweepOperation retires peers that have gone silent and re-contacts
// peers the node has lost touch with.
func (w *Worker) runSweepOperation() {
	w.evHandler("worker: runSweepOperation: started")
	defer w.evHandler("worker: runSweepOperation: completed")

	for _, p := range w.peers.Sweep(w.peerTimeout) {
		w.evHandler("worker: runSweepOperation: evicted peer[%s] last seen[%v]", p.Host, p.LastSeen)
	}
}
