package peer_test

import (
	"testing"
	"time"

	"github.com/blocknetics/ledger/foundation/blockchain/peer"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func Test_AddAndBound(t *testing.T) {
	t.Log("Given the need to track a bounded set of known peers.")
	{
		ps := peer.NewPeerSet(2)

		if !ps.Add(peer.New("host-a:9080")) {
			t.Fatalf("\t%s\tShould be able to add the first peer.", failed)
		}
		t.Logf("\t%s\tShould be able to add the first peer.", success)

		if ps.Add(peer.New("host-a:9080")) {
			t.Errorf("\t%s\tShould refuse a host already in the set.", failed)
		} else {
			t.Logf("\t%s\tShould refuse a host already in the set.", success)
		}

		if !ps.Add(peer.New("host-b:9080")) {
			t.Fatalf("\t%s\tShould be able to add the second peer.", failed)
		}

		if ps.Add(peer.New("host-c:9080")) {
			t.Errorf("\t%s\tShould refuse an addition past the peer bound.", failed)
		} else {
			t.Logf("\t%s\tShould refuse an addition past the peer bound.", success)
		}

		if status := ps.Status("host-a:9080"); status != peer.StatusUnknown {
			t.Errorf("\t%s\tShould start a peer in the unknown status, got %v.", failed, status)
		} else {
			t.Logf("\t%s\tShould start a peer in the unknown status.", success)
		}
	}
}

func Test_Lifecycle(t *testing.T) {
	t.Log("Given the need to walk a peer through its lifecycle.")
	{
		const host = "host-a:9080"

		ps := peer.NewPeerSet(0)
		ps.Add(peer.New(host))

		ps.Contacted(host)
		if status := ps.Status(host); status != peer.StatusContacted {
			t.Fatalf("\t%s\tShould be contacted after a handshake is sent, got %v.", failed, status)
		}
		t.Logf("\t%s\tShould be contacted after a handshake is sent.", success)

		if !ps.Activate(host, "node-1", "1.0", 10) {
			t.Fatalf("\t%s\tShould be able to activate a contacted peer.", failed)
		}
		if status := ps.Status(host); status != peer.StatusActive {
			t.Fatalf("\t%s\tShould be active after a valid message, got %v.", failed, status)
		}
		t.Logf("\t%s\tShould be active after a valid message.", success)

		// Contacted only moves unknown peers, an active peer stays active.
		ps.Contacted(host)
		if status := ps.Status(host); status != peer.StatusActive {
			t.Errorf("\t%s\tShould stay active on a repeated handshake, got %v.", failed, status)
		} else {
			t.Logf("\t%s\tShould stay active on a repeated handshake.", success)
		}
	}
}

func Test_ActivateDiscoversPeer(t *testing.T) {
	t.Log("Given the need to track a peer discovered by an inbound message.")
	{
		const host = "host-new:9080"

		ps := peer.NewPeerSet(0)

		if !ps.Activate(host, "node-2", "1.0", 4) {
			t.Fatalf("\t%s\tShould be able to activate an unknown host.", failed)
		}
		t.Logf("\t%s\tShould be able to activate an unknown host.", success)

		if ps.Count() != 1 {
			t.Errorf("\t%s\tShould be tracking the discovered peer, got %d.", failed, ps.Count())
		} else {
			t.Logf("\t%s\tShould be tracking the discovered peer.", success)
		}
	}
}

func Test_ViolationsEvict(t *testing.T) {
	t.Log("Given the need to evict a peer after repeated protocol violations.")
	{
		const host = "host-bad:9080"

		ps := peer.NewPeerSet(0)
		ps.Add(peer.New(host))

		ps.MarkViolation(host)
		ps.MarkViolation(host)
		if status := ps.Status(host); status == peer.StatusEvicted {
			t.Fatalf("\t%s\tShould not evict before the violation limit.", failed)
		}
		t.Logf("\t%s\tShould not evict before the violation limit.", success)

		ps.MarkViolation(host)
		if status := ps.Status(host); status != peer.StatusEvicted {
			t.Fatalf("\t%s\tShould evict at the violation limit, got %v.", failed, status)
		}
		t.Logf("\t%s\tShould evict at the violation limit.", success)

		if ps.Activate(host, "node-3", "1.0", 1) {
			t.Errorf("\t%s\tShould refuse to activate an evicted peer.", failed)
		} else {
			t.Logf("\t%s\tShould refuse to activate an evicted peer.", success)
		}

		evicted := ps.Sweep(time.Hour)
		if len(evicted) != 1 {
			t.Fatalf("\t%s\tShould remove the evicted peer on the next sweep, got %d.", failed, len(evicted))
		}
		t.Logf("\t%s\tShould remove the evicted peer on the next sweep.", success)

		if ps.Count() != 0 {
			t.Errorf("\t%s\tShould not track the removed peer, got %d.", failed, ps.Count())
		} else {
			t.Logf("\t%s\tShould not track the removed peer.", success)
		}
	}
}

func Test_SweepStaleToEvicted(t *testing.T) {
	t.Log("Given the need to evict a peer that stays silent across sweeps.")
	{
		const host = "host-quiet:9080"

		ps := peer.NewPeerSet(0)
		ps.Activate(host, "node-4", "1.0", 1)

		// A zero timeout makes any silence too long.
		ps.Sweep(0)
		if status := ps.Status(host); status != peer.StatusStale {
			t.Fatalf("\t%s\tShould be stale after the timeout passes, got %v.", failed, status)
		}
		t.Logf("\t%s\tShould be stale after the timeout passes.", success)

		ps.Sweep(0)
		ps.Sweep(0)
		if status := ps.Status(host); status != peer.StatusStale {
			t.Fatalf("\t%s\tShould still be stale within the strike limit, got %v.", failed, status)
		}
		t.Logf("\t%s\tShould still be stale within the strike limit.", success)

		evicted := ps.Sweep(0)
		if len(evicted) != 1 || evicted[0].Host != host {
			t.Fatalf("\t%s\tShould evict after the final strike.", failed)
		}
		t.Logf("\t%s\tShould evict after the final strike.", success)

		// A message from the peer before eviction would have reset the
		// strikes.
		ps.Activate("host-reset:9080", "node-5", "1.0", 1)
		ps.Sweep(0)
		ps.Activate("host-reset:9080", "node-5", "1.0", 2)
		if status := ps.Status("host-reset:9080"); status != peer.StatusActive {
			t.Errorf("\t%s\tShould return to active when heard from again, got %v.", failed, status)
		} else {
			t.Logf("\t%s\tShould return to active when heard from again.", success)
		}
	}
}

func Test_ActiveAndCopyExclude(t *testing.T) {
	t.Log("Given the need to list peers excluding the local host.")
	{
		const local = "host-self:9080"

		ps := peer.NewPeerSet(0)
		ps.Activate(local, "node-self", "1.0", 1)
		ps.Activate("host-a:9080", "node-a", "1.0", 1)
		ps.Add(peer.New("host-b:9080"))

		active := ps.Active(local)
		if len(active) != 1 || active[0].Host != "host-a:9080" {
			t.Errorf("\t%s\tShould list only the other active peer.", failed)
		} else {
			t.Logf("\t%s\tShould list only the other active peer.", success)
		}

		if peers := ps.Copy(local); len(peers) != 2 {
			t.Errorf("\t%s\tShould list every non evicted peer but the local host, got %d.", failed, len(peers))
		} else {
			t.Logf("\t%s\tShould list every non evicted peer but the local host.", success)
		}
	}
}
