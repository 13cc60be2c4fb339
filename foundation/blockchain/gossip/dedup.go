package gossip

import "sync"

// seenSet is a bounded record of recently seen message identifiers, block
// and transaction hashes. It keeps redundant gossip from being reprocessed
// or rebroadcast. When full, the oldest identifiers fall out first.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	max   int
}

// newSeenSet constructs a seen set bounded to max identifiers.
func newSeenSet(max int) *seenSet {
	return &seenSet{
		ids: make(map[string]struct{}, max),
		max: max,
	}
}

// MarkSeen records the identifier and reports whether it was already seen.
func (ss *seenSet) MarkSeen(id string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if _, exists := ss.ids[id]; exists {
		return true
	}

	ss.ids[id] = struct{}{}
	ss.order = append(ss.order, id)

	if len(ss.order) > ss.max {
		oldest := ss.order[0]
		ss.order = ss.order[1:]
		delete(ss.ids, oldest)
	}

	return false
}

// Seen reports whether the identifier has been seen without recording it.
func (ss *seenSet) Seen(id string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	_, exists := ss.ids[id]
	return exists
}
