package broker

import "sync"

// ReplayRing keeps the most recent messages published to one topic so a
// late subscriber can ask for "the last N".
//
// Fixed capacity; appending to a full ring evicts the oldest entry.
// Internally synchronized: concurrent Append and LastN are safe, and
// LastN returns a copied snapshot that later appends cannot mutate.
type ReplayRing struct {
	mu   sync.RWMutex
	msgs []*Message
	max  int
}

// NewReplayRing creates a ring holding up to capacity messages.
func NewReplayRing(capacity int) *ReplayRing {
	if capacity <= 0 {
		panic("broker: replay ring capacity must be positive")
	}
	return &ReplayRing{
		msgs: make([]*Message, 0, capacity),
		max:  capacity,
	}
}

// Append adds msg, evicting the oldest entry when the ring is full.
func (r *ReplayRing) Append(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.msgs) >= r.max {
		r.msgs = r.msgs[1:]
	}
	r.msgs = append(r.msgs, msg)
}

// LastN returns the newest min(n, Len) messages in insertion order.
func (r *ReplayRing) LastN(n int) []*Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || len(r.msgs) == 0 {
		return nil
	}
	if n > len(r.msgs) {
		n = len(r.msgs)
	}
	out := make([]*Message, n)
	copy(out, r.msgs[len(r.msgs)-n:])
	return out
}

// Len reports how many messages the ring currently retains.
func (r *ReplayRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.msgs)
}
