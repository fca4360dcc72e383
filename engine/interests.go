package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
)

// Intent modes carried in the "mode" attribute of message intent tokens.
const (
	attrMode    = "mode"
	modeReceive = "receive"
	modeSend    = "send"
)

// interest is a remote node's announced wish to receive a subject.
type interest struct {
	peer  string
	token *aaa.Token
	seen  time.Time
}

// interestTable keeps the receive interests of remote nodes per subject.
type interestTable struct {
	mu        sync.Mutex
	bySubject map[string]map[string]*interest
	next      map[string]int
}

func newInterestTable() *interestTable {
	return &interestTable{
		bySubject: make(map[string]map[string]*interest),
		next:      make(map[string]int),
	}
}

// put stores or refreshes the interest of peer. It reports whether the
// subject had no interest of that peer before.
func (t *interestTable) put(subject, peer string, tok *aaa.Token, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers, ok := t.bySubject[subject]
	if !ok {
		peers = make(map[string]*interest)
		t.bySubject[subject] = peers
	}
	_, existed := peers[peer]
	peers[peer] = &interest{peer: peer, token: tok, seen: now}
	return !existed
}

// removePeer drops every interest of peer and returns how many there were.
func (t *interestTable) removePeer(peer string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for subject, peers := range t.bySubject {
		if _, ok := peers[peer]; ok {
			delete(peers, peer)
			removed++
		}
		if len(peers) == 0 {
			delete(t.bySubject, subject)
		}
	}
	return removed
}

// live returns the unexpired interests of subject ordered by peer. Expired
// ones are removed.
func (t *interestTable) live(subject string, now time.Time) []*interest {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := t.bySubject[subject]
	out := make([]*interest, 0, len(peers))
	for id, in := range peers {
		if now.After(in.token.ExpiresAt) {
			delete(peers, id)
			continue
		}
		out = append(out, in)
	}
	if len(peers) == 0 {
		delete(t.bySubject, subject)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].peer < out[j].peer })
	return out
}

// rotate picks one of candidates round-robin per subject.
func (t *interestTable) rotate(subject string, candidates []*interest) *interest {
	if len(candidates) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.next[subject] % len(candidates)
	t.next[subject] = i + 1
	return candidates[i]
}

// subjects lists subjects with at least one interest.
func (t *interestTable) subjects() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.bySubject))
	for s := range t.bySubject {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
