package relay

import "sync"

// pairKey identifies one (client, topic) replay log.
type pairKey struct {
	ClientID string
	Topic    string
}

// pairLocks hands out one mutex per pair on demand. Entries are
// reference-counted and removed when the last holder releases, so the map
// does not grow with the lifetime set of pairs.
type pairLocks struct {
	mu sync.Mutex
	m  map[pairKey]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func newPairLocks() *pairLocks {
	return &pairLocks{m: make(map[pairKey]*pairLock)}
}

// lock blocks until the pair's mutex is held and returns the release func.
func (p *pairLocks) lock(key pairKey) func() {
	p.mu.Lock()
	l, ok := p.m[key]
	if !ok {
		l = &pairLock{}
		p.m[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.m, key)
		}
		p.mu.Unlock()
	}
}

// size reports the number of live entries, for tests.
func (p *pairLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
