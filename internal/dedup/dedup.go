// Package dedup tracks which payloads a node has seen and which it has
// already relayed. Payload content is the identity; entries are keyed by its
// SHA3-256 digest.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

type Key [32]byte

func KeyOf(msg []byte) Key {
	return Key(sha3.Sum256(msg))
}

// Options bounds memory. The zero value never evicts, which is only
// appropriate for short test runs.
type Options struct {
	Cap int
	TTL time.Duration
}

type Store struct {
	mu      sync.Mutex
	seen    *keySet
	relayed *keySet
	now     func() time.Time
}

func New(opts Options) *Store {
	return &Store{
		seen:    newKeySet(opts.Cap, opts.TTL),
		relayed: newKeySet(opts.Cap, opts.TTL),
		now:     time.Now,
	}
}

func (s *Store) HasSeen(msg []byte) bool {
	k := KeyOf(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.has(k, s.now())
}

// MarkSeen reports whether msg was not seen before.
func (s *Store) MarkSeen(msg []byte) bool {
	k := KeyOf(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.add(k, s.now())
}

func (s *Store) HasRelayed(msg []byte) bool {
	k := KeyOf(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayed.has(k, s.now())
}

// MarkRelayed reports whether msg was not relayed before.
func (s *Store) MarkRelayed(msg []byte) bool {
	k := KeyOf(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayed.add(k, s.now())
}

// Observe applies the inbound rule atomically: a novel message is marked
// seen, and if it was never relayed it is marked relayed too. relay is true
// for exactly one caller per message.
func (s *Store) Observe(msg []byte) (novel, relay bool) {
	k := KeyOf(msg)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen.add(k, now) {
		return false, false
	}
	return true, s.relayed.add(k, now)
}

// MarkLocal records a locally generated message as seen and relayed so that
// echoes from peers are not re-broadcast.
func (s *Store) MarkLocal(msg []byte) (novelSeen, novelRelayed bool) {
	k := KeyOf(msg)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.add(k, now), s.relayed.add(k, now)
}

func (s *Store) Len() (seen, relayed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.len(), s.relayed.len()
}

type keySet struct {
	cap     int
	ttl     time.Duration
	entries map[Key]*list.Element
	order   *list.List
}

type keyEntry struct {
	key     Key
	expires time.Time
}

func newKeySet(capacity int, ttl time.Duration) *keySet {
	return &keySet{
		cap:     capacity,
		ttl:     ttl,
		entries: make(map[Key]*list.Element),
		order:   list.New(),
	}
}

func (s *keySet) bounded() bool {
	return s.cap > 0 || s.ttl > 0
}

func (s *keySet) has(k Key, now time.Time) bool {
	s.pruneLocked(now)
	_, ok := s.entries[k]
	return ok
}

func (s *keySet) add(k Key, now time.Time) bool {
	s.pruneLocked(now)
	if el, ok := s.entries[k]; ok {
		if s.bounded() {
			s.order.MoveToFront(el)
		}
		return false
	}
	ent := &keyEntry{key: k}
	if s.ttl > 0 {
		ent.expires = now.Add(s.ttl)
	}
	s.entries[k] = s.order.PushFront(ent)
	for s.cap > 0 && len(s.entries) > s.cap {
		back := s.order.Back()
		if back == nil {
			break
		}
		delete(s.entries, back.Value.(*keyEntry).key)
		s.order.Remove(back)
	}
	return true
}

func (s *keySet) len() int {
	return len(s.entries)
}

func (s *keySet) pruneLocked(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*keyEntry)
		if ent.expires.After(now) {
			el = prev
			continue
		}
		delete(s.entries, ent.key)
		s.order.Remove(el)
		el = prev
	}
}
