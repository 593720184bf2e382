package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// memory is the in-process layer: a striped table of LRU lists. Each stripe
// has its own lock and capacity, so two keys only contend when they hash to
// the same stripe.
type memory struct {
	shards []*shard
}

type shard struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element
}

type memItem struct {
	id    string
	entry Entry
}

func newMemory(maxEntries, shards int) *memory {
	if shards < 1 {
		shards = 1
	}
	if maxEntries < shards {
		shards = maxEntries
		if shards < 1 {
			shards = 1
		}
	}
	per := (maxEntries + shards - 1) / shards
	if per < 1 {
		per = 1
	}

	m := &memory{shards: make([]*shard, shards)}
	for i := range m.shards {
		m.shards[i] = &shard{
			capacity: per,
			order:    list.New(),
			items:    make(map[string]*list.Element),
		}
	}
	return m
}

func (m *memory) shardFor(id string) *shard {
	return m.shards[xxhash.Sum64String(id)%uint64(len(m.shards))]
}

// get returns a live entry and marks it recently used. Expired entries are
// dropped and reported through expired.
func (m *memory) get(id string, now time.Time) (e Entry, ok, expired bool) {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, found := s.items[id]
	if !found {
		return Entry{}, false, false
	}
	item := el.Value.(*memItem)
	if item.entry.Expired(now) {
		s.order.Remove(el)
		delete(s.items, id)
		return Entry{}, false, true
	}
	s.order.MoveToFront(el)
	return item.entry, true, false
}

// put stores e and returns the number of entries evicted to make room.
func (m *memory) put(id string, e Entry) int {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[id]; ok {
		el.Value.(*memItem).entry = e
		s.order.MoveToFront(el)
		return 0
	}

	evicted := 0
	for s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*memItem).id)
		evicted++
	}
	s.items[id] = s.order.PushFront(&memItem{id: id, entry: e})
	return evicted
}

// invalidate drops every entry affected by a write and returns the count.
func (m *memory) invalidate(symbol, tf string, start, end int64) int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for id, el := range s.items {
			if el.Value.(*memItem).entry.Key.Affected(symbol, tf, start, end) {
				s.order.Remove(el)
				delete(s.items, id)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// purge drops expired entries and returns the count.
func (m *memory) purge(now time.Time) int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for id, el := range s.items {
			if el.Value.(*memItem).entry.Expired(now) {
				s.order.Remove(el)
				delete(s.items, id)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (m *memory) len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}
