// File: store/store.go
// Process-wide key/value store with String, List, and Hash families.
//
// Keys are spread over a fixed set of shards by xxh3 of the key, so the
// send-path of one connection never contends with an unrelated key's shard.
// A value is a tagged variant; cross-type operations fail with ErrWrongType.
// No expiration.

package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/zeebo/xxh3"
)

// ErrWrongType is returned by operations against a key holding another kind
// of value. The text is the wire-level reply body.
var ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

const shardCount = 16

type kind uint8

const (
	kindString kind = iota
	kindList
	kindHash
)

type entry struct {
	kind kind
	str  []byte
	list [][]byte
	hash map[string][]byte
}

type shard struct {
	mu    sync.Mutex
	items map[string]*entry
}

// Store is the concurrently accessed process-wide store.
type Store struct {
	shards [shardCount]shard
}

// New returns an empty store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].items = make(map[string]*entry)
	}
	return s
}

func (s *Store) shard(key string) *shard {
	return &s.shards[xxh3.HashString(key)&(shardCount-1)]
}

// Set stores a string value, overwriting any previous value of any kind.
func (s *Store) Set(key string, val []byte) {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.items[key] = &entry{kind: kindString, str: val}
	sh.mu.Unlock()
}

// Get returns the string value for key. ok is false when the key is absent.
func (s *Store) Get(key string) (val []byte, ok bool, err error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, found := sh.items[key]
	if !found {
		return nil, false, nil
	}
	if e.kind != kindString {
		return nil, false, ErrWrongType
	}
	return e.str, true, nil
}

// Del removes the given keys and returns how many existed.
func (s *Store) Del(keys ...string) int {
	deleted := 0
	for _, key := range keys {
		sh := s.shard(key)
		sh.mu.Lock()
		if _, found := sh.items[key]; found {
			delete(sh.items, key)
			deleted++
		}
		sh.mu.Unlock()
	}
	return deleted
}

// Keys returns every key in the store, sorted. The pattern argument of the
// KEYS command is accepted but not interpreted, matching the legacy server.
func (s *Store) Keys() []string {
	var keys []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k := range sh.items {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}

// LPush prepends values to the list at key, creating it if absent. Returns
// the new list length.
func (s *Store) LPush(key string, vals ...[]byte) (int, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, found := sh.items[key]
	if !found {
		e = &entry{kind: kindList}
		sh.items[key] = e
	} else if e.kind != kindList {
		return 0, ErrWrongType
	}
	for _, v := range vals {
		e.list = append([][]byte{v}, e.list...)
	}
	return len(e.list), nil
}

// LPop removes and returns the head of the list at key. ok is false when the
// key is absent. An emptied list is removed.
func (s *Store) LPop(key string) (val []byte, ok bool, err error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, found := sh.items[key]
	if !found {
		return nil, false, nil
	}
	if e.kind != kindList {
		return nil, false, ErrWrongType
	}
	if len(e.list) == 0 {
		delete(sh.items, key)
		return nil, false, nil
	}
	val = e.list[0]
	e.list = e.list[1:]
	if len(e.list) == 0 {
		delete(sh.items, key)
	}
	return val, true, nil
}

// LRange returns the elements between start and stop inclusive, with
// negative indexes counting from the tail.
func (s *Store) LRange(key string, start, stop int) ([][]byte, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, found := sh.items[key]
	if !found {
		return nil, nil
	}
	if e.kind != kindList {
		return nil, ErrWrongType
	}
	n := len(e.list)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([][]byte, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

// HSet stores field→value in the hash at key, creating it if absent.
// Returns 1 when the field is new, 0 when it was overwritten.
func (s *Store) HSet(key, field string, val []byte) (int, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, found := sh.items[key]
	if !found {
		e = &entry{kind: kindHash, hash: make(map[string][]byte)}
		sh.items[key] = e
	} else if e.kind != kindHash {
		return 0, ErrWrongType
	}
	_, existed := e.hash[field]
	e.hash[field] = val
	if existed {
		return 0, nil
	}
	return 1, nil
}

// HGet returns the value of field in the hash at key.
func (s *Store) HGet(key, field string) (val []byte, ok bool, err error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, found := sh.items[key]
	if !found {
		return nil, false, nil
	}
	if e.kind != kindHash {
		return nil, false, ErrWrongType
	}
	val, ok = e.hash[field]
	return val, ok, nil
}

// HKeys returns the sorted field names of the hash at key.
func (s *Store) HKeys(key string) ([]string, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, found := sh.items[key]
	if !found {
		return nil, nil
	}
	if e.kind != kindHash {
		return nil, ErrWrongType
	}
	fields := make([]string, 0, len(e.hash))
	for f := range e.hash {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields, nil
}

// Len reports the total number of keys, mainly for tests and metrics.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}
