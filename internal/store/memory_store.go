package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps the keyspace in process. Sorted sets order by score and
// then by member bytes, matching Redis. Used for local runs without Redis and
// by tests.
type MemoryStore struct {
	mu     sync.Mutex
	zsets  map[string]*zset
	hashes map[string]map[string]string
}

type zset struct {
	scores  map[string]float64
	ordered []ScoredMember
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		zsets:  make(map[string]*zset),
		hashes: make(map[string]map[string]string),
	}
}

func less(a, b ScoredMember) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Member < b.Member
}

func (z *zset) search(m ScoredMember) int {
	return sort.Search(len(z.ordered), func(i int) bool { return !less(z.ordered[i], m) })
}

func (z *zset) remove(member string) bool {
	score, ok := z.scores[member]
	if !ok {
		return false
	}
	i := z.search(ScoredMember{Member: member, Score: score})
	z.ordered = append(z.ordered[:i], z.ordered[i+1:]...)
	delete(z.scores, member)
	return true
}

func (z *zset) add(member string, score float64) {
	z.remove(member)
	m := ScoredMember{Member: member, Score: score}
	i := z.search(m)
	z.ordered = append(z.ordered, ScoredMember{})
	copy(z.ordered[i+1:], z.ordered[i:])
	z.ordered[i] = m
	z.scores[member] = score
}

func (s *MemoryStore) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = &zset{scores: make(map[string]float64)}
		s.zsets[key] = z
	}
	z.add(member, score)
	return nil
}

func (s *MemoryStore) ZRank(_ context.Context, key, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return 0, false, nil
	}
	score, ok := z.scores[member]
	if !ok {
		return 0, false, nil
	}
	return int64(z.search(ScoredMember{Member: member, Score: score})), true, nil
}

func (s *MemoryStore) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return 0, false, nil
	}
	score, ok := z.scores[member]
	return score, ok, nil
}

func (s *MemoryStore) ZSize(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if z, ok := s.zsets[key]; ok {
		return int64(len(z.ordered)), nil
	}
	return 0, nil
}

func (s *MemoryStore) ZRangeWithScores(_ context.Context, key string, lo, hi int64) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return nil, nil
	}
	n := int64(len(z.ordered))
	if lo < 0 {
		lo += n
	}
	if hi < 0 {
		hi += n
	}
	if lo < 0 {
		lo = 0
	}
	if hi >= n {
		hi = n - 1
	}
	if lo > hi {
		return nil, nil
	}
	out := make([]ScoredMember, hi-lo+1)
	copy(out, z.ordered[lo:hi+1])
	return out, nil
}

func (s *MemoryStore) ZPopMin(_ context.Context, key string) (ScoredMember, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok || len(z.ordered) == 0 {
		return ScoredMember{}, false, nil
	}
	m := z.ordered[0]
	z.remove(m.Member)
	if len(z.ordered) == 0 {
		delete(s.zsets, key)
	}
	return m, true, nil
}

func (s *MemoryStore) ZRem(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return false, nil
	}
	removed := z.remove(member)
	if len(z.ordered) == 0 {
		delete(s.zsets, key)
	}
	return removed, nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, isZSet := s.zsets[key]
	_, isHash := s.hashes[key]
	delete(s.zsets, key)
	delete(s.hashes, key)
	return isZSet || isHash, nil
}

func (s *MemoryStore) KeysWithPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.zsets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range s.hashes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
