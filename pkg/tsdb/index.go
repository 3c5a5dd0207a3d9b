package tsdb

import (
	"sort"
	"sync"
)

// Index resolves label selectors to series keys. Multi-series
// commands consume it; label statistics stay out of scope.
type Index interface {
	Add(key string, labels map[string]string)
	Remove(key string, labels map[string]string)
	// Resolve returns the keys whose labels match every selector
	// pair, sorted for deterministic output.
	Resolve(selectors map[string]string) []string
}

// labelIndex is an inverted index from label pair to key set.
type labelIndex struct {
	mu     sync.RWMutex
	byPair map[string]map[string]struct{}
}

func newLabelIndex() *labelIndex {
	return &labelIndex{byPair: make(map[string]map[string]struct{})}
}

func pairKey(name, value string) string { return name + "\x00" + value }

func (ix *labelIndex) Add(key string, labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for name, value := range labels {
		p := pairKey(name, value)
		set, ok := ix.byPair[p]
		if !ok {
			set = make(map[string]struct{})
			ix.byPair[p] = set
		}
		set[key] = struct{}{}
	}
}

func (ix *labelIndex) Remove(key string, labels map[string]string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for name, value := range labels {
		p := pairKey(name, value)
		if set, ok := ix.byPair[p]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(ix.byPair, p)
			}
		}
	}
}

func (ix *labelIndex) Resolve(selectors map[string]string) []string {
	if len(selectors) == 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var acc map[string]struct{}
	for name, value := range selectors {
		set, ok := ix.byPair[pairKey(name, value)]
		if !ok {
			return nil
		}
		if acc == nil {
			acc = make(map[string]struct{}, len(set))
			for k := range set {
				acc[k] = struct{}{}
			}
			continue
		}
		for k := range acc {
			if _, ok := set[k]; !ok {
				delete(acc, k)
			}
		}
		if len(acc) == 0 {
			return nil
		}
	}

	keys := make([]string, 0, len(acc))
	for k := range acc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
