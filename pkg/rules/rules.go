// Package rules maintains compaction rules: per-source downsampling
// with a persistent open bucket that flushes into a destination series
// when a sample crosses the bucket boundary.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tskv/tskv/pkg/aggregate"
	"github.com/tskv/tskv/pkg/chunk"
)

var (
	ErrSelfReference  = errors.New("source and destination must differ")
	ErrDestInUse      = errors.New("destination already receives a compaction")
	ErrChainedRule    = errors.New("compaction rules cannot chain")
	ErrSourceHasRule  = errors.New("source already has a compaction rule")
	ErrRuleNotFound   = errors.New("compaction rule not found")
	ErrBadBucket      = errors.New("bucket duration must be positive")
	ErrConditionKinds = errors.New("conditional aggregator requires a condition")
)

// Spec describes a rule at creation time.
type Spec struct {
	Aggregator     aggregate.Kind
	Condition      *aggregate.Condition
	BucketDuration int64
	AlignTimestamp int64
}

// Rule is one source-to-destination compaction edge plus its open
// bucket state.
type Rule struct {
	SourceKey string
	DestKey   string
	Spec      Spec

	agg         aggregate.Aggregator
	bucketStart int64
	open        bool
	everOpened  bool
}

// Write is a closed bucket ready to be stored in the destination.
type Write struct {
	DestKey string
	Sample  chunk.Sample
}

// Engine owns the rule table. The propagation graph has depth one:
// a key is either a source or a destination, never both.
type Engine struct {
	mu       sync.RWMutex
	bySource map[string]*Rule
	byDest   map[string]*Rule
}

func NewEngine() *Engine {
	return &Engine{
		bySource: make(map[string]*Rule),
		byDest:   make(map[string]*Rule),
	}
}

// Create registers a rule. All structural constraints are checked
// here; ingest never fails on rule structure.
func (e *Engine) Create(sourceKey, destKey string, spec Spec) (*Rule, error) {
	if sourceKey == destKey {
		return nil, ErrSelfReference
	}
	if spec.BucketDuration <= 0 {
		return nil, ErrBadBucket
	}
	if spec.Aggregator.Conditional() && spec.Condition == nil {
		return nil, ErrConditionKinds
	}
	agg, err := aggregate.New(spec.Aggregator, aggregate.Config{
		Condition:            spec.Condition,
		BucketDurationMillis: spec.BucketDuration,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.bySource[sourceKey]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceHasRule, sourceKey)
	}
	if _, ok := e.byDest[destKey]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDestInUse, destKey)
	}
	if _, ok := e.bySource[destKey]; ok {
		return nil, fmt.Errorf("%w: %s is already a source", ErrChainedRule, destKey)
	}
	if _, ok := e.byDest[sourceKey]; ok {
		return nil, fmt.Errorf("%w: %s is already a destination", ErrChainedRule, sourceKey)
	}

	r := &Rule{SourceKey: sourceKey, DestKey: destKey, Spec: spec, agg: agg}
	e.bySource[sourceKey] = r
	e.byDest[destKey] = r
	return r, nil
}

// Delete removes the rule between the two keys.
func (e *Engine) Delete(sourceKey, destKey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.bySource[sourceKey]
	if !ok || r.DestKey != destKey {
		return fmt.Errorf("%w: %s -> %s", ErrRuleNotFound, sourceKey, destKey)
	}
	delete(e.bySource, sourceKey)
	delete(e.byDest, destKey)
	return nil
}

// Detach drops any rule touching key, in either role. Used when a
// series is deleted.
func (e *Engine) Detach(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.bySource[key]; ok {
		delete(e.bySource, key)
		delete(e.byDest, r.DestKey)
	}
	if r, ok := e.byDest[key]; ok {
		delete(e.bySource, r.SourceKey)
		delete(e.byDest, key)
	}
}

// RuleForSource returns the outgoing rule of key, if any.
func (e *Engine) RuleForSource(key string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.bySource[key]
	return r, ok
}

// RuleForDest returns the incoming rule of key, if any.
func (e *Engine) RuleForDest(key string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byDest[key]
	return r, ok
}

// Rules lists every registered rule, ordered by source key.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.bySource))
	for _, r := range e.bySource {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceKey < out[j].SourceKey })
	return out
}

// OnSample feeds one stored sample into the source's rule. The
// returned writes are the buckets this sample closed; the caller
// stores them into the destinations under its own locking.
func (e *Engine) OnSample(sourceKey string, smp chunk.Sample) []Write {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.bySource[sourceKey]
	if !ok {
		return nil
	}

	var writes []Write
	start := aggregate.BucketStartFor(smp.Timestamp, r.Spec.AlignTimestamp, r.Spec.BucketDuration)

	if r.open && start > r.bucketStart {
		if w, ok := r.flush(); ok {
			writes = append(writes, w)
		}
		r.open = false
	}
	if r.open && start < r.bucketStart {
		// Late arrival for an already-closed bucket.
		return writes
	}
	if !r.open {
		if r.everOpened && start <= r.bucketStart {
			return writes
		}
		r.agg.Reset()
		r.bucketStart = start
		r.open = true
		r.everOpened = true
	}
	if r.Spec.Condition == nil || r.Spec.Condition.Match(smp.Value) {
		r.agg.Update(smp.Timestamp, smp.Value)
	}
	return writes
}

// flush materializes the open bucket. Buckets that never saw a
// matching sample produce no write.
func (r *Rule) flush() (Write, bool) {
	v, ok := r.agg.Current()
	if !ok {
		return Write{}, false
	}
	return Write{
		DestKey: r.DestKey,
		Sample:  chunk.Sample{Timestamp: r.bucketStart, Value: v},
	}, true
}

// OpenBucket exposes the destination's not-yet-closed bucket for
// latest-aware reads.
func (e *Engine) OpenBucket(destKey string) (chunk.Sample, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byDest[destKey]
	if !ok || !r.open {
		return chunk.Sample{}, false
	}
	v, ok := r.agg.Current()
	if !ok {
		return chunk.Sample{}, false
	}
	return chunk.Sample{Timestamp: r.bucketStart, Value: v}, true
}
