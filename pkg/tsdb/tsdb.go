// Package tsdb ties the engine together: a keyed map of series behind
// per-series reader-writer locks, the compaction rule engine, the
// label index and the keyspace event bus.
package tsdb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tskv/tskv/pkg/chunk"
	"github.com/tskv/tskv/pkg/event"
	"github.com/tskv/tskv/pkg/join"
	"github.com/tskv/tskv/pkg/query"
	"github.com/tskv/tskv/pkg/rules"
	"github.com/tskv/tskv/pkg/series"
)

var (
	ErrSeriesNotFound = errors.New("series not found")
	ErrSeriesExists   = errors.New("series already exists")
)

// entry pairs a series with its lock. Ingest paths take the write
// lock; scans, gets and joins take the read lock.
type entry struct {
	mu sync.RWMutex
	s  *series.Series
}

// DB is the top-level store.
type DB struct {
	mu      sync.RWMutex
	entries map[string]*entry

	rules *rules.Engine
	index Index
	bus   *event.Bus

	// defaults applied when Add auto-creates a series
	defaults series.Options
}

// Config tunes a new DB.
type Config struct {
	// Defaults are the series options used when ingest touches a key
	// that does not exist yet.
	Defaults series.Options
	// Index overrides the built-in label index.
	Index Index
	// Bus receives keyspace events. Nil disables notifications.
	Bus *event.Bus
}

func New(cfg Config) *DB {
	ix := cfg.Index
	if ix == nil {
		ix = newLabelIndex()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = event.NewBus()
	}
	return &DB{
		entries:  make(map[string]*entry),
		rules:    rules.NewEngine(),
		index:    ix,
		bus:      bus,
		defaults: cfg.Defaults,
	}
}

func (db *DB) Bus() *event.Bus      { return db.bus }
func (db *DB) Rules() *rules.Engine { return db.rules }

func (db *DB) emit(kind event.Kind, key string, ts int64) {
	db.bus.Publish(event.Event{Kind: kind, Key: key, Timestamp: ts})
}

func (db *DB) lookup(key string) (*entry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSeriesNotFound, key)
	}
	return e, nil
}

// Create makes a new series under key.
func (db *DB) Create(key string, opts series.Options) error {
	s, err := series.New(opts)
	if err != nil {
		return err
	}
	db.mu.Lock()
	if _, ok := db.entries[key]; ok {
		db.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSeriesExists, key)
	}
	db.entries[key] = &entry{s: s}
	db.mu.Unlock()

	db.index.Add(key, opts.Labels)
	db.emit(event.KindCreate, key, 0)
	return nil
}

// Alter replaces a series' mutable options. The encoding is kept.
func (db *DB) Alter(key string, opts series.Options) error {
	e, err := db.lookup(key)
	if err != nil {
		return err
	}
	e.mu.Lock()
	old := e.s.Labels()
	err = e.s.Configure(opts)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	db.index.Remove(key, old)
	db.index.Add(key, opts.Labels)
	db.emit(event.KindAlter, key, 0)
	return nil
}

// Delete removes the series and detaches any compaction rule
// referencing it.
func (db *DB) Delete(key string) error {
	db.mu.Lock()
	e, ok := db.entries[key]
	if !ok {
		db.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, key)
	}
	delete(db.entries, key)
	db.mu.Unlock()

	e.mu.Lock()
	labels := e.s.Labels()
	e.mu.Unlock()

	db.rules.Detach(key)
	db.index.Remove(key, labels)
	db.emit(event.KindDelete, key, 0)
	return nil
}

// getOrCreate fetches key, creating it with the default options when
// absent.
func (db *DB) getOrCreate(key string) (*entry, error) {
	db.mu.RLock()
	e, ok := db.entries[key]
	db.mu.RUnlock()
	if ok {
		return e, nil
	}

	s, err := series.New(db.defaults)
	if err != nil {
		return nil, err
	}
	db.mu.Lock()
	if prior, ok := db.entries[key]; ok {
		db.mu.Unlock()
		return prior, nil
	}
	e = &entry{s: s}
	db.entries[key] = e
	db.mu.Unlock()

	db.index.Add(key, db.defaults.Labels)
	db.emit(event.KindCreate, key, 0)
	return e, nil
}

// Add stores one sample, auto-creating the series, and propagates the
// stored value through the compaction engine.
func (db *DB) Add(key string, ts int64, v float64, override *series.DuplicatePolicy) (series.AddResult, error) {
	e, err := db.getOrCreate(key)
	if err != nil {
		return series.AddResult{}, err
	}

	e.mu.Lock()
	res, err := e.s.Insert(ts, v, override)
	var writes []rules.Write
	if err == nil && res.Code == series.AddOK {
		writes = db.rules.OnSample(key, chunk.Sample{Timestamp: res.Timestamp, Value: res.Value})
	}
	e.mu.Unlock()

	if err != nil {
		return res, err
	}
	db.applyWrites(writes)
	if res.Code == series.AddOK {
		db.emit(event.KindAdd, key, res.Timestamp)
	}
	return res, nil
}

// applyWrites stores closed compaction buckets into their
// destinations. Destinations are never sources, so taking the
// destination write lock here cannot deadlock against another
// propagation.
func (db *DB) applyWrites(writes []rules.Write) {
	for _, w := range writes {
		e, err := db.lookup(w.DestKey)
		if err != nil {
			continue
		}
		e.mu.Lock()
		e.s.Insert(w.Sample.Timestamp, w.Sample.Value, nil)
		e.mu.Unlock()
	}
}

// KeySample addresses one sample for multi-key ingest.
type KeySample struct {
	Key    string
	Sample chunk.Sample
}

// AddOutcome pairs one MAdd element's result with its error, if any.
type AddOutcome struct {
	Result series.AddResult
	Err    error
}

// MAdd stores samples across keys. Each element commits
// independently; a failed element does not undo earlier ones.
func (db *DB) MAdd(batch []KeySample) []AddOutcome {
	out := make([]AddOutcome, len(batch))
	for i, ks := range batch {
		res, err := db.Add(ks.Key, ks.Sample.Timestamp, ks.Sample.Value, nil)
		out[i] = AddOutcome{Result: res, Err: err}
	}
	return out
}

// BulkInsert sorts and stores a batch into one series, returning
// inserted-vs-total counts. Every stored sample flows through the
// compaction engine in timestamp order.
func (db *DB) BulkInsert(key string, samples []chunk.Sample) (inserted, total int, err error) {
	total = len(samples)
	if total == 0 {
		return 0, 0, nil
	}
	e, err := db.getOrCreate(key)
	if err != nil {
		return 0, total, err
	}

	sorted := make([]chunk.Sample, total)
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	var writes []rules.Write
	e.mu.Lock()
	for _, smp := range sorted {
		res, ierr := e.s.Insert(smp.Timestamp, smp.Value, nil)
		if ierr != nil || res.Code != series.AddOK {
			continue
		}
		inserted++
		writes = append(writes, db.rules.OnSample(key, chunk.Sample{Timestamp: res.Timestamp, Value: res.Value})...)
	}
	e.mu.Unlock()

	db.applyWrites(writes)
	if inserted > 0 {
		db.emit(event.KindAdd, key, 0)
	}
	return inserted, total, nil
}

// IncrementBy adds delta to the series' last value at ts.
func (db *DB) IncrementBy(key string, ts int64, delta float64) (series.AddResult, error) {
	e, err := db.getOrCreate(key)
	if err != nil {
		return series.AddResult{}, err
	}
	e.mu.Lock()
	res, err := e.s.IncrementBy(ts, delta)
	var writes []rules.Write
	if err == nil && res.Code == series.AddOK {
		writes = db.rules.OnSample(key, chunk.Sample{Timestamp: res.Timestamp, Value: res.Value})
	}
	e.mu.Unlock()
	if err != nil {
		return res, err
	}
	db.applyWrites(writes)
	db.emit(event.KindIncrBy, key, res.Timestamp)
	return res, nil
}

// DecrementBy is IncrementBy with the sign flipped.
func (db *DB) DecrementBy(key string, ts int64, delta float64) (series.AddResult, error) {
	return db.IncrementBy(key, ts, -delta)
}

// DeleteRange removes samples in [from, to] from one series.
func (db *DB) DeleteRange(key string, from, to int64) (int, error) {
	e, err := db.lookup(key)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	n, err := e.s.DeleteRange(from, to)
	e.mu.Unlock()
	if err != nil {
		return n, err
	}
	if n > 0 {
		db.emit(event.KindDelRange, key, from)
	}
	return n, nil
}

// Range runs a range read on one series. Latest reads pull the open
// compaction bucket for destination series.
func (db *DB) Range(key string, opts query.Options) ([]chunk.Sample, error) {
	e, err := db.lookup(key)
	if err != nil {
		return nil, err
	}
	var open *chunk.Sample
	if opts.Latest {
		if smp, ok := db.rules.OpenBucket(key); ok {
			open = &smp
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return query.Execute(e.s, opts, open)
}

// RangeResult is one series' slice of an MRange response.
type RangeResult struct {
	Key     string
	Labels  map[string]string
	Samples []chunk.Sample
}

// MRange resolves a label selector and runs the same range read over
// every matching series.
func (db *DB) MRange(selectors map[string]string, opts query.Options) ([]RangeResult, error) {
	keys := db.index.Resolve(selectors)
	out := make([]RangeResult, 0, len(keys))
	for _, key := range keys {
		samples, err := db.Range(key, opts)
		if err != nil {
			if errors.Is(err, ErrSeriesNotFound) {
				continue
			}
			return nil, err
		}
		e, err := db.lookup(key)
		if err != nil {
			continue
		}
		e.mu.RLock()
		labels := e.s.Labels()
		e.mu.RUnlock()
		out = append(out, RangeResult{Key: key, Labels: labels, Samples: samples})
	}
	return out, nil
}

// Get returns the newest sample. With latest, an open compaction
// bucket that is newer than the stored tail wins.
func (db *DB) Get(key string, latest bool) (chunk.Sample, bool, error) {
	e, err := db.lookup(key)
	if err != nil {
		return chunk.Sample{}, false, err
	}
	e.mu.RLock()
	last, ok := e.s.LastSample()
	e.mu.RUnlock()

	if latest {
		if open, openOK := db.rules.OpenBucket(key); openOK && (!ok || open.Timestamp > last.Timestamp) {
			return open, true, nil
		}
	}
	return last, ok, nil
}

// Join runs a join between two series. Locks are taken in key order
// so concurrent joins cannot deadlock.
func (db *DB) Join(leftKey, rightKey string, req join.Request) (join.Result, error) {
	if leftKey == rightKey {
		return join.Result{}, fmt.Errorf("%w: join keys must differ", query.ErrInvalidArgument)
	}
	le, err := db.lookup(leftKey)
	if err != nil {
		return join.Result{}, err
	}
	re, err := db.lookup(rightKey)
	if err != nil {
		return join.Result{}, err
	}

	first, second := le, re
	if rightKey < leftKey {
		first, second = re, le
	}
	first.mu.RLock()
	defer first.mu.RUnlock()
	second.mu.RLock()
	defer second.mu.RUnlock()

	return join.Execute(le.s, re.s, req)
}

// CreateRule registers a compaction rule between two existing series.
func (db *DB) CreateRule(sourceKey, destKey string, spec rules.Spec) error {
	if _, err := db.lookup(sourceKey); err != nil {
		return err
	}
	if _, err := db.lookup(destKey); err != nil {
		return err
	}
	if _, err := db.rules.Create(sourceKey, destKey, spec); err != nil {
		return err
	}
	db.emit(event.KindRuleCreate, sourceKey, 0)
	return nil
}

// DeleteRule removes a compaction rule.
func (db *DB) DeleteRule(sourceKey, destKey string) error {
	if err := db.rules.Delete(sourceKey, destKey); err != nil {
		return err
	}
	db.emit(event.KindRuleDelete, sourceKey, 0)
	return nil
}

// ForEachSeries visits every series under its read lock, in key
// order. Used by the snapshot writer.
func (db *DB) ForEachSeries(fn func(key string, s *series.Series) error) error {
	for _, key := range db.Keys() {
		e, err := db.lookup(key)
		if err != nil {
			continue
		}
		e.mu.RLock()
		err = fn(key, e.s)
		e.mu.RUnlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// RestoreSeries installs a rebuilt series under key, replacing any
// existing one. Used by the snapshot loader.
func (db *DB) RestoreSeries(key string, s *series.Series) error {
	db.mu.Lock()
	if prior, ok := db.entries[key]; ok {
		prior.mu.Lock()
		db.index.Remove(key, prior.s.Labels())
		prior.mu.Unlock()
	}
	db.entries[key] = &entry{s: s}
	db.mu.Unlock()

	db.index.Add(key, s.Labels())
	return nil
}

// Keys lists every series key in sorted order.
func (db *DB) Keys() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	keys := make([]string, 0, len(db.entries))
	for k := range db.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
