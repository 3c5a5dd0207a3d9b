package tsdb

import "github.com/tskv/tskv/pkg/rules"

// ChunkInfo is per-chunk detail exposed in debug mode.
type ChunkInfo struct {
	MinTimestamp int64  `json:"min_timestamp"`
	MaxTimestamp int64  `json:"max_timestamp"`
	Samples      int    `json:"samples"`
	SizeBytes    int    `json:"size_bytes"`
	Encoding     string `json:"encoding"`
}

// RuleInfo describes one compaction edge touching the series.
type RuleInfo struct {
	SourceKey      string `json:"source_key"`
	DestKey        string `json:"dest_key"`
	Aggregator     string `json:"aggregator"`
	BucketDuration int64  `json:"bucket_duration"`
}

// Info is the read-only metadata snapshot of one series.
type Info struct {
	Key             string            `json:"key"`
	TotalSamples    int               `json:"total_samples"`
	TotalChunks     int               `json:"total_chunks"`
	MemoryBytes     int               `json:"memory_bytes"`
	FirstTimestamp  int64             `json:"first_timestamp"`
	LastTimestamp   int64             `json:"last_timestamp"`
	RetentionMillis int64             `json:"retention_millis"`
	ChunkSizeBytes  int               `json:"chunk_size_bytes"`
	Encoding        string            `json:"encoding"`
	DuplicatePolicy string            `json:"duplicate_policy"`
	Labels          map[string]string `json:"labels,omitempty"`

	SourceRule *RuleInfo `json:"source_rule,omitempty"`
	DestRule   *RuleInfo `json:"dest_rule,omitempty"`

	Chunks []ChunkInfo `json:"chunks,omitempty"`
}

// Info snapshots a series' metadata. Debug mode adds per-chunk
// detail.
func (db *DB) Info(key string, debug bool) (Info, error) {
	e, err := db.lookup(key)
	if err != nil {
		return Info{}, err
	}

	e.mu.RLock()
	s := e.s
	opts := s.Options()
	info := Info{
		Key:             key,
		TotalSamples:    s.NumSamples(),
		TotalChunks:     s.NumChunks(),
		MemoryBytes:     s.TotalBytes(),
		RetentionMillis: opts.RetentionMillis,
		ChunkSizeBytes:  opts.ChunkSizeBytes,
		Encoding:        opts.Encoding.String(),
		DuplicatePolicy: opts.DuplicatePolicy.String(),
		Labels:          opts.Labels,
	}
	if first, ok := s.FirstTimestamp(); ok {
		info.FirstTimestamp = first
	}
	if last, ok := s.LastSample(); ok {
		info.LastTimestamp = last.Timestamp
	}
	if debug {
		for _, c := range s.Chunks() {
			info.Chunks = append(info.Chunks, ChunkInfo{
				MinTimestamp: c.MinTime(),
				MaxTimestamp: c.MaxTime(),
				Samples:      c.NumSamples(),
				SizeBytes:    len(c.Bytes()),
				Encoding:     c.Encoding().String(),
			})
		}
	}
	e.mu.RUnlock()

	if r, ok := db.rules.RuleForSource(key); ok {
		info.SourceRule = ruleInfo(r)
	}
	if r, ok := db.rules.RuleForDest(key); ok {
		info.DestRule = ruleInfo(r)
	}
	return info, nil
}

func ruleInfo(r *rules.Rule) *RuleInfo {
	return &RuleInfo{
		SourceKey:      r.SourceKey,
		DestKey:        r.DestKey,
		Aggregator:     r.Spec.Aggregator.String(),
		BucketDuration: r.Spec.BucketDuration,
	}
}
