// Package snapshot persists the database to BadgerDB. Each series is
// serialized as its options plus the raw codec bytes of every chunk,
// zstd-compressed and checksummed, so a load reproduces the stored
// samples bit-exact.
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/tskv/tskv/pkg/aggregate"
	"github.com/tskv/tskv/pkg/chunk"
	"github.com/tskv/tskv/pkg/rules"
	"github.com/tskv/tskv/pkg/series"
	"github.com/tskv/tskv/pkg/tsdb"
)

var ErrChecksum = errors.New("snapshot record checksum mismatch")

const (
	seriesPrefix = "series/"
	rulesKey     = "meta/rules"
)

// Config holds the snapshot store configuration.
type Config struct {
	// Path to the badger directory.
	Path string
	// InMemory mode, mainly for tests.
	InMemory bool
}

// Store reads and writes snapshots.
type Store struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open prepares a snapshot store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, err
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

func (st *Store) Close() error {
	st.enc.Close()
	st.dec.Close()
	return st.db.Close()
}

type chunkRecord struct {
	Encoding uint8  `json:"encoding"`
	Data     []byte `json:"data"`
}

type seriesRecord struct {
	Options series.Options `json:"options"`
	Chunks  []chunkRecord  `json:"chunks"`
}

type ruleRecord struct {
	SourceKey      string               `json:"source_key"`
	DestKey        string               `json:"dest_key"`
	Aggregator     string               `json:"aggregator"`
	Condition      *aggregate.Condition `json:"condition,omitempty"`
	BucketDuration int64                `json:"bucket_duration"`
	AlignTimestamp int64                `json:"align_timestamp,omitempty"`
}

// seal compresses payload and prepends its xxhash checksum.
func (st *Store) seal(payload []byte) []byte {
	packed := st.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2+8))
	out := make([]byte, 8+len(packed))
	binary.BigEndian.PutUint64(out, xxhash.Sum64(packed))
	copy(out[8:], packed)
	return out
}

// unseal verifies the checksum and decompresses.
func (st *Store) unseal(b []byte) ([]byte, error) {
	if len(b) < 8 {
		return nil, ErrChecksum
	}
	want := binary.BigEndian.Uint64(b)
	packed := b[8:]
	if xxhash.Sum64(packed) != want {
		return nil, ErrChecksum
	}
	return st.dec.DecodeAll(packed, nil)
}

// Save writes a full snapshot, replacing any previous one.
func (st *Store) Save(db *tsdb.DB) error {
	if err := st.db.DropAll(); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	wb := st.db.NewWriteBatch()
	defer wb.Cancel()

	err := db.ForEachSeries(func(key string, s *series.Series) error {
		rec := seriesRecord{Options: s.Options()}
		for _, c := range s.Chunks() {
			rec.Chunks = append(rec.Chunks, chunkRecord{
				Encoding: uint8(c.Encoding()),
				Data:     c.Bytes(),
			})
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return wb.Set([]byte(seriesPrefix+key), st.seal(payload))
	})
	if err != nil {
		return err
	}

	var rr []ruleRecord
	for _, r := range db.Rules().Rules() {
		rr = append(rr, ruleRecord{
			SourceKey:      r.SourceKey,
			DestKey:        r.DestKey,
			Aggregator:     r.Spec.Aggregator.String(),
			Condition:      r.Spec.Condition,
			BucketDuration: r.Spec.BucketDuration,
			AlignTimestamp: r.Spec.AlignTimestamp,
		})
	}
	payload, err := json.Marshal(rr)
	if err != nil {
		return err
	}
	if err := wb.Set([]byte(rulesKey), st.seal(payload)); err != nil {
		return err
	}
	return wb.Flush()
}

// Load restores every persisted series and rule into db.
func (st *Store) Load(db *tsdb.DB) error {
	err := st.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(seriesPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			payload, err := st.unseal(raw)
			if err != nil {
				return fmt.Errorf("series %s: %w", key, err)
			}
			var rec seriesRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				return fmt.Errorf("series %s: %w", key, err)
			}
			chunks := make([]chunk.Chunk, 0, len(rec.Chunks))
			for i, cr := range rec.Chunks {
				c, err := chunk.FromBytes(chunk.Encoding(cr.Encoding), cr.Data, rec.Options.ChunkSizeBytes)
				if err != nil {
					return fmt.Errorf("series %s chunk %d: %w", key, i, err)
				}
				chunks = append(chunks, c)
			}
			s, err := series.FromChunks(rec.Options, chunks)
			if err != nil {
				return fmt.Errorf("series %s: %w", key, err)
			}
			if err := db.RestoreSeries(key, s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return st.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(rulesKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		payload, err := st.unseal(raw)
		if err != nil {
			return err
		}
		var rr []ruleRecord
		if err := json.Unmarshal(payload, &rr); err != nil {
			return err
		}
		for _, r := range rr {
			kind, err := aggregate.ParseKind(r.Aggregator)
			if err != nil {
				return err
			}
			_, err = db.Rules().Create(r.SourceKey, r.DestKey, rules.Spec{
				Aggregator:     kind,
				Condition:      r.Condition,
				BucketDuration: r.BucketDuration,
				AlignTimestamp: r.AlignTimestamp,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
