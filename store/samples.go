package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sbl8/dagmc/runtime"
)

// ErrNotFound is returned when a run or checkpoint does not exist
var ErrNotFound = errors.New("not found")

// RunInfo describes a run so it can be resumed
type RunInfo struct {
	RunID   string    `json:"run_id"`
	Model   string    `json:"model"`
	Chains  int       `json:"chains"`
	Seed    uint64    `json:"seed"`
	Created time.Time `json:"created"`
}

// Key layout:
//
//	run/<id>/info
//	run/<id>/chain/<c>/gen/<%012d>   JSON sample
//	run/<id>/chain/<c>/checkpoint    [generation uint64][checkpoint bytes]
func runKey(runID string) []byte { return []byte("run/" + runID + "/info") }

func chainPrefix(runID string, chain int) string {
	return fmt.Sprintf("run/%s/chain/%d/", runID, chain)
}

func sampleKey(runID string, chain, generation int) []byte {
	return fmt.Appendf(nil, "%sgen/%012d", chainPrefix(runID, chain), generation)
}

func checkpointKey(runID string, chain int) []byte {
	return []byte(chainPrefix(runID, chain) + "checkpoint")
}

// SampleStore writes samples and checkpoints to a database. It implements
// runtime.Sink and runtime.BatchWriter and is safe for concurrent use.
type SampleStore struct {
	db *DB
}

var (
	_ runtime.Sink        = (*SampleStore)(nil)
	_ runtime.BatchWriter = (*SampleStore)(nil)
)

// NewSampleStore wraps db
func NewSampleStore(db *DB) *SampleStore {
	return &SampleStore{db: db}
}

// Write stores one sample
func (s *SampleStore) Write(ctx context.Context, sample runtime.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sampleKey(sample.RunID, sample.Chain, sample.Generation), value)
	})
}

// WriteBatch stores many samples in one write batch
func (s *SampleStore) WriteBatch(ctx context.Context, samples []runtime.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, sample := range samples {
		value, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("encode sample: %w", err)
		}
		if err := wb.Set(sampleKey(sample.RunID, sample.Chain, sample.Generation), value); err != nil {
			return fmt.Errorf("write sample %d: %w", sample.Generation, err)
		}
	}
	return wb.Flush()
}

// Samples returns the samples of one chain in generation order
func (s *SampleStore) Samples(runID string, chain int) ([]runtime.Sample, error) {
	var out []runtime.Sample
	prefix := []byte(chainPrefix(runID, chain) + "gen/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var sample runtime.Sample
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sample)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, sample)
		}
		return nil
	})
	return out, err
}

// SaveRun records run metadata
func (s *SampleStore) SaveRun(info RunInfo) error {
	value, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(info.RunID), value)
	})
}

// LoadRun reads run metadata
func (s *SampleStore) LoadRun(runID string) (RunInfo, error) {
	var info RunInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	return info, err
}

// SaveCheckpoint replaces the checkpoint of a chain
func (s *SampleStore) SaveCheckpoint(runID string, chain, generation int, data []byte) error {
	value := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(data)), uint64(generation))
	value = append(value, data...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(runID, chain), value)
	})
}

// LoadCheckpoint returns the checkpoint of a chain and its generation
func (s *SampleStore) LoadCheckpoint(runID string, chain int) ([]byte, int, error) {
	var (
		data       []byte
		generation int
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(runID, chain))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("checkpoint of run %s chain %d: %w", runID, chain, ErrNotFound)
		}
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(value) < 8 {
			return fmt.Errorf("checkpoint of run %s chain %d is truncated", runID, chain)
		}
		generation = int(binary.LittleEndian.Uint64(value))
		data = value[8:]
		return nil
	})
	return data, generation, err
}
