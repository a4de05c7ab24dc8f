// Package data implements the batch producers consumed by the training
// loop: a gob-encoded record-file dataset with deterministic sharding for
// data-parallel workers, an in-memory dataset, and the loader factories
// registered per objective.
package data

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/tokenset/pretrain/train"
	"github.com/tokenset/pretrain/types/tensors"
)

// Record is one preprocessed training example: source token ids, the
// objective's target sequences (a single label for classification) and
// segment markers. Records of one file must share sequence lengths; shorter
// examples are padded during preprocessing.
type Record struct {
	Src     []int32
	Targets [][]int32
	Seg     []int32
}

// WriteRecords writes records to a gob-encoded dataset file.
func WriteRecords(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed creating dataset file %q", path)
	}
	enc := gob.NewEncoder(f)
	for i, record := range records {
		if err = enc.Encode(record); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed encoding record %d of %q", i, path)
		}
	}
	return errors.Wrapf(f.Close(), "failed closing dataset file %q", path)
}

// ReadRecords reads a whole gob-encoded dataset file.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening dataset file %q", path)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var records []Record
	for {
		var record Record
		if err = dec.Decode(&record); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, errors.Wrapf(err, "failed decoding record %d of %q", len(records), path)
		}
		records = append(records, record)
	}
}

// Shard returns the deterministic, disjoint partition of records assigned to
// shardRank out of shardCount: records are dealt round-robin by index, so
// every worker sees a similar share regardless of file order.
func Shard(records []Record, shardRank, shardCount int) []Record {
	if shardCount <= 1 {
		return records
	}
	shard := make([]Record, 0, (len(records)+shardCount-1)/shardCount)
	for i := shardRank; i < len(records); i += shardCount {
		shard = append(shard, records[i])
	}
	return shard
}

// recordDataset yields fixed-size batches assembled from a slice of
// records, cycling through them forever when cyclic.
type recordDataset struct {
	name      string
	records   []Record
	batchSize int
	cyclic    bool
	next      int
}

// NewRecordDataset builds a dataset over preprocessed records. It validates
// that every record has the same target arity and the same sequence lengths
// as the first one, so batches stack cleanly.
func NewRecordDataset(name string, records []Record, batchSize int, cyclic bool) (train.Dataset, error) {
	if len(records) == 0 {
		return nil, errors.Errorf("dataset %q has no records", name)
	}
	if batchSize < 1 {
		return nil, errors.Errorf("dataset %q batch size must be >= 1, got %d", name, batchSize)
	}
	first := records[0]
	for i, record := range records {
		if len(record.Src) != len(first.Src) || len(record.Seg) != len(first.Seg) {
			return nil, errors.Errorf("dataset %q record %d has sequence length %d, expected %d: pad during preprocessing",
				name, i, len(record.Src), len(first.Src))
		}
		if len(record.Targets) != len(first.Targets) {
			return nil, errors.Errorf("dataset %q record %d has %d target sequences, expected %d",
				name, i, len(record.Targets), len(first.Targets))
		}
		for k := range record.Targets {
			if len(record.Targets[k]) != len(first.Targets[k]) {
				return nil, errors.Errorf("dataset %q record %d target %d has length %d, expected %d",
					name, i, k, len(record.Targets[k]), len(first.Targets[k]))
			}
		}
	}
	return &recordDataset{name: name, records: records, batchSize: batchSize, cyclic: cyclic}, nil
}

func (ds *recordDataset) Name() string { return ds.name }

func (ds *recordDataset) Reset() { ds.next = 0 }

// Yield implements train.Dataset.
func (ds *recordDataset) Yield() (*train.Batch, error) {
	if !ds.cyclic && ds.next >= len(ds.records) {
		return nil, io.EOF
	}
	batch := make([]Record, 0, ds.batchSize)
	for len(batch) < ds.batchSize {
		batch = append(batch, ds.records[ds.next%len(ds.records)])
		ds.next++
	}
	return assembleBatch(batch)
}

// assembleBatch stacks records into batch tensors: source and segment as
// [batch, seqLen], each target as [batch, len], or [batch] for scalar
// targets such as classification labels.
func assembleBatch(records []Record) (*train.Batch, error) {
	batchSize := len(records)
	src, err := stack(records, batchSize, func(r Record) []int32 { return r.Src })
	if err != nil {
		return nil, err
	}
	seg, err := stack(records, batchSize, func(r Record) []int32 { return r.Seg })
	if err != nil {
		return nil, err
	}
	targets := make([]*tensors.Tensor, len(records[0].Targets))
	for k := range targets {
		targets[k], err = stack(records, batchSize, func(r Record) []int32 { return r.Targets[k] })
		if err != nil {
			return nil, err
		}
	}
	return &train.Batch{Source: src, Targets: targets, Segment: seg}, nil
}

func stack(records []Record, batchSize int, field func(Record) []int32) (*tensors.Tensor, error) {
	width := len(field(records[0]))
	flat := make([]int32, 0, batchSize*width)
	for _, record := range records {
		flat = append(flat, field(record)...)
	}
	if width == 1 {
		return tensors.FromFlatData(flat, batchSize)
	}
	return tensors.FromFlatData(flat, batchSize, width)
}

// InMemory wraps prebuilt batches as a dataset; used by tests and tools.
func InMemory(name string, batches []*train.Batch, cyclic bool) train.Dataset {
	return &inMemoryDataset{name: name, batches: batches, cyclic: cyclic}
}

type inMemoryDataset struct {
	name    string
	batches []*train.Batch
	cyclic  bool
	next    int
}

func (ds *inMemoryDataset) Name() string { return ds.name }

func (ds *inMemoryDataset) Reset() { ds.next = 0 }

func (ds *inMemoryDataset) Yield() (*train.Batch, error) {
	if ds.next >= len(ds.batches) {
		if !ds.cyclic {
			return nil, io.EOF
		}
		ds.next = 0
	}
	batch := ds.batches[ds.next]
	ds.next++
	return batch, nil
}
