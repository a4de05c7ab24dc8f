package data

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenset/pretrain/train"
)

func mlmRecords(n, seqLen int) []Record {
	records := make([]Record, n)
	for i := range records {
		src := make([]int32, seqLen)
		tgt := make([]int32, seqLen)
		seg := make([]int32, seqLen)
		for j := range src {
			src[j] = int32(1 + (i+j)%5)
			tgt[j] = int32(1 + j%5)
			seg[j] = 1
		}
		records[i] = Record{Src: src, Targets: [][]int32{tgt}, Seg: seg}
	}
	return records
}

func TestRecordsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.pt")
	records := mlmRecords(7, 8)
	require.NoError(t, WriteRecords(path, records))
	read, err := ReadRecords(path)
	require.NoError(t, err)
	assert.Equal(t, records, read)
}

func TestShardIsDisjointAndCovering(t *testing.T) {
	records := mlmRecords(10, 4)
	const shardCount = 3

	total := 0
	for rank := 0; rank < shardCount; rank++ {
		total += len(Shard(records, rank, shardCount))
	}
	assert.Equal(t, len(records), total)

	// Round-robin by index: each record lands in exactly one shard.
	full := Shard(records, 0, 1)
	assert.Equal(t, records, full)
	assert.Len(t, Shard(records, 0, shardCount), 4)
	assert.Len(t, Shard(records, 1, shardCount), 3)
	assert.Len(t, Shard(records, 2, shardCount), 3)
}

func TestRecordDatasetCycles(t *testing.T) {
	ds, err := NewRecordDataset("test", mlmRecords(3, 4), 2, true)
	require.NoError(t, err)

	// 3 records with batch size 2: the cycle restarts mid-batch.
	for i := 0; i < 5; i++ {
		batch, err := ds.Yield()
		require.NoError(t, err)
		assert.Equal(t, 2, batch.BatchSize())
		assert.Equal(t, 4, batch.SeqLen())
		require.Len(t, batch.Targets, 1)
	}
}

func TestRecordDatasetFiniteEOF(t *testing.T) {
	ds, err := NewRecordDataset("test", mlmRecords(4, 4), 2, false)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = ds.Yield()
		require.NoError(t, err)
	}
	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	ds.Reset()
	_, err = ds.Yield()
	require.NoError(t, err)
}

func TestRecordDatasetRejectsRaggedRecords(t *testing.T) {
	records := mlmRecords(2, 4)
	records[1].Src = records[1].Src[:3]
	_, err := NewRecordDataset("test", records, 2, true)
	require.ErrorContains(t, err, "pad during preprocessing")
}

func TestScalarTargetsStackToVector(t *testing.T) {
	records := []Record{
		{Src: []int32{1, 2}, Targets: [][]int32{{0}}, Seg: []int32{1, 1}},
		{Src: []int32{3, 4}, Targets: [][]int32{{1}}, Seg: []int32{1, 1}},
	}
	ds, err := NewRecordDataset("cls", records, 2, true)
	require.NoError(t, err)
	batch, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, batch.Targets[0].Shape())
	assert.Equal(t, []int32{0, 1}, batch.Targets[0].Data())
}

func TestLoaderFactoryValidatesArity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.pt")
	require.NoError(t, WriteRecords(path, mlmRecords(4, 8)))

	factory, err := train.LoaderFor(train.ObjectiveBert)
	require.NoError(t, err)
	_, err = factory(train.TrainingConfig{}, path, 2, 0, 1, true)
	require.ErrorContains(t, err, `objective "bert" expects 2`)

	factory, err = train.LoaderFor(train.ObjectiveMlm)
	require.NoError(t, err)
	ds, err := factory(train.TrainingConfig{}, path, 2, 0, 1, true)
	require.NoError(t, err)
	assert.Equal(t, path, ds.Name())
}

func TestLoaderFactoryShardsByRank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.pt")
	require.NoError(t, WriteRecords(path, mlmRecords(8, 8)))

	factory, err := train.LoaderFor(train.ObjectiveMlm)
	require.NoError(t, err)
	ds, err := factory(train.TrainingConfig{}, path, 2, 1, 2, true)
	require.NoError(t, err)
	assert.Contains(t, ds.Name(), "[shard 1/2]")

	// A shard with no records is an error, not an empty loop.
	_, err = factory(train.TrainingConfig{}, path, 2, 9, 10, true)
	require.ErrorContains(t, err, "no records for shard")
}

func TestInMemoryDataset(t *testing.T) {
	batch := &train.Batch{}
	ds := InMemory("mem", []*train.Batch{batch}, false)
	got, err := ds.Yield()
	require.NoError(t, err)
	assert.Same(t, batch, got)
	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
}
