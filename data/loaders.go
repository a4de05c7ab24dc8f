package data

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tokenset/pretrain/train"
)

// The record-file loader serves every objective: the target arity of the
// records is validated against the objective descriptor, the rest of the
// batching is shared.
func init() {
	for _, obj := range []train.Objective{
		train.ObjectiveBert,
		train.ObjectiveMlm,
		train.ObjectiveAlbert,
		train.ObjectiveLm,
		train.ObjectiveBilm,
		train.ObjectiveCls,
		train.ObjectiveMt,
	} {
		train.RegisterLoader(obj, recordLoaderFor(obj))
	}
}

func recordLoaderFor(obj train.Objective) train.LoaderFactory {
	return func(config train.TrainingConfig, datasetPath string, batchSize, shardRank, shardCount int, cyclic bool) (train.Dataset, error) {
		desc, err := obj.Descriptor()
		if err != nil {
			return nil, err
		}
		records, err := ReadRecords(datasetPath)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 && len(records[0].Targets) != desc.TargetArity {
			return nil, errors.Errorf("dataset %q has records with %d target sequences, objective %q expects %d",
				datasetPath, len(records[0].Targets), desc.Name, desc.TargetArity)
		}
		shard := Shard(records, shardRank, shardCount)
		if len(shard) == 0 {
			return nil, errors.Errorf("dataset %q has no records for shard %d of %d",
				datasetPath, shardRank, shardCount)
		}
		name := datasetPath
		if shardCount > 1 {
			name = fmt.Sprintf("%s[shard %d/%d]", datasetPath, shardRank, shardCount)
		}
		return NewRecordDataset(name, shard, batchSize, cyclic)
	}
}
