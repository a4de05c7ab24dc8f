package train

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Dataset provides training data, one batch at a time.
//
// The training loop expects an effectively unbounded (cyclic) stream: it
// terminates purely by step count. A finite dataset must return io.EOF from
// Yield when exhausted, which the loop reports as a fatal configuration
// error rather than ending the run silently.
type Dataset interface {
	// Name identifies the dataset, used for error messages and logging.
	Name() string

	// Yield returns the next batch, io.EOF at the end of a finite
	// dataset, or any other error to abort the run.
	Yield() (*Batch, error)

	// Reset restarts the dataset from the beginning.
	Reset()
}

// LoaderFactory builds the Dataset of one worker. In distributed mode
// shardRank/shardCount partition the underlying data so that each worker
// sees a disjoint, deterministic shard; non-distributed callers pass (0, 1).
// cyclic asks for an unbounded stream that restarts at the end of data.
type LoaderFactory func(config TrainingConfig, datasetPath string, batchSize, shardRank, shardCount int, cyclic bool) (Dataset, error)

var loaderRegistry = map[Objective]LoaderFactory{}

// RegisterLoader registers the loader factory of an objective. Data packages
// register their loaders at init time; a later registration for the same
// objective replaces the earlier one.
func RegisterLoader(obj Objective, factory LoaderFactory) {
	loaderRegistry[obj] = factory
}

// LoaderFor returns the registered loader factory for the objective.
func LoaderFor(obj Objective) (LoaderFactory, error) {
	factory, found := loaderRegistry[obj]
	if !found {
		return nil, errors.Errorf("no loader registered for objective %q, registered objectives: %v",
			obj, maps.Keys(loaderRegistry))
	}
	return factory, nil
}
