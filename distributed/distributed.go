// Package distributed implements the collective-communication layer of
// multi-process data-parallel training: the blocking process-group
// rendezvous, the all-reduce/broadcast collectives, the
// gradient-synchronizing model wrap and the spawning of one worker process
// per rank.
package distributed

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ProcessGroup is a joined set of workers able to run collectives. Every
// collective is synchronous: all members of the group must call it, and the
// slowest member paces the others.
type ProcessGroup interface {
	// Rank of this worker within the group.
	Rank() int

	// WorldSize is the total number of workers in the group.
	WorldSize() int

	// AllReduceSum sums values element-wise across all workers and leaves
	// the result in values on every worker.
	AllReduceSum(values []float32) error

	// Broadcast copies root's values into values on every worker.
	Broadcast(values []float32, root int) error

	// Close leaves the group and releases its resources.
	Close() error
}

// Backend creates process groups over one transport.
type Backend interface {
	// Name of the backend, the key used in configuration.
	Name() string

	// Join blocks until all worldSize workers have joined the group at
	// addr, or the timeout fires. This is the startup rendezvous barrier:
	// a peer that never joins fails the whole run.
	Join(addr string, worldSize, rank int, timeout time.Duration) (ProcessGroup, error)
}

// KnownBackends maps backend names to constructors. "tcp" runs a star
// topology centered on rank 0's listener; "local" coordinates goroutines of
// a single process, used in tests.
var KnownBackends = map[string]func() Backend{
	"tcp":   func() Backend { return &tcpBackend{} },
	"local": func() Backend { return newLocalBackend() },
}

// Join resolves the backend by name and joins the process group. Unknown
// backend names are a configuration error.
func Join(backendName, addr string, worldSize, rank int, timeout time.Duration) (ProcessGroup, error) {
	builder, found := KnownBackends[backendName]
	if !found {
		return nil, errors.Errorf("unknown distributed backend %q, valid values are %v",
			backendName, maps.Keys(KnownBackends))
	}
	if worldSize < 2 {
		return nil, errors.Errorf("process group requires world size >= 2, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}
	return builder().Join(addr, worldSize, rank, timeout)
}
