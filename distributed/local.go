package distributed

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// localBackend coordinates members running as goroutines of one process.
// Groups rendezvous by address string. It exists for tests and for
// exercising the collective layer without sockets.
type localBackend struct{}

func newLocalBackend() *localBackend { return &localBackend{} }

func (b *localBackend) Name() string { return "local" }

var (
	localHubsMu sync.Mutex
	localHubs   = map[string]*localHub{}
)

// localHub is the shared state of one local group.
type localHub struct {
	mu   sync.Mutex
	cond *sync.Cond

	worldSize int
	joined    map[int]bool
	ready     chan struct{}

	// One collective runs at a time: members gather contributions, the
	// last arrival publishes the result, and the op drains once every
	// member has read it.
	sum        []float32
	result     []float32
	arrived    int
	departed   int
	generation uint64
	draining   bool

	closed int
}

func (b *localBackend) Join(addr string, worldSize, rank int, timeout time.Duration) (ProcessGroup, error) {
	localHubsMu.Lock()
	hub, found := localHubs[addr]
	if !found {
		hub = &localHub{
			worldSize: worldSize,
			joined:    map[int]bool{},
			ready:     make(chan struct{}),
		}
		hub.cond = sync.NewCond(&hub.mu)
		localHubs[addr] = hub
	}
	localHubsMu.Unlock()

	hub.mu.Lock()
	if hub.worldSize != worldSize {
		hub.mu.Unlock()
		return nil, errors.Errorf("group at %q has world size %d, joiner expects %d", addr, hub.worldSize, worldSize)
	}
	if hub.joined[rank] {
		hub.mu.Unlock()
		return nil, errors.Errorf("rank %d joined group at %q twice", rank, addr)
	}
	hub.joined[rank] = true
	allJoined := len(hub.joined) == worldSize
	if allJoined {
		close(hub.ready)
	}
	hub.mu.Unlock()

	if !allJoined {
		select {
		case <-hub.ready:
		case <-time.After(timeout):
			return nil, errors.Errorf("rendezvous timeout after %s: %d of %d workers joined group at %q",
				timeout, countJoined(hub), worldSize, addr)
		}
	}
	return &localGroup{hub: hub, rank: rank}, nil
}

func countJoined(hub *localHub) int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.joined)
}

type localGroup struct {
	hub  *localHub
	rank int
}

func (g *localGroup) Rank() int { return g.rank }

func (g *localGroup) WorldSize() int { return g.hub.worldSize }

// AllReduceSum implements ProcessGroup.
func (g *localGroup) AllReduceSum(values []float32) error {
	hub := g.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for hub.draining {
		hub.cond.Wait()
	}
	if hub.arrived == 0 {
		hub.sum = make([]float32, len(values))
	} else if len(values) != len(hub.sum) {
		return errors.Errorf("all-reduce length mismatch: rank %d contributed %d values, op has %d",
			g.rank, len(values), len(hub.sum))
	}
	for i, v := range values {
		hub.sum[i] += v
	}
	hub.arrived++
	generation := hub.generation
	if hub.arrived == hub.worldSize {
		hub.result = hub.sum
		hub.sum = nil
		hub.generation++
		hub.draining = true
		hub.cond.Broadcast()
	} else {
		for generation == hub.generation {
			hub.cond.Wait()
		}
	}
	copy(values, hub.result)
	g.depart()
	return nil
}

// Broadcast implements ProcessGroup.
func (g *localGroup) Broadcast(values []float32, root int) error {
	if root < 0 || root >= g.hub.worldSize {
		return errors.Errorf("broadcast root %d out of range for world size %d", root, g.hub.worldSize)
	}
	hub := g.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for hub.draining {
		hub.cond.Wait()
	}
	if g.rank == root {
		hub.result = append([]float32(nil), values...)
	}
	hub.arrived++
	generation := hub.generation
	if hub.arrived == hub.worldSize {
		hub.generation++
		hub.draining = true
		hub.cond.Broadcast()
	} else {
		for generation == hub.generation {
			hub.cond.Wait()
		}
	}
	if g.rank != root && len(values) != len(hub.result) {
		// Record the departure before failing, so peers drain.
		g.depart()
		return errors.Errorf("broadcast length mismatch: rank %d expects %d values, root sent %d",
			g.rank, len(values), len(hub.result))
	}
	copy(values, hub.result)
	g.depart()
	return nil
}

// depart marks this member done with the current op; the last departure
// resets the hub for the next collective. Callers hold hub.mu.
func (g *localGroup) depart() {
	hub := g.hub
	hub.departed++
	if hub.departed == hub.worldSize {
		hub.arrived = 0
		hub.departed = 0
		hub.result = nil
		hub.draining = false
		hub.cond.Broadcast()
	}
}

func (g *localGroup) Close() error {
	hub := g.hub
	hub.mu.Lock()
	hub.closed++
	lastOut := hub.closed == hub.worldSize
	hub.mu.Unlock()
	if lastOut {
		localHubsMu.Lock()
		for addr, h := range localHubs {
			if h == hub {
				delete(localHubs, addr)
			}
		}
		localHubsMu.Unlock()
	}
	return nil
}
