package distributed

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenset/pretrain/train"
	"github.com/tokenset/pretrain/types/tensors"
)

const testTimeout = 10 * time.Second

var addrCounter int

// nextLocalAddr returns a fresh rendezvous key for the local backend.
func nextLocalAddr() string {
	addrCounter++
	return fmt.Sprintf("test-hub-%d", addrCounter)
}

// joinAll joins worldSize workers concurrently and returns their groups
// indexed by rank.
func joinAll(t *testing.T, backend, addr string, worldSize int) []ProcessGroup {
	t.Helper()
	groups := make([]ProcessGroup, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			groups[rank], errs[rank] = Join(backend, addr, worldSize, rank, testTimeout)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d failed to join", rank)
	}
	return groups
}

func closeAllGroups(t *testing.T, groups []ProcessGroup) {
	t.Helper()
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group ProcessGroup) {
			defer wg.Done()
			assert.NoError(t, group.Close())
		}(group)
	}
	wg.Wait()
}

func TestJoinValidation(t *testing.T) {
	_, err := Join("infiniband", "addr", 2, 0, time.Second)
	require.ErrorContains(t, err, "unknown distributed backend")

	_, err = Join("local", "addr", 1, 0, time.Second)
	require.ErrorContains(t, err, "world size")

	_, err = Join("local", "addr", 2, 2, time.Second)
	require.ErrorContains(t, err, "out of range")
}

func TestLocalRendezvousTimesOut(t *testing.T) {
	// One joiner of two: nobody else shows up.
	_, err := Join("local", nextLocalAddr(), 2, 0, 50*time.Millisecond)
	require.ErrorContains(t, err, "rendezvous timeout")
}

func runCollectivesTest(t *testing.T, backend, addr string, worldSize int) {
	groups := joinAll(t, backend, addr, worldSize)
	defer closeAllGroups(t, groups)

	for rank, group := range groups {
		assert.Equal(t, rank, group.Rank())
		assert.Equal(t, worldSize, group.WorldSize())
	}

	// AllReduceSum: every rank contributes (rank+1) * [1, 2].
	results := make([][]float32, worldSize)
	var wg sync.WaitGroup
	for rank, group := range groups {
		wg.Add(1)
		go func(rank int, group ProcessGroup) {
			defer wg.Done()
			values := []float32{float32(rank + 1), float32(2 * (rank + 1))}
			assert.NoError(t, group.AllReduceSum(values))
			results[rank] = values
		}(rank, group)
	}
	wg.Wait()
	sum := float32(worldSize * (worldSize + 1) / 2)
	for rank := 0; rank < worldSize; rank++ {
		assert.Equal(t, []float32{sum, 2 * sum}, results[rank], "rank %d", rank)
	}

	// Broadcast from a non-zero root.
	for rank, group := range groups {
		wg.Add(1)
		go func(rank int, group ProcessGroup) {
			defer wg.Done()
			values := []float32{float32(100 * rank), -1}
			assert.NoError(t, group.Broadcast(values, 1))
			results[rank] = values
		}(rank, group)
	}
	wg.Wait()
	for rank := 0; rank < worldSize; rank++ {
		assert.Equal(t, []float32{100, -1}, results[rank], "rank %d", rank)
	}
}

func TestLocalCollectives(t *testing.T) {
	runCollectivesTest(t, "local", nextLocalAddr(), 4)
}

func TestTCPCollectives(t *testing.T) {
	runCollectivesTest(t, "tcp", freeLocalAddr(t), 3)
}

// freeLocalAddr reserves a localhost port for the rendezvous listener.
func freeLocalAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

// paramModel carries parameters and writes rank-dependent gradients so the
// averaging of the sync wrap is observable.
type paramModel struct {
	params   []*train.Parameter
	gradStep float32
}

func newParamModel(seed float32) *paramModel {
	return &paramModel{
		params: []*train.Parameter{{
			Name: "weight",
			Data: []float32{seed, seed + 1},
			Grad: make([]float32, 2),
		}},
	}
}

func (m *paramModel) SetTraining(bool) {}

func (m *paramModel) Forward(*tensors.Tensor, []*tensors.Tensor, *tensors.Tensor) (*train.LossInfo, error) {
	return &train.LossInfo{Losses: []float64{1}, Correct: []float64{1}, Denominator: 1}, nil
}

// Backward accumulates gradStep into every gradient, emulating gradient
// accumulation across micro-steps.
func (m *paramModel) Backward(float64) error {
	for _, p := range m.params {
		for i := range p.Grad {
			p.Grad[i] += m.gradStep
		}
	}
	return nil
}

func (m *paramModel) Parameters() []*train.Parameter { return m.params }

func (m *paramModel) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

func (m *paramModel) ToDevice(tensors.DeviceNum) error { return nil }

func TestWrapModelBroadcastsAndAveragesGradients(t *testing.T) {
	const worldSize = 2
	groups := joinAll(t, "local", nextLocalAddr(), worldSize)
	defer closeAllGroups(t, groups)

	// Each rank initializes differently; rank 0's values must win.
	models := []*paramModel{newParamModel(10), newParamModel(20)}
	wrapped := make([]train.Model, worldSize)
	var wg sync.WaitGroup
	errs := make([]error, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			wrapped[rank], errs[rank] = WrapModel(models[rank], groups[rank])
		}(rank)
	}
	wg.Wait()
	for rank := 0; rank < worldSize; rank++ {
		require.NoError(t, errs[rank])
		assert.Equal(t, []float32{10, 11}, models[rank].params[0].Data, "rank %d", rank)
	}

	// Two accumulating micro-steps: rank 0 contributes 1 per pass, rank 1
	// contributes 3. The world average per pass is 2, accumulated to 4.
	models[0].gradStep = 1
	models[1].gradStep = 3
	for pass := 0; pass < 2; pass++ {
		for rank := 0; rank < worldSize; rank++ {
			wg.Add(1)
			go func(rank int) {
				defer wg.Done()
				errs[rank] = wrapped[rank].Backward(0.5)
			}(rank)
		}
		wg.Wait()
		for rank := 0; rank < worldSize; rank++ {
			require.NoError(t, errs[rank])
		}
	}
	for rank := 0; rank < worldSize; rank++ {
		assert.Equal(t, []float32{4, 4}, models[rank].params[0].Grad, "rank %d", rank)
	}
}

func TestProcIDUnsetByDefault(t *testing.T) {
	t.Setenv(ProcIDEnv, "")
	_, isWorker := ProcID()
	assert.False(t, isWorker)

	t.Setenv(ProcIDEnv, "3")
	procID, isWorker := ProcID()
	assert.True(t, isWorker)
	assert.Equal(t, 3, procID)
}
