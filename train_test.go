package igbh

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func TestParticipantsAt(t *testing.T) {
	// 7 batches over 2 ranks: rank 0 owns 4 (steps 0..3), rank 1 owns 3.
	assert.Equal(t, []int{0, 1}, participantsAt(7, 2, 0))
	assert.Equal(t, []int{0, 1}, participantsAt(7, 2, 2))
	assert.Equal(t, []int{0}, participantsAt(7, 2, 3))
	assert.Empty(t, participantsAt(7, 2, 4))

	assert.Equal(t, []int{0}, participantsAt(7, 1, 6))

	// 5 batches over 3 ranks: counts are 2, 2 and 1.
	assert.Equal(t, []int{0, 1, 2}, participantsAt(5, 3, 0))
	assert.Equal(t, []int{0, 1}, participantsAt(5, 3, 1))
	assert.Empty(t, participantsAt(5, 3, 2))
}

func TestRecordValidation(t *testing.T) {
	w := &worker{}
	sequence := []float64{10, 10, 12, 11, 12, 12.5}
	wantImproved := []bool{true, false, true, false, false, true}
	for ii, valAccuracy := range sequence {
		assert.Equalf(t, wantImproved[ii], w.recordValidation(valAccuracy),
			"evaluation %d with accuracy %g (best so far %g)", ii, valAccuracy, w.bestAccuracy)
	}
	assert.Equal(t, 12.5, w.bestAccuracy)

	// An all-padding evaluation reports 0, which never improves on the
	// initial best of 0.
	w = &worker{}
	assert.False(t, w.recordValidation(0))
}

func TestFlattenUnflattenGrads(t *testing.T) {
	grads := []*tensors.Tensor{
		tensors.FromValue([][]float32{{1, 2}, {3, 4}}),
		tensors.FromValue([]float32{5, 6, 7}),
		tensors.FromValue(float32(8)),
	}
	flat := flattenGrads(grads)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, flat)

	for ii := range flat {
		flat[ii] *= 10
	}
	args := unflattenGrads(flat, grads)
	require.Len(t, args, 3)
	assert.Equal(t, [][]float32{{10, 20}, {30, 40}}, args[0].(*tensors.Tensor).Value())
	assert.Equal(t, []float32{50, 60, 70}, args[1].(*tensors.Tensor).Value())
	assert.Equal(t, float32(80), args[2].(*tensors.Tensor).Value())
}

func TestWithLabels(t *testing.T) {
	g := NewToyGraph(60, 5, 4, 17)
	strategy := g.NewStrategy(8, []int{2, 3}, g.TrainIDs())
	ds := attachLabels(strategy.NewDataset("labeled"), g)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, []int{8, 1}, labels[0].Shape().Dimensions)

	allLabels := tensors.MustCopyFlatData[int32](g.Labels)
	seeds := tensors.MustCopyFlatData[int32](inputs[0])
	got := tensors.MustCopyFlatData[int32](labels[0])
	for ii, seed := range seeds {
		assert.Equal(t, allLabels[seed], got[ii])
	}
}

// TestTrainEndToEnd trains a small model with two data-parallel workers on a
// toy graph: 60 training seeds with batches of 10 make 6 batches per epoch,
// striped 3/3 over the two workers.
func TestTrainEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	g := NewToyGraph(100, 5, 8, 3)
	cfg := DefaultConfig()
	cfg.ModelType = "rsage"
	cfg.BatchSize = 10
	cfg.FanOut = []int{2, 2}
	cfg.NumLayers = 2
	cfg.HiddenChannels = 8
	cfg.NumHeads = 2
	cfg.Epochs = 2
	cfg.LogEvery = 1
	cfg.NumWorkers = 2
	cfg.Devices = []int{0, 1}
	cfg.Addr = freeAddr(t)
	cfg.Timeout = 30 * time.Second
	cfg.Seed = 11
	cfg.ModelSave = true
	cfg.ModelPath = t.TempDir()
	require.NoError(t, cfg.Validate())

	var mu sync.Mutex
	params := make(map[int][]float32)
	paramsInspector = func(rank int, flat []float32) {
		mu.Lock()
		defer mu.Unlock()
		params[rank] = flat
	}
	defer func() { paramsInspector = nil }()

	require.NoError(t, Train(cfg, g))

	// The first validation round always improves on zero, so a checkpoint
	// must have been saved.
	entries, err := os.ReadDir(cfg.ModelPath)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// The replicas initialize from the same seed and always apply the same
	// averaged gradients, so after training their parameters are bit-identical.
	require.Len(t, params, 2)
	require.NotEmpty(t, params[0])
	assert.Equal(t, params[0], params[1])
}
