package sampler

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// partitionGraph returns a graph with 100 papers in a chain (paper i cites
// paper i+1) and a train set of the first 70 papers.
func partitionGraph(t *testing.T) (*Sampler, []int32) {
	s := New()
	s.AddNodeType("paper", 100)
	edges := make([][]int32, 0, 99)
	for ii := int32(0); ii < 99; ii++ {
		edges = append(edges, []int32{ii, ii + 1})
	}
	s.AddEdgeType("cites", "paper", "paper", tensors.FromValue(edges), false)

	trainIDs := make([]int32, 70)
	for ii := range trainIDs {
		trainIDs[ii] = int32(ii)
	}
	require.Len(t, s.EdgeTypes, 1)
	return s, trainIDs
}

func newChainStrategy(s *Sampler, batchSize int, nodeSet []int32) *Strategy {
	strategy := s.NewStrategy()
	seeds := strategy.NodesFromSet("seeds", "paper", batchSize, nodeSet)
	seeds.FromEdges("citations", "cites", 3)
	return strategy
}

// drainSeeds collects the valid (unmasked) seed values of every batch.
func drainSeeds(t *testing.T, ds *Dataset) (batches [][]int32) {
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(inputs), 2)
		seeds := tensors.MustCopyFlatData[int32](inputs[0])
		var mask []bool
		tensors.MustConstFlatData[bool](inputs[1], func(data []bool) {
			mask = append(mask, data...)
		})
		var batch []int32
		for ii, valid := range mask {
			if valid {
				batch = append(batch, seeds[ii])
			}
		}
		batches = append(batches, batch)
	}
}

func TestDatasetFixedOrder(t *testing.T) {
	s, trainIDs := partitionGraph(t)
	strategy := newChainStrategy(s, 10, trainIDs)
	ds := strategy.NewDataset("eval")

	first := drainSeeds(t, ds)
	ds.Reset()
	second := drainSeeds(t, ds)

	require.Len(t, first, 7)
	assert.Equal(t, first, second, "unshuffled traversals must be identical")
	assert.Equal(t, trainIDs[:10], first[0])
}

func TestDatasetPartitionDisjointAndComplete(t *testing.T) {
	s, trainIDs := partitionGraph(t)
	strategy := newChainStrategy(s, 10, trainIDs)

	const shuffleSeed, world = 42, 2
	ds0 := strategy.NewDataset("train").Shuffle().WithSeed(shuffleSeed).Partition(0, world)
	ds1 := strategy.NewDataset("train").Shuffle().WithSeed(shuffleSeed).Partition(1, world)

	batches0 := drainSeeds(t, ds0)
	batches1 := drainSeeds(t, ds1)

	// 70 seeds / batches of 10 / 2 workers: 4 batches + 3 batches.
	require.Len(t, batches0, 4)
	require.Len(t, batches1, 3)
	assert.Equal(t, 4, ds0.NumBatchesPerEpoch())
	assert.Equal(t, 3, ds1.NumBatchesPerEpoch())

	seen := make(map[int32]int)
	for _, batches := range [][][]int32{batches0, batches1} {
		for _, batch := range batches {
			for _, seed := range batch {
				seen[seed]++
			}
		}
	}
	require.Len(t, seen, 70, "partitions must jointly cover every seed")
	for seed, count := range seen {
		assert.Equalf(t, 1, count, "seed %d sampled %d times", seed, count)
	}
}

func TestDatasetSeededShuffle(t *testing.T) {
	s, trainIDs := partitionGraph(t)
	strategy := newChainStrategy(s, 10, trainIDs)

	flatten := func(batches [][]int32) (all []int32) {
		for _, b := range batches {
			all = append(all, b...)
		}
		return
	}

	dsA := strategy.NewDataset("train").Shuffle().WithSeed(17)
	dsB := strategy.NewDataset("train").Shuffle().WithSeed(17)
	epoch1A := flatten(drainSeeds(t, dsA))
	epoch1B := flatten(drainSeeds(t, dsB))
	assert.Equal(t, epoch1A, epoch1B, "same seed must give the same traversal order")

	dsA.Reset()
	epoch2A := flatten(drainSeeds(t, dsA))
	assert.NotEqual(t, epoch1A, epoch2A, "each epoch must reshuffle")
	assert.ElementsMatch(t, epoch1A, epoch2A)

	dsC := strategy.NewDataset("train").Shuffle().WithSeed(18)
	epoch1C := flatten(drainSeeds(t, dsC))
	assert.NotEqual(t, epoch1A, epoch1C, "different seeds should give different orders")
}

func TestDatasetSampledShapesAndPadding(t *testing.T) {
	s, trainIDs := partitionGraph(t)
	strategy := newChainStrategy(s, 20, trainIDs[:25])
	ds := strategy.NewDataset("eval")

	// First batch is full.
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 4) // Seeds + mask, citations + mask.
	assert.Equal(t, []int{20}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{20, 3}, inputs[2].Shape().Dimensions)

	states, remaining := MapInputsToStates(strategy, inputs)
	assert.Empty(t, remaining)
	require.Contains(t, states, "seeds")
	require.Contains(t, states, "citations")

	// Second (last) batch has only 5 valid seeds, the rest is padding.
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	var numValid int
	tensors.MustConstFlatData[bool](inputs[1], func(mask []bool) {
		for _, valid := range mask {
			if valid {
				numValid++
			}
		}
	})
	assert.Equal(t, 5, numValid)

	// Every valid sampled citation of paper i must be paper i+1.
	seeds := tensors.MustCopyFlatData[int32](inputs[0])
	citations := tensors.MustCopyFlatData[int32](inputs[2])
	tensors.MustConstFlatData[bool](inputs[3], func(mask []bool) {
		for ii, valid := range mask {
			if !valid {
				continue
			}
			assert.Equal(t, seeds[ii/3]+1, citations[ii])
		}
	})

	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
}
