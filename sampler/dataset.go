package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// Dataset is created by a configured [Strategy] and yields sampled subgraphs
// as fixed-shape tensors. Before the first [Dataset.Yield] it can be
// configured with the number of epochs, shuffling, a shuffling seed and a
// partition (for data-parallel training).
// The batch size is not configurable here, it is defined by the seed rule of
// the [Strategy].
//
// The Dataset is re-entrant, so it can be wrapped with [datasets.Parallel].
//
// No labels are generated, [Dataset.Yield] returns nil labels. Wrap it to
// attach labels gathered from the seed indices.
type Dataset struct {
	name      string
	sampler   *Sampler
	strategy  *Strategy
	numEpochs int
	shuffle   bool
	seed      int64
	seeded    bool

	// Partition of batches: only batches with index % world == rank are
	// yielded. world == 1 yields everything.
	rank, world int

	muSample                sync.Mutex
	currentEpoch            int
	frozen                  bool
	startOfEpoch, exhausted bool

	// batchInEpoch counts all batches of the epoch, including the ones
	// skipped because they belong to other partitions.
	batchInEpoch int

	// shuffleRound increments at every epoch start and is never reset, so
	// seeded datasets that are traversed in lockstep (one Reset per epoch on
	// every worker) reshuffle identically everywhere.
	shuffleRound uint64

	// seedsPosition indexes either the seed rule candidates or seedsShuffle.
	seedsPosition []int32

	// seedsShuffle holds the shuffled seed candidates, when shuffling.
	// Reshuffled at the start of every epoch.
	seedsShuffle [][]int32
}

// NewDataset creates a new [Dataset] from the configured [Strategy].
// One can create multiple datasets from the same [Strategy], but once a
// [Dataset] is created the [Strategy] is frozen and can no longer be modified.
func (strategy *Strategy) NewDataset(name string) *Dataset {
	if len(strategy.Seeds) == 0 {
		Panicf("cannot create a Dataset from a strategy with no seeds defined, see Strategy.Nodes and Strategy.NodesFromSet")
	}
	strategy.frozen = true
	return &Dataset{
		name:          name,
		sampler:       strategy.Sampler,
		strategy:      strategy,
		numEpochs:     1,
		world:         1,
		startOfEpoch:  true,
		seedsPosition: make([]int32, len(strategy.Seeds)),
	}
}

// Epochs configures the dataset to yield those many epochs. Default is 1.
//
// Notice if there is more than one seed rule, an epoch finishes whenever the
// first of them is exhausted.
//
// It returns itself to allow cascading configuration calls.
func (ds *Dataset) Epochs(n int) *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	if n <= 0 {
		Panicf("for Dataset.Epochs(n), n > 0, but got n=%d instead", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to loop over epochs indefinitely.
// Default is 1 epoch.
func (ds *Dataset) Infinite() *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	ds.numEpochs = -1
	return ds
}

// Shuffle configures the dataset to shuffle the seed candidates before
// sampling. They are reshuffled at every new epoch, yielding random batches
// without replacement.
func (ds *Dataset) Shuffle() *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	ds.shuffle = true
	return ds
}

// WithSeed makes shuffling deterministic, driven by the given seed and the
// epoch number. Datasets built with the same strategy and seed traverse the
// seed candidates in the same order, which is what makes partitioned
// (data-parallel) traversals consistent across workers.
func (ds *Dataset) WithSeed(seed int64) *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	ds.seed = seed
	ds.seeded = true
	return ds
}

// Partition makes the dataset yield only its share of the batches: batches
// are numbered over the full (optionally shuffled) traversal and assigned
// round-robin, batch index `b` going to the worker with `b % world == rank`.
//
// The partitions are disjoint and jointly cover every batch exactly once,
// including a partial final batch. So 70 seed candidates with a seed rule of
// count 10 split over 2 workers yield 4 batches for rank 0 and 3 for rank 1.
//
// It requires a strategy with a single seed rule.
func (ds *Dataset) Partition(rank, world int) *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	if len(ds.strategy.Seeds) != 1 {
		Panicf("Dataset.Partition requires a strategy with exactly 1 seed rule, got %d", len(ds.strategy.Seeds))
	}
	if world <= 0 || rank < 0 || rank >= world {
		Panicf("invalid partition rank=%d, world=%d", rank, world)
	}
	ds.rank, ds.world = rank, world
	return ds
}

var _ train.Dataset = &Dataset{}

// Name implements train.Dataset.
func (ds *Dataset) Name() string {
	return ds.name
}

// Reset implements train.Dataset: it restarts the Dataset after it has been
// exhausted.
func (ds *Dataset) Reset() {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset.
// The returned spec is the *Strategy, which can be used with
// [MapInputsToStates] to map the inputs back to the rule names.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muSample.Lock()
	var unlocked bool
	defer func() {
		if !unlocked {
			ds.muSample.Unlock()
		}
	}()

	spec = ds.strategy
	ds.frozen = true

	// Fast-forward over batches owned by other partitions.
	for {
		if ds.exhausted {
			err = io.EOF
			return
		}
		if ds.startOfEpoch {
			ds.startEpoch()
		}
		if ds.world > 1 && ds.batchInEpoch%ds.world != ds.rank {
			ds.skipBatch()
			continue
		}
		break
	}

	// Sample seeds: requires the lock.
	numSeeds := len(ds.strategy.Seeds)
	seedsTensors := make([]*tensors.Tensor, 0, 2*numSeeds)
	for ii, seedsRule := range ds.strategy.Seeds {
		seeds, mask := ds.sampleSeeds(ii, seedsRule)
		seedsTensors = append(seedsTensors, seeds, mask)
	}
	ds.batchInEpoch++

	// Sampling edges doesn't touch shared state, no lock needed.
	ds.muSample.Unlock()
	unlocked = true
	inputs = make([]*tensors.Tensor, 0, 2*len(ds.strategy.Rules))
	for seedIdx, seedsRule := range ds.strategy.Seeds {
		seeds, mask := seedsTensors[2*seedIdx], seedsTensors[2*seedIdx+1]
		inputs = append(inputs, seeds, mask)
		inputs = recursivelySampleEdges(seedsRule, seeds, mask, inputs)
	}
	return
}

// NumBatchesPerEpoch the dataset yields, after partitioning. It only works
// for seed rules with a fixed candidate set (all strategies in this package).
func (ds *Dataset) NumBatchesPerEpoch() int {
	rule := ds.strategy.Seeds[0]
	numCandidates := int(rule.NumNodes)
	if rule.NodeSet != nil {
		numCandidates = len(rule.NodeSet)
	}
	totalBatches := (numCandidates + rule.Count - 1) / rule.Count
	if ds.world <= 1 {
		return totalBatches
	}
	owned := totalBatches / ds.world
	if totalBatches%ds.world > ds.rank {
		owned++
	}
	return owned
}

// skipBatch advances the seed positions over one batch without materializing
// it. ds.muSample must be locked.
func (ds *Dataset) skipBatch() {
	for ii, rule := range ds.strategy.Seeds {
		limit := rule.NumNodes
		if rule.NodeSet != nil {
			limit = int32(len(rule.NodeSet))
		}
		ds.seedsPosition[ii] += min(limit-ds.seedsPosition[ii], int32(rule.Count))
		if ds.seedsPosition[ii] >= limit {
			ds.epochFinished()
		}
	}
	ds.batchInEpoch++
}

// sampleSeeds returns the sampled seeds and their mask.
// ds.muSample must be locked.
func (ds *Dataset) sampleSeeds(seedIdx int, rule *Rule) (seeds, mask *tensors.Tensor) {
	seeds = tensors.FromScalarAndDimensions(int32(PaddingIndex), rule.Count)
	mask = tensors.FromScalarAndDimensions(false, rule.Count)

	tensors.MustMutableFlatData[int32](seeds, func(seedsData []int32) {
		tensors.MustMutableFlatData[bool](mask, func(maskData []bool) {
			pos := ds.seedsPosition[seedIdx]
			if ds.shuffle {
				// Sample from the shuffle of the candidate seed nodes.
				shuffle := ds.seedsShuffle[seedIdx]
				numToSample := int32(min(len(shuffle)-int(pos), rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if int(ds.seedsPosition[seedIdx]) >= len(shuffle) {
					ds.epochFinished()
				}
				copy(seedsData, shuffle[pos:pos+numToSample])
				for ii := range numToSample {
					maskData[ii] = true
				}
			} else if rule.NodeSet != nil {
				// Traverse the candidate set in its original order.
				numToSample := int32(min(len(rule.NodeSet)-int(pos), rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if int(ds.seedsPosition[seedIdx]) >= len(rule.NodeSet) {
					ds.epochFinished()
				}
				for ii := range numToSample {
					seedsData[ii] = rule.NodeSet[pos+ii]
					maskData[ii] = true
				}
			} else {
				// Traverse all node indices, from 0 to NumNodes-1 sequentially.
				numToSample := min(rule.NumNodes-pos, int32(rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if ds.seedsPosition[seedIdx] >= rule.NumNodes {
					ds.epochFinished()
				}
				for ii := range numToSample {
					seedsData[ii] = pos + ii
					maskData[ii] = true
				}
			}
		})
	})
	return
}

// recursivelySampleEdges walks the dependency tree of rules, appending the
// sampled tensors in the order consumed by [MapInputsToStates].
func recursivelySampleEdges(rule *Rule, nodes, mask *tensors.Tensor, store []*tensors.Tensor) []*tensors.Tensor {
	for _, subRule := range rule.Dependents {
		subNodes, subMask := sampleEdges(subRule, nodes, mask)
		store = append(store, subNodes, subMask)
		store = recursivelySampleEdges(subRule, subNodes, subMask, store)
	}
	return store
}

// sampleEdges samples up to rule.Count edge targets for each valid source
// node.
func sampleEdges(rule *Rule, srcNodes, srcMask *tensors.Tensor) (nodes, mask *tensors.Tensor) {
	nodes = tensors.FromScalarAndDimensions(int32(PaddingIndex), rule.Shape.Dimensions...)
	mask = tensors.FromScalarAndDimensions(false, rule.Shape.Dimensions...)

	tensors.MustConstFlatData[int32](srcNodes, func(srcNodesData []int32) {
		tensors.MustConstFlatData[bool](srcMask, func(srcMaskData []bool) {
			tensors.MustMutableFlatData[int32](nodes, func(tgtNodesData []int32) {
				tensors.MustMutableFlatData[bool](mask, func(tgtMaskData []bool) {
					et := rule.EdgeType
					sampledEdges := make([]int32, rule.Count) // Reused across source nodes.
					for fromIdx, fromValid := range srcMaskData {
						if !fromValid {
							continue
						}
						edges := et.EdgeTargetsForSourceIdx(srcNodesData[fromIdx])
						if len(edges) == 0 {
							continue
						}
						baseIdx := fromIdx * rule.Count
						if len(edges) <= rule.Count {
							// Fewer edges than the fan-out: take all of them.
							for ii, tgtNode := range edges {
								tgtNodesData[baseIdx+ii] = tgtNode
								tgtMaskData[baseIdx+ii] = true
							}
							continue
						}
						// Sample randomly without replacement.
						randKOfN(sampledEdges, len(edges))
						for ii, edgeIdx := range sampledEdges {
							tgtNodesData[baseIdx+ii] = edges[edgeIdx]
							tgtMaskData[baseIdx+ii] = true
						}
					}
				})
			})
		})
	})
	return
}

// randKOfN stores k=len(values) random values without replacement out of
// `0..n-1` in `values`.
func randKOfN(values []int32, n int) {
	k := len(values)
	if k*k < n {
		randKOfNLinear(values, n)
	} else {
		randKOfNReservoir(values, n)
	}
}

// randKOfNLinear draws each value and retries on collision: O(k^2), fast for
// the small k used as fan-outs.
func randKOfNLinear(values []int32, n int) {
	for ii := range values {
		var x int32
	takeANumber:
		for {
			x = int32(rand.IntN(n))
			for jj := range ii {
				if values[jj] == x {
					continue takeANumber
				}
			}
			break
		}
		values[ii] = x
	}
}

func randKOfNReservoir(values []int32, n int) {
	k := len(values)
	for ii := range k {
		values[ii] = int32(ii)
	}
	for ii := k; ii < n; ii++ {
		pos := rand.IntN(ii + 1)
		if pos < k {
			values[pos] = int32(ii)
		}
	}
}

// startEpoch resets the position counters and reshuffles where required.
func (ds *Dataset) startEpoch() {
	ds.startOfEpoch = false
	ds.batchInEpoch = 0
	ds.shuffleRound++
	for ii := range ds.seedsPosition {
		ds.seedsPosition[ii] = 0
	}
	if !ds.shuffle {
		return
	}

	// The very first time, reserve space for the shuffle of each seed rule.
	strategy := ds.strategy
	if ds.seedsShuffle == nil {
		ds.seedsShuffle = make([][]int32, len(ds.seedsPosition))
		for ii, rule := range strategy.Seeds {
			if rule.NodeSet != nil {
				ds.seedsShuffle[ii] = append([]int32{}, rule.NodeSet...)
			} else {
				ds.seedsShuffle[ii] = make([]int32, rule.NumNodes)
				for jj := range ds.seedsShuffle[ii] {
					ds.seedsShuffle[ii][jj] = int32(jj)
				}
			}
		}
	}

	intN := rand.IntN
	if ds.seeded {
		// Seeded datasets reshuffle identically on every worker, driven by
		// the seed and the epoch number.
		rng := rand.New(rand.NewPCG(uint64(ds.seed), ds.shuffleRound))
		intN = rng.IntN
	}
	for _, shuffle := range ds.seedsShuffle {
		shuffleLen := len(shuffle)
		for ii := range shuffle {
			jj := intN(shuffleLen)
			shuffle[ii], shuffle[jj] = shuffle[jj], shuffle[ii]
		}
	}
}

func (ds *Dataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}
