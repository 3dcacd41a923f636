// Package igbh trains relational GNNs (GCN, GraphSAGE and GAT variants) on
// the IGB heterogeneous node-classification datasets, with data-parallel
// workers averaging gradients through a TCP process group.
//
// The heterogeneous graph has papers, authors, institutes and fields of
// study; the task is classifying papers into 19 or 2983 topics.
package igbh

import (
	"fmt"
	mrand "math/rand/v2"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/igbh/sampler"
	"github.com/pkg/errors"
)

// Node type names of the IGB heterogeneous graph.
const (
	NodePaper     = "paper"
	NodeAuthor    = "author"
	NodeInstitute = "institute"
	NodeFoS       = "fos"
)

// Edge type names, oriented in the direction messages are gathered from:
// the source node type collects from the target node type.
const (
	EdgeCites        = "cites"         // paper -> paper
	EdgeWrittenBy    = "written_by"    // paper -> author
	EdgeTopic        = "topic"         // paper -> fos
	EdgeAffiliatedTo = "affiliated_to" // author -> institute
)

// PredictCategory is the node type being classified.
const PredictCategory = NodePaper

// HeteroGraph holds one of the IGB heterogeneous graphs fully indexed in memory:
// node features per type, the CSR edge storage (inside the Sampler), paper
// labels and the train/validation/test split of the papers.
type HeteroGraph struct {
	NumClasses int

	// Features per node type, each shaped (Float32)[numNodes, featDim].
	// All node types carry features of the same dimension.
	Features map[string]*tensors.Tensor

	// Labels of the papers, shaped (Int32)[numPapers].
	Labels *tensors.Tensor

	// Split masks over the papers. They are pairwise disjoint.
	TrainMask, ValMask, TestMask []bool

	// Sampler with the node and edge types registered.
	Sampler *sampler.Sampler
}

// FeatureDim of the node features.
func (g *HeteroGraph) FeatureDim() int {
	return g.Features[NodePaper].Shape().Dimensions[1]
}

// NumNodes of the given node type.
func (g *HeteroGraph) NumNodes(nodeType string) int {
	return g.Features[nodeType].Shape().Dimensions[0]
}

// SeedIDs returns the indices selected by a split mask, in index order.
func SeedIDs(mask []bool) []int32 {
	ids := make([]int32, 0, len(mask))
	for ii, selected := range mask {
		if selected {
			ids = append(ids, int32(ii))
		}
	}
	return ids
}

// TrainIDs, ValIDs and TestIDs return the paper indices of each split.
func (g *HeteroGraph) TrainIDs() []int32 { return SeedIDs(g.TrainMask) }
func (g *HeteroGraph) ValIDs() []int32   { return SeedIDs(g.ValMask) }
func (g *HeteroGraph) TestIDs() []int32  { return SeedIDs(g.TestMask) }

// validateSplits checks the split masks cover the papers and are pairwise
// disjoint: a paper never belongs to two splits.
func (g *HeteroGraph) validateSplits() error {
	numPapers := g.NumNodes(NodePaper)
	if len(g.TrainMask) != numPapers || len(g.ValMask) != numPapers || len(g.TestMask) != numPapers {
		return errors.Errorf("split masks must have one entry per paper (%d), got %d/%d/%d",
			numPapers, len(g.TrainMask), len(g.ValMask), len(g.TestMask))
	}
	for ii := 0; ii < numPapers; ii++ {
		if (g.TrainMask[ii] && g.ValMask[ii]) || (g.TrainMask[ii] && g.TestMask[ii]) || (g.ValMask[ii] && g.TestMask[ii]) {
			return errors.Errorf("paper %d belongs to more than one split", ii)
		}
	}
	return nil
}

// NewStrategy builds the neighbor-sampling strategy for the given seed
// papers: one seed rule of `batchSize` papers, then one rule per (layer,
// edge type) expanding every node of the frontier with the layer's fan-out.
func (g *HeteroGraph) NewStrategy(batchSize int, fanOut []int, seedIDs []int32) *sampler.Strategy {
	strategy := g.Sampler.NewStrategy()
	seeds := strategy.NodesFromSet("seeds", PredictCategory, batchSize, seedIDs)
	frontier := []*sampler.Rule{seeds}
	for _, count := range fanOut {
		var next []*sampler.Rule
		for _, rule := range frontier {
			for _, edgeType := range edgeTypesFrom(rule.NodeTypeName) {
				name := fmt.Sprintf("%s.%s", rule.Name, edgeType)
				next = append(next, rule.FromEdges(name, edgeType, count))
			}
		}
		frontier = next
	}
	return strategy
}

// edgeTypesFrom lists the edge types whose messages a node of the given type
// gathers, in a fixed order (the sampled tensors follow it).
func edgeTypesFrom(nodeType string) []string {
	switch nodeType {
	case NodePaper:
		return []string{EdgeCites, EdgeWrittenBy, EdgeTopic}
	case NodeAuthor:
		return []string{EdgeAffiliatedTo}
	default:
		return nil
	}
}

// newSampler registers the node and edge types of the graph. The edge
// tensors are given in sampling orientation, the same the IGB files use:
// cites (paper, paper), written_by (paper, author), affiliated_to (author,
// institute) and topic (paper, fos).
func newSampler(numPapers, numAuthors, numInstitutes, numFoS int,
	cites, writtenBy, affiliated, topic *tensors.Tensor) *sampler.Sampler {
	s := sampler.New()
	s.AddNodeType(NodePaper, numPapers)
	s.AddNodeType(NodeAuthor, numAuthors)
	s.AddNodeType(NodeInstitute, numInstitutes)
	s.AddNodeType(NodeFoS, numFoS)

	s.AddEdgeType(EdgeCites, NodePaper, NodePaper, cites /*reverse=*/, false)
	s.AddEdgeType(EdgeWrittenBy, NodePaper, NodeAuthor, writtenBy /*reverse=*/, false)
	s.AddEdgeType(EdgeAffiliatedTo, NodeAuthor, NodeInstitute, affiliated /*reverse=*/, false)
	s.AddEdgeType(EdgeTopic, NodePaper, NodeFoS, topic /*reverse=*/, false)
	return s
}

// splitMasks builds the 60/20/20 train/validation/test masks over the
// papers, in index order.
func splitMasks(numPapers int) (train, val, test []bool) {
	train = make([]bool, numPapers)
	val = make([]bool, numPapers)
	test = make([]bool, numPapers)
	numTrain := int(float64(numPapers) * 0.6)
	numVal := int(float64(numPapers) * 0.2)
	for ii := 0; ii < numPapers; ii++ {
		switch {
		case ii < numTrain:
			train[ii] = true
		case ii < numTrain+numVal:
			val[ii] = true
		default:
			test[ii] = true
		}
	}
	return
}

// NewToyGraph builds a small random heterogeneous graph, used by the tests
// and as a smoke-test target. It is deterministic for a given seed.
func NewToyGraph(numPapers, numClasses, featureDim int, seed int64) *HeteroGraph {
	if numPapers < 10 {
		Panicf("toy graph needs at least 10 papers, got %d", numPapers)
	}
	rng := mrand.New(mrand.NewPCG(uint64(seed), 0))
	numAuthors := numPapers / 2
	numInstitutes := max(numPapers/10, 2)
	numFoS := max(numPapers/5, 2)

	randomEdges := func(numSources, numTargets, perSource int) *tensors.Tensor {
		edges := make([][]int32, 0, numSources*perSource)
		for src := 0; src < numSources; src++ {
			for ii := 0; ii < perSource; ii++ {
				edges = append(edges, []int32{int32(src), int32(rng.IntN(numTargets))})
			}
		}
		return tensors.FromValue(edges)
	}
	randomFeatures := func(numNodes int) *tensors.Tensor {
		t := tensors.FromScalarAndDimensions(float32(0), numNodes, featureDim)
		tensors.MustMutableFlatData[float32](t, func(data []float32) {
			for ii := range data {
				data[ii] = float32(rng.NormFloat64())
			}
		})
		return t
	}

	labels := tensors.FromScalarAndDimensions(int32(0), numPapers)
	tensors.MustMutableFlatData[int32](labels, func(data []int32) {
		for ii := range data {
			data[ii] = int32(rng.IntN(numClasses))
		}
	})

	g := &HeteroGraph{
		NumClasses: numClasses,
		Features: map[string]*tensors.Tensor{
			NodePaper:     randomFeatures(numPapers),
			NodeAuthor:    randomFeatures(numAuthors),
			NodeInstitute: randomFeatures(numInstitutes),
			NodeFoS:       randomFeatures(numFoS),
		},
		Labels: labels,
		Sampler: newSampler(numPapers, numAuthors, numInstitutes, numFoS,
			randomEdges(numPapers, numPapers, 3),
			randomEdges(numPapers, numAuthors, 2),
			randomEdges(numAuthors, numInstitutes, 1),
			randomEdges(numPapers, numFoS, 2)),
	}
	g.TrainMask, g.ValMask, g.TestMask = splitMasks(numPapers)
	if err := g.validateSplits(); err != nil {
		panic(err)
	}
	return g
}
