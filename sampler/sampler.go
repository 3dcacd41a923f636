// Package sampler implements neighbor sampling of heterogeneous graphs for
// mini-batch GNN training.
//
// It always samples fixed-size tensors, padding whenever there are not enough
// elements to sample from, so the resulting batches always have the same shape
// (a requirement for compiled computation graphs). A boolean mask accompanies
// every sampled tensor, marking which entries are real and which are padding.
//
// There are 3 phases when using it:
//
// (1) Define the graph: node types with their cardinality, and edge types
// connecting them:
//
//	s := sampler.New()
//	s.AddNodeType("paper", numPapers)
//	s.AddNodeType("author", numAuthors)
//	s.AddEdgeType("cites", "paper", "paper", edgesCites /*reverse=*/, false)
//	s.AddEdgeType("written_by", "author", "paper", edgesWrites /*reverse=*/, true)
//
// (2) Create a sampling Strategy: a batch of seed nodes plus one rule per
// (layer, edge type) with the layer's fan-out. See Strategy.
//
// (3) Create Datasets from the strategy and iterate: Dataset implements
// train.Dataset, so it plugs directly into the rest of the training loop.
package sampler

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// PaddingIndex is used for all sampling positions not fulfilled.
// Notice 0 is also a valid node index: always use the accompanying mask to
// check whether a value is padding.
const PaddingIndex = 0

// Sampler holds the graph definition (node types and CSR edge storage) from
// which sampling strategies are built.
//
// All the information kept by Sampler is available for reading, but avoid
// changing it directly, use the provided methods instead.
type Sampler struct {
	EdgeTypes        map[string]*EdgeType
	NodeTypesToCount map[string]int32
	Frozen           bool // When true, it can no longer be changed.
}

// EdgeType information used by the Sampler, stored in CSR form.
type EdgeType struct {
	Name, SourceNodeType, TargetNodeType string
	numTargetNodes                       int

	// Starts has one entry per source node (shifted by 1): it points to the
	// end of the list of targets for that source in EdgeTargets.
	// So for source node `i`, its edges are EdgeTargets[Starts[i-1]:Starts[i]],
	// except for `i == 0`, whose edges start at 0.
	Starts []int32

	// EdgeTargets lists target nodes grouped by source node, see Starts.
	EdgeTargets []int32
}

// NumSourceNodes of the source node type, whether or not they have edges.
func (et *EdgeType) NumSourceNodes() int { return len(et.Starts) }

// NumTargetNodes of the target node type, whether or not they have edges.
func (et *EdgeType) NumTargetNodes() int { return et.numTargetNodes }

// NumEdges of this type.
func (et *EdgeType) NumEdges() int { return len(et.EdgeTargets) }

// EdgeTargetsForSourceIdx returns the target nodes of the given source node.
// Don't modify the returned slice, it aliases the Sampler storage.
func (et *EdgeType) EdgeTargetsForSourceIdx(srcIdx int32) []int32 {
	if srcIdx < 0 || int(srcIdx) >= len(et.Starts) {
		Panicf("invalid source node (%q) index %d for edge type %q (only %d source nodes)",
			et.SourceNodeType, srcIdx, et.Name, len(et.Starts))
	}
	var start int32
	if srcIdx > 0 {
		start = et.Starts[srcIdx-1]
	}
	end := et.Starts[srcIdx]
	return et.EdgeTargets[start:end]
}

// New creates a new empty Sampler.
//
// After creating it, use AddNodeType and AddEdgeType to define where to
// sample from.
func New() *Sampler {
	return &Sampler{
		EdgeTypes:        make(map[string]*EdgeType),
		NodeTypesToCount: make(map[string]int32),
	}
}

// AddNodeType adds the node type with the given name and count.
// This assumes a dense representation of the node type: all indices from `0`
// to `count-1` are valid.
func (s *Sampler) AddNodeType(name string, count int) {
	if s.Frozen {
		Panicf("Sampler is frozen, that is, a strategy was already created with NewStrategy() and hence it can no longer be modified")
	}
	if count > math.MaxInt32 {
		Panicf("Sampler uses int32 indices, but node type %q count of %d is bigger than the max possible", name, count)
	} else if count <= 0 {
		Panicf("count of %d for node type %q invalid, it must be > 0", count, name)
	}
	s.NodeTypesToCount[name] = int32(count)
}

// AddEdgeType adds the edge type to the list of known edges.
// It takes the node type names (must have been added with AddNodeType), and
// the `edges` given as pairs (source node, target node), shaped `(Int32)[N, 2]`.
//
// If `reverse` is true, it reverts the direction of the sampling. Notice
// `sourceNodeType` and `targetNodeType` are given before reversing, so if
// `reverse` is true the source is interpreted as the target and vice versa.
//
// The contents of `edges` are sorted in place by the sampling source node,
// but no edge information is lost.
func (s *Sampler) AddEdgeType(name, sourceNodeType, targetNodeType string, edges *tensors.Tensor, reverse bool) {
	if s.Frozen {
		Panicf("Sampler is frozen, that is, a strategy was already created with NewStrategy() and hence it can no longer be modified")
	}
	if edges.Rank() != 2 || edges.DType() != dtypes.Int32 ||
		edges.Shape().Dimensions[1] != 2 || edges.Shape().Dimensions[0] == 0 {
		Panicf("invalid edges shape %s for AddEdgeType(%q): it must be shaped like (Int32)[N, 2]",
			edges.Shape(), name)
	}
	countSource := s.NodeTypesToCount[sourceNodeType]
	countTarget := s.NodeTypesToCount[targetNodeType]
	columnSrc, columnTgt := 0, 1
	if reverse {
		columnSrc, columnTgt = 1, 0
		countSource, countTarget = countTarget, countSource
		sourceNodeType, targetNodeType = targetNodeType, sourceNodeType
	}

	tensors.MustMutableFlatData[int32](edges, func(edgesData []int32) {
		// Sort edges by the sampling source column.
		pairs := pairsToSort{data: edgesData, sortColumn: columnSrc}
		sort.Sort(&pairs)

		numEdges := int32(edges.Shape().Dimensions[0])
		et := &EdgeType{
			Name:           name,
			SourceNodeType: sourceNodeType,
			TargetNodeType: targetNodeType,
			numTargetNodes: int(countTarget),
			Starts:         make([]int32, countSource),
			EdgeTargets:    make([]int32, numEdges),
		}
		currentSourceIdx := int32(0)
		for row := 0; row < int(numEdges); row++ {
			sourceIdx, targetIdx := edgesData[row<<1+columnSrc], edgesData[row<<1+columnTgt]
			if sourceIdx < 0 || sourceIdx >= countSource {
				Panicf("edge type %q has an edge whose source (node type %q) is %d, but only %d nodes were registered with AddNodeType()",
					name, sourceNodeType, sourceIdx, countSource)
			}
			if targetIdx < 0 || targetIdx >= countTarget {
				Panicf("edge type %q has an edge whose target (node type %q) is %d, but only %d nodes were registered with AddNodeType()",
					name, targetNodeType, targetIdx, countTarget)
			}
			et.EdgeTargets[row] = targetIdx
			for currentSourceIdx < sourceIdx {
				et.Starts[currentSourceIdx] = int32(row)
				currentSourceIdx++
			}
		}
		for ; currentSourceIdx < countSource; currentSourceIdx++ {
			et.Starts[currentSourceIdx] = numEdges
		}
		s.EdgeTypes[name] = et
	})
}

type pairsToSort struct {
	data       []int32
	sortColumn int
}

func (p *pairsToSort) Len() int { return len(p.data) / 2 }
func (p *pairsToSort) Less(i, j int) bool {
	return p.data[i<<1+p.sortColumn] < p.data[j<<1+p.sortColumn]
}
func (p *pairsToSort) Swap(i, j int) {
	for column := 0; column < 2; column++ {
		p.data[i<<1+column], p.data[j<<1+column] = p.data[j<<1+column], p.data[i<<1+column]
	}
}

// Freeze marks the Sampler as immutable. NewStrategy freezes it implicitly;
// call Freeze explicitly before sharing the Sampler across goroutines, so
// concurrent NewStrategy calls only read the flag.
func (s *Sampler) Freeze() {
	if !s.Frozen {
		s.Frozen = true
	}
}

// NewStrategy yields a new Strategy object, based on the graph definition of
// the Sampler.
//
// Once a strategy is created the Sampler can no longer be changed, but
// multiple strategies can be created from the same Sampler. If strategies are
// created from multiple goroutines, call Freeze first.
func (s *Sampler) NewStrategy() *Strategy {
	s.Freeze()
	return &Strategy{
		Sampler: s,
		Rules:   make(map[string]*Rule),
	}
}

// String returns a multi-line description of the Sampler graph definition.
func (s *Sampler) String() string {
	parts := make([]string, 0, 1+len(s.NodeTypesToCount)+len(s.EdgeTypes))
	var frozenDesc string
	if s.Frozen {
		frozenDesc = ", Frozen"
	}
	parts = append(parts, fmt.Sprintf("Sampler: %d node types, %d edge types%s",
		len(s.NodeTypesToCount), len(s.EdgeTypes), frozenDesc))
	for name, count := range s.NodeTypesToCount {
		parts = append(parts, fmt.Sprintf(
			"\tNodeType %q: %s items", name, humanize.Comma(int64(count))))
	}
	for name, edge := range s.EdgeTypes {
		parts = append(parts, fmt.Sprintf(
			"\tEdgeType %q: [%q]->[%q], %s edges",
			name, edge.SourceNodeType, edge.TargetNodeType, humanize.Comma(int64(edge.NumEdges()))))
	}
	return strings.Join(parts, "\n")
}

func initGob() {
	gob.Register(&EdgeType{})
	gob.Register(&Sampler{})
}

// Save the Sampler: it includes the edge indices, so it can be reloaded ready
// to go.
func (s *Sampler) Save(filePath string) (err error) {
	initGob()
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save Sampler", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(s); err != nil {
		return errors.WithMessagef(err, "encoding Sampler to save to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q after saving Sampler", filePath)
	}
	return nil
}

// Load a previously saved Sampler.
// If filePath doesn't exist, it returns an error that can be checked with
// [os.IsNotExist].
func Load(filePath string) (s *Sampler, err error) {
	initGob()
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		err = errors.Wrapf(err, "trying to load Sampler from %q", filePath)
		return
	}
	dec := gob.NewDecoder(f)
	s = &Sampler{}
	err = dec.Decode(s)
	if err != nil {
		s = nil
		err = errors.Wrapf(err, "trying to decode Sampler from %q", filePath)
		return
	}
	_ = f.Close()
	return
}
