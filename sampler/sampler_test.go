package sampler

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGraph returns a small citation-like graph:
// 5 papers, 3 authors, paper 0 cites 1 and 2, paper 3 cites 4,
// author 0 writes papers {0, 1}, author 1 writes {2}, author 2 writes nothing.
func testGraph(t *testing.T) *Sampler {
	s := New()
	s.AddNodeType("paper", 5)
	s.AddNodeType("author", 3)

	cites := tensors.FromValue([][]int32{{0, 1}, {0, 2}, {3, 4}})
	writes := tensors.FromValue([][]int32{{0, 0}, {0, 1}, {1, 2}})
	s.AddEdgeType("cites", "paper", "paper", cites, false)
	s.AddEdgeType("written_by", "author", "paper", writes, true)
	require.Len(t, s.EdgeTypes, 2)
	return s
}

func TestSamplerEdgeStorage(t *testing.T) {
	s := testGraph(t)

	cites := s.EdgeTypes["cites"]
	assert.Equal(t, "paper", cites.SourceNodeType)
	assert.Equal(t, "paper", cites.TargetNodeType)
	assert.Equal(t, 5, cites.NumSourceNodes())
	assert.Equal(t, 3, cites.NumEdges())
	assert.Equal(t, []int32{1, 2}, cites.EdgeTargetsForSourceIdx(0))
	assert.Empty(t, cites.EdgeTargetsForSourceIdx(1))
	assert.Equal(t, []int32{4}, cites.EdgeTargetsForSourceIdx(3))

	// written_by was registered reversed: source is paper, target author.
	writtenBy := s.EdgeTypes["written_by"]
	assert.Equal(t, "paper", writtenBy.SourceNodeType)
	assert.Equal(t, "author", writtenBy.TargetNodeType)
	assert.Equal(t, []int32{0}, writtenBy.EdgeTargetsForSourceIdx(0))
	assert.Equal(t, []int32{0}, writtenBy.EdgeTargetsForSourceIdx(1))
	assert.Equal(t, []int32{1}, writtenBy.EdgeTargetsForSourceIdx(2))
	assert.Empty(t, writtenBy.EdgeTargetsForSourceIdx(4))
}

func TestSamplerSaveLoad(t *testing.T) {
	s := testGraph(t)
	filePath := filepath.Join(t.TempDir(), "sampler.bin")
	require.NoError(t, s.Save(filePath))

	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, s.NodeTypesToCount, loaded.NodeTypesToCount)
	require.Len(t, loaded.EdgeTypes, 2)
	assert.Equal(t, s.EdgeTypes["cites"].Starts, loaded.EdgeTypes["cites"].Starts)
	assert.Equal(t, s.EdgeTypes["cites"].EdgeTargets, loaded.EdgeTypes["cites"].EdgeTargets)
}

func TestStrategyRules(t *testing.T) {
	s := testGraph(t)
	strategy := s.NewStrategy()
	assert.True(t, s.Frozen)

	seeds := strategy.NodesFromSet("seeds", "paper", 2, []int32{0, 1, 3})
	citations := seeds.FromEdges("citations", "cites", 2)
	authors := seeds.FromEdges("authors", "written_by", 2)
	assert.True(t, seeds.IsSeed())
	assert.False(t, citations.IsSeed())
	assert.Equal(t, []int{2, 2}, citations.Shape.Dimensions)
	assert.Equal(t, "author", authors.NodeTypeName)
	assert.Len(t, strategy.Rules, 3)
	assert.Len(t, strategy.Seeds, 1)

	// Edge rules must start from the edge type's source node type.
	assert.Panics(t, func() { authors.FromEdges("bad", "cites", 2) })
	assert.Panics(t, func() { strategy.Nodes("seeds", "paper", 2) })
}

// TestConcurrentStrategies builds strategies from several goroutines sharing
// one frozen Sampler, the way data-parallel workers do. It exists to run
// under the race detector: strategy creation must not write to the Sampler.
func TestConcurrentStrategies(t *testing.T) {
	s := testGraph(t)
	s.Freeze()

	var wg sync.WaitGroup
	for ii := 0; ii < 8; ii++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			strategy := s.NewStrategy()
			seeds := strategy.Nodes("seeds", "paper", 2)
			seeds.FromEdges("citations", "cites", 2)
			seeds.FromEdges("authors", "written_by", 2)
		}()
	}
	wg.Wait()
	assert.True(t, s.Frozen)
}
