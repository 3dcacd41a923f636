package igbh

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVariant(t *testing.T) {
	for _, name := range []string{"rgcn", "rsage", "rgat"} {
		variant, err := ParseVariant(name)
		require.NoError(t, err)
		assert.Equal(t, name, variant.String())
	}
	_, err := ParseVariant("gat")
	assert.Error(t, err)
}

// TestOrderedRules checks the traversal order is the pre-order of the
// sampling tree, and not subject to map iteration order.
func TestOrderedRules(t *testing.T) {
	g := NewToyGraph(60, 5, 4, 17)
	strategy := g.NewStrategy(8, []int{2, 3}, g.TrainIDs())
	var names []string
	for _, rule := range orderedRules(strategy) {
		names = append(names, rule.Name)
	}
	want := []string{
		"seeds",
		"seeds.cites",
		"seeds.cites.cites",
		"seeds.cites.written_by",
		"seeds.cites.topic",
		"seeds.written_by",
		"seeds.written_by.affiliated_to",
		"seeds.topic",
	}
	for ii := 0; ii < 10; ii++ {
		var again []string
		for _, rule := range orderedRules(strategy) {
			again = append(again, rule.Name)
		}
		require.Equal(t, names, again)
	}
	assert.Equal(t, want, names)
}

func TestModelGraphVariants(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewToyGraph(60, 5, 4, 17)
	const (
		batchSize = 8
		hidden    = 8
		numHeads  = 2
	)
	for _, modelType := range []string{"rgcn", "rsage", "rgat"} {
		t.Run(modelType, func(t *testing.T) {
			ctx := context.New()
			ctx.RngStateFromSeed(42)
			ctx.SetParams(map[string]any{
				ParamModelType:              modelType,
				ParamHiddenChannels:         hidden,
				ParamNumLayers:              2,
				ParamNumHeads:               numHeads,
				ParamNumClasses:             g.NumClasses,
				activations.ParamActivation: "relu",
			})
			UploadGraphVariables(ctx, g)

			strategy := g.NewStrategy(batchSize, []int{2, 3}, g.TrainIDs())
			_, inputs, _, err := strategy.NewDataset("forward").Yield()
			require.NoError(t, err)

			exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, nodes []*Node) []*Node {
				return ModelGraph(ctx, strategy, nodes)
			})
			args := make([]any, 0, len(inputs))
			for _, input := range inputs {
				args = append(args, input)
			}
			outputs, err := exec.Exec(args...)
			require.NoError(t, err)
			logits, mask := outputs[0], outputs[1]
			assert.Equal(t, []int{batchSize, g.NumClasses}, logits.Shape().Dimensions)
			assert.Equal(t, []int{batchSize}, mask.Shape().Dimensions)
			assert.Greater(t, ParameterBytes(ctx), uintptr(0))
		})
	}
}
