package igbh

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/igbh/sampler"
	"github.com/pkg/errors"
)

// Variant selects the relational graph convolution used by the model.
type Variant int

const (
	// RGCN applies a per-edge-type dense kernel to the mean of the sampled
	// neighbor states, summed with a self kernel.
	RGCN Variant = iota
	// RSAGE applies, per edge type, a self kernel plus a neighbor kernel on
	// the mean-pooled neighbor states (GraphSAGE style).
	RSAGE
	// RGAT pools neighbor states per edge type with multi-head attention,
	// heads concatenated.
	RGAT
)

// ParseVariant parses "rgcn", "rsage" or "rgat".
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "rgcn":
		return RGCN, nil
	case "rsage":
		return RSAGE, nil
	case "rgat":
		return RGAT, nil
	}
	return 0, errors.Errorf("unknown model type %q, valid values are rgcn, rsage and rgat", s)
}

func (v Variant) String() string {
	switch v {
	case RGCN:
		return "rgcn"
	case RSAGE:
		return "rsage"
	case RGAT:
		return "rgat"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// Context hyperparameters read by ModelGraph. They are set from the Config
// before any graph is built.
const (
	ParamModelType      = "model"
	ParamHiddenChannels = "hidden_channels"
	ParamNumLayers      = "num_layers"
	ParamNumHeads       = "num_heads"
	ParamNumClasses     = "num_classes"
)

// GraphVariablesScope is the absolute context scope holding the frozen graph
// data (node features per type).
const GraphVariablesScope = "/graph"

// UploadGraphVariables stores the node features of every node type as frozen
// (non-trainable) context variables, gathered inside the model graph by the
// sampled node indices.
func UploadGraphVariables(ctx *context.Context, g *HeteroGraph) {
	ctxGraph := ctx.In("graph").Checked(false)
	featureDim := g.FeatureDim()
	for nodeType, features := range g.Features {
		if features.Shape().Dimensions[1] != featureDim {
			Panicf("node type %q has features of dimension %d, every type must use dimension %d",
				nodeType, features.Shape().Dimensions[1], featureDim)
		}
		v := ctxGraph.VariableWithValue("features_"+nodeType, features)
		v.SetTrainable(false)
	}
}

// getFeaturesVar retrieves the frozen features of a node type.
func getFeaturesVar(ctx *context.Context, g *Graph, nodeType string) *Node {
	v := ctx.InspectVariable(GraphVariablesScope, "features_"+nodeType)
	if v == nil {
		Panicf("missing frozen features for node type %q, call UploadGraphVariables() on the context first", nodeType)
	}
	return v.ValueGraph(g)
}

// ModelGraph builds the relational GNN over a sampled subgraph: feature
// gathering, [ParamNumLayers] rounds of graph convolution from the leaves of
// the sampling tree towards the seeds, and a dense readout.
//
// `spec` is the *sampler.Strategy of the dataset that produced `inputs`.
// It returns the logits shaped (Float32)[batchSize, numClasses] and the seed
// mask shaped (Bool)[batchSize].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	strategy := spec.(*sampler.Strategy)

	variant, err := ParseVariant(context.GetParamOr(ctx, ParamModelType, "rgat"))
	if err != nil {
		panic(err)
	}
	hidden := context.GetParamOr(ctx, ParamHiddenChannels, 128)
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 2)
	numHeads := context.GetParamOr(ctx, ParamNumHeads, 4)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 19)

	// Kernels are deliberately shared across tree positions (per edge type
	// and per node type), so scope re-use checking is disabled.
	ctxModel := ctx.In("model").Checked(false)

	states := featurePreprocessing(ctx, strategy, inputs)
	for layer := range numLayers {
		states = graphUpdate(ctxModel.In(fmt.Sprintf("layer_%d", layer)), strategy, states, variant, hidden, numHeads)
	}

	readout := states[strategy.Seeds[0].Name]
	logits := layers.DenseWithBias(ctxModel.In("logits"), readout.Value, numClasses)
	return []*Node{logits, readout.Mask}
}

// featurePreprocessing maps the sampled node indices to their initial states
// by gathering rows of the frozen feature tables. Padded positions gather
// row 0; they stay masked out throughout.
func featurePreprocessing(ctx *context.Context, strategy *sampler.Strategy, inputs []*Node) map[string]*sampler.ValueMask[*Node] {
	states, _ := sampler.MapInputsToStates(strategy, inputs)
	for _, rule := range orderedRules(strategy) {
		state := states[rule.Name]
		features := getFeaturesVar(ctx, state.Value.Graph(), rule.NodeTypeName)
		state.Value = Gather(features, InsertAxes(state.Value, -1))
	}
	return states
}

// orderedRules returns the strategy rules in deterministic pre-order: the
// traversal (not the map) fixes the variable creation order, which must be
// identical on every worker for gradients to line up.
func orderedRules(strategy *sampler.Strategy) []*sampler.Rule {
	rules := make([]*sampler.Rule, 0, len(strategy.Rules))
	var recurse func(rule *sampler.Rule)
	recurse = func(rule *sampler.Rule) {
		rules = append(rules, rule)
		for _, dep := range rule.Dependents {
			recurse(dep)
		}
	}
	for _, seed := range strategy.Seeds {
		recurse(seed)
	}
	return rules
}

// graphUpdate computes one round of graph convolution: every rule's state is
// updated simultaneously from the previous states of its dependents.
// Kernels are shared per edge type (neighbor kernels) and per node type
// (self kernels) across the sampling tree.
func graphUpdate(ctx *context.Context, strategy *sampler.Strategy, states map[string]*sampler.ValueMask[*Node],
	variant Variant, hidden, numHeads int) map[string]*sampler.ValueMask[*Node] {
	updated := make(map[string]*sampler.ValueMask[*Node], len(states))
	for _, rule := range orderedRules(strategy) {
		self := states[rule.Name]
		var value *Node
		switch variant {
		case RGCN:
			value = convolveGCN(ctx, rule, self, states, hidden)
		case RSAGE:
			value = convolveSAGE(ctx, rule, self, states, hidden)
		case RGAT:
			value = convolveGAT(ctx, rule, self, states, hidden, numHeads)
		}
		value = activations.ApplyFromContext(ctx, value)
		value = layers.DropoutFromContext(ctx, value)
		updated[rule.Name] = &sampler.ValueMask[*Node]{Value: value, Mask: self.Mask}
	}
	return updated
}

// poolNeighbors mean-pools the dependent's states over the sampled-neighbor
// axis, ignoring padded positions.
func poolNeighbors(dep *sampler.ValueMask[*Node]) *Node {
	mask := BroadcastToDims(InsertAxes(dep.Mask, -1), dep.Value.Shape().Dimensions...)
	return MaskedReduceMean(dep.Value, mask, -2)
}

func convolveGCN(ctx *context.Context, rule *sampler.Rule, self *sampler.ValueMask[*Node],
	states map[string]*sampler.ValueMask[*Node], hidden int) *Node {
	out := layers.DenseWithBias(ctx.In("self").In(rule.NodeTypeName), self.Value, hidden)
	for _, dep := range rule.Dependents {
		pooled := poolNeighbors(states[dep.Name])
		out = Add(out, layers.DenseWithBias(ctx.In("conv").In(dep.EdgeType.Name), pooled, hidden))
	}
	return out
}

func convolveSAGE(ctx *context.Context, rule *sampler.Rule, self *sampler.ValueMask[*Node],
	states map[string]*sampler.ValueMask[*Node], hidden int) *Node {
	out := layers.DenseWithBias(ctx.In("self").In(rule.NodeTypeName), self.Value, hidden)
	for _, dep := range rule.Dependents {
		ctxEdge := ctx.In("conv").In(dep.EdgeType.Name)
		out = Add(out, layers.DenseWithBias(ctxEdge.In("self"), self.Value, hidden))
		out = Add(out, layers.DenseWithBias(ctxEdge.In("neighbors"), poolNeighbors(states[dep.Name]), hidden))
	}
	return out
}

// convolveGAT pools each dependent with multi-head attention: per-head
// scores from learned attention vectors on the projected self and neighbor
// states, LeakyRelu, softmax over the sampled-neighbor axis with padded
// positions masked out, heads concatenated back to the hidden dimension.
func convolveGAT(ctx *context.Context, rule *sampler.Rule, self *sampler.ValueMask[*Node],
	states map[string]*sampler.ValueMask[*Node], hidden, numHeads int) *Node {
	g := self.Value.Graph()
	perHead := hidden / numHeads
	selfProj := layers.DenseWithBias(ctx.In("self").In(rule.NodeTypeName), self.Value, hidden)
	out := selfProj
	if len(rule.Dependents) == 0 {
		return out
	}

	selfDims := selfProj.Shape().Dimensions
	headDims := append(append([]int{}, selfDims[:len(selfDims)-1]...), numHeads, perHead)
	selfHeads := Reshape(selfProj, headDims...)

	for _, dep := range rule.Dependents {
		ctxEdge := ctx.In("conv").In(dep.EdgeType.Name)
		neighbors := states[dep.Name]

		proj := layers.DenseWithBias(ctxEdge.In("value"), neighbors.Value, hidden)
		projDims := proj.Shape().Dimensions
		neighborHeads := Reshape(proj, append(append([]int{}, projDims[:len(projDims)-1]...), numHeads, perHead)...)

		attnSelf := ctxEdge.VariableWithShape("attn_self", shapes.Make(dtypes.Float32, numHeads, perHead)).ValueGraph(g)
		attnNeighbors := ctxEdge.VariableWithShape("attn_neighbors", shapes.Make(dtypes.Float32, numHeads, perHead)).ValueGraph(g)

		// Per-head scores: [dims..., numHeads] for self, [dims..., k, numHeads]
		// for the sampled neighbors.
		scoreSelf := ReduceSum(Mul(selfHeads, expandLeftToRank(attnSelf, selfHeads.Rank())), -1)
		scoreNeighbors := ReduceSum(Mul(neighborHeads, expandLeftToRank(attnNeighbors, neighborHeads.Rank())), -1)
		scores := activations.LeakyReluWithAlpha(Add(InsertAxes(scoreSelf, -2), scoreNeighbors), 0.2)

		mask := BroadcastToDims(InsertAxes(neighbors.Mask, -1), scores.Shape().Dimensions...)
		alpha := nn.MaskedSoftmax(scores, mask, -2)

		// Attention-weighted sum over the neighbor axis, heads concatenated.
		weighted := ReduceSum(Mul(InsertAxes(alpha, -1), neighborHeads), -3)
		message := Reshape(weighted, selfDims...)
		out = Add(out, message)
	}
	return out
}

// expandLeftToRank inserts leading axes of dimension 1 until x has the given
// rank, so it broadcasts against higher-rank operands.
func expandLeftToRank(x *Node, rank int) *Node {
	for x.Rank() < rank {
		x = InsertAxes(x, 0)
	}
	return x
}

// ParameterBytes sums the sizes of the trainable variables of the context,
// after the model graphs were built at least once.
func ParameterBytes(ctx *context.Context) uintptr {
	var total uintptr
	for v := range ctx.IterVariables() {
		if v.Trainable {
			total += v.Shape().Memory()
		}
	}
	return total
}
