package sampler

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Strategy is created by a [Sampler] (see [Sampler.NewStrategy]). A typical
// program creates one strategy per split: train, validation and test.
//
// After creation one defines what and how to sample by creating rules
// ([Rule]): first the seeds (see [Strategy.Nodes] and [Strategy.NodesFromSet])
// and then the sampled neighborhoods (see [Rule.FromEdges]).
//
// Once a [Dataset] is created from it, the strategy is frozen and can no
// longer be changed.
type Strategy struct {
	Sampler *Sampler

	// Rules maps rule names to all rules of this strategy, including Seeds.
	Rules map[string]*Rule

	// Seeds holds the root rules, in the order they were created.
	Seeds []*Rule

	frozen bool
}

// Rule defines one rule of a sampling [Strategy], a node in its sampling tree.
type Rule struct {
	Strategy *Strategy

	// Name of the rule, unique within the strategy.
	Name string

	// NodeTypeName of the nodes sampled by this rule.
	NodeTypeName string

	// SourceRule this rule samples from, or nil if this is a seed rule.
	SourceRule *Rule

	// Dependents are the rules that sample from this one, in creation order.
	Dependents []*Rule

	// EdgeType used to sample from, nil for seed rules.
	EdgeType *EdgeType

	// Count of samples: the batch size for seed rules, the fan-out for edge
	// rules. It defines the last dimension of the sampled tensor.
	Count int

	// NumNodes is the total number of nodes of NodeTypeName.
	NumNodes int32

	// Shape of the tensor sampled by this rule.
	Shape shapes.Shape

	// NodeSet restricts a seed rule to sample from these indices only.
	// If nil, the seed rule samples from all NumNodes indices.
	NodeSet []int32
}

// IsSeed returns whether this is a seed (root) rule.
func (r *Rule) IsSeed() bool { return r.SourceRule == nil }

// String returns an informative description of the rule.
func (r *Rule) String() string {
	if r.IsSeed() {
		var setDesc string
		if r.NodeSet != nil {
			setDesc = fmt.Sprintf(", nodeSet.size=%d", len(r.NodeSet))
		}
		return fmt.Sprintf("Rule %q: seeds, nodeType=%q, shape=%s%s", r.Name, r.NodeTypeName, r.Shape, setDesc)
	}
	return fmt.Sprintf("Rule %q: edges, nodeType=%q, shape=%s, sourceRule=%q, edgeType=%q",
		r.Name, r.NodeTypeName, r.Shape, r.SourceRule.Name, r.EdgeType.Name)
}

// Nodes creates a seed rule (named `name`) that samples nodes of the type
// given by `nodeTypeName`, from all its indices.
//
// `count` is the number of seeds sampled per batch, typically the batch size.
func (strategy *Strategy) Nodes(name, nodeTypeName string, count int) *Rule {
	return strategy.NodesFromSet(name, nodeTypeName, count, nil)
}

// NodesFromSet creates a seed rule (named `name`) that samples nodes of the
// type given by `nodeTypeName`, selecting only from the given `nodeSet` of
// valid indices. If `nodeSet` is nil, it samples from all indices.
//
// `count` is the number of seeds sampled per batch, typically the batch size.
func (strategy *Strategy) NodesFromSet(name, nodeTypeName string, count int, nodeSet []int32) *Rule {
	if strategy.frozen {
		Panicf("Strategy is frozen, that is, a dataset was already created with NewDataset() and hence it can no longer be modified")
	}
	numNodes, found := strategy.Sampler.NodeTypesToCount[nodeTypeName]
	if !found {
		Panicf("unknown node type %q for rule %q", nodeTypeName, name)
	}
	if prevRule, found := strategy.Rules[name]; found {
		Panicf("rule named %q already exists: %s", name, prevRule)
	}
	if count <= 0 {
		Panicf("rule %q count must be > 0, got %d", name, count)
	}
	r := &Rule{
		Strategy:     strategy,
		Name:         name,
		NodeTypeName: nodeTypeName,
		Count:        count,
		NumNodes:     numNodes,
		Shape:        shapes.Make(dtypes.Int32, count),
		NodeSet:      nodeSet,
	}
	strategy.Rules[name] = r
	strategy.Seeds = append(strategy.Seeds, r)
	return r
}

// FromEdges creates a rule (named `name`) that samples up to `count` targets
// of the given edge type for each node sampled by `r`.
//
// The sampled tensor has the shape of `r` plus one extra axis of dimension
// `count`. Nodes with fewer than `count` targets get the remainder padded
// (see PaddingIndex and the accompanying mask).
func (r *Rule) FromEdges(name, edgeTypeName string, count int) *Rule {
	strategy := r.Strategy
	if strategy.frozen {
		Panicf("Strategy is frozen, that is, a dataset was already created with NewDataset() and hence it can no longer be modified")
	}
	if prevRule, found := strategy.Rules[name]; found {
		Panicf("rule named %q already exists: %s", name, prevRule)
	}
	edgeType, found := strategy.Sampler.EdgeTypes[edgeTypeName]
	if !found {
		Panicf("unknown edge type %q for rule %q", edgeTypeName, name)
	}
	if edgeType.SourceNodeType != r.NodeTypeName {
		Panicf("edge type %q has source node type %q, but rule %q samples nodes of type %q",
			edgeTypeName, edgeType.SourceNodeType, r.Name, r.NodeTypeName)
	}
	if count <= 0 {
		Panicf("rule %q count must be > 0, got %d", name, count)
	}
	newShape := shapes.Make(dtypes.Int32, append(append([]int{}, r.Shape.Dimensions...), count)...)
	newRule := &Rule{
		Strategy:     strategy,
		Name:         name,
		NodeTypeName: edgeType.TargetNodeType,
		SourceRule:   r,
		EdgeType:     edgeType,
		Count:        count,
		NumNodes:     strategy.Sampler.NodeTypesToCount[edgeType.TargetNodeType],
		Shape:        newShape,
	}
	strategy.Rules[name] = newRule
	r.Dependents = append(r.Dependents, newRule)
	return newRule
}

// String returns a multi-line description of the strategy tree.
func (strategy *Strategy) String() string {
	parts := make([]string, 0, 1+len(strategy.Rules))
	var frozenDesc string
	if strategy.frozen {
		frozenDesc = ", Frozen"
	}
	parts = append(parts, fmt.Sprintf("Sampling strategy: (%d rules%s)", len(strategy.Rules), frozenDesc))
	for _, rule := range strategy.Seeds {
		parts = appendRulesRecursively(parts, rule, 0)
	}
	return strings.Join(parts, "\n")
}

func appendRulesRecursively(parts []string, rule *Rule, indent int) []string {
	parts = append(parts, fmt.Sprintf("%s> %s", strings.Repeat("  ", indent), rule))
	indent++
	for _, subRule := range rule.Dependents {
		parts = appendRulesRecursively(parts, subRule, indent)
	}
	return parts
}

// ValueMask groups a sampled value and its corresponding boolean mask:
// the mask is true where the value is valid, false where it is padding.
type ValueMask[T any] struct {
	Value, Mask T
}

// MapInputsToStates maps the flat list of sampled tensors (as yielded by a
// [Dataset] created from this strategy) back to their rule names. It works
// generically both for the concrete tensors and for the computation graph
// nodes they become.
//
// It returns the map and any trailing inputs that don't belong to the
// strategy (e.g. labels appended by the caller).
func MapInputsToStates[T any](strategy *Strategy, inputs []T) (states map[string]*ValueMask[T], remaining []T) {
	states = make(map[string]*ValueMask[T], len(strategy.Rules))
	pos := 0
	var recurse func(rule *Rule)
	recurse = func(rule *Rule) {
		if pos+2 > len(inputs) {
			Panicf("strategy with %d rules requires %d input tensors, got only %d",
				len(strategy.Rules), 2*len(strategy.Rules), len(inputs))
		}
		states[rule.Name] = &ValueMask[T]{Value: inputs[pos], Mask: inputs[pos+1]}
		pos += 2
		for _, subRule := range rule.Dependents {
			recurse(subRule)
		}
	}
	for _, seedRule := range strategy.Seeds {
		recurse(seedRule)
	}
	remaining = inputs[pos:]
	return
}
