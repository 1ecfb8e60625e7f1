package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearPlan() *Plan {
	return &Plan{
		Name: "linear",
		Nodes: []NodeSpec{
			{ID: "a", Type: NodeTypeTask},
			{ID: "b", Type: NodeTypeTask, Inputs: []string{"a"}},
		},
	}
}

func TestValidate_LinearPlanOK(t *testing.T) {
	require.NoError(t, Validate(linearPlan()))
}

func TestValidate_NilPlan(t *testing.T) {
	err := Validate(nil)
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "a", Type: NodeTypeTask},
		{ID: "a", Type: NodeTypeTask},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_EmptyNodeID(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{{ID: "", Type: NodeTypeTask}}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_DanglingEdge(t *testing.T) {
	p := &Plan{
		Nodes: []NodeSpec{{ID: "a", Type: NodeTypeTask}},
		Edges: []EdgeSpec{{From: "a", To: "ghost"}},
	}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_DanglingInput(t *testing.T) {
	p := &Plan{
		Nodes: []NodeSpec{{ID: "a", Type: NodeTypeTask, Inputs: []string{"ghost"}}},
	}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_CycleViaEdges(t *testing.T) {
	p := &Plan{
		Nodes: []NodeSpec{
			{ID: "a", Type: NodeTypeTask},
			{ID: "b", Type: NodeTypeTask},
		},
		Edges: []EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_CycleViaInputs(t *testing.T) {
	p := &Plan{
		Nodes: []NodeSpec{
			{ID: "a", Type: NodeTypeTask, Inputs: []string{"b"}},
			{ID: "b", Type: NodeTypeTask, Inputs: []string{"a"}},
		},
	}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_TaskNodeWithControlFlowBlock(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "a", Type: NodeTypeTask, Conditional: &ConditionalConfig{Kind: ConditionalIf, Expression: "true"}},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_UnknownNodeType(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{{ID: "a", Type: "bogus"}}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_SubflowRejected(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{{ID: "a", Type: NodeTypeSubflow}}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_IfRequiresTrueAndFalseBranches(t *testing.T) {
	p := &Plan{
		Nodes: []NodeSpec{
			{ID: "ok", Type: NodeTypeTask},
			{ID: "c", Type: NodeTypeConditional, Conditional: &ConditionalConfig{
				Kind:       ConditionalIf,
				Expression: "inputs.x.v > 1",
				Branches:   map[string]Branch{"true": {Targets: []string{"ok"}}},
			}},
		},
	}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_IfWithBothBranchesOK(t *testing.T) {
	p := &Plan{
		Nodes: []NodeSpec{
			{ID: "ok", Type: NodeTypeTask},
			{ID: "bad", Type: NodeTypeTask},
			{ID: "c", Type: NodeTypeConditional, Conditional: &ConditionalConfig{
				Kind:       ConditionalIf,
				Expression: "inputs.x.v > 1",
				Branches: map[string]Branch{
					"true":  {Targets: []string{"ok"}},
					"false": {Targets: []string{"bad"}},
				},
			}},
		},
	}
	require.NoError(t, Validate(p))
}

func TestValidate_SwitchRequiresBranchesOrDefault(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "c", Type: NodeTypeConditional, Conditional: &ConditionalConfig{
			Kind:       ConditionalSwitch,
			Expression: "inputs.x.category",
		}},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_SwitchWithDefaultOnlyOK(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "d", Type: NodeTypeTask},
		{ID: "c", Type: NodeTypeConditional, Conditional: &ConditionalConfig{
			Kind:       ConditionalSwitch,
			Expression: "inputs.x.category",
			Default:    "d",
			Branches:   map[string]Branch{"d": {Targets: []string{"d"}}},
		}},
	}}
	require.NoError(t, Validate(p))
}

func TestValidate_ConditionalBranchTargetsUnknownNode(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "c", Type: NodeTypeConditional, Conditional: &ConditionalConfig{
			Kind:       ConditionalIf,
			Expression: "true",
			Branches: map[string]Branch{
				"true":  {Targets: []string{"ghost"}},
				"false": {Targets: []string{}},
			},
		}},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_ForEachNegativeMaxParallel(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "item", Type: NodeTypeTask},
		{ID: "loop", Type: NodeTypeForEach, ForEach: &ForEachConfig{
			Collection: "inputs.x.items", MaxParallel: -1, Body: []string{"item"},
		}},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_ForEachEmptyBody(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "loop", Type: NodeTypeForEach, ForEach: &ForEachConfig{Collection: "inputs.x.items"}},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_ForEachBodyMustBeTaskNodes(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "c", Type: NodeTypeConditional, Conditional: &ConditionalConfig{Kind: ConditionalIf, Expression: "true", Branches: map[string]Branch{"true": {}, "false": {}}}},
		{ID: "loop", Type: NodeTypeForEach, ForEach: &ForEachConfig{Collection: "inputs.x.items", Body: []string{"c"}}},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_ForEachBodyClaimedByTwoLoops(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "item", Type: NodeTypeTask},
		{ID: "loop1", Type: NodeTypeForEach, ForEach: &ForEachConfig{
			Collection: "inputs.x.items", Body: []string{"item"},
		}},
		{ID: "loop2", Type: NodeTypeForEach, ForEach: &ForEachConfig{
			Collection: "inputs.y.items", Body: []string{"item"},
		}},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_ForEachBodyCannotBeOuterEdgeTarget(t *testing.T) {
	p := &Plan{
		Nodes: []NodeSpec{
			{ID: "before", Type: NodeTypeTask},
			{ID: "item", Type: NodeTypeTask},
			{ID: "loop", Type: NodeTypeForEach, ForEach: &ForEachConfig{
				Collection: "inputs.x.items", Body: []string{"item"},
			}},
		},
		Edges: []EdgeSpec{{From: "before", To: "item"}},
	}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_ForEachBodyCannotHaveOuterInputs(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "before", Type: NodeTypeTask},
		{ID: "item", Type: NodeTypeTask, Inputs: []string{"before"}},
		{ID: "loop", Type: NodeTypeForEach, ForEach: &ForEachConfig{
			Collection: "inputs.x.items", Body: []string{"item"},
		}},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_ForEachBodyCannotUnlockOuterDependent(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "item", Type: NodeTypeTask},
		{ID: "loop", Type: NodeTypeForEach, ForEach: &ForEachConfig{
			Collection: "inputs.x.items", Body: []string{"item"},
		}},
		{ID: "after", Type: NodeTypeTask, Inputs: []string{"item"}},
	}}
	assert.ErrorIs(t, Validate(p), ErrInvalidPlan)
}

func TestValidate_ForEachOK(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "item", Type: NodeTypeTask},
		{ID: "loop", Type: NodeTypeForEach, ForEach: &ForEachConfig{
			Collection: "inputs.x.items", ItemVar: "item", MaxParallel: 2, Body: []string{"item"},
		}},
	}}
	require.NoError(t, Validate(p))
}
