package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/hybridrt/internal/config"
	"github.com/vk/hybridrt/internal/model"
)

// AddMulPlan computes (x + c) * c on four float32 elements with
// c = [1, 2, 3, 4]. add runs in stage 0 and mul in the last stage.
func AddMulPlan(stages, iterations int) *config.Plan {
	return &config.Plan{
		Name:         "addmul",
		NumStages:    stages,
		IterationEnd: iterations,
		Inputs:       []config.TensorSpec{F32("x", 4)},
		Constants:    []config.ConstantSpec{Const("c", []int64{4}, 1, 2, 3, 4)},
		Nodes: []config.NodeSpec{
			{Name: "add", OpType: "Add", Stage: 0, Inputs: []string{"x", "c"}, Outputs: []config.TensorSpec{F32("", 4)}},
			{Name: "mul", OpType: "Mul", Stage: stages - 1, Inputs: []string{"add:0", "c"}, Outputs: []config.TensorSpec{F32("", 4)}},
		},
		Outputs: []string{"mul:0"},
	}
}

// AccumulatePlan adds the constant c to the variable v once per iteration.
func AccumulatePlan(c float64, iterations int) *config.Plan {
	return &config.Plan{
		Name:         "accumulate",
		NumStages:    1,
		IterationEnd: iterations,
		Constants:    []config.ConstantSpec{Const("c", []int64{4}, c, c, c, c)},
		Variables:    []config.ConstantSpec{{TensorSpec: F32("v", 4)}},
		Nodes: []config.NodeSpec{
			{Name: "assign", OpType: "AssignAdd", Stage: 0, Inputs: []string{"v", "c"}, Outputs: []config.TensorSpec{F32("", 4)}},
		},
		Outputs: []string{"assign:0"},
	}
}

// ScalePlan multiplies x by the host scalar f through an AI-CPU kernel
// that reads f inline from its argument buffer.
func ScalePlan() *config.Plan {
	factor := F32("f", 1)
	factor.Placement = "host"
	return &config.Plan{
		Name:         "scale",
		NumStages:    1,
		IterationEnd: 1,
		Inputs:       []config.TensorSpec{F32("x", 4), factor},
		Nodes: []config.NodeSpec{
			{
				Name: "scale", OpType: "Scale", Kind: "aicpu", Stage: 0,
				Inputs:        []string{"x", "f"},
				HostMemInputs: []int{1},
				Outputs:       []config.TensorSpec{F32("", 4)},
			},
		},
		Outputs: []string{"scale:0"},
	}
}

// BuildGraph builds plan and fails the test on error.
func BuildGraph(t *testing.T, plan *config.Plan) *model.Graph {
	t.Helper()
	g, err := model.Build(plan)
	require.NoError(t, err)
	return g
}
