// This file contains the logic for translating HCL schema structs into the
// format-agnostic plan model defined in the config package.

package hcl

import (
	"fmt"
	"strconv"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/vk/hybridrt/internal/config"
)

func translateModel(mb *modelBlock) (*config.Plan, error) {
	plan := &config.Plan{
		Name:         mb.Name,
		NumStages:    1,
		IterationEnd: 1,
		Outputs:      mb.Outputs,
	}
	if mb.NumStages != nil {
		plan.NumStages = *mb.NumStages
	}
	if mb.IterationEnd != nil {
		plan.IterationEnd = *mb.IterationEnd
	}
	for _, in := range mb.Inputs {
		plan.Inputs = append(plan.Inputs, translateTensor(in))
	}
	for _, c := range mb.Constants {
		plan.Constants = append(plan.Constants, config.ConstantSpec{TensorSpec: translateTensor(c), Values: c.Values})
	}
	for _, v := range mb.Variables {
		plan.Variables = append(plan.Variables, config.ConstantSpec{TensorSpec: translateTensor(v), Values: v.Values})
	}
	for _, nb := range mb.Nodes {
		spec, err := translateNode(nb)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nb.Name, err)
		}
		plan.Nodes = append(plan.Nodes, spec)
	}
	return plan, nil
}

func translateTensor(tb *tensorBlock) config.TensorSpec {
	return config.TensorSpec{Name: tb.Name, DType: tb.DType, Shape: tb.Shape, Placement: tb.Placement}
}

func translateNode(nb *nodeBlock) (config.NodeSpec, error) {
	spec := config.NodeSpec{
		Name:               nb.Name,
		OpType:             nb.OpType,
		Kind:               nb.Kind,
		Kernel:             nb.Kernel,
		Stage:              -1,
		Inputs:             nb.Inputs,
		Workspaces:         nb.Workspaces,
		HostMemInputs:      nb.HostMemInputs,
		AtomicCleanOutputs: nb.AtomicCleanOutputs,
		Overflow:           nb.Overflow,
	}
	if nb.Stage != nil {
		spec.Stage = *nb.Stage
	}
	info, err := compileInfoText(nb.CompileInfo)
	if err != nil {
		return config.NodeSpec{}, fmt.Errorf("compile_info: %w", err)
	}
	spec.CompileInfo = info
	for i, ob := range nb.Outputs {
		spec.Outputs = append(spec.Outputs, config.TensorSpec{
			Name:      nb.Name + ":" + strconv.Itoa(i),
			DType:     ob.DType,
			Shape:     ob.Shape,
			Placement: ob.Placement,
		})
	}
	return spec, nil
}

// compileInfoText renders compile_info the way op parsers receive it:
// primitives as their string form, objects and tuples as JSON.
func compileInfoText(v cty.Value) (string, error) {
	if v.IsNull() {
		return "", nil
	}
	if !v.IsWhollyKnown() {
		return "", fmt.Errorf("value is not known at load time")
	}
	if v.Type().IsPrimitiveType() {
		s, err := convert.Convert(v, cty.String)
		if err != nil {
			return "", err
		}
		return s.AsString(), nil
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
