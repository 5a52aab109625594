package tensorref

import (
	"fmt"
	"regexp"
	"strconv"
)

// refRegex matches `name` or `name:index`.
var refRegex = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_.-]*)(?::(\d+))?$`)

// Ref is a parsed tensor reference.
type Ref struct {
	Name  string
	Index int // -1 for graph-level tensors.
}

// Graph creates a reference to a graph-level tensor.
func Graph(name string) Ref {
	return Ref{Name: name, Index: -1}
}

// Output creates a reference to output index of node.
func Output(node string, index int) Ref {
	return Ref{Name: node, Index: index}
}

// IsNodeOutput reports whether the reference names a node output.
func (r Ref) IsNodeOutput() bool {
	return r.Index != -1
}

// String serializes the reference into its canonical form.
func (r Ref) String() string {
	if r.Index == -1 {
		return r.Name
	}
	return r.Name + ":" + strconv.Itoa(r.Index)
}

// Parse reads a reference in canonical form.
func Parse(raw string) (Ref, error) {
	if raw == "" {
		return Ref{}, fmt.Errorf("tensor reference cannot be empty")
	}
	m := refRegex.FindStringSubmatch(raw)
	if m == nil {
		return Ref{}, fmt.Errorf("invalid tensor reference: %q", raw)
	}
	if m[2] == "" {
		return Graph(m[1]), nil
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		// Unreachable due to regex `\d+`
		return Ref{}, fmt.Errorf("internal error parsing index: %w", err)
	}
	return Output(m[1], idx), nil
}

// MustParse is Parse for references known to be valid.
func MustParse(raw string) Ref {
	r, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return r
}
