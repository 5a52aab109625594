/*
Package tensorref parses the references a plan uses to wire tensors between
nodes. Two forms exist:

	x        a graph-level tensor (input, constant or variable)
	add:1    output 1 of node "add"
*/
package tensorref
