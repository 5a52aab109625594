// Package hcl provides the concrete HCL implementation of config.Loader. It
// parses runtime and model blocks, evaluates their expressions against an
// evaluation context exposing the process environment and a small function
// library, and translates the result into the format-agnostic config model.
package hcl
