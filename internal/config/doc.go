// Package config defines the format-agnostic configuration model of the
// runtime: the runtime options block, the execution plans, and the process
// environment the runtime honours. Concrete loaders, such as the HCL one,
// live in separate packages and translate into this model.
package config
