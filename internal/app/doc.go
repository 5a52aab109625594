// Package app contains the core application logic. It wires the configuration,
// the simulated device, the kernel registries and the executors together and
// drives requests through them, decoupled from any specific entrypoint like
// a CLI.
package app
