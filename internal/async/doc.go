// Package async is the streaming front of the runtime. Requests are queued
// in FIFO order and served by a single worker, which copies host inputs to
// the device, runs the model on the pipelined or the single-shot engine and
// hands the outcome to a Listener.
package async
