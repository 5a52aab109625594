// Package notify publishes runtime events to socket.io clients. A Publisher
// is both the completion listener of an async executor and a profiling
// subscriber.
package notify
