// Package agent wraps a generation client with an identity: a unique name, a
// description used both as a prompt fragment and as a routing signal, ordered
// instructions and optional tools. Every call is bounded by a timeout and a
// retry policy so that a single slow or flaky provider cannot stall a run.
package agent
