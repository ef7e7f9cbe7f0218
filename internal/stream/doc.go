// Package stream provides the bridge between a backend producing chunks and
// an HTTP handler consuming them.
//
// A Bridge is a single-use, single-consumer pipe. The producer side calls
// Produce for each chunk and Finish exactly once with a terminal outcome;
// the consumer side calls Next in a loop until it receives the terminal.
// The channel capacity is one, so a slow consumer applies backpressure to
// the backend instead of buffering unbounded output.
package stream
