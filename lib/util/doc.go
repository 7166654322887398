// Package util provides the small concurrency and bookkeeping structures used by the
// I/O reactor and the command line tools.
//
// The package contains:
//   - mpsc: A lock-free multi-producer single-consumer queue. Producer goroutines use it
//     to wake the reactor when they queued new operations for a node.
//   - mapheap: A keyed min-heap. The reactor keeps its reconnect schedule in it (node
//     name -> due time) so a node is never scheduled twice.
//   - statistics: Summary statistics and a distribution quality score, used to judge how
//     evenly a locator spreads keys over nodes.
//   - functions: Random seeds and the capped exponential reconnect backoff.
//
// Only the MPSC queue is safe for concurrent use. MapHeap is owned by one goroutine.
package util
