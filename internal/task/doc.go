// Package task implements the bounded-time task engine: the task record
// model and its stores, the priority limiter used inside a run, the strategy
// registry, and the Manager that starts, tracks, cancels and continues tasks.
//
// A run that nears its deadline hands the unprocessed remainder to a new
// continuation task and completes with metadata.partialCompletion set. The
// continuation is linked through continuationOf and continuedBy.
package task
