/*
Package pipeline implements the worker's execution pipeline.

	match ──► input fetch ──► execute ──► report
	 (1)         (cfg)          (cfg)      (cfg)

Each stage owns a bounded pool. A downstream stage must grant a claim before
an upstream stage emits into it, which yields explicit backpressure without
unbounded queues: the match stage only takes a queue entry from the
backplane when input-fetch capacity is already reserved for it.

The in-flight unit is an OperationContext carrying the queue entry, the
decoded action and command, the staged exec directory, execution metadata
and the liveness poller. The poller starts the moment an operation is
claimed and renews the dispatched deadline for every stage; losing the claim
cancels the operation's context so in-flight work stops.

Failures route to the error stage: validation failures terminate the
operation with a status, transient failures hand the claim back so the
dispatched monitor requeues it faster than the normal timeout. Either way
the exec directory is destroyed and the poller paused.
*/
package pipeline
