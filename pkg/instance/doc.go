/*
Package instance implements one frontend shard of the farm.

The instance admits execute requests, promotes them through the scheduling
queues and answers every read the Remote Execution surface needs:

  - Execute validates the request, pushes an ExecuteEntry onto the prequeue
    and registers the client's watcher on the operation channel.
  - The operation queuer pulls prequeued entries and transforms them: cache
    check, fetch of the Action/Command/input tree, validation, upload of the
    resolved QueuedOperation bundle and the atomic move onto the ready
    queue. A token queue caps concurrent transforms; a keep-alive heartbeat
    extends watcher deadlines while a transform runs.
  - The dispatched monitor sweeps the dispatched map and requeues operations
    whose workers stopped polling, completing from the action cache when a
    result appeared meanwhile and failing operations that exhaust their
    redelivery budget.
  - FindMissingBlobs and GetBlob fan out across the workers, repairing the
    blob location index when it disagrees with reality and culling workers
    that stopped answering.

A retry cache remembers request metadata recently answered from the action
cache and forces skip_cache_lookup on identical retries, so a client retry
loop cannot be fed the same cached failure forever.
*/
package instance
