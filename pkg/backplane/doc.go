/*
Package backplane provides the durable shared state of the farm over a
key/value + pub/sub store.

Every frontend shard and every worker shares one backplane: it holds the
worker set, the action cache, the blob location index, the operations hash,
the scheduling queues and the single operation channel watchers subscribe
through.

# Architecture

	┌───────────────────── BACKPLANE ─────────────────────┐
	│                                                       │
	│  workers set          active worker names             │
	│  action-cache hash    ActionKey -> ActionResult       │
	│  cas:<digest> sets    digest -> holding workers       │
	│  operations hash      name -> Operation (protojson)   │
	│  tree:<digest>        input root -> directory list    │
	│                                                       │
	│  prequeue list ──► queued list ──► dispatched hash    │
	│       │                │                │             │
	│       │                │                ▼             │
	│       └────────────────┴────────► completed list      │
	│                                                       │
	│  operation-channel    pub/sub of stripped Operations  │
	└───────────────────────────────────────────────────────┘

# Queue discipline

An operation name lives in at most one queue state at a time. Every move is
written together with the operation state and its publish in one atomic
step, so a watcher observing a stage can trust the backplane is in the
matching state:

  - Prequeue pushes the raw ExecuteEntry.
  - Queue pushes the resolved QueueEntry after the transform.
  - DispatchOperation atomically pops the ready queue and claims the name in
    the dispatched hash with a requeue deadline (set-if-absent).
  - PollOperation renews the deadline while a worker is alive.
  - CompleteOperation retires the name onto the bounded completed list.

# Failure semantics

Every call runs under the shared retry policy (100ms..5s exponential backoff
with jitter, five attempts) for transient errors. The pub/sub subscription
resubscribes on connection loss and asks the owner to re-resolve watcher
state from the operations hash.

Two implementations exist: RedisBackplane for production and Fake, an
in-memory equivalent for tests and single-process runs.
*/
package backplane
