package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	longrunning "google.golang.org/genproto/googleapis/longrunning"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

// ErrStopped is returned by backplane calls after Stop
var ErrStopped = errors.New("backplane stopped")

// ExpirePayload is the pub/sub payload that tells watchers on a channel to
// re-evaluate their deadlines.
const ExpirePayload = "expire"

// Message is the envelope published on the single operation channel. Channel
// names the operation; Payload is either ExpirePayload or a protojson-encoded
// stripped Operation.
type Message struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// EncodeMessage serializes a pub/sub envelope
func EncodeMessage(channel, payload string) (string, error) {
	b, err := json.Marshal(Message{Channel: channel, Payload: payload})
	return string(b), err
}

// DecodeMessage deserializes a pub/sub envelope
func DecodeMessage(raw string) (Message, error) {
	var m Message
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}

// Subscription wires the single operation channel into the caller. OnMessage
// runs on the dedicated subscriber goroutine. OnReconnect fires after the
// subscription recovers from a connection loss, so the caller can re-resolve
// watcher state from the operations hash. OnUnsubscribe fires once when the
// subscription is over for good.
type Subscription struct {
	OnMessage     func(channel, payload string)
	OnReconnect   func()
	OnUnsubscribe func(err error)
}

// Backplane is the durable shared state of the farm: worker membership, the
// action cache, the blob location index, the operations hash, the scheduling
// queues and the operation pub/sub channel. Every shard of the frontend and
// every worker shares one backplane.
type Backplane interface {
	Start(ctx context.Context) error
	Stop()

	// Worker set. Reads are served from a bounded-stale local cache.
	AddWorker(ctx context.Context, name string) error
	RemoveWorker(ctx context.Context, name string) error
	Workers(ctx context.Context) ([]string, error)

	// Action cache: ActionKey digest -> ActionResult.
	GetActionResult(ctx context.Context, actionKey digest.Digest) (*repb.ActionResult, error)
	PutActionResult(ctx context.Context, actionKey digest.Digest, result *repb.ActionResult) error
	RemoveActionResults(ctx context.Context, actionKeys []digest.Digest) error
	ScanActionCache(ctx context.Context, cursor uint64, count int64) ([]digest.Digest, uint64, error)

	// Blob location index: digest -> set of worker names.
	BlobLocations(ctx context.Context, d digest.Digest) ([]string, error)
	AdjustBlobLocations(ctx context.Context, d digest.Digest, add, remove []string) error

	// Operations hash. Get returns (nil, nil) for unknown names. Put writes
	// the operation and publishes its stripped form atomically.
	GetOperation(ctx context.Context, name string) (*longrunning.Operation, error)
	PutOperation(ctx context.Context, op *longrunning.Operation) error
	DeleteOperation(ctx context.Context, name string) error

	// Admission control against configured queue depths.
	CanPrequeue(ctx context.Context) (bool, error)
	CanQueue(ctx context.Context) (bool, error)

	// Queue discipline. Prequeue and Queue push their entry and write+publish
	// the operation together. DeprequeueOperation and DispatchOperation block
	// briefly when empty and return (nil, nil) on timeout. DispatchOperation
	// atomically moves a queue entry into the dispatched map with
	// requeue_at = now + dispatch deadline; a name already dispatched cannot
	// be dispatched again until completed or requeued.
	Prequeue(ctx context.Context, entry *types.ExecuteEntry, op *longrunning.Operation) error
	DeprequeueOperation(ctx context.Context) (*types.ExecuteEntry, error)
	Queue(ctx context.Context, entry *types.QueueEntry, op *longrunning.Operation) error
	DispatchOperation(ctx context.Context) (*types.QueueEntry, error)

	// PollOperation renews the dispatch deadline iff the operation is still
	// dispatched, and records the given stage; the stage is not compared with
	// the one recorded before. False means the claim was lost.
	PollOperation(ctx context.Context, name string, stage repb.ExecutionStage_Value, requeueAt time.Time) (bool, error)

	// RequeueDispatchedOperation zeroes the requeue deadline so the
	// dispatched monitor promotes the entry back to the queue immediately.
	RequeueDispatchedOperation(ctx context.Context, name string) error
	DispatchedOperations(ctx context.Context) ([]*types.DispatchedOperation, error)

	// ReturnDispatchedOperation moves a dispatched entry back onto the ready
	// queue, writing+publishing the operation with it. A name that is no
	// longer dispatched is a no-op, so a requeue race cannot duplicate an
	// entry already sitting in the queue.
	ReturnDispatchedOperation(ctx context.Context, name string, entry *types.QueueEntry, op *longrunning.Operation) error

	// CompleteOperation removes the name from the dispatched map, records it
	// on the bounded completed list and writes+publishes the terminal
	// operation, all atomically.
	CompleteOperation(ctx context.Context, name string, op *longrunning.Operation) error

	QueueLengths(ctx context.Context) (prequeue, queue int64, err error)

	// Tree cache: input root digest -> directory list.
	GetTree(ctx context.Context, root digest.Digest) ([]*repb.Directory, error)
	PutTree(ctx context.Context, root digest.Digest, dirs []*repb.Directory) error

	// Pub/sub over the single operation channel.
	Subscribe(sub Subscription) error
	PublishExpiration(ctx context.Context, name string) error
}

// Config holds backplane tuning
type Config struct {
	// KeyPrefix namespaces every backplane key
	KeyPrefix string `yaml:"key_prefix"`
	// DispatchDeadline is how long a worker may hold a claim between polls
	DispatchDeadline time.Duration `yaml:"dispatch_deadline"`
	// DequeueTimeout bounds the blocking pops on empty queues
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
	// MaxPrequeueDepth and MaxQueueDepth gate admission; zero means unlimited
	MaxPrequeueDepth int64 `yaml:"max_prequeue_depth"`
	MaxQueueDepth    int64 `yaml:"max_queue_depth"`
	// CompletedLimit bounds the completed operations list
	CompletedLimit int64 `yaml:"completed_limit"`
	// WorkerSetTTL bounds the staleness of the local worker set cache
	WorkerSetTTL time.Duration `yaml:"worker_set_ttl"`
	// TreeTTL expires tree cache entries
	TreeTTL time.Duration `yaml:"tree_ttl"`
}

// Normalize fills defaults
func (c *Config) Normalize() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "kiln"
	}
	if c.DispatchDeadline <= 0 {
		c.DispatchDeadline = 30 * time.Second
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = time.Second
	}
	if c.CompletedLimit <= 0 {
		c.CompletedLimit = 1000
	}
	if c.WorkerSetTTL <= 0 {
		c.WorkerSetTTL = 3 * time.Second
	}
	if c.TreeTTL <= 0 {
		c.TreeTTL = time.Hour
	}
}

// keys derives the concrete key names from the configured prefix. The logical
// names follow the backplane contract; only the prefix is configurable.
type keys struct {
	workers          string
	prequeue         string
	queued           string
	dispatched       string
	completed        string
	operations       string
	actionCache      string
	operationChannel string
	casPrefix        string
	treePrefix       string
}

func newKeys(prefix string) keys {
	return keys{
		workers:          prefix + ":workers",
		prequeue:         prefix + ":prequeue",
		queued:           prefix + ":queued",
		dispatched:       prefix + ":dispatched",
		completed:        prefix + ":completed",
		operations:       prefix + ":operations",
		actionCache:      prefix + ":action-cache",
		operationChannel: prefix + ":operation-channel",
		casPrefix:        prefix + ":cas:",
		treePrefix:       prefix + ":tree:",
	}
}

func (k keys) cas(d digest.Digest) string  { return k.casPrefix + d.Key() }
func (k keys) tree(d digest.Digest) string { return k.treePrefix + d.Key() }
