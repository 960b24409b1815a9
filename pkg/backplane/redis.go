package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/retry"
	"github.com/cuemby/kiln/pkg/types"
)

// RedisBackplane implements Backplane over a shared Redis deployment. Queue
// moves that must be atomic with an operation write run inside MULTI/EXEC
// pipelines; claims use set-if-absent hash writes.
type RedisBackplane struct {
	client *redis.Client
	cfg    Config
	keys   keys
	logger zerolog.Logger

	workersMu      sync.Mutex
	workersCache   []string
	workersFetched time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedisBackplane connects to the Redis deployment named by url
// (redis://host:port/db form).
func NewRedisBackplane(url string, cfg Config) (*RedisBackplane, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	cfg.Normalize()
	return &RedisBackplane{
		client: redis.NewClient(opts),
		cfg:    cfg,
		keys:   newKeys(cfg.KeyPrefix),
		logger: log.Component("backplane"),
		stopCh: make(chan struct{}),
	}, nil
}

// Start verifies connectivity
func (b *RedisBackplane) Start(ctx context.Context) error {
	if err := b.do(ctx, func() error {
		return b.client.Ping(ctx).Err()
	}); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	b.logger.Info().Str("prefix", b.cfg.KeyPrefix).Msg("Backplane started")
	return nil
}

// Stop terminates subscriptions and closes the connection pool
func (b *RedisBackplane) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
		if err := b.client.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Failed to close redis client")
		}
	})
}

// do applies the shared retry policy to one backplane call
func (b *RedisBackplane) do(ctx context.Context, f func() error) error {
	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}
	return retry.Backplane.Do(ctx, f)
}

// --- Worker set ---

func (b *RedisBackplane) AddWorker(ctx context.Context, name string) error {
	return b.do(ctx, func() error {
		return b.client.SAdd(ctx, b.keys.workers, name).Err()
	})
}

func (b *RedisBackplane) RemoveWorker(ctx context.Context, name string) error {
	err := b.do(ctx, func() error {
		return b.client.SRem(ctx, b.keys.workers, name).Err()
	})
	if err != nil {
		return err
	}
	b.workersMu.Lock()
	b.workersFetched = time.Time{}
	b.workersMu.Unlock()
	return nil
}

// Workers returns the active worker set, served from a local cache bounded by
// WorkerSetTTL to absorb the read rate of the schedulers.
func (b *RedisBackplane) Workers(ctx context.Context) ([]string, error) {
	b.workersMu.Lock()
	if time.Since(b.workersFetched) < b.cfg.WorkerSetTTL {
		cached := append([]string(nil), b.workersCache...)
		b.workersMu.Unlock()
		return cached, nil
	}
	b.workersMu.Unlock()

	var workers []string
	err := b.do(ctx, func() error {
		var err error
		workers, err = b.client.SMembers(ctx, b.keys.workers).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	b.workersMu.Lock()
	b.workersCache = workers
	b.workersFetched = time.Now()
	b.workersMu.Unlock()
	return append([]string(nil), workers...), nil
}

// --- Action cache ---

func (b *RedisBackplane) GetActionResult(ctx context.Context, actionKey digest.Digest) (*repb.ActionResult, error) {
	var raw string
	err := b.do(ctx, func() error {
		var err error
		raw, err = b.client.HGet(ctx, b.keys.actionCache, actionKey.Key()).Result()
		if err == redis.Nil {
			raw = ""
			return nil
		}
		return err
	})
	if err != nil || raw == "" {
		return nil, err
	}
	result := &repb.ActionResult{}
	if err := proto.Unmarshal([]byte(raw), result); err != nil {
		return nil, fmt.Errorf("failed to decode action result for %s: %w", actionKey, err)
	}
	return result, nil
}

func (b *RedisBackplane) PutActionResult(ctx context.Context, actionKey digest.Digest, result *repb.ActionResult) error {
	raw, err := proto.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode action result: %w", err)
	}
	return b.do(ctx, func() error {
		return b.client.HSet(ctx, b.keys.actionCache, actionKey.Key(), raw).Err()
	})
}

func (b *RedisBackplane) RemoveActionResults(ctx context.Context, actionKeys []digest.Digest) error {
	if len(actionKeys) == 0 {
		return nil
	}
	fields := make([]string, len(actionKeys))
	for i, k := range actionKeys {
		fields[i] = k.Key()
	}
	return b.do(ctx, func() error {
		return b.client.HDel(ctx, b.keys.actionCache, fields...).Err()
	})
}

func (b *RedisBackplane) ScanActionCache(ctx context.Context, cursor uint64, count int64) ([]digest.Digest, uint64, error) {
	var fields []string
	var next uint64
	err := b.do(ctx, func() error {
		var err error
		fields, next, err = b.client.HScan(ctx, b.keys.actionCache, cursor, "*", count).Result()
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	// HSCAN interleaves fields and values
	keys := make([]digest.Digest, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		d, err := digest.ParseKey(fields[i])
		if err != nil {
			b.logger.Warn().Str("field", fields[i]).Msg("Skipping malformed action cache key")
			continue
		}
		keys = append(keys, d)
	}
	return keys, next, nil
}

// --- Blob location index ---

func (b *RedisBackplane) BlobLocations(ctx context.Context, d digest.Digest) ([]string, error) {
	var members []string
	err := b.do(ctx, func() error {
		var err error
		members, err = b.client.SMembers(ctx, b.keys.cas(d)).Result()
		return err
	})
	return members, err
}

func (b *RedisBackplane) AdjustBlobLocations(ctx context.Context, d digest.Digest, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	return b.do(ctx, func() error {
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			key := b.keys.cas(d)
			if len(add) > 0 {
				pipe.SAdd(ctx, key, toAnySlice(add)...)
			}
			if len(remove) > 0 {
				pipe.SRem(ctx, key, toAnySlice(remove)...)
			}
			return nil
		})
		return err
	})
}

func toAnySlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// --- Operations hash ---

func marshalOperation(op *longrunning.Operation) (string, error) {
	raw, err := protojson.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("failed to encode operation: %w", err)
	}
	return string(raw), nil
}

func unmarshalOperation(raw string) (*longrunning.Operation, error) {
	op := &longrunning.Operation{}
	if err := protojson.Unmarshal([]byte(raw), op); err != nil {
		return nil, fmt.Errorf("failed to decode operation: %w", err)
	}
	return op, nil
}

func (b *RedisBackplane) GetOperation(ctx context.Context, name string) (*longrunning.Operation, error) {
	var raw string
	err := b.do(ctx, func() error {
		var err error
		raw, err = b.client.HGet(ctx, b.keys.operations, name).Result()
		if err == redis.Nil {
			raw = ""
			return nil
		}
		return err
	})
	if err != nil || raw == "" {
		return nil, err
	}
	return unmarshalOperation(raw)
}

// publishArgs prepares the hash write and channel publish for an operation.
// The published form is stripped of its response payload.
func (b *RedisBackplane) publishArgs(op *longrunning.Operation) (opRaw string, msgRaw string, err error) {
	opRaw, err = marshalOperation(op)
	if err != nil {
		return "", "", err
	}
	strippedRaw, err := marshalOperation(types.StripOperation(op))
	if err != nil {
		return "", "", err
	}
	msgRaw, err = EncodeMessage(op.Name, strippedRaw)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode operation message: %w", err)
	}
	return opRaw, msgRaw, nil
}

func (b *RedisBackplane) PutOperation(ctx context.Context, op *longrunning.Operation) error {
	opRaw, msgRaw, err := b.publishArgs(op)
	if err != nil {
		return err
	}
	return b.do(ctx, func() error {
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, b.keys.operations, op.Name, opRaw)
			pipe.Publish(ctx, b.keys.operationChannel, msgRaw)
			return nil
		})
		return err
	})
}

func (b *RedisBackplane) DeleteOperation(ctx context.Context, name string) error {
	return b.do(ctx, func() error {
		return b.client.HDel(ctx, b.keys.operations, name).Err()
	})
}

// --- Admission control ---

func (b *RedisBackplane) CanPrequeue(ctx context.Context) (bool, error) {
	if b.cfg.MaxPrequeueDepth <= 0 {
		return true, nil
	}
	n, err := b.listLen(ctx, b.keys.prequeue)
	return n < b.cfg.MaxPrequeueDepth, err
}

func (b *RedisBackplane) CanQueue(ctx context.Context) (bool, error) {
	if b.cfg.MaxQueueDepth <= 0 {
		return true, nil
	}
	n, err := b.listLen(ctx, b.keys.queued)
	return n < b.cfg.MaxQueueDepth, err
}

func (b *RedisBackplane) listLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := b.do(ctx, func() error {
		var err error
		n, err = b.client.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

func (b *RedisBackplane) QueueLengths(ctx context.Context) (int64, int64, error) {
	prequeue, err := b.listLen(ctx, b.keys.prequeue)
	if err != nil {
		return 0, 0, err
	}
	queued, err := b.listLen(ctx, b.keys.queued)
	return prequeue, queued, err
}

// --- Queue discipline ---

func (b *RedisBackplane) Prequeue(ctx context.Context, entry *types.ExecuteEntry, op *longrunning.Operation) error {
	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode execute entry: %w", err)
	}
	opRaw, msgRaw, err := b.publishArgs(op)
	if err != nil {
		return err
	}
	return b.do(ctx, func() error {
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, b.keys.prequeue, entryRaw)
			pipe.HSet(ctx, b.keys.operations, op.Name, opRaw)
			pipe.Publish(ctx, b.keys.operationChannel, msgRaw)
			return nil
		})
		return err
	})
}

func (b *RedisBackplane) DeprequeueOperation(ctx context.Context) (*types.ExecuteEntry, error) {
	var raw string
	err := b.do(ctx, func() error {
		res, err := b.client.BRPop(ctx, b.cfg.DequeueTimeout, b.keys.prequeue).Result()
		if err == redis.Nil {
			raw = ""
			return nil
		}
		if err != nil {
			return err
		}
		raw = res[1]
		return nil
	})
	if err != nil || raw == "" {
		return nil, err
	}
	entry := &types.ExecuteEntry{}
	if err := json.Unmarshal([]byte(raw), entry); err != nil {
		return nil, fmt.Errorf("failed to decode execute entry: %w", err)
	}
	return entry, nil
}

func (b *RedisBackplane) Queue(ctx context.Context, entry *types.QueueEntry, op *longrunning.Operation) error {
	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode queue entry: %w", err)
	}
	opRaw, msgRaw, err := b.publishArgs(op)
	if err != nil {
		return err
	}
	return b.do(ctx, func() error {
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, b.keys.queued, entryRaw)
			pipe.HSet(ctx, b.keys.operations, op.Name, opRaw)
			pipe.Publish(ctx, b.keys.operationChannel, msgRaw)
			return nil
		})
		return err
	})
}

// DispatchOperation pops the ready queue and claims the entry in the
// dispatched map. The blocking pop hands each entry to exactly one caller;
// the set-if-absent insert guards against a name that is still dispatched,
// in which case the duplicate entry is dropped.
func (b *RedisBackplane) DispatchOperation(ctx context.Context) (*types.QueueEntry, error) {
	var raw string
	err := b.do(ctx, func() error {
		res, err := b.client.BRPop(ctx, b.cfg.DequeueTimeout, b.keys.queued).Result()
		if err == redis.Nil {
			raw = ""
			return nil
		}
		if err != nil {
			return err
		}
		raw = res[1]
		return nil
	})
	if err != nil || raw == "" {
		return nil, err
	}
	entry := &types.QueueEntry{}
	if err := json.Unmarshal([]byte(raw), entry); err != nil {
		return nil, fmt.Errorf("failed to decode queue entry: %w", err)
	}
	entry.Attempt++
	name := entry.ExecuteEntry.OperationName
	dispatched := &types.DispatchedOperation{
		Name:       name,
		RequeueAt:  time.Now().Add(b.cfg.DispatchDeadline),
		QueueEntry: *entry,
		Attempt:    entry.Attempt,
	}
	dispatchedRaw, err := json.Marshal(dispatched)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatched operation: %w", err)
	}
	var claimed bool
	err = b.do(ctx, func() error {
		var err error
		claimed, err = b.client.HSetNX(ctx, b.keys.dispatched, name, dispatchedRaw).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		b.logger.Warn().Str("operation_name", name).Msg("Dropping duplicate queue entry for dispatched operation")
		return nil, nil
	}
	return entry, nil
}

// pollScript rewrites a dispatched entry's deadline and stage in place, so
// concurrent polls from many workers never conflict.
var pollScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 0 end
local entry = cjson.decode(raw)
entry['requeue_at'] = ARGV[2]
entry['stage'] = tonumber(ARGV[3])
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(entry))
return 1
`)

// PollOperation renews the requeue deadline iff the operation is still
// dispatched. The stage is recorded for observability; a claim that has
// been completed or returned reports false.
func (b *RedisBackplane) PollOperation(ctx context.Context, name string, stage repb.ExecutionStage_Value, requeueAt time.Time) (bool, error) {
	var renewed bool
	err := b.do(ctx, func() error {
		n, err := pollScript.Run(ctx, b.client, []string{b.keys.dispatched},
			name, requeueAt.Format(time.RFC3339Nano), int64(stage)).Int()
		if err != nil {
			return err
		}
		renewed = n == 1
		return nil
	})
	return renewed, err
}

func (b *RedisBackplane) RequeueDispatchedOperation(ctx context.Context, name string) error {
	return b.do(ctx, func() error {
		_, err := pollScript.Run(ctx, b.client, []string{b.keys.dispatched},
			name, time.Time{}.Format(time.RFC3339Nano), 0).Int()
		return err
	})
}

func (b *RedisBackplane) DispatchedOperations(ctx context.Context) ([]*types.DispatchedOperation, error) {
	var all map[string]string
	err := b.do(ctx, func() error {
		var err error
		all, err = b.client.HGetAll(ctx, b.keys.dispatched).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	entries := make([]*types.DispatchedOperation, 0, len(all))
	for name, raw := range all {
		entry := &types.DispatchedOperation{}
		if err := json.Unmarshal([]byte(raw), entry); err != nil {
			b.logger.Warn().Str("operation_name", name).Err(err).Msg("Skipping malformed dispatched entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// returnScript moves a dispatched entry back onto the ready queue. The HDEL
// guard makes a lost race (completed or requeued elsewhere) a no-op, so a
// requeue can never duplicate an entry already sitting in the queue.
var returnScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('LPUSH', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('PUBLISH', KEYS[4], ARGV[4])
return 1
`)

func (b *RedisBackplane) ReturnDispatchedOperation(ctx context.Context, name string, entry *types.QueueEntry, op *longrunning.Operation) error {
	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode queue entry: %w", err)
	}
	opRaw, msgRaw, err := b.publishArgs(op)
	if err != nil {
		return err
	}
	return b.do(ctx, func() error {
		return returnScript.Run(ctx, b.client,
			[]string{b.keys.dispatched, b.keys.queued, b.keys.operations, b.keys.operationChannel},
			name, entryRaw, opRaw, msgRaw).Err()
	})
}

func (b *RedisBackplane) CompleteOperation(ctx context.Context, name string, op *longrunning.Operation) error {
	opRaw, msgRaw, err := b.publishArgs(op)
	if err != nil {
		return err
	}
	return b.do(ctx, func() error {
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, b.keys.dispatched, name)
			pipe.LPush(ctx, b.keys.completed, name)
			pipe.LTrim(ctx, b.keys.completed, 0, b.cfg.CompletedLimit-1)
			pipe.HSet(ctx, b.keys.operations, name, opRaw)
			pipe.Publish(ctx, b.keys.operationChannel, msgRaw)
			return nil
		})
		return err
	})
}

// --- Tree cache ---

// treeEnvelope carries the directory list as proto wire bytes
type treeEnvelope struct {
	Directories [][]byte `json:"directories"`
}

func (b *RedisBackplane) GetTree(ctx context.Context, root digest.Digest) ([]*repb.Directory, error) {
	var raw string
	err := b.do(ctx, func() error {
		var err error
		raw, err = b.client.Get(ctx, b.keys.tree(root)).Result()
		if err == redis.Nil {
			raw = ""
			return nil
		}
		return err
	})
	if err != nil || raw == "" {
		return nil, err
	}
	env := &treeEnvelope{}
	if err := json.Unmarshal([]byte(raw), env); err != nil {
		return nil, fmt.Errorf("failed to decode tree for %s: %w", root, err)
	}
	dirs := make([]*repb.Directory, 0, len(env.Directories))
	for _, db := range env.Directories {
		d := &repb.Directory{}
		if err := proto.Unmarshal(db, d); err != nil {
			return nil, fmt.Errorf("failed to decode tree directory for %s: %w", root, err)
		}
		dirs = append(dirs, d)
	}
	return dirs, nil
}

func (b *RedisBackplane) PutTree(ctx context.Context, root digest.Digest, dirs []*repb.Directory) error {
	env := &treeEnvelope{Directories: make([][]byte, 0, len(dirs))}
	for _, d := range dirs {
		db, err := proto.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to encode tree directory: %w", err)
		}
		env.Directories = append(env.Directories, db)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode tree: %w", err)
	}
	return b.do(ctx, func() error {
		return b.client.Set(ctx, b.keys.tree(root), raw, b.cfg.TreeTTL).Err()
	})
}

// --- Pub/sub ---

// Subscribe consumes the operation channel on a dedicated goroutine. A broken
// connection is resubscribed with backoff; OnReconnect fires after each
// recovery so the caller can re-resolve watcher state from the operations
// hash. OnUnsubscribe fires once the subscription terminates for good.
func (b *RedisBackplane) Subscribe(sub Subscription) error {
	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		var terminal error
		defer func() {
			if sub.OnUnsubscribe != nil {
				sub.OnUnsubscribe(terminal)
			}
		}()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-b.stopCh
			cancel()
		}()
		first := true
		backoff := retry.Backplane.InitialBackoff
		for {
			select {
			case <-b.stopCh:
				return
			default:
			}
			ps := b.client.Subscribe(ctx, b.keys.operationChannel)
			if _, err := ps.Receive(ctx); err != nil {
				_ = ps.Close()
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn().Err(err).Msg("Operation channel subscribe failed, retrying")
				select {
				case <-time.After(backoff):
				case <-b.stopCh:
					return
				}
				if backoff *= 2; backoff > retry.Backplane.MaxBackoff {
					backoff = retry.Backplane.MaxBackoff
				}
				continue
			}
			backoff = retry.Backplane.InitialBackoff
			if !first && sub.OnReconnect != nil {
				sub.OnReconnect()
			}
			first = false
			b.consume(ctx, ps, sub)
			_ = ps.Close()
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Msg("Operation channel connection lost, resubscribing")
		}
	}()
	return nil
}

func (b *RedisBackplane) consume(ctx context.Context, ps *redis.PubSub, sub Subscription) {
	ch := ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m, err := DecodeMessage(msg.Payload)
			if err != nil {
				b.logger.Warn().Err(err).Msg("Dropping malformed operation message")
				continue
			}
			if sub.OnMessage != nil {
				sub.OnMessage(m.Channel, m.Payload)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBackplane) PublishExpiration(ctx context.Context, name string) error {
	msgRaw, err := EncodeMessage(name, ExpirePayload)
	if err != nil {
		return err
	}
	return b.do(ctx, func() error {
		return b.client.Publish(ctx, b.keys.operationChannel, msgRaw).Err()
	})
}
