package backplane

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/protobuf/proto"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

// Fake is an in-memory Backplane used by tests and by single-process
// deployments that do not need shared state. All queue and publish semantics
// match the Redis implementation, including set-if-absent dispatch.
type Fake struct {
	mu            sync.Mutex
	cond          *sync.Cond
	workers       []string
	actionCache   map[string][]byte
	blobLocations map[string]map[string]struct{}
	operations    map[string]*longrunning.Operation
	prequeue      []*types.ExecuteEntry
	queued        []*types.QueueEntry
	dispatched    map[string]*types.DispatchedOperation
	completed     []string
	trees         map[string][]*repb.Directory
	subs          []Subscription
	cfg           Config
	stopped       bool
}

// NewFake creates an empty in-memory backplane
func NewFake(cfg Config) *Fake {
	cfg.Normalize()
	f := &Fake{
		actionCache:   make(map[string][]byte),
		blobLocations: make(map[string]map[string]struct{}),
		operations:    make(map[string]*longrunning.Operation),
		dispatched:    make(map[string]*types.DispatchedOperation),
		trees:         make(map[string][]*repb.Directory),
		cfg:           cfg,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Start(ctx context.Context) error { return nil }

func (f *Fake) Stop() {
	f.mu.Lock()
	stopped := f.stopped
	f.stopped = true
	subs := f.subs
	f.subs = nil
	f.cond.Broadcast()
	f.mu.Unlock()
	if stopped {
		return
	}
	for _, sub := range subs {
		if sub.OnUnsubscribe != nil {
			sub.OnUnsubscribe(nil)
		}
	}
}

func (f *Fake) AddWorker(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.workers {
		if w == name {
			return nil
		}
	}
	f.workers = append(f.workers, name)
	return nil
}

func (f *Fake) RemoveWorker(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.workers {
		if w == name {
			f.workers = append(f.workers[:i], f.workers[i+1:]...)
			break
		}
	}
	return nil
}

func (f *Fake) Workers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.workers...), nil
}

func (f *Fake) GetActionResult(ctx context.Context, actionKey digest.Digest) (*repb.ActionResult, error) {
	f.mu.Lock()
	raw, ok := f.actionCache[actionKey.Key()]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	result := &repb.ActionResult{}
	if err := proto.Unmarshal(raw, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (f *Fake) PutActionResult(ctx context.Context, actionKey digest.Digest, result *repb.ActionResult) error {
	raw, err := proto.Marshal(result)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.actionCache[actionKey.Key()] = raw
	f.mu.Unlock()
	return nil
}

func (f *Fake) RemoveActionResults(ctx context.Context, actionKeys []digest.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range actionKeys {
		delete(f.actionCache, k.Key())
	}
	return nil
}

func (f *Fake) ScanActionCache(ctx context.Context, cursor uint64, count int64) ([]digest.Digest, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]digest.Digest, 0, len(f.actionCache))
	for k := range f.actionCache {
		d, err := digest.ParseKey(k)
		if err != nil {
			continue
		}
		keys = append(keys, d)
	}
	return keys, 0, nil
}

func (f *Fake) BlobLocations(ctx context.Context, d digest.Digest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.blobLocations[d.Key()]
	out := make([]string, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	return out, nil
}

func (f *Fake) AdjustBlobLocations(ctx context.Context, d digest.Digest, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.blobLocations[d.Key()]
	if set == nil {
		set = make(map[string]struct{})
		f.blobLocations[d.Key()] = set
	}
	for _, w := range add {
		set[w] = struct{}{}
	}
	for _, w := range remove {
		delete(set, w)
	}
	return nil
}

func (f *Fake) GetOperation(ctx context.Context, name string) (*longrunning.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.operations[name]
	if !ok {
		return nil, nil
	}
	return proto.Clone(op).(*longrunning.Operation), nil
}

// putOperationLocked stores the operation and returns the publish payload
func (f *Fake) putOperationLocked(op *longrunning.Operation) (string, error) {
	f.operations[op.Name] = proto.Clone(op).(*longrunning.Operation)
	return marshalOperation(types.StripOperation(op))
}

// publish fans a message out to all subscriptions outside the lock
func (f *Fake) publish(channel, payload string) {
	f.mu.Lock()
	subs := append([]Subscription(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		if sub.OnMessage != nil {
			sub.OnMessage(channel, payload)
		}
	}
}

func (f *Fake) PutOperation(ctx context.Context, op *longrunning.Operation) error {
	f.mu.Lock()
	payload, err := f.putOperationLocked(op)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.publish(op.Name, payload)
	return nil
}

func (f *Fake) DeleteOperation(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.operations, name)
	return nil
}

func (f *Fake) CanPrequeue(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.MaxPrequeueDepth <= 0 || int64(len(f.prequeue)) < f.cfg.MaxPrequeueDepth, nil
}

func (f *Fake) CanQueue(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.MaxQueueDepth <= 0 || int64(len(f.queued)) < f.cfg.MaxQueueDepth, nil
}

func (f *Fake) Prequeue(ctx context.Context, entry *types.ExecuteEntry, op *longrunning.Operation) error {
	f.mu.Lock()
	clone := *entry
	f.prequeue = append(f.prequeue, &clone)
	payload, err := f.putOperationLocked(op)
	f.cond.Broadcast()
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.publish(op.Name, payload)
	return nil
}

func (f *Fake) DeprequeueOperation(ctx context.Context) (*types.ExecuteEntry, error) {
	deadline := time.Now().Add(f.cfg.DequeueTimeout)
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.prequeue) == 0 {
		if f.stopped || ctx.Err() != nil || time.Now().After(deadline) {
			return nil, ctx.Err()
		}
		f.waitLocked(deadline)
	}
	entry := f.prequeue[0]
	f.prequeue = f.prequeue[1:]
	return entry, nil
}

// waitLocked waits on the condition with a rough deadline. The ticker keeps
// broadcasting so a signal racing the wait registration cannot be missed.
func (f *Fake) waitLocked(deadline time.Time) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.cond.Broadcast()
			case <-done:
				return
			}
		}
	}()
	f.cond.Wait()
	close(done)
}

func (f *Fake) Queue(ctx context.Context, entry *types.QueueEntry, op *longrunning.Operation) error {
	f.mu.Lock()
	clone := *entry
	f.queued = append(f.queued, &clone)
	payload, err := f.putOperationLocked(op)
	f.cond.Broadcast()
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.publish(op.Name, payload)
	return nil
}

func (f *Fake) DispatchOperation(ctx context.Context) (*types.QueueEntry, error) {
	deadline := time.Now().Add(f.cfg.DequeueTimeout)
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		for len(f.queued) == 0 {
			if f.stopped || ctx.Err() != nil || time.Now().After(deadline) {
				return nil, ctx.Err()
			}
			f.waitLocked(deadline)
		}
		entry := f.queued[0]
		f.queued = f.queued[1:]
		entry.Attempt++
		name := entry.ExecuteEntry.OperationName
		if _, exists := f.dispatched[name]; exists {
			// Set-if-absent: the duplicate entry is dropped
			continue
		}
		f.dispatched[name] = &types.DispatchedOperation{
			Name:       name,
			RequeueAt:  time.Now().Add(f.cfg.DispatchDeadline),
			QueueEntry: *entry,
			Attempt:    entry.Attempt,
		}
		return entry, nil
	}
}

func (f *Fake) PollOperation(ctx context.Context, name string, stage repb.ExecutionStage_Value, requeueAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.dispatched[name]
	if !ok {
		return false, nil
	}
	entry.RequeueAt = requeueAt
	entry.Stage = int32(stage)
	return true, nil
}

func (f *Fake) RequeueDispatchedOperation(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.dispatched[name]; ok {
		entry.RequeueAt = time.Time{}
	}
	return nil
}

func (f *Fake) DispatchedOperations(ctx context.Context) ([]*types.DispatchedOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.DispatchedOperation, 0, len(f.dispatched))
	for _, entry := range f.dispatched {
		clone := *entry
		out = append(out, &clone)
	}
	return out, nil
}

func (f *Fake) ReturnDispatchedOperation(ctx context.Context, name string, entry *types.QueueEntry, op *longrunning.Operation) error {
	f.mu.Lock()
	if _, ok := f.dispatched[name]; !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.dispatched, name)
	clone := *entry
	f.queued = append(f.queued, &clone)
	payload, err := f.putOperationLocked(op)
	f.cond.Broadcast()
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.publish(op.Name, payload)
	return nil
}

func (f *Fake) CompleteOperation(ctx context.Context, name string, op *longrunning.Operation) error {
	f.mu.Lock()
	delete(f.dispatched, name)
	f.completed = append([]string{name}, f.completed...)
	if int64(len(f.completed)) > f.cfg.CompletedLimit {
		f.completed = f.completed[:f.cfg.CompletedLimit]
	}
	payload, err := f.putOperationLocked(op)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.publish(op.Name, payload)
	return nil
}

func (f *Fake) QueueLengths(ctx context.Context) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.prequeue)), int64(len(f.queued)), nil
}

func (f *Fake) GetTree(ctx context.Context, root digest.Digest) ([]*repb.Directory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trees[root.Key()], nil
}

func (f *Fake) PutTree(ctx context.Context, root digest.Digest, dirs []*repb.Directory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[root.Key()] = dirs
	return nil
}

func (f *Fake) Subscribe(sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return ErrStopped
	}
	f.subs = append(f.subs, sub)
	return nil
}

func (f *Fake) PublishExpiration(ctx context.Context, name string) error {
	f.publish(name, ExpirePayload)
	return nil
}

// Completed reports the completed list, newest first
func (f *Fake) Completed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

// QueuedEntries snapshots the ready queue for assertions
func (f *Fake) QueuedEntries() []*types.QueueEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.QueueEntry, 0, len(f.queued))
	for _, e := range f.queued {
		raw, _ := json.Marshal(e)
		clone := &types.QueueEntry{}
		_ = json.Unmarshal(raw, clone)
		out = append(out, clone)
	}
	return out
}
