package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/kiln/pkg/cascache"
	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/execdir"
	"github.com/cuemby/kiln/pkg/types"
)

// fakeQueue hands out a fixed list of entries and records everything the
// pipeline reports back.
type fakeQueue struct {
	mu        sync.Mutex
	entries   []*types.QueueEntry
	completed map[string]*longrunning.Operation
	requeued  []string
	cached    map[string]*repb.ActionResult
	done      chan string
}

func newFakeQueue(entries ...*types.QueueEntry) *fakeQueue {
	return &fakeQueue{
		entries:   entries,
		completed: make(map[string]*longrunning.Operation),
		cached:    make(map[string]*repb.ActionResult),
		done:      make(chan string, 8),
	}
}

func (q *fakeQueue) Take(ctx context.Context) (*types.QueueEntry, error) {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	entry.Attempt++
	q.mu.Unlock()
	return entry, nil
}

func (q *fakeQueue) Poll(ctx context.Context, name string, stage repb.ExecutionStage_Value, requeueAt time.Time) (bool, error) {
	return true, nil
}

func (q *fakeQueue) Requeue(ctx context.Context, name string) error {
	q.mu.Lock()
	q.requeued = append(q.requeued, name)
	q.mu.Unlock()
	q.done <- name
	return nil
}

func (q *fakeQueue) Put(ctx context.Context, op *longrunning.Operation) error {
	return nil
}

func (q *fakeQueue) Complete(ctx context.Context, name string, op *longrunning.Operation) error {
	q.mu.Lock()
	q.completed[name] = op
	q.mu.Unlock()
	q.done <- name
	return nil
}

func (q *fakeQueue) PutActionResult(ctx context.Context, actionKey digest.Digest, result *repb.ActionResult) error {
	q.mu.Lock()
	q.cached[actionKey.Key()] = result
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) completedOp(name string) *longrunning.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed[name]
}

// bundleEntry builds a queue entry whose QueuedOperation runs the given
// shell command with an empty input root.
func bundleEntry(t *testing.T, name string, args []string, outputs []string, doNotCache bool) (*types.QueueEntry, map[string][]byte) {
	t.Helper()
	command := &repb.Command{Arguments: args, OutputPaths: outputs}
	root := &repb.Directory{}
	rootDigest, _, err := digest.FromMessage(root)
	require.NoError(t, err)
	action := &repb.Action{InputRootDigest: rootDigest.Proto(), DoNotCache: doNotCache}

	queued, err := types.PackQueuedOperation(action, command, []*repb.Directory{root})
	require.NoError(t, err)
	raw, err := queued.Marshal()
	require.NoError(t, err)
	bundleDigest := digest.FromBlob(raw)

	entry := &types.QueueEntry{
		ExecuteEntry: types.ExecuteEntry{
			OperationName: name,
			ActionDigest:  digest.FromBlob([]byte(name + "-action")),
		},
		QueuedOperationDigest: bundleDigest,
	}
	return entry, map[string][]byte{bundleDigest.Key(): raw}
}

func newTestPipeline(t *testing.T, queue OperationQueue, blobs map[string][]byte) *Pipeline {
	t.Helper()
	cache := cascache.New(cascache.Config{Root: t.TempDir(), MaxSizeBytes: 1 << 20})
	require.NoError(t, cache.Start())
	execFS, err := execdir.New(execdir.Config{Root: t.TempDir()}, cache)
	require.NoError(t, err)
	fetch := func(ctx context.Context, d digest.Digest, w io.Writer) error {
		b, ok := blobs[d.Key()]
		if !ok {
			return status.Errorf(codes.NotFound, "blob %s not found", d)
		}
		_, err := w.Write(b)
		return err
	}
	return New(Config{
		InputFetchWidth: 1,
		ExecuteWidth:    1,
		ReportWidth:     1,
		PollPeriod:      50 * time.Millisecond,
	}, queue, cache, execFS, fetch)
}

func waitDone(t *testing.T, q *fakeQueue, name string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case n := <-q.done:
			if n == name {
				return
			}
		case <-deadline:
			t.Fatalf("operation %s never finished", name)
		}
	}
}

func TestPipelineExecutesAndReports(t *testing.T) {
	entry, blobs := bundleEntry(t, "op-run",
		[]string{"sh", "-c", "echo hello; printf world > out.txt"},
		[]string{"out.txt"}, false)
	queue := newFakeQueue(entry)
	p := newTestPipeline(t, queue, blobs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	waitDone(t, queue, "op-run")
	op := queue.completedOp("op-run")
	require.NotNil(t, op)
	assert.True(t, op.Done)
	assert.Equal(t, repb.ExecutionStage_COMPLETED, types.OperationStage(op))

	resp := types.OperationResponse(op)
	require.NotNil(t, resp)
	assert.Equal(t, int32(0), resp.Result.ExitCode)
	assert.Equal(t, "hello\n", string(resp.Result.StdoutRaw))
	require.Len(t, resp.Result.OutputFiles, 1)
	assert.Equal(t, "out.txt", resp.Result.OutputFiles[0].Path)
	assert.Equal(t, digest.FromBlob([]byte("world")), digest.FromProto(resp.Result.OutputFiles[0].Digest))

	// The successful result was cached under the action key
	queue.mu.Lock()
	_, cached := queue.cached[entry.ExecuteEntry.ActionDigest.Key()]
	queue.mu.Unlock()
	assert.True(t, cached)
}

func TestPipelineReportsExitCode(t *testing.T) {
	entry, blobs := bundleEntry(t, "op-fail", []string{"sh", "-c", "exit 7"}, nil, false)
	queue := newFakeQueue(entry)
	p := newTestPipeline(t, queue, blobs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	waitDone(t, queue, "op-fail")
	resp := types.OperationResponse(queue.completedOp("op-fail"))
	require.NotNil(t, resp)
	assert.Equal(t, int32(7), resp.Result.ExitCode)

	// Failing results are not cached
	queue.mu.Lock()
	_, cached := queue.cached[entry.ExecuteEntry.ActionDigest.Key()]
	queue.mu.Unlock()
	assert.False(t, cached)
}

func TestPipelineDoNotCache(t *testing.T) {
	entry, blobs := bundleEntry(t, "op-nocache", []string{"sh", "-c", "true"}, nil, true)
	queue := newFakeQueue(entry)
	p := newTestPipeline(t, queue, blobs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	waitDone(t, queue, "op-nocache")
	queue.mu.Lock()
	assert.Empty(t, queue.cached)
	queue.mu.Unlock()
}

// A bundle missing from the CAS is a terminal validation failure
func TestPipelineMissingBundleTerminates(t *testing.T) {
	entry, _ := bundleEntry(t, "op-missing", []string{"sh", "-c", "true"}, nil, false)
	queue := newFakeQueue(entry)
	p := newTestPipeline(t, queue, map[string][]byte{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	waitDone(t, queue, "op-missing")
	op := queue.completedOp("op-missing")
	require.NotNil(t, op)
	errStatus := types.OperationError(op)
	require.NotNil(t, errStatus)
	assert.Equal(t, codes.FailedPrecondition, codes.Code(errStatus.Code))
}

// A transiently unreachable CAS releases the claim for requeue instead of
// failing the operation.
func TestPipelineTransientFailureRequeues(t *testing.T) {
	entry, _ := bundleEntry(t, "op-transient", []string{"sh", "-c", "true"}, nil, false)
	queue := newFakeQueue(entry)
	cache := cascache.New(cascache.Config{Root: t.TempDir(), MaxSizeBytes: 1 << 20})
	require.NoError(t, cache.Start())
	execFS, err := execdir.New(execdir.Config{Root: t.TempDir()}, cache)
	require.NoError(t, err)
	fetch := func(ctx context.Context, d digest.Digest, w io.Writer) error {
		return status.Error(codes.Unavailable, "cas is down")
	}
	p := New(Config{InputFetchWidth: 1, ExecuteWidth: 1, ReportWidth: 1}, queue, cache, execFS, fetch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	waitDone(t, queue, "op-transient")
	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Contains(t, queue.requeued, "op-transient")
	assert.Empty(t, queue.completed)
}
