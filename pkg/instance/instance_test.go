package instance

import (
	"context"
	"net"
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	gstatus "google.golang.org/grpc/status"

	"github.com/cuemby/kiln/pkg/backplane"
	"github.com/cuemby/kiln/pkg/cascache"
	"github.com/cuemby/kiln/pkg/casserver"
	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

func testConfig() Config {
	return Config{
		MonitorInterval: time.Hour,
		ExpireInterval:  time.Hour,
	}
}

// startTestWorker serves a real CAS over a loopback gRPC listener
func startTestWorker(t *testing.T) (string, *cascache.FileCache) {
	t.Helper()
	cache := cascache.New(cascache.Config{Root: t.TempDir(), MaxSizeBytes: 1 << 20})
	require.NoError(t, cache.Start())
	srv := grpc.NewServer()
	casserver.New(cache).Register(srv)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), cache
}

// storeBlob places a blob on a worker and registers its location
func storeBlob(t *testing.T, bp backplane.Backplane, cache *cascache.FileCache, worker string, b []byte) digest.Digest {
	t.Helper()
	d, err := cache.InsertBlob(context.Background(), b, false)
	require.NoError(t, err)
	require.NoError(t, bp.AdjustBlobLocations(context.Background(), d, []string{worker}, nil))
	return d
}

// actionFixture uploads an empty-input action and its command to the worker
func actionFixture(t *testing.T, bp backplane.Backplane, cache *cascache.FileCache, worker string) digest.Digest {
	t.Helper()
	command := &repb.Command{Arguments: []string{"/bin/true"}}
	cd, cb, err := digest.FromMessage(command)
	require.NoError(t, err)
	storeBlob(t, bp, cache, worker, cb)

	root := &repb.Directory{}
	rd, rb, err := digest.FromMessage(root)
	require.NoError(t, err)
	storeBlob(t, bp, cache, worker, rb)

	action := &repb.Action{
		CommandDigest:   cd.Proto(),
		InputRootDigest: rd.Proto(),
	}
	ad, ab, err := digest.FromMessage(action)
	require.NoError(t, err)
	storeBlob(t, bp, cache, worker, ab)
	return ad
}

// Cached hit: an execute whose result is already in the action cache
// completes with cached_result=true without touching any worker.
func TestExecuteServedFromCache(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{DequeueTimeout: 20 * time.Millisecond})
	in := New(testConfig(), bp)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, in.Start(ctx))
	defer in.Stop()

	actionDigest := digest.FromBlob([]byte("cached action"))
	require.NoError(t, bp.PutActionResult(ctx, actionDigest, &repb.ActionResult{ExitCode: 0}))

	terminal := make(chan *longrunning.Operation, 1)
	name, err := in.Execute(ctx, actionDigest, false, []byte("tool-invocation-1"), func(op *longrunning.Operation) {
		if op != nil && op.Done {
			terminal <- op
		}
	})
	require.NoError(t, err)

	select {
	case op := <-terminal:
		assert.True(t, op.Done)
		assert.Equal(t, repb.ExecutionStage_COMPLETED, types.OperationStage(op))
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal notification")
	}

	full, err := bp.GetOperation(ctx, name)
	require.NoError(t, err)
	resp := types.OperationResponse(full)
	require.NotNil(t, resp)
	assert.True(t, resp.CachedResult)
	assert.Equal(t, int32(0), resp.Result.ExitCode)
}

// Cache-check skip on retry: identical request metadata retried within the
// TTL executes with skip_cache_lookup forced on.
func TestRetryForcesSkipCacheLookup(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{DequeueTimeout: 20 * time.Millisecond})
	in := New(testConfig(), bp)
	ctx := context.Background()

	actionDigest := digest.FromBlob([]byte("retried action"))
	metadata := []byte("tool-invocation-retry")
	in.recordCacheServed(actionDigest, metadata)

	_, err := in.Execute(ctx, actionDigest, false, metadata, nil)
	require.NoError(t, err)
	entry, err := bp.DeprequeueOperation(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.SkipCacheLookup)

	// Different metadata is unaffected
	_, err = in.Execute(ctx, actionDigest, false, []byte("other-invocation"), nil)
	require.NoError(t, err)
	entry, err = bp.DeprequeueOperation(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.SkipCacheLookup)
}

func TestExecuteRejectedWhenPrequeueFull(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{MaxPrequeueDepth: 1, DequeueTimeout: 20 * time.Millisecond})
	in := New(testConfig(), bp)
	ctx := context.Background()

	d := digest.FromBlob([]byte("queued action"))
	_, err := in.Execute(ctx, d, false, nil, nil)
	require.NoError(t, err)
	_, err = in.Execute(ctx, d, false, nil, nil)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, gstatus.Code(err))
}

// Queue then match: a transformed operation lands in the ready queue with
// its resolved bundle in the CAS; exactly one take claims it.
func TestTransformQueuesOperation(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{DequeueTimeout: 20 * time.Millisecond})
	in := New(testConfig(), bp)
	ctx := context.Background()
	worker, cache := startTestWorker(t)
	require.NoError(t, bp.AddWorker(ctx, worker))

	actionDigest := actionFixture(t, bp, cache, worker)
	_, err := in.Execute(ctx, actionDigest, true, nil, nil)
	require.NoError(t, err)
	entry, err := bp.DeprequeueOperation(ctx)
	require.NoError(t, err)

	in.transform(ctx, entry)

	op, err := bp.GetOperation(ctx, entry.OperationName)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.False(t, op.Done)
	assert.Equal(t, repb.ExecutionStage_QUEUED, types.OperationStage(op))

	claimed, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, entry.OperationName, claimed.ExecuteEntry.OperationName)

	// The queued bundle is fetchable from the farm
	missing, err := in.FindMissingBlobs(ctx, []digest.Digest{claimed.QueuedOperationDigest})
	require.NoError(t, err)
	assert.Empty(t, missing)

	// A second take gets nothing
	again, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

// Missing input: an action whose command digest is absent terminates with
// FAILED_PRECONDITION and a MISSING violation naming the blob.
func TestTransformMissingInputTerminates(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{DequeueTimeout: 20 * time.Millisecond})
	in := New(testConfig(), bp)
	ctx := context.Background()
	worker, cache := startTestWorker(t)
	require.NoError(t, bp.AddWorker(ctx, worker))

	// Only the action blob exists; its command digest dangles
	command := &repb.Command{Arguments: []string{"/bin/true"}}
	cd, _, err := digest.FromMessage(command)
	require.NoError(t, err)
	action := &repb.Action{CommandDigest: cd.Proto()}
	actionDigest, ab, err := digest.FromMessage(action)
	require.NoError(t, err)
	storeBlob(t, bp, cache, worker, ab)

	_, err = in.Execute(ctx, actionDigest, true, nil, nil)
	require.NoError(t, err)
	entry, err := bp.DeprequeueOperation(ctx)
	require.NoError(t, err)

	in.transform(ctx, entry)

	op, err := bp.GetOperation(ctx, entry.OperationName)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.True(t, op.Done)
	assert.Equal(t, repb.ExecutionStage_COMPLETED, types.OperationStage(op))

	errStatus := types.OperationError(op)
	require.NotNil(t, errStatus)
	assert.Equal(t, codes.FailedPrecondition, codes.Code(errStatus.Code))

	st := gstatus.FromProto(errStatus)
	var violation *errdetails.PreconditionFailure
	for _, detail := range st.Details() {
		if pf, ok := detail.(*errdetails.PreconditionFailure); ok {
			violation = pf
		}
	}
	require.NotNil(t, violation)
	require.NotEmpty(t, violation.Violations)
	assert.Equal(t, "MISSING", violation.Violations[0].Type)
	assert.Equal(t, "blobs/"+cd.Key(), violation.Violations[0].Subject)
}

// Worker death requeue: an overdue dispatched operation is promoted back to
// the ready queue and the next take sees a higher attempt count.
func TestMonitorRequeuesOverdueOperation(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{DequeueTimeout: 20 * time.Millisecond})
	in := New(testConfig(), bp)
	ctx := context.Background()
	worker, cache := startTestWorker(t)
	require.NoError(t, bp.AddWorker(ctx, worker))

	bundle := storeBlob(t, bp, cache, worker, []byte("queued operation bundle"))
	execute := &types.ExecuteEntry{
		OperationName:   "op-overdue",
		ActionDigest:    digest.FromBlob([]byte("overdue action")),
		SkipCacheLookup: true,
	}
	entry := &types.QueueEntry{ExecuteEntry: *execute, QueuedOperationDigest: bundle}
	op, err := types.NewOperation("op-overdue", repb.ExecutionStage_QUEUED, execute.ActionDigest, execute)
	require.NoError(t, err)
	require.NoError(t, bp.Queue(ctx, entry, op))

	first, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Attempt)

	// Simulate the worker handing the claim back
	require.NoError(t, bp.RequeueDispatchedOperation(ctx, "op-overdue"))
	require.NoError(t, in.sweepDispatched(ctx))

	second, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "op-overdue", second.ExecuteEntry.OperationName)
	assert.Equal(t, 2, second.Attempt)
}

// An operation that keeps getting requeued is eventually failed
func TestMonitorTerminatesAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequeueAttempts = 2
	bp := backplane.NewFake(backplane.Config{DequeueTimeout: 20 * time.Millisecond})
	in := New(cfg, bp)
	ctx := context.Background()

	execute := &types.ExecuteEntry{
		OperationName:   "op-doomed",
		ActionDigest:    digest.FromBlob([]byte("doomed action")),
		SkipCacheLookup: true,
	}
	entry := &types.QueueEntry{
		ExecuteEntry:          *execute,
		QueuedOperationDigest: digest.FromBlob([]byte("bundle")),
		Attempt:               1,
	}
	op, err := types.NewOperation("op-doomed", repb.ExecutionStage_QUEUED, execute.ActionDigest, execute)
	require.NoError(t, err)
	require.NoError(t, bp.Queue(ctx, entry, op))
	claimed, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, claimed.Attempt)

	require.NoError(t, bp.RequeueDispatchedOperation(ctx, "op-doomed"))
	require.NoError(t, in.sweepDispatched(ctx))

	done, err := bp.GetOperation(ctx, "op-doomed")
	require.NoError(t, err)
	require.True(t, done.Done)
	errStatus := types.OperationError(done)
	require.NotNil(t, errStatus)
	assert.Equal(t, codes.Unavailable, codes.Code(errStatus.Code))
}

// An overdue operation whose result appeared in the action cache completes
// from cache instead of re-running.
func TestMonitorCompletesFromCache(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{DequeueTimeout: 20 * time.Millisecond})
	in := New(testConfig(), bp)
	ctx := context.Background()

	execute := &types.ExecuteEntry{
		OperationName: "op-cached-late",
		ActionDigest:  digest.FromBlob([]byte("late cached action")),
	}
	entry := &types.QueueEntry{ExecuteEntry: *execute, QueuedOperationDigest: digest.FromBlob([]byte("bundle"))}
	op, err := types.NewOperation("op-cached-late", repb.ExecutionStage_QUEUED, execute.ActionDigest, execute)
	require.NoError(t, err)
	require.NoError(t, bp.Queue(ctx, entry, op))
	_, err = bp.DispatchOperation(ctx)
	require.NoError(t, err)

	require.NoError(t, bp.PutActionResult(ctx, execute.ActionDigest, &repb.ActionResult{ExitCode: 0}))
	require.NoError(t, bp.RequeueDispatchedOperation(ctx, "op-cached-late"))
	require.NoError(t, in.sweepDispatched(ctx))

	done, err := bp.GetOperation(ctx, "op-cached-late")
	require.NoError(t, err)
	require.True(t, done.Done)
	resp := types.OperationResponse(done)
	require.NotNil(t, resp)
	assert.True(t, resp.CachedResult)
}

func TestGetBlobFromWorker(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{})
	in := New(testConfig(), bp)
	ctx := context.Background()
	worker, cache := startTestWorker(t)
	require.NoError(t, bp.AddWorker(ctx, worker))

	content := []byte("farm blob")
	d := storeBlob(t, bp, cache, worker, content)

	var buf testBuffer
	require.NoError(t, in.GetBlob(ctx, d, 0, 0, &buf))
	assert.Equal(t, content, buf.b)
}

// An empty location set triggers a correction pass that discovers the blob
func TestGetBlobCorrectsMissingLocation(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{})
	in := New(testConfig(), bp)
	ctx := context.Background()
	worker, cache := startTestWorker(t)
	require.NoError(t, bp.AddWorker(ctx, worker))

	content := []byte("mislocated blob")
	d, err := cache.InsertBlob(ctx, content, false)
	require.NoError(t, err)
	// Deliberately no AdjustBlobLocations: the index does not know

	var buf testBuffer
	require.NoError(t, in.GetBlob(ctx, d, 0, 0, &buf))
	assert.Equal(t, content, buf.b)

	locations, err := bp.BlobLocations(ctx, d)
	require.NoError(t, err)
	assert.Contains(t, locations, worker)
}

func TestFindMissingBlobsShortCircuits(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{})
	in := New(testConfig(), bp)
	ctx := context.Background()
	worker, cache := startTestWorker(t)
	require.NoError(t, bp.AddWorker(ctx, worker))

	present := storeBlob(t, bp, cache, worker, []byte("present"))
	absent := digest.FromBlob([]byte("absent"))

	missing, err := in.FindMissingBlobs(ctx, []digest.Digest{present, absent})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{absent}, missing)

	missing, err = in.FindMissingBlobs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestWatchOperationUnknownName(t *testing.T) {
	bp := backplane.NewFake(backplane.Config{})
	in := New(testConfig(), bp)
	err := in.WatchOperation(context.Background(), "no-such-op", func(*longrunning.Operation) {})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, gstatus.Code(err))
}

type testBuffer struct{ b []byte }

func (t *testBuffer) Write(p []byte) (int, error) {
	t.b = append(t.b, p...)
	return len(p), nil
}
