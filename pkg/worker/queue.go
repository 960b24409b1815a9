package worker

import (
	"context"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	longrunning "google.golang.org/genproto/googleapis/longrunning"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

// operationQueue adapts the backplane's queue discipline to the pipeline's
// take/put/poll surface, so stages never touch backplane keys directly.
type operationQueue struct {
	w *Worker
}

func (q *operationQueue) Take(ctx context.Context) (*types.QueueEntry, error) {
	return q.w.backplane.DispatchOperation(ctx)
}

func (q *operationQueue) Poll(ctx context.Context, name string, stage repb.ExecutionStage_Value, requeueAt time.Time) (bool, error) {
	return q.w.backplane.PollOperation(ctx, name, stage, requeueAt)
}

func (q *operationQueue) Requeue(ctx context.Context, name string) error {
	return q.w.backplane.RequeueDispatchedOperation(ctx, name)
}

func (q *operationQueue) Put(ctx context.Context, op *longrunning.Operation) error {
	return q.w.backplane.PutOperation(ctx, op)
}

func (q *operationQueue) Complete(ctx context.Context, name string, op *longrunning.Operation) error {
	return q.w.backplane.CompleteOperation(ctx, name, op)
}

func (q *operationQueue) PutActionResult(ctx context.Context, actionKey digest.Digest, result *repb.ActionResult) error {
	return q.w.backplane.PutActionResult(ctx, actionKey, result)
}
