package pipeline

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/types"
)

// fail is the pipeline's error stage: it receives any failed
// OperationContext, decides between terminating the operation and handing it
// back to the scheduler, and tears the context down.
func (p *Pipeline) fail(oc *OperationContext) {
	name := oc.Name()
	logger := p.logger.With().Str("operation_name", name).Logger()
	metrics.ExecutionsFailed.Inc()
	oc.Poller.Pause()
	p.destroyExecDir(oc)
	defer oc.cancel()

	// The backplane calls below must outlive the (possibly cancelled)
	// operation context.
	ctx := context.Background()

	if terminalFailure(oc.Err) {
		logger.Warn().Err(oc.Err).Msg("Operation failed, completing with error")
		st, _ := status.FromError(oc.Err)
		op, err := types.ErrorOperation(name, oc.QueueEntry.ExecuteEntry.ActionDigest, st)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to build error operation")
			return
		}
		if err := p.queue.Complete(ctx, name, op); err != nil {
			logger.Error().Err(err).Msg("Failed to publish error operation")
		}
		return
	}

	// Transient failure: hand the claim back so the dispatched monitor
	// requeues it ahead of the normal deadline.
	logger.Warn().Err(oc.Err).Msg("Operation failed transiently, releasing claim")
	if err := p.queue.Requeue(ctx, name); err != nil {
		logger.Error().Err(err).Msg("Failed to release claim")
	}
}

// terminalFailure reports whether an error should end the operation rather
// than trigger a requeue.
func terminalFailure(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.DeadlineExceeded, codes.PermissionDenied:
		return true
	}
	return false
}
