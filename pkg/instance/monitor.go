package instance

import (
	"context"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/types"
)

// runMonitor is the dispatched monitor: it periodically sweeps the
// dispatched map and requeues any operation whose deadline has passed,
// covering workers that died mid-execution.
func (in *Instance) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := in.sweepDispatched(ctx); err != nil && ctx.Err() == nil {
				in.logger.Error().Err(err).Msg("Dispatched sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (in *Instance) sweepDispatched(ctx context.Context) error {
	dispatched, err := in.backplane.DispatchedOperations(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, d := range dispatched {
		if !d.Overdue(now) {
			continue
		}
		in.requeueDispatched(ctx, d)
	}
	return nil
}

// requeueDispatched returns one overdue operation to the ready queue. A
// result that meanwhile landed in the action cache completes the operation
// instead; an operation that keeps failing redelivery is error-completed.
func (in *Instance) requeueDispatched(ctx context.Context, d *types.DispatchedOperation) {
	logger := in.logger.With().Str("operation_name", d.Name).Int("attempt", d.Attempt).Logger()
	op, err := in.backplane.GetOperation(ctx, d.Name)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read overdue operation")
		return
	}
	if op == nil || op.Done {
		// Nothing left to run; just drop the claim
		if op == nil {
			op, err = types.NewOperation(d.Name, repb.ExecutionStage_COMPLETED, d.QueueEntry.ExecuteEntry.ActionDigest, nil)
			if err != nil {
				return
			}
			op.Done = true
		}
		if err := in.backplane.CompleteOperation(ctx, d.Name, op); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear finished dispatched entry")
		}
		return
	}

	entry := d.QueueEntry
	if !entry.ExecuteEntry.SkipCacheLookup {
		result, err := in.backplane.GetActionResult(ctx, entry.ExecuteEntry.ActionDigest)
		if err == nil && result != nil {
			done, err := types.CompleteOperation(d.Name, entry.ExecuteEntry.ActionDigest, &repb.ExecuteResponse{
				Result:       result,
				CachedResult: true,
			})
			if err == nil && in.backplane.CompleteOperation(ctx, d.Name, done) == nil {
				logger.Info().Msg("Overdue operation completed from action cache")
				metrics.OperationsCompleted.WithLabelValues("cached").Inc()
				return
			}
		}
	}

	if d.Attempt >= in.cfg.MaxRequeueAttempts {
		logger.Warn().Msg("Operation exhausted requeue attempts")
		in.terminate(ctx, d.Name, entry.ExecuteEntry.ActionDigest,
			status.Newf(codes.Unavailable, "operation was dispatched %d times without completing", d.Attempt))
		return
	}

	// Re-validate that the queued operation bundle still exists before
	// putting the entry back; the transform is not repeated.
	missing, err := in.FindMissingBlobs(ctx, []digest.Digest{entry.QueuedOperationDigest})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to validate queued operation bundle")
		return
	}
	if len(missing) > 0 {
		logger.Warn().Msg("Queued operation bundle evicted, terminating operation")
		in.terminate(ctx, d.Name, entry.ExecuteEntry.ActionDigest,
			missingBlobStatus("queued operation absent from CAS", entry.QueuedOperationDigest))
		return
	}

	queuedOp, err := types.NewOperation(d.Name, repb.ExecutionStage_QUEUED, entry.ExecuteEntry.ActionDigest, &entry.ExecuteEntry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to rebuild operation handle")
		return
	}
	if err := in.backplane.ReturnDispatchedOperation(ctx, d.Name, &entry, queuedOp); err != nil {
		logger.Warn().Err(err).Msg("Failed to requeue overdue operation")
		return
	}
	metrics.OperationsRequeued.Inc()
	logger.Info().Msg("Requeued overdue operation")
}
