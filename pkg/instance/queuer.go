package instance

import (
	"context"
	"fmt"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/poller"
	"github.com/cuemby/kiln/pkg/types"
)

// keepAlivePeriod paces the queueing heartbeat that extends watcher deadlines
// while a transform is in flight.
const keepAlivePeriod = 5 * time.Second

// runQueuer loops pulling execute entries from the prequeue and promoting
// them to the ready queue. Transform concurrency is capped by a token queue.
func (in *Instance) runQueuer(ctx context.Context) {
	tokens := make(chan struct{}, in.cfg.TransformTokens)
	for {
		if ctx.Err() != nil {
			return
		}
		entry, err := in.backplane.DeprequeueOperation(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			in.logger.Error().Err(err).Msg("Failed to deprequeue")
			continue
		}
		if entry == nil {
			continue
		}
		// Honor queue admission before spending a token
		for {
			ok, err := in.backplane.CanQueue(ctx)
			if err == nil && ok {
				break
			}
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
		select {
		case tokens <- struct{}{}:
		case <-ctx.Done():
			return
		}
		in.wg.Add(1)
		go func(entry *types.ExecuteEntry) {
			defer in.wg.Done()
			defer func() { <-tokens }()
			in.transform(ctx, entry)
		}(entry)
	}
}

// transform promotes one execute entry: cache check, fetch, validate, upload
// and queue. Failures terminate the operation with a status; a per-step
// stopwatch feeds the transform latency metrics.
func (in *Instance) transform(ctx context.Context, entry *types.ExecuteEntry) {
	name := entry.OperationName
	logger := in.logger.With().Str("operation_name", name).Logger()

	// Keep-alive: republishing the current state extends the backplane
	// watchers while the transform runs.
	keepAlive := poller.New()
	_ = keepAlive.Resume(func() bool {
		op, err := in.backplane.GetOperation(ctx, name)
		if err != nil || op == nil || op.Done {
			return err == nil
		}
		return in.backplane.PutOperation(ctx, op) == nil
	}, keepAlivePeriod, time.Time{}, nil, nil)
	defer keepAlive.Pause()

	if !entry.SkipCacheLookup {
		served, err := in.checkCache(ctx, entry)
		if err != nil {
			logger.Warn().Err(err).Msg("Cache check failed, continuing to queue")
		} else if served {
			metrics.CachedResults.Inc()
			return
		}
	}

	queueEntry, st := in.buildQueueEntry(ctx, entry)
	if st != nil {
		logger.Warn().Str("status", st.Message()).Msg("Transform failed, terminating operation")
		in.terminate(ctx, name, entry.ActionDigest, st)
		return
	}
	op, err := types.NewOperation(name, repb.ExecutionStage_QUEUED, entry.ActionDigest, entry)
	if err != nil {
		in.terminate(ctx, name, entry.ActionDigest, status.New(codes.Internal, err.Error()))
		return
	}
	timer := metrics.NewTimer()
	if err := in.backplane.Queue(ctx, queueEntry, op); err != nil {
		in.terminate(ctx, name, entry.ActionDigest, status.New(codes.Unavailable, "failed to queue: "+err.Error()))
		return
	}
	timer.ObserveDuration(metrics.TransformLatency.WithLabelValues("queue"))
	metrics.OperationsQueued.Inc()
	logger.Debug().Msg("Operation queued")
}

// checkCache serves the operation from the action cache when possible. The
// lookup runs inside its own deadline so a slow backplane cannot stall the
// transform.
func (in *Instance) checkCache(ctx context.Context, entry *types.ExecuteEntry) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, in.cfg.CacheCheckTimeout)
	defer cancel()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransformLatency.WithLabelValues("cache_check"))

	op, err := types.NewOperation(entry.OperationName, repb.ExecutionStage_CACHE_CHECK, entry.ActionDigest, entry)
	if err != nil {
		return false, err
	}
	if err := in.backplane.PutOperation(ctx, op); err != nil {
		return false, err
	}
	result, err := in.backplane.GetActionResult(ctx, entry.ActionDigest)
	if err != nil || result == nil {
		return false, err
	}
	done, err := types.CompleteOperation(entry.OperationName, entry.ActionDigest, &repb.ExecuteResponse{
		Result:       result,
		CachedResult: true,
	})
	if err != nil {
		return false, err
	}
	if err := in.backplane.CompleteOperation(ctx, entry.OperationName, done); err != nil {
		return false, err
	}
	in.recordCacheServed(entry.ActionDigest, entry.RequestMetadata)
	metrics.OperationsCompleted.WithLabelValues("cached").Inc()
	return true, nil
}

// buildQueueEntry fetches and validates everything the action needs and
// uploads the resolved QueuedOperation to the CAS.
func (in *Instance) buildQueueEntry(ctx context.Context, entry *types.ExecuteEntry) (*types.QueueEntry, *status.Status) {
	timer := metrics.NewTimer()
	action := &repb.Action{}
	if err := in.fetchProto(ctx, entry.ActionDigest, action); err != nil {
		return nil, fetchFailureStatus(err, "action", entry.ActionDigest)
	}
	commandDigest := digest.FromProto(action.CommandDigest)
	if err := commandDigest.Validate(); err != nil {
		return nil, status.New(codes.InvalidArgument, "action has no valid command digest")
	}
	command := &repb.Command{}
	if err := in.fetchProto(ctx, commandDigest, command); err != nil {
		return nil, fetchFailureStatus(err, "command", commandDigest)
	}
	rootDigest := digest.FromProto(action.InputRootDigest)
	dirs, missing, err := in.fetchTree(ctx, rootDigest)
	if err != nil {
		return nil, status.New(codes.Unavailable, "failed to fetch input tree: "+err.Error())
	}
	if len(missing) > 0 {
		return nil, missingBlobStatus("input tree incomplete", missing...)
	}
	timer.ObserveDuration(metrics.TransformLatency.WithLabelValues("fetch"))

	timer = metrics.NewTimer()
	if st := validateQueuedOperation(action, command, rootDigest, dirs); st != nil {
		return nil, st
	}
	timer.ObserveDuration(metrics.TransformLatency.WithLabelValues("validate"))

	timer = metrics.NewTimer()
	queued, err := types.PackQueuedOperation(action, command, dirs)
	if err != nil {
		return nil, status.New(codes.Internal, "failed to pack queued operation: "+err.Error())
	}
	raw, err := queued.Marshal()
	if err != nil {
		return nil, status.New(codes.Internal, "failed to encode queued operation: "+err.Error())
	}
	queuedDigest, err := in.PutBlob(ctx, raw)
	if err != nil {
		return nil, status.New(codes.Unavailable, "failed to upload queued operation: "+err.Error())
	}
	timer.ObserveDuration(metrics.TransformLatency.WithLabelValues("upload"))

	var platform []byte
	if action.Platform != nil {
		platform, _ = proto.Marshal(action.Platform)
	}
	return &types.QueueEntry{
		ExecuteEntry:          *entry,
		QueuedOperationDigest: queuedDigest,
		Platform:              platform,
	}, nil
}

// fetchTree resolves the full directory closure of an input root, serving
// repeated roots from the backplane's tree cache. Missing directory blobs
// are reported as digests, not errors.
func (in *Instance) fetchTree(ctx context.Context, root digest.Digest) ([]*repb.Directory, []digest.Digest, error) {
	if root.IsEmpty() || root.Hash == "" {
		return nil, nil, nil
	}
	if dirs, err := in.backplane.GetTree(ctx, root); err == nil && dirs != nil {
		return dirs, nil, nil
	}
	var dirs []*repb.Directory
	var missing []digest.Digest
	seen := map[digest.Digest]bool{}
	var walk func(d digest.Digest) error
	walk = func(d digest.Digest) error {
		if seen[d] {
			return nil
		}
		seen[d] = true
		dir := &repb.Directory{}
		if err := in.fetchProto(ctx, d, dir); err != nil {
			if status.Code(err) == codes.NotFound {
				missing = append(missing, d)
				return nil
			}
			return err
		}
		dirs = append(dirs, dir)
		for _, sub := range dir.Directories {
			if err := walk(digest.FromProto(sub.Digest)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, nil, err
	}
	if len(missing) == 0 {
		if err := in.backplane.PutTree(ctx, root, dirs); err != nil {
			in.logger.Warn().Err(err).Msg("Failed to cache tree")
		}
	}
	return dirs, missing, nil
}

// FetchTree resolves a full input tree for external callers
func (in *Instance) FetchTree(ctx context.Context, root digest.Digest) ([]*repb.Directory, error) {
	dirs, missing, err := in.fetchTree(ctx, root)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, missingBlobStatus("input tree incomplete", missing...).Err()
	}
	return dirs, nil
}

// validateQueuedOperation enforces the validate-before-queue contract
func validateQueuedOperation(action *repb.Action, command *repb.Command, root digest.Digest, dirs []*repb.Directory) *status.Status {
	if len(command.Arguments) == 0 {
		return status.New(codes.InvalidArgument, "command has no arguments")
	}
	if root.Hash == "" || root.IsEmpty() {
		return nil
	}
	index := map[digest.Digest]bool{}
	for _, dir := range dirs {
		d, _, err := digest.FromMessage(dir)
		if err != nil {
			return status.New(codes.Internal, "failed to digest directory: "+err.Error())
		}
		index[d] = true
	}
	if !index[root] {
		return missingBlobStatus("input root absent", root)
	}
	for _, dir := range dirs {
		for _, sub := range dir.Directories {
			if !index[digest.FromProto(sub.Digest)] {
				return missingBlobStatus("directory absent", digest.FromProto(sub.Digest))
			}
		}
	}
	return nil
}

// terminate error-completes an operation
func (in *Instance) terminate(ctx context.Context, name string, actionDigest digest.Digest, st *status.Status) {
	op, err := types.ErrorOperation(name, actionDigest, st)
	if err != nil {
		in.logger.Error().Str("operation_name", name).Err(err).Msg("Failed to build error operation")
		return
	}
	if err := in.backplane.CompleteOperation(ctx, name, op); err != nil {
		in.logger.Error().Str("operation_name", name).Err(err).Msg("Failed to publish error operation")
		return
	}
	metrics.OperationsCompleted.WithLabelValues("error").Inc()
}

// fetchFailureStatus distinguishes a blob that is genuinely absent (a
// validation failure that terminates the operation) from a farm that could
// not be reached.
func fetchFailureStatus(err error, kind string, d digest.Digest) *status.Status {
	if status.Code(err) == codes.NotFound {
		return missingBlobStatus(kind+" absent from CAS", d)
	}
	return status.New(codes.Unavailable, "failed to fetch "+kind+": "+err.Error())
}

// missingBlobStatus builds the FAILED_PRECONDITION status carrying one
// MISSING violation per absent blob.
func missingBlobStatus(msg string, digests ...digest.Digest) *status.Status {
	violation := &errdetails.PreconditionFailure{}
	for _, d := range digests {
		violation.Violations = append(violation.Violations, &errdetails.PreconditionFailure_Violation{
			Type:    "MISSING",
			Subject: fmt.Sprintf("blobs/%s", d.Key()),
		})
	}
	st := status.New(codes.FailedPrecondition, msg)
	detailed, err := st.WithDetails(violation)
	if err != nil {
		return st
	}
	return detailed
}
