package pipeline

import (
	"bytes"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/cuemby/kiln/pkg/types"
)

func timestampNow() *timestamppb.Timestamp {
	return timestamppb.Now()
}

// fetchInputs decodes the QueuedOperation bundle and stages the exec
// directory for the action.
func (p *Pipeline) fetchInputs(oc *OperationContext) error {
	oc.Metadata.InputFetchStartTimestamp = timestampNow()

	var buf bytes.Buffer
	if err := p.fetch(oc.Ctx, oc.QueueEntry.QueuedOperationDigest, &buf); err != nil {
		if status.Code(err) == codes.NotFound {
			return status.Errorf(codes.FailedPrecondition, "queued operation %s absent from CAS: %s", oc.QueueEntry.QueuedOperationDigest, err)
		}
		return fmt.Errorf("failed to fetch queued operation %s: %w", oc.QueueEntry.QueuedOperationDigest, err)
	}
	queued, err := types.UnmarshalQueuedOperation(buf.Bytes())
	if err != nil {
		return status.Errorf(codes.FailedPrecondition, "undecodable queued operation %s: %s", oc.QueueEntry.QueuedOperationDigest, err)
	}
	action, command, dirs, err := queued.Unpack()
	if err != nil {
		return status.Errorf(codes.FailedPrecondition, "undecodable queued operation %s: %s", oc.QueueEntry.QueuedOperationDigest, err)
	}
	index, err := types.IndexDirectories(dirs)
	if err != nil {
		return fmt.Errorf("failed to index directories: %w", err)
	}
	oc.Action = action
	oc.Command = command
	oc.Index = index

	ed, err := p.execFS.CreateExecDir(oc.Ctx, oc.Name(), digestFromProto(action.InputRootDigest), index, outputPaths(command), p.fetch)
	if err != nil {
		return fmt.Errorf("failed to stage exec dir: %w", err)
	}
	oc.ExecDir = ed
	oc.Metadata.InputFetchCompletedTimestamp = timestampNow()
	return nil
}
