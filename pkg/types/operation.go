package types

import (
	"fmt"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/cuemby/kiln/pkg/digest"
)

// Stage ordering follows the operation lifecycle: UNKNOWN < CACHE_CHECK <
// QUEUED < EXECUTING < COMPLETED. ExecutionStage values are already declared
// in that order, so the proto enum value doubles as the rank.
func StageRank(s repb.ExecutionStage_Value) int {
	return int(s)
}

// NewOperation builds an operation handle at the given stage
func NewOperation(name string, stage repb.ExecutionStage_Value, actionDigest digest.Digest, entry *ExecuteEntry) (*longrunning.Operation, error) {
	md := &repb.ExecuteOperationMetadata{
		Stage:        stage,
		ActionDigest: actionDigest.Proto(),
	}
	if entry != nil {
		md.StdoutStreamName = entry.StdoutStreamName
		md.StderrStreamName = entry.StderrStreamName
	}
	mdAny, err := anypb.New(md)
	if err != nil {
		return nil, fmt.Errorf("failed to pack operation metadata: %w", err)
	}
	return &longrunning.Operation{
		Name:     name,
		Metadata: mdAny,
	}, nil
}

// CompleteOperation builds the terminal form of an operation carrying an
// ExecuteResponse. The stage is forced to COMPLETED.
func CompleteOperation(name string, actionDigest digest.Digest, resp *repb.ExecuteResponse) (*longrunning.Operation, error) {
	op, err := NewOperation(name, repb.ExecutionStage_COMPLETED, actionDigest, nil)
	if err != nil {
		return nil, err
	}
	op.Done = true
	respAny, err := anypb.New(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execute response: %w", err)
	}
	op.Result = &longrunning.Operation_Response{Response: respAny}
	return op, nil
}

// ErrorOperation builds the terminal form of an operation that failed before
// producing a result.
func ErrorOperation(name string, actionDigest digest.Digest, st *status.Status) (*longrunning.Operation, error) {
	return CompleteOperation(name, actionDigest, &repb.ExecuteResponse{
		Status: st.Proto(),
	})
}

// OperationMetadata unpacks the ExecuteOperationMetadata of an operation.
// Operations without metadata report stage UNKNOWN.
func OperationMetadata(op *longrunning.Operation) *repb.ExecuteOperationMetadata {
	md := &repb.ExecuteOperationMetadata{}
	if op == nil || op.Metadata == nil {
		return md
	}
	if err := op.Metadata.UnmarshalTo(md); err != nil {
		return &repb.ExecuteOperationMetadata{}
	}
	return md
}

// OperationStage reports the current stage of an operation
func OperationStage(op *longrunning.Operation) repb.ExecutionStage_Value {
	return OperationMetadata(op).Stage
}

// OperationResponse unpacks the ExecuteResponse of a done operation, or nil
func OperationResponse(op *longrunning.Operation) *repb.ExecuteResponse {
	if op == nil {
		return nil
	}
	r, ok := op.Result.(*longrunning.Operation_Response)
	if !ok || r.Response == nil {
		return nil
	}
	resp := &repb.ExecuteResponse{}
	if err := r.Response.UnmarshalTo(resp); err != nil {
		return nil
	}
	return resp
}

// OperationError reports the terminal error status of an operation, or nil
func OperationError(op *longrunning.Operation) *statuspb.Status {
	if resp := OperationResponse(op); resp != nil && resp.Status != nil && codes.Code(resp.Status.Code) != codes.OK {
		return resp.Status
	}
	if e, ok := op.GetResult().(*longrunning.Operation_Error); ok {
		return e.Error
	}
	return nil
}

// StripOperation reduces an operation to the form published on the operation
// channel: name, done flag and metadata, without the response payload.
func StripOperation(op *longrunning.Operation) *longrunning.Operation {
	stripped := &longrunning.Operation{
		Name:     op.Name,
		Done:     op.Done,
		Metadata: op.Metadata,
	}
	if e, ok := op.Result.(*longrunning.Operation_Error); ok {
		stripped.Result = &longrunning.Operation_Error{Error: e.Error}
	}
	return stripped
}
