package types

import (
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/kiln/pkg/digest"
)

func TestStageOrdering(t *testing.T) {
	order := []repb.ExecutionStage_Value{
		repb.ExecutionStage_UNKNOWN,
		repb.ExecutionStage_CACHE_CHECK,
		repb.ExecutionStage_QUEUED,
		repb.ExecutionStage_EXECUTING,
		repb.ExecutionStage_COMPLETED,
	}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, StageRank(order[i]), StageRank(order[i-1]))
	}
}

func TestOperationMetadataRoundTrip(t *testing.T) {
	d := digest.FromBlob([]byte("action"))
	entry := &ExecuteEntry{
		StdoutStreamName: "op/streams/stdout",
		StderrStreamName: "op/streams/stderr",
	}
	op, err := NewOperation("op-1", repb.ExecutionStage_QUEUED, d, entry)
	require.NoError(t, err)
	assert.Equal(t, "op-1", op.Name)
	assert.False(t, op.Done)

	md := OperationMetadata(op)
	assert.Equal(t, repb.ExecutionStage_QUEUED, md.Stage)
	assert.Equal(t, d, digest.FromProto(md.ActionDigest))
	assert.Equal(t, "op/streams/stdout", md.StdoutStreamName)
}

func TestCompleteOperationCarriesResponse(t *testing.T) {
	d := digest.FromBlob([]byte("action"))
	op, err := CompleteOperation("op-2", d, &repb.ExecuteResponse{
		Result:       &repb.ActionResult{ExitCode: 3},
		CachedResult: true,
	})
	require.NoError(t, err)
	assert.True(t, op.Done)
	assert.Equal(t, repb.ExecutionStage_COMPLETED, OperationStage(op))

	resp := OperationResponse(op)
	require.NotNil(t, resp)
	assert.True(t, resp.CachedResult)
	assert.Equal(t, int32(3), resp.Result.ExitCode)
	assert.Nil(t, OperationError(op))
}

func TestErrorOperation(t *testing.T) {
	d := digest.FromBlob([]byte("action"))
	op, err := ErrorOperation("op-3", d, status.New(codes.FailedPrecondition, "missing input"))
	require.NoError(t, err)
	assert.True(t, op.Done)

	errStatus := OperationError(op)
	require.NotNil(t, errStatus)
	assert.Equal(t, codes.FailedPrecondition, codes.Code(errStatus.Code))
	assert.Equal(t, "missing input", errStatus.Message)
}

func TestStripOperationDropsPayload(t *testing.T) {
	d := digest.FromBlob([]byte("action"))
	op, err := CompleteOperation("op-4", d, &repb.ExecuteResponse{
		Result: &repb.ActionResult{ExitCode: 0},
	})
	require.NoError(t, err)

	stripped := StripOperation(op)
	assert.Equal(t, op.Name, stripped.Name)
	assert.True(t, stripped.Done)
	assert.NotNil(t, stripped.Metadata)
	assert.Nil(t, OperationResponse(stripped))
}

func TestQueuedOperationRoundTrip(t *testing.T) {
	command := &repb.Command{Arguments: []string{"cc", "-c", "main.c"}}
	root := &repb.Directory{
		Files: []*repb.FileNode{{Name: "main.c", Digest: digest.FromBlob([]byte("int main(){}")).Proto()}},
	}
	action := &repb.Action{}

	queued, err := PackQueuedOperation(action, command, []*repb.Directory{root})
	require.NoError(t, err)
	raw, err := queued.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalQueuedOperation(raw)
	require.NoError(t, err)
	gotAction, gotCommand, gotDirs, err := decoded.Unpack()
	require.NoError(t, err)
	assert.NotNil(t, gotAction)
	assert.Equal(t, command.Arguments, gotCommand.Arguments)
	require.Len(t, gotDirs, 1)
	assert.Equal(t, "main.c", gotDirs[0].Files[0].Name)
}

func TestIndexDirectories(t *testing.T) {
	sub := &repb.Directory{}
	subDigest, _, err := digest.FromMessage(sub)
	require.NoError(t, err)
	root := &repb.Directory{
		Directories: []*repb.DirectoryNode{{Name: "sub", Digest: subDigest.Proto()}},
	}
	rootDigest, _, err := digest.FromMessage(root)
	require.NoError(t, err)

	index, err := IndexDirectories([]*repb.Directory{root, sub})
	require.NoError(t, err)
	assert.Same(t, root, index[rootDigest])
	assert.Same(t, sub, index[subDigest])
}
