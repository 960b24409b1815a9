package pipeline

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

func digestFromProto(d *repb.Digest) digest.Digest {
	return digest.FromProto(d)
}

// outputPaths normalizes the command's declared outputs
func outputPaths(command *repb.Command) []string {
	if len(command.OutputPaths) > 0 {
		return command.OutputPaths
	}
	out := make([]string, 0, len(command.OutputFiles)+len(command.OutputDirectories))
	out = append(out, command.OutputFiles...)
	out = append(out, command.OutputDirectories...)
	return out
}

// executeAction runs the subprocess under the action's timeout, capped at
// MaximumTimeout. A non-zero exit is a successful execution with a failing result,
// not a pipeline error.
func (p *Pipeline) executeAction(oc *OperationContext) error {
	oc.setStage(repb.ExecutionStage_EXECUTING)
	if err := p.queue.Put(oc.Ctx, executingOperation(oc)); err != nil {
		p.logger.Warn().Str("operation_name", oc.Name()).Err(err).Msg("Failed to publish executing state")
	}
	if len(oc.Command.Arguments) == 0 {
		return status.Error(codes.InvalidArgument, "command has no arguments")
	}

	timeout := p.cfg.DefaultTimeout
	if d := oc.Action.Timeout; d != nil {
		timeout = d.AsDuration()
	}
	if timeout > p.cfg.MaximumTimeout {
		timeout = p.cfg.MaximumTimeout
	}

	oc.Metadata.ExecutionStartTimestamp = timestampNow()
	ctx, cancel := context.WithTimeout(oc.Ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, oc.Command.Arguments[0], oc.Command.Arguments[1:]...)
	cmd.Dir = filepath.Join(oc.ExecDir.Path, oc.Command.WorkingDirectory)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = make([]string, 0, len(oc.Command.EnvironmentVariables))
	for _, v := range oc.Command.EnvironmentVariables {
		cmd.Env = append(cmd.Env, v.Name+"="+v.Value)
	}

	err := cmd.Run()
	oc.Metadata.ExecutionCompletedTimestamp = timestampNow()
	oc.Stdout = stdout.Bytes()
	oc.Stderr = stderr.Bytes()

	if ctx.Err() == context.DeadlineExceeded {
		return status.Errorf(codes.DeadlineExceeded, "action timed out after %s", timeout)
	}
	if oc.Ctx.Err() != nil {
		// Claim lost or worker draining
		return oc.Ctx.Err()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return status.Errorf(codes.Internal, "failed to run command: %s", err)
		}
	}
	oc.ExitCode = int32(cmd.ProcessState.ExitCode())
	return nil
}

// executingOperation rebuilds the operation handle at the EXECUTING stage
func executingOperation(oc *OperationContext) *longrunning.Operation {
	op, err := types.NewOperation(oc.Name(), repb.ExecutionStage_EXECUTING, oc.QueueEntry.ExecuteEntry.ActionDigest, &oc.QueueEntry.ExecuteEntry)
	if err != nil {
		return oc.Operation
	}
	oc.Operation = op
	return op
}
