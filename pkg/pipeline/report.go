package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

// reportResult uploads outputs into the local CAS, records the ActionResult,
// publishes the terminal operation and tears down the exec directory.
func (p *Pipeline) reportResult(oc *OperationContext) error {
	oc.Metadata.OutputUploadStartTimestamp = timestampNow()
	result := &repb.ActionResult{
		ExitCode:          oc.ExitCode,
		ExecutionMetadata: oc.Metadata,
	}
	if err := p.attachStd(oc, result); err != nil {
		return err
	}
	for _, out := range outputPaths(oc.Command) {
		if err := p.collectOutput(oc, result, out); err != nil {
			return err
		}
	}
	oc.Metadata.OutputUploadCompletedTimestamp = timestampNow()
	oc.Metadata.WorkerCompletedTimestamp = timestampNow()

	if !oc.Action.DoNotCache && oc.ExitCode == 0 {
		actionKey := oc.QueueEntry.ExecuteEntry.ActionDigest
		if err := p.queue.PutActionResult(oc.Ctx, actionKey, result); err != nil {
			p.logger.Warn().Str("operation_name", oc.Name()).Err(err).Msg("Failed to cache action result")
		}
	}

	op, err := types.CompleteOperation(oc.Name(), oc.QueueEntry.ExecuteEntry.ActionDigest, &repb.ExecuteResponse{
		Result: result,
		Status: &rpcstatus.Status{Code: int32(codes.OK)},
	})
	if err != nil {
		return fmt.Errorf("failed to build terminal operation: %w", err)
	}
	// Completion must land even if the client context is gone
	if err := p.queue.Complete(context.Background(), oc.Name(), op); err != nil {
		return fmt.Errorf("failed to complete operation: %w", err)
	}
	p.destroyExecDir(oc)
	return nil
}

// attachStd records stdout/stderr, inlining small streams and storing every
// stream as a blob.
func (p *Pipeline) attachStd(oc *OperationContext, result *repb.ActionResult) error {
	if len(oc.Stdout) <= p.cfg.InlineStdoutLimit {
		result.StdoutRaw = oc.Stdout
	}
	d, err := p.cache.InsertBlob(oc.Ctx, oc.Stdout, false)
	if err != nil {
		return fmt.Errorf("failed to store stdout: %w", err)
	}
	result.StdoutDigest = d.Proto()
	if len(oc.Stderr) <= p.cfg.InlineStdoutLimit {
		result.StderrRaw = oc.Stderr
	}
	if d, err = p.cache.InsertBlob(oc.Ctx, oc.Stderr, false); err != nil {
		return fmt.Errorf("failed to store stderr: %w", err)
	}
	result.StderrDigest = d.Proto()
	return nil
}

// collectOutput gathers one declared output into the action result
func (p *Pipeline) collectOutput(oc *OperationContext, result *repb.ActionResult, out string) error {
	full := filepath.Join(oc.ExecDir.Path, oc.Command.WorkingDirectory, out)
	info, err := os.Lstat(full)
	if os.IsNotExist(err) {
		// Commands may declare outputs they do not produce
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat output %s: %w", out, err)
	}
	switch {
	case info.IsDir():
		tree, err := p.collectTree(oc, full)
		if err != nil {
			return fmt.Errorf("failed to collect output directory %s: %w", out, err)
		}
		td, raw, err := digest.FromMessage(tree)
		if err != nil {
			return err
		}
		if _, err := p.cache.InsertBlob(oc.Ctx, raw, false); err != nil {
			return fmt.Errorf("failed to store output tree %s: %w", out, err)
		}
		result.OutputDirectories = append(result.OutputDirectories, &repb.OutputDirectory{
			Path:       out,
			TreeDigest: td.Proto(),
		})
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(full)
		if err != nil {
			return fmt.Errorf("failed to read output symlink %s: %w", out, err)
		}
		result.OutputFileSymlinks = append(result.OutputFileSymlinks, &repb.OutputSymlink{
			Path:   out,
			Target: target,
		})
	default:
		d, err := p.collectFile(oc, full, info.Mode()&0100 != 0)
		if err != nil {
			return fmt.Errorf("failed to collect output %s: %w", out, err)
		}
		result.OutputFiles = append(result.OutputFiles, &repb.OutputFile{
			Path:         out,
			Digest:       d.Proto(),
			IsExecutable: info.Mode()&0100 != 0,
		})
	}
	return nil
}

// collectFile hashes one output file and links it into the local CAS
func (p *Pipeline) collectFile(oc *OperationContext, path string, executable bool) (digest.Digest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return digest.Digest{}, err
	}
	d := digest.FromBlob(b)
	if err := p.cache.InsertFile(oc.Ctx, path, d, executable); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// collectTree gathers an output directory and its descendants into a Tree
func (p *Pipeline) collectTree(oc *OperationContext, dir string) (*repb.Tree, error) {
	root, children, err := p.collectDir(oc, dir)
	if err != nil {
		return nil, err
	}
	return &repb.Tree{Root: root, Children: children}, nil
}

func (p *Pipeline) collectDir(oc *OperationContext, dir string) (*repb.Directory, []*repb.Directory, error) {
	d := &repb.Directory{}
	var children []*repb.Directory
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dir, name)
		info, err := entry.Info()
		if err != nil {
			return nil, nil, err
		}
		switch {
		case entry.IsDir():
			sub, subChildren, err := p.collectDir(oc, full)
			if err != nil {
				return nil, nil, err
			}
			sd, raw, err := digest.FromMessage(sub)
			if err != nil {
				return nil, nil, err
			}
			if _, err := p.cache.InsertBlob(oc.Ctx, raw, false); err != nil {
				return nil, nil, err
			}
			d.Directories = append(d.Directories, &repb.DirectoryNode{Name: name, Digest: sd.Proto()})
			children = append(children, sub)
			children = append(children, subChildren...)
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return nil, nil, err
			}
			d.Symlinks = append(d.Symlinks, &repb.SymlinkNode{Name: name, Target: target})
		default:
			fd, err := p.collectFile(oc, full, info.Mode()&0100 != 0)
			if err != nil {
				return nil, nil, err
			}
			d.Files = append(d.Files, &repb.FileNode{
				Name:         name,
				Digest:       fd.Proto(),
				IsExecutable: info.Mode()&0100 != 0,
			})
		}
	}
	return d, children, nil
}

func (p *Pipeline) destroyExecDir(oc *OperationContext) {
	if oc.ExecDir == nil {
		return
	}
	if err := p.execFS.DestroyExecDir(oc.ExecDir); err != nil {
		p.logger.Warn().Str("operation_name", oc.Name()).Err(err).Msg("Failed to destroy exec dir")
	}
	oc.ExecDir = nil
}
