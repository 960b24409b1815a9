package api

import (
	"bytes"
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/kiln/pkg/digest"
)

// --- ActionCache ---

func (s *Server) GetActionResult(ctx context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	d := digest.FromProto(req.ActionDigest)
	if err := d.Validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad action digest: %s", err)
	}
	result, err := s.backplane.GetActionResult(ctx, d)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "action cache unavailable: %s", err)
	}
	if result == nil {
		return nil, status.Errorf(codes.NotFound, "no cached result for %s", d)
	}
	return result, nil
}

func (s *Server) UpdateActionResult(ctx context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	d := digest.FromProto(req.ActionDigest)
	if err := d.Validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad action digest: %s", err)
	}
	if req.ActionResult == nil {
		return nil, status.Error(codes.InvalidArgument, "update carries no action result")
	}
	if err := s.backplane.PutActionResult(ctx, d, req.ActionResult); err != nil {
		return nil, status.Errorf(codes.Unavailable, "action cache unavailable: %s", err)
	}
	return req.ActionResult, nil
}

// --- ContentAddressableStorage ---

func (s *Server) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	digests := make([]digest.Digest, 0, len(req.BlobDigests))
	for _, pd := range req.BlobDigests {
		d := digest.FromProto(pd)
		if err := d.Validate(); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad digest: %s", err)
		}
		digests = append(digests, d)
	}
	missing, err := s.instance.FindMissingBlobs(ctx, digests)
	if err != nil {
		return nil, err
	}
	resp := &repb.FindMissingBlobsResponse{}
	for _, d := range missing {
		resp.MissingBlobDigests = append(resp.MissingBlobDigests, d.Proto())
	}
	return resp, nil
}

func (s *Server) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	resp := &repb.BatchUpdateBlobsResponse{}
	for _, r := range req.Requests {
		st := &rpcstatus.Status{}
		want := digest.FromProto(r.Digest)
		if digest.FromBlob(r.Data) != want {
			st.Code = int32(codes.InvalidArgument)
			st.Message = "content does not match digest"
		} else if _, err := s.instance.PutBlob(ctx, r.Data); err != nil {
			st.Code = int32(status.Code(err))
			st.Message = err.Error()
		}
		resp.Responses = append(resp.Responses, &repb.BatchUpdateBlobsResponse_Response{
			Digest: r.Digest,
			Status: st,
		})
	}
	return resp, nil
}

func (s *Server) BatchReadBlobs(ctx context.Context, req *repb.BatchReadBlobsRequest) (*repb.BatchReadBlobsResponse, error) {
	resp := &repb.BatchReadBlobsResponse{}
	for _, pd := range req.Digests {
		d := digest.FromProto(pd)
		r := &repb.BatchReadBlobsResponse_Response{Digest: pd, Status: &rpcstatus.Status{}}
		var buf bytes.Buffer
		if err := s.instance.GetBlob(ctx, d, 0, 0, &buf); err != nil {
			r.Status.Code = int32(status.Code(err))
			r.Status.Message = err.Error()
		} else {
			r.Data = buf.Bytes()
		}
		resp.Responses = append(resp.Responses, r)
	}
	return resp, nil
}

func (s *Server) GetTree(req *repb.GetTreeRequest, stream repb.ContentAddressableStorage_GetTreeServer) error {
	root := digest.FromProto(req.RootDigest)
	if err := root.Validate(); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad root digest: %s", err)
	}
	dirs, err := s.instance.FetchTree(stream.Context(), root)
	if err != nil {
		return err
	}
	return stream.Send(&repb.GetTreeResponse{Directories: dirs})
}

// --- Capabilities ---

func (s *Server) GetCapabilities(ctx context.Context, req *repb.GetCapabilitiesRequest) (*repb.ServerCapabilities, error) {
	return &repb.ServerCapabilities{
		CacheCapabilities: &repb.CacheCapabilities{
			DigestFunctions: []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &repb.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
			MaxBatchTotalSizeBytes:      4 * 1024 * 1024,
			SymlinkAbsolutePathStrategy: repb.SymlinkAbsolutePathStrategy_ALLOWED,
		},
		ExecutionCapabilities: &repb.ExecutionCapabilities{
			DigestFunction: repb.DigestFunction_SHA256,
			ExecEnabled:    true,
		},
	}, nil
}
