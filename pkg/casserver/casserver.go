// Package casserver exposes a worker's CAS file cache over the standard
// ByteStream and ContentAddressableStorage services so frontends and peer
// workers can read and write blobs.
package casserver

import (
	"bytes"
	"context"
	"io"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/rs/zerolog"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/cuemby/kiln/pkg/cascache"
	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/log"
)

// readChunkSize bounds one ByteStream read response
const readChunkSize = 64 * 1024

// Server serves blobs out of a local CAS file cache
type Server struct {
	cache  *cascache.FileCache
	logger zerolog.Logger
}

// New creates a server over the cache
func New(cache *cascache.FileCache) *Server {
	return &Server{cache: cache, logger: log.Component("casserver")}
}

// Register installs the ByteStream and CAS services on a gRPC server
func (s *Server) Register(g *grpc.Server) {
	bspb.RegisterByteStreamServer(g, s)
	repb.RegisterContentAddressableStorageServer(g, s)
}

// --- ByteStream ---

func (s *Server) Read(req *bspb.ReadRequest, stream bspb.ByteStream_ReadServer) error {
	d, err := digest.ParseDownloadResource(req.ResourceName)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad resource name: %s", err)
	}
	if req.ReadOffset < 0 || req.ReadOffset > d.Size {
		return status.Errorf(codes.OutOfRange, "read offset %d outside blob of %d bytes", req.ReadOffset, d.Size)
	}
	r, err := s.cache.NewInput(d, req.ReadOffset)
	if err == cascache.ErrNotFound {
		return status.Errorf(codes.NotFound, "blob %s not found", d)
	}
	if err != nil {
		return status.Errorf(codes.Internal, "failed to open blob %s: %s", d, err)
	}
	defer r.Close()

	remaining := d.Size - req.ReadOffset
	if req.ReadLimit > 0 && req.ReadLimit < remaining {
		remaining = req.ReadLimit
	}
	buf := make([]byte, readChunkSize)
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		read, err := io.ReadFull(r, buf[:n])
		if err != nil {
			return status.Errorf(codes.Internal, "failed to read blob %s: %s", d, err)
		}
		if err := stream.Send(&bspb.ReadResponse{Data: buf[:read]}); err != nil {
			return err
		}
		remaining -= int64(read)
	}
	return nil
}

func (s *Server) Write(stream bspb.ByteStream_WriteServer) error {
	var (
		resource string
		d        digest.Digest
		buf      bytes.Buffer
		finished bool
	)
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if resource == "" {
			if req.ResourceName == "" {
				return status.Error(codes.InvalidArgument, "first write request must name a resource")
			}
			resource = req.ResourceName
			if _, d, err = digest.ParseUploadResource(resource); err != nil {
				return status.Errorf(codes.InvalidArgument, "bad resource name: %s", err)
			}
		} else if req.ResourceName != "" && req.ResourceName != resource {
			return status.Error(codes.InvalidArgument, "resource name changed mid-stream")
		}
		if req.WriteOffset != int64(buf.Len()) {
			return status.Errorf(codes.InvalidArgument, "write offset %d does not match committed size %d", req.WriteOffset, buf.Len())
		}
		buf.Write(req.Data)
		if req.FinishWrite {
			finished = true
			break
		}
	}
	if resource == "" {
		return status.Error(codes.InvalidArgument, "empty write stream")
	}
	if !finished {
		return status.Error(codes.InvalidArgument, "write stream ended without finish_write")
	}
	written := digest.FromBlob(buf.Bytes())
	if written != d {
		return status.Errorf(codes.InvalidArgument, "uploaded content digests to %s, want %s", written, d)
	}
	if _, err := s.cache.InsertBlob(stream.Context(), buf.Bytes(), false); err != nil {
		return status.Errorf(codes.Internal, "failed to store blob %s: %s", d, err)
	}
	return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: int64(buf.Len())})
}

func (s *Server) QueryWriteStatus(ctx context.Context, req *bspb.QueryWriteStatusRequest) (*bspb.QueryWriteStatusResponse, error) {
	_, d, err := digest.ParseUploadResource(req.ResourceName)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad resource name: %s", err)
	}
	if s.cache.Contains(d) {
		return &bspb.QueryWriteStatusResponse{CommittedSize: d.Size, Complete: true}, nil
	}
	return &bspb.QueryWriteStatusResponse{}, nil
}

// --- ContentAddressableStorage ---

func (s *Server) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	resp := &repb.FindMissingBlobsResponse{}
	for _, pd := range req.BlobDigests {
		d := digest.FromProto(pd)
		if !s.cache.Contains(d) {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, pd)
		}
	}
	return resp, nil
}

func (s *Server) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	resp := &repb.BatchUpdateBlobsResponse{}
	for _, r := range req.Requests {
		st := &rpcstatus.Status{}
		d := digest.FromProto(r.Digest)
		if digest.FromBlob(r.Data) != d {
			st.Code = int32(codes.InvalidArgument)
			st.Message = "content does not match digest"
		} else if _, err := s.cache.InsertBlob(ctx, r.Data, false); err != nil {
			st.Code = int32(codes.Internal)
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
		data, err := s.readAll(d)
		if err == cascache.ErrNotFound {
			r.Status.Code = int32(codes.NotFound)
			r.Status.Message = "blob not found"
		} else if err != nil {
			r.Status.Code = int32(codes.Internal)
			r.Status.Message = err.Error()
		} else {
			r.Data = data
		}
		resp.Responses = append(resp.Responses, r)
	}
	return resp, nil
}

func (s *Server) GetTree(req *repb.GetTreeRequest, stream repb.ContentAddressableStorage_GetTreeServer) error {
	root := digest.FromProto(req.RootDigest)
	page := &repb.GetTreeResponse{}
	var walk func(d digest.Digest) error
	walk = func(d digest.Digest) error {
		data, err := s.readAll(d)
		if err == cascache.ErrNotFound {
			return status.Errorf(codes.NotFound, "directory %s not found", d)
		}
		if err != nil {
			return status.Errorf(codes.Internal, "failed to read directory %s: %s", d, err)
		}
		dir := &repb.Directory{}
		if err := proto.Unmarshal(data, dir); err != nil {
			return status.Errorf(codes.Internal, "failed to decode directory %s: %s", d, err)
		}
		page.Directories = append(page.Directories, dir)
		for _, sub := range dir.Directories {
			if err := walk(digest.FromProto(sub.Digest)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}
	return stream.Send(page)
}

func (s *Server) readAll(d digest.Digest) ([]byte, error) {
	r, err := s.cache.NewInput(d, 0)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
