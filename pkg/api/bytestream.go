package api

import (
	"bytes"
	"context"
	"io"

	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

const readChunkSize = 64 * 1024

// Read streams a blob or an operation output stream to the client
func (s *Server) Read(req *bspb.ReadRequest, stream bspb.ByteStream_ReadServer) error {
	if opName, kind, err := digest.ParseStreamResource(req.ResourceName); err == nil {
		return s.readOperationStream(stream, opName, kind, req.ReadOffset, req.ReadLimit)
	}
	d, err := digest.ParseDownloadResource(req.ResourceName)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad resource name: %s", err)
	}
	if req.ReadOffset < 0 || req.ReadOffset > d.Size {
		return status.Errorf(codes.OutOfRange, "read offset %d outside blob of %d bytes", req.ReadOffset, d.Size)
	}
	return s.instance.GetBlob(stream.Context(), d, req.ReadOffset, req.ReadLimit, chunkWriter{stream})
}

// readOperationStream serves <operation>/streams/{stdout,stderr} by
// resolving the stream digest out of the operation's action result.
func (s *Server) readOperationStream(stream bspb.ByteStream_ReadServer, opName string, kind digest.StreamKind, offset, limit int64) error {
	op, err := s.instance.GetOperation(stream.Context(), opName)
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to read operation: %s", err)
	}
	if op == nil {
		return status.Errorf(codes.NotFound, "no operation named %q", opName)
	}
	resp := types.OperationResponse(op)
	if resp == nil || resp.Result == nil {
		return status.Errorf(codes.NotFound, "operation %q has no result yet", opName)
	}
	var raw []byte
	var d digest.Digest
	if kind == digest.StdoutStream {
		raw, d = resp.Result.StdoutRaw, digest.FromProto(resp.Result.StdoutDigest)
	} else {
		raw, d = resp.Result.StderrRaw, digest.FromProto(resp.Result.StderrDigest)
	}
	if len(raw) > 0 {
		if offset > int64(len(raw)) {
			return status.Errorf(codes.OutOfRange, "offset %d outside stream of %d bytes", offset, len(raw))
		}
		raw = raw[offset:]
		if limit > 0 && limit < int64(len(raw)) {
			raw = raw[:limit]
		}
		return stream.Send(&bspb.ReadResponse{Data: raw})
	}
	if d.Hash == "" {
		return status.Errorf(codes.NotFound, "operation %q recorded no %s", opName, kind)
	}
	return s.instance.GetBlob(stream.Context(), d, offset, limit, chunkWriter{stream})
}

// chunkWriter adapts a ByteStream read stream to io.Writer
type chunkWriter struct {
	stream bspb.ByteStream_ReadServer
}

func (w chunkWriter) Write(p []byte) (int, error) {
	for off := 0; off < len(p); off += readChunkSize {
		end := off + readChunkSize
		if end > len(p) {
			end = len(p)
		}
		if err := w.stream.Send(&bspb.ReadResponse{Data: p[off:end]}); err != nil {
			return off, err
		}
	}
	return len(p), nil
}

// Write accepts a blob upload and forwards it to a worker's CAS. The
// resource name rides the first chunk only; offsets must match the bytes
// already received; finish_write closes the stream.
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
	if got := digest.FromBlob(buf.Bytes()); got != d {
		return status.Errorf(codes.InvalidArgument, "uploaded content digests to %s, want %s", got, d)
	}
	if _, err := s.instance.PutBlob(stream.Context(), buf.Bytes()); err != nil {
		return err
	}
	return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: int64(buf.Len())})
}

func (s *Server) QueryWriteStatus(ctx context.Context, req *bspb.QueryWriteStatusRequest) (*bspb.QueryWriteStatusResponse, error) {
	_, d, err := digest.ParseUploadResource(req.ResourceName)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad resource name: %s", err)
	}
	missing, err := s.instance.FindMissingBlobs(ctx, []digest.Digest{d})
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return &bspb.QueryWriteStatusResponse{CommittedSize: d.Size, Complete: true}, nil
	}
	return &bspb.QueryWriteStatusResponse{}, nil
}
