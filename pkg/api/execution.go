package api

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/cuemby/kiln/pkg/digest"
)

// requestMetadataKey is the standard binary header carrying RequestMetadata
const requestMetadataKey = "build.bazel.remote.execution.v2.requestmetadata-bin"

// Execute admits an action and streams operation state until terminal
func (s *Server) Execute(req *repb.ExecuteRequest, stream repb.Execution_ExecuteServer) error {
	if req.ActionDigest == nil {
		return status.Error(codes.InvalidArgument, "execute request names no action")
	}
	sink := newOperationSink()
	name, err := s.instance.Execute(stream.Context(),
		digest.FromProto(req.ActionDigest),
		req.SkipCacheLookup,
		requestMetadataFromContext(stream.Context()),
		sink.observe)
	if err != nil {
		return err
	}
	return s.streamOperation(name, sink, stream)
}

// WaitExecution re-attaches to an operation stream
func (s *Server) WaitExecution(req *repb.WaitExecutionRequest, stream repb.Execution_WaitExecutionServer) error {
	sink := newOperationSink()
	if err := s.instance.WatchOperation(stream.Context(), req.Name, sink.observe); err != nil {
		return err
	}
	return s.streamOperation(req.Name, sink, stream)
}

// operationStream is the send surface shared by Execute and WaitExecution
type operationStream interface {
	Send(*longrunning.Operation) error
	Context() context.Context
}

// streamOperation forwards watcher deliveries to the client until the
// operation completes or the watch expires.
func (s *Server) streamOperation(name string, sink *operationSink, stream operationStream) error {
	defer sink.close()
	for {
		select {
		case op := <-sink.ch:
			if op == nil {
				return status.Error(codes.DeadlineExceeded, "operation watch expired")
			}
			if op.Done {
				// The published form is stripped; return the full payload
				full, err := s.instance.GetOperation(stream.Context(), name)
				if err == nil && full != nil {
					op = full
				}
				return stream.Send(op)
			}
			if err := stream.Send(op); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// operationSink adapts a watcher callback to a channel. Intermediate states
// may be coalesced under pressure; terminal observations are never dropped.
type operationSink struct {
	ch     chan *longrunning.Operation
	closed chan struct{}
}

func newOperationSink() *operationSink {
	return &operationSink{
		ch:     make(chan *longrunning.Operation, 16),
		closed: make(chan struct{}),
	}
}

func (o *operationSink) close() {
	close(o.closed)
}

func (o *operationSink) observe(op *longrunning.Operation) {
	if op == nil || op.Done {
		// A terminal observation must not be dropped while the client is
		// still attached.
		select {
		case o.ch <- op:
		case <-o.closed:
		}
		return
	}
	select {
	case o.ch <- op:
	default:
	}
}

// requestMetadataFromContext extracts the client's RequestMetadata wire
// bytes, used to spot retried requests.
func requestMetadataFromContext(ctx context.Context) []byte {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	values := md.Get(requestMetadataKey)
	if len(values) == 0 {
		return nil
	}
	// Validate before trusting the header
	rm := &repb.RequestMetadata{}
	if err := proto.Unmarshal([]byte(values[0]), rm); err != nil {
		return nil
	}
	return []byte(values[0])
}
