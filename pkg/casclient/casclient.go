// Package casclient reads and writes blobs on a worker's CAS services.
package casclient

import (
	"context"
	"fmt"
	"io"
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/kiln/pkg/digest"
)

// chunkSize bounds one ByteStream write request
const chunkSize = 1024 * 1024

// Client talks to one worker's ByteStream and CAS services
type Client struct {
	addr string
	conn *grpc.ClientConn
	bs   bspb.ByteStreamClient
	cas  repb.ContentAddressableStorageClient
}

// Dial connects to a worker
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{
		addr: addr,
		conn: conn,
		bs:   bspb.NewByteStreamClient(conn),
		cas:  repb.NewContentAddressableStorageClient(conn),
	}, nil
}

// Addr reports the worker this client talks to
func (c *Client) Addr() string { return c.addr }

// Close tears down the connection
func (c *Client) Close() error { return c.conn.Close() }

// ReadBlob streams a blob from the worker into w. limit of zero reads to the
// end.
func (c *Client) ReadBlob(ctx context.Context, d digest.Digest, offset, limit int64, w io.Writer) error {
	stream, err := c.bs.Read(ctx, &bspb.ReadRequest{
		ResourceName: digest.DownloadResource(d),
		ReadOffset:   offset,
		ReadLimit:    limit,
	})
	if err != nil {
		return err
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(resp.Data); err != nil {
			return fmt.Errorf("failed to write blob chunk: %w", err)
		}
	}
}

// FindMissing reports which of the digests the worker does not hold
func (c *Client) FindMissing(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	req := &repb.FindMissingBlobsRequest{}
	for _, d := range digests {
		req.BlobDigests = append(req.BlobDigests, d.Proto())
	}
	resp, err := c.cas.FindMissingBlobs(ctx, req)
	if err != nil {
		return nil, err
	}
	missing := make([]digest.Digest, 0, len(resp.MissingBlobDigests))
	for _, d := range resp.MissingBlobDigests {
		missing = append(missing, digest.FromProto(d))
	}
	return missing, nil
}

// WriteBlob uploads a blob to the worker. The resource name rides only the
// first chunk; each subsequent chunk carries the committed offset.
func (c *Client) WriteBlob(ctx context.Context, d digest.Digest, b []byte) error {
	stream, err := c.bs.Write(ctx)
	if err != nil {
		return err
	}
	resource := digest.UploadResource(d)
	offset := int64(0)
	for {
		end := offset + chunkSize
		if end > int64(len(b)) {
			end = int64(len(b))
		}
		req := &bspb.WriteRequest{
			WriteOffset: offset,
			Data:        b[offset:end],
			FinishWrite: end == int64(len(b)),
		}
		if offset == 0 {
			req.ResourceName = resource
		}
		if err := stream.Send(req); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if req.FinishWrite {
			break
		}
		offset = end
	}
	resp, err := stream.CloseAndRecv()
	if err != nil {
		return err
	}
	if resp.CommittedSize != d.Size {
		return fmt.Errorf("short write to %s: committed %d of %d", c.addr, resp.CommittedSize, d.Size)
	}
	return nil
}

// Pool caches one client per worker address
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty pool
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Get returns the pooled client for addr, dialing on first use
func (p *Pool) Get(addr string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	p.clients[addr] = c
	return c, nil
}

// Remove drops and closes the client for addr
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	c := p.clients[addr]
	delete(p.clients, addr)
	p.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// Close tears down every pooled connection
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.clients {
		_ = c.Close()
		delete(p.clients, addr)
	}
}
