package instance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/metrics"
)

// FindMissingBlobs reports which digests no worker holds. Workers are tried
// in shuffled order, each narrowing the still-missing subset; the walk
// short-circuits once nothing is missing. Broken workers are culled from the
// set, retriable ones are retried at the tail.
func (in *Instance) FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	missing := append([]digest.Digest(nil), digests...)
	if len(missing) == 0 {
		return nil, nil
	}
	workers, err := in.backplane.Workers(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to list workers: %s", err)
	}
	rand.Shuffle(len(workers), func(i, j int) { workers[i], workers[j] = workers[j], workers[i] })

	var hops error
	retried := map[string]bool{}
	for i := 0; i < len(workers) && len(missing) > 0; i++ {
		worker := workers[i]
		client, err := in.clients.Get(worker)
		if err != nil {
			in.dropWorker(ctx, worker)
			continue
		}
		stillMissing, err := client.FindMissing(ctx, missing)
		if err != nil {
			hops = multierror.Append(hops, fmt.Errorf("%s: %w", worker, err))
			switch status.Code(err) {
			case codes.Unavailable, codes.Unimplemented:
				in.dropWorker(ctx, worker)
			case codes.DeadlineExceeded:
				return nil, status.Errorf(codes.DeadlineExceeded, "find missing blobs timed out: %s", hops)
			default:
				if !retried[worker] {
					retried[worker] = true
					workers = append(workers, worker)
				}
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		missing = stillMissing
	}
	return missing, nil
}

// GetBlob streams a blob to w, failing over across the workers known to hold
// it. An empty location set triggers one correction pass before failing, and
// a fully missing blob gets exactly one corrected retry.
func (in *Instance) GetBlob(ctx context.Context, d digest.Digest, offset, limit int64, w io.Writer) error {
	if offset > d.Size {
		return status.Errorf(codes.OutOfRange, "offset %d outside blob of %d bytes", offset, d.Size)
	}
	err := in.getBlobOnce(ctx, d, offset, limit, w)
	if status.Code(err) != codes.NotFound {
		return err
	}
	// One explicit correction pass, then one retry
	if _, cerr := in.correctMissingBlob(ctx, d); cerr != nil {
		return err
	}
	return in.getBlobOnce(ctx, d, offset, limit, w)
}

func (in *Instance) getBlobOnce(ctx context.Context, d digest.Digest, offset, limit int64, w io.Writer) error {
	candidates, err := in.blobCandidates(ctx, d)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		if candidates, err = in.correctMissingBlob(ctx, d); err != nil {
			return err
		}
	}
	hops := 0
	retried := map[string]bool{}
	for i := 0; i < len(candidates); i++ {
		worker := candidates[i]
		hops++
		client, err := in.clients.Get(worker)
		if err != nil {
			in.dropWorker(ctx, worker)
			continue
		}
		err = client.ReadBlob(ctx, d, offset, limit, w)
		if err == nil {
			metrics.BlobReadHops.Observe(float64(hops))
			return nil
		}
		switch status.Code(err) {
		case codes.NotFound:
			// Stale location: fix the index and move on
			in.logger.Debug().Str("worker", worker).Str("digest", d.Key()).Msg("Blob location was stale")
			_ = in.backplane.AdjustBlobLocations(ctx, d, nil, []string{worker})
		case codes.Unavailable:
			in.dropWorker(ctx, worker)
		case codes.Canceled, codes.DeadlineExceeded:
			return err
		default:
			if !retried[worker] {
				retried[worker] = true
				candidates = append(candidates, worker)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return status.Errorf(codes.NotFound, "blob %s not found on any worker", d)
}

// blobCandidates intersects the worker set with the blob's location set
func (in *Instance) blobCandidates(ctx context.Context, d digest.Digest) ([]string, error) {
	workers, err := in.backplane.Workers(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to list workers: %s", err)
	}
	locations, err := in.backplane.BlobLocations(ctx, d)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to read blob locations: %s", err)
	}
	active := map[string]bool{}
	for _, w := range workers {
		active[w] = true
	}
	var candidates []string
	for _, w := range locations {
		if active[w] {
			candidates = append(candidates, w)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	return candidates, nil
}

// correctMissingBlob polls every worker for the blob in parallel and writes
// the observed truth back into the location index, returning the holders.
func (in *Instance) correctMissingBlob(ctx context.Context, d digest.Digest) ([]string, error) {
	workers, err := in.backplane.Workers(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to list workers: %s", err)
	}
	var mu struct {
		holders []string
		absent  []string
	}
	var muLock sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, worker := range workers {
		worker := worker
		g.Go(func() error {
			client, err := in.clients.Get(worker)
			if err != nil {
				return nil
			}
			missing, err := client.FindMissing(gctx, []digest.Digest{d})
			if err != nil {
				return nil
			}
			muLock.Lock()
			if len(missing) == 0 {
				mu.holders = append(mu.holders, worker)
			} else {
				mu.absent = append(mu.absent, worker)
			}
			muLock.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := in.backplane.AdjustBlobLocations(ctx, d, mu.holders, mu.absent); err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to adjust blob locations: %s", err)
	}
	return mu.holders, nil
}

// PutBlob uploads a blob to one worker and records its location
func (in *Instance) PutBlob(ctx context.Context, b []byte) (digest.Digest, error) {
	d := digest.FromBlob(b)
	workers, err := in.backplane.Workers(ctx)
	if err != nil {
		return digest.Digest{}, status.Errorf(codes.Unavailable, "failed to list workers: %s", err)
	}
	if len(workers) == 0 {
		return digest.Digest{}, status.Error(codes.Unavailable, "no workers available")
	}
	rand.Shuffle(len(workers), func(i, j int) { workers[i], workers[j] = workers[j], workers[i] })
	var lastErr error
	for _, worker := range workers {
		client, err := in.clients.Get(worker)
		if err != nil {
			in.dropWorker(ctx, worker)
			continue
		}
		if err := client.WriteBlob(ctx, d, b); err != nil {
			lastErr = fmt.Errorf("%s: %w", worker, err)
			if status.Code(err) == codes.Unavailable {
				in.dropWorker(ctx, worker)
			}
			continue
		}
		if err := in.backplane.AdjustBlobLocations(ctx, d, []string{worker}, nil); err != nil {
			return digest.Digest{}, status.Errorf(codes.Unavailable, "failed to record blob location: %s", err)
		}
		return d, nil
	}
	return digest.Digest{}, status.Errorf(codes.Unavailable, "failed to upload blob to any worker: %s", lastErr)
}

// fetchProto reads and decodes one proto blob from the farm
func (in *Instance) fetchProto(ctx context.Context, d digest.Digest, m proto.Message) error {
	var buf bytes.Buffer
	if err := in.GetBlob(ctx, d, 0, 0, &buf); err != nil {
		return err
	}
	if err := proto.Unmarshal(buf.Bytes(), m); err != nil {
		return status.Errorf(codes.Internal, "failed to decode blob %s: %s", d, err)
	}
	return nil
}

// dropWorker removes an unreachable worker from the active set
func (in *Instance) dropWorker(ctx context.Context, worker string) {
	in.logger.Warn().Str("worker", worker).Msg("Removing unreachable worker")
	in.clients.Remove(worker)
	if err := in.backplane.RemoveWorker(ctx, worker); err != nil {
		in.logger.Warn().Str("worker", worker).Err(err).Msg("Failed to remove worker")
	}
}
