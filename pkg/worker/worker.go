// Package worker assembles the execution node: the CAS file cache, the CAS
// services, and the match -> fetch -> execute -> report pipeline.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"path/filepath"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/kiln/pkg/backplane"
	"github.com/cuemby/kiln/pkg/cascache"
	"github.com/cuemby/kiln/pkg/casclient"
	"github.com/cuemby/kiln/pkg/casserver"
	"github.com/cuemby/kiln/pkg/config"
	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/execdir"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/pipeline"
)

// Worker is one execution node of the farm
type Worker struct {
	cfg       config.WorkerConfig
	name      string
	backplane backplane.Backplane
	cache     *cascache.FileCache
	execFS    *execdir.FileSystem
	pipeline  *pipeline.Pipeline
	clients   *casclient.Pool
	grpc      *grpc.Server
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker from its config section
func New(cfg config.WorkerConfig, bp backplane.Backplane) (*Worker, error) {
	maxSize, err := cfg.MaxCacheSizeBytes()
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:       cfg,
		name:      cfg.PublicName,
		backplane: bp,
		clients:   casclient.NewPool(),
		logger:    log.Worker(cfg.PublicName),
	}
	w.cache = cascache.New(cascache.Config{
		Root:         filepath.Join(cfg.Root, "cas"),
		MaxSizeBytes: maxSize,
	})
	w.cache.OnPut = w.announceBlob
	w.cache.OnExpire = w.retractBlobs
	w.execFS, err = execdir.New(execdir.Config{
		Root:                 filepath.Join(cfg.Root, "exec"),
		LinkInputDirectories: cfg.LinkInputDirectories,
	}, w.cache)
	if err != nil {
		return nil, err
	}
	w.pipeline = pipeline.New(cfg.Pipeline, &operationQueue{w}, w.cache, w.execFS, w.fetchBlob)
	w.grpc = grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(),
			grpc_prometheus.UnaryServerInterceptor,
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_recovery.StreamServerInterceptor(),
			grpc_prometheus.StreamServerInterceptor,
		)),
	)
	casserver.New(w.cache).Register(w.grpc)
	grpc_prometheus.Register(w.grpc)
	return w, nil
}

// Start recovers the cache, joins the worker set and begins matching work
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	if err := w.cache.Start(); err != nil {
		return fmt.Errorf("failed to start cas cache: %w", err)
	}

	lis, err := net.Listen("tcp", w.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.cfg.Listen, err)
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.grpc.Serve(lis); err != nil {
			w.logger.Error().Err(err).Msg("CAS server stopped")
		}
	}()

	if err := w.backplane.AddWorker(w.ctx, w.name); err != nil {
		return fmt.Errorf("failed to join worker set: %w", err)
	}
	w.announceContents()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.announceLoop(w.ctx)
	}()

	w.pipeline.Start(w.ctx)
	w.logger.Info().Str("listen", w.cfg.Listen).Msg("Worker started")
	return nil
}

// Stop drains the pipeline and leaves the worker set
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.pipeline.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.backplane.RemoveWorker(ctx, w.name); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to leave worker set")
	}
	w.grpc.GracefulStop()
	w.wg.Wait()
	w.clients.Close()
	w.logger.Info().Msg("Worker stopped")
}

// announceLoop re-registers membership periodically so a flapping backplane
// converges back to the true worker set.
func (w *Worker) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.backplane.AddWorker(ctx, w.name); err != nil && ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("Failed to re-announce membership")
			}
		case <-ctx.Done():
			return
		}
	}
}

// announceContents registers every recovered blob in the location index
func (w *Worker) announceContents() {
	digests := w.cache.Digests()
	ctx, cancel := context.WithTimeout(w.ctx, time.Minute)
	defer cancel()
	for _, d := range digests {
		if err := w.backplane.AdjustBlobLocations(ctx, d, []string{w.name}, nil); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to announce cache contents")
			return
		}
	}
	w.logger.Info().Int("blobs", len(digests)).Msg("Announced cache contents")
}

func (w *Worker) announceBlob(d digest.Digest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.backplane.AdjustBlobLocations(ctx, d, []string{w.name}, nil); err != nil {
		w.logger.Warn().Str("digest", d.Key()).Err(err).Msg("Failed to announce blob")
	}
}

func (w *Worker) retractBlobs(digests []digest.Digest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, d := range digests {
		if err := w.backplane.AdjustBlobLocations(ctx, d, nil, []string{w.name}); err != nil {
			w.logger.Warn().Str("digest", d.Key()).Err(err).Msg("Failed to retract blob")
		}
	}
}

// fetchBlob fills a local cache miss from a peer worker that holds the blob
func (w *Worker) fetchBlob(ctx context.Context, d digest.Digest, out io.Writer) error {
	locations, err := w.backplane.BlobLocations(ctx, d)
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to read blob locations: %s", err)
	}
	rand.Shuffle(len(locations), func(i, j int) { locations[i], locations[j] = locations[j], locations[i] })
	var lastErr error = status.Errorf(codes.NotFound, "blob %s has no locations", d)
	for _, peer := range locations {
		if peer == w.name {
			continue
		}
		client, err := w.clients.Get(peer)
		if err != nil {
			lastErr = err
			continue
		}
		// Buffer the read so a mid-stream failure cannot corrupt out
		var buf bytes.Buffer
		if err := client.ReadBlob(ctx, d, 0, 0, &buf); err != nil {
			if status.Code(err) == codes.NotFound {
				_ = w.backplane.AdjustBlobLocations(ctx, d, nil, []string{peer})
			}
			lastErr = err
			continue
		}
		if got := digest.FromBlob(buf.Bytes()); got != d {
			lastErr = status.Errorf(codes.Internal, "peer %s served %s for %s", peer, got, d)
			continue
		}
		_, err = out.Write(buf.Bytes())
		return err
	}
	return lastErr
}
