package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/cuemby/kiln/pkg/backplane"
	"github.com/cuemby/kiln/pkg/casclient"
	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/cuemby/kiln/pkg/watcher"
)

// Config holds shard tuning
type Config struct {
	// TransformTokens caps concurrent prequeue transforms
	TransformTokens int `yaml:"transform_tokens"`
	// CacheCheckTimeout bounds one action cache lookup
	CacheCheckTimeout time.Duration `yaml:"cache_check_timeout"`
	// MonitorInterval paces the dispatched monitor sweeps
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// ExpireInterval paces the watcher expiration sweeps
	ExpireInterval time.Duration `yaml:"expire_interval"`
	// RetryCacheTTL is how long a served-from-cache execution forces
	// skip_cache_lookup on retries of the same request metadata.
	RetryCacheTTL time.Duration `yaml:"retry_cache_ttl"`
	// MaxRequeueAttempts bounds redelivery before an operation is failed
	MaxRequeueAttempts int `yaml:"max_requeue_attempts"`
	// WatcherTTL is the deadline extension granted on each delivery
	WatcherTTL time.Duration `yaml:"watcher_ttl"`
}

// Normalize fills defaults
func (c *Config) Normalize() {
	if c.TransformTokens <= 0 {
		c.TransformTokens = 256
	}
	if c.CacheCheckTimeout <= 0 {
		c.CacheCheckTimeout = 60 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = 10 * time.Second
	}
	if c.RetryCacheTTL <= 0 {
		c.RetryCacheTTL = 5 * time.Minute
	}
	if c.MaxRequeueAttempts <= 0 {
		c.MaxRequeueAttempts = 5
	}
	if c.WatcherTTL <= 0 {
		c.WatcherTTL = 10 * time.Second
	}
}

// Instance is one frontend shard: it validates and transforms execute
// requests, serves cached results, fans blob reads out across workers and
// notifies watchers of operation state.
type Instance struct {
	cfg       Config
	backplane backplane.Backplane
	hub       *watcher.Hub
	clients   *casclient.Pool
	logger    zerolog.Logger

	// recentCacheServed forces skip_cache_lookup on retried request
	// metadata, so a retry loop cannot be fed the same cached failure.
	recentMu          sync.Mutex
	recentCacheServed map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a shard over the given backplane
func New(cfg Config, bp backplane.Backplane) *Instance {
	cfg.Normalize()
	return &Instance{
		cfg:               cfg,
		backplane:         bp,
		hub:               watcher.NewHub(watcher.Config{TTL: cfg.WatcherTTL}),
		clients:           casclient.NewPool(),
		logger:            log.Component("instance"),
		recentCacheServed: make(map[string]time.Time),
	}
}

// Start wires the pub/sub subscription into the watcher hub and launches the
// operation queuer, the dispatched monitor and the expiration janitor.
func (in *Instance) Start(ctx context.Context) error {
	in.ctx, in.cancel = context.WithCancel(ctx)
	err := in.backplane.Subscribe(backplane.Subscription{
		OnMessage:   in.hub.OnMessage,
		OnReconnect: in.resolveWatchers,
		OnUnsubscribe: func(err error) {
			if err != nil {
				in.logger.Error().Err(err).Msg("Operation subscription lost for good, stopping shard")
				in.cancel()
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to operation channel: %w", err)
	}
	in.wg.Add(3)
	go func() {
		defer in.wg.Done()
		in.runQueuer(in.ctx)
	}()
	go func() {
		defer in.wg.Done()
		in.runMonitor(in.ctx)
	}()
	go func() {
		defer in.wg.Done()
		in.runJanitors(in.ctx)
	}()
	in.logger.Info().Msg("Instance started")
	return nil
}

// Stop drains background work
func (in *Instance) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()
	in.hub.Stop()
	in.clients.Close()
}

// Execute admits a request into the prequeue and registers the watcher on
// its operation channel. The operation name is returned for WaitExecution.
func (in *Instance) Execute(ctx context.Context, actionDigest digest.Digest, skipCacheLookup bool, requestMetadata []byte, w watcher.Watcher) (string, error) {
	if err := actionDigest.Validate(); err != nil {
		return "", status.Errorf(codes.InvalidArgument, "bad action digest: %s", err)
	}
	ok, err := in.backplane.CanPrequeue(ctx)
	if err != nil {
		return "", status.Errorf(codes.Unavailable, "backplane unavailable: %s", err)
	}
	if !ok {
		return "", status.Error(codes.Unavailable, "prequeue is full")
	}

	name := uuid.New().String()
	entry := &types.ExecuteEntry{
		OperationName:    name,
		ActionDigest:     actionDigest,
		SkipCacheLookup:  skipCacheLookup || in.retriedCacheServed(actionDigest, requestMetadata),
		RequestMetadata:  requestMetadata,
		StdoutStreamName: name + "/streams/stdout",
		StderrStreamName: name + "/streams/stderr",
		QueuedAt:         time.Now(),
	}
	op, err := types.NewOperation(name, repb.ExecutionStage_UNKNOWN, actionDigest, entry)
	if err != nil {
		return "", status.Errorf(codes.Internal, "failed to build operation: %s", err)
	}
	// Register the watcher before the prequeue write so no transition can
	// slip between the two.
	var handle *watcher.Handle
	if w != nil {
		handle = in.hub.Watch(name, w)
	}
	if err := in.backplane.Prequeue(ctx, entry, op); err != nil {
		if handle != nil {
			handle.Cancel()
		}
		return "", status.Errorf(codes.Unavailable, "failed to prequeue: %s", err)
	}
	metrics.OperationsPrequeued.Inc()
	return name, nil
}

// WatchOperation delivers the current stripped operation state and, unless
// the operation is done, registers a subscription for further transitions.
func (in *Instance) WatchOperation(ctx context.Context, name string, w watcher.Watcher) error {
	op, err := in.backplane.GetOperation(ctx, name)
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to read operation: %s", err)
	}
	if op == nil {
		return status.Errorf(codes.NotFound, "no operation named %q", name)
	}
	if !op.Done {
		in.hub.Watch(name, w)
	}
	w(types.StripOperation(op))
	return nil
}

// GetOperation reads the full operation, response payload included
func (in *Instance) GetOperation(ctx context.Context, name string) (*longrunning.Operation, error) {
	return in.backplane.GetOperation(ctx, name)
}

// retriedCacheServed reports whether the same request metadata was recently
// answered from the action cache. recordCacheServed records the sightings.
func (in *Instance) retriedCacheServed(actionDigest digest.Digest, requestMetadata []byte) bool {
	if len(requestMetadata) == 0 {
		return false
	}
	key := actionDigest.Key() + "/" + digest.FromBlob(requestMetadata).Hash
	in.recentMu.Lock()
	defer in.recentMu.Unlock()
	seen, ok := in.recentCacheServed[key]
	return ok && time.Since(seen) < in.cfg.RetryCacheTTL
}

// recordCacheServed marks request metadata as answered from cache
func (in *Instance) recordCacheServed(actionDigest digest.Digest, requestMetadata []byte) {
	if len(requestMetadata) == 0 {
		return
	}
	key := actionDigest.Key() + "/" + digest.FromBlob(requestMetadata).Hash
	in.recentMu.Lock()
	in.recentCacheServed[key] = time.Now()
	in.recentMu.Unlock()
}

// resolveWatchers re-reads the operations hash after a pub/sub reconnect and
// redelivers the current state of every watched operation.
func (in *Instance) resolveWatchers() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, name := range in.hub.Channels() {
		op, err := in.backplane.GetOperation(ctx, name)
		if err != nil {
			in.logger.Warn().Str("operation_name", name).Err(err).Msg("Failed to re-resolve watched operation")
			continue
		}
		if op == nil {
			continue
		}
		raw, err := protojson.Marshal(types.StripOperation(op))
		if err != nil {
			continue
		}
		in.hub.OnMessage(name, string(raw))
	}
}

// runJanitors sweeps expired watcher channels and the retry cache
func (in *Instance) runJanitors(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, channel := range in.hub.ExpiredChannels(now) {
				if err := in.backplane.PublishExpiration(ctx, channel); err != nil {
					in.logger.Warn().Str("channel", channel).Err(err).Msg("Failed to publish expiration")
				}
			}
			in.recentMu.Lock()
			for key, seen := range in.recentCacheServed {
				if now.Sub(seen) > in.cfg.RetryCacheTTL {
					delete(in.recentCacheServed, key)
				}
			}
			in.recentMu.Unlock()
			in.reportQueueDepths(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (in *Instance) reportQueueDepths(ctx context.Context) {
	prequeue, queued, err := in.backplane.QueueLengths(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues("prequeue").Set(float64(prequeue))
	metrics.QueueDepth.WithLabelValues("queued").Set(float64(queued))
}
