package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/rs/zerolog"
	longrunning "google.golang.org/genproto/googleapis/longrunning"

	"github.com/cuemby/kiln/pkg/cascache"
	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/execdir"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/poller"
	"github.com/cuemby/kiln/pkg/types"
)

// OperationQueue is the match/report surface the pipeline needs. The worker
// wires it to the backplane.
type OperationQueue interface {
	// Take claims the next queue entry, or returns (nil, nil) when none
	// arrived within the backplane's brief blocking window.
	Take(ctx context.Context) (*types.QueueEntry, error)
	// Poll renews the claim; false means it was lost
	Poll(ctx context.Context, name string, stage repb.ExecutionStage_Value, requeueAt time.Time) (bool, error)
	// Requeue resets the claim deadline so the dispatched monitor promotes
	// the operation back to the ready queue promptly.
	Requeue(ctx context.Context, name string) error
	// Put publishes an intermediate operation state
	Put(ctx context.Context, op *longrunning.Operation) error
	// Complete publishes the terminal operation state
	Complete(ctx context.Context, name string, op *longrunning.Operation) error
	// PutActionResult records a cacheable result
	PutActionResult(ctx context.Context, actionKey digest.Digest, result *repb.ActionResult) error
}

// OperationContext is the in-flight unit passed between stages
type OperationContext struct {
	Ctx    context.Context
	cancel context.CancelFunc

	QueueEntry *types.QueueEntry
	Operation  *longrunning.Operation
	Action     *repb.Action
	Command    *repb.Command
	Index      types.DirectoryIndex
	ExecDir    *execdir.ExecDir
	Metadata   *repb.ExecutedActionMetadata
	Poller     *poller.Poller

	// Execution results, filled by the execute stage
	ExitCode int32
	Stdout   []byte
	Stderr   []byte

	// Err carries a stage failure to the error stage
	Err error

	stage atomic.Int32
}

// Name is the operation name
func (oc *OperationContext) Name() string {
	return oc.QueueEntry.ExecuteEntry.OperationName
}

// Stage reports the pipeline's current coarse stage for polling
func (oc *OperationContext) Stage() repb.ExecutionStage_Value {
	return repb.ExecutionStage_Value(oc.stage.Load())
}

func (oc *OperationContext) setStage(s repb.ExecutionStage_Value) {
	oc.stage.Store(int32(s))
}

// Config holds pipeline tuning
type Config struct {
	// Widths size the stage thread pools; match is always width 1
	InputFetchWidth int `yaml:"input_fetch_width"`
	ExecuteWidth    int `yaml:"execute_width"`
	ReportWidth     int `yaml:"report_width"`
	// PollPeriod is the liveness heartbeat interval for claimed work
	PollPeriod time.Duration `yaml:"poll_period"`
	// DispatchDeadline is the claim extension granted on each poll
	DispatchDeadline time.Duration `yaml:"dispatch_deadline"`
	// DefaultTimeout and MaximumTimeout bound action execution
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaximumTimeout time.Duration `yaml:"maximum_timeout"`
	// InlineStdoutLimit bounds stdout/stderr inlined into action results
	InlineStdoutLimit int `yaml:"inline_stdout_limit"`
}

// Normalize fills defaults
func (c *Config) Normalize() {
	if c.InputFetchWidth <= 0 {
		c.InputFetchWidth = 4
	}
	if c.ExecuteWidth <= 0 {
		c.ExecuteWidth = 2
	}
	if c.ReportWidth <= 0 {
		c.ReportWidth = 4
	}
	if c.PollPeriod <= 0 {
		c.PollPeriod = 10 * time.Second
	}
	if c.DispatchDeadline <= 0 {
		c.DispatchDeadline = 30 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Minute
	}
	if c.MaximumTimeout <= 0 {
		c.MaximumTimeout = time.Hour
	}
	if c.InlineStdoutLimit <= 0 {
		c.InlineStdoutLimit = 1024
	}
}

// Pipeline chains Match -> InputFetch -> Execute -> Report. Each stage owns a
// bounded pool; a downstream stage must grant a claim before an upstream
// stage emits into it, which bounds work in flight without queues.
type Pipeline struct {
	cfg    Config
	queue  OperationQueue
	cache  *cascache.FileCache
	execFS *execdir.FileSystem
	fetch  cascache.Fetcher
	logger zerolog.Logger

	match      *matchStage
	inputFetch *stage
	execute    *stage
	report     *stage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a pipeline
func New(cfg Config, queue OperationQueue, cache *cascache.FileCache, execFS *execdir.FileSystem, fetch cascache.Fetcher) *Pipeline {
	cfg.Normalize()
	p := &Pipeline{
		cfg:    cfg,
		queue:  queue,
		cache:  cache,
		execFS: execFS,
		fetch:  fetch,
		logger: log.Component("pipeline"),
	}
	p.report = newStage("report", cfg.ReportWidth, p.reportResult, nil, p)
	p.execute = newStage("execute", cfg.ExecuteWidth, p.executeAction, p.report, p)
	p.inputFetch = newStage("input-fetch", cfg.InputFetchWidth, p.fetchInputs, p.execute, p)
	p.match = &matchStage{p: p, next: p.inputFetch}
	return p
}

// Start launches every stage pool and the match loop
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for _, s := range []*stage{p.inputFetch, p.execute, p.report} {
		for i := 0; i < s.width; i++ {
			p.wg.Add(1)
			go func(s *stage) {
				defer p.wg.Done()
				s.run(p.ctx)
			}(s)
		}
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.match.run(p.ctx)
	}()
	p.logger.Info().
		Int("input_fetch_width", p.cfg.InputFetchWidth).
		Int("execute_width", p.cfg.ExecuteWidth).
		Int("report_width", p.cfg.ReportWidth).
		Msg("Pipeline started")
}

// Stop drains the pipeline
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// stage is one bounded pool with claim-before-put backpressure
type stage struct {
	name    string
	width   int
	input   chan *OperationContext
	slots   chan struct{}
	process func(*OperationContext) error
	next    *stage
	p       *Pipeline
}

func newStage(name string, width int, process func(*OperationContext) error, next *stage, p *Pipeline) *stage {
	return &stage{
		name:    name,
		width:   width,
		input:   make(chan *OperationContext),
		slots:   make(chan struct{}, width),
		process: process,
		next:    next,
		p:       p,
	}
}

// Claim reserves downstream capacity before the upstream stage emits
func (s *stage) Claim(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a claimed slot
func (s *stage) Release() {
	<-s.slots
}

// Put hands an operation to the stage. The caller must hold a claim.
func (s *stage) Put(ctx context.Context, oc *OperationContext) error {
	select {
	case s.input <- oc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take receives the next operation for processing
func (s *stage) Take(ctx context.Context) (*OperationContext, error) {
	select {
	case oc := <-s.input:
		return oc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stage) run(ctx context.Context) {
	for {
		oc, err := s.Take(ctx)
		if err != nil {
			return
		}
		metrics.StageBusy.WithLabelValues(s.name).Inc()
		timer := metrics.NewTimer()
		err = s.process(oc)
		timer.ObserveDuration(metrics.StageLatency.WithLabelValues(s.name))
		metrics.StageBusy.WithLabelValues(s.name).Dec()
		if err != nil {
			oc.Err = err
			s.p.fail(oc)
			s.Release()
			continue
		}
		if s.next != nil {
			if err := s.next.Claim(ctx); err != nil {
				s.Release()
				return
			}
			if err := s.next.Put(ctx, oc); err != nil {
				s.next.Release()
				s.Release()
				return
			}
		} else {
			oc.finish()
		}
		s.Release()
	}
}

// finish ends a successfully reported operation
func (oc *OperationContext) finish() {
	oc.Poller.Pause()
	if oc.cancel != nil {
		oc.cancel()
	}
}
