package pipeline

import (
	"context"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/cuemby/kiln/pkg/poller"
	"github.com/cuemby/kiln/pkg/types"
)

// matchStage pulls queue entries from the backplane one at a time. It claims
// input-fetch capacity before taking an entry, so a full pipeline never
// strands a claimed operation waiting for a slot.
type matchStage struct {
	p    *Pipeline
	next *stage
}

func (m *matchStage) run(ctx context.Context) {
	for {
		if err := m.next.Claim(ctx); err != nil {
			return
		}
		oc, err := m.matchOne(ctx)
		if err != nil {
			m.next.Release()
			return
		}
		if oc == nil {
			m.next.Release()
			continue
		}
		if err := m.next.Put(ctx, oc); err != nil {
			m.next.Release()
			oc.Poller.Pause()
			return
		}
	}
}

// matchOne claims the next queue entry and starts its liveness poller
func (m *matchStage) matchOne(ctx context.Context) (*OperationContext, error) {
	entry, err := m.p.queue.Take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		m.p.logger.Error().Err(err).Msg("Failed to take queue entry")
		return nil, nil
	}
	if entry == nil {
		return nil, nil
	}
	name := entry.ExecuteEntry.OperationName
	logger := m.p.logger.With().Str("operation_name", name).Logger()
	logger.Debug().Int("attempt", entry.Attempt).Msg("Matched operation")

	op, err := types.NewOperation(name, repb.ExecutionStage_QUEUED, entry.ExecuteEntry.ActionDigest, &entry.ExecuteEntry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build operation handle")
		_ = m.p.queue.Requeue(ctx, name)
		return nil, nil
	}

	ocCtx, cancel := context.WithCancel(ctx)
	oc := &OperationContext{
		Ctx:        ocCtx,
		cancel:     cancel,
		QueueEntry: entry,
		Operation:  op,
		Metadata:   &repb.ExecutedActionMetadata{},
	}
	oc.setStage(repb.ExecutionStage_QUEUED)
	oc.Metadata.WorkerStartTimestamp = timestampNow()
	m.p.startPoller(oc)
	return oc, nil
}

// startPoller begins the liveness heartbeat for a freshly claimed operation.
// Losing the claim cancels the operation's context so in-flight stages stop.
func (p *Pipeline) startPoller(oc *OperationContext) {
	name := oc.Name()
	oc.Poller = poller.New()
	poll := func() bool {
		ok, err := p.queue.Poll(oc.Ctx, name, oc.Stage(), time.Now().Add(p.cfg.DispatchDeadline))
		if err != nil {
			p.logger.Warn().Str("operation_name", name).Err(err).Msg("Liveness poll failed")
			return true
		}
		return ok
	}
	onFailure := func() {
		p.logger.Warn().Str("operation_name", name).Msg("Lost claim, abandoning operation")
		oc.cancel()
	}
	_ = oc.Poller.Resume(poll, p.cfg.PollPeriod, time.Time{}, onFailure, nil)
}
