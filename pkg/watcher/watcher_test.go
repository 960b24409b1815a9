package watcher

import (
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/cuemby/kiln/pkg/backplane"
	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

func payload(t *testing.T, name string, stage repb.ExecutionStage_Value, done bool) string {
	t.Helper()
	op, err := types.NewOperation(name, stage, digest.FromBlob([]byte(name)), nil)
	require.NoError(t, err)
	op.Done = done
	raw, err := protojson.Marshal(types.StripOperation(op))
	require.NoError(t, err)
	return string(raw)
}

func collect(buf chan *longrunning.Operation) Watcher {
	return func(op *longrunning.Operation) {
		buf <- op
	}
}

func TestWatchDeliversTransitions(t *testing.T) {
	hub := NewHub(Config{TTL: time.Minute})
	defer hub.Stop()

	got := make(chan *longrunning.Operation, 8)
	hub.Watch("op-1", collect(got))

	hub.OnMessage("op-1", payload(t, "op-1", repb.ExecutionStage_CACHE_CHECK, false))
	hub.OnMessage("op-1", payload(t, "op-1", repb.ExecutionStage_QUEUED, false))

	first := <-got
	second := <-got
	assert.Equal(t, repb.ExecutionStage_CACHE_CHECK, types.OperationStage(first))
	assert.Equal(t, repb.ExecutionStage_QUEUED, types.OperationStage(second))
}

func TestStageMonotonicDeliveryOrder(t *testing.T) {
	hub := NewHub(Config{TTL: time.Minute})
	defer hub.Stop()

	got := make(chan *longrunning.Operation, 16)
	hub.Watch("op-mono", collect(got))

	stages := []repb.ExecutionStage_Value{
		repb.ExecutionStage_CACHE_CHECK,
		repb.ExecutionStage_QUEUED,
		repb.ExecutionStage_EXECUTING,
		repb.ExecutionStage_COMPLETED,
	}
	for _, s := range stages {
		hub.OnMessage("op-mono", payload(t, "op-mono", s, s == repb.ExecutionStage_COMPLETED))
	}

	last := repb.ExecutionStage_UNKNOWN
	for range stages {
		op := <-got
		require.NotNil(t, op)
		stage := types.OperationStage(op)
		assert.GreaterOrEqual(t, types.StageRank(stage), types.StageRank(last))
		last = stage
	}
}

func TestTerminalDeliveredExactlyOnce(t *testing.T) {
	hub := NewHub(Config{TTL: time.Minute})
	defer hub.Stop()

	got := make(chan *longrunning.Operation, 8)
	hub.Watch("op-done", collect(got))

	done := payload(t, "op-done", repb.ExecutionStage_COMPLETED, true)
	hub.OnMessage("op-done", done)
	// A replayed terminal message must not reach the finished watcher
	hub.OnMessage("op-done", done)

	op := <-got
	require.NotNil(t, op)
	assert.True(t, op.Done)
	select {
	case extra := <-got:
		t.Fatalf("unexpected extra delivery: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, hub.Channels())
}

func TestExpireTerminatesOnlyExpiredWatchers(t *testing.T) {
	hub := NewHub(Config{TTL: time.Minute})
	defer hub.Stop()

	expired := make(chan *longrunning.Operation, 2)
	healthy := make(chan *longrunning.Operation, 2)
	hub.Watch("op-exp", collect(expired))
	hub.Watch("op-other", collect(healthy))

	// Push op-exp's watcher past its deadline, then signal expiration
	hub.ResetWatchers("op-exp", time.Now().Add(-time.Second))
	assert.Equal(t, []string{"op-exp"}, hub.ExpiredChannels(time.Now()))

	hub.OnMessage("op-exp", backplane.ExpirePayload)

	op := <-expired
	assert.Nil(t, op)
	assert.NotContains(t, hub.Channels(), "op-exp")
	assert.Contains(t, hub.Channels(), "op-other")

	// Unrelated watchers still receive messages afterwards
	hub.OnMessage("op-other", payload(t, "op-other", repb.ExecutionStage_QUEUED, false))
	assert.NotNil(t, <-healthy)
}

func TestExpireKeepsUnexpiredWatchers(t *testing.T) {
	hub := NewHub(Config{TTL: time.Minute})
	defer hub.Stop()

	got := make(chan *longrunning.Operation, 2)
	hub.Watch("op-keep", collect(got))
	hub.OnMessage("op-keep", backplane.ExpirePayload)

	select {
	case op := <-got:
		t.Fatalf("watcher within deadline was expired: %v", op)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Contains(t, hub.Channels(), "op-keep")
}

func TestCancelRemovesWatcher(t *testing.T) {
	subscribed := map[string]bool{}
	hub := NewHub(Config{TTL: time.Minute})
	defer hub.Stop()
	hub.OnSubscribe = func(ch string) { subscribed[ch] = true }
	hub.OnUnsubscribe = func(ch string) { delete(subscribed, ch) }

	got := make(chan *longrunning.Operation, 2)
	handle := hub.Watch("op-cancel", collect(got))
	assert.True(t, subscribed["op-cancel"])

	handle.Cancel()
	assert.Empty(t, subscribed)
	assert.Empty(t, hub.Channels())
}

func TestBadPayloadIgnored(t *testing.T) {
	hub := NewHub(Config{TTL: time.Minute})
	defer hub.Stop()

	got := make(chan *longrunning.Operation, 2)
	hub.Watch("op-bad", collect(got))
	hub.OnMessage("op-bad", "{not json")

	select {
	case op := <-got:
		t.Fatalf("undecodable payload was delivered: %v", op)
	case <-time.After(50 * time.Millisecond):
	}
}
