package types

import (
	"encoding/json"
	"fmt"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/cuemby/kiln/pkg/digest"
)

// ExecuteEntry is the client request envelope pushed onto the prequeue by a
// frontend shard. Proto payloads are carried as wire bytes so the envelope can
// round-trip through the backplane as JSON.
type ExecuteEntry struct {
	OperationName    string        `json:"operation_name"`
	ActionDigest     digest.Digest `json:"action_digest"`
	SkipCacheLookup  bool          `json:"skip_cache_lookup"`
	DoNotCache       bool          `json:"do_not_cache"`
	RequestMetadata  []byte        `json:"request_metadata,omitempty"`
	StdoutStreamName string        `json:"stdout_stream_name,omitempty"`
	StderrStreamName string        `json:"stderr_stream_name,omitempty"`
	QueuedAt         time.Time     `json:"queued_at"`
}

// QueueEntry is what workers dequeue: the original request envelope plus the
// digest of the fully resolved QueuedOperation blob in the CAS.
type QueueEntry struct {
	ExecuteEntry          ExecuteEntry  `json:"execute_entry"`
	QueuedOperationDigest digest.Digest `json:"queued_operation_digest"`
	Platform              []byte        `json:"platform,omitempty"`
	Attempt               int           `json:"attempt"`
}

// DispatchedOperation tracks an operation claimed by a worker. It stays in the
// dispatched map from match until completion or requeue.
type DispatchedOperation struct {
	Name       string     `json:"name"`
	RequeueAt  time.Time  `json:"requeue_at"`
	QueueEntry QueueEntry `json:"queue_entry"`
	Attempt    int        `json:"attempt"`
	Stage      int32      `json:"stage"`
}

// Overdue reports whether the operation should be requeued
func (d *DispatchedOperation) Overdue(now time.Time) bool {
	return d.RequeueAt.Before(now)
}

// QueuedOperation is the self-contained execution bundle a worker fetches
// atomically from the CAS: the Action, its Command and every Directory of the
// input tree, each as proto wire bytes inside a JSON envelope.
type QueuedOperation struct {
	Action      []byte   `json:"action"`
	Command     []byte   `json:"command"`
	Directories [][]byte `json:"directories"`
}

// PackQueuedOperation bundles resolved protos into a QueuedOperation
func PackQueuedOperation(action *repb.Action, command *repb.Command, dirs []*repb.Directory) (*QueuedOperation, error) {
	ab, err := proto.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action: %w", err)
	}
	cb, err := proto.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	q := &QueuedOperation{Action: ab, Command: cb}
	for _, d := range dirs {
		db, err := proto.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal directory: %w", err)
		}
		q.Directories = append(q.Directories, db)
	}
	return q, nil
}

// Unpack decodes the bundled protos
func (q *QueuedOperation) Unpack() (*repb.Action, *repb.Command, []*repb.Directory, error) {
	action := &repb.Action{}
	if err := proto.Unmarshal(q.Action, action); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	command := &repb.Command{}
	if err := proto.Unmarshal(q.Command, command); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	dirs := make([]*repb.Directory, 0, len(q.Directories))
	for _, db := range q.Directories {
		d := &repb.Directory{}
		if err := proto.Unmarshal(db, d); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to unmarshal directory: %w", err)
		}
		dirs = append(dirs, d)
	}
	return action, command, dirs, nil
}

// Marshal serializes the envelope for CAS upload
func (q *QueuedOperation) Marshal() ([]byte, error) {
	return json.Marshal(q)
}

// UnmarshalQueuedOperation decodes a CAS blob back into the envelope
func UnmarshalQueuedOperation(b []byte) (*QueuedOperation, error) {
	q := &QueuedOperation{}
	if err := json.Unmarshal(b, q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queued operation: %w", err)
	}
	return q, nil
}

// DirectoryIndex maps directory digests to their decoded protos for one input
// tree. The root is always present under the action's input root digest.
type DirectoryIndex map[digest.Digest]*repb.Directory

// IndexDirectories builds a DirectoryIndex from a decoded directory list
func IndexDirectories(dirs []*repb.Directory) (DirectoryIndex, error) {
	index := make(DirectoryIndex, len(dirs))
	for _, d := range dirs {
		dg, _, err := digest.FromMessage(d)
		if err != nil {
			return nil, err
		}
		index[dg] = d
	}
	return index, nil
}
