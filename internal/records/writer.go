// Package records appends the immutable event records a worker session
// produces to the Data table.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/celerix-dev/crowdgate/internal/acl"
	"github.com/celerix-dev/crowdgate/internal/metrics"
	"github.com/celerix-dev/crowdgate/internal/tables"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// Attribute names of a data record.
const (
	AttrIdentifier     = "identifier"
	AttrSequence       = "sequence"
	AttrSequenceNumber = "sequence_number"
	AttrTask           = "task"
	AttrBatch          = "batch"
	AttrUnitID         = "unit_id"
	AttrTry            = "try"
	AttrTime           = "time"
	AttrData           = "data"
)

// InfoKey is the payload object whose fields become top-level attributes.
const InfoKey = "info"

// Worker is the identity a session writes records for.
type Worker struct {
	Identifier string
	IPAddress  string
}

// Task is the session's working copy of the task it is performing.
// SequenceNumber is owned by the session and advanced by Append.
type Task struct {
	Name           string
	Batch          string
	UnitID         string
	TokenInput     string
	TokenOutput    string
	TryCurrent     int
	SequenceNumber int
}

// Sequence returns the Data table sort key for the task's current step:
// identifier-ip-unit_id-try-sequenceNumber.
func Sequence(worker Worker, task *Task) string {
	return fmt.Sprintf("%s-%s-%s-%d-%d", worker.Identifier, worker.IPAddress, task.UnitID, task.TryCurrent, task.SequenceNumber)
}

// SequenceNumberOf returns the trailing step counter of a sort key.
func SequenceNumberOf(sequence string) (int, error) {
	i := strings.LastIndexByte(sequence, '-')
	return strconv.Atoi(sequence[i+1:])
}

type appendOptions struct {
	sameSequence bool
}

// AppendOption adjusts a single Append call.
type AppendOption func(*appendOptions)

// SameSequence keeps the counter where it is, for a caller that re-emits a
// record for the same logical step.
func SameSequence() AppendOption {
	return func(o *appendOptions) { o.sameSequence = true }
}

// Writer writes data records.
type Writer struct {
	tables  *tables.Client
	now     func() time.Time
	log     logr.Logger
	metrics *metrics.Metrics
}

// NewWriter returns a Writer over the data table of t. m may be nil.
func NewWriter(t *tables.Client, log logr.Logger, m *metrics.Metrics) *Writer {
	return &Writer{tables: t, now: time.Now, log: log.WithName("records"), metrics: m}
}

// Append writes one record for the task's current step and, on success,
// advances task.SequenceNumber. It returns the sort key written.
func (w *Writer) Append(ctx context.Context, worker Worker, task *Task, payload map[string]any, opts ...AppendOption) (string, error) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if worker.Identifier == "" {
		return "", fmt.Errorf("record needs a worker identifier")
	}

	seq := Sequence(worker, task)
	item, err := buildItem(worker, task, seq, payload, w.now())
	if err != nil {
		return "", err
	}
	if err := w.tables.Put(ctx, tables.Data, item); err != nil {
		return "", err
	}
	w.metrics.RecordAppended()
	w.log.V(1).Info("record appended", "sequence", seq)

	if !o.sameSequence {
		task.SequenceNumber++
	}
	return seq, nil
}

func buildItem(worker Worker, task *Task, seq string, payload map[string]any, now time.Time) (sdk.Item, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode record payload: %w", err)
	}

	item := sdk.Item{}
	if info, ok := payload[InfoKey].(map[string]any); ok {
		for k, v := range info {
			if k == AttrSequence {
				k = AttrSequenceNumber
			}
			item[k] = v
		}
	}
	// Record attributes win over same-named info fields.
	item[AttrIdentifier] = worker.Identifier
	item[AttrSequence] = seq
	item[AttrUnitID] = task.UnitID
	item[AttrTry] = task.TryCurrent
	item[AttrTime] = acl.FormatTime(now)
	item[AttrData] = string(data)
	if task.Name != "" {
		item[AttrTask] = task.Name
	}
	if task.Batch != "" {
		item[AttrBatch] = task.Batch
	}
	return item, nil
}
