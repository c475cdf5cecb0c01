// Package events defines the batch lifecycle topics shared over the event bus.
package events

import (
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/boardsaver/boardsaver/server/internal"
)

const (
	TopicBatchQueued    = "batch:queued"
	TopicBatchStarted   = "batch:started"
	TopicItemProcessed  = "batch:item"
	TopicBatchCompleted = "batch:completed"
	TopicBatchDeleted   = "batch:deleted"
)

type BatchQueued struct {
	BatchID  string
	Requests int
}

type BatchStarted struct {
	BatchID  string
	Requests int
}

type ItemProcessed struct {
	BatchID string
	URL     string
	Status  internal.Status
	Size    int64
}

type BatchCompleted struct {
	Snapshot internal.ProgressSnapshot
	Elapsed  time.Duration
}

type BatchDeleted struct {
	BatchID string
	Rows    int64
}

// Every handler runs synchronously on the publisher goroutine.
func NewBus() evbus.Bus { return evbus.New() }
