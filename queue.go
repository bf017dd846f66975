package growlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const offlineQueueName = "offline"

// ============================================================================
// QueuedRequest
// ============================================================================

// QueuedRequest is a mutating request recorded while offline, awaiting
// replay. Entries survive process restarts in insertion order.
type QueuedRequest struct {
	ID             string            `json:"id"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Body           json.RawMessage   `json:"body,omitempty"`
	Query          map[string]string `json:"query,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey"`
	EnqueuedAt     time.Time         `json:"enqueuedAt"`
	AttemptCount   int               `json:"attemptCount"`
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Succeeded int
	Failed    int
}

// ReplayFunc executes one queued request during a drain.
type ReplayFunc func(ctx context.Context, req *QueuedRequest) error

// ============================================================================
// OfflineQueue
// ============================================================================

// OfflineQueue is the durable FIFO of deferred mutating requests. All
// mutation goes through the underlying BlobStore under a single queue name,
// so order and attempt counts persist across restarts.
type OfflineQueue struct {
	store BlobStore
	log   logrus.FieldLogger
	// draining serializes drain passes; a second trigger during an active
	// pass is dropped rather than interleaved.
	draining chan struct{}
}

// NewOfflineQueue creates a queue over store.
func NewOfflineQueue(store BlobStore, log logrus.FieldLogger) *OfflineQueue {
	if log == nil {
		log = discardLogger()
	}
	q := &OfflineQueue{store: store, log: log, draining: make(chan struct{}, 1)}
	q.draining <- struct{}{}
	return q
}

// Enqueue appends a request at the tail. The entry gets an ID and an
// idempotency key so a replay after an ambiguous failure is safe
// server-side.
func (q *OfflineQueue) Enqueue(req *QueuedRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "growlog-" + req.ID
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return wrapError(KindStorage, err, "failed to encode queued request")
	}
	if err := q.store.AppendQueueEntry(offlineQueueName, data); err != nil {
		return wrapError(KindStorage, err, "failed to persist queued request")
	}
	q.log.WithFields(logrus.Fields{"id": req.ID, "method": req.Method, "path": req.Path}).Debug("request queued for replay")
	return nil
}

// PeekAll returns the queue contents in replay order.
func (q *OfflineQueue) PeekAll() ([]*QueuedRequest, error) {
	raw, err := q.store.ListQueueEntries(offlineQueueName)
	if err != nil {
		return nil, wrapError(KindStorage, err, "failed to list queued requests")
	}
	out := make([]*QueuedRequest, 0, len(raw))
	for _, data := range raw {
		var req QueuedRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, wrapError(KindStorage, err, "failed to decode queued request")
		}
		out = append(out, &req)
	}
	return out, nil
}

// Len returns the number of pending entries.
func (q *OfflineQueue) Len() (int, error) {
	entries, err := q.store.ListQueueEntries(offlineQueueName)
	if err != nil {
		return 0, wrapError(KindStorage, err, "failed to list queued requests")
	}
	return len(entries), nil
}

// Remove drops the entry at index (replay order).
func (q *OfflineQueue) Remove(index int) error {
	if err := q.store.RemoveQueueEntry(offlineQueueName, index); err != nil {
		return wrapError(KindStorage, err, "failed to remove queued request")
	}
	return nil
}

// Drain replays every entry in FIFO order through replay. A failing entry
// stays in the queue with AttemptCount incremented and does not block later
// entries in the same pass. Concurrent drain triggers are collapsed into
// the pass already running.
func (q *OfflineQueue) Drain(ctx context.Context, replay ReplayFunc) (DrainResult, error) {
	select {
	case <-q.draining:
	default:
		return DrainResult{}, nil
	}
	defer func() { q.draining <- struct{}{} }()

	var result DrainResult
	idx := 0
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		raw, err := q.store.ListQueueEntries(offlineQueueName)
		if err != nil {
			return result, wrapError(KindStorage, err, "failed to list queued requests")
		}
		if idx >= len(raw) {
			return result, nil
		}
		var req QueuedRequest
		if err := json.Unmarshal(raw[idx], &req); err != nil {
			return result, wrapError(KindStorage, err, "failed to decode queued request")
		}

		if err := replay(ctx, &req); err != nil {
			result.Failed++
			req.AttemptCount++
			q.log.WithFields(logrus.Fields{
				"id":       req.ID,
				"attempts": req.AttemptCount,
			}).Warn("queued request replay failed, keeping for next drain")
			if data, merr := json.Marshal(&req); merr == nil {
				if serr := q.store.ReplaceQueueEntry(offlineQueueName, idx, data); serr != nil {
					q.log.WithError(serr).Warn("failed to persist attempt count")
				}
			}
			idx++ // leave the entry, move on
			continue
		}

		result.Succeeded++
		q.log.WithField("id", req.ID).Debug("queued request replayed")
		if err := q.store.RemoveQueueEntry(offlineQueueName, idx); err != nil {
			return result, wrapError(KindStorage, err, "failed to remove replayed request")
		}
		// Removal shifts the next entry down to idx; do not advance.
	}
}
