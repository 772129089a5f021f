// Package request tracks the lifecycle of user instructions:
// pending -> processing -> running -> completed|failed.
package request

import (
	"context"
	"errors"
	"log"

	"github.com/codedeck/agentd/internal/store"
)

// Tracker is a thin status ledger over the request store. Requests
// are keyed by the caller-supplied id, so re-submitting the same id
// updates the existing row instead of duplicating it.
type Tracker struct {
	requests store.RequestStore
}

func NewTracker(requests store.RequestStore) *Tracker {
	return &Tracker{requests: requests}
}

// Upsert records a submitted instruction. A request that already
// exists keeps its row and takes the latest instruction text.
func (t *Tracker) Upsert(ctx context.Context, req store.Request) (store.Request, error) {
	if req.Status == "" {
		req.Status = store.RequestPending
	}
	return t.requests.UpsertRequest(ctx, req)
}

func (t *Tracker) MarkProcessing(ctx context.Context, id string) {
	t.update(ctx, id, store.RequestProcessing, "")
}

func (t *Tracker) MarkRunning(ctx context.Context, id string) {
	t.update(ctx, id, store.RequestRunning, "")
}

// MarkCompleted clears any previous error.
func (t *Tracker) MarkCompleted(ctx context.Context, id string) {
	t.update(ctx, id, store.RequestCompleted, "")
}

// MarkFailed always records a human-readable reason.
func (t *Tracker) MarkFailed(ctx context.Context, id, reason string) {
	if reason == "" {
		reason = "agent run failed"
	}
	t.update(ctx, id, store.RequestFailed, reason)
}

// update tolerates a request that has gone missing (raced with an
// external deletion): it logs and moves on, never raises.
func (t *Tracker) update(ctx context.Context, id string, status store.RequestStatus, errMsg string) {
	if id == "" {
		return
	}
	err := t.requests.UpdateRequestStatus(ctx, id, status, errMsg)
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[request] request %s missing at %s update, ignoring", id, status)
		return
	}
	log.Printf("[request] failed to update request %s to %s: %v", id, status, err)
}
