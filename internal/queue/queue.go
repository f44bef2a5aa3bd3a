// Package queue defines the durable work queue feeding jobs to workers.
// Delivery is at-least-once: a claimed entry that is never acknowledged
// becomes visible again once its claim lapses, and the attempt counter grows
// with every claim. Entries that reach the delivery cap stop circulating and
// are resolved by the janitor.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrEmpty signals that no entry is currently available to claim.
	ErrEmpty = errors.New("queue is empty")

	// ErrClaimNotHeld signals an extend on a claim that lapsed or belongs
	// to another worker.
	ErrClaimNotHeld = errors.New("queue claim not held")
)

// Delivery is one claimed queue entry. Attempt counts deliveries of this
// entry so far, starting at 1.
type Delivery struct {
	JobID   string
	Attempt int
}

// Queue is the durable hand-off between the dispatcher and the workers.
type Queue interface {
	// Enqueue adds a job to the queue. Enqueueing an id that is already
	// tracked is a no-op, which keeps dispatcher retries safe.
	Enqueue(ctx context.Context, jobID string) error

	// Dequeue claims the oldest visible entry for workerID and hides it for
	// the visibility window. Returns ErrEmpty when nothing is claimable.
	Dequeue(ctx context.Context, workerID string) (*Delivery, error)

	// Ack removes a delivered entry for good. Acking an entry that is
	// already gone is a no-op.
	Ack(ctx context.Context, jobID string) error

	// Extend pushes out the claim deadline for an entry workerID still
	// holds. Returns ErrClaimNotHeld when the claim lapsed or was taken
	// over.
	Extend(ctx context.Context, jobID, workerID string) error

	// Depth reports how many entries are waiting unclaimed.
	Depth(ctx context.Context) (int, error)

	// Expired returns entries whose claim has lapsed after the delivery
	// cap was reached. They stay put until acknowledged.
	Expired(ctx context.Context) ([]Delivery, error)
}
