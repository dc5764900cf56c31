package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"notes-collab/internal/middleware"

	"go.opentelemetry.io/otel/attribute"
)

// RetryPolicy controls how saves are retried.
// Backoff doubles after each failed attempt, capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is used when a zero policy is given
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseBackoff: 200 * time.Millisecond,
	MaxBackoff:  5 * time.Second,
}

// Backoff returns the wait after the given failed attempt (0-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt > 30 {
		return p.MaxBackoff
	}
	d := p.BaseBackoff * time.Duration(1<<attempt)
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Bridge wraps a Store with tracing, logging and save retries
type Bridge struct {
	store Store
	retry RetryPolicy
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBridge creates a bridge over store
func NewBridge(store Store, retry RetryPolicy) *Bridge {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Bridge{store: store, retry: retry, sleep: sleepContext}
}

// Load fetches the saved state of a document. ErrNotFound is returned as is;
// every other failure is wrapped in ErrStorageUnavailable. Loads are never
// retried: a failed load must not turn into an empty document.
func (b *Bridge) Load(ctx context.Context, documentID string) ([]byte, error) {
	ctx, span := middleware.StartSpan(ctx, "Persistence.Load",
		attribute.String("document.id", documentID),
	)
	defer span.End()

	start := time.Now()
	state, err := b.store.Load(ctx, documentID)
	switch {
	case errors.Is(err, ErrNotFound):
		log.Printf("  Document %s not stored yet, starting empty", documentID)
		return nil, ErrNotFound
	case err != nil:
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Failed to load document %s: %v", documentID, err)
		return nil, fmt.Errorf("%w: load %s: %w", ErrStorageUnavailable, documentID, err)
	}

	span.SetAttributes(attribute.Int("state.size", len(state)))
	log.Printf("✓ Loaded document %s (%d bytes, %v)", documentID, len(state), time.Since(start))
	return state, nil
}

// Save stores the state, retrying with exponential backoff. It gives up
// after MaxAttempts or when ctx is done.
func (b *Bridge) Save(ctx context.Context, documentID string, state []byte) error {
	ctx, span := middleware.StartSpan(ctx, "Persistence.Save",
		attribute.String("document.id", documentID),
		attribute.Int("state.size", len(state)),
	)
	defer span.End()

	var err error
	for attempt := 0; attempt < b.retry.MaxAttempts; attempt++ {
		if err = b.store.Save(ctx, documentID, state); err == nil {
			span.SetAttributes(attribute.Int("save.attempts", attempt+1))
			log.Printf("✓ Saved document %s (%d bytes)", documentID, len(state))
			return nil
		}

		log.Printf("⚠️  Save of document %s failed (attempt %d/%d): %v",
			documentID, attempt+1, b.retry.MaxAttempts, err)
		middleware.AddSpanEvent(ctx, "save.failed",
			attribute.Int("attempt", attempt+1),
			attribute.String("error", err.Error()),
		)
		if attempt == b.retry.MaxAttempts-1 {
			break
		}
		if serr := b.sleep(ctx, b.retry.Backoff(attempt)); serr != nil {
			err = fmt.Errorf("%w (last error: %v)", serr, err)
			break
		}
	}

	middleware.AddSpanError(ctx, err)
	return fmt.Errorf("%w: save %s: %w", ErrStorageUnavailable, documentID, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
