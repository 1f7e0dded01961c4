// Package stack models the shared running stack that probes observe.
//
// The stack's lifecycle belongs to an external orchestrator. A Handle only
// references it: probes that touch shared stack state take the handle's
// exclusive slot, one at a time, paced by a rate limiter.
package stack

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Handle is injected into probes at construction.
type Handle struct {
	name    string
	baseURL string
	slot    chan struct{}
	limiter *rate.Limiter
}

// NewHandle references the stack called name, reachable at baseURL.
// Exclusive sections are spaced to at most r per second with burst b;
// r <= 0 disables pacing.
func NewHandle(name, baseURL string, r rate.Limit, b int) *Handle {
	if r <= 0 {
		r = rate.Inf
	}
	if b < 1 {
		b = 1
	}
	return &Handle{
		name:    name,
		baseURL: baseURL,
		slot:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(r, b),
	}
}

// Name returns the stack name.
func (h *Handle) Name() string { return h.name }

// BaseURL returns the stack's base address.
func (h *Handle) BaseURL() string { return h.baseURL }

// Exclusive runs fn while holding the stack's single exclusive slot.
// It returns ctx's error if the slot or the limiter cannot be acquired.
func (h *Handle) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	release, err := h.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Acquire takes the exclusive slot and waits for the pacing limiter. The
// caller must call release exactly once, after the work touching the stack
// has actually stopped.
func (h *Handle) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case h.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire stack %s: %w", h.name, ctx.Err())
	}
	var once sync.Once
	release = func() { once.Do(func() { <-h.slot }) }

	if err := h.limiter.Wait(ctx); err != nil {
		release()
		return nil, fmt.Errorf("pace stack %s: %w", h.name, err)
	}
	return release, nil
}
