// Package inference bounds concurrent CPU-bound model work (tokenization
// and ONNX forward passes). The work runs on the calling goroutine, which
// waits for it; the Go scheduler keeps other goroutines running meanwhile.
// This generalizes the teacher's
// internal/cuda package — which picks between a CUDA kernel and a CPU
// fallback at build time — into a single runtime helper shared by both the
// topic engine's embedding backend and the toxicity engine's local
// backend, since both need the identical "acquire a slot, do synchronous
// work, release" shape.
package inference

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent CPU-bound model invocations. Neither model
// backend holds a mutex of its own around its ONNX session, so up to the
// pool's width of calls may run the same session at once. Pool's job is
// to cap how many goroutines may be inside that synchronous region, so a
// flood of requests degrades to queuing rather than unbounded goroutine
// and memory growth.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a pool with the given concurrency width.
func NewPool(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(concurrency))}
}

// Run acquires a slot, invokes fn synchronously, and releases the slot.
// Honors ctx cancellation while waiting for a slot.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
