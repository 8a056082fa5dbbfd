package ratelimiter

import "context"

// RateLimiter is the interface for rate limiting.
type RateLimiter interface {
	// Allow returns true if the request is allowed, otherwise returns false.
	Allow() bool
	// Wait blocks until a request is allowed or ctx is done.
	Wait(ctx context.Context) error
}

// Unlimited allows every request.
type Unlimited struct{}

func (Unlimited) Allow() bool                    { return true }
func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }
