package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/transport"
	"github.com/jathurchan/accesslock/types"
)

// maxIdleBuckets is the bucket count above which full buckets are pruned.
const maxIdleBuckets = 256

// RateLimiter admits requests per caller.
type RateLimiter interface {
	// Allow reports whether a request from process may proceed now.
	// The empty process names requests that carry no identity.
	Allow(process types.ProcessID) bool
}

// ProcessRateLimiter keeps one token bucket per requesting process so a
// process spinning on Acquire or Status cannot starve the others.
type ProcessRateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[types.ProcessID]*rate.Limiter

	logger logger.Logger
}

// NewProcessRateLimiter allows maxRequests per window to each process, with
// the given burst. A non-positive window disables limiting.
func NewProcessRateLimiter(maxRequests, burst int, window time.Duration, log logger.Logger) *ProcessRateLimiter {
	limit := rate.Inf
	if window > 0 {
		limit = rate.Limit(float64(maxRequests) / window.Seconds())
	} else {
		log.Warnw("Rate limit window is not positive, requests are not limited", "window", window)
	}
	if burst <= 0 {
		log.Warnw("Rate limit burst is not positive, using 1", "burst", burst)
		burst = 1
	}

	return &ProcessRateLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[types.ProcessID]*rate.Limiter),
		logger:  log.WithComponent("limiter"),
	}
}

func (rl *ProcessRateLimiter) Allow(process types.ProcessID) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[process]
	if !ok {
		if len(rl.buckets) >= maxIdleBuckets {
			rl.pruneLocked(now)
		}
		b = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[process] = b
	}
	return b.AllowN(now, 1)
}

// pruneLocked drops buckets that have refilled completely. A full bucket
// behaves exactly like a new one, so dropping it loses nothing.
func (rl *ProcessRateLimiter) pruneLocked(now time.Time) {
	for process, b := range rl.buckets {
		if b.TokensAt(now) >= float64(rl.burst) {
			delete(rl.buckets, process)
		}
	}
	rl.logger.Debugw("Pruned idle rate limit buckets", "remaining", len(rl.buckets))
}

// size returns the number of tracked processes.
func (rl *ProcessRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// requestProcess names the process a request is issued for, if any.
func requestProcess(req any) types.ProcessID {
	switch r := req.(type) {
	case *transport.AcquireRequest:
		return r.Requester.Process
	case *transport.ReleaseRequest:
		return r.Process
	case *transport.SetLifecycleRequest:
		return r.Process
	default:
		return ""
	}
}

// RateLimitInterceptor rejects unary calls with ResourceExhausted once the
// caller's bucket runs dry. Heartbeats bypass the limiter.
func RateLimitInterceptor(rl RateLimiter, metrics ServerMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod != transport.HeartbeatMethod && !rl.Allow(requestProcess(req)) {
			metrics.IncrServerError(methodName(info.FullMethod), ErrorTypeRateLimit)
			return nil, ErrorToStatus(ErrRateLimited)
		}
		return handler(ctx, req)
	}
}
