// Package ratelimit gates venue requests with per-class token buckets.
// Requests classify as query or order; unknown API IDs count as queries.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Class is the request class a bucket is keyed by.
type Class string

const (
	ClassQuery Class = "query"
	ClassOrder Class = "order"
)

// apiClasses maps venue API IDs to their request class. Unknown IDs
// default to query.
var apiClasses = map[string]Class{
	"order_submit": ClassOrder,
	"order_modify": ClassOrder,
	"order_cancel": ClassOrder,
	"kt10000":      ClassOrder, // buy
	"kt10001":      ClassOrder, // sell
	"kt10002":      ClassOrder, // modify
	"kt10003":      ClassOrder, // cancel
}

// ClassOf returns the request class for a venue API ID.
func ClassOf(apiID string) Class {
	if c, ok := apiClasses[apiID]; ok {
		return c
	}
	return ClassQuery
}

// Counters are cumulative per-class observability counters.
type Counters struct {
	Acquired int64
	WaitedMS int64
}

type bucket struct {
	lim      *rate.Limiter
	acquired atomic.Int64
	waitedMS atomic.Int64
}

// Limiter holds the two per-venue buckets. Buckets refill continuously;
// burst equals the per-second rate so a full second of quota can be spent
// at an instant.
type Limiter struct {
	query *bucket
	order *bucket
}

// New builds a limiter with the given per-second rates.
func New(queryPerSec, orderPerSec float64) *Limiter {
	return &Limiter{
		query: newBucket(queryPerSec),
		order: newBucket(orderPerSec),
	}
}

func newBucket(perSec float64) *bucket {
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return &bucket{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (l *Limiter) bucketFor(c Class) *bucket {
	if c == ClassOrder {
		return l.order
	}
	return l.query
}

// Acquire blocks until one token of the given class is available or the
// timeout elapses. A zero timeout succeeds only when a token is free now.
func (l *Limiter) Acquire(ctx context.Context, c Class, timeout time.Duration) bool {
	b := l.bucketFor(c)

	if timeout == 0 {
		if b.lim.Allow() {
			b.acquired.Add(1)
			return true
		}
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := b.lim.Wait(waitCtx); err != nil {
		return false
	}
	b.acquired.Add(1)
	b.waitedMS.Add(time.Since(start).Milliseconds())
	return true
}

// AcquireAPI classifies an API ID and acquires from the matching bucket.
func (l *Limiter) AcquireAPI(ctx context.Context, apiID string, timeout time.Duration) bool {
	return l.Acquire(ctx, ClassOf(apiID), timeout)
}

// Stats returns the cumulative counters for one class.
func (l *Limiter) Stats(c Class) Counters {
	b := l.bucketFor(c)
	return Counters{
		Acquired: b.acquired.Load(),
		WaitedMS: b.waitedMS.Load(),
	}
}
