// Package normcache resolves legal norms through the relational cache,
// re-verifying stale or missing entries against an external source.
package normcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"procurement-kb/backend/go/internal/database/sqldb"
	"procurement-kb/backend/go/internal/kb/dal"
	"procurement-kb/backend/go/internal/models"
	"procurement-kb/backend/go/pkg/circuitbreaker"
	"procurement-kb/backend/go/pkg/logger"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// ErrExternalProvider wraps every failure of the legal-norm source.
var ErrExternalProvider = errors.New("legal norm source failed")

// Source is the external legal-norm lookup.
type Source interface {
	Fetch(ctx context.Context, urn string) (*models.NormPayload, error)
}

// Sessions is the part of sqldb.Engine the resolver needs.
type Sessions interface {
	Transactional(ctx context.Context, fn func(tx *gorm.DB) error) error
	ReadOnly(ctx context.Context, fn func(db *gorm.DB) error) error
}

// Refresh decides what Resolve does with a stale or missing entry.
type Refresh int

const (
	// RefreshNever serves whatever is cached and never calls the source.
	RefreshNever Refresh = iota
	// RefreshSync re-verifies stale or missing entries before returning.
	RefreshSync
	// RefreshBackground serves a stale entry at once and re-verifies it in
	// the background. A miss is still fetched synchronously.
	RefreshBackground
)

// ResolveOptions controls one Resolve call.
type ResolveOptions struct {
	Refresh Refresh
}

// Result is the outcome of Resolve.
type Result struct {
	Norm       *models.LegalNorm
	Fresh      bool
	Refreshed  bool  // the entry was fetched from the source during this call
	RefreshErr error // re-verification failed and the stale entry was served
}

// Resolver implements stale-while-revalidate over dal.NormCache.
type Resolver struct {
	sessions   Sessions
	cache      *dal.NormCache
	source     Source
	breaker    circuitbreaker.CircuitBreaker
	group      singleflight.Group
	background sync.WaitGroup
	timeout    time.Duration
	log        *logger.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithBreaker guards source calls with cb.
func WithBreaker(cb circuitbreaker.CircuitBreaker) Option {
	return func(r *Resolver) { r.breaker = cb }
}

// WithRefreshTimeout bounds one shared re-verification, background ones
// included (default 30s).
func WithRefreshTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// NewResolver creates a Resolver.
func NewResolver(sessions Sessions, cache *dal.NormCache, source Source, opts ...Option) *Resolver {
	r := &Resolver{
		sessions: sessions,
		cache:    cache,
		source:   source,
		timeout:  30 * time.Second,
		log:      logger.New("norm_resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the cached norm for urn, consulting the source according to
// opts. Source failures never discard a cached entry: with a stale hit the
// stale entry is returned and the failure is reported in Result.RefreshErr.
func (r *Resolver) Resolve(ctx context.Context, urn string, opts ResolveOptions) (*Result, error) {
	var (
		entry *models.LegalNorm
		fresh bool
	)
	err := r.sessions.ReadOnly(ctx, func(db *gorm.DB) (err error) {
		entry, fresh, err = r.cache.Lookup(db, urn)
		return err
	})
	switch {
	case errors.Is(err, sqldb.ErrNotFound):
		if opts.Refresh == RefreshNever {
			return nil, err
		}
		norm, err := r.refresh(ctx, urn)
		if err != nil {
			return nil, err
		}
		return &Result{Norm: norm, Fresh: true, Refreshed: true}, nil
	case err != nil:
		return nil, err
	}

	res := &Result{Norm: entry, Fresh: fresh}
	if fresh {
		return res, nil
	}

	switch opts.Refresh {
	case RefreshSync:
		norm, err := r.refresh(ctx, urn)
		if err != nil {
			r.log.WithField("urn", urn).WithErr(err).Warn("re-verification failed, serving stale entry")
			res.RefreshErr = err
			return res, nil
		}
		return &Result{Norm: norm, Fresh: true, Refreshed: true}, nil
	case RefreshBackground:
		r.refreshInBackground(ctx, urn)
	}
	return res, nil
}

// RefreshStale re-verifies every stale entry and returns how many succeeded.
// Failures are logged and skipped.
func (r *Resolver) RefreshStale(ctx context.Context) (refreshed int, failed []string, err error) {
	var stale []*models.LegalNorm
	if err := r.sessions.ReadOnly(ctx, func(db *gorm.DB) (err error) {
		stale, err = r.cache.ListStale(db)
		return err
	}); err != nil {
		return 0, nil, err
	}
	for _, entry := range stale {
		if ctx.Err() != nil {
			return refreshed, failed, ctx.Err()
		}
		if _, err := r.refresh(ctx, entry.NormURN); err != nil {
			failed = append(failed, entry.NormURN)
			continue
		}
		refreshed++
	}
	return refreshed, failed, nil
}

// Wait blocks until all background re-verifications have finished.
func (r *Resolver) Wait() {
	r.background.Wait()
}

// refresh fetches urn and stores it. Concurrent calls for the same urn share
// one fetch, which runs detached from any single caller's cancellation and
// is bounded by r.timeout only. Each caller stops waiting when its own ctx
// is done.
func (r *Resolver) refresh(ctx context.Context, urn string) (*models.LegalNorm, error) {
	ch := r.group.DoChan(urn, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		payload, err := circuitbreaker.Run(r.breaker, func() (*models.NormPayload, error) {
			return r.source.Fetch(fetchCtx, urn)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrExternalProvider, urn, err)
		}
		if payload == nil {
			return nil, fmt.Errorf("%w: %s: empty payload", ErrExternalProvider, urn)
		}
		if payload.URN == "" {
			payload.URN = urn
		}

		var stored *models.LegalNorm
		err = r.sessions.Transactional(fetchCtx, func(tx *gorm.DB) (err error) {
			stored, err = r.cache.UpsertVerified(tx, payload, r.cache.Now())
			return err
		})
		if err != nil {
			return nil, err
		}
		return stored, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("refresh %s: %w", urn, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.LegalNorm), nil
	}
}

func (r *Resolver) refreshInBackground(ctx context.Context, urn string) {
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		if _, err := r.refresh(bgCtx, urn); err != nil {
			r.log.WithField("urn", urn).WithErr(err).Warn("background re-verification failed")
			return
		}
		r.log.WithField("urn", urn).Debug("background re-verification done")
	}()
}
