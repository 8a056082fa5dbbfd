// Package embedsync reconciles knowledge-base fragments with the vector index.
//
// The index is the only record of which fragments are embedded: a fragment is
// PENDING exactly when the index has no entry for its chunk_id. Nothing about
// embedding progress is written to the relational store.
package embedsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"procurement-kb/backend/go/internal/kb/dal"
	"procurement-kb/backend/go/internal/models"
	"procurement-kb/backend/go/internal/vectorindex"
	"procurement-kb/backend/go/pkg/logger"
	"procurement-kb/backend/go/pkg/ratelimiter"

	"gorm.io/gorm"
)

// ErrExternalProvider wraps embedding-provider and vector-index failures
// recorded for a single fragment.
var ErrExternalProvider = errors.New("embedding provider failed")

// State is where a fragment ended up during one run.
type State string

const (
	Pending  State = "PENDING"
	Embedded State = "EMBEDDED"
	Failed   State = "FAILED"
)

// Embedder computes one vector per text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Sessions is the part of sqldb.Engine the synchronizer needs.
type Sessions interface {
	ReadOnly(ctx context.Context, fn func(db *gorm.DB) error) error
}

// RunLock prevents two maintenance runs from overlapping.
type RunLock interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// Report summarises one Run.
type Report struct {
	Scanned         int
	AlreadyEmbedded int
	Embedded        int
	Failed          int
	// Deferred counts pending fragments left for the next run by the batch limit.
	Deferred  int
	FailedIDs []string
	States    map[string]State
	Duration  time.Duration
}

func (r *Report) mark(chunkID string, s State) {
	r.States[chunkID] = s
	switch s {
	case Embedded:
		r.Embedded++
	case Failed:
		r.Failed++
		r.FailedIDs = append(r.FailedIDs, chunkID)
	}
}

// Synchronizer writes missing fragment embeddings into the vector index.
type Synchronizer struct {
	sessions   Sessions
	store      *dal.ContentStore
	index      vectorindex.Index
	embedder   Embedder
	limiter    ratelimiter.RateLimiter
	batchLimit int
	lock       RunLock
	log        *logger.Logger
}

// Option customises a Synchronizer.
type Option func(*Synchronizer)

// WithRateLimiter throttles embedder calls.
func WithRateLimiter(l ratelimiter.RateLimiter) Option {
	return func(s *Synchronizer) { s.limiter = l }
}

// WithBatchLimit caps how many pending fragments one Run embeds. 0 means no cap.
func WithBatchLimit(n int) Option {
	return func(s *Synchronizer) { s.batchLimit = n }
}

// WithRunLock makes Run hold lock for its whole duration.
func WithRunLock(lock RunLock) Option {
	return func(s *Synchronizer) { s.lock = lock }
}

// WithLogger replaces the default component logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Synchronizer) { s.log = l }
}

// New creates a Synchronizer.
func New(sessions Sessions, store *dal.ContentStore, index vectorindex.Index, embedder Embedder, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		sessions: sessions,
		store:    store,
		index:    index,
		embedder: embedder,
		limiter:  ratelimiter.Unlimited{},
		log:      logger.New("embedsync"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run embeds every fragment the index does not have yet. A failure on one
// fragment is logged and recorded in the report; the batch carries on.
// The returned error is reserved for failures that stop the whole run:
// the run lock, reading fragments, or ctx being cancelled.
func (s *Synchronizer) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{States: map[string]State{}}

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx)
		if err != nil {
			return report, fmt.Errorf("acquire sync lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.WithErr(err).Warn("release sync lock failed")
			}
		}()
	}

	var frags []*models.Fragment
	if err := s.sessions.ReadOnly(ctx, func(db *gorm.DB) (err error) {
		frags, err = s.store.ListAllFragments(db)
		return err
	}); err != nil {
		return report, err
	}
	report.Scanned = len(frags)

	attempted := 0
	for _, f := range frags {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}

		has, err := s.index.HasEmbedding(ctx, f.ChunkID)
		if err != nil {
			s.fail(report, f, fmt.Errorf("%w: check index: %w", ErrExternalProvider, err))
			continue
		}
		if has {
			report.AlreadyEmbedded++
			report.States[f.ChunkID] = Embedded
			continue
		}

		if s.batchLimit > 0 && attempted >= s.batchLimit {
			report.Deferred++
			report.States[f.ChunkID] = Pending
			continue
		}
		attempted++

		if err := s.limiter.Wait(ctx); err != nil {
			report.States[f.ChunkID] = Pending
			report.Duration = time.Since(start)
			return report, err
		}
		if err := s.embedOne(ctx, f); err != nil {
			s.fail(report, f, err)
			continue
		}
		report.mark(f.ChunkID, Embedded)
	}

	report.Duration = time.Since(start)
	s.log.WithFields(map[string]interface{}{
		"scanned":          report.Scanned,
		"already_embedded": report.AlreadyEmbedded,
		"embedded":         report.Embedded,
		"failed":           report.Failed,
		"deferred":         report.Deferred,
		"duration":         report.Duration.String(),
	}).Info("embedding sync finished")
	return report, nil
}

func (s *Synchronizer) embedOne(ctx context.Context, f *models.Fragment) error {
	vector, err := s.embedder.Embed(ctx, f.Content)
	if err != nil {
		return fmt.Errorf("%w: embed: %w", ErrExternalProvider, err)
	}
	if err := s.index.UpsertEmbedding(ctx, f.ChunkID, vector); err != nil {
		return fmt.Errorf("%w: upsert: %w", ErrExternalProvider, err)
	}
	return nil
}

func (s *Synchronizer) fail(report *Report, f *models.Fragment, err error) {
	report.mark(f.ChunkID, Failed)
	s.log.WithFields(map[string]interface{}{
		"chunk_id":    f.ChunkID,
		"document_id": f.DocumentID,
	}).WithErr(err).Warn("fragment embedding failed")
}

// Pending lists the chunk ids the index has no entry for, without embedding anything.
func (s *Synchronizer) Pending(ctx context.Context) ([]string, error) {
	var (
		missing  []*models.Fragment
		indexErr error
	)
	err := s.sessions.ReadOnly(ctx, func(db *gorm.DB) (err error) {
		missing, err = s.store.ListFragmentsMissingEmbedding(db, func(chunkID string) bool {
			if indexErr != nil {
				return false
			}
			has, err := s.index.HasEmbedding(ctx, chunkID)
			if err != nil {
				indexErr = fmt.Errorf("%w: check index: %w", ErrExternalProvider, err)
			}
			return has
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if indexErr != nil {
		return nil, indexErr
	}
	ids := make([]string, 0, len(missing))
	for _, f := range missing {
		ids = append(ids, f.ChunkID)
	}
	return ids, nil
}

// Invalidate drops the index entries of chunkIDs so the next Run re-embeds
// them. Re-ingestion callers pass dal.ReplaceResult's Changed and Removed ids.
func (s *Synchronizer) Invalidate(ctx context.Context, chunkIDs []string) error {
	var errs []error
	for _, id := range chunkIDs {
		if err := s.index.DeleteEmbedding(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("invalidate %s: %w", id, err))
		}
	}
	if len(chunkIDs) > 0 {
		s.log.WithField("count", len(chunkIDs)).Info("embeddings invalidated")
	}
	return errors.Join(errs...)
}
