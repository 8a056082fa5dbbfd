package normcache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"procurement-kb/backend/go/internal/database/sqldb"
	"procurement-kb/backend/go/internal/kb/dal"
	"procurement-kb/backend/go/internal/models"
	"procurement-kb/backend/go/pkg/circuitbreaker"
	"procurement-kb/backend/go/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const normX = "urn:lex:br:federal:lei:2021-04-01;14133"

type fakeSource struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
	label string
}

func (f *fakeSource) Fetch(ctx context.Context, urn string) (*models.NormPayload, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	label := f.label
	if label == "" {
		label = "Lei 14.133/2021"
	}
	return &models.NormPayload{URN: urn, Label: label, Sphere: models.SphereFederal, Status: models.NormActive}, nil
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine *sqldb.Engine
	clock  *clock
	source *fakeSource
	cache  *dal.NormCache
}

func setup(t *testing.T) *fixture {
	t.Helper()
	e, err := sqldb.NewEngine(sqldb.Options{URL: "sqlite:///" + filepath.Join(t.TempDir(), "kb.db"), Logger: logger.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.MigrateKB(context.Background()))

	c := &clock{now: time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)}
	return &fixture{
		engine: e,
		clock:  c,
		source: &fakeSource{},
		cache:  dal.NewNormCache(7*24*time.Hour, dal.WithClock(c.Now)),
	}
}

func TestResolve_MissFetchFreshThenStale(t *testing.T) {
	f := setup(t)
	r := NewResolver(f.engine, f.cache, f.source)
	ctx := context.Background()

	res, err := r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshSync})
	require.NoError(t, err)
	assert.True(t, res.Fresh)
	assert.True(t, res.Refreshed)
	assert.Equal(t, "Lei 14.133/2021", res.Norm.NormLabel)
	assert.EqualValues(t, 1, f.source.calls.Load())

	res, err = r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshSync})
	require.NoError(t, err)
	assert.True(t, res.Fresh)
	assert.False(t, res.Refreshed)
	assert.EqualValues(t, 1, f.source.calls.Load(), "fresh hits do not call the source")

	f.clock.Advance(7*24*time.Hour + time.Second)
	res, err = r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshNever})
	require.NoError(t, err)
	assert.False(t, res.Fresh)
	assert.Equal(t, normX, res.Norm.NormURN)
	assert.EqualValues(t, 1, f.source.calls.Load())
}

func TestResolve_MissWithoutRefresh(t *testing.T) {
	f := setup(t)
	r := NewResolver(f.engine, f.cache, f.source)
	_, err := r.Resolve(context.Background(), normX, ResolveOptions{})
	assert.ErrorIs(t, err, sqldb.ErrNotFound)
	assert.Zero(t, f.source.calls.Load())
}

func TestResolve_StaleServedWhenSourceFails(t *testing.T) {
	f := setup(t)
	r := NewResolver(f.engine, f.cache, f.source)
	ctx := context.Background()

	_, err := r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshSync})
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	f.source.fail(errors.New("lexml unavailable"))

	res, err := r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshSync})
	require.NoError(t, err)
	assert.False(t, res.Fresh)
	assert.NotNil(t, res.Norm)
	assert.ErrorIs(t, res.RefreshErr, ErrExternalProvider)
}

func TestResolve_MissWithFailingSource(t *testing.T) {
	f := setup(t)
	f.source.fail(errors.New("timeout"))
	r := NewResolver(f.engine, f.cache, f.source)

	_, err := r.Resolve(context.Background(), normX, ResolveOptions{Refresh: RefreshSync})
	assert.ErrorIs(t, err, ErrExternalProvider)
}

func TestResolve_BackgroundRefresh(t *testing.T) {
	f := setup(t)
	r := NewResolver(f.engine, f.cache, f.source)
	ctx := context.Background()

	_, err := r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshSync})
	require.NoError(t, err)
	f.clock.Advance(10 * 24 * time.Hour)
	f.source.label = "Lei 14.133/2021 (atualizada)"

	res, err := r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshBackground})
	require.NoError(t, err)
	assert.False(t, res.Fresh, "the stale entry is served immediately")
	assert.Equal(t, "Lei 14.133/2021", res.Norm.NormLabel)

	r.Wait()
	res, err = r.Resolve(ctx, normX, ResolveOptions{})
	require.NoError(t, err)
	assert.True(t, res.Fresh)
	assert.Equal(t, "Lei 14.133/2021 (atualizada)", res.Norm.NormLabel)
	assert.EqualValues(t, 2, f.source.calls.Load())
}

func TestResolve_BreakerStopsCallingSource(t *testing.T) {
	f := setup(t)
	f.source.fail(errors.New("502"))
	r := NewResolver(f.engine, f.cache, f.source, WithBreaker(circuitbreaker.New(1, 1, time.Hour)))
	ctx := context.Background()

	_, err := r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshSync})
	require.ErrorIs(t, err, ErrExternalProvider)
	_, err = r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshSync})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.EqualValues(t, 1, f.source.calls.Load())
}

func TestResolve_ConcurrentMissesKeepOneRow(t *testing.T) {
	f := setup(t)
	r := NewResolver(f.engine, f.cache, f.source)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), normX, ResolveOptions{Refresh: RefreshSync})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var n int64
	require.NoError(t, f.engine.ReadOnly(context.Background(), func(db *gorm.DB) error {
		return db.Model(&models.LegalNorm{}).Count(&n).Error
	}))
	assert.EqualValues(t, 1, n)
}

func TestRefreshStale(t *testing.T) {
	f := setup(t)
	r := NewResolver(f.engine, f.cache, f.source)
	ctx := context.Background()

	_, err := r.Resolve(ctx, normX, ResolveOptions{Refresh: RefreshSync})
	require.NoError(t, err)
	f.clock.Advance(30 * 24 * time.Hour)

	refreshed, failed, err := r.RefreshStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)
	assert.Empty(t, failed)

	res, err := r.Resolve(ctx, normX, ResolveOptions{})
	require.NoError(t, err)
	assert.True(t, res.Fresh)
}

// gatedSource blocks until release is closed and honours ctx.
type gatedSource struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSource() *gatedSource {
	return &gatedSource{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSource) Fetch(ctx context.Context, urn string) (*models.NormPayload, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.release:
		return &models.NormPayload{URN: urn, Label: "Lei 14.133/2021", Sphere: models.SphereFederal, Status: models.NormActive}, nil
	}
}

func TestRefresh_CancelledCallerDoesNotFailSharers(t *testing.T) {
	f := setup(t)
	source := newGatedSource()
	r := NewResolver(f.engine, f.cache, source, WithRefreshTimeout(5*time.Second))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.refresh(firstCtx, normX)
		firstErr <- err
	}()
	<-source.started

	second := make(chan error, 1)
	var secondNorm *models.LegalNorm
	go func() {
		norm, err := r.refresh(context.Background(), normX)
		secondNorm = norm
		second <- err
	}()
	// let the second caller join the fetch in flight
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(source.release)
	require.NoError(t, <-second)
	require.NotNil(t, secondNorm)
	assert.Equal(t, normX, secondNorm.NormURN)
	assert.EqualValues(t, 1, source.calls.Load())
}

func TestRefresh_TimeoutBoundsSharedFetch(t *testing.T) {
	f := setup(t)
	source := newGatedSource()
	r := NewResolver(f.engine, f.cache, source, WithRefreshTimeout(20*time.Millisecond))

	_, err := r.refresh(context.Background(), normX)
	assert.ErrorIs(t, err, ErrExternalProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(source.release)
}
