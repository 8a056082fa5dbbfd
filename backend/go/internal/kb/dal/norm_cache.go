package dal

import (
	"fmt"
	"time"

	"procurement-kb/backend/go/internal/database/sqldb"
	"procurement-kb/backend/go/internal/models"
	"procurement-kb/backend/go/pkg/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultNormTTL is how long a verified norm stays fresh by default.
const DefaultNormTTL = 7 * 24 * time.Hour

// NormCache is the TTL cache of verified legal norms. Entries are never
// evicted; stale ones stay readable and are only flagged as not fresh.
type NormCache struct {
	ttl time.Duration
	now func() time.Time
	log *logger.Logger
}

// NormCacheOption customises a NormCache.
type NormCacheOption func(*NormCache)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) NormCacheOption {
	return func(c *NormCache) { c.now = now }
}

// NewNormCache creates a cache whose entries stay fresh for ttl.
// A non-positive ttl falls back to DefaultNormTTL.
func NewNormCache(ttl time.Duration, opts ...NormCacheOption) *NormCache {
	if ttl <= 0 {
		ttl = DefaultNormTTL
	}
	c := &NormCache{ttl: ttl, now: time.Now, log: logger.New("norm_cache")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness window.
func (c *NormCache) TTL() time.Duration { return c.ttl }

// Now returns the cache clock's current time.
func (c *NormCache) Now() time.Time { return c.now() }

// IsFresh reports whether entry is still within the TTL at the cache clock.
func (c *NormCache) IsFresh(entry *models.LegalNorm) bool {
	return entry.IsFresh(c.now(), c.ttl)
}

// Lookup returns the cached entry for urn and whether it is fresh.
// A miss returns ErrNotFound.
func (c *NormCache) Lookup(tx *gorm.DB, urn string) (*models.LegalNorm, bool, error) {
	var entry models.LegalNorm
	if err := tx.Where("norm_urn = ?", urn).Take(&entry).Error; err != nil {
		return nil, false, sqldb.Classify(fmt.Errorf("legal norm %s: %w", urn, err))
	}
	return &entry, c.IsFresh(&entry), nil
}

// UpsertVerified stores a freshly fetched payload. An existing entry for the
// same URN has its label, sphere, status, payload and last_verified_at
// overwritten, so there is always exactly one row per URN.
func (c *NormCache) UpsertVerified(tx *gorm.DB, payload *models.NormPayload, verifiedAt time.Time) (*models.LegalNorm, error) {
	switch {
	case payload == nil || payload.URN == "":
		return nil, fmt.Errorf("%w: norm urn is required", sqldb.ErrIntegrity)
	case !payload.Sphere.Valid():
		return nil, fmt.Errorf("%w: unknown sphere %q for %s", sqldb.ErrIntegrity, payload.Sphere, payload.URN)
	case !payload.Status.Valid():
		return nil, fmt.Errorf("%w: unknown status %q for %s", sqldb.ErrIntegrity, payload.Status, payload.URN)
	}

	entry := models.LegalNorm{
		NormURN:        payload.URN,
		NormLabel:      payload.Label,
		Sphere:         payload.Sphere,
		Status:         payload.Status,
		LastVerifiedAt: verifiedAt.UTC(),
	}
	if err := entry.SetSourceData(payload.Source); err != nil {
		return nil, err
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "norm_urn"}},
		DoUpdates: clause.AssignmentColumns([]string{"norm_label", "sphere", "status", "source_json", "last_verified_at"}),
	}).Create(&entry).Error
	if err != nil {
		return nil, sqldb.Classify(fmt.Errorf("upsert legal norm %s: %w", payload.URN, err))
	}

	stored, _, err := c.Lookup(tx, payload.URN)
	if err != nil {
		return nil, err
	}
	c.log.WithField("urn", payload.URN).Debug("legal norm verified")
	return stored, nil
}

// ListStale returns the entries whose last verification is older than the TTL.
func (c *NormCache) ListStale(tx *gorm.DB) ([]*models.LegalNorm, error) {
	cutoff := c.now().Add(-c.ttl).UTC()
	var stale []*models.LegalNorm
	if err := tx.Where("last_verified_at < ?", cutoff).Order("last_verified_at").Find(&stale).Error; err != nil {
		return nil, sqldb.Classify(fmt.Errorf("list stale legal norms: %w", err))
	}
	return stale, nil
}
