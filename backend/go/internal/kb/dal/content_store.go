package dal

import (
	"errors"
	"fmt"

	"procurement-kb/backend/go/internal/database/sqldb"
	"procurement-kb/backend/go/internal/models"
	"procurement-kb/backend/go/pkg/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ContentStore provides data access methods for documents and fragments.
// Every method runs on the session handle it is given and never opens one itself.
type ContentStore struct {
	log *logger.Logger
}

// NewContentStore creates a new ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{log: logger.New("content_store")}
}

// ReplaceResult tells the caller which vector index entries may be out of date
// after a fragment replacement.
type ReplaceResult struct {
	Changed []string // new chunks and chunks whose content changed
	Removed []string // chunks no longer part of the document
}

// UpsertDocument inserts doc or, when document_id already exists, updates its
// title, source type, source path and metadata. It returns the internal id.
// Calling it twice with the same input leaves exactly one row.
func (s *ContentStore) UpsertDocument(tx *gorm.DB, doc *models.Document) (uint, error) {
	if doc.DocumentID == "" {
		return 0, fmt.Errorf("%w: document_id is required", sqldb.ErrIntegrity)
	}
	row := *doc
	row.ID = 0
	row.Fragments = nil
	err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "source_type", "source_path", "metadata_json", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return 0, sqldb.Classify(fmt.Errorf("upsert document %s: %w", doc.DocumentID, err))
	}

	// the id returned after an upsert is unreliable across dialects, so reload it
	var stored models.Document
	if err := tx.Select("id", "created_at", "updated_at").Where("document_id = ?", doc.DocumentID).Take(&stored).Error; err != nil {
		return 0, sqldb.Classify(fmt.Errorf("reload document %s: %w", doc.DocumentID, err))
	}
	doc.ID, doc.CreatedAt, doc.UpdatedAt = stored.ID, stored.CreatedAt, stored.UpdatedAt
	return stored.ID, nil
}

// GetDocument returns the document with the given external id, or ErrNotFound.
func (s *ContentStore) GetDocument(tx *gorm.DB, documentID string) (*models.Document, error) {
	var doc models.Document
	if err := tx.Where("document_id = ?", documentID).Take(&doc).Error; err != nil {
		return nil, sqldb.Classify(fmt.Errorf("document %s: %w", documentID, err))
	}
	return &doc, nil
}

// DeleteDocument removes a document together with all of its fragments.
func (s *ContentStore) DeleteDocument(tx *gorm.DB, documentID string) error {
	return tx.Transaction(func(inner *gorm.DB) error {
		// the FK cascades as well; deleting explicitly keeps the result the same
		// on connections where foreign keys are not enforced
		if err := inner.Where("document_id = ?", documentID).Delete(&models.Fragment{}).Error; err != nil {
			return sqldb.Classify(fmt.Errorf("delete fragments of %s: %w", documentID, err))
		}
		result := inner.Where("document_id = ?", documentID).Delete(&models.Document{})
		if result.Error != nil {
			return sqldb.Classify(fmt.Errorf("delete document %s: %w", documentID, result.Error))
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("document %s: %w", documentID, sqldb.ErrNotFound)
		}
		return nil
	})
}

// ReplaceFragments deletes the fragments of documentID and inserts frags in
// their place, keeping the given order. Either the whole set is stored or,
// on any failure, the previous fragments are left untouched. When tx is
// already inside a transaction the replacement runs in a savepoint.
func (s *ContentStore) ReplaceFragments(tx *gorm.DB, documentID string, frags []*models.Fragment) (*ReplaceResult, error) {
	seen := make(map[string]struct{}, len(frags))
	for i, f := range frags {
		switch {
		case f == nil:
			return nil, fmt.Errorf("%w: fragment %d is nil", sqldb.ErrIntegrity, i)
		case f.ChunkID == "":
			return nil, fmt.Errorf("%w: fragment %d has no chunk_id", sqldb.ErrIntegrity, i)
		case f.Content == "":
			return nil, fmt.Errorf("%w: fragment %s has empty content", sqldb.ErrIntegrity, f.ChunkID)
		}
		if _, dup := seen[f.ChunkID]; dup {
			return nil, fmt.Errorf("%w: chunk_id %s appears twice", sqldb.ErrIntegrity, f.ChunkID)
		}
		seen[f.ChunkID] = struct{}{}
	}

	// insert copies so a rolled back savepoint leaves the caller's fragments untouched
	rows := make([]models.Fragment, len(frags))
	for i, f := range frags {
		rows[i] = *f
		rows[i].ID = 0
		rows[i].DocumentID = documentID
		rows[i].Position = i
	}

	result := &ReplaceResult{}
	err := tx.Transaction(func(inner *gorm.DB) error {
		var exists int64
		if err := inner.Model(&models.Document{}).Where("document_id = ?", documentID).Count(&exists).Error; err != nil {
			return sqldb.Classify(err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: document %s does not exist", sqldb.ErrIntegrity, documentID)
		}

		var previous []models.Fragment
		if err := inner.Select("chunk_id", "content").Where("document_id = ?", documentID).Find(&previous).Error; err != nil {
			return sqldb.Classify(fmt.Errorf("load fragments of %s: %w", documentID, err))
		}
		if err := inner.Where("document_id = ?", documentID).Delete(&models.Fragment{}).Error; err != nil {
			return sqldb.Classify(fmt.Errorf("delete fragments of %s: %w", documentID, err))
		}

		for i := range rows {
			if err := inner.Omit(clause.Associations).Create(&rows[i]).Error; err != nil {
				return sqldb.Classify(fmt.Errorf("insert fragment %s: %w", rows[i].ChunkID, err))
			}
		}

		before := make(map[string]string, len(previous))
		for _, p := range previous {
			before[p.ChunkID] = p.Content
		}
		for _, f := range frags {
			if old, ok := before[f.ChunkID]; !ok || old != f.Content {
				result.Changed = append(result.Changed, f.ChunkID)
			}
			delete(before, f.ChunkID)
		}
		for _, p := range previous {
			if _, gone := before[p.ChunkID]; gone {
				result.Removed = append(result.Removed, p.ChunkID)
			}
		}
		return nil
	})
	if err != nil {
		s.log.WithField("document_id", documentID).WithErr(err).Warn("fragment replacement rolled back")
		return nil, err
	}
	for i, f := range frags {
		f.ID, f.DocumentID, f.Position, f.CreatedAt = rows[i].ID, rows[i].DocumentID, rows[i].Position, rows[i].CreatedAt
	}
	return result, nil
}

// GetFragment returns the fragment with the given chunk_id, or ErrNotFound.
func (s *ContentStore) GetFragment(tx *gorm.DB, chunkID string) (*models.Fragment, error) {
	var f models.Fragment
	if err := tx.Where("chunk_id = ?", chunkID).Take(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("fragment %s: %w", chunkID, sqldb.ErrNotFound)
		}
		return nil, sqldb.Classify(fmt.Errorf("fragment %s: %w", chunkID, err))
	}
	return &f, nil
}

// ListFragments returns the fragments of one document in their stored order.
func (s *ContentStore) ListFragments(tx *gorm.DB, documentID string) ([]*models.Fragment, error) {
	var frags []*models.Fragment
	if err := tx.Where("document_id = ?", documentID).Order("position, id").Find(&frags).Error; err != nil {
		return nil, sqldb.Classify(fmt.Errorf("list fragments of %s: %w", documentID, err))
	}
	return frags, nil
}

// ListAllFragments returns every fragment, grouped by document.
func (s *ContentStore) ListAllFragments(tx *gorm.DB) ([]*models.Fragment, error) {
	var frags []*models.Fragment
	if err := tx.Order("document_id, position, id").Find(&frags).Error; err != nil {
		return nil, sqldb.Classify(fmt.Errorf("list fragments: %w", err))
	}
	return frags, nil
}

// ListFragmentsMissingEmbedding returns the fragments whose chunk_id the
// caller has not confirmed as present in the vector index. A nil confirmed
// func treats every fragment as missing.
func (s *ContentStore) ListFragmentsMissingEmbedding(tx *gorm.DB, confirmed func(chunkID string) bool) ([]*models.Fragment, error) {
	all, err := s.ListAllFragments(tx)
	if err != nil {
		return nil, err
	}
	if confirmed == nil {
		return all, nil
	}
	missing := make([]*models.Fragment, 0, len(all))
	for _, f := range all {
		if !confirmed(f.ChunkID) {
			missing = append(missing, f)
		}
	}
	return missing, nil
}

// CountFragments returns how many fragments documentID has.
func (s *ContentStore) CountFragments(tx *gorm.DB, documentID string) (int64, error) {
	var n int64
	if err := tx.Model(&models.Fragment{}).Where("document_id = ?", documentID).Count(&n).Error; err != nil {
		return 0, sqldb.Classify(fmt.Errorf("count fragments of %s: %w", documentID, err))
	}
	return n, nil
}
