package sqldb

import (
	"context"
	"testing"

	"procurement-kb/backend/go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMigrateKB_CreatesSchema(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.MigrateKB(ctx))
	require.NoError(t, e.MigrateKB(ctx), "migration is repeatable")

	require.NoError(t, e.ReadOnly(ctx, func(db *gorm.DB) error {
		m := db.Migrator()
		for _, table := range []string{"kb_documents", "kb_chunks", "legal_norm_cache"} {
			assert.True(t, m.HasTable(table), table)
		}
		assert.True(t, m.HasIndex(&models.Document{}, "uq_kb_documents_document_id"))
		assert.True(t, m.HasIndex(&models.Fragment{}, "uq_kb_chunks_chunk_id"))
		assert.True(t, m.HasIndex(&models.LegalNorm{}, "uq_legal_norm_cache_norm_urn"))
		assert.True(t, m.HasConstraint(&models.Fragment{}, "fk_kb_chunks_document_id_kb_documents"))
		return nil
	}))
}

type foreignKeyRow struct {
	Table    string `gorm:"column:table"`
	From     string `gorm:"column:from"`
	To       string `gorm:"column:to"`
	OnDelete string `gorm:"column:on_delete"`
}

func TestMigrateKB_ForeignKeyDirection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.MigrateKB(ctx))

	require.NoError(t, e.ReadOnly(ctx, func(db *gorm.DB) error {
		var chunkFKs []foreignKeyRow
		require.NoError(t, db.Raw("PRAGMA foreign_key_list(kb_chunks)").Scan(&chunkFKs).Error)
		require.Len(t, chunkFKs, 1)
		assert.Equal(t, "kb_documents", chunkFKs[0].Table)
		assert.Equal(t, "document_id", chunkFKs[0].From)
		assert.Equal(t, "document_id", chunkFKs[0].To)
		assert.Equal(t, "CASCADE", chunkFKs[0].OnDelete)

		var documentFKs []foreignKeyRow
		require.NoError(t, db.Raw("PRAGMA foreign_key_list(kb_documents)").Scan(&documentFKs).Error)
		assert.Empty(t, documentFKs)

		var ddl string
		require.NoError(t, db.Raw("SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'kb_chunks'").Scan(&ddl).Error)
		assert.Contains(t, ddl, "fk_kb_chunks_document_id_kb_documents")
		return nil
	}))

	// 插入父表不能因外键方向错误而失败
	require.NoError(t, e.Transactional(ctx, func(tx *gorm.DB) error {
		return tx.Create(&models.Document{DocumentID: "doc-1", Title: "ETP"}).Error
	}))
}

func TestMigrateKB_ForeignKeyCascades(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.MigrateKB(ctx))

	require.NoError(t, e.Transactional(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&models.Document{DocumentID: "doc-1", Title: "ETP"}).Error; err != nil {
			return err
		}
		return tx.Create(&models.Fragment{ChunkID: "doc-1-0", DocumentID: "doc-1", Content: "objeto"}).Error
	}))

	err := e.Transactional(ctx, func(tx *gorm.DB) error {
		return Classify(tx.Create(&models.Fragment{ChunkID: "orphan", DocumentID: "missing", Content: "x"}).Error)
	})
	assert.ErrorIs(t, err, ErrIntegrity)

	require.NoError(t, e.Transactional(ctx, func(tx *gorm.DB) error {
		return tx.Exec("DELETE FROM kb_documents WHERE document_id = ?", "doc-1").Error
	}))
	var n int64
	require.NoError(t, e.ReadOnly(ctx, func(db *gorm.DB) error {
		return db.Model(&models.Fragment{}).Count(&n).Error
	}))
	assert.Zero(t, n)
}
