package sqldb

import (
	"context"
	"fmt"

	"procurement-kb/backend/go/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// kbNaming 把外键命名为 fk_<子表>_<外键列>_<父表>；唯一索引和普通索引
// 已在模型标签上显式命名 (uq_, ix_)。
type kbNaming struct {
	schema.NamingStrategy
}

// RelationshipFKName 为 rel 生成外键约束名。has one / has many 关系声明在父表一侧，
// 外键列在 FieldSchema 上；belongs to 关系则相反。
func (n kbNaming) RelationshipFKName(rel schema.Relationship) string {
	if len(rel.References) == 0 || rel.References[0].ForeignKey == nil || rel.FieldSchema == nil {
		return n.NamingStrategy.RelationshipFKName(rel)
	}
	child, parent := rel.Schema, rel.FieldSchema
	if rel.Type == schema.HasOne || rel.Type == schema.HasMany {
		child, parent = rel.FieldSchema, rel.Schema
	}
	return fmt.Sprintf("fk_%s_%s_%s", child.Table, rel.References[0].ForeignKey.DBName, parent.Table)
}

// KBModels 按依赖顺序列出知识库的表。
func KBModels() []interface{} {
	return []interface{}{&models.Document{}, &models.Fragment{}, &models.LegalNorm{}}
}

// MigrateKB 创建或更新 kb_documents、kb_chunks 和 legal_norm_cache 三张表。
func (e *Engine) MigrateKB(ctx context.Context) error {
	if err := e.Migrate(ctx, KBModels()...); err != nil {
		return err
	}
	e.log.Info("knowledge base schema is up to date")
	return nil
}

// Migrate 创建或更新给定模型对应的表。
// 并非所有方言的 DDL 都支持事务，因此在事务之外执行。
func (e *Engine) Migrate(ctx context.Context, tables ...interface{}) error {
	return e.ReadOnly(ctx, func(db *gorm.DB) error {
		if err := db.AutoMigrate(tables...); err != nil {
			return Classify(fmt.Errorf("auto migrate: %w", err))
		}
		return nil
	})
}
