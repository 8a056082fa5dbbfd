package milvus

import (
	"context"
	"fmt"
	"strconv"

	"procurement-kb/backend/go/internal/vectorindex"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// ChunkIndex 把 Milvus 客户端适配为 vectorindex.Index。
// 行以配置的 VarChar 主键寻址 (默认 chunk_id)。
type ChunkIndex struct {
	client      client.Client
	collection  string
	idField     string
	vectorField string
}

// 编译期检查 ChunkIndex 是否实现了 Index 接口
var _ vectorindex.Index = (*ChunkIndex)(nil)

// NewChunkIndex 基于已连接的客户端创建适配器。
func NewChunkIndex(mc *MilvusClient) (*ChunkIndex, error) {
	if mc == nil || mc.Client == nil {
		return nil, fmt.Errorf("milvus client is not initialized")
	}
	s := mc.Config.Schema
	idField, vectorField := s.IDField, s.VectorField
	if idField == "" {
		idField = "chunk_id"
	}
	if vectorField == "" {
		vectorField = "embedding"
	}
	return &ChunkIndex{client: mc.Client, collection: s.CollectionName, idField: idField, vectorField: vectorField}, nil
}

// HasEmbedding 以强一致性查询 id 是否已有向量。
func (x *ChunkIndex) HasEmbedding(ctx context.Context, id string) (bool, error) {
	rs, err := x.client.Query(ctx, x.collection, nil, idExpr(x.idField, id), []string{x.idField},
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return false, fmt.Errorf("query embedding %s: %w", id, err)
	}
	col := rs.GetColumn(x.idField)
	return col != nil && col.Len() > 0, nil
}

// UpsertEmbedding 写入或覆盖 id 对应的向量。
func (x *ChunkIndex) UpsertEmbedding(ctx context.Context, id string, vector []float32) error {
	if id == "" || len(vector) == 0 {
		return fmt.Errorf("%w: id %q, %d dims", vectorindex.ErrInvalidVector, id, len(vector))
	}
	idCol := entity.NewColumnVarChar(x.idField, []string{id})
	vecCol := entity.NewColumnFloatVector(x.vectorField, len(vector), [][]float32{vector})
	if _, err := x.client.Upsert(ctx, x.collection, "", idCol, vecCol); err != nil {
		return fmt.Errorf("upsert embedding %s: %w", id, err)
	}
	return nil
}

// DeleteEmbedding 删除 id 对应的向量，不存在时不报错。
func (x *ChunkIndex) DeleteEmbedding(ctx context.Context, id string) error {
	if err := x.client.Delete(ctx, x.collection, "", idExpr(x.idField, id)); err != nil {
		return fmt.Errorf("delete embedding %s: %w", id, err)
	}
	return nil
}

// idExpr 构造 `field in ["id"]` 表达式，id 以字符串字面量形式转义。
func idExpr(field, id string) string {
	return fmt.Sprintf("%s in [%s]", field, strconv.Quote(id))
}
