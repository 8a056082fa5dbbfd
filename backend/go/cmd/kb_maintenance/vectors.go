package main

import (
	"context"
	"fmt"

	"procurement-kb/backend/go/internal/config"
	"procurement-kb/backend/go/internal/database/milvus"
	"procurement-kb/backend/go/internal/vectorindex"
)

// indexHandle 是一个已打开的向量索引及其生命周期回调。
type indexHandle struct {
	vectorindex.Index
	close  func() error
	health func(context.Context) error
}

// openIndex 打开配置中指定的向量索引后端。
func openIndex(ctx context.Context, cfg *config.AppConfig) (*indexHandle, error) {
	switch cfg.VectorIndex.Backend {
	case "milvus":
		mc, err := milvus.GetClient(ctx, &cfg.Databases.Milvus)
		if err != nil {
			return nil, err
		}
		if err := mc.EnsureCollection(ctx); err != nil {
			_ = mc.Close()
			return nil, err
		}
		idx, err := milvus.NewChunkIndex(mc)
		if err != nil {
			_ = mc.Close()
			return nil, err
		}
		closeFn := func() error {
			// 断开连接前先持久化本次运行的写入
			if err := mc.FlushCollection(context.Background()); err != nil {
				_ = mc.Close()
				return err
			}
			return mc.Close()
		}
		return &indexHandle{Index: idx, close: closeFn, health: mc.HealthCheck}, nil
	case "sqvect":
		idx, err := vectorindex.OpenSQVect(ctx, cfg.VectorIndex.Path)
		if err != nil {
			return nil, err
		}
		health := func(ctx context.Context) error {
			_, err := idx.HasEmbedding(ctx, "__healthcheck__")
			return err
		}
		return &indexHandle{Index: idx, close: idx.Close, health: health}, nil
	default:
		return nil, fmt.Errorf("%w: unknown vector index backend %q", config.ErrInvalid, cfg.VectorIndex.Backend)
	}
}
