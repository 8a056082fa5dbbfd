package milvus

import (
	"context"
	"fmt"
	"sync"

	"procurement-kb/backend/go/internal/config"
	"procurement-kb/backend/go/pkg/logger"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

var (
	mu       sync.Mutex
	instance *MilvusClient
)

// MilvusClient 包含了 Milvus 客户端实例和相关配置。
type MilvusClient struct {
	Client client.Client        // Milvus 客户端实例。
	Config *config.MilvusConfig // Milvus 配置。
	log    *logger.Logger
}

// GetClient 使用单例模式创建并返回一个 Milvus 客户端实例。
// 连接失败不会被缓存，下一次调用会重新尝试。
func GetClient(ctx context.Context, cfg *config.MilvusConfig) (*MilvusClient, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		return instance, nil
	}
	c, err := client.NewClient(ctx, client.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("无法连接到 Milvus: %w", err)
	}
	log := logger.New("milvus").WithField("address", cfg.Address)
	log.Info("成功连接到 Milvus")
	instance = &MilvusClient{Client: c, Config: cfg, log: log}
	return instance, nil
}

// Close 安全地关闭与 Milvus 的连接，并重置单例。
func (c *MilvusClient) Close() error {
	mu.Lock()
	defer mu.Unlock()
	if instance == c {
		instance = nil
	}
	if c.Client == nil {
		return nil
	}
	c.log.Info("已安全关闭 Milvus 连接")
	return c.Client.Close()
}

// HealthCheck 检查 Milvus 连接的健康状况。
func (c *MilvusClient) HealthCheck(ctx context.Context) error {
	if c.Client == nil {
		return fmt.Errorf("milvus client is nil")
	}
	if _, err := c.Client.ListCollections(ctx); err != nil {
		return fmt.Errorf("milvus health check failed: %w", err)
	}
	return nil
}

// FlushCollection 手动触发一次刷新操作，将内存中的数据写入磁盘。
func (c *MilvusClient) FlushCollection(ctx context.Context) error {
	collName := c.Config.Schema.CollectionName
	if err := c.Client.Flush(ctx, collName, false); err != nil {
		return fmt.Errorf("刷新集合 '%s' 失败: %w", collName, err)
	}
	c.log.WithField("collection", collName).Debug("集合刷新成功")
	return nil
}

// EnsureCollection 确保片段向量集合存在、建好索引并已加载。
func (c *MilvusClient) EnsureCollection(ctx context.Context) error {
	collName := c.Config.Schema.CollectionName
	exists, err := c.Client.HasCollection(ctx, collName)
	if err != nil {
		return fmt.Errorf("检查集合是否存在时出错: %w", err)
	}
	if !exists {
		schema, err := schemaFromConfig(c.Config.Schema)
		if err != nil {
			return err
		}
		if err := c.Client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("创建集合失败: %w", err)
		}
		idx, err := buildIndex(c.Config.Schema.Index)
		if err != nil {
			return err
		}
		if err := c.Client.CreateIndex(ctx, collName, c.Config.Schema.Index.FieldName, idx, false); err != nil {
			return fmt.Errorf("为字段 '%s' 创建索引失败: %w", c.Config.Schema.Index.FieldName, err)
		}
		c.log.WithField("collection", collName).Info("已创建向量集合")
	}

	if err := c.Client.LoadCollection(ctx, collName, false); err != nil {
		return fmt.Errorf("加载 Milvus 集合 '%s' 失败: %w", collName, err)
	}
	return nil
}

// schemaFromConfig 将 YAML 中的字段定义转换为 Milvus schema。
func schemaFromConfig(cfg config.SchemaConfig) (*entity.Schema, error) {
	schema := entity.NewSchema().
		WithName(cfg.CollectionName).
		WithDescription(cfg.Description)

	for _, fieldCfg := range cfg.Fields {
		field := entity.NewField().WithName(fieldCfg.Name)
		if fieldCfg.IsPrimaryKey {
			field = field.WithIsPrimaryKey(true)
		}
		if fieldCfg.IsAutoID {
			field = field.WithIsAutoID(true)
		}

		switch fieldCfg.DataType {
		case "Int64":
			field = field.WithDataType(entity.FieldTypeInt64)
		case "VarChar":
			field = field.WithDataType(entity.FieldTypeVarChar).WithMaxLength(int64(fieldCfg.MaxLength))
		case "FloatVector":
			field = field.WithDataType(entity.FieldTypeFloatVector).WithDim(int64(fieldCfg.Dim))
		case "Float":
			field = field.WithDataType(entity.FieldTypeFloat)
		case "Bool":
			field = field.WithDataType(entity.FieldTypeBool)
		default:
			return nil, fmt.Errorf("不支持的数据类型: %s", fieldCfg.DataType)
		}
		schema = schema.WithField(field)
	}
	return schema, nil
}

// buildIndex 是一个辅助函数，用于从配置构建索引实体。
func buildIndex(indexCfg config.IndexConfig) (entity.Index, error) {
	metricType := entity.MetricType(indexCfg.MetricType)
	intParam := func(name string, def int) int {
		if v, ok := indexCfg.Params[name].(int); ok {
			return v
		}
		return def
	}

	switch indexCfg.IndexType {
	case "IVF_FLAT":
		return entity.NewIndexIvfFlat(metricType, intParam("nlist", 128))
	case "HNSW":
		return entity.NewIndexHNSW(metricType, intParam("M", 8), intParam("efConstruction", 96))
	case "IVF_SQ8":
		return entity.NewIndexIvfSQ8(metricType, intParam("nlist", 128))
	case "AUTOINDEX", "":
		return entity.NewIndexAUTOINDEX(metricType)
	default:
		return nil, fmt.Errorf("不支持的索引类型: %s", indexCfg.IndexType)
	}
}
