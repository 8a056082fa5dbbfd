package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"procurement-kb/backend/go/internal/config"
	"procurement-kb/backend/go/pkg/logger"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Options 是构造 Engine 所需的全部参数。
type Options struct {
	URL             string
	PoolSize        int           // 常驻连接数
	MaxOverflow     int           // 额外允许的连接数
	Recycle         time.Duration // 连接最长存活时间，0 表示不回收
	CheckoutTimeout time.Duration // 获取连接的最长等待时间，0 表示只受 ctx 约束
	Logger          *logger.Logger
}

// OptionsFromConfig 根据应用配置中的 database 部分构建 Options。
func OptionsFromConfig(cfg config.DatabaseConfig) Options {
	return Options{
		URL:             cfg.URL,
		PoolSize:        cfg.PoolSize,
		MaxOverflow:     cfg.MaxOverflow,
		Recycle:         cfg.RecycleInterval(),
		CheckoutTimeout: cfg.CheckoutTimeout(),
	}
}

// Engine 持有一个关系数据库的连接池。
type Engine struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	dialect Dialect
	opts    Options
	log     *logger.Logger
}

// NewEngine 校验连接串并构建带连接池的引擎。
// 这里不会建立连接；主机不可达会在第一次获取会话时以 ErrConnectivity 返回。
func NewEngine(opts Options) (*Engine, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: database url is empty", ErrConfiguration)
	}
	dialect, dialector, err := openDialector(opts.URL)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.New("sqldb")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NamingStrategy:       kbNaming{schema.NamingStrategy{IdentifierMaxLength: 64}},
		TranslateError:       true,
		DisableAutomaticPing: true,
		Logger:               gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:              func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectivity, MaskURL(opts.URL), err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("无法获取底层 SQL DB 实例: %w", err)
	}

	e := &Engine{db: db, sqlDB: sqlDB, dialect: dialect, opts: opts, log: log.WithField("dialect", string(dialect))}
	e.configurePool()
	e.log.Info(fmt.Sprintf("database engine ready: %s", MaskURL(opts.URL)))
	return e, nil
}

func (e *Engine) configurePool() {
	if e.dialect == SQLite {
		if path, _ := sqlitePath(e.opts.URL); path == sqliteMemory {
			// 每个到 :memory: 的连接都是一个新数据库，因此只保留一个连接
			e.sqlDB.SetMaxOpenConns(1)
			e.sqlDB.SetMaxIdleConns(1)
			return
		}
		// SQLite 不使用连接池：每个会话使用新连接，用完即关闭。
		e.sqlDB.SetMaxIdleConns(0)
		return
	}

	// 配置连接池参数。
	if limit := e.opts.PoolSize + e.opts.MaxOverflow; limit > 0 {
		e.sqlDB.SetMaxOpenConns(limit)
	}
	e.sqlDB.SetMaxIdleConns(e.opts.PoolSize)
	e.sqlDB.SetConnMaxLifetime(e.opts.Recycle)
}

// Dialect 返回引擎的 SQL 方言。
func (e *Engine) Dialect() Dialect { return e.dialect }

// Stats 返回底层 *sql.DB 的连接池统计。
func (e *Engine) Stats() sql.DBStats { return e.sqlDB.Stats() }

// HealthCheck 检查数据库连接的健康状况。
func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	return nil
}

// Close 释放连接池中的所有连接。
func (e *Engine) Close() error {
	return e.sqlDB.Close()
}

var (
	mu       sync.Mutex
	instance *Engine
)

// GetEngine 使用单例模式返回进程级的引擎，首次调用时构建。
// 在调用 Dispose 之前，后续调用返回同一个实例并忽略 opts。
// 构建失败不会被缓存，修正配置后可以重试。
func GetEngine(opts Options) (*Engine, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		return instance, nil
	}
	e, err := NewEngine(opts)
	if err != nil {
		return nil, err
	}
	instance = e
	return instance, nil
}

// Dispose 关闭并丢弃单例引擎，下一次 GetEngine 会重新创建。
func Dispose() error {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return nil
	}
	err := instance.Close()
	instance = nil
	return err
}
