package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// checkout 从连接池取出一个私有连接并探测它。
// 探测失败的连接会被丢弃，并重新获取一次。
func (e *Engine) checkout(ctx context.Context) (*sql.Conn, error) {
	acquireCtx := ctx
	if e.opts.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, e.opts.CheckoutTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := e.sqlDB.Conn(acquireCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: no connection available within %s: %w", ErrConnectivity, e.opts.CheckoutTimeout, err)
			}
			return nil, fmt.Errorf("%w: checkout: %w", ErrConnectivity, err)
		}
		if err := conn.PingContext(acquireCtx); err != nil {
			// Raw 返回 ErrBadConn 时 database/sql 会丢弃该连接
			_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
			_ = conn.Close()
			lastErr = err
			e.log.WithErr(err).Warn("discarding stale connection")
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrConnectivity, lastErr)
}

// session 把一个新的 gorm 会话绑定到 pool 上，做法与 gorm 自带的 DB.Connection 相同。
func (e *Engine) session(ctx context.Context, pool gorm.ConnPool) *gorm.DB {
	tx := e.db.Session(&gorm.Session{NewDB: true, Context: ctx})
	tx.Statement.ConnPool = pool
	return tx
}

// Transactional 在一个私有连接上的单个事务中执行 fn。
// fn 返回 nil 时提交；返回错误或 panic 时回滚，错误或 panic 原样向上传递。
// 无论结果如何，连接都会归还连接池。
func (e *Engine) Transactional(ctx context.Context, fn func(tx *gorm.DB) error) error {
	conn, err := e.checkout(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Classify(fmt.Errorf("begin: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			e.rollback(sqlTx, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	if err := fn(e.session(ctx, sqlTx)); err != nil {
		e.rollback(sqlTx, err)
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (e *Engine) rollback(tx *sql.Tx, cause error) {
	log := e.log.WithErr(cause)
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.WithField("rollback_error", err.Error()).Error("transaction rollback failed")
		return
	}
	log.Warn("transaction rolled back")
}

// ReadOnly 在私有连接上执行 fn，不开启事务。
// 通过它发出的写操作不受提交或回滚保护。
func (e *Engine) ReadOnly(ctx context.Context, fn func(db *gorm.DB) error) error {
	conn, err := e.checkout(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(e.session(ctx, conn))
}
