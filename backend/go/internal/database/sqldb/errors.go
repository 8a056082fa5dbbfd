package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrConfiguration 表示连接串格式错误或缺少配置项。
	ErrConfiguration = errors.New("database configuration error")
	// ErrConnectivity 表示连接池耗尽、连接断开或主机不可达。
	ErrConnectivity = errors.New("database connectivity error")
	// ErrIntegrity 表示违反唯一约束或外键约束。
	ErrIntegrity = errors.New("integrity violation")
	// ErrNotFound 在查询没有结果时返回。
	ErrNotFound = errors.New("not found")
)

// sqliteConstraint 即 SQLITE_CONSTRAINT，扩展错误码的低字节与它相同。
const sqliteConstraint = 19

// Classify 把驱动和 gorm 的错误映射到本包的错误分类。
// 已经分类过的错误以及无法归类的错误原样返回。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrIntegrity), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConnectivity), errors.Is(err, ErrConfiguration):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated), isConstraintViolation(err):
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	return err
}

// isConstraintViolation 处理 gorm 无法翻译的驱动错误，主要是 modernc.org/sqlite。
func isConstraintViolation(err error) bool {
	var coded interface{ Code() int }
	if errors.As(err, &coded) && coded.Code()&0xff == sqliteConstraint {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"unique constraint failed",
		"foreign key constraint failed",
		"duplicate key",
		"duplicate entry",
		"violates foreign key constraint",
		"cannot insert duplicate key",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
