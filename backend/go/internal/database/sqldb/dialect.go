package sqldb

import (
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver used by the sqlite dialector

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
)

// Dialect 标识连接串所指向的 SQL 引擎。
type Dialect string

const (
	SQLite    Dialect = "sqlite"
	Postgres  Dialect = "postgres"
	MySQL     Dialect = "mysql"
	SQLServer Dialect = "sqlserver"
)

// sqlitePragmas 作用于每一个新的 SQLite 连接。SQLite 不使用连接池，
// 所以这些参数必须放在 DSN 里，而不是只执行一次。
const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

const sqliteMemory = ":memory:"

// ParseDialect 根据 raw 的 scheme 判断方言。"+driver" 后缀
// (postgresql+psycopg2, mssql+pyodbc) 会被接受并忽略。
func ParseDialect(raw string) (Dialect, error) {
	idx := strings.Index(raw, "://")
	if idx <= 0 {
		return "", fmt.Errorf("%w: connection string %q has no scheme", ErrConfiguration, MaskURL(raw))
	}
	scheme := strings.ToLower(raw[:idx])
	if plus := strings.IndexByte(scheme, '+'); plus >= 0 {
		scheme = scheme[:plus]
	}
	switch scheme {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "mssql", "sqlserver":
		return SQLServer, nil
	default:
		return "", fmt.Errorf("%w: unsupported dialect %q", ErrConfiguration, scheme)
	}
}

// sqlitePath 从 sqlite:///relative.db、sqlite:////abs/path.db
// 或 sqlite:///:memory: 中取出文件路径。
func sqlitePath(raw string) (string, error) {
	rest := raw[strings.Index(raw, "://")+3:]
	if rest == "" || rest == "/" {
		return sqliteMemory, nil
	}
	if !strings.HasPrefix(rest, "/") {
		return "", fmt.Errorf("%w: sqlite url must look like sqlite:///path.db", ErrConfiguration)
	}
	path := rest[1:]
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}
	if path == "" {
		return sqliteMemory, nil
	}
	return path, nil
}

// openDialector 把 raw 转换成驱动 DSN 并返回对应的 gorm dialector。
// 这里只校验 raw 的格式，不会建立连接。
func openDialector(raw string) (Dialect, gorm.Dialector, error) {
	d, err := ParseDialect(raw)
	if err != nil {
		return "", nil, err
	}

	if d == SQLite {
		path, err := sqlitePath(raw)
		if err != nil {
			return "", nil, err
		}
		return d, sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: path + "?" + sqlitePragmas}), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: malformed connection string %s", ErrConfiguration, MaskURL(raw))
	}
	if u.Hostname() == "" {
		return "", nil, fmt.Errorf("%w: connection string %s has no host", ErrConfiguration, MaskURL(raw))
	}
	database := strings.TrimPrefix(u.Path, "/")

	switch d {
	case Postgres:
		u.Scheme = "postgres"
		return d, postgres.Open(u.String()), nil
	case MySQL:
		if database == "" {
			return "", nil, fmt.Errorf("%w: mysql connection string needs a database name", ErrConfiguration)
		}
		host := u.Host
		if u.Port() == "" {
			host += ":3306"
		}
		password, _ := u.User.Password()
		params := u.Query()
		params.Set("parseTime", "True")
		if params.Get("charset") == "" {
			params.Set("charset", "utf8mb4")
		}
		if params.Get("loc") == "" {
			params.Set("loc", "UTC")
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?%s", u.User.Username(), password, host, database, params.Encode())
		// SkipInitializeWithVersion 让 gorm.Open 不去连接服务器。
		return d, mysql.New(mysql.Config{DSN: dsn, SkipInitializeWithVersion: true}), nil
	case SQLServer:
		q := url.Values{}
		if database != "" {
			q.Set("database", database)
		}
		for key, vals := range u.Query() {
			// 仅 ODBC 使用的参数对原生驱动没有意义。
			if strings.EqualFold(key, "driver") || len(vals) == 0 {
				continue
			}
			q.Set(key, vals[0])
		}
		mssql := url.URL{Scheme: "sqlserver", User: u.User, Host: u.Host, RawQuery: q.Encode()}
		return d, sqlserver.Open(mssql.String()), nil
	}
	return "", nil, fmt.Errorf("%w: unsupported dialect %q", ErrConfiguration, d)
}

// MaskURL 隐藏连接串中的密码，以便写入日志。
func MaskURL(raw string) string {
	idx := strings.Index(raw, "://")
	if raw == "" || idx < 0 {
		return "****"
	}
	scheme, rest := raw[:idx], raw[idx+3:]
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		// sqlite，或者不带凭据的服务器地址
		return raw
	}
	credentials := rest[:at]
	masked := "****"
	if colon := strings.IndexByte(credentials, ':'); colon >= 0 {
		masked = credentials[:colon] + ":****"
	}
	return scheme + "://" + masked + "@" + rest[at+1:]
}
