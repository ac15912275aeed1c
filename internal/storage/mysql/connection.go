package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "ShadowStream/internal/errors"

	mysqldriver "github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// 支持的驱动名称。
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DB 持有连接池与方言信息，各个 Store 共享同一个 DB。
type DB struct {
	db      *sql.DB
	dialect string
}

// Open 建立连接池并执行嵌入的迁移脚本。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db, dialect: dialect}, nil
}

// Dialect 返回当前方言。
func (d *DB) Dialect() string { return d.dialect }

// Ping 用于健康检查。
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "数据库不可用")
	}
	return nil
}

// Close 关闭底层连接池。
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, string, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, "", fmt.Errorf("数据库 DSN 不能为空")
	}
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if dialect == "" {
		dialect = DriverMySQL
	}
	if dialect != DriverMySQL && dialect != DriverSQLite {
		return nil, "", fmt.Errorf("不支持的数据库驱动 %s", cfg.Driver)
	}

	db, err := sql.Open(dialect, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("连接数据库失败: %w", err)
	}

	if dialect == DriverSQLite {
		// SQLite 只允许单写者，内存库在多连接下也互不可见。
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(30 * time.Minute)
		}
		if cfg.ConnMaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("无法连接到数据库: %w", err)
	}
	return db, dialect, nil
}

// isDuplicateKey 判断错误是否为唯一键冲突。
func isDuplicateKey(err error) bool {
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func storageError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isDuplicateKey(err) {
		return xerrors.Wrap(xerrors.CodeConflict, err, msg)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// placeholders 生成 "?, ?, ?" 形式的占位符。
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
