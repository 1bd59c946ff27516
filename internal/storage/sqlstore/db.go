// Package sqlstore 基于 database/sql 为注册表、消费台账、已消费交易集合与交易账本提供持久化，
// 支持 MySQL 与嵌入式 SQLite 两种方言。
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"AgentPay/internal/config"
)

// Dialect 标识 SQL 方言。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// DB 包装数据库连接与方言。
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// New 使用已有连接构造 DB。
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Open 根据配置打开数据库，并在需要时执行迁移。
func Open(ctx context.Context, cfg config.StorageConfig) (*DB, error) {
	dialect := Dialect(strings.ToLower(strings.TrimSpace(cfg.Driver)))
	if dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", dialect)
	}

	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite 只允许单写者。
		db.SetMaxOpenConns(1)
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
	}
	if lifetime := cfg.ConnMaxLifetime(); lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", dialect, err)
	}

	store := New(db, dialect)
	if cfg.RunMigrations || dialect == DialectSQLite {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// Close 关闭连接。
func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping 检查连接是否可用。
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Services 返回服务描述符存储。
func (s *DB) Services() *ServiceStore { return &ServiceStore{db: s} }

// Spending 返回消费台账存储。
func (s *DB) Spending() *SpendingStore { return &SpendingStore{db: s} }

// Replay 返回已消费交易集合。
func (s *DB) Replay() *ReplayStore { return &ReplayStore{db: s} }

// Ledger 返回交易账本存储。
func (s *DB) Ledger() *LedgerStore { return &LedgerStore{db: s} }

func (s *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// uniqueViolation 判断错误是否为唯一键冲突，并返回冲突涉及的列或索引名片段。
func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if mysqlErr.Number == 1062 {
			return mysqlErr.Message, true
		}
		return "", false
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return msg, true
	}
	return "", false
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func ptrInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
