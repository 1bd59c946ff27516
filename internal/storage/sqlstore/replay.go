package sqlstore

import (
	"context"
	"fmt"
	"time"

	"AgentPay/internal/payment"
)

// ReplayStore 以唯一主键实现已消费交易集合。
type ReplayStore struct {
	db *DB
}

var _ payment.ReplayGuard = (*ReplayStore)(nil)

// MarkUsed 依靠主键冲突保证原子性，插入成功即代表首次使用。
func (s *ReplayStore) MarkUsed(ctx context.Context, key string) (bool, error) {
	query := `INSERT OR IGNORE INTO used_transactions (proof_key, used_at) VALUES (?, ?)`
	if s.db.dialect == DialectMySQL {
		query = `INSERT IGNORE INTO used_transactions (proof_key, used_at) VALUES (?, ?)`
	}
	result, err := s.db.db.ExecContext(ctx, query, key, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("标记交易引用失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取影响行数失败: %w", err)
	}
	return affected == 1, nil
}

// Unmark 删除标记。
func (s *ReplayStore) Unmark(ctx context.Context, key string) error {
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM used_transactions WHERE proof_key = ?`, key); err != nil {
		return fmt.Errorf("撤销交易引用标记失败: %w", err)
	}
	return nil
}
