package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"AgentPay/internal/spending"
)

// SpendingStore 实现 spending.Store。台账与未结预扣在同一事务中写入。
type SpendingStore struct {
	db *DB
}

var _ spending.Store = (*SpendingStore)(nil)

// LoadRecord 读取身份的台账及其未结预扣。
func (s *SpendingStore) LoadRecord(ctx context.Context, identity string) (*spending.Record, error) {
	var (
		record               = &spending.Record{Identity: identity, Reservations: make(map[string]spending.Reservation)}
		perTx, daily, monthly sql.NullInt64
		updatedAt            int64
	)
	err := s.db.db.QueryRowContext(ctx, `SELECT per_transaction_limit, daily_limit, monthly_limit, daily_spent,
    monthly_spent, window_day, window_month, updated_at FROM spending_records WHERE identity = ?`, identity).
		Scan(&perTx, &daily, &monthly, &record.DailySpent, &record.MonthlySpent, &record.WindowDay, &record.WindowMonth, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, spending.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询消费台账失败: %w", err)
	}
	record.Limits = spending.Limits{PerTransaction: ptrInt64(perTx), Daily: ptrInt64(daily), Monthly: ptrInt64(monthly)}
	record.UpdatedAt = fromUnix(updatedAt)

	rows, err := s.db.db.QueryContext(ctx, `SELECT id, amount, window_day, window_month, created_at
    FROM spending_reservations WHERE identity = ?`, identity)
	if err != nil {
		return nil, fmt.Errorf("查询预扣记录失败: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			res       = spending.Reservation{Identity: identity}
			createdAt int64
		)
		if err := rows.Scan(&res.ID, &res.Amount, &res.Day, &res.Month, &createdAt); err != nil {
			return nil, fmt.Errorf("解析预扣记录失败: %w", err)
		}
		res.CreatedAt = fromUnix(createdAt)
		record.Reservations[res.ID] = res
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历预扣记录失败: %w", err)
	}
	return record, nil
}

// SaveRecord 覆盖写入台账，并以记录中的预扣集合替换已存的预扣。
func (s *SpendingStore) SaveRecord(ctx context.Context, record *spending.Record) error {
	upsert := `INSERT INTO spending_records (identity, per_transaction_limit, daily_limit, monthly_limit,
    daily_spent, monthly_spent, window_day, window_month, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.db.dialect == DialectMySQL {
		upsert += ` ON DUPLICATE KEY UPDATE per_transaction_limit = VALUES(per_transaction_limit),
    daily_limit = VALUES(daily_limit), monthly_limit = VALUES(monthly_limit),
    daily_spent = VALUES(daily_spent), monthly_spent = VALUES(monthly_spent),
    window_day = VALUES(window_day), window_month = VALUES(window_month), updated_at = VALUES(updated_at)`
	} else {
		upsert += ` ON CONFLICT(identity) DO UPDATE SET per_transaction_limit = excluded.per_transaction_limit,
    daily_limit = excluded.daily_limit, monthly_limit = excluded.monthly_limit,
    daily_spent = excluded.daily_spent, monthly_spent = excluded.monthly_spent,
    window_day = excluded.window_day, window_month = excluded.window_month, updated_at = excluded.updated_at`
	}

	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsert,
			record.Identity, nullInt64(record.Limits.PerTransaction), nullInt64(record.Limits.Daily), nullInt64(record.Limits.Monthly),
			record.DailySpent, record.MonthlySpent, record.WindowDay, record.WindowMonth, toUnix(record.UpdatedAt),
		); err != nil {
			return fmt.Errorf("写入消费台账失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM spending_reservations WHERE identity = ?`, record.Identity); err != nil {
			return fmt.Errorf("清理预扣记录失败: %w", err)
		}
		for _, res := range record.Reservations {
			if _, err := tx.ExecContext(ctx, `INSERT INTO spending_reservations
    (id, identity, amount, window_day, window_month, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				res.ID, record.Identity, res.Amount, res.Day, res.Month, toUnix(res.CreatedAt),
			); err != nil {
				return fmt.Errorf("写入预扣记录失败: %w", err)
			}
		}
		return nil
	})
}

// OpenIdentities 列出仍持有未结预扣的身份。
func (s *SpendingStore) OpenIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT DISTINCT identity FROM spending_reservations ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("查询预扣身份失败: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("解析预扣身份失败: %w", err)
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历预扣身份失败: %w", err)
	}
	return out, nil
}
