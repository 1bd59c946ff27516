package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"AgentPay/internal/ledger"
)

// LedgerStore 实现 ledger.Store。状态更新以当前状态为条件，保证迁移单调。
type LedgerStore struct {
	db *DB
}

var _ ledger.Store = (*LedgerStore)(nil)

const transactionColumns = `id, session_id, service_id, identity, amount, asset, network, proof_reference,
    proof_key, status, request_payload, response_payload, failure_reason, refund_reference, rating, review,
    created_at, updated_at, completed_at`

// Insert 写入新记录。交易引用重复时返回 ledger.ErrDuplicateProof。
func (s *LedgerStore) Insert(ctx context.Context, r *ledger.Record) error {
	_, err := s.db.db.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.ServiceID, r.Identity, r.Amount, r.Asset, r.Network, r.ProofReference,
		r.ProofKey, string(r.Status), nullString(string(r.RequestPayload)), nullString(string(r.ResponsePayload)),
		nullString(r.FailureReason), nullString(r.RefundReference), nullRating(r.Rating), nullString(r.Review),
		toUnix(r.CreatedAt), toUnix(r.UpdatedAt), nullTime(r.CompletedAt),
	)
	if detail, dup := uniqueViolation(err); dup {
		if strings.Contains(detail, "proof_key") {
			return ledger.ErrDuplicateProof
		}
		return ledger.ErrStaleRecord
	}
	if err != nil {
		return fmt.Errorf("写入交易记录失败: %w", err)
	}
	return nil
}

// Get 读取单条记录。
func (s *LedgerStore) Get(ctx context.Context, id string) (*ledger.Record, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrRecordNotFound
	}
	return record, err
}

// ListRecent 按创建时间倒序返回记录。
func (s *LedgerStore) ListRecent(ctx context.Context, identity string, limit int) ([]*ledger.Record, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	args := []any{}
	if identity != "" {
		query += ` WHERE identity = ?`
		args = append(args, identity)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询交易列表失败: %w", err)
	}
	defer rows.Close()

	out := make([]*ledger.Record, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历交易列表失败: %w", err)
	}
	return out, nil
}

// Update 仅当持久化状态仍为 prev 时写入。
func (s *LedgerStore) Update(ctx context.Context, r *ledger.Record, prev ledger.Status) error {
	result, err := s.db.db.ExecContext(ctx, `UPDATE transactions SET status = ?, response_payload = ?,
    failure_reason = ?, refund_reference = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(r.Status), nullString(string(r.ResponsePayload)), nullString(r.FailureReason),
		nullString(r.RefundReference), toUnix(r.UpdatedAt), nullTime(r.CompletedAt), r.ID, string(prev),
	)
	if err != nil {
		return fmt.Errorf("更新交易记录失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.Get(ctx, r.ID); err != nil {
		return err
	}
	return ledger.ErrStaleRecord
}

// Rate 为已履约且未评分的记录写入评分。
func (s *LedgerStore) Rate(ctx context.Context, id string, score int, review string, at time.Time) error {
	result, err := s.db.db.ExecContext(ctx, `UPDATE transactions SET rating = ?, review = ?, updated_at = ?
    WHERE id = ? AND rating IS NULL AND status = ?`,
		score, nullString(review), toUnix(at), id, string(ledger.StatusFulfilled),
	)
	if err != nil {
		return fmt.Errorf("写入评分失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if affected == 1 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Rating != nil {
		return ledger.ErrAlreadyRated
	}
	return ledger.ErrNotRateable
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ledger.Record, error) {
	var (
		r                                  ledger.Record
		status                             string
		request, response, failure, refund sql.NullString
		review                             sql.NullString
		rating                             sql.NullInt64
		createdAt, updatedAt               int64
		completedAt                        sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.SessionID, &r.ServiceID, &r.Identity, &r.Amount, &r.Asset, &r.Network, &r.ProofReference,
		&r.ProofKey, &status, &request, &response, &failure, &refund, &rating, &review,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("解析交易记录失败: %w", err)
	}
	r.Status = ledger.Status(status)
	if request.Valid {
		r.RequestPayload = json.RawMessage(request.String)
	}
	if response.Valid {
		r.ResponsePayload = json.RawMessage(response.String)
	}
	r.FailureReason = failure.String
	r.RefundReference = refund.String
	r.Review = review.String
	if rating.Valid {
		score := int(rating.Int64)
		r.Rating = &score
	}
	r.CreatedAt = fromUnix(createdAt)
	r.UpdatedAt = fromUnix(updatedAt)
	if completedAt.Valid {
		t := fromUnix(completedAt.Int64)
		r.CompletedAt = &t
	}
	return &r, nil
}

func nullRating(score *int) sql.NullInt64 {
	if score == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*score), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}
